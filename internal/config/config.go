// Package config loads the ledgerbucket server configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file, a .env file, LEDGERBUCKET_* environment variables and finally
// functional options supplied by the caller (usually command-line flags).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEDGERBUCKET_"

const (
	BackendLocal = "local"
	BackendMinio = "minio"

	IdempotencyNone   = "none"
	IdempotencyMemory = "memory"
	IdempotencyRedis  = "redis"

	// CommitTimeout bounds the metadata commit that follows a backend write.
	CommitTimeout = 30 * time.Second

	LogFormatText = "text"
	LogFormatJSON = "json"
)

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite3 or pgx
	// DSN defaults to <data_dir>/metadata.sqlite for sqlite3.
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type LocalBackendConfig struct {
	// Root defaults to <data_dir>/backend.
	Root     string `yaml:"root"`
	Capacity int64  `yaml:"capacity"` // bytes, 0 = unlimited
	BaseURL  string `yaml:"base_url"`
}

type MinioBackendConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	Region     string `yaml:"region"`
	UseSSL     bool   `yaml:"use_ssl"`
	GatewayURL string `yaml:"gateway_url"`
}

type BackendConfig struct {
	Kind  string             `yaml:"kind"`
	Local LocalBackendConfig `yaml:"local"`
	Minio MinioBackendConfig `yaml:"minio"`
}

type GatewayConfig struct {
	MaxObjectSize int64         `yaml:"max_object_size"`
	AllowEmpty    bool          `yaml:"allow_empty"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	// RedirectReads answers GET with a redirect to the backend location
	// instead of proxying the payload.
	RedirectReads bool `yaml:"redirect_reads"`
	// Browser serves a read-only HTML view of buckets and key history.
	Browser bool `yaml:"browser"`
}

type IdempotencyConfig struct {
	Kind          string        `yaml:"kind"`
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`

	// Lease bounds how long an unfinished claim blocks retries. It must
	// outlast an upload plus its metadata commit.
	Lease time.Duration `yaml:"lease"`
}

type AuditConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// AuthConfig enables request authentication when both keys are set.
type AuthConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Enabled reports whether requests must be authenticated.
func (a AuthConfig) Enabled() bool {
	return a.AccessKey != "" && a.SecretKey != ""
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Path          string        `yaml:"path"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

type Config struct {
	Listen      string            `yaml:"listen"`
	DataDir     string            `yaml:"data_dir"`
	Store       StoreConfig       `yaml:"store"`
	Backend     BackendConfig     `yaml:"backend"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Audit       AuditConfig       `yaml:"audit"`
	Auth        AuthConfig        `yaml:"auth"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type Option func(*Config)

func WithListen(addr string) Option {
	return func(cfg *Config) {
		cfg.Listen = addr
	}
}

func WithDataDir(dataDir string) Option {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

func WithStore(driver, dsn string) Option {
	return func(cfg *Config) {
		cfg.Store.Driver = driver
		cfg.Store.DSN = dsn
	}
}

func WithBackend(kind string) Option {
	return func(cfg *Config) {
		cfg.Backend.Kind = kind
	}
}

func WithLogLevel(level string) Option {
	return func(cfg *Config) {
		cfg.Log.Level = level
	}
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Listen:  ":9000",
		DataDir: "./data",
		Store: StoreConfig{
			Driver: "sqlite3",
		},
		Backend: BackendConfig{
			Kind: BackendLocal,
			Minio: MinioBackendConfig{
				Region: "us-east-1",
			},
		},
		Gateway: GatewayConfig{
			MaxObjectSize: 5 << 30,
			UploadTimeout: 60 * time.Second,
			FetchTimeout:  30 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Kind:  IdempotencyMemory,
			TTL:   24 * time.Hour,
			Lease: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Exchange: "ledgerbucket.audit",
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatText,
		},
		Metrics: MetricsConfig{
			Path:          "/metrics",
			StatsInterval: 30 * time.Second,
		},
	}
}

// Load builds the configuration. An empty path skips the YAML file. A .env
// file in the working directory is loaded when present.
func Load(path string, opts ...Option) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if strings.HasPrefix(cfg.DataDir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, cfg.DataDir[2:])
		}
	}

	return &cfg, nil
}

// applyEnv overrides fields from LEDGERBUCKET_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(p *string) func(string) error {
		return func(v string) error {
			*p = v
			return nil
		}
	}
	boolean := func(p *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*p = b
			return nil
		}
	}
	integer := func(p *int64) func(string) error {
		return func(v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			*p = n
			return nil
		}
	}
	duration := func(p *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*p = d
			return nil
		}
	}

	setters := []struct {
		name string
		set  func(string) error
	}{
		{"LISTEN", str(&c.Listen)},
		{"DATA_DIR", str(&c.DataDir)},
		{"STORE_DRIVER", str(&c.Store.Driver)},
		{"STORE_DSN", str(&c.Store.DSN)},
		{"BACKEND", str(&c.Backend.Kind)},
		{"LOCAL_ROOT", str(&c.Backend.Local.Root)},
		{"LOCAL_CAPACITY", integer(&c.Backend.Local.Capacity)},
		{"LOCAL_BASE_URL", str(&c.Backend.Local.BaseURL)},
		{"MINIO_ENDPOINT", str(&c.Backend.Minio.Endpoint)},
		{"MINIO_ACCESS_KEY", str(&c.Backend.Minio.AccessKey)},
		{"MINIO_SECRET_KEY", str(&c.Backend.Minio.SecretKey)},
		{"MINIO_BUCKET", str(&c.Backend.Minio.Bucket)},
		{"MINIO_REGION", str(&c.Backend.Minio.Region)},
		{"MINIO_USE_SSL", boolean(&c.Backend.Minio.UseSSL)},
		{"GATEWAY_URL", str(&c.Backend.Minio.GatewayURL)},
		{"MAX_OBJECT_SIZE", integer(&c.Gateway.MaxObjectSize)},
		{"ALLOW_EMPTY", boolean(&c.Gateway.AllowEmpty)},
		{"UPLOAD_TIMEOUT", duration(&c.Gateway.UploadTimeout)},
		{"FETCH_TIMEOUT", duration(&c.Gateway.FetchTimeout)},
		{"REDIRECT_READS", boolean(&c.Gateway.RedirectReads)},
		{"BROWSER", boolean(&c.Gateway.Browser)},
		{"IDEMPOTENCY", str(&c.Idempotency.Kind)},
		{"IDEMPOTENCY_TTL", duration(&c.Idempotency.TTL)},
		{"IDEMPOTENCY_LEASE", duration(&c.Idempotency.Lease)},
		{"REDIS_ADDR", str(&c.Idempotency.RedisAddr)},
		{"REDIS_PASSWORD", str(&c.Idempotency.RedisPassword)},
		{"AMQP_URL", str(&c.Audit.AMQPURL)},
		{"AUDIT_EXCHANGE", str(&c.Audit.Exchange)},
		{"ACCESS_KEY", str(&c.Auth.AccessKey)},
		{"SECRET_KEY", str(&c.Auth.SecretKey)},
		{"LOG_LEVEL", str(&c.Log.Level)},
		{"LOG_FORMAT", str(&c.Log.Format)},
		{"METRICS_PATH", str(&c.Metrics.Path)},
		{"STATS_INTERVAL", duration(&c.Metrics.StatsInterval)},
	}

	var errList []error
	for _, s := range setters {
		v, ok := lookup(EnvPrefix + s.name)
		if !ok {
			continue
		}
		if err := s.set(v); err != nil {
			errList = append(errList, fmt.Errorf("%s%s: %w", EnvPrefix, s.name, err))
		}
	}
	return errors.Join(errList...)
}

// StoreDSN returns the metadata store DSN, defaulting to a SQLite file in the
// data directory.
func (c *Config) StoreDSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return filepath.Join(c.DataDir, "metadata.sqlite")
}

// LocalRoot returns the directory of the local backend.
func (c *Config) LocalRoot() string {
	if c.Backend.Local.Root != "" {
		return c.Backend.Local.Root
	}
	return filepath.Join(c.DataDir, "backend")
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errList []error

	if c.Listen == "" {
		errList = append(errList, errors.New("listen address must not be empty"))
	}
	if c.DataDir == "" {
		errList = append(errList, errors.New("data_dir must not be empty"))
	}

	switch c.Store.Driver {
	case "", "sqlite3", "sqlite":
	case "pgx", "postgres", "postgresql":
		if c.Store.DSN == "" {
			errList = append(errList, errors.New("store.dsn is required for postgres"))
		}
	default:
		errList = append(errList, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Backend.Kind {
	case BackendLocal:
		if c.Backend.Local.Capacity < 0 {
			errList = append(errList, errors.New("backend.local.capacity must not be negative"))
		}
	case BackendMinio:
		if c.Backend.Minio.Endpoint == "" {
			errList = append(errList, errors.New("backend.minio.endpoint is required"))
		}
		if c.Backend.Minio.Bucket == "" {
			errList = append(errList, errors.New("backend.minio.bucket is required"))
		}
	default:
		errList = append(errList, fmt.Errorf("unknown backend %q", c.Backend.Kind))
	}

	if c.Gateway.RedirectReads && c.Backend.Kind == BackendLocal && c.Backend.Local.BaseURL == "" {
		errList = append(errList, errors.New("gateway.redirect_reads with the local backend needs backend.local.base_url"))
	}
	if c.Gateway.MaxObjectSize < 0 {
		errList = append(errList, errors.New("gateway.max_object_size must not be negative"))
	}
	if c.Gateway.UploadTimeout < 0 || c.Gateway.FetchTimeout < 0 {
		errList = append(errList, errors.New("gateway timeouts must not be negative"))
	}

	switch c.Idempotency.Kind {
	case "", IdempotencyNone, IdempotencyMemory:
	case IdempotencyRedis:
		if c.Idempotency.RedisAddr == "" {
			errList = append(errList, errors.New("idempotency.redis_addr is required for redis"))
		}
	default:
		errList = append(errList, fmt.Errorf("unknown idempotency tracker %q", c.Idempotency.Kind))
	}
	if minLease := c.Gateway.UploadTimeout + CommitTimeout; c.Idempotency.Lease < minLease {
		errList = append(errList, fmt.Errorf("idempotency.lease must be at least gateway.upload_timeout plus %s (%s)", CommitTimeout, minLease))
	}

	if (c.Auth.AccessKey == "") != (c.Auth.SecretKey == "") {
		errList = append(errList, errors.New("auth.access_key and auth.secret_key must be set together"))
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errList = append(errList, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case LogFormatText, LogFormatJSON:
	default:
		errList = append(errList, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		errList = append(errList, errors.New("metrics.path must start with /"))
	}

	return errors.Join(errList...)
}
