package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledgerbucket.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, BackendLocal, cfg.Backend.Kind)
	assert.Equal(t, IdempotencyMemory, cfg.Idempotency.Kind)
	assert.Equal(t, 60*time.Second, cfg.Gateway.UploadTimeout)
	assert.Equal(t, filepath.Join("./data", "metadata.sqlite"), cfg.StoreDSN())
	assert.Equal(t, filepath.Join("./data", "backend"), cfg.LocalRoot())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
listen: ":8080"
data_dir: /var/lib/ledgerbucket
store:
  driver: pgx
  dsn: postgres://ledger@localhost/ledger
backend:
  kind: minio
  minio:
    endpoint: minio:9000
    bucket: ledger
    use_ssl: true
gateway:
  max_object_size: 1048576
  upload_timeout: 2m
  redirect_reads: true
idempotency:
  kind: redis
  redis_addr: redis:6379
  ttl: 1h
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "pgx", cfg.Store.Driver)
	assert.Equal(t, "postgres://ledger@localhost/ledger", cfg.StoreDSN())
	assert.Equal(t, BackendMinio, cfg.Backend.Kind)
	assert.Equal(t, "minio:9000", cfg.Backend.Minio.Endpoint)
	assert.True(t, cfg.Backend.Minio.UseSSL)
	assert.Equal(t, "us-east-1", cfg.Backend.Minio.Region, "unset fields keep their defaults")
	assert.Equal(t, int64(1048576), cfg.Gateway.MaxObjectSize)
	assert.Equal(t, 2*time.Minute, cfg.Gateway.UploadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Gateway.FetchTimeout)
	assert.True(t, cfg.Gateway.RedirectReads)
	assert.Equal(t, time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, LogFormatJSON, cfg.Log.Format)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "listen: [invalid yaml\n"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "listen: \":8080\"\n")

	t.Setenv("LEDGERBUCKET_LISTEN", ":7070")
	t.Setenv("LEDGERBUCKET_ALLOW_EMPTY", "true")
	t.Setenv("LEDGERBUCKET_FETCH_TIMEOUT", "5s")
	t.Setenv("LEDGERBUCKET_MAX_OBJECT_SIZE", "42")
	t.Setenv("LEDGERBUCKET_ACCESS_KEY", "ledgeradmin")
	t.Setenv("LEDGERBUCKET_SECRET_KEY", "ledgersecret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Listen)
	assert.True(t, cfg.Gateway.AllowEmpty)
	assert.Equal(t, 5*time.Second, cfg.Gateway.FetchTimeout)
	assert.Equal(t, int64(42), cfg.Gateway.MaxObjectSize)
	assert.True(t, cfg.Auth.Enabled())
}

func TestEnvParseErrorsAreJoined(t *testing.T) {
	t.Setenv("LEDGERBUCKET_ALLOW_EMPTY", "maybe")
	t.Setenv("LEDGERBUCKET_UPLOAD_TIMEOUT", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGERBUCKET_ALLOW_EMPTY")
	assert.Contains(t, err.Error(), "LEDGERBUCKET_UPLOAD_TIMEOUT")
}

func TestOptionsOverrideEnv(t *testing.T) {
	t.Setenv("LEDGERBUCKET_DATA_DIR", "/from/env")

	dir := t.TempDir()
	cfg, err := Load("", WithDataDir(dir), WithListen(":1234"), WithBackend(BackendLocal), WithLogLevel("warn"))
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, ":1234", cfg.Listen)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Listen = ""
	cfg.Store.Driver = "oracle"
	cfg.Backend.Kind = BackendMinio
	cfg.Idempotency.Kind = IdempotencyRedis
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"
	cfg.Metrics.Path = "metrics"
	cfg.Auth.AccessKey = "ledgeradmin"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"listen address",
		"unknown store driver",
		"backend.minio.endpoint",
		"backend.minio.bucket",
		"idempotency.redis_addr",
		"log.level",
		"unknown log format",
		"metrics.path",
		"auth.access_key and auth.secret_key",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidatePostgresNeedsDSN(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "postgres"
	require.ErrorContains(t, cfg.Validate(), "store.dsn")

	cfg.Store.DSN = "postgres://localhost/ledger"
	require.NoError(t, cfg.Validate())
}

func TestValidateRedirectReadsNeedsHTTPLocation(t *testing.T) {
	cfg := Default()
	cfg.Gateway.RedirectReads = true
	require.ErrorContains(t, cfg.Validate(), "backend.local.base_url")

	cfg.Backend.Local.BaseURL = "https://cdn.example.com/receipts"
	require.NoError(t, cfg.Validate())
}

func TestValidateLeaseCoversUpload(t *testing.T) {
	cfg := Default()
	cfg.Gateway.UploadTimeout = 10 * time.Minute
	require.ErrorContains(t, cfg.Validate(), "idempotency.lease")

	cfg.Idempotency.Lease = 10*time.Minute + CommitTimeout
	require.NoError(t, cfg.Validate())
}
