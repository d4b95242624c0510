// ledgerbucket serves a mutable bucket/key namespace on top of an
// append-only object backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"ledgerbucket/internal/config"
)

var (
	cfgFile  string
	dataDir  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ledgerbucket",
		Short: "Bucket/key object gateway over an append-only backend",
		Long: `ledgerbucket exposes an S3-flavoured bucket/key namespace whose payloads
live in an immutable, append-only backend. Overwrites and deletes only touch
the metadata store; backend content is never modified.

Configuration is read from --config (YAML), a .env file and LEDGERBUCKET_*
environment variables, in that order.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory for metadata and local backend data")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newBucketsCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newReconcileCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("ledgerbucket exited with error", "error", err)
		os.Exit(1)
	}
}

// loadConfig loads, validates and applies the logging configuration.
func loadConfig() (*config.Config, error) {
	var opts []config.Option
	if dataDir != "" {
		opts = append(opts, config.WithDataDir(dataDir))
	}
	if logLevel != "" {
		opts = append(opts, config.WithLogLevel(logLevel))
	}

	cfg, err := config.Load(cfgFile, opts...)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogging(cfg.Log)
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})
	if cfg.Format == config.LogFormatJSON {
		handler.SetFormatter(log.JSONFormatter)
	}

	slog.SetDefault(slog.New(handler))
}
