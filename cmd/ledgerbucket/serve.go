package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ledgerbucket/internal/auth"
	"ledgerbucket/internal/config"
	"ledgerbucket/internal/gateway"
	"ledgerbucket/internal/httpapi"
	"ledgerbucket/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	c, err := openComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			slog.Warn("Failed to close components", "err", err)
		}
	}()

	m := metrics.Init(prometheus.DefaultRegisterer)

	svc := gateway.New(c.store, c.backend, gateway.Config{
		MaxObjectSize: cfg.Gateway.MaxObjectSize,
		AllowEmpty:    cfg.Gateway.AllowEmpty,
		UploadTimeout: cfg.Gateway.UploadTimeout,
		FetchTimeout:  cfg.Gateway.FetchTimeout,
		CommitTimeout: config.CommitTimeout,
	},
		gateway.WithTracker(c.tracker),
		gateway.WithReporter(c.reporter),
		gateway.WithMetrics(m),
	)

	apiOpts := []httpapi.Option{
		httpapi.WithRedirectReads(cfg.Gateway.RedirectReads),
		httpapi.WithBrowser(cfg.Gateway.Browser),
		httpapi.WithMetrics(m, prometheus.DefaultGatherer, cfg.Metrics.Path),
	}
	if cfg.Auth.Enabled() {
		apiOpts = append(apiOpts, httpapi.WithAuthenticator(auth.Default(auth.Credentials{
			AccessKeyID:     cfg.Auth.AccessKey,
			SecretAccessKey: cfg.Auth.SecretKey,
		})))
	} else {
		slog.Warn("Request authentication is disabled")
	}

	router := httpapi.New(svc, apiOpts...).Handler()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Build the backend eagerly; the provider retries on the next request if
	// this attempt fails.
	eg.Go(func() error {
		if _, err := c.backend.Get(ctx); err != nil {
			slog.Warn("Backend not ready yet", "backend", cfg.Backend.Kind, "err", err)
		}
		return nil
	})

	if cfg.Metrics.StatsInterval > 0 {
		eg.Go(func() error {
			return svc.RefreshStats(ctx, cfg.Metrics.StatsInterval)
		})
	}

	eg.Go(func() error {
		slog.Info("Starting ledgerbucket HTTP server", "listen", cfg.Listen, "backend", cfg.Backend.Kind, "store", cfg.Store.Driver)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return eg.Wait()
}
