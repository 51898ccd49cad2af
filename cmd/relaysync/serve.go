package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thin-Film-Technology-Corp/Wrike-graph-server/internal/config"
	"github.com/Thin-Film-Technology-Corp/Wrike-graph-server/internal/httpapi"
	"github.com/Thin-Film-Technology-Corp/Wrike-graph-server/internal/syncengine"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, worker pool and reconcile schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireServe(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := setupLogger(cfg, os.Stderr)

	if cfg.AutoMigrate && isPostgresDSN(cfg.MappingStoreDSN) {
		logger.Info("applying migrations")
		if err := syncengine.RunMigrations(cfg.MappingStoreDSN, "up"); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}
	store, err := syncengine.BuildStoreFromDSN(cfg.MappingStoreDSN)
	if err != nil {
		return fmt.Errorf("open mapping store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close mapping store", "err", err)
		}
	}()

	metrics := syncengine.NewMetrics()
	engine, err := buildEngine(ctx, cfg, store, metrics, logger, false)
	if err != nil {
		return err
	}

	kinds, err := cfg.ScheduledKinds()
	if err != nil {
		return err
	}
	scheduler, err := syncengine.NewScheduler(syncengine.SchedulerOptions{
		Spec:   cfg.ReconcileSchedule,
		Kinds:  kinds,
		Limit:  cfg.ReconcileScheduledLimit,
		Target: engine,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	handler := httpapi.NewServer(engine, httpapi.ServerConfig{
		WrikeHookSecret:     cfg.WrikeHookSecret,
		GraphClientState:    cfg.GraphSubscriptionSecret,
		AdminJWTSecret:      cfg.AdminJWTSecret,
		NotifyLimit:         cfg.ReconcileNotifyLimit,
		AdminReconcileLimit: cfg.ReconcileScheduledLimit,
		RateLimitMax:        cfg.RateLimitMax,
		RateLimitWindow:     cfg.RateWindow(),
		MaxBodyBytes:        cfg.MaxBodyBytes,
		Logger:              logger,
		Metrics:             metrics,
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relaysync listening", "addr", cfg.HTTPAddr, "store", storeScheme(cfg.MappingStoreDSN))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = engine.Close(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := engine.Close(shutdownCtx); err != nil {
		logger.Warn("engine shutdown", "err", err)
	}
	return nil
}

// storeScheme keeps credentials in the DSN out of the logs.
func storeScheme(dsn string) string {
	if scheme, _, ok := strings.Cut(strings.TrimSpace(dsn), "://"); ok {
		return scheme
	}
	return "file"
}
