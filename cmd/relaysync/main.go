package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Thin-Film-Technology-Corp/Wrike-graph-server/internal/config"
	"github.com/Thin-Film-Technology-Corp/Wrike-graph-server/internal/syncengine"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "relaysync:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relaysync",
		Short:         "Keep Wrike tasks and SharePoint lists in step",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newReconcileCommand())
	cmd.AddCommand(newBackfillCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newIdentitiesCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "relaysync %s\n", version)
			return err
		},
	}
}

// setupLogger installs the process-wide handler described by cfg.
func setupLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	var handler slog.Handler
	if cfg.JSONLogs() {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler).With("service", "relaysync")
	slog.SetDefault(logger)
	return logger
}

func isPostgresDSN(dsn string) bool {
	dsn = strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// buildEngine wires the Wrike, Graph and flow clients around store. With
// disableWorkers the engine only serves synchronous calls.
func buildEngine(ctx context.Context, cfg *config.Config, store syncengine.Store, metrics *syncengine.Metrics, logger *slog.Logger, disableWorkers bool) (*syncengine.Engine, error) {
	retry := syncengine.RetryOptions{
		Timeout:       cfg.UpstreamTimeoutDuration(),
		MaxRetryAfter: cfg.UpstreamTimeoutDuration(),
		UserAgent:     "relaysync/" + version,
	}
	tracker := syncengine.NewWrikeClient(syncengine.WrikeClientOptions{
		BaseURL: cfg.WrikeAPIURL,
		Token:   syncengine.StaticToken(cfg.WrikeAccessToken),
		Folders: cfg.WrikeFolders(),
		Retry:   retry,
	})
	registry := syncengine.NewGraphClient(syncengine.GraphClientOptions{
		BaseURL: cfg.GraphAPIURL,
		Token:   syncengine.GraphClientCredentials(ctx, cfg.GraphAuthorityURL, cfg.GraphTenantID, cfg.GraphClientID, cfg.GraphClientSecret),
		SiteID:  cfg.GraphSiteID,
		Lists:   cfg.GraphLists(),
		Filters: cfg.GraphFilters(),
		Retry:   retry,
	})
	vocabulary := syncengine.DefaultVocabulary()
	if path := strings.TrimSpace(cfg.VocabularyFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read vocabulary: %w", err)
		}
		if vocabulary, err = syncengine.ParseVocabulary(data); err != nil {
			return nil, err
		}
		logger.Info("vocabulary loaded", "path", path, "version", vocabulary.Version())
	}
	sink := syncengine.NewFlowClient(syncengine.FlowClientOptions{
		URL:   cfg.GraphFlowURL,
		Retry: retry,
	})
	return syncengine.NewEngine(syncengine.EngineOptions{
		Store:                store,
		Tracker:              tracker,
		Registry:             registry,
		Sink:                 sink,
		Vocabulary:           vocabulary,
		ReviewerFields:       cfg.ReviewerFields(),
		Workers:              cfg.Workers,
		QueueSize:            cfg.QueueSize,
		UpstreamTimeout:      cfg.UpstreamTimeoutDuration(),
		ReconcileTimeout:     cfg.ReconcileTimeoutDuration(),
		ReconcileConcurrency: cfg.ReconcileConcurrency,
		Logger:               logger,
		Metrics:              metrics,
		DisableWorkers:       disableWorkers,
	})
}
