package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thin-Film-Technology-Corp/Wrike-graph-server/internal/config"
	"github.com/Thin-Film-Technology-Corp/Wrike-graph-server/internal/syncengine"
)

func newReconcileCommand() *cobra.Command {
	var (
		kindFlag string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Pull recent list items of one kind into Wrike and print the report",
		Example: `  relaysync reconcile --kind rfq --limit 75
  relaysync reconcile --kind order`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := syncengine.ParseRecordKind(kindFlag)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = cfg.ReconcileScheduledLimit
			}
			logger := setupLogger(cfg, cmd.ErrOrStderr())

			store, err := syncengine.BuildStoreFromDSN(cfg.MappingStoreDSN)
			if err != nil {
				return fmt.Errorf("open mapping store: %w", err)
			}
			defer store.Close()

			engine, err := buildEngine(cmd.Context(), cfg, store, nil, logger, true)
			if err != nil {
				return err
			}
			defer engine.Close(cmd.Context())

			report, err := engine.Reconcile(cmd.Context(), kind, limit)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(report)
		},
	}
	cmd.Flags().StringVar(&kindFlag, "kind", "rfq", "record kind (rfq|datasheet|order)")
	cmd.Flags().IntVar(&limit, "limit", 0, "records to pull (default RECONCILE_SCHEDULED_LIMIT)")
	return cmd
}

func newBackfillCommand() *cobra.Command {
	var (
		kindFlag string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Adopt Wrike tasks that no mapping tracks yet",
		Long: `Match tasks in the kind's Wrike folder that have no mapping against the
most recent list items by title, and record a mapping for every unambiguous
match. Run it before the first reconcile of a folder that already holds tasks,
so they are updated instead of duplicated. No task is created or changed.`,
		Example: `  relaysync backfill --kind rfq --limit 500`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := syncengine.ParseRecordKind(kindFlag)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = cfg.ReconcileScheduledLimit
			}
			logger := setupLogger(cfg, cmd.ErrOrStderr())

			store, err := syncengine.BuildStoreFromDSN(cfg.MappingStoreDSN)
			if err != nil {
				return fmt.Errorf("open mapping store: %w", err)
			}
			defer store.Close()

			engine, err := buildEngine(cmd.Context(), cfg, store, nil, logger, true)
			if err != nil {
				return err
			}
			defer engine.Close(cmd.Context())

			report, err := engine.Backfill(cmd.Context(), kind, limit)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(report)
		},
	}
	cmd.Flags().StringVar(&kindFlag, "kind", "rfq", "record kind (rfq|datasheet|order)")
	cmd.Flags().IntVar(&limit, "limit", 0, "list items to match against (default RECONCILE_SCHEDULED_LIMIT)")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:       "migrate <up|down>",
		Short:     "Apply or roll back the Postgres mapping schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := strings.ToLower(strings.TrimSpace(args[0]))
			if direction != "up" && direction != "down" {
				return fmt.Errorf("unknown direction %q: use up or down", args[0])
			}
			if strings.TrimSpace(dsn) == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				dsn = cfg.MappingStoreDSN
			}
			if !isPostgresDSN(dsn) {
				return errors.New("migrate needs a postgres:// DSN")
			}
			if err := syncengine.RunMigrations(dsn, direction); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "migrations %s: ok\n", direction)
			return err
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "postgres DSN (default MAPPING_STORE_DSN)")
	return cmd
}

func newIdentitiesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identities",
		Short: "Manage the Wrike/Graph identity table",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.json>",
		Short: "Load identity records from a JSON array",
		Long: `Load identity records from a JSON array of
  {"trackerUserId": "...", "registryUserId": "...", "displayName": "..."}
into the mapping store named by MAPPING_STORE_DSN. Existing entries are replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var identities []syncengine.IdentityRecord
			if err := json.Unmarshal(data, &identities); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := syncengine.BuildStoreFromDSN(cfg.MappingStoreDSN)
			if err != nil {
				return fmt.Errorf("open mapping store: %w", err)
			}
			defer store.Close()

			for i, identity := range identities {
				if err := store.PutIdentity(cmd.Context(), identity); err != nil {
					return fmt.Errorf("identity %d (%s): %w", i, identity.DisplayName, err)
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d identities\n", len(identities))
			return err
		},
	})
	return cmd
}
