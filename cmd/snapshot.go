package cmd

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/config"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/storage/sqlite"
)

// newSnapshotCmd creates the 'snapshot' subcommand group for inspecting
// checkpoints in the sqlite snapshot store.
func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspects and deletes match checkpoints",
	}
	cmd.AddCommand(newSnapshotListCmd(), newSnapshotDeleteCmd(), newSnapshotAuditCmd())
	return cmd
}

func newSnapshotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists every stored checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store *sqlite.Store) error {
				snaps, err := store.List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "MATCH\tSEQUENCE\tBALL\tSCORE\tPHASE\tSAVED")
				for _, s := range snaps {
					fmt.Fprintf(w, "%s\t%d\t%d.%d\t%d/%d\t%s\t%s\n",
						s.MatchID,
						s.LastSequence,
						s.LastProcessedOver, s.LastProcessedBall,
						s.LastScore, s.LastWickets,
						s.Metadata["phase"],
						s.SnapshotTimestamp.UTC().Format(time.RFC3339),
					)
				}
				return w.Flush()
			})
		},
	}
}

func newSnapshotDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <match_id>...",
		Short: "Deletes checkpoints so the matches start from scratch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *sqlite.Store) error {
				for _, id := range args {
					if err := store.Delete(ctx, id); err != nil {
						return fmt.Errorf("delete %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				}
				return nil
			})
		},
	}
}

func newSnapshotAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit [limit]",
		Short: "Prints the most recent audit records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit := 50
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("limit must be a positive integer, got %q", args[0])
				}
				limit = n
			}
			return withStore(cmd, func(ctx context.Context, store *sqlite.Store) error {
				records, err := store.RecentAudit(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tKIND\tMATCH\tOPERATION\tDETAIL")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						r.TS.UTC().Format(time.RFC3339), r.Kind, r.MatchID, r.Operation, r.Detail)
				}
				return w.Flush()
			})
		},
	}
}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *sqlite.Store) error) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	if cfg.Snapshots.Kind != config.StoreSQLite {
		return fmt.Errorf("snapshot commands need snapshots.kind %q, got %q", config.StoreSQLite, cfg.Snapshots.Kind)
	}
	store, err := sqlite.Open(cmd.Context(), cfg.Snapshots.SQLite, sqlite.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(cmd.Context(), store)
}
