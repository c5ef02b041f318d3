package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"orderflow/internal/config"
	"orderflow/internal/logging"
	"orderflow/internal/queue"
	"orderflow/internal/reconcile"
	"orderflow/internal/store"
)

// rootOptions holds state shared by every subcommand.
type rootOptions struct {
	cfg config.Config
	log *zap.SugaredLogger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "orderflowctl",
		Short:         "Operate the orderflow database and queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.log = logging.New(cfg.LogLevel)
			return nil
		},
	}
	cmd.AddCommand(newMigrateCommand(opts), newReconcileCommand(opts), newDLQCommand(opts))
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = opts.cfg.MigrationsDir
			}
			if err := store.Migrate(opts.cfg.PostgresDSN, dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations in %s applied\n", dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory (default MIGRATIONS_DIR)")
	return cmd
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Re-enqueue queued jobs whose message was lost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := store.New(ctx, opts.cfg.PostgresDSN, opts.cfg.PostgresMaxConns)
			if err != nil {
				return err
			}
			defer st.Close()
			q := queue.NewRedisQueue(opts.cfg)
			defer func() { _ = q.Close() }()

			n, err := reconcile.NewSweeper(opts.cfg, st, q, q.Client(), opts.log).Sweep(ctx)
			if errors.Is(err, reconcile.ErrLocked) {
				fmt.Fprintln(cmd.OutOrStdout(), "another sweep is running")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-enqueued %d job(s)\n", n)
			return nil
		},
	}
}

func newDLQCommand(opts *rootOptions) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Print dead-lettered job messages as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := queue.NewRedisQueue(opts.cfg)
			defer func() { _ = q.Close() }()

			items, err := q.DLQPeek(cmd.Context(), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		},
	}
	cmd.Flags().Int64VarP(&limit, "limit", "n", 100, "maximum entries to print")
	return cmd
}
