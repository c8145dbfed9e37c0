package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"scrapehub/internal/config"
	"scrapehub/internal/jobs"
	"scrapehub/internal/processor"
	"scrapehub/internal/store"
)

// app holds what every subcommand needs once the root pre-run has loaded
// config and opened the database.
type app struct {
	cfg      *config.Config
	store    *store.Store
	ctrl     *jobs.Controller
	registry *processor.Registry
	logger   *slog.Logger
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		a          app
	)

	root := &cobra.Command{
		Use:           "scrapehubctl",
		Short:         "Operate scrapehub jobs from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(configPath)
			if err != nil {
				return fmt.Errorf("open config: %w", err)
			}
			defer f.Close()
			cfg, err := config.Decode(f)
			if err != nil {
				return fmt.Errorf("decode config: %w", err)
			}

			db, err := store.Open(cfg.Database.DSN)
			if err != nil {
				return err
			}
			if err := db.PingContext(cmd.Context()); err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}

			a.cfg = cfg
			a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{}))
			a.store = store.New(db)
			a.registry = processor.NewDefaultRegistry(cfg)
			stats := jobs.NewStatsCache(a.store, config.Duration(cfg.Engine.StatsStaleAfterMs))
			// No dispatcher: a running worker's recovery poll starts
			// whatever this tool submits or resumes.
			a.ctrl = jobs.NewController(a.store, nil, stats, a.registry, nil, a.logger)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.store != nil {
				return a.store.DB.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to config file")

	root.AddCommand(
		listCmd(&a),
		statusCmd(&a),
		actionCmd(&a, "pause", "Pause a running job", (*jobs.Controller).Pause),
		actionCmd(&a, "resume", "Resume a paused, auto-paused or failed job", (*jobs.Controller).Resume),
		actionCmd(&a, "stop", "Stop a job permanently", (*jobs.Controller).Stop),
		retryFailedCmd(&a),
		fixStuckCmd(&a),
		backfillStatsCmd(&a),
		cleanupCmd(&a),
		watchCmd(&a),
	)
	return root
}
