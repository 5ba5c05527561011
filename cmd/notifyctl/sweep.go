package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/darkden-lab/notifier/internal/cache"
	"github.com/darkden-lab/notifier/internal/config"
	"github.com/darkden-lab/notifier/internal/db"
	"github.com/darkden-lab/notifier/internal/logging"
	"github.com/darkden-lab/notifier/internal/notifications"
)

func newSweepCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete notifications older than the retention window once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if window <= 0 {
				window = cfg.RetentionWindow
			}
			log := logging.New(cfg.LogLevel, cfg.LogFormat)

			database, err := db.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer database.Close()

			notifCache, err := cache.New(cfg, log)
			if err != nil {
				log.Warn("cache setup failed, cached lists will expire on their own", "error", err)
				notifCache = cache.Noop{}
			}
			defer notifCache.Close() //nolint:errcheck // best-effort cleanup

			// No pusher: open sockets belong to the server process.
			service := notifications.NewService(notifications.NewPostgresStore(database.Pool), notifCache, cfg.CacheTTL(), nil, log)
			deleted, err := notifications.NewSweeper(service, window, cfg.SweepInterval, log).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d notifications older than %s\n", deleted, window)
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "older-than", 0, "retention window (defaults to RETENTION_WINDOW)")
	return cmd
}
