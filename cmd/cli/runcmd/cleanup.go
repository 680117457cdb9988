package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"pipetrack/internal/config"
	"pipetrack/internal/retention"
)

var (
	cleanupDryRun    bool
	cleanupScheduled bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Deletes metrics past their retention window",
	Long: `Runs one metrics cleanup pass and exits. With --scheduled it stays up and
runs passes on the configured cron schedule instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		zerolog.SetGlobalLevel(conf.ZerologLevel())
		st := mustStore(conf)

		ctx, cancel := context.WithCancel(context.Background())
		engine := retention.New(st)

		defer func() {
			if err := st.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}
			cancel()
		}()

		if cleanupScheduled {
			runner := retention.NewRunner(engine, conf.Retention.Schedule, conf.Retention.Days)
			if err := runner.Start(ctx); err != nil {
				log.Fatal().Err(err).Msg("Failed to start retention runner")
			}
			defer runner.Stop()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
			return
		}

		results, err := engine.CleanupOldMetrics(ctx, conf.Retention.Days, cleanupDryRun)
		if err != nil {
			log.Fatal().Err(err).Msg("Cleanup failed")
		}

		for _, res := range results {
			event := log.Info()
			if res.Err != nil {
				event = log.Error().Err(res.Err)
			}
			event.
				Str("run_id", res.RunID).
				Int64("metrics", res.MetricsDeleted).
				Bool("dry_run", res.DryRun).
				Msg("Cleanup result")
		}
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report candidates without deleting anything")
	cleanupCmd.Flags().BoolVar(&cleanupScheduled, "scheduled", false, "keep running on the configured cron schedule")
}
