package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"pipetrack/internal/config"
	"pipetrack/internal/reporter"
	"pipetrack/internal/sampler"
)

var reporterCmd = &cobra.Command{
	Use:   "reporter",
	Short: "Starts the metrics reporter daemon for this host",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running reporter process")
		conf := config.FromCobraCmd(cmd)
		zerolog.SetGlobalLevel(conf.ZerologLevel())

		st := mustStore(conf)
		cache := mustLiveCache(conf)

		hostname, err := os.Hostname()
		if err != nil {
			log.Fatal().Err(err).Msg("Could not determine hostname")
		}

		ctx, cancel := context.WithCancel(context.Background())

		if err := st.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("Could not ensure database schema")
		}

		smp := sampler.New(time.Duration(conf.Reporter.SampleTimeoutSec)*time.Second, conf.Reporter.PerCoreCPU)
		rep := reporter.New(
			st, smp, cache,
			hostname, int64(os.Getpid()),
			time.Duration(conf.Reporter.PollIntervalSec)*time.Second,
			conf.Reporter.IncludeChildren,
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- rep.Run(ctx)
		}()

		defer func() {
			if err := st.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}

			if err := cache.Close(); err != nil {
				log.Printf("Could not close live cache cleanly on shutdown: %v\n", err)
			}

			cancel()
		}()

		select {
		case err := <-errCh:
			if err != nil {
				log.Fatal().Err(err).Str("hostname", hostname).Msg("Ran into problems")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		}
	},
}
