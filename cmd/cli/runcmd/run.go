package runcmd

import (
	"log"
	"time"

	"github.com/spf13/cobra"
	"pipetrack/internal/config"
	"pipetrack/internal/database"
	"pipetrack/internal/livecache"
	"pipetrack/internal/store"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(reporterCmd)
	Command.AddCommand(cleanupCmd)
}

func mustStore(conf *config.PTConfig) *store.Store {
	db, dialect, err := database.New(conf)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}

	return store.New(db, dialect)
}

func mustLiveCache(conf *config.PTConfig) livecache.Publisher {
	if conf.LiveCache.Addr == "" {
		return livecache.Noop{}
	}

	ttl := 3 * time.Duration(conf.Reporter.PollIntervalSec) * time.Second
	cache, err := livecache.NewRedisCache(conf.LiveCache.Addr, conf.LiveCache.Password, conf.LiveCache.DB, ttl)
	if err != nil {
		log.Fatalf("Could not connect to live cache: %v", err)
	}
	return cache
}
