package reportercmd

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"pipetrack/internal/config"
	"pipetrack/internal/database"
	"pipetrack/internal/reporter"
	"pipetrack/internal/store"
)

var Command = &cobra.Command{
	Use:   "reporter",
	Short: "Inspect or control reporter daemons",
}

var targetHost string

func init() {
	Command.PersistentFlags().StringVar(&targetHost, "host", "", "hostname of the reporter (defaults to this machine)")
	Command.AddCommand(statusCmd)
	Command.AddCommand(stopCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows whether a host's reporter is alive",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		st, proto, hostname := mustProtocol(conf)
		defer closeStore(st)

		ctx := context.Background()
		row, err := st.GetReporterRow(ctx, hostname)
		if err != nil {
			log.Fatalf("Could not read reporter row: %v", err)
		}
		if row == nil {
			cmd.Printf("%s: no reporter registered\n", hostname)
			return
		}

		maxAge := time.Duration(conf.Reporter.HeartbeatMaxAgeSec) * time.Second
		liveness := proto.CheckAlive(ctx, hostname, row.ProcessID, maxAge)
		cmd.Printf("%s: pid=%d status=%s alive=%t heartbeat_age=%s version=%s\n",
			hostname, row.ProcessID, liveness.Status, liveness.Alive,
			liveness.HeartbeatAge.Round(time.Second), row.Version)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Requests a host's reporter to shut down",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		st, proto, hostname := mustProtocol(conf)
		defer closeStore(st)

		flagged, err := proto.RequestShutdown(context.Background(), hostname)
		if err != nil {
			log.Fatalf("Could not request shutdown: %v", err)
		}
		if !flagged {
			cmd.Printf("%s: no reporter registered\n", hostname)
			return
		}
		cmd.Printf("%s: shutdown requested, the reporter will exit on its next tick\n", hostname)
	},
}

func mustProtocol(conf *config.PTConfig) (*store.Store, *reporter.Protocol, string) {
	db, dialect, err := database.New(conf)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}

	localHost, err := os.Hostname()
	if err != nil {
		log.Fatalf("Could not determine hostname: %v", err)
	}

	hostname := targetHost
	if hostname == "" {
		hostname = localHost
	}

	st := store.New(db, dialect)
	return st, reporter.NewProtocol(st, localHost), hostname
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		log.Printf("Could not close db cleanly: %v\n", err)
	}
}
