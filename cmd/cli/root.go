package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"pipetrack/cmd/cli/reportercmd"
	"pipetrack/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "ptctl",
	Short: "PipeTrack - pipeline execution tracking",
	Long: `PipeTrack records pipeline task runs in a relational store and attaches
process telemetry to them through a per-host reporter daemon.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
	RootCmd.AddCommand(reportercmd.Command)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
