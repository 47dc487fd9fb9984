package cli

import (
	"github.com/spf13/cobra"
	"github.com/strandlabs/strand/internal/config"
)

var (
	cfgPath string

	rootCmd = &cobra.Command{
		Use:   "strand",
		Short: "Strand agent run orchestration service",
		Long: `Strand is a durable agent run orchestrator: submissions become queued
runs, workers claim them under leases, and every step of execution is
recorded as an ordered event log you can stream or replay.`,
		SilenceUsage: true,
	}
)

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default ~/.strand/strand.json)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
}

func loadConfig() (*config.Config, error) {
	return config.NewLoader(cfgPath).Load()
}
