package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "An HTTP client that reports every call as a monitoring beacon",
	Long: `beacon is a command-line HTTP client that tracks each call it makes
and reports it to a monitoring collector.

Beacons are queued on disk and sent in batches. When the collector is
unreachable, or reporting is suspended, they wait for the next flush.

Examples:
  beacon get https://api.example.com/users
  beacon post https://api.example.com/users -d '{"name": "John"}'
  beacon track GET https://api.example.com/users --status 200 --duration 120ms
  beacon queue
  beacon flush`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "Show response headers and debug logs")
	flags.String("config", "", "Config file (default $HOME/.beacon/config.yaml)")
	flags.String("data-dir", "", "Directory holding the beacon queue")
	flags.String("connection", "auto", "Connection type: auto, wifi, cellular, other or none")
	flags.String("battery", "auto", "Battery state: auto, ok or low")
	flags.Bool("metrics", false, "Print reporter metrics on exit")
}
