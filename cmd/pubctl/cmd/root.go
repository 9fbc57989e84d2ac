package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "pubctl",
	Short: "pubctl is the command line tool for the pubplane dispatch engine",
	Long: `pubctl is the operator interface for pubplane, the content-publishing
dispatch engine. It talks to the daemon's control listener.

Common workflows:

  Submit a publish job:
    pubctl submit --payload post://draft/42 --priority high

  Check a job:
    pubctl status <job-id>

  Cancel a pending job:
    pubctl cancel <job-id>

  Inspect and replay dead letters:
    pubctl dlq list
    pubctl dlq resubmit <job-id>

  List managed accounts:
    pubctl accounts

Configuration:
  PUBPLANE_URL    control listener address (default: http://localhost:6470)`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("url", "http://localhost:6470", "pubplane control listener URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	viper.SetEnvPrefix("PUBPLANE")
	viper.AutomaticEnv()
}
