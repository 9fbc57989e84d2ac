package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a pending job",
	Long:  `Withdraw a job that has not started dispatching. Jobs already assigned or running cannot be canceled.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("url"))

		if err := client.CancelJob(args[0]); err != nil {
			cmd.Printf("Error canceling job: %s\n", err)
			os.Exit(1)
		}
		cmd.Printf("Job %s canceled.\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
