package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the dead-letter queue",
	Long:  `Inspect and replay jobs that exhausted their retries or hit a permanent failure.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("url"))

		letters, err := client.ListDeadLetters()
		if err != nil {
			cmd.Printf("Error fetching dead letters: %s\n", err)
			os.Exit(1)
		}

		if len(letters) == 0 {
			cmd.Println("No dead letters.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "JOB ID\tPAYLOAD\tATTEMPTS\tDEAD AT\tRESUBMITTED\tLAST ERROR")
		for _, dl := range letters {
			errMsg := ""
			if dl.Job.LastError != nil {
				errMsg = dl.Job.LastError.Message
				if len(errMsg) > 50 {
					errMsg = errMsg[:47] + "..."
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\t%s\n",
				dl.Job.ID,
				dl.Job.PayloadRef,
				dl.Job.Attempts,
				dl.DeadAt.Format(time.RFC3339),
				dl.Resubmitted,
				errMsg,
			)
		}
		w.Flush()
	},
}

var dlqResubmitCmd = &cobra.Command{
	Use:   "resubmit [job_id]",
	Short: "Replay a dead-lettered job as a fresh submission",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("url"))

		resp, err := client.ResubmitDeadLetter(args[0])
		if err != nil {
			cmd.Printf("Error resubmitting: %s\n", err)
			os.Exit(1)
		}

		cmd.Printf("Dead letter %s resubmitted.\n", args[0])
		cmd.Printf("New job ID: %s\n", resp.JobID)
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqResubmitCmd)
}
