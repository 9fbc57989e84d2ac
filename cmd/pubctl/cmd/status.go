package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get status of a job",
	Long:  `Retrieve a job's current state, attempt count, bound account, and error history.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("url"))

		job, err := client.GetJob(args[0])
		if err != nil {
			cmd.Printf("Error fetching job: %s\n", err)
			os.Exit(1)
		}

		cmd.Printf("Job:         %s\n", job.ID)
		cmd.Printf("Status:      %s\n", job.Status)
		cmd.Printf("Priority:    %s\n", job.Priority)
		cmd.Printf("Payload:     %s\n", job.PayloadRef)
		cmd.Printf("Attempts:    %d/%d\n", job.Attempts, job.MaxAttempts)
		if job.AccountID != "" {
			cmd.Printf("Account:     %s\n", job.AccountID)
		}
		cmd.Printf("Created:     %s\n", job.CreatedAt.Format(time.RFC3339))
		cmd.Printf("Updated:     %s\n", job.UpdatedAt.Format(time.RFC3339))
		if job.LastError != nil {
			cmd.Printf("Last error:  [%s] %s\n", job.LastError.Kind, job.LastError.Message)
		}

		if len(job.History) > 0 {
			cmd.Println("\nAttempt history:")
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ATTEMPT\tACCOUNT\tKIND\tFAILED AT\tERROR")
			for _, rec := range job.History {
				msg := rec.Message
				if len(msg) > 50 {
					msg = msg[:47] + "..."
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					rec.Attempt, rec.AccountID, rec.Kind,
					rec.FailedAt.Format(time.RFC3339), msg)
			}
			w.Flush()
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
