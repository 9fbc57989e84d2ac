package cmd

import (
	"os"

	"pubplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a publish job",
	Long:  `Submit a content-publishing job to the dispatch engine. The payload reference is opaque to the engine; the automation agent resolves it.`,
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("url"))

		payload, _ := cmd.Flags().GetString("payload")
		hint, _ := cmd.Flags().GetString("account")
		priority, _ := cmd.Flags().GetString("priority")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

		if payload == "" {
			cmd.Println("--payload is required")
			os.Exit(1)
		}

		resp, err := client.SubmitJob(api.SubmitJobRequest{
			PayloadRef:  payload,
			AccountHint: hint,
			Priority:    priority,
			MaxAttempts: maxAttempts,
		})
		if err != nil {
			cmd.Printf("Error submitting job: %s\n", err)
			os.Exit(1)
		}

		cmd.Printf("Job submitted: %s\n", resp.JobID)
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringP("payload", "p", "", "payload reference to publish (required)")
	submitCmd.Flags().StringP("account", "a", "", "preferred account ID")
	submitCmd.Flags().String("priority", "normal", "job priority: low, normal, high, urgent")
	submitCmd.Flags().Int("max-attempts", 0, "per-job attempt budget (0 uses the daemon default)")
}
