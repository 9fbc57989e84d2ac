package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List managed accounts",
	Long:  `Show every managed account with its health score, status, and cooldown state.`,
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("url"))

		accounts, err := client.ListAccounts()
		if err != nil {
			cmd.Printf("Error fetching accounts: %s\n", err)
			os.Exit(1)
		}

		if len(accounts) == 0 {
			cmd.Println("No accounts registered.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ACCOUNT\tSTATUS\tHEALTH\tBUSY\tLAST USED\tCOOLDOWN UNTIL")
		for _, a := range accounts {
			lastUsed := ""
			if a.LastUsed != nil {
				lastUsed = a.LastUsed.Format(time.RFC3339)
			}
			cooldown := ""
			if a.CooldownUntil != nil {
				cooldown = a.CooldownUntil.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\t%s\n",
				a.ID, a.Status, a.Health, a.Busy, lastUsed, cooldown)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(accountsCmd)
}
