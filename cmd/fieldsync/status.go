package main

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := apiClient.Sync.Status()

		if jsonOutput {
			printJSON(status)
			return nil
		}

		if status.IsOnline {
			printSuccess("Online")
		} else {
			printWarn("Offline")
		}

		printInfo("Pending:   %d", status.PendingCount)
		printInfo("Failed:    %d", status.FailedCount)
		printInfo("Conflicts: %d", status.ConflictCount)

		if sess := apiClient.Auth.Session(); sess != nil {
			printInfo("User:      %s", sess.User.Email)
		} else {
			printWarn("Not logged in")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
