package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fieldsales/fieldsync/internal/services/records"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List unresolved version conflicts",
	Long: `Conflicts are updates that lost an optimistic-lock race. The engine
never resolves them on its own; inspect both snapshots and pick a side.`,
	RunE: runConflicts,
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)

	conflictsResolveCmd.Flags().StringVar(&resolveKeep, "keep", "",
		"Which side to keep: local or server (required)")
	_ = conflictsResolveCmd.MarkFlagRequired("keep")
}

func runConflicts(cmd *cobra.Command, args []string) error {
	conflicts, err := apiClient.Store.ListConflicts()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(conflicts)
		return nil
	}

	if len(conflicts) == 0 {
		printSuccess("No unresolved conflicts")
		return nil
	}

	for _, c := range conflicts {
		printWarn("#%d %s  detected=%s", c.ID, c.Entity,
			c.CreatedAt.Format("2006-01-02 15:04:05"))
		printInfo("  local:  %s", c.LocalData)
		printInfo("  server: %s", c.ServerData)
	}
	printInfo("Resolve with: fieldsync conflicts resolve <id> --keep local|server")
	return nil
}

var resolveKeep string

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict by keeping one side",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conflict id %q", args[0])
		}

		var resolution records.Resolution
		switch resolveKeep {
		case "local":
			resolution = records.KeepLocal
		case "server":
			resolution = records.KeepServer
		default:
			return fmt.Errorf("--keep must be local or server")
		}

		if err := apiClient.Records.ResolveConflict(id, resolution); err != nil {
			return err
		}

		printSuccess("Conflict %d resolved (kept %s)", id, resolveKeep)
		return nil
	},
}
