package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fieldsales/fieldsync/internal/models"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued sync work",
	RunE:  runPending,
}

var (
	pendingFailed bool
	pendingEntity string
)

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.AddCommand(pendingRetryCmd)

	pendingCmd.Flags().BoolVar(&pendingFailed, "failed", false,
		"List the failed archive instead of the pending queue")
	pendingCmd.Flags().StringVar(&pendingEntity, "entity", "",
		"Only show items for one entity kind (customer, measurement, quote)")
}

func runPending(cmd *cobra.Command, args []string) error {
	if pendingFailed {
		items, err := apiClient.Store.ListFailed()
		if err != nil {
			return err
		}

		if jsonOutput {
			printJSON(items)
			return nil
		}

		if len(items) == 0 {
			printInfo("Failed archive is empty")
			return nil
		}

		for _, item := range items {
			printWarn("#%d %s %s  retries=%d  failed=%s",
				item.ID, item.Type, item.Entity,
				item.RetryCount, item.FailedAt.Format("2006-01-02 15:04:05"))
		}
		printInfo("Requeue with: fieldsync pending retry <id>")
		return nil
	}

	var items []*models.PendingSyncItem
	var err error
	if pendingEntity != "" {
		items, err = apiClient.Store.PendingByEntity(models.EntityKind(pendingEntity))
	} else {
		items, err = apiClient.Store.ListPending()
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(items)
		return nil
	}

	if len(items) == 0 {
		printSuccess("Pending queue is empty")
		return nil
	}

	for _, item := range items {
		line := fmt.Sprintf("#%d %s %s  created=%s  retries=%d",
			item.ID, item.Type, item.Entity,
			item.CreatedAt.Format("2006-01-02 15:04:05"), item.RetryCount)
		if item.LastAttempt != nil {
			line += "  last_attempt=" + item.LastAttempt.Format("15:04:05")
		}
		if item.RetryCount >= models.MaxRetries {
			printWarn("%s (exhausted, will archive)", line)
		} else {
			printInfo("%s", line)
		}
	}
	return nil
}

var pendingRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a failed item with its retry count reset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid item id %q", args[0])
		}

		if err := apiClient.Records.RequeueFailed(id); err != nil {
			return err
		}

		printSuccess("Item %d requeued", id)
		return nil
	},
}
