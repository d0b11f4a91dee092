package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the pending-sync queue",
	Long: `Sync pushes queued offline mutations to the server: creates get their
server identifiers written back, updates bump versions, and anything
that lost an optimistic-lock race lands in the conflict inbox.

With --watch the engine stays running, re-checking the queue
periodically and syncing automatically whenever connectivity returns.`,
	Example: `  fieldsync sync
  fieldsync sync --watch`,
	RunE: runSync,
}

var syncWatch bool

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false,
		"Keep running and auto-sync on reconnect")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if apiClient.Auth.Session() == nil {
		printWarn("Not logged in; queued work will sync after login")
	}

	if syncWatch {
		return runSyncWatch(ctx)
	}

	apiClient.Sync.Start(ctx)
	defer apiClient.Sync.Stop()

	if err := apiClient.Sync.SyncPending(ctx); err != nil {
		return err
	}

	status := apiClient.Sync.Status()
	if jsonOutput {
		printJSON(status)
		return nil
	}

	if status.PendingCount == 0 {
		printSuccess("Queue drained")
	} else {
		printWarn("%d item(s) still pending (backoff or offline)", status.PendingCount)
	}
	if status.FailedCount > 0 {
		printWarn("%d item(s) in the failed archive (fieldsync pending --failed)", status.FailedCount)
	}
	if status.ConflictCount > 0 {
		printWarn("%d conflict(s) need resolution (fieldsync conflicts)", status.ConflictCount)
	}
	return nil
}

func runSyncWatch(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	apiClient.Start(ctx)
	defer apiClient.Stop()

	printInfo("Watching for connectivity and queued work (Ctrl+C to stop)")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	printInfo("Stopping")
	return nil
}
