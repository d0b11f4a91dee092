package sync

import (
	"context"
	"sync"
	"time"

	"github.com/fieldsales/fieldsync/internal/events"
	"github.com/fieldsales/fieldsync/internal/netmon"
	"github.com/fieldsales/fieldsync/internal/store"
)

// Status is the surface the UI consumes.
type Status struct {
	IsOnline      bool `json:"is_online"`
	IsSyncing     bool `json:"is_syncing"`
	PendingCount  int  `json:"pending_count"`
	FailedCount   int  `json:"failed_count"`
	ConflictCount int  `json:"conflict_count"`
}

// Orchestrator wires the monitor, processor and store together. It owns
// the syncing lock, keeps the pending count fresh by polling (the store
// has no change notifications), and triggers one automatic drain per
// offline-to-online transition. Constructed once per session, stopped on
// logout.
type Orchestrator struct {
	monitor   *netmon.Monitor
	processor *Processor
	store     *store.Store
	logger    *events.Logger

	pollInterval time.Duration

	mu           sync.Mutex
	syncing      bool
	pendingCount int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates the orchestrator.
func NewOrchestrator(
	monitor *netmon.Monitor,
	processor *Processor,
	st *store.Store,
	pollInterval time.Duration,
	logger *events.Logger,
) *Orchestrator {
	return &Orchestrator{
		monitor:      monitor,
		processor:    processor,
		store:        st,
		logger:       logger.WithField("component", "sync_orchestrator"),
		pollInterval: pollInterval,
	}
}

// Start launches the count poller and the reconnect trigger.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.refreshPendingCount()

	o.wg.Add(2)
	go o.pollLoop(ctx)
	go o.reconnectLoop(ctx)
}

// Stop terminates the background loops and waits for them.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// IsOnline reports current connectivity.
func (o *Orchestrator) IsOnline() bool {
	return o.monitor.IsOnline()
}

// IsSyncing reports whether a drain pass is in progress.
func (o *Orchestrator) IsSyncing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncing
}

// PendingCount returns the last polled queue length.
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingCount
}

// Status returns a snapshot of the whole sync surface.
func (o *Orchestrator) Status() Status {
	o.refreshPendingCount()

	failed, _ := o.store.CountFailed()
	conflicts, _ := o.store.CountConflicts()

	o.mu.Lock()
	defer o.mu.Unlock()

	return Status{
		IsOnline:      o.monitor.IsOnline(),
		IsSyncing:     o.syncing,
		PendingCount:  o.pendingCount,
		FailedCount:   failed,
		ConflictCount: conflicts,
	}
}

// SyncPending drains the queue once. It is a no-op while offline or while
// another drain is in progress, so repeated triggers never overlap or
// double-fire remote calls.
func (o *Orchestrator) SyncPending(ctx context.Context) error {
	if !o.monitor.IsOnline() {
		o.logger.Debug("Skipping sync: offline")
		return nil
	}

	o.mu.Lock()
	if o.syncing {
		o.mu.Unlock()
		o.logger.Debug("Skipping sync: already in progress")
		return nil
	}
	o.syncing = true
	o.mu.Unlock()

	// The lock must release even when the drain fails.
	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.mu.Unlock()
		o.refreshPendingCount()
	}()

	o.logger.Info("Starting sync pass")
	return o.processor.Drain(ctx)
}

func (o *Orchestrator) refreshPendingCount() {
	n, err := o.store.CountPending()
	if err != nil {
		o.logger.WithError(err).Warn("Failed to count pending queue")
		return
	}

	o.mu.Lock()
	o.pendingCount = n
	o.mu.Unlock()
}

func (o *Orchestrator) pollLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.refreshPendingCount()
		}
	}
}

// reconnectLoop fires one automatic drain per offline-to-online edge when
// there is queued work.
func (o *Orchestrator) reconnectLoop(ctx context.Context) {
	defer o.wg.Done()

	transitions, unsubscribe := o.monitor.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-transitions:
			if !ok {
				return
			}
			if !online {
				continue
			}

			o.refreshPendingCount()
			if o.PendingCount() == 0 {
				continue
			}

			o.logger.WithField("pending", o.PendingCount()).Info("Back online, syncing queued work")
			if err := o.SyncPending(ctx); err != nil {
				o.logger.WithError(err).Error("Auto-sync failed")
			}
		}
	}
}
