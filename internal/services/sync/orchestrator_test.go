package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsales/fieldsync/internal/config"
	"github.com/fieldsales/fieldsync/internal/events"
	"github.com/fieldsales/fieldsync/internal/models"
	"github.com/fieldsales/fieldsync/internal/netmon"
	"github.com/fieldsales/fieldsync/internal/remote"
	"github.com/fieldsales/fieldsync/internal/services/auth"
	"github.com/fieldsales/fieldsync/internal/store"
	"github.com/fieldsales/fieldsync/internal/transport"
)

type orchFixture struct {
	store     *store.Store
	authority *remote.Mock
	monitor   *netmon.Monitor
	orch      *Orchestrator
}

func newOrchFixture(t *testing.T, online bool) *orchFixture {
	t.Helper()

	logger := events.NewTestLogger(events.ErrorLevel, "text", &bytes.Buffer{})

	st, err := store.Open(filepath.Join(t.TempDir(), "orch.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	client := transport.NewClient(&config.APIConfig{
		BaseURL:        "http://unused",
		RequestTimeout: time.Second,
	}, logger)
	coordinator := auth.NewCoordinator(client, st, logger)

	authority := remote.NewMock()
	proc := NewProcessor(st, authority, coordinator, &config.SyncConfig{
		MaxRetries:  models.MaxRetries,
		CallTimeout: time.Second,
	}, logger)

	monitor := netmon.NewMonitor(online, logger)
	orch := NewOrchestrator(monitor, proc, st, 50*time.Millisecond, logger)

	return &orchFixture{store: st, authority: authority, monitor: monitor, orch: orch}
}

func (f *orchFixture) enqueue(t *testing.T) {
	t.Helper()
	_, err := f.store.EnqueuePending(&models.PendingSyncItem{
		Entity:    models.EntityCustomer,
		Type:      models.OpCreate,
		Data:      json.RawMessage(`{"local_id":"local_c1","name":"queued"}`),
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestSyncPendingSkipsWhileOffline(t *testing.T) {
	f := newOrchFixture(t, false)
	f.enqueue(t)

	require.NoError(t, f.orch.SyncPending(context.Background()))

	assert.Zero(t, f.authority.Calls())
	n, err := f.store.CountPending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncPendingDrainsQueue(t *testing.T) {
	f := newOrchFixture(t, true)
	f.enqueue(t)

	require.NoError(t, f.orch.SyncPending(context.Background()))

	assert.Equal(t, 1, f.authority.Calls())
	assert.Equal(t, 0, f.orch.PendingCount())
	assert.False(t, f.orch.IsSyncing())
}

// TestSyncPendingNeverOverlaps blocks the first drain inside a remote call
// and asserts a concurrent trigger returns immediately without reaching
// the authority a second time.
func TestSyncPendingNeverOverlaps(t *testing.T) {
	f := newOrchFixture(t, true)
	f.enqueue(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.authority.CreateFn = func(models.EntityKind, json.RawMessage) (*remote.Result, error) {
		close(entered)
		<-release
		entity, _ := json.Marshal(map[string]interface{}{"id": "srv-1", "version": 1})
		return &remote.Result{ID: "srv-1", Version: 1, Entity: entity}, nil
	}

	done := make(chan error, 1)
	go func() { done <- f.orch.SyncPending(context.Background()) }()

	<-entered
	assert.True(t, f.orch.IsSyncing())

	// Second trigger while the first is mid-drain: silent no-op.
	require.NoError(t, f.orch.SyncPending(context.Background()))
	assert.Equal(t, 1, len(f.authority.CreateCalls))

	close(release)
	require.NoError(t, <-done)

	assert.False(t, f.orch.IsSyncing())
	assert.Equal(t, 1, len(f.authority.CreateCalls))
}

// TestAutoSyncOnReconnect verifies one automatic drain fires per
// offline-to-online edge, and only when there is queued work.
func TestAutoSyncOnReconnect(t *testing.T) {
	f := newOrchFixture(t, false)
	f.enqueue(t)

	synced := make(chan struct{}, 1)
	f.authority.CreateFn = func(models.EntityKind, json.RawMessage) (*remote.Result, error) {
		select {
		case synced <- struct{}{}:
		default:
		}
		entity, _ := json.Marshal(map[string]interface{}{"id": "srv-1", "version": 1})
		return &remote.Result{ID: "srv-1", Version: 1, Entity: entity}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orch.Start(ctx)
	defer f.orch.Stop()

	f.monitor.SetOnline(true)

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not trigger a sync")
	}

	// Wait for the drain to finish before forcing another edge.
	require.Eventually(t, func() bool {
		n, err := f.store.CountPending()
		return err == nil && n == 0 && !f.orch.IsSyncing()
	}, 2*time.Second, 10*time.Millisecond)

	// Draining the now-empty queue on further edges is skipped.
	f.monitor.SetOnline(false)
	f.monitor.SetOnline(true)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, len(f.authority.CreateCalls))
}

func TestReconnectWithEmptyQueueDoesNotSync(t *testing.T) {
	f := newOrchFixture(t, false)

	var calls int32
	f.authority.CreateFn = func(models.EntityKind, json.RawMessage) (*remote.Result, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orch.Start(ctx)
	defer f.orch.Stop()

	f.monitor.SetOnline(true)
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestStatusSnapshot(t *testing.T) {
	f := newOrchFixture(t, true)
	f.enqueue(t)

	_, err := f.store.SaveConflict(&models.Conflict{
		Entity:     models.EntityQuote,
		LocalData:  json.RawMessage(`{}`),
		ServerData: json.RawMessage(`{}`),
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)

	status := f.orch.Status()
	assert.True(t, status.IsOnline)
	assert.False(t, status.IsSyncing)
	assert.Equal(t, 1, status.PendingCount)
	assert.Equal(t, 0, status.FailedCount)
	assert.Equal(t, 1, status.ConflictCount)
}

func TestPollLoopRefreshesPendingCount(t *testing.T) {
	f := newOrchFixture(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orch.Start(ctx)
	defer f.orch.Stop()

	assert.Equal(t, 0, f.orch.PendingCount())

	// Work queued behind the orchestrator's back shows up within a poll
	// interval.
	f.enqueue(t)
	assert.Eventually(t, func() bool {
		return f.orch.PendingCount() == 1
	}, 2*time.Second, 20*time.Millisecond)
}
