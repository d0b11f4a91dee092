// Package sync drains the pending-sync queue against the remote
// authority and exposes the orchestrated surface the UI consumes.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldsales/fieldsync/internal/config"
	"github.com/fieldsales/fieldsync/internal/events"
	"github.com/fieldsales/fieldsync/internal/models"
	"github.com/fieldsales/fieldsync/internal/remote"
	"github.com/fieldsales/fieldsync/internal/services/auth"
	"github.com/fieldsales/fieldsync/internal/store"
)

// Processor drains the pending queue. It must not run concurrently with
// itself; the Orchestrator guards that with its syncing flag.
type Processor struct {
	store     *store.Store
	authority remote.Authority
	auth      *auth.Coordinator
	logger    *events.Logger

	maxRetries  int
	callTimeout time.Duration

	// now is injectable so backoff behavior is testable.
	now func() time.Time
}

// NewProcessor creates a queue processor.
func NewProcessor(
	st *store.Store,
	authority remote.Authority,
	coordinator *auth.Coordinator,
	cfg *config.SyncConfig,
	logger *events.Logger,
) *Processor {
	return &Processor{
		store:       st,
		authority:   authority,
		auth:        coordinator,
		logger:      logger.WithField("component", "sync_processor"),
		maxRetries:  cfg.MaxRetries,
		callTimeout: cfg.CallTimeout,
		now:         time.Now,
	}
}

// Drain processes the pending queue once, in FIFO order by creation time.
// Per-item failures become state transitions (retry, archive, conflict)
// and never abort the pass; only an unrecoverable auth failure or a
// cancelled context stops it, leaving the remaining items pending for the
// next pass.
func (p *Processor) Drain(ctx context.Context) error {
	items, err := p.store.ListPending()
	if err != nil {
		return fmt.Errorf("list pending queue: %w", err)
	}

	p.logger.WithField("pending", len(items)).Debug("Draining queue")

	for _, item := range items {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Exhausted items are archived without another remote call.
		if item.RetryCount >= p.maxRetries {
			p.logger.WithFields(map[string]interface{}{
				"item":   item.ID,
				"entity": item.Entity,
				"op":     item.Type,
			}).Warn("Retries exhausted, archiving item")

			if err := p.store.MoveToFailed(item, p.now()); err != nil {
				return fmt.Errorf("archive item %d: %w", item.ID, err)
			}
			continue
		}

		// Backoff is enforced by skipping, not sleeping: an item still
		// inside its 2^retryCount window stays pending untouched and a
		// later pass picks it up.
		if !item.ReadyAt(p.now()) {
			p.logger.WithFields(map[string]interface{}{
				"item":    item.ID,
				"backoff": item.Backoff(),
			}).Debug("Item inside backoff window, skipping")
			continue
		}

		if err := p.processItem(ctx, item); err != nil {
			return err
		}
	}

	return nil
}

// processItem runs one queue item to a terminal or retryable outcome.
func (p *Processor) processItem(ctx context.Context, item *models.PendingSyncItem) error {
	// The pass iterates a snapshot of the queue; an earlier item's
	// reconcile may have rewritten this row's payload, so the current row
	// is read back before the attempt.
	fresh, err := p.store.GetPending(item.ID)
	if err == nil {
		item = fresh
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reload item %d: %w", item.ID, err)
	}

	err = p.attempt(ctx, item)

	// An unauthorized response is delegated to the coordinator's
	// single-flight refresh, then the call is retried once. If refresh
	// itself fails the whole pass stops: every remaining item would hit
	// the same wall, and the caller must force a logout.
	if models.IsUnauthorized(err) {
		if rerr := p.auth.Refresh(ctx); rerr != nil {
			p.logger.WithError(rerr).Error("Token refresh failed during drain")
			return models.ErrNotAuthenticated
		}
		err = p.attempt(ctx, item)
	}

	switch {
	case err == nil:
		return nil

	case models.IsVersionConflict(err):
		// Terminal: retrying an update that lost the race would
		// silently overwrite newer server state.
		return p.recordConflict(item, err)

	case errors.Is(err, context.Canceled):
		return err

	case errors.Is(err, errAwaitingCreate):
		// The create ahead of this item was skipped or failed this pass;
		// the item waits for it without burning a retry.
		p.logger.WithFields(map[string]interface{}{
			"item":   item.ID,
			"entity": item.Entity,
		}).Debug("Entity has no server identity yet, leaving item queued")
		return nil

	default:
		itemErr := &models.SyncItemError{
			ItemID: item.ID,
			Entity: item.Entity,
			Op:     item.Type,
			Err:    err,
		}
		p.logger.WithError(itemErr).WithField("retry_count", item.RetryCount+1).
			Warn("Sync attempt failed, will retry")

		if err := p.store.MarkAttempt(item.ID, p.now()); err != nil {
			return fmt.Errorf("mark attempt on item %d: %w", item.ID, err)
		}
		return nil
	}
}

// attempt performs the remote call for an item, bounded by the per-call
// timeout. A timeout surfaces as a retryable failure like any other
// transient error.
func (p *Processor) attempt(ctx context.Context, item *models.PendingSyncItem) error {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	switch item.Type {
	case models.OpCreate:
		return p.attemptCreate(callCtx, item)
	case models.OpUpdate:
		return p.attemptUpdate(callCtx, item)
	case models.OpDelete:
		return p.attemptDelete(callCtx, item)
	default:
		// An unknown op can never succeed; count it against retries so
		// it ends up in the failed archive for inspection.
		return fmt.Errorf("unknown sync op %q", item.Type)
	}
}

// payloadRef extracts the identifiers the processor needs from a queued
// entity payload.
type payloadRef struct {
	ID      string `json:"id"`
	LocalID string `json:"local_id"`
	Version int    `json:"version"`
}

// errAwaitingCreate marks an update whose entity has no server identity
// yet: the create ahead of it in the queue has not succeeded. The item
// stays pending untouched until it has.
var errAwaitingCreate = errors.New("entity create not yet synced")

// refreshPayload reconciles a queued payload with the current local
// snapshot before it goes out. An update queued behind a create still
// carries the provisional local identifier and version 0 from enqueue
// time; by drain time the create has rewritten the snapshot's id and
// version, and the outgoing payload must agree with it or the authority
// cannot address the entity.
func (p *Processor) refreshPayload(item *models.PendingSyncItem) (json.RawMessage, error) {
	var ref payloadRef
	if err := json.Unmarshal(item.Data, &ref); err != nil {
		return nil, fmt.Errorf("parse queued payload: %w", err)
	}

	key := ref.LocalID
	if key == "" {
		key = ref.ID
	}

	rec, err := p.store.GetRecord(item.Entity, key)
	if errors.Is(err, store.ErrNotFound) {
		// Record purged locally; the payload goes out as queued.
		return item.Data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load local record: %w", err)
	}

	if rec.SyncedAt == nil {
		return nil, errAwaitingCreate
	}

	if ref.ID == rec.ID && ref.Version == rec.Version {
		return item.Data, nil
	}

	return patchPayload(item.Data, rec.ID, rec.Version)
}

func (p *Processor) attemptCreate(ctx context.Context, item *models.PendingSyncItem) error {
	var ref payloadRef
	if err := json.Unmarshal(item.Data, &ref); err != nil {
		return fmt.Errorf("parse create payload: %w", err)
	}

	res, err := p.authority.Create(ctx, item.Entity, item.Data)
	if err != nil {
		return err
	}

	// Reconcile the server identity into the local snapshot before the
	// pending item is removed, so any later queued mutation for this
	// entity sees the rewritten ID.
	if err := p.reconcileCreate(item.Entity, ref.LocalID, res); err != nil {
		return err
	}

	p.logger.WithFields(map[string]interface{}{
		"entity":   item.Entity,
		"local_id": ref.LocalID,
		"id":       res.ID,
	}).Info("Created entity on server")

	return p.store.DeletePending(item.ID)
}

// reconcileCreate rewrites the local record's id to the server-assigned
// identifier, preserving local_id for correlation, and persists any
// server-derived child records.
func (p *Processor) reconcileCreate(kind models.EntityKind, localID string, res *remote.Result) error {
	rec, err := p.store.GetRecord(kind, localID)
	if errors.Is(err, store.ErrNotFound) {
		// The record was deleted locally while its create was queued. The
		// snapshot is gone, so the server identity is written into the
		// queued items that still name the provisional ID; otherwise the
		// delete behind this create could never address the entity.
		p.logger.WithField("local_id", localID).Warn("Created entity has no local record")
		return p.store.RewritePendingRef(kind, localID, res.ID, res.Version)
	}
	if err != nil {
		return fmt.Errorf("load local record: %w", err)
	}

	now := p.now()

	data, err := patchSnapshot(rec.Data, res.ID, res.Version, now)
	if err != nil {
		return err
	}

	rec.ID = res.ID
	rec.Version = res.Version
	rec.SyncedAt = &now
	rec.Data = data

	if err := p.store.PutRecord(kind, rec); err != nil {
		return fmt.Errorf("rewrite local record: %w", err)
	}

	if kind == models.EntityQuote {
		if err := p.persistLineItems(res); err != nil {
			return err
		}
	}

	return nil
}

// persistLineItems stores the server-computed quote lines returned by a
// successful create.
func (p *Processor) persistLineItems(res *remote.Result) error {
	var quote struct {
		Lines []models.QuoteLineItem `json:"lines"`
	}
	if err := json.Unmarshal(res.Entity, &quote); err != nil {
		return fmt.Errorf("parse quote lines: %w", err)
	}
	if len(quote.Lines) == 0 {
		return nil
	}

	if err := p.store.PutLineItems(res.ID, quote.Lines); err != nil {
		return fmt.Errorf("persist quote lines: %w", err)
	}

	return nil
}

func (p *Processor) attemptUpdate(ctx context.Context, item *models.PendingSyncItem) error {
	payload, err := p.refreshPayload(item)
	if err != nil {
		return err
	}

	res, err := p.authority.Update(ctx, item.Entity, payload)
	if err != nil {
		return err
	}

	rec, err := p.store.GetRecord(item.Entity, res.ID)
	if err == nil {
		now := p.now()

		data, err := patchSnapshot(rec.Data, res.ID, res.Version, now)
		if err != nil {
			return err
		}

		rec.Version = res.Version
		rec.SyncedAt = &now
		rec.Data = data

		if err := p.store.PutRecord(item.Entity, rec); err != nil {
			return fmt.Errorf("stamp local record: %w", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load local record: %w", err)
	}

	p.logger.WithFields(map[string]interface{}{
		"entity":  item.Entity,
		"id":      res.ID,
		"version": res.Version,
	}).Info("Updated entity on server")

	return p.store.DeletePending(item.ID)
}

func (p *Processor) attemptDelete(ctx context.Context, item *models.PendingSyncItem) error {
	var ref payloadRef
	if err := json.Unmarshal(item.Data, &ref); err != nil {
		return fmt.Errorf("parse delete payload: %w", err)
	}

	id := ref.ID
	if id == "" {
		id = ref.LocalID
	}

	if err := p.authority.Delete(ctx, item.Entity, id); err != nil {
		// The server not knowing the entity is success for a delete.
		var apiErr *models.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != models.ErrCodeNotFound {
			return err
		}
	}

	if err := p.store.DeleteRecord(item.Entity, id); err != nil {
		return fmt.Errorf("remove local record: %w", err)
	}

	p.logger.WithFields(map[string]interface{}{
		"entity": item.Entity,
		"id":     id,
	}).Info("Deleted entity on server")

	return p.store.DeletePending(item.ID)
}

// recordConflict stores both snapshots and removes the item from pending.
func (p *Processor) recordConflict(item *models.PendingSyncItem, cause error) error {
	serverData := json.RawMessage("null")
	var apiErr *models.APIError
	if errors.As(cause, &apiErr) && len(apiErr.Server) > 0 {
		serverData = apiErr.Server
	}

	conflict := &models.Conflict{
		Entity:     item.Entity,
		LocalData:  item.Data,
		ServerData: serverData,
		CreatedAt:  p.now(),
	}

	if _, err := p.store.SaveConflict(conflict); err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}

	if err := p.store.DeletePending(item.ID); err != nil {
		return fmt.Errorf("remove conflicted item: %w", err)
	}

	p.logger.WithFields(map[string]interface{}{
		"item":   item.ID,
		"entity": item.Entity,
	}).Warn("Version conflict detected, item moved to conflict inbox")

	return nil
}

// patchSnapshot rewrites the identity fields inside a stored entity
// snapshot so the JSON payload agrees with the indexed columns.
func patchSnapshot(data json.RawMessage, id string, version int, syncedAt time.Time) (json.RawMessage, error) {
	var snapshot map[string]interface{}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}

	snapshot["id"] = id
	snapshot["version"] = version
	snapshot["synced_at"] = syncedAt.UTC().Format(time.RFC3339Nano)

	patched, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	return patched, nil
}

// patchPayload rewrites the id and version inside an outgoing payload to
// the reconciled local snapshot's values.
func patchPayload(data json.RawMessage, id string, version int) (json.RawMessage, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse queued payload: %w", err)
	}

	payload["id"] = id
	payload["version"] = version

	patched, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal queued payload: %w", err)
	}

	return patched, nil
}
