package records

import (
	"encoding/json"
	"fmt"

	"github.com/fieldsales/fieldsync/internal/models"
	"github.com/fieldsales/fieldsync/internal/store"
)

// Resolution chooses how a version conflict is settled. The engine only
// detects and stores conflicts; picking a side is a human decision.
type Resolution string

const (
	KeepLocal  Resolution = "local"
	KeepServer Resolution = "server"
)

// ResolveConflict settles a stored conflict.
//
// KeepServer overwrites the local snapshot with the server's. KeepLocal
// re-enqueues the local payload as an update carrying the server's
// current version, so it can win the optimistic-lock check this time.
// Either way the conflict leaves the inbox.
func (s *Service) ResolveConflict(id int64, resolution Resolution) error {
	conflict, err := s.store.GetConflict(id)
	if err != nil {
		return err
	}

	switch resolution {
	case KeepServer:
		err = s.applyServerSnapshot(conflict)
	case KeepLocal:
		err = s.requeueLocalSnapshot(conflict)
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}
	if err != nil {
		return err
	}

	if err := s.store.DeleteConflict(id); err != nil {
		return fmt.Errorf("remove resolved conflict: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"conflict":   id,
		"entity":     conflict.Entity,
		"resolution": resolution,
	}).Info("Conflict resolved")

	return nil
}

// snapshotRef is the minimal shape shared by every entity snapshot.
type snapshotRef struct {
	ID       string `json:"id"`
	LocalID  string `json:"local_id"`
	Version  int    `json:"version"`
	ParentID string `json:"customer_id"`
}

func (s *Service) applyServerSnapshot(conflict *models.Conflict) error {
	var ref snapshotRef
	if err := json.Unmarshal(conflict.ServerData, &ref); err != nil {
		return fmt.Errorf("parse server snapshot: %w", err)
	}
	if ref.ID == "" {
		return fmt.Errorf("server snapshot missing id")
	}

	// The server never knows the local correlation ID; keep the one from
	// the local snapshot when present.
	localID := ref.LocalID
	if localID == "" {
		var local snapshotRef
		if err := json.Unmarshal(conflict.LocalData, &local); err == nil && local.LocalID != "" {
			localID = local.LocalID
		}
	}
	if localID == "" {
		localID = ref.ID
	}

	rec := &store.Record{
		LocalID:  localID,
		ID:       ref.ID,
		ParentID: ref.ParentID,
		Version:  ref.Version,
		Data:     conflict.ServerData,
	}
	return s.store.PutRecord(conflict.Entity, rec)
}

func (s *Service) requeueLocalSnapshot(conflict *models.Conflict) error {
	var local map[string]interface{}
	if err := json.Unmarshal(conflict.LocalData, &local); err != nil {
		return fmt.Errorf("parse local snapshot: %w", err)
	}

	// Adopt the server's current version so the re-enqueued update
	// passes the optimistic-lock check instead of conflicting again.
	var server snapshotRef
	if err := json.Unmarshal(conflict.ServerData, &server); err == nil && server.Version > 0 {
		local["version"] = server.Version
	}

	payload, err := json.Marshal(local)
	if err != nil {
		return fmt.Errorf("marshal requeued snapshot: %w", err)
	}

	_, err = s.store.EnqueuePending(&models.PendingSyncItem{
		Type:      models.OpUpdate,
		Entity:    conflict.Entity,
		Data:      payload,
		CreatedAt: s.now(),
	})
	return err
}

// RequeueFailed moves an archived failed item back into the pending queue
// with its retry count reset. This is the only path that revives a failed
// item.
func (s *Service) RequeueFailed(id int64) error {
	if err := s.store.RequeueFailed(id); err != nil {
		return err
	}

	s.logger.WithField("item", id).Info("Failed item requeued")
	return nil
}
