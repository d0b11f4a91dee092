package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldsales/fieldsync/internal/models"
)

// Pending-sync queue

func enqueuePending(q dbtx, item *models.PendingSyncItem) (int64, error) {
	res, err := q.Exec(`
        INSERT INTO pending_sync (entity, type, data, created_at, retry_count, last_attempt)
        VALUES (?, ?, ?, ?, ?, ?)
    `, string(item.Entity), string(item.Type), string(item.Data),
		item.CreatedAt, item.RetryCount, item.LastAttempt)
	if err != nil {
		return 0, fmt.Errorf("enqueue pending item: %w", err)
	}

	return res.LastInsertId()
}

// EnqueuePending appends a mutation to the pending-sync queue.
func (s *Store) EnqueuePending(item *models.PendingSyncItem) (int64, error) {
	return enqueuePending(s.db, item)
}

func scanPendingRows(rows *sql.Rows) ([]*models.PendingSyncItem, error) {
	defer rows.Close()

	var items []*models.PendingSyncItem
	for rows.Next() {
		var item models.PendingSyncItem
		var entity, opType, data string
		var lastAttempt sql.NullTime

		err := rows.Scan(&item.ID, &entity, &opType, &data,
			&item.CreatedAt, &item.RetryCount, &lastAttempt)
		if err != nil {
			return nil, fmt.Errorf("scan pending item: %w", err)
		}

		item.Entity = models.EntityKind(entity)
		item.Type = models.OpType(opType)
		item.Data = json.RawMessage(data)
		if lastAttempt.Valid {
			item.LastAttempt = &lastAttempt.Time
		}

		items = append(items, &item)
	}

	return items, rows.Err()
}

// ListPending returns the queue in FIFO order by creation time.
func (s *Store) ListPending() ([]*models.PendingSyncItem, error) {
	rows, err := s.db.Query(`
        SELECT id, entity, type, data, created_at, retry_count, last_attempt
        FROM pending_sync ORDER BY created_at, id
    `)
	if err != nil {
		return nil, fmt.Errorf("query pending queue: %w", err)
	}

	return scanPendingRows(rows)
}

// PendingByEntity returns queued mutations for one entity kind, FIFO.
func (s *Store) PendingByEntity(kind models.EntityKind) ([]*models.PendingSyncItem, error) {
	rows, err := s.db.Query(`
        SELECT id, entity, type, data, created_at, retry_count, last_attempt
        FROM pending_sync WHERE entity = ? ORDER BY created_at, id
    `, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query pending queue: %w", err)
	}

	return scanPendingRows(rows)
}

// GetPending returns one queue item by its identifier.
func (s *Store) GetPending(id int64) (*models.PendingSyncItem, error) {
	rows, err := s.db.Query(`
        SELECT id, entity, type, data, created_at, retry_count, last_attempt
        FROM pending_sync WHERE id = ?
    `, id)
	if err != nil {
		return nil, fmt.Errorf("query pending item: %w", err)
	}

	items, err := scanPendingRows(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items[0], nil
}

// CountPending returns the queue length.
func (s *Store) CountPending() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_sync`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// DeletePending removes a queue item, normally after a successful sync.
func (s *Store) DeletePending(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM pending_sync WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete pending item: %w", err)
	}
	return nil
}

// MarkAttempt records a failed attempt: retry count up, attempt time stamped.
func (s *Store) MarkAttempt(id int64, at time.Time) error {
	_, err := s.db.Exec(`
        UPDATE pending_sync SET retry_count = retry_count + 1, last_attempt = ?
        WHERE id = ?
    `, at, id)
	if err != nil {
		return fmt.Errorf("mark attempt: %w", err)
	}
	return nil
}

// RewritePendingRef stamps the server-assigned identity into queued
// payloads that still carry a provisional local identifier. Used when the
// record was purged locally before its create synced, so no snapshot is
// left to reconcile later items against.
func (s *Store) RewritePendingRef(kind models.EntityKind, localID, serverID string, version int) error {
	items, err := s.PendingByEntity(kind)
	if err != nil {
		return err
	}

	for _, item := range items {
		var payload map[string]interface{}
		if err := json.Unmarshal(item.Data, &payload); err != nil {
			continue
		}
		if payload["local_id"] != localID {
			continue
		}

		payload["id"] = serverID
		if _, ok := payload["version"]; ok {
			payload["version"] = version
		}

		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal rewritten payload: %w", err)
		}

		if _, err := s.db.Exec(
			`UPDATE pending_sync SET data = ? WHERE id = ?`, string(data), item.ID,
		); err != nil {
			return fmt.Errorf("rewrite pending item %d: %w", item.ID, err)
		}
	}

	return nil
}

// Failed-sync archive

// MoveToFailed archives an exhausted item and removes it from pending,
// atomically.
func (s *Store) MoveToFailed(item *models.PendingSyncItem, failedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
        INSERT INTO failed_sync (entity, type, data, created_at, retry_count, last_attempt, failed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, string(item.Entity), string(item.Type), string(item.Data),
		item.CreatedAt, item.RetryCount, item.LastAttempt, failedAt)
	if err != nil {
		return fmt.Errorf("archive failed item: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM pending_sync WHERE id = ?`, item.ID); err != nil {
		return fmt.Errorf("remove pending item: %w", err)
	}

	return tx.Commit()
}

// ListFailed returns the failed-sync archive, oldest first.
func (s *Store) ListFailed() ([]*models.FailedSyncItem, error) {
	rows, err := s.db.Query(`
        SELECT id, entity, type, data, created_at, retry_count, last_attempt, failed_at
        FROM failed_sync ORDER BY failed_at, id
    `)
	if err != nil {
		return nil, fmt.Errorf("query failed archive: %w", err)
	}
	defer rows.Close()

	var items []*models.FailedSyncItem
	for rows.Next() {
		var item models.FailedSyncItem
		var entity, opType, data string
		var lastAttempt sql.NullTime

		err := rows.Scan(&item.ID, &entity, &opType, &data,
			&item.CreatedAt, &item.RetryCount, &lastAttempt, &item.FailedAt)
		if err != nil {
			return nil, fmt.Errorf("scan failed item: %w", err)
		}

		item.Entity = models.EntityKind(entity)
		item.Type = models.OpType(opType)
		item.Data = json.RawMessage(data)
		if lastAttempt.Valid {
			item.LastAttempt = &lastAttempt.Time
		}

		items = append(items, &item)
	}

	return items, rows.Err()
}

// CountFailed returns the archive size.
func (s *Store) CountFailed() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM failed_sync`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return n, nil
}

// RequeueFailed moves an archived item back to the pending queue with its
// retry count reset. Only this explicit operator action revives a failed
// item; nothing retries it automatically.
func (s *Store) RequeueFailed(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(`
        SELECT entity, type, data, created_at FROM failed_sync WHERE id = ?
    `, id)

	var entity, opType, data string
	var createdAt time.Time
	if err := row.Scan(&entity, &opType, &data, &createdAt); err == sql.ErrNoRows {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("load failed item: %w", err)
	}

	// The original creation time is kept so the item drains in its old
	// queue position relative to anything enqueued since.
	_, err = tx.Exec(`
        INSERT INTO pending_sync (entity, type, data, created_at, retry_count, last_attempt)
        VALUES (?, ?, ?, ?, 0, NULL)
    `, entity, opType, data, createdAt)
	if err != nil {
		return fmt.Errorf("requeue item: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM failed_sync WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove archived item: %w", err)
	}

	return tx.Commit()
}

// Conflict inbox

// SaveConflict stores a detected version conflict for later resolution.
func (s *Store) SaveConflict(c *models.Conflict) (int64, error) {
	res, err := s.db.Exec(`
        INSERT INTO conflicts (entity, local_data, server_data, created_at)
        VALUES (?, ?, ?, ?)
    `, string(c.Entity), string(c.LocalData), string(c.ServerData), c.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save conflict: %w", err)
	}

	return res.LastInsertId()
}

// GetConflict fetches one conflict by ID.
func (s *Store) GetConflict(id int64) (*models.Conflict, error) {
	row := s.db.QueryRow(`
        SELECT id, entity, local_data, server_data, created_at
        FROM conflicts WHERE id = ?
    `, id)

	var c models.Conflict
	var entity, localData, serverData string

	err := row.Scan(&c.ID, &entity, &localData, &serverData, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conflict: %w", err)
	}

	c.Entity = models.EntityKind(entity)
	c.LocalData = json.RawMessage(localData)
	c.ServerData = json.RawMessage(serverData)

	return &c, nil
}

// ListConflicts returns unresolved conflicts, oldest first.
func (s *Store) ListConflicts() ([]*models.Conflict, error) {
	rows, err := s.db.Query(`
        SELECT id, entity, local_data, server_data, created_at
        FROM conflicts ORDER BY created_at, id
    `)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		var c models.Conflict
		var entity, localData, serverData string

		if err := rows.Scan(&c.ID, &entity, &localData, &serverData, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}

		c.Entity = models.EntityKind(entity)
		c.LocalData = json.RawMessage(localData)
		c.ServerData = json.RawMessage(serverData)
		conflicts = append(conflicts, &c)
	}

	return conflicts, rows.Err()
}

// CountConflicts returns the inbox size.
func (s *Store) CountConflicts() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM conflicts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conflicts: %w", err)
	}
	return n, nil
}

// DeleteConflict removes a resolved conflict.
func (s *Store) DeleteConflict(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM conflicts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conflict: %w", err)
	}
	return nil
}
