// Package store implements the durable local store: entity snapshots,
// the pending-sync queue, the failed-sync archive, the conflict inbox
// and the cached credential, all in one versioned sqlite database.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldsales/fieldsync/internal/events"
	"github.com/fieldsales/fieldsync/internal/models"
)

// Errors
var (
	ErrNotFound = errors.New("record not found")
)

// Record is an entity snapshot as the store sees it. The indexed columns
// (id, local_id, parent foreign key) are extracted from the snapshot so
// lookups never parse JSON; Data holds the full entity payload.
type Record struct {
	LocalID  string
	ID       string
	ParentID string
	Version  int
	SyncedAt *time.Time
	Data     json.RawMessage
}

// Store is the durable local store handle.
type Store struct {
	db     *sql.DB
	path   string
	logger *events.Logger
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so the query helpers can
// run standalone or inside a caller transaction.
type dbtx interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

var (
	openMu sync.Mutex
	opened = make(map[string]*Store)
)

// Open opens (or reuses) the store at path. Opens are idempotent per
// process: concurrent opens of the same path share one connection handle.
func Open(path string, logger *events.Logger) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}

	openMu.Lock()
	defer openMu.Unlock()

	if s, ok := opened[abs]; ok {
		return s, nil
	}

	// FULL synchronous keeps every queued mutation durable before the
	// write that produced it returns.
	db, err := sql.Open("sqlite3", abs+"?_journal=WAL&_timeout=5000&_sync=2")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:     db,
		path:   abs,
		logger: logger.WithField("component", "store"),
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	opened[abs] = s
	return s, nil
}

// Close closes the database and releases the shared handle.
func (s *Store) Close() error {
	openMu.Lock()
	delete(opened, s.path)
	openMu.Unlock()

	return s.db.Close()
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion() (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_info`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

func tableFor(kind models.EntityKind) (string, error) {
	switch kind {
	case models.EntityCustomer:
		return "customers", nil
	case models.EntityMeasurement:
		return "measurements", nil
	case models.EntityQuote:
		return "quotes", nil
	}
	return "", fmt.Errorf("unknown entity kind %q", kind)
}

// Record access

func putRecord(q dbtx, kind models.EntityKind, rec *Record) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	_, err = q.Exec(fmt.Sprintf(`
        INSERT INTO %s (local_id, id, parent_id, version, synced_at, data)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(local_id) DO UPDATE SET
            id = excluded.id,
            parent_id = excluded.parent_id,
            version = excluded.version,
            synced_at = excluded.synced_at,
            data = excluded.data
    `, table), rec.LocalID, rec.ID, rec.ParentID, rec.Version, rec.SyncedAt, string(rec.Data))
	if err != nil {
		return fmt.Errorf("put %s record: %w", kind, err)
	}

	return nil
}

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	var syncedAt sql.NullTime
	var data string

	err := row.Scan(&rec.LocalID, &rec.ID, &rec.ParentID, &rec.Version, &syncedAt, &data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}

	if syncedAt.Valid {
		rec.SyncedAt = &syncedAt.Time
	}
	rec.Data = json.RawMessage(data)

	return &rec, nil
}

func getRecord(q dbtx, kind models.EntityKind, key string) (*Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	// The key may be a local ID (pre-sync) or a server ID (post-sync).
	row := q.QueryRow(fmt.Sprintf(`
        SELECT local_id, id, parent_id, version, synced_at, data
        FROM %s WHERE local_id = ? OR id = ?
    `, table), key, key)

	return scanRecord(row)
}

func listRecords(q dbtx, kind models.EntityKind, where string, args ...interface{}) ([]*Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
        SELECT local_id, id, parent_id, version, synced_at, data FROM %s
    `, table)
	if where != "" {
		query += " WHERE " + where
	}

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", kind, err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		var rec Record
		var syncedAt sql.NullTime
		var data string

		if err := rows.Scan(&rec.LocalID, &rec.ID, &rec.ParentID, &rec.Version, &syncedAt, &data); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		if syncedAt.Valid {
			rec.SyncedAt = &syncedAt.Time
		}
		rec.Data = json.RawMessage(data)
		recs = append(recs, &rec)
	}

	return recs, rows.Err()
}

// PutRecord writes an entity snapshot.
func (s *Store) PutRecord(kind models.EntityKind, rec *Record) error {
	return putRecord(s.db, kind, rec)
}

// GetRecord fetches a snapshot by local or server identifier.
func (s *Store) GetRecord(kind models.EntityKind, key string) (*Record, error) {
	return getRecord(s.db, kind, key)
}

// ListRecords returns every snapshot of a kind.
func (s *Store) ListRecords(kind models.EntityKind) ([]*Record, error) {
	return listRecords(s.db, kind, "")
}

// RecordsByParent returns snapshots filtered by their parent foreign key
// (customer for measurements and quotes).
func (s *Store) RecordsByParent(kind models.EntityKind, parentID string) ([]*Record, error) {
	return listRecords(s.db, kind, "parent_id = ?", parentID)
}

// DeleteRecord removes a snapshot by local or server identifier.
func (s *Store) DeleteRecord(kind models.EntityKind, key string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(fmt.Sprintf(
		`DELETE FROM %s WHERE local_id = ? OR id = ?`, table), key, key)
	if err != nil {
		return fmt.Errorf("delete %s record: %w", kind, err)
	}

	return nil
}

// Quote line items (server-derived child records)

// PutLineItems replaces the stored line items for a quote.
func (s *Store) PutLineItems(quoteID string, items []models.QuoteLineItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM quote_line_items WHERE quote_id = ?`, quoteID); err != nil {
		return fmt.Errorf("clear line items: %w", err)
	}

	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal line item: %w", err)
		}
		if _, err := tx.Exec(`
            INSERT INTO quote_line_items (id, quote_id, data) VALUES (?, ?, ?)
        `, item.ID, quoteID, string(data)); err != nil {
			return fmt.Errorf("insert line item %s: %w", item.ID, err)
		}
	}

	return tx.Commit()
}

// ListLineItems returns the stored line items for a quote.
func (s *Store) ListLineItems(quoteID string) ([]models.QuoteLineItem, error) {
	rows, err := s.db.Query(`
        SELECT data FROM quote_line_items WHERE quote_id = ?
    `, quoteID)
	if err != nil {
		return nil, fmt.Errorf("query line items: %w", err)
	}
	defer rows.Close()

	var items []models.QuoteLineItem
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		var item models.QuoteLineItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, fmt.Errorf("parse line item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// Transactions

// Tx exposes the store operations that must share a transaction, notably
// writing an entity snapshot and its pending-sync item together.
type Tx struct {
	tx *sql.Tx
}

// PutRecord writes an entity snapshot inside the transaction.
func (t *Tx) PutRecord(kind models.EntityKind, rec *Record) error {
	return putRecord(t.tx, kind, rec)
}

// DeleteRecord removes a snapshot inside the transaction.
func (t *Tx) DeleteRecord(kind models.EntityKind, key string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(fmt.Sprintf(
		`DELETE FROM %s WHERE local_id = ? OR id = ?`, table), key, key)
	return err
}

// EnqueuePending appends a pending-sync item inside the transaction.
func (t *Tx) EnqueuePending(item *models.PendingSyncItem) (int64, error) {
	return enqueuePending(t.tx, item)
}

// InTx runs fn inside one transaction; any error rolls everything back.
func (s *Store) InTx(fn func(tx *Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}
