package store

import (
	"database/sql"
	"fmt"
)

// Migration is one additive schema step. Apply must only create new
// tables and indexes; earlier collections are never altered or dropped,
// so a client that skipped versions while offline keeps its queued work.
type Migration struct {
	Version int
	Apply   func(tx *sql.Tx) error
}

func execAll(tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

// migrations is the full schema history, applied in order from the
// stored version to the latest.
var migrations = []Migration{
	{
		Version: 1,
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS customers (
                    local_id  TEXT PRIMARY KEY,
                    id        TEXT NOT NULL,
                    parent_id TEXT NOT NULL DEFAULT '',
                    version   INTEGER NOT NULL DEFAULT 0,
                    synced_at TIMESTAMP,
                    data      TEXT NOT NULL
                )`,
				`CREATE INDEX IF NOT EXISTS idx_customers_id ON customers(id)`,
				`CREATE TABLE IF NOT EXISTS measurements (
                    local_id  TEXT PRIMARY KEY,
                    id        TEXT NOT NULL,
                    parent_id TEXT NOT NULL DEFAULT '',
                    version   INTEGER NOT NULL DEFAULT 0,
                    synced_at TIMESTAMP,
                    data      TEXT NOT NULL
                )`,
				`CREATE INDEX IF NOT EXISTS idx_measurements_id ON measurements(id)`,
				`CREATE INDEX IF NOT EXISTS idx_measurements_parent ON measurements(parent_id)`,
				`CREATE TABLE IF NOT EXISTS quotes (
                    local_id  TEXT PRIMARY KEY,
                    id        TEXT NOT NULL,
                    parent_id TEXT NOT NULL DEFAULT '',
                    version   INTEGER NOT NULL DEFAULT 0,
                    synced_at TIMESTAMP,
                    data      TEXT NOT NULL
                )`,
				`CREATE INDEX IF NOT EXISTS idx_quotes_id ON quotes(id)`,
				`CREATE INDEX IF NOT EXISTS idx_quotes_parent ON quotes(parent_id)`,
				`CREATE TABLE IF NOT EXISTS quote_line_items (
                    id       TEXT PRIMARY KEY,
                    quote_id TEXT NOT NULL,
                    data     TEXT NOT NULL
                )`,
				`CREATE INDEX IF NOT EXISTS idx_line_items_quote ON quote_line_items(quote_id)`,
				`CREATE TABLE IF NOT EXISTS pending_sync (
                    id           INTEGER PRIMARY KEY AUTOINCREMENT,
                    entity       TEXT NOT NULL,
                    type         TEXT NOT NULL,
                    data         TEXT NOT NULL,
                    created_at   TIMESTAMP NOT NULL,
                    retry_count  INTEGER NOT NULL DEFAULT 0,
                    last_attempt TIMESTAMP
                )`,
				`CREATE INDEX IF NOT EXISTS idx_pending_entity ON pending_sync(entity)`,
				`CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_sync(created_at)`,
			)
		},
	},
	{
		Version: 2,
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS failed_sync (
                    id           INTEGER PRIMARY KEY AUTOINCREMENT,
                    entity       TEXT NOT NULL,
                    type         TEXT NOT NULL,
                    data         TEXT NOT NULL,
                    created_at   TIMESTAMP NOT NULL,
                    retry_count  INTEGER NOT NULL,
                    last_attempt TIMESTAMP,
                    failed_at    TIMESTAMP NOT NULL
                )`,
			)
		},
	},
	{
		Version: 3,
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS conflicts (
                    id          INTEGER PRIMARY KEY AUTOINCREMENT,
                    entity      TEXT NOT NULL,
                    local_data  TEXT NOT NULL,
                    server_data TEXT NOT NULL,
                    created_at  TIMESTAMP NOT NULL
                )`,
				`CREATE TABLE IF NOT EXISTS auth_cache (
                    id         INTEGER PRIMARY KEY CHECK (id = 1),
                    data       TEXT NOT NULL,
                    updated_at TIMESTAMP NOT NULL
                )`,
			)
		},
	},
}

// CurrentSchemaVersion is the version the code expects after migration.
var CurrentSchemaVersion = migrations[len(migrations)-1].Version

// migrate applies every migration above the stored version, bumping
// schema_info inside the same transaction as the step it records.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_info (version INTEGER PRIMARY KEY)`,
	); err != nil {
		return fmt.Errorf("create schema_info: %w", err)
	}

	var stored sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_info`).Scan(&stored); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	from := int(stored.Int64)
	for _, m := range migrations {
		if m.Version <= from {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if err := m.Apply(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(`INSERT INTO schema_info (version) VALUES (?)`, m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		s.logger.WithField("schema_version", m.Version).Info("Applied store migration")
	}

	return nil
}
