package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldsales/fieldsync/internal/models"
)

// Auth cache: a single cached credential that survives a restart while
// offline. A new login or refresh overwrites it; logout clears it.

// SaveSession overwrites the cached credential.
func (s *Store) SaveSession(sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	_, err = s.db.Exec(`
        INSERT INTO auth_cache (id, data, updated_at) VALUES (1, ?, ?)
        ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
    `, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	return nil
}

// LoadSession returns the cached credential, or ErrNotFound.
func (s *Store) LoadSession() (*models.Session, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM auth_cache WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}

	return &sess, nil
}

// ClearSession removes the cached credential.
func (s *Store) ClearSession() error {
	if _, err := s.db.Exec(`DELETE FROM auth_cache WHERE id = 1`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
