package models

import (
	"encoding/json"
	"time"
)

// OpType is the kind of mutation queued for sync.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// MaxRetries is the ceiling after which a pending item is archived as failed.
const MaxRetries = 5

// PendingSyncItem is a queued, not-yet-acknowledged local mutation.
// Items are drained in CreatedAt order.
type PendingSyncItem struct {
	ID          int64           `json:"id"`
	Type        OpType          `json:"type"`
	Entity      EntityKind      `json:"entity"`
	Data        json.RawMessage `json:"data"`
	CreatedAt   time.Time       `json:"created_at"`
	RetryCount  int             `json:"retry_count"`
	LastAttempt *time.Time      `json:"last_attempt,omitempty"`
}

// Backoff returns the minimum interval that must elapse after LastAttempt
// before the item may be retried: 2^RetryCount seconds.
func (p *PendingSyncItem) Backoff() time.Duration {
	return time.Duration(1<<uint(p.RetryCount)) * time.Second
}

// ReadyAt reports whether the item is eligible for an attempt at the given
// instant. Items that have never been attempted are always eligible.
func (p *PendingSyncItem) ReadyAt(now time.Time) bool {
	if p.LastAttempt == nil {
		return true
	}
	return now.Sub(*p.LastAttempt) >= p.Backoff()
}

// FailedSyncItem is a pending item that exhausted its retries. Failed items
// never retry automatically; an operator requeues them explicitly.
type FailedSyncItem struct {
	PendingSyncItem
	FailedAt time.Time `json:"failed_at"`
}

// Conflict records an update that lost an optimistic-lock race. Both
// snapshots are kept so a resolution surface can show them side by side.
type Conflict struct {
	ID         int64           `json:"id"`
	Entity     EntityKind      `json:"entity"`
	LocalData  json.RawMessage `json:"local_data"`
	ServerData json.RawMessage `json:"server_data"`
	CreatedAt  time.Time       `json:"created_at"`
}
