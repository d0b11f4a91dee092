package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fieldsales/fieldsync/internal/models"
)

// Mock provides a scriptable Authority for testing.
type Mock struct {
	mu sync.Mutex

	// Behavior overrides; when nil, the default succeeds with a
	// generated identifier and version 1.
	CreateFn func(kind models.EntityKind, payload json.RawMessage) (*Result, error)
	UpdateFn func(kind models.EntityKind, payload json.RawMessage) (*Result, error)
	DeleteFn func(kind models.EntityKind, id string) error

	// Call tracking
	CreateCalls []MockCall
	UpdateCalls []MockCall
	DeleteCalls []string

	nextID int
}

// MockCall records one invocation.
type MockCall struct {
	Kind    models.EntityKind
	Payload json.RawMessage
}

// NewMock creates a mock authority.
func NewMock() *Mock {
	return &Mock{}
}

// Create implements Authority.
func (m *Mock) Create(_ context.Context, kind models.EntityKind, payload json.RawMessage) (*Result, error) {
	m.mu.Lock()
	m.CreateCalls = append(m.CreateCalls, MockCall{Kind: kind, Payload: payload})
	fn := m.CreateFn
	m.nextID++
	id := fmt.Sprintf("srv-%d", m.nextID)
	m.mu.Unlock()

	if fn != nil {
		return fn(kind, payload)
	}

	entity, _ := json.Marshal(map[string]interface{}{"id": id, "version": 1})
	return &Result{ID: id, Version: 1, Entity: entity}, nil
}

// Update implements Authority.
func (m *Mock) Update(_ context.Context, kind models.EntityKind, payload json.RawMessage) (*Result, error) {
	m.mu.Lock()
	m.UpdateCalls = append(m.UpdateCalls, MockCall{Kind: kind, Payload: payload})
	fn := m.UpdateFn
	m.mu.Unlock()

	if fn != nil {
		return fn(kind, payload)
	}

	var ref struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
	}
	_ = json.Unmarshal(payload, &ref)

	entity, _ := json.Marshal(map[string]interface{}{"id": ref.ID, "version": ref.Version + 1})
	return &Result{ID: ref.ID, Version: ref.Version + 1, Entity: entity}, nil
}

// Delete implements Authority.
func (m *Mock) Delete(_ context.Context, kind models.EntityKind, id string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, id)
	fn := m.DeleteFn
	m.mu.Unlock()

	if fn != nil {
		return fn(kind, id)
	}
	return nil
}

// Calls returns the total number of remote invocations.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CreateCalls) + len(m.UpdateCalls) + len(m.DeleteCalls)
}
