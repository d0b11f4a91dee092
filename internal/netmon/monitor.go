// Package netmon tracks connectivity. The Monitor holds the online
// boolean and notifies subscribers on transitions only, so a reconnect
// trigger fires once per offline-to-online edge rather than on every
// observation of the online state.
package netmon

import (
	"sync"

	"github.com/fieldsales/fieldsync/internal/events"
)

// Monitor exposes the current connectivity state.
type Monitor struct {
	logger *events.Logger

	mu      sync.Mutex
	online  bool
	subs    map[int]chan bool
	nextSub int
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(initial bool, logger *events.Logger) *Monitor {
	return &Monitor{
		logger: logger.WithField("component", "netmon"),
		online: initial,
		subs:   make(map[int]chan bool),
	}
}

// IsOnline returns the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity observation. Subscribers are notified
// only when the state actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online

	m.logger.WithField("online", online).Info("Connectivity changed")

	for _, ch := range m.subs {
		select {
		case ch <- online:
		default:
			// Subscriber is behind; it will observe the state on its
			// next read anyway.
		}
	}
}

// Subscribe registers for transition notifications. The returned cancel
// func must be called to release the subscription.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++

	ch := make(chan bool, 4)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
