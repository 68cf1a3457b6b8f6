// Package serverstate tracks the broker's operational status. The default
// store is in-memory; a Redis-backed store lets a fleet of brokers behind a
// load balancer share drain state.
package serverstate

import "sync/atomic"

// State holds the broker status and draining flag. Both fields are stored
// together so callers always observe a consistent snapshot.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store defines how the broker state is persisted.
type Store interface {
	Load() State
	Store(State)
}

var active Store = NewMemoryStore()

// UseStore replaces the active Store.
func UseStore(s Store) {
	if s != nil {
		active = s
	}
}

type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "ok".
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(State{Status: "ok"})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}

// SetStatus updates the broker status string.
func SetStatus(status string) {
	st := active.Load()
	st.Status = status
	active.Store(st)
}

// Status returns the current broker status.
func Status() string {
	return active.Load().Status
}

// StartDrain marks the broker as draining; new relay connections are refused
// while draining so the fleet can rotate instances without severing sessions.
func StartDrain() {
	active.Store(State{Status: "draining", Draining: true})
}

// IsDraining reports whether the broker is draining.
func IsDraining() bool {
	return active.Load().Draining
}
