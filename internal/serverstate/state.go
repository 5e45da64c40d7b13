package serverstate

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is the lifecycle status of the bridge and its child process.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusRestarting Status = "restarting"
	StatusStopped    Status = "stopped"
	StatusDraining   Status = "draining"
	StatusUnknown    Status = "unknown"
)

// State holds the bridge status and draining flag. All fields are updated
// together so callers always observe a consistent snapshot.
type State struct {
	Status    Status    `json:"status"`
	Draining  bool      `json:"draining"`
	PID       int       `json:"pid,omitempty"`
	Restarts  int       `json:"restarts"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines how the state is persisted. Implementations may keep it in
// memory or in an external service such as Redis.
type Store interface {
	Load() State
	Store(State)
}

// memoryStore implements Store using an atomic.Value. It is the default
// strategy and is safe for concurrent use within a single process.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "starting".
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusStarting})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: StatusUnknown}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}

// Tracker serializes read-modify-write updates on a Store.
type Tracker struct {
	mu    sync.Mutex
	store Store
}

// NewTracker wraps s. A nil store falls back to memory.
func NewTracker(s Store) *Tracker {
	if s == nil {
		s = NewMemoryStore()
	}
	return &Tracker{store: s}
}

func (t *Tracker) update(fn func(*State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.store.Load()
	fn(&st)
	st.UpdatedAt = time.Now().UTC()
	t.store.Store(st)
}

// Load returns the current state.
func (t *Tracker) Load() State { return t.store.Load() }

// SetStatus updates the status. While draining, the status stays "draining"
// until the bridge stops.
func (t *Tracker) SetStatus(s Status) {
	t.update(func(st *State) {
		if st.Draining && s != StatusStopped {
			return
		}
		st.Status = s
	})
}

// ChildStarted records a freshly attached child.
func (t *Tracker) ChildStarted(pid int, restarted bool) {
	t.update(func(st *State) {
		st.PID = pid
		if restarted {
			st.Restarts++
		}
		if !st.Draining {
			st.Status = StatusReady
		}
	})
}

// ChildExited clears the pid and records the next status.
func (t *Tracker) ChildExited(next Status) {
	t.update(func(st *State) {
		st.PID = 0
		if !st.Draining || next == StatusStopped {
			st.Status = next
		}
	})
}

// StartDrain marks the bridge as draining.
func (t *Tracker) StartDrain() {
	t.update(func(st *State) {
		st.Draining = true
		st.Status = StatusDraining
	})
}

// IsDraining reports whether the bridge is draining.
func (t *Tracker) IsDraining() bool { return t.store.Load().Draining }
