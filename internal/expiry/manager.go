// Package expiry runs one timer per key and invokes a callback when a key
// outlives its ttl without being cancelled.
package expiry

import (
	"sync"
	"time"
)

// Manager holds pending timers keyed by an arbitrary string.
type Manager struct {
	mu      sync.Mutex
	timers  map[string]*entry
	stopped bool
	gen     uint64
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// NewManager creates an empty timer manager.
func NewManager() *Manager {
	return &Manager{
		timers: make(map[string]*entry),
	}
}

// Schedule arranges for fn to run after ttl unless Cancel(key) is called
// first. Scheduling an existing key replaces its timer. A non-positive ttl
// schedules nothing.
func (m *Manager) Schedule(key string, ttl time.Duration, fn func()) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if existing := m.timers[key]; existing != nil {
		existing.timer.Stop()
	}
	m.gen++
	e := &entry{gen: m.gen}
	e.timer = time.AfterFunc(ttl, func() {
		m.mu.Lock()
		current, ok := m.timers[key]
		if !ok || current.gen != e.gen {
			// replaced or cancelled after the timer already fired
			m.mu.Unlock()
			return
		}
		delete(m.timers, key)
		m.mu.Unlock()
		fn()
	})
	m.timers[key] = e
}

// Cancel stops the timer for key. It reports whether a pending timer was
// removed.
func (m *Manager) Cancel(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.timers[key]
	if e == nil {
		return false
	}
	e.timer.Stop()
	delete(m.timers, key)
	return true
}

// Len returns the number of pending timers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stop cancels every pending timer. Later calls to Schedule are ignored.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for key, e := range m.timers {
		e.timer.Stop()
		delete(m.timers, key)
	}
}
