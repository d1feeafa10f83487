// Package live provides the shared in-memory model of recent order
// transitions and latest signals, with pub/sub for streaming to status
// clients.
package live

import (
	"sort"
	"sync"
	"time"

	"sentinel/internal/domain"
)

// LiveModel holds a bounded history of order transitions and the latest
// signal snapshot per instrument, and fans transitions out to subscribers.
type LiveModel struct {
	mu        sync.RWMutex
	history   []domain.OrderTransition
	capacity  int
	signals   map[string]domain.SignalSnapshot
	lastEvent time.Time
	events    int64

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan domain.OrderTransition
}

// NewLiveModel creates a model retaining up to capacity transitions.
func NewLiveModel(capacity int) *LiveModel {
	if capacity <= 0 {
		capacity = 500
	}
	return &LiveModel{
		capacity: capacity,
		signals:  make(map[string]domain.SignalSnapshot),
		subs:     make(map[int]chan domain.OrderTransition),
	}
}

// Publish appends tr to the history and notifies subscribers.
func (m *LiveModel) Publish(tr domain.OrderTransition) {
	m.mu.Lock()
	m.history = append(m.history, tr)
	if over := len(m.history) - m.capacity; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	m.mu.Unlock()

	// Notify subscribers (non-blocking send).
	m.subsMu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- tr:
		default:
			// Slow subscriber, drop transition.
		}
	}
	m.subsMu.Unlock()
}

// Recent returns up to n of the latest transitions, oldest first.
func (m *LiveModel) Recent(n int) []domain.OrderTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.history) {
		n = len(m.history)
	}
	out := make([]domain.OrderTransition, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}

// SetSignal records the latest snapshot of an instrument.
func (m *LiveModel) SetSignal(snap domain.SignalSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[snap.Symbol] = snap
	if snap.Timestamp.After(m.lastEvent) {
		m.lastEvent = snap.Timestamp
	}
	m.events++
}

// Signals returns the latest snapshot of every instrument sorted by symbol.
func (m *LiveModel) Signals() []domain.SignalSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SignalSnapshot, 0, len(m.signals))
	for _, s := range m.signals {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// LastEvent returns the timestamp of the newest processed event and the
// number of events processed.
func (m *LiveModel) LastEvent() (time.Time, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastEvent, m.events
}

// Subscribe creates a new subscription channel for order transitions.
func (m *LiveModel) Subscribe(bufSize int) (id int, ch <-chan domain.OrderTransition) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	id = m.nextSubID
	m.nextSubID++
	c := make(chan domain.OrderTransition, bufSize)
	m.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (m *LiveModel) Unsubscribe(id int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if ch, ok := m.subs[id]; ok {
		close(ch)
		delete(m.subs, id)
	}
}

// Subscribers returns the number of active subscriptions.
func (m *LiveModel) Subscribers() int {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	return len(m.subs)
}
