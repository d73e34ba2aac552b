// Package activity is the process-wide feed of noteworthy events shown on
// the dashboard. History is capped and newest first.
package activity

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-trading/cloudlaunch/internal/instance"
)

const DefaultCapacity = 300

// Entry is one feed item.
type Entry struct {
	ID   string            `json:"id"`
	TS   int64             `json:"ts"`
	Msg  string            `json:"msg"`
	Type instance.Severity `json:"type"`
}

// Hub stores recent entries and fans new ones out to subscribers.
type Hub struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	subs     map[int]chan Entry
	nextSub  int
	now      func() time.Time
}

// NewHub creates a hub holding at most capacity entries.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		capacity: capacity,
		subs:     make(map[int]chan Entry),
		now:      time.Now,
	}
}

// Publish records msg and delivers it to every subscriber. A subscriber
// whose buffer is full misses the entry.
func (h *Hub) Publish(msg string, sev instance.Severity) {
	if sev == "" {
		sev = instance.SeverityInfo
	}
	e := Entry{ID: uuid.NewString(), TS: h.now().UnixMilli(), Msg: msg, Type: sev}

	h.mu.Lock()
	h.entries = append([]Entry{e}, h.entries...)
	if len(h.entries) > h.capacity {
		h.entries = h.entries[:h.capacity]
	}
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
	h.mu.Unlock()
}

// Snapshot returns a copy of the history, newest first.
func (h *Hub) Snapshot() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Clear drops the history. Subscribers stay attached.
func (h *Hub) Clear() {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
}

// Subscribe returns a channel of new entries and a cancel func that closes
// it. Cancel is idempotent.
func (h *Hub) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Entry, buffer)

	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of attached subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
