// Package ledger records every successful launch. Recent entries are kept in
// a capped in-memory buffer and, when configured, mirrored to a Sink.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Entry is one successful launch.
type Entry struct {
	ID         string    `json:"id"`
	InstanceID int       `json:"instanceId"`
	TokenKey   string    `json:"tokenKey"`
	Symbol     string    `json:"symbol"`
	Name       string    `json:"name"`
	Chain      string    `json:"chain"`
	Launchpad  string    `json:"launchpad"`
	Agent      string    `json:"agent"`
	PostID     string    `json:"postId,omitempty"`
	Source     string    `json:"source,omitempty"`
	LaunchedAt time.Time `json:"launchedAt"`
}

// Sink persists entries outside the process.
type Sink interface {
	Insert(ctx context.Context, e Entry) error
}

// Trail keeps the most recent maxBuf entries (FIFO eviction) and forwards
// every entry to the sink. Sink failures are logged and dropped.
type Trail struct {
	mu      sync.Mutex
	sink    Sink
	entries []Entry
	maxBuf  int
}

// NewTrail creates a trail. sink may be nil.
func NewTrail(sink Sink, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{
		sink:    sink,
		entries: make([]Entry, 0, maxBuf),
		maxBuf:  maxBuf,
	}
}

// Record stores e, filling ID and LaunchedAt when empty.
func (t *Trail) Record(ctx context.Context, e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.LaunchedAt.IsZero() {
		e.LaunchedAt = time.Now().UTC()
	}

	t.mu.Lock()
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = e
		} else {
			t.entries = append(t.entries, e)
		}
	}
	t.mu.Unlock()

	// Sink write happens outside the lock.
	if t.sink != nil {
		if err := t.sink.Insert(ctx, e); err != nil {
			log.Error().Err(err).
				Int("instance", e.InstanceID).
				Str("token", e.TokenKey).
				Msg("ledger: sink insert failed")
		}
	}
	return e
}

// Recent returns up to limit entries for instanceID, newest first. An
// instanceID of 0 matches every instance; limit <= 0 means no limit.
func (t *Trail) Recent(instanceID, limit int) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Entry
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if instanceID != 0 && e.InstanceID != instanceID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Len returns the number of buffered entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Reader lists recent launches, newest first.
type Reader interface {
	Recent(ctx context.Context, instanceID, limit int) ([]Entry, error)
}

// BufferReader serves Reader from the in-memory buffer of a Trail.
type BufferReader struct {
	Trail *Trail
}

func (b BufferReader) Recent(_ context.Context, instanceID, limit int) ([]Entry, error) {
	return b.Trail.Recent(instanceID, limit), nil
}

var (
	_ Reader = BufferReader{}
	_ Reader = (*PostgresSink)(nil)
)
