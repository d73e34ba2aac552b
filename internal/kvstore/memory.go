package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-trading/cloudlaunch/internal/instance"
)

type memValue struct {
	data    []byte
	expires time.Time
}

// MemoryStore keeps everything in process memory. Values are stored as
// JSON so callers never share pointers with the store.
type MemoryStore struct {
	mu   sync.Mutex
	kv   map[string]memValue
	logs map[int][]instance.LogEntry
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:   make(map[string]memValue),
		logs: make(map[int][]instance.LogEntry),
		now:  time.Now,
	}
}

func (m *MemoryStore) GetConfig(ctx context.Context, id int) (*instance.Config, error) {
	var cfg instance.Config
	ok, err := m.GetJSON(ctx, ConfigKey(id), &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

func (m *MemoryStore) SaveConfig(ctx context.Context, id int, cfg *instance.Config) error {
	return m.SetJSON(ctx, ConfigKey(id), cfg, 0)
}

func (m *MemoryStore) DeleteConfig(_ context.Context, id int) error {
	m.mu.Lock()
	delete(m.kv, ConfigKey(id))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) AppendLog(_ context.Context, id int, entry instance.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append([]instance.LogEntry{entry}, m.logs[id]...)
	if len(list) > MaxLogs {
		list = list[:MaxLogs]
	}
	m.logs[id] = list
	return nil
}

func (m *MemoryStore) Logs(_ context.Context, id int) ([]instance.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]instance.LogEntry, len(m.logs[id]))
	copy(out, m.logs[id])
	return out, nil
}

func (m *MemoryStore) ClearLogs(_ context.Context, id int) error {
	m.mu.Lock()
	delete(m.logs, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetJSON(_ context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	v, ok := m.kv[key]
	if ok && !v.expires.IsZero() && !m.now().Before(v.expires) {
		delete(m.kv, key)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(v.data, dst); err != nil {
		return false, fmt.Errorf("kvstore: decode %s: %w", key, err)
	}
	return true, nil
}

func (m *MemoryStore) SetJSON(_ context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvstore: encode %s: %w", key, err)
	}
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.kv[key] = memValue{data: data, expires: expires}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
