// Package kvstore persists instance records, operator logs and small JSON
// blobs in a Redis-protocol key-value store.
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-trading/cloudlaunch/internal/instance"
)

const (
	// MaxLogs is the length of the per-instance log list.
	MaxLogs = 120

	TrackerCacheKey      = "token-tracker-cache"
	TrackerMilestonesKey = "token-tracker-milestones"
)

// Store is the persistence seam shared by the driver, the API and the
// tracker. Implementations do not offer read-modify-write transactions;
// concurrent writers of the same record race and the last write wins.
type Store interface {
	GetConfig(ctx context.Context, id int) (*instance.Config, error)
	SaveConfig(ctx context.Context, id int, cfg *instance.Config) error
	DeleteConfig(ctx context.Context, id int) error

	// AppendLog pushes entry to the head of the list and trims it to MaxLogs.
	AppendLog(ctx context.Context, id int, entry instance.LogEntry) error
	// Logs returns entries most recent first.
	Logs(ctx context.Context, id int) ([]instance.LogEntry, error)
	ClearLogs(ctx context.Context, id int) error

	// GetJSON decodes key into dst and reports whether the key existed.
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	// SetJSON stores v under key. A zero ttl keeps the key forever.
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// ConfigKey is the key of an instance record.
func ConfigKey(id int) string {
	return fmt.Sprintf("cloud-launch-%d", id)
}

// LogsKey is the key of an instance log list.
func LogsKey(id int) string {
	return fmt.Sprintf("cloud-launch-logs-%d", id)
}
