package kvstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexus-trading/cloudlaunch/internal/instance"
)

// RedisStore implements Store on go-redis.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// OpenRedis builds a client from rawURL. Accepted forms are redis:// and
// rediss:// URLs, a bare host:port, and an Upstash-style https://host URL,
// for which the Redis protocol endpoint on port 6379 is dialed over TLS with
// token as the password.
func OpenRedis(rawURL, token string, db int) (*RedisStore, error) {
	opts, err := ParseRedisOptions(rawURL, token, db)
	if err != nil {
		return nil, err
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}

// ParseRedisOptions maps the accepted URL forms to client options.
func ParseRedisOptions(rawURL, token string, db int) (*redis.Options, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("kvstore: empty redis url")
	}

	var opts *redis.Options
	switch {
	case strings.HasPrefix(rawURL, "redis://"), strings.HasPrefix(rawURL, "rediss://"):
		o, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("kvstore: parse redis url: %w", err)
		}
		opts = o
	case strings.HasPrefix(rawURL, "https://"), strings.HasPrefix(rawURL, "http://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("kvstore: parse rest url: %w", err)
		}
		host := u.Hostname()
		opts = &redis.Options{
			Addr:      net.JoinHostPort(host, "6379"),
			Username:  "default",
			TLSConfig: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
			DB:        db,
		}
	default:
		opts = &redis.Options{Addr: rawURL, DB: db}
	}

	if token != "" && opts.Password == "" {
		opts.Password = token
	}
	return opts, nil
}

func (r *RedisStore) GetConfig(ctx context.Context, id int) (*instance.Config, error) {
	var cfg instance.Config
	ok, err := r.GetJSON(ctx, ConfigKey(id), &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

func (r *RedisStore) SaveConfig(ctx context.Context, id int, cfg *instance.Config) error {
	return r.SetJSON(ctx, ConfigKey(id), cfg, 0)
}

func (r *RedisStore) DeleteConfig(ctx context.Context, id int) error {
	if err := r.client.Del(ctx, ConfigKey(id)).Err(); err != nil {
		return fmt.Errorf("kvstore: delete config %d: %w", id, err)
	}
	return nil
}

func (r *RedisStore) AppendLog(ctx context.Context, id int, entry instance.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("kvstore: encode log: %w", err)
	}
	key := LogsKey(id)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, MaxLogs-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("kvstore: append log %d: %w", id, err)
	}
	return nil
}

func (r *RedisStore) Logs(ctx context.Context, id int) ([]instance.LogEntry, error) {
	raw, err := r.client.LRange(ctx, LogsKey(id), 0, MaxLogs-1).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore: read logs %d: %w", id, err)
	}
	out := make([]instance.LogEntry, 0, len(raw))
	for _, s := range raw {
		var e instance.LogEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			// Older writers pushed plain strings.
			e = instance.LogEntry{Msg: s, Type: instance.SeverityInfo}
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisStore) ClearLogs(ctx context.Context, id int) error {
	if err := r.client.Del(ctx, LogsKey(id)).Err(); err != nil {
		return fmt.Errorf("kvstore: clear logs %d: %w", id, err)
	}
	return nil
}

func (r *RedisStore) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("kvstore: decode %s: %w", key, err)
	}
	return true, nil
}

func (r *RedisStore) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvstore: encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore: set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
