package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSnapshotter persists each session under its own key with a TTL equal
// to the idle timeout, so Redis discards expired sessions on its own and a
// restart only ever sees live ones.
type RedisSnapshotter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisSnapshotter.
type RedisOption func(*RedisSnapshotter)

// WithPrefix sets the key prefix (default "hearth:session:").
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisSnapshotter) { s.prefix = prefix }
}

// NewRedisSnapshotter creates a Redis-backed snapshotter. ttl should match
// the session idle timeout.
func NewRedisSnapshotter(client *redis.Client, ttl time.Duration, opts ...RedisOption) *RedisSnapshotter {
	s := &RedisSnapshotter{
		client: client,
		prefix: "hearth:session:",
		ttl:    ttl,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load scans all session keys and decodes them.
func (s *RedisSnapshotter) Load(ctx context.Context) (map[string]SnapshotEntry, error) {
	snap := make(map[string]SnapshotEntry)

	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis snapshot load: %w", err)
		}
		var entry SnapshotEntry
		if err := json.Unmarshal([]byte(val), &entry); err != nil {
			return nil, fmt.Errorf("redis snapshot load %s: %w", key, err)
		}
		snap[strings.TrimPrefix(key, s.prefix)] = entry
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis snapshot scan: %w", err)
	}
	return snap, nil
}

// Save writes all entries in one pipeline and removes keys for users no
// longer present.
func (s *RedisSnapshotter) Save(ctx context.Context, snap map[string]SnapshotEntry) error {
	existing, err := s.client.Keys(ctx, s.prefix+"*").Result()
	if err != nil {
		return fmt.Errorf("redis snapshot save: %w", err)
	}

	pipe := s.client.Pipeline()
	for userID, entry := range snap {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("redis snapshot save %s: %w", userID, err)
		}
		pipe.Set(ctx, s.prefix+userID, data, s.ttl)
	}
	for _, key := range existing {
		if _, ok := snap[strings.TrimPrefix(key, s.prefix)]; !ok {
			pipe.Del(ctx, key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis snapshot save: %w", err)
	}
	return nil
}
