package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces tracker entries in a shared Redis instance.
const keyPrefix = "curator:progress:"

// RedisTracker stores progress updates in Redis so multiple curator
// processes can serve the same progress channel. Merging is read-modify-
// write with last-write-wins; progress only ever moves forward, so a lost
// race narrows to the same terminal state either way.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTracker connects a tracker to Redis. ttl is the absolute age
// ceiling for entries; Redis expiry replaces Sweep.
func NewRedisTracker(addr, password string, ttl time.Duration) *RedisTracker {
	return &RedisTracker{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		ttl:    ttl,
	}
}

// Update merges an update into the stored state for key.
func (t *RedisTracker) Update(ctx context.Context, key string, up Update) (Update, error) {
	prev, _, err := t.Get(ctx, key)
	if err != nil {
		return Update{}, err
	}
	merged := merge(prev, up)

	data, err := json.Marshal(merged)
	if err != nil {
		return Update{}, fmt.Errorf("marshal progress: %w", err)
	}

	ttl := t.ttl
	if merged.Status.IsTerminal() {
		ttl = terminalGrace
	}
	if err := t.client.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		return Update{}, fmt.Errorf("store progress: %w", err)
	}
	return merged, nil
}

// Get returns the stored update for key.
func (t *RedisTracker) Get(ctx context.Context, key string) (Update, bool, error) {
	data, err := t.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Update{}, false, nil
	}
	if err != nil {
		return Update{}, false, fmt.Errorf("load progress: %w", err)
	}

	var up Update
	if err := json.Unmarshal(data, &up); err != nil {
		return Update{}, false, fmt.Errorf("decode progress: %w", err)
	}
	return up, true, nil
}

// Delete removes the entry for key.
func (t *RedisTracker) Delete(ctx context.Context, key string) error {
	return t.client.Del(ctx, keyPrefix+key).Err()
}

// Sweep is a no-op: Redis key expiry enforces the age ceiling.
func (t *RedisTracker) Sweep(context.Context, time.Duration) (int, error) {
	return 0, nil
}

// Close releases the Redis connection.
func (t *RedisTracker) Close() error {
	return t.client.Close()
}
