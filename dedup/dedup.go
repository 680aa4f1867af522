// Package dedup remembers EventSub message ids so redelivered notifications are dropped.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Memory is an in-process TTL set of message ids.
type Memory struct {
	TTL time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemory returns a Memory that forgets ids after ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{TTL: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

// Seen records id and reports whether it was already recorded and not yet expired.
func (m *Memory) Seen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, exp := range m.seen {
		if now.After(exp) {
			delete(m.seen, k)
		}
	}
	if _, ok := m.seen[id]; ok {
		return true, nil
	}
	m.seen[id] = now.Add(m.TTL)
	return false, nil
}

// Redis keeps message ids in Redis with SET NX so they survive restarts.
type Redis struct {
	Client *redis.Client
	TTL    time.Duration
	Prefix string
}

// NewRedis connects to addr and verifies connectivity.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Info("redis dedup connected", slog.String("addr", addr), slog.String("component", "dedup"))
	return &Redis{Client: rdb, TTL: ttl, Prefix: "herald:eventsub:"}, nil
}

// Seen records id and reports whether it was already present.
func (r *Redis) Seen(ctx context.Context, id string) (bool, error) {
	ok, err := r.Client.SetNX(ctx, r.Prefix+id, 1, r.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !ok, nil
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error { return r.Client.Close() }
