// Package statestore holds process-wide, swappable-backing key/value state
// used by the policy engine: an in-memory sync.Map by default, or Redis
// when a connection string is configured, so confirmation state can survive
// a daemon restart across a process group.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// TokenStore holds opaque confirmation-token entries keyed by the token
// string itself. It is process-wide and every operation except Sweep is
// O(1); Sweep walks every in-memory entry.
type TokenStore struct {
	inmemory *sync.Map
	ext      *redis.Client
}

// Entry is the value stored for a pending confirmation token.
type Entry struct {
	ServerKey string    `json:"serverKey"`
	ToolName  string    `json:"toolName"`
	CreatedAt time.Time `json:"createdAt"`
}

// New returns an in-memory TokenStore.
func New() *TokenStore {
	return &TokenStore{inmemory: &sync.Map{}}
}

// NewRedis returns a TokenStore backed by the given Redis connection string
// ("redis://[user:pass@]host:port/db").
func NewRedis(ctx context.Context, connectionString string) (*TokenStore, error) {
	opt, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &TokenStore{ext: client}, nil
}

// Put inserts or replaces the entry for token, expiring it after ttl when
// Redis-backed (in-memory entries are swept by the caller instead, since
// the policy engine already walks the full map on every mint).
func (s *TokenStore) Put(ctx context.Context, token string, e Entry, ttl time.Duration) error {
	if s.inmemory != nil {
		s.inmemory.Store(token, e)
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal token entry: %w", err)
	}
	return s.ext.Set(ctx, token, data, ttl).Err()
}

// Get returns the entry for token and whether it was present.
func (s *TokenStore) Get(ctx context.Context, token string) (Entry, bool, error) {
	if s.inmemory != nil {
		v, ok := s.inmemory.Load(token)
		if !ok {
			return Entry{}, false, nil
		}
		return v.(Entry), true, nil
	}
	data, err := s.ext.Get(ctx, token).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get token entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal token entry: %w", err)
	}
	return e, true, nil
}

// Delete removes token unconditionally (single-use consumption).
func (s *TokenStore) Delete(ctx context.Context, token string) error {
	if s.inmemory != nil {
		s.inmemory.Delete(token)
		return nil
	}
	return s.ext.Del(ctx, token).Err()
}

// Sweep removes every in-memory entry older than maxAge. It is a no-op for
// the Redis backing, which expires entries server-side via TTL.
func (s *TokenStore) Sweep(maxAge time.Duration) {
	if s.inmemory == nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	s.inmemory.Range(func(k, v any) bool {
		if e, ok := v.(Entry); ok && e.CreatedAt.Before(cutoff) {
			s.inmemory.Delete(k)
		}
		return true
	})
}

// Close releases the Redis connection, if any.
func (s *TokenStore) Close() error {
	if s.ext != nil {
		return s.ext.Close()
	}
	return nil
}
