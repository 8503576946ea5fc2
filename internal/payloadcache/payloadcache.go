// Package payloadcache holds oversized original request bodies outside the
// envelope. Entries are advisory: a miss is never fatal to a caller, which
// falls back to the business payload carried in the envelope.
package payloadcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long an offloaded payload is kept.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "payload:"

var errEmptyID = errors.New("payloadcache: id is required")

// Store persists raw payload bytes keyed by id.
type Store interface {
	SetPayload(ctx context.Context, id string, raw []byte) error
	GetPayload(ctx context.Context, id string) ([]byte, bool, error)
}

// RedisStore implements Store on Redis.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore creates a store backed by the supplied client. A non-positive
// ttl selects DefaultTTL.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// SetPayload stores raw under id with the configured TTL.
func (s *RedisStore) SetPayload(ctx context.Context, id string, raw []byte) error {
	if id == "" {
		return errEmptyID
	}
	if err := s.client.Set(ctx, keyPrefix+id, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("payloadcache: set %s: %w", id, err)
	}
	return nil
}

// GetPayload returns the bytes stored under id. A missing key is reported as
// ok=false with a nil error.
func (s *RedisStore) GetPayload(ctx context.Context, id string) ([]byte, bool, error) {
	if id == "" {
		return nil, false, errEmptyID
	}
	raw, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("payloadcache: get %s: %w", id, err)
	}
	return raw, true, nil
}

type memoryEntry struct {
	raw     []byte
	expires time.Time
}

// MemoryStore implements Store in process memory. It is a test double for
// RedisStore; offloaded payloads must be readable by every notification
// process, so deployments always use Redis.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates an in-memory store. A non-positive ttl selects
// DefaultTTL; a nil now selects time.Now.
func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]memoryEntry), ttl: ttl, now: now}
}

// SetPayload implements Store.
func (s *MemoryStore) SetPayload(_ context.Context, id string, raw []byte) error {
	if id == "" {
		return errEmptyID
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)

	s.mu.Lock()
	s.entries[id] = memoryEntry{raw: buf, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

// GetPayload implements Store. Expired entries are dropped on read.
func (s *MemoryStore) GetPayload(_ context.Context, id string) ([]byte, bool, error) {
	if id == "" {
		return nil, false, errEmptyID
	}
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(entry.expires) {
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		return nil, false, nil
	}
	out := make([]byte, len(entry.raw))
	copy(out, entry.raw)
	return out, true, nil
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
