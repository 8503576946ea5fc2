// Package proxycache maps participants that are not registered with this
// switch to the interoperability proxy that represents them.
package proxycache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultHashKey is the Redis hash holding participant → proxy entries.
const DefaultHashKey = "proxycache:participants"

var errEmptyParticipant = errors.New("proxycache: participant id is required")

// Store resolves participants to proxies.
type Store interface {
	// Lookup returns the proxy representing participantID. ok is false when
	// the participant has no proxy mapping.
	Lookup(ctx context.Context, participantID string) (proxyID string, ok bool, err error)
	// Add records that proxyID represents participantID.
	Add(ctx context.Context, participantID, proxyID string) error
}

// RedisStore implements Store on a Redis hash so mappings are shared by every
// adapter instance and by the proxies that register them.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore creates a store on the supplied client. An empty key selects
// DefaultHashKey.
func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultHashKey
	}
	return &RedisStore{client: client, key: key}
}

// Lookup implements Store.
func (s *RedisStore) Lookup(ctx context.Context, participantID string) (string, bool, error) {
	if participantID == "" {
		return "", false, errEmptyParticipant
	}
	proxyID, err := s.client.HGet(ctx, s.key, participantID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("proxycache: lookup %s: %w", participantID, err)
	}
	return proxyID, proxyID != "", nil
}

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, participantID, proxyID string) error {
	if participantID == "" {
		return errEmptyParticipant
	}
	if err := s.client.HSet(ctx, s.key, participantID, proxyID).Err(); err != nil {
		return fmt.Errorf("proxycache: add %s: %w", participantID, err)
	}
	return nil
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, participantID string) (string, bool, error) {
	if participantID == "" {
		return "", false, errEmptyParticipant
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	proxyID, ok := s.entries[participantID]
	return proxyID, ok && proxyID != "", nil
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, participantID, proxyID string) error {
	if participantID == "" {
		return errEmptyParticipant
	}
	s.mu.Lock()
	s.entries[participantID] = proxyID
	s.mu.Unlock()
	return nil
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
