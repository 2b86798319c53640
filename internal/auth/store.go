// Package auth issues and consumes the single-use EIP-712 challenges that
// authenticate publish and unpublish requests.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists pending challenges, one per (chainId, address). Consume
// must be atomic: two concurrent requests presenting the same challenge
// get exactly one winner.
type Store interface {
	Put(ctx context.Context, chainID int64, address, value string) error
	// Consume removes and returns the pending challenge value, or ""
	// when none is pending.
	Consume(ctx context.Context, chainID int64, address string) (string, error)
}

func challengeKey(chainID int64, address string) string {
	return fmt.Sprintf("challenge:%d:%s", chainID, address)
}

// RedisStore stores challenges in redis with a TTL, shared across service
// instances. GetDel gives the atomic consume.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, chainID int64, address, value string) error {
	return s.rdb.Set(ctx, challengeKey(chainID, address), value, s.ttl).Err()
}

func (s *RedisStore) Consume(ctx context.Context, chainID int64, address string) (string, error) {
	value, err := s.rdb.GetDel(ctx, challengeKey(chainID, address)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("consume challenge: %w", err)
	}
	return value, nil
}

// MemoryStore keeps challenges in process memory. Used in tests and
// single-instance deployments without redis.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   string
	expires time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryStore{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Put(_ context.Context, chainID int64, address, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[challengeKey(chainID, address)] = memoryEntry{value: value, expires: time.Now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, chainID int64, address string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := challengeKey(chainID, address)
	entry, ok := s.entries[key]
	if !ok {
		return "", nil
	}
	delete(s.entries, key)
	if time.Now().After(entry.expires) {
		return "", nil
	}
	return entry.value, nil
}
