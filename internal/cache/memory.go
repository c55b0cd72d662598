// Package cache is a two-tier cache for stage results: a sharded in-memory
// LRU in front of a persistent store.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const shardCount = 16

// Fingerprint identifies a cacheable stage call.
func Fingerprint(stage, model, prompt string) string {
	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

type memEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// MemoryTier is a fixed-size LRU split into shards, each with its own lock.
type MemoryTier[V any] struct {
	shards [shardCount]*lru.Cache[string, memEntry[V]]
}

// NewMemoryTier creates a memory tier holding about size entries in total.
func NewMemoryTier[V any](size int) (*MemoryTier[V], error) {
	per := size / shardCount
	if per < 1 {
		per = 1
	}
	m := &MemoryTier[V]{}
	for i := range m.shards {
		c, err := lru.New[string, memEntry[V]](per)
		if err != nil {
			return nil, err
		}
		m.shards[i] = c
	}
	return m, nil
}

func (m *MemoryTier[V]) shard(key string) *lru.Cache[string, memEntry[V]] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// Get returns the value for key if present and not expired at now.
func (m *MemoryTier[V]) Get(key string, now time.Time) (V, bool) {
	s := m.shard(key)
	e, ok := s.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		s.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Add stores value under key until expiresAt. A zero expiresAt never expires.
func (m *MemoryTier[V]) Add(key string, value V, expiresAt time.Time) {
	m.shard(key).Add(key, memEntry[V]{value: value, expiresAt: expiresAt})
}

// Remove deletes key.
func (m *MemoryTier[V]) Remove(key string) {
	m.shard(key).Remove(key)
}

// Len returns the number of entries across all shards.
func (m *MemoryTier[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		n += s.Len()
	}
	return n
}

// PurgeExpired removes entries expired at now and returns how many.
func (m *MemoryTier[V]) PurgeExpired(now time.Time) int {
	n := 0
	for _, s := range m.shards {
		for _, k := range s.Keys() {
			e, ok := s.Peek(k)
			if ok && !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
				s.Remove(k)
				n++
			}
		}
	}
	return n
}
