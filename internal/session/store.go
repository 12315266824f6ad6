// File: internal/session/store.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Sharded, thread-safe registry for high concurrency.

package session

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

// Registry stores values under generated identifiers.
type Registry[T any] struct {
	shards []*shard[T]
	mask   uint32
}

type shard[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

// NewRegistry constructs a sharded registry with shardCount shards rounded up
// to a power of two.
func NewRegistry[T any](shardCount int) *Registry[T] {
	if shardCount <= 0 {
		shardCount = 16
	}
	// power-of-two shards for bitmasking
	m := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*shard[T], m)
	for i := range shards {
		shards[i] = &shard[T]{entries: make(map[string]T)}
	}
	return &Registry[T]{shards: shards, mask: m - 1}
}

func (r *Registry[T]) shard(id string) *shard[T] {
	return r.shards[fnv32(id)&r.mask]
}

// Add stores v under a fresh UUID and returns it.
func (r *Registry[T]) Add(v T) string {
	id := uuid.NewString()
	sh := r.shard(id)
	sh.mu.Lock()
	sh.entries[id] = v
	sh.mu.Unlock()
	return id
}

// Get fetches an entry if present.
func (r *Registry[T]) Get(id string) (T, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.entries[id]
	return v, ok
}

// Delete removes and returns an entry.
func (r *Registry[T]) Delete(id string) (T, bool) {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.entries[id]
	if ok {
		delete(sh.entries, id)
	}
	return v, ok
}

// Len returns the number of entries.
func (r *Registry[T]) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Snapshot returns a copy of all entries. Callers may act on the values
// without holding any registry lock.
func (r *Registry[T]) Snapshot() map[string]T {
	out := make(map[string]T)
	for _, sh := range r.shards {
		sh.mu.RLock()
		for id, v := range sh.entries {
			out[id] = v
		}
		sh.mu.RUnlock()
	}
	return out
}

// fnv32 hashes a string to uint32.
func fnv32(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
