// Package syncutil provides keyed locking for per-chat serialization.
package syncutil

import (
	"context"
	"hash/fnv"
	"strings"
)

// DefaultShards is the shard count used by NewKeyedMutex when given n <= 0.
const DefaultShards = 256

// KeyedMutex is a fixed-size pool of channel-based mutexes selected by key.
// Memory stays bounded no matter how many chats are seen; two keys that
// hash to the same shard share a lock. Never hold two keys of the same
// KeyedMutex at once.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with n shards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the mutex for key, giving up when ctx is done.
// On success the caller MUST call the returned unlock function.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards)) //nolint:gosec // shard count is small
}

// Key joins parts into a lock key.
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}
