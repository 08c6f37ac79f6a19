// Package syncutil provides per-key locking for serialising work on one
// order or account inside a process.
package syncutil

import (
	"context"
	"hash/fnv"
)

const defaultShards = 256

// KeyLock is a fixed pool of channel-based mutexes selected by key hash.
// Memory stays bounded however many keys are seen; unrelated keys that
// share a shard contend with each other. Waiters can give up when their
// context ends.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a KeyLock with n shards, or a default count when n <= 0.
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = defaultShards
	}
	k := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock acquires the lock for key. On success the caller must call the
// returned unlock exactly once. If ctx ends first, Lock returns ctx.Err().
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.shards[k.index(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if it is free.
func (k *KeyLock) TryLock(key string) (func(), bool) {
	ch := k.shards[k.index(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func (k *KeyLock) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.shards))
}
