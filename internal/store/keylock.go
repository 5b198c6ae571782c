package store

import (
	"hash/fnv"
	"sync"
)

// KeyLock serializes work per key using a fixed set of mutex shards. Two keys
// may share a shard; one key always maps to the same shard.
type KeyLock struct {
	shards []sync.Mutex
}

// NewKeyLock creates a KeyLock with n shards (at least 1).
func NewKeyLock(n int) *KeyLock {
	if n < 1 {
		n = 1
	}
	return &KeyLock{shards: make([]sync.Mutex, n)}
}

func (k *KeyLock) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &k.shards[h.Sum32()%uint32(len(k.shards))]
}

// Lock locks key and returns the matching unlock func.
func (k *KeyLock) Lock(key string) func() {
	mu := k.shard(key)
	mu.Lock()
	return mu.Unlock
}
