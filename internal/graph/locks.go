package graph

import (
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count used by NewLocks(0).
const DefaultShards = 256

// Locks serializes work on a single target by sharding target keys over a
// fixed set of mutexes. Two targets may share a shard; that only costs
// parallelism, never correctness. Hold at most one shard at a time.
type Locks struct {
	shards []sync.Mutex
}

// NewLocks creates a lock table with n shards (DefaultShards if n <= 0).
func NewLocks(n int) *Locks {
	if n <= 0 {
		n = DefaultShards
	}
	return &Locks{shards: make([]sync.Mutex, n)}
}

// Lock acquires the shard for key and returns the unlock function.
func (l *Locks) Lock(key string) func() {
	m := &l.shards[l.shard(key)]
	m.Lock()
	return m.Unlock
}

func (l *Locks) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.shards)))
}
