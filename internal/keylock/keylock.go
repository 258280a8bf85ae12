// Package keylock provides in-process mutual exclusion keyed by a hash of
// an arbitrary string key (here, a Source task id). It is the second half
// of the per-key serialization guarantee: River's sharded queues give
// durable FIFO ordering across process restarts, but the reconciler
// invokes the worker directly, bypassing the queue entirely, so a
// separate in-process lock table keeps at most one worker operation in
// flight per task id even when the queue-driven worker and the reconciler
// race on the same task.
package keylock

import (
	"context"
	"hash/fnv"
	"sync"
)

// Table is a fixed-size array of mutexes indexed by hash(key) mod N.
// Two different keys that hash to the same shard contend unnecessarily but
// never incorrectly -- a larger ShardCount simply reduces false contention.
type Table struct {
	locks []sync.Mutex
}

// New creates a lock table with the given shard count. shardCount <= 0 is
// treated as 1 (a single global lock), which is always correct, merely slow.
func New(shardCount int) *Table {
	if shardCount <= 0 {
		shardCount = 1
	}
	return &Table{locks: make([]sync.Mutex, shardCount)}
}

func (t *Table) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32()) % len(t.locks)
	if idx < 0 {
		idx += len(t.locks)
	}
	return &t.locks[idx]
}

// Lock acquires the shard mutex for key, blocking until available or ctx is
// done. Returns a release function to call via defer, or an error if ctx
// was cancelled before the lock was acquired.
func (t *Table) Lock(ctx context.Context, key string) (func(), error) {
	mu := t.shard(key)

	acquired := make(chan struct{})
	go func() {
		mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return mu.Unlock, nil
	case <-ctx.Done():
		// The goroutine above still holds (or will hold) the lock once it
		// acquires it; release it immediately in the background so the
		// shard isn't leaked permanently.
		go func() {
			<-acquired
			mu.Unlock()
		}()
		return nil, ctx.Err()
	}
}

// ShardFor exposes the shard index a key maps to, for queue wiring that
// needs the same hash to pick a River queue name.
func ShardFor(key string, shardCount int) int {
	if shardCount <= 0 {
		shardCount = 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32()) % shardCount
	if idx < 0 {
		idx += shardCount
	}
	return idx
}
