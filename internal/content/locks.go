package content

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 64

// shardLocks serializes mutations per fingerprint shard. Unrelated
// fingerprints usually land on different shards and proceed in parallel.
type shardLocks struct {
	shards []sync.Mutex
}

func newShardLocks(n int) *shardLocks {
	if n <= 0 {
		n = defaultShards
	}
	return &shardLocks{shards: make([]sync.Mutex, n)}
}

func (l *shardLocks) lock(fingerprint string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fingerprint))
	mu := &l.shards[h.Sum32()%uint32(len(l.shards))]
	mu.Lock()
	return mu.Unlock
}
