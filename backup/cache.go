package backup

import (
	"fmt"
	"sync"
	"time"

	"github.com/taigrr/colorhash"

	"github.com/chronofs/chronofs/internal/metrics"
)

// treeCache keeps a bounded number of folded snapshot trees. Trees are
// immutable once built, so hits hand out the shared pointer.
type treeCache struct {
	mu    sync.Mutex
	max   int
	trees map[treeKey]*treeSlot
}

type treeKey struct {
	chain string
	seq   int
}

type treeSlot struct {
	tree       *Tree
	lastAccess time.Time
}

func newTreeCache(max int) *treeCache {
	if max <= 0 {
		max = 8
	}
	return &treeCache{
		max:   max,
		trees: make(map[treeKey]*treeSlot),
	}
}

func (tc *treeCache) get(key treeKey) (*Tree, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	slot, ok := tc.trees[key]
	if !ok {
		metrics.RecordCacheRequest("tree", false)
		return nil, false
	}
	slot.lastAccess = time.Now()
	metrics.RecordCacheRequest("tree", true)
	return slot.tree, true
}

func (tc *treeCache) put(key treeKey, tree *Tree) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if _, ok := tc.trees[key]; !ok {
		for len(tc.trees) >= tc.max {
			if !tc.evictOldest() {
				break
			}
		}
	}
	tc.trees[key] = &treeSlot{tree: tree, lastAccess: time.Now()}
}

// evictOldest drops the least recently used tree. Caller holds tc.mu.
func (tc *treeCache) evictOldest() bool {
	var (
		oldestKey  treeKey
		oldestTime time.Time
		found      bool
	)
	for key, slot := range tc.trees {
		if !found || slot.lastAccess.Before(oldestTime) {
			oldestKey = key
			oldestTime = slot.lastAccess
			found = true
		}
	}
	if !found {
		return false
	}
	delete(tc.trees, oldestKey)
	metrics.RecordCacheEviction("tree")
	return true
}

// blockCache holds decoded content blocks, sharded to keep lock
// contention off the read path. Each shard evicts by last access once
// its byte budget is exceeded. Returned slices are shared: callers
// copy out of them and never write into them.
type blockCache struct {
	shards []*blockShard
}

type blockKey struct {
	chain string
	seq   int
	path  string
	block int64
}

func (k blockKey) String() string {
	return fmt.Sprintf("%s@%d:%s#%d", k.chain, k.seq, k.path, k.block)
}

type blockShard struct {
	mu    sync.Mutex
	max   int64
	bytes int64
	items map[blockKey]*blockSlot
}

type blockSlot struct {
	data       []byte
	lastAccess time.Time
}

const blockShardCount = 16

func newBlockCache(maxBytes int64) *blockCache {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	bc := &blockCache{shards: make([]*blockShard, blockShardCount)}
	for i := range bc.shards {
		bc.shards[i] = &blockShard{
			max:   maxBytes / blockShardCount,
			items: make(map[blockKey]*blockSlot),
		}
	}
	return bc
}

func (bc *blockCache) shard(key blockKey) *blockShard {
	return bc.shards[colorhash.HashString(key.String())%blockShardCount]
}

func (bc *blockCache) get(key blockKey) ([]byte, bool) {
	s := bc.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.items[key]
	if !ok {
		metrics.RecordCacheRequest("block", false)
		return nil, false
	}
	slot.lastAccess = time.Now()
	metrics.RecordCacheRequest("block", true)
	return slot.data, true
}

func (bc *blockCache) put(key blockKey, data []byte) {
	s := bc.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.items[key]; ok {
		s.bytes -= int64(len(old.data))
	}
	s.items[key] = &blockSlot{data: data, lastAccess: time.Now()}
	s.bytes += int64(len(data))
	for s.bytes > s.max {
		if !s.evictOldest(key) {
			break
		}
	}
}

// evictOldest drops the least recently used block other than keep.
// Caller holds s.mu.
func (s *blockShard) evictOldest(keep blockKey) bool {
	var (
		oldestKey  blockKey
		oldestTime time.Time
		found      bool
	)
	for key, slot := range s.items {
		if key == keep {
			continue
		}
		if !found || slot.lastAccess.Before(oldestTime) {
			oldestKey = key
			oldestTime = slot.lastAccess
			found = true
		}
	}
	if !found {
		return false
	}
	s.bytes -= int64(len(s.items[oldestKey].data))
	delete(s.items, oldestKey)
	metrics.RecordCacheEviction("block")
	return true
}
