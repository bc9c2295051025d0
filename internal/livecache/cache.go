// Package livecache keeps the most recent record per flight.
//
// The cache is sharded by an xxh3 hash of the identity and every operation
// holds a single shard lock for one entry at most, so merges, sweeps and
// readers can interleave freely.
package livecache

import (
	"sync"

	"flightcollector/internal/track"

	"github.com/zeebo/xxh3"
)

const DefaultShards = 32

// MergeResult tells what Merge did with a record.
type MergeResult int

const (
	// MergeInserted: the identity was absent.
	MergeInserted MergeResult = iota
	// MergeUpdated: the record was strictly newer and replaced the entry.
	MergeUpdated
	// MergeUnchanged: same timestamp; the entry was replaced but nothing advanced.
	MergeUnchanged
	// MergeStale: the record was older and was ignored.
	MergeStale
)

func (r MergeResult) String() string {
	switch r {
	case MergeInserted:
		return "inserted"
	case MergeUpdated:
		return "updated"
	case MergeUnchanged:
		return "unchanged"
	case MergeStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Advanced reports whether the merge moved the entry forward in time.
func (r MergeResult) Advanced() bool { return r == MergeInserted || r == MergeUpdated }

type shard struct {
	mu sync.RWMutex
	m  map[string]track.Record
}

type Cache struct {
	shards []shard
	mask   uint64
}

// New builds a cache with n shards, rounded up to a power of two.
func New(n int) *Cache {
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}
	c := &Cache{shards: make([]shard, size), mask: uint64(size - 1)}
	for i := range c.shards {
		c.shards[i].m = make(map[string]track.Record)
	}
	return c
}

func (c *Cache) shard(id string) *shard {
	return &c.shards[xxh3.HashString(id)&c.mask]
}

// Merge stores rec unless the cache already holds a strictly newer record
// for the same identity.
func (c *Cache) Merge(rec track.Record) MergeResult {
	s := c.shard(rec.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.m[rec.ID]
	switch {
	case !ok:
		s.m[rec.ID] = rec
		return MergeInserted
	case rec.LastSeen.Before(cur.LastSeen):
		return MergeStale
	case rec.LastSeen.Equal(cur.LastSeen):
		s.m[rec.ID] = rec
		return MergeUnchanged
	default:
		s.m[rec.ID] = rec
		return MergeUpdated
	}
}

func (c *Cache) Get(id string) (track.Record, bool) {
	s := c.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.m[id]
	return r, ok
}

func (c *Cache) Delete(id string) bool {
	s := c.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; !ok {
		return false
	}
	delete(s.m, id)
	return true
}

func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry until fn returns false. Entries merged
// concurrently may or may not be visited.
func (c *Cache) Range(fn func(track.Record) bool) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		batch := make([]track.Record, 0, len(s.m))
		for _, r := range s.m {
			batch = append(batch, r)
		}
		s.mu.RUnlock()
		for _, r := range batch {
			if !fn(r) {
				return
			}
		}
	}
}

func (c *Cache) Snapshot() []track.Record {
	out := make([]track.Record, 0, c.Len())
	c.Range(func(r track.Record) bool {
		out = append(out, r)
		return true
	})
	return out
}

// deleteIf removes id only if pred still holds for the current entry.
func (c *Cache) deleteIf(id string, pred func(track.Record) bool) bool {
	s := c.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[id]
	if !ok || !pred(cur) {
		return false
	}
	delete(s.m, id)
	return true
}
