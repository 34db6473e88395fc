package raftstate

import "github.com/shardkit/raft/internal/raftpb"

// tailCache keeps the most recently appended log items in memory so the
// replication manager's common-case path (sending a follower the next few
// entries past its matchIndex) never has to read the log store back off
// disk (spec.md §4.2 "Tail cache").
type tailCache struct {
	capacity int
	items    map[uint64]*raftpb.LogItem
	lowest   uint64
	highest  uint64
	hasAny   bool
}

func newTailCache(capacity int) *tailCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &tailCache{capacity: capacity, items: make(map[uint64]*raftpb.LogItem, capacity)}
}

// push records item as the new tail, evicting the oldest entry once the
// cache is over capacity.
func (c *tailCache) push(item *raftpb.LogItem) {
	c.items[item.Index] = item
	if !c.hasAny {
		c.lowest = item.Index
		c.hasAny = true
	}
	c.highest = item.Index

	for c.highest-c.lowest+1 > uint64(c.capacity) {
		delete(c.items, c.lowest)
		c.lowest++
	}
}

// get returns the cached item at idx, if still resident.
func (c *tailCache) get(idx uint64) (*raftpb.LogItem, bool) {
	item, ok := c.items[idx]
	return item, ok
}

// truncateFrom drops every cached entry at or after idx, used when a
// follower's log is truncated to resolve a conflict.
func (c *tailCache) truncateFrom(idx uint64) {
	if !c.hasAny {
		return
	}
	for i := idx; i <= c.highest; i++ {
		delete(c.items, i)
	}
	if idx <= c.lowest {
		c.hasAny = false
		c.items = make(map[uint64]*raftpb.LogItem, c.capacity)
		return
	}
	c.highest = idx - 1
}
