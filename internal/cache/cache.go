// Package cache keeps recently loaded partitions in memory so repeated
// passes over the same spilled dataset do not re-read them from disk.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/tessera-etl/tessera/pkg/types"
)

// Provider mirrors the executor's partition provider contract.
type Provider interface {
	NumPartitions() int
	Partition(ctx context.Context, index int) (*types.Partition, error)
}

// Metrics holds cache counters for observability.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
}

// PartitionCache is a row-bounded LRU over loaded partitions. It delegates
// misses to the underlying provider and dedupes concurrent loads of the same
// index, so it can sit directly under the worker pool. Cached partitions are
// shared between callers and must be treated as read-only.
type PartitionCache struct {
	provider Provider
	maxRows  int64
	metrics  Metrics

	group singleflight.Group

	mu      sync.Mutex
	entries map[int]*list.Element
	lru     *list.List // front is most recently used
	rows    int64
}

type cacheEntry struct {
	index int
	part  *types.Partition
}

// NewPartitionCache wraps a provider with an LRU holding at most maxRows
// records. A partition larger than the whole budget is served but never
// cached.
func NewPartitionCache(provider Provider, maxRows int64) (*PartitionCache, error) {
	if maxRows <= 0 {
		return nil, fmt.Errorf("cache: maxRows must be positive, got %d", maxRows)
	}
	return &PartitionCache{
		provider: provider,
		maxRows:  maxRows,
		entries:  make(map[int]*list.Element),
		lru:      list.New(),
	}, nil
}

// NumPartitions returns the partition count of the underlying provider.
func (c *PartitionCache) NumPartitions() int {
	return c.provider.NumPartitions()
}

// Partition returns the cached partition at index, loading it on a miss.
func (c *PartitionCache) Partition(ctx context.Context, index int) (*types.Partition, error) {
	c.mu.Lock()
	if el, ok := c.entries[index]; ok {
		c.lru.MoveToFront(el)
		c.mu.Unlock()
		c.metrics.Hits.Add(1)
		return el.Value.(*cacheEntry).part, nil
	}
	c.mu.Unlock()
	c.metrics.Misses.Add(1)

	v, err, _ := c.group.Do(strconv.Itoa(index), func() (interface{}, error) {
		part, err := c.provider.Partition(ctx, index)
		if err != nil {
			return nil, err
		}
		c.insert(index, part)
		return part, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Partition), nil
}

func (c *PartitionCache) insert(index int, part *types.Partition) {
	n := int64(part.Len())
	if n > c.maxRows {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[index]; ok {
		c.lru.MoveToFront(el)
		return
	}
	c.entries[index] = c.lru.PushFront(&cacheEntry{index: index, part: part})
	c.rows += n
	for c.rows > c.maxRows {
		c.evictOldest()
	}
}

// evictOldest drops the least recently used entry. Callers hold c.mu.
func (c *PartitionCache) evictOldest() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	e := back.Value.(*cacheEntry)
	c.lru.Remove(back)
	delete(c.entries, e.index)
	c.rows -= int64(e.part.Len())
	c.metrics.Evictions.Add(1)
}

// Clear drops every cached partition.
func (c *PartitionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int]*list.Element)
	c.lru.Init()
	c.rows = 0
}

// Len returns the number of cached partitions.
func (c *PartitionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Rows returns the number of cached records.
func (c *PartitionCache) Rows() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	Rows      int64
}

// Stats returns current counters.
func (c *PartitionCache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	rows := c.rows
	c.mu.Unlock()
	return Stats{
		Hits:      c.metrics.Hits.Load(),
		Misses:    c.metrics.Misses.Load(),
		Evictions: c.metrics.Evictions.Load(),
		Entries:   entries,
		Rows:      rows,
	}
}

// HitRate returns the hit rate as a percentage.
func (c *PartitionCache) HitRate() float64 {
	hits := c.metrics.Hits.Load()
	misses := c.metrics.Misses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}
