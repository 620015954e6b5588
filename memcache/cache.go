// Package memcache implements the bounded, cost-based LRU memory cache of
// decoded image containers (§4.3): a concurrent-safe map plus a separate
// LRU list guarded by a short critical section, per the teacher's design
// notes and grounded on cluster/lom_cache_hk.go's atime-based eviction and
// memory-pressure-tiered sweep idiom, generalized from LOM metadata
// eviction to decoded-container eviction.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package memcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/NVIDIA/nuke"
	"github.com/golang/glog"
)

// CostFunc computes the byte cost of a container: bytes-per-pixel x width x
// height for decoded images, 1 for opaque blobs. §9 resolves the open
// question on skipDecompression: callers should return a conservative
// (larger) estimate when an image's decompressed size is unknown.
type CostFunc func(c *nuke.ImageContainer) int64

// DefaultCostFunc charges 4 bytes/pixel (RGBA) for a known-dimension image,
// a conservative 1MiB placeholder for an image whose width or height is not
// positive, and 1 for a container with no Image at all (an opaque blob).
func DefaultCostFunc(c *nuke.ImageContainer) int64 {
	if c.Image == nil {
		return 1
	}
	w, h := c.Image.Width(), c.Image.Height()
	if w <= 0 || h <= 0 {
		return 1 << 20
	}
	return int64(w) * int64(h) * 4
}

type entry struct {
	key        string
	container  *nuke.ImageContainer
	cost       int64
	expiresAt  time.Time
	hasTTL     bool
	lastAccess time.Time
}

// Options configures a Cache.
type Options struct {
	CostLimit      int64         // total cost bound
	CountLimit     int           // total entry-count bound
	EntryCostLimit float64       // fraction of CostLimit a single entry may occupy; default 0.1
	CostFunc       CostFunc      // default DefaultCostFunc
	DefaultTTL     time.Duration // 0 disables TTL by default; Put callers can still override per-entry
}

// Cache is a bounded, concurrent-safe LRU keyed store of decoded
// containers. It satisfies nuke.ImageCaching.
type Cache struct {
	mu       sync.Mutex
	index    map[string]*list.Element
	lru      *list.List // front = most recently used
	curCost  int64
	opts     Options
}

func New(opts Options) *Cache {
	if opts.CostFunc == nil {
		opts.CostFunc = DefaultCostFunc
	}
	if opts.EntryCostLimit <= 0 {
		opts.EntryCostLimit = 0.1
	}
	return &Cache{
		index: make(map[string]*list.Element),
		lru:   list.New(),
		opts:  opts,
	}
}

// Get returns the cached container for key, or (nil, false) on a miss or an
// expired entry (removed lazily).
func (c *Cache) Get(key string) (*nuke.ImageContainer, bool) {
	c.mu.Lock()
	el, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	e := el.Value.(*entry)
	if e.hasTTL && time.Now().After(e.expiresAt) {
		c.removeElementLocked(el)
		c.mu.Unlock()
		return nil, false
	}
	e.lastAccess = time.Now()
	c.lru.MoveToFront(el)
	container := e.container
	c.mu.Unlock()
	return container, true
}

// Put inserts or replaces key's entry. Cost is computed before acquiring
// the lock so the critical section never runs user cost-estimation code.
func (c *Cache) Put(key string, container *nuke.ImageContainer) {
	c.PutWithTTL(key, container, 0)
}

// PutWithTTL is Put with a per-entry expiration; ttl == 0 uses the cache's
// DefaultTTL (itself possibly 0, meaning no expiration).
func (c *Cache) PutWithTTL(key string, container *nuke.ImageContainer, ttl time.Duration) {
	cost := c.opts.CostFunc(container)
	if c.opts.CostLimit > 0 && float64(cost) > float64(c.opts.CostLimit)*c.opts.EntryCostLimit {
		if glog.V(4) {
			glog.Infof("memcache: skipping %q, cost %d exceeds per-entry limit", key, cost)
		}
		return
	}
	if ttl == 0 {
		ttl = c.opts.DefaultTTL
	}

	now := time.Now()
	e := &entry{key: key, container: container, cost: cost, lastAccess: now}
	if ttl > 0 {
		e.hasTTL = true
		e.expiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	if old, ok := c.index[key]; ok {
		c.removeElementLocked(old)
	}
	el := c.lru.PushFront(e)
	c.index[key] = el
	c.curCost += cost
	c.evictLocked()
	c.mu.Unlock()
}

// Remove deletes key's entry; a missing key is a no-op.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		c.removeElementLocked(el)
	}
	c.mu.Unlock()
}

// RemoveAll drops every entry.
func (c *Cache) RemoveAll() {
	c.mu.Lock()
	c.index = make(map[string]*list.Element)
	c.lru.Init()
	c.curCost = 0
	c.mu.Unlock()
}

// DropAll is RemoveAll under another name, invoked by the memory-pressure
// monitor: "under platform memory pressure the cache MUST drop all entries".
func (c *Cache) DropAll() {
	glog.Warningf("memcache: dropping all entries (memory pressure)")
	c.RemoveAll()
}

// CurrentCost reports the cache's current total cost, for tests/metrics.
func (c *Cache) CurrentCost() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curCost
}

// Len reports the current entry count, for tests/metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) removeElementLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.index, e.key)
	c.lru.Remove(el)
	c.curCost -= e.cost
}

// evictLocked removes least-recently-used entries until both bounds hold.
// Must be called with c.mu held.
func (c *Cache) evictLocked() {
	for (c.opts.CostLimit > 0 && c.curCost > c.opts.CostLimit) ||
		(c.opts.CountLimit > 0 && len(c.index) > c.opts.CountLimit) {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.removeElementLocked(back)
	}
}
