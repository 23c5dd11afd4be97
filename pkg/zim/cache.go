package zim

import (
	"container/list"
	"sync"

	"golang.org/x/sync/singleflight"
)

// CostEstimator assigns a cache accounting cost to a value produced by
// Cache.GetOrPut. Cluster uses MemoryCost(); callers caching other shapes
// can supply their own.
type CostEstimator func(value any) uint64

// entry is one node stored in the LRU list.
type entry struct {
	key   string
	value any
	cost  uint64
}

// Cache is a concurrent, cost-bound LRU used to hold materialized
// clusters (and other expensive-to-build values) in memory. Lookups that
// miss are deduplicated with singleflight so that concurrent callers
// requesting the same key trigger exactly one factory call; this is the
// "at-most-one materialization" contract required of the cluster cache.
//
// The cache's mutex only ever guards the index (the map and LRU list),
// never a factory call: a slow factory blocks only the callers waiting
// on that same key, not unrelated lookups.
type Cache struct {
	mu       sync.Mutex
	maxCost  uint64
	curCost  uint64
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	group    singleflight.Group
	estimate CostEstimator
}

// NewCache creates a cache with the given maximum total cost and cost
// estimator. A maxCost of 0 means unbounded.
func NewCache(maxCost uint64, estimate CostEstimator) *Cache {
	return &Cache{
		maxCost:  maxCost,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		estimate: estimate,
	}
}

// SetMaxCost changes the cache's budget, evicting immediately if the
// cache is already over the new limit.
func (c *Cache) SetMaxCost(maxCost uint64) {
	c.mu.Lock()
	c.maxCost = maxCost
	c.evictLocked()
	c.mu.Unlock()
}

// Get returns the cached value for key, if present, marking it
// most-recently-used.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Drop evicts key from the cache, if present.
func (c *Cache) Drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// GetOrPut returns the cached value for key, building it with factory on
// a miss. Concurrent calls for the same key that miss share a single
// factory invocation: only the caller that actually runs factory pays
// its cost, and every caller (including the one that lost the race)
// receives the same resulting value.
func (c *Cache) GetOrPut(key string, factory func() (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := factory()
		if err != nil {
			return nil, err
		}
		c.put(key, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Cache) put(key string, value any) {
	cost := uint64(0)
	if c.estimate != nil {
		cost = c.estimate(value)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		old := el.Value.(*entry)
		c.curCost -= old.cost
		old.value = value
		old.cost = cost
		c.curCost += cost
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&entry{key: key, value: value, cost: cost})
		c.items[key] = el
		c.curCost += cost
	}

	c.evictLocked()
}

// evictLocked drops least-recently-used entries until the cache is
// within budget. Called with mu held.
func (c *Cache) evictLocked() {
	if c.maxCost == 0 {
		return
	}
	for c.curCost > c.maxCost {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.removeLocked(back)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.items, e.key)
	c.order.Remove(el)
	c.curCost -= e.cost
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CurrentCost returns the sum of costs of all currently cached entries.
func (c *Cache) CurrentCost() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curCost
}

// ClusterCostEstimator adapts *Cluster.MemoryCost to a CostEstimator.
func ClusterCostEstimator(value any) uint64 {
	if c, ok := value.(*Cluster); ok {
		return c.MemoryCost()
	}
	return 0
}
