package cache

import (
	"bytes"
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/dandantas/quantflow/internal/model"
)

const shardCount = 32

type item struct {
	value     []byte
	createdAt time.Time
	ttl       time.Duration
}

func (it item) expired(now time.Time) bool {
	return !now.Before(it.createdAt.Add(it.ttl))
}

type shard struct {
	mu    sync.RWMutex
	items map[string]item
}

// MemoryCache is a sharded in-process ResultCache.
// Values are kept as encoded bytes so every hit decodes to an identical value.
type MemoryCache struct {
	shards [shardCount]*shard
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryCache creates a cache whose entries live for ttl
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	c := &MemoryCache{ttl: ttl, now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]item)}
	}
	return c
}

// WithClock replaces the time source
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Lookup returns the live value for key.
// An expired entry is evicted on the way out; an absent key changes nothing.
func (c *MemoryCache) Lookup(ctx context.Context, key string) (*model.BacktestResult, bool, error) {
	sh := c.shardFor(key)
	now := c.now()

	sh.mu.RLock()
	it, ok := sh.items[key]
	sh.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if it.expired(now) {
		sh.mu.Lock()
		if cur, still := sh.items[key]; still && cur.expired(now) {
			delete(sh.items, key)
		}
		sh.mu.Unlock()
		return nil, false, nil
	}

	v, err := decode(it.value)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Store writes value under key unless an equal value is already live
func (c *MemoryCache) Store(ctx context.Context, key string, value *model.BacktestResult) error {
	b, err := encode(value)
	if err != nil {
		return err
	}

	sh := c.shardFor(key)
	now := c.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cur, ok := sh.items[key]; ok && !cur.expired(now) {
		if bytes.Equal(cur.value, b) {
			return nil
		}
		return &model.CachePoisoningError{Key: key}
	}
	sh.items[key] = item{value: b, createdAt: now, ttl: c.ttl}
	return nil
}

// Sweep evicts every expired entry, one shard at a time
func (c *MemoryCache) Sweep(ctx context.Context) (int, error) {
	removed := 0
	for _, sh := range c.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		now := c.now()
		sh.mu.Lock()
		for k, it := range sh.items {
			if it.expired(now) {
				delete(sh.items, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of stored entries, expired or not
func (c *MemoryCache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}
