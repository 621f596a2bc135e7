// Package subscription serves the composed subscription state through a
// process-local cache and keeps that cache coherent with credit and
// subscription writes.
package subscription

import (
	"context"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"billingengine/internal/types"
)

const (
	DefaultCacheTTL  = 120 * time.Second
	DefaultCacheSize = 10000

	// loads are detached from the caller and bounded by this
	loadTimeout = 5 * time.Second
)

// LoadFunc produces a fresh state for an identity.
type LoadFunc func(ctx context.Context, identityID string) (*types.SubscriptionState, error)

// CacheMetrics receives hit and miss counts.
type CacheMetrics interface {
	RecordCacheLookup(hit bool)
}

type noopCacheMetrics struct{}

func (noopCacheMetrics) RecordCacheLookup(bool) {}

// Cache is a TTL-bounded LRU of subscription states keyed by identity id.
// Entries are replaced or dropped, never mutated.
//
// Every Invalidate stamps the identity with a fresh epoch. A load remembers
// the epoch it started under and only stores its result if the epoch is
// unchanged, so a read that began before a write can never put pre-write
// state back into the cache. Concurrent misses for the same identity and
// epoch share one load.
type Cache struct {
	entries *lru.LRU[string, *types.SubscriptionState]
	group   singleflight.Group
	metrics CacheMetrics

	mu      sync.Mutex
	epochs  map[string]uint64
	counter uint64
	// epoch of any identity not present in epochs
	floor      uint64
	maxTracked int
}

// NewCache creates a cache holding up to size entries for ttl each.
func NewCache(size int, ttl time.Duration, metrics CacheMetrics) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if metrics == nil {
		metrics = noopCacheMetrics{}
	}
	return &Cache{
		entries:    lru.NewLRU[string, *types.SubscriptionState](size, nil, ttl),
		metrics:    metrics,
		epochs:     make(map[string]uint64),
		maxTracked: size * 4,
	}
}

// Get returns the cached state for identityID, or calls load on a miss. The
// returned value is a copy the caller may keep.
func (c *Cache) Get(ctx context.Context, identityID string, load LoadFunc) (*types.SubscriptionState, error) {
	if st, ok := c.entries.Get(identityID); ok {
		c.metrics.RecordCacheLookup(true)
		return cloneState(st), nil
	}
	c.metrics.RecordCacheLookup(false)

	epoch := c.epoch(identityID)
	key := identityID + "@" + strconv.FormatUint(epoch, 10)

	ch := c.group.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		st, err := load(lctx, identityID)
		if err != nil {
			return nil, err
		}
		c.store(identityID, epoch, st)
		return st, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneState(res.Val.(*types.SubscriptionState)), nil
	}
}

// Invalidate drops the identity's entry and fences off loads already in
// flight for it.
func (c *Cache) Invalidate(identityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	if len(c.epochs) >= c.maxTracked {
		c.epochs = make(map[string]uint64)
		c.floor = c.counter
	}
	c.epochs[identityID] = c.counter
	c.entries.Remove(identityID)
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) epoch(identityID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochLocked(identityID)
}

func (c *Cache) epochLocked(identityID string) uint64 {
	if e, ok := c.epochs[identityID]; ok {
		return e
	}
	return c.floor
}

func (c *Cache) store(identityID string, epoch uint64, st *types.SubscriptionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochLocked(identityID) != epoch {
		return
	}
	c.entries.Add(identityID, st)
}

func cloneState(st *types.SubscriptionState) *types.SubscriptionState {
	cp := *st
	cp.Features = st.Features.Clone()
	return &cp
}
