package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	items   map[string]ttlEntry[V]
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
	now     func() time.Time

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTTL creates a TTL cache. When cleanupInterval is positive a goroutine
// sweeps expired entries on that tick until ctx is done or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) (Cache[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("ttl must be positive, got %v", ttl),
			"cache", "NewTTL", "validate ttl")
	}
	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewTTL", "metrics registration")
		}
	}

	c := &ttlCache[V]{
		ttl:      ttl,
		items:    make(map[string]ttlEntry[V]),
		stats:    NewStatistics(),
		metrics:  metrics,
		evictFn:  opts.evictCallback,
		now:      opts.clock,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go c.cleanup(ctx, cleanupInterval)
	} else {
		close(c.done)
	}
	return c, nil
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.items[key]
	c.mu.Unlock()

	if !ok || !now.Before(entry.expiresAt) {
		var zero V
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		return zero, false
	}

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return entry.value, true
}

func (c *ttlCache[V]) Set(key string, value V) error {
	if err := validateKey(key); err != nil {
		return err
	}
	now := c.now()

	c.mu.Lock()
	c.items[key] = ttlEntry[V]{value: value, expiresAt: now.Add(c.ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.recordSet(size)
	return nil
}

func (c *ttlCache[V]) SetIfAbsentAt(key string, value V, now time.Time) (bool, V, error) {
	var zero V
	if err := validateKey(key); err != nil {
		return false, zero, err
	}

	c.mu.Lock()
	if entry, ok := c.items[key]; ok && now.Before(entry.expiresAt) {
		c.mu.Unlock()
		c.stats.Hit()
		if c.metrics != nil {
			c.metrics.hits.Inc()
		}
		return false, entry.value, nil
	}
	c.items[key] = ttlEntry[V]{value: value, expiresAt: now.Add(c.ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Miss()
	c.recordSet(size)
	return true, zero, nil
}

func (c *ttlCache[V]) recordSet(size int) {
	c.stats.Set(size)
	if c.metrics != nil {
		c.metrics.sets.Inc()
		c.metrics.size.Set(float64(size))
	}
}

func (c *ttlCache[V]) Delete(key string) bool {
	c.mu.Lock()
	_, ok := c.items[key]
	delete(c.items, key)
	size := len(c.items)
	c.mu.Unlock()

	if ok {
		c.stats.Resize(size)
		if c.metrics != nil {
			c.metrics.size.Set(float64(size))
		}
	}
	return ok
}

func (c *ttlCache[V]) RemoveExpired(now time.Time) int {
	type evicted struct {
		key   string
		value V
	}
	var expired []evicted

	c.mu.Lock()
	for key, entry := range c.items {
		if !now.Before(entry.expiresAt) {
			expired = append(expired, evicted{key, entry.value})
			delete(c.items, key)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	c.stats.Evict(len(expired), size)
	if c.metrics != nil {
		c.metrics.evictions.Add(float64(len(expired)))
		c.metrics.size.Set(float64(size))
	}
	if c.evictFn != nil {
		for _, e := range expired {
			c.evictFn(e.key, e.value)
		}
	}
	return len(expired)
}

func (c *ttlCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ttlCache[V]) Stats() *Statistics {
	return c.stats
}

func (c *ttlCache[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

func (c *ttlCache[V]) cleanup(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.RemoveExpired(c.now())
		}
	}
}
