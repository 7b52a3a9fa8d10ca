// Package cache is the fingerprint→result store on the real-time
// request path: TTL expiry, LRU eviction, and a single-flight
// guarantee so concurrent identical queries trigger exactly one
// downstream resolution.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/telemetry"
)

// Defaults per engine configuration.
const (
	DefaultTTL  = 300 * time.Second
	DefaultSize = 10_000
)

// Fingerprint returns the stable digest of a normalized query: the
// SHA-256 of its canonical JSON form. Two queries that normalize equal
// fingerprint equal.
func Fingerprint(norm model.Identity) string {
	// encoding/json marshals struct fields in declaration order, so
	// the byte form is deterministic for a given normalized record.
	b, _ := json.Marshal(norm)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type entry struct {
	key       string
	result    model.MatchResult
	expiresAt time.Time
}

// Cache is a TTL+LRU result cache, safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	ttl     time.Duration
	size    int

	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a cache. Non-positive ttl or size fall back to defaults.
func New(ttl time.Duration, size int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if size <= 0 {
		size = DefaultSize
	}
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		size:    size,
		done:    make(chan struct{}),
	}
	c.registerMetrics()
	go c.sweepLoop()
	return c
}

// Get returns the cached result for a fingerprint. Expired entries are
// removed lazily and report a miss.
func (c *Cache) Get(key string) (model.MatchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return model.MatchResult{}, false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.removeLocked(el)
		c.misses.Add(1)
		return model.MatchResult{}, false
	}
	c.order.MoveToFront(el)
	c.hits.Add(1)
	return e.result, true
}

// Put inserts a result with the default TTL, evicting the least
// recently used entry when at capacity.
func (c *Cache) Put(key string, result model.MatchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.result = result
		e.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	for len(c.entries) >= c.size {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
	el := c.order.PushFront(&entry{key: key, result: result, expiresAt: time.Now().Add(c.ttl)})
	c.entries[key] = el
}

// GetOrCompute returns the cached result for key, or runs compute
// exactly once across concurrent callers and caches its result.
// Cancellation of one waiter does not cancel the shared computation:
// compute runs on a context detached from the caller's cancellation
// (values preserved), and each waiter honors its own ctx.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (model.MatchResult, error)) (model.MatchResult, bool, error) {
	if res, ok := c.Get(key); ok {
		res.CacheHit = true
		return res, true, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		res, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return model.MatchResult{}, err
		}
		c.Put(key, res)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return model.MatchResult{}, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return model.MatchResult{}, false, r.Err
		}
		return r.Val.(model.MatchResult), false, nil
	}
}

// Len returns the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HitRate returns hits/(hits+misses), zero before any traffic.
func (c *Cache) HitRate() float64 {
	h, m := c.hits.Load(), c.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.entries, e.key)
	c.order.Remove(el)
}

// sweepLoop drops expired entries periodically so idle caches do not
// pin memory until the next Get.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for el := c.order.Back(); el != nil; {
				prev := el.Prev()
				if now.After(el.Value.(*entry).expiresAt) {
					c.removeLocked(el)
				}
				el = prev
			}
			c.mu.Unlock()
		}
	}
}

func (c *Cache) registerMetrics() {
	meter := telemetry.Meter("idxr/cache")
	_, _ = meter.Int64ObservableGauge("idxr.cache.entries",
		metric.WithDescription("Live result cache entries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("idxr.cache.hits_total",
		metric.WithDescription("Cumulative cache hits"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.hits.Load())
			return nil
		}),
	)
}
