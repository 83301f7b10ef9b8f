// Package inflight provides a deduplicating creation cache: concurrent
// callers with the same key share a single in-flight factory invocation.
package inflight

import (
	"sync"
	"time"
)

const (
	// DefaultTTL is the maximum age of an entry before the sweep purges it.
	DefaultTTL = 10 * time.Second

	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = 5 * time.Second
)

// entry tracks one in-flight factory invocation.
type entry[V any] struct {
	done      chan struct{}
	val       V
	err       error
	createdAt time.Time
}

// Cache deduplicates concurrent GetOrCreate calls per key. It does not
// memoize results: the owning call removes its entry as soon as the factory
// completes, so a later call with the same key invokes the factory again.
// A background sweep purges entries older than the TTL regardless of
// completion state, bounding memory growth from abandoned keys.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	ttl     time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Cache and starts its background sweep. Non-positive values
// fall back to the defaults. Call Close when the cache is no longer needed.
func New[V any](ttl, sweepInterval time.Duration) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}

	go c.sweepLoop(sweepInterval)

	return c
}

// GetOrCreate returns the outcome for key. If a non-expired entry is already
// in flight, the call waits for it and shares its result, including any
// error. Otherwise the factory runs exactly once for this entry, and the
// entry is removed as soon as it completes.
func (c *Cache[V]) GetOrCreate(key string, factory func() (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Since(e.createdAt) < c.ttl {
		c.mu.Unlock()
		<-e.done
		return e.val, e.err
	}

	e := &entry[V]{
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	c.entries[key] = e
	c.mu.Unlock()

	e.val, e.err = factory()
	close(e.done)

	c.mu.Lock()
	// Remove only our own entry; the sweep may already have replaced it.
	if c.entries[key] == e {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	return e.val, e.err
}

// Len returns the number of outstanding entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the background sweep. Outstanding entries are left to their
// owning GetOrCreate calls.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Cache[V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache[V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if time.Since(e.createdAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
}
