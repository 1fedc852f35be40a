// Package dedup suppresses repeated processing of platform message IDs
// within a time window.
//
// Invariants:
// - An entry older than the TTL never suppresses a new delivery.
// - Eviction is lazy: it runs when the table reaches the threshold, never on a timer.
package dedup

import (
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a processed ID suppresses redeliveries.
	DefaultTTL = 5 * time.Minute
	// DefaultThreshold is the table size that triggers an eviction pass.
	DefaultThreshold = 500
)

// Options configures a Cache.
type Options struct {
	TTL       time.Duration
	Threshold int
	Now       func() time.Time
}

// Cache records recently processed message IDs. It is safe for concurrent use
// within one process; it is not a cross-process dedup store.
type Cache struct {
	ttl       time.Duration
	threshold int
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
	sweeps  int
}

// New creates a Cache, filling zero options with defaults.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		ttl:       opts.TTL,
		threshold: opts.Threshold,
		now:       opts.Now,
		entries:   make(map[string]time.Time),
	}
}

// MarkProcessed records id with the current time.
func (c *Cache) MarkProcessed(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(id, c.now())
}

// Seen reports whether id was marked within the TTL.
func (c *Cache) Seen(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenLocked(id, c.now())
}

// Observe checks and marks id under a single lock. It returns false the first
// time an id is observed and true for every repeat inside the TTL, so two
// deliveries racing for the same id are always ordered.
func (c *Cache) Observe(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.seenLocked(id, now) {
		return true
	}
	c.markLocked(id, now)
	return false
}

// Forget removes id so the next delivery of it is processed again.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweeps returns how many eviction passes have run.
func (c *Cache) Sweeps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweeps
}

// Reset drops every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]time.Time)
	c.sweeps = 0
}

func (c *Cache) seenLocked(id string, now time.Time) bool {
	at, ok := c.entries[id]
	if !ok {
		return false
	}
	return now.Sub(at) < c.ttl
}

func (c *Cache) markLocked(id string, now time.Time) {
	if len(c.entries) >= c.threshold {
		c.evictLocked(now)
	}
	c.entries[id] = now
}

func (c *Cache) evictLocked(now time.Time) {
	for id, at := range c.entries {
		if now.Sub(at) >= c.ttl {
			delete(c.entries, id)
		}
	}
	c.sweeps++
}
