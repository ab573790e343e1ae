package bus

import (
	"sync"
	"time"
)

// DedupeCache is a TTL set used to suppress duplicate message deliveries.
// Entries expire after the window and the cache is capped; when full, the
// oldest entries are evicted first.
type DedupeCache struct {
	window     time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]time.Time
	done    chan struct{}
	once    sync.Once
}

// NewDedupeCache creates a cache whose entries expire after window, holding
// at most maxEntries keys. A background sweeper evicts expired entries.
func NewDedupeCache(window time.Duration, maxEntries int) *DedupeCache {
	c := &DedupeCache{
		window:     window,
		maxEntries: maxEntries,
		entries:    make(map[string]time.Time),
		done:       make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Seen records key and reports whether it was already present and unexpired.
// The check and insert are atomic, so concurrent deliveries of the same key
// admit exactly one caller.
func (c *DedupeCache) Seen(key string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.entries[key]; ok && now.Sub(at) < c.window {
		return true
	}
	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = now
	return false
}

// Forget removes key so a later delivery is admitted again.
func (c *DedupeCache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the current entry count.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop terminates the background sweeper.
func (c *DedupeCache) Stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *DedupeCache) sweep() {
	interval := c.window / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.window)
			c.mu.Lock()
			for k, at := range c.entries {
				if at.Before(cutoff) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *DedupeCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, at := range c.entries {
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = k, at
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
