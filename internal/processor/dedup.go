// Package processor consumes raw events from the bus and drives them
// through enrichment, archival, indexing, detection and response.
package processor

import (
	"context"
	"log"
	"sync"
	"time"
)

// DedupCache suppresses events whose fingerprint was seen within the
// window. Suppression is best-effort: entries live in process memory
// and a restart forgets them.
type DedupCache struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]time.Time
	logger  *log.Logger
	now     func() time.Time
}

func NewDedupCache(window time.Duration) *DedupCache {
	return &DedupCache{
		window:  window,
		entries: make(map[string]time.Time),
		logger:  log.New(log.Writer(), "[DEDUP] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Seen reports whether the fingerprint is inside its window.
func (c *DedupCache) Seen(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.entries[fingerprint]
	if !ok {
		return false
	}
	if c.now().Sub(at) > c.window {
		delete(c.entries, fingerprint)
		return false
	}
	return true
}

// Mark records the fingerprint as seen now.
func (c *DedupCache) Mark(fingerprint string) {
	c.mu.Lock()
	c.entries[fingerprint] = c.now()
	c.mu.Unlock()
}

// Len reports the live entry count, expired entries included until the
// next sweep.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps expired entries on the given interval until ctx ends.
func (c *DedupCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *DedupCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.window)
	removed := 0
	for fp, at := range c.entries {
		if at.Before(cutoff) {
			delete(c.entries, fp)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Printf("🧹 swept %d expired fingerprints, %d live", removed, len(c.entries))
	}
}
