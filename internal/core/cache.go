package core

import (
	"sync"
	"time"
)

type entryState int

const (
	entryPending entryState = iota
	entryResolved
	entryFailed
)

type cacheEntry struct {
	state    entryState
	target   *ResolvedTarget
	flight   *flight
	failedAt time.Time
}

// ResolutionCache maps lookup strings to resolved, pending or failed
// entries. It is shared by every Resolver a Provider creates, so a
// reconnect to the same account keeps what was already resolved.
type ResolutionCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	now     func() time.Time
}

// NewResolutionCache creates an empty cache
func NewResolutionCache() *ResolutionCache {
	return &ResolutionCache{
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// claimResult is what claim found for a key
type claimResult struct {
	target  *ResolvedTarget
	flight  *flight // set when the caller must wait for a lookup
	started bool    // the caller's flight was installed and must be issued
	backoff bool    // a recent failure is still cooling down
}

// claim looks key up and installs f as its pending lookup when nothing
// usable is cached.
func (c *ResolutionCache) claim(key string, f *flight, retryAfter time.Duration) claimResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		switch e.state {
		case entryResolved:
			return claimResult{target: e.target}
		case entryPending:
			return claimResult{flight: e.flight}
		case entryFailed:
			if c.now().Sub(e.failedAt) < retryAfter {
				return claimResult{backoff: true}
			}
		}
	}

	c.entries[key] = &cacheEntry{state: entryPending, flight: f}
	return claimResult{flight: f, started: true}
}

// settle records the outcome of f. Outcomes of a flight that was replaced
// by a newer one are dropped. A nil target marks the key failed.
func (c *ResolutionCache) settle(key string, f *flight, target *ResolvedTarget) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.flight != f {
		return false
	}
	if target != nil {
		c.entries[key] = &cacheEntry{state: entryResolved, target: target}
		return true
	}
	if e.state == entryResolved {
		return false
	}
	e.state = entryFailed
	e.failedAt = c.now()
	return true
}

// drop forgets the entry of f unless it already resolved
func (c *ResolutionCache) drop(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && e.flight == f && e.state != entryResolved {
		delete(c.entries, key)
	}
}

// Get returns a resolved target for key
func (c *ResolutionCache) Get(key string) (*ResolvedTarget, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.state != entryResolved {
		return nil, false
	}
	return e.target, true
}

// Len returns the number of resolved entries
func (c *ResolutionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entries {
		if e.state == entryResolved {
			n++
		}
	}
	return n
}

// Purge forgets key so the next resolve asks the directory again
func (c *ResolutionCache) Purge(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && e.state != entryPending {
		delete(c.entries, key)
	}
}

// Clear forgets every settled entry. Pending lookups stay so their
// waiters still get an answer.
func (c *ResolutionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if e.state != entryPending {
			delete(c.entries, key)
		}
	}
}
