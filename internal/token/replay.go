package token

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// replayEntry is one row of the TokenReplayCache (spec.md §3): the jti's
// most recently observed source IP and the token's own expiry, after
// which the entry is evicted.
type replayEntry struct {
	sourceIP string
	exp      time.Time
	timer    *time.Timer
}

// ReplayCache deduplicates jti values. An RDP-ASSOCIATION token is the
// sole exception allowed to repeat, and only from the same source IP
// (spec.md §4.1 step 7, §8 property 1).
type ReplayCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*replayEntry
	now     func() time.Time
}

// NewReplayCache creates an empty cache.
func NewReplayCache() *ReplayCache {
	return &ReplayCache{
		entries: make(map[uuid.UUID]*replayEntry),
		now:     time.Now,
	}
}

// Check reports whether jti has been seen before, and if so, whether
// this particular (jti, sourceIP) combination is nonetheless allowed
// because it is an RDP association reconnecting from the same IP. On a
// fresh jti, it is inserted and Check returns (false, true).
func (c *ReplayCache) Check(jti uuid.UUID, sourceIP net.IP, exp time.Time, isRDPAssociation bool) (seenBefore bool, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[jti]
	if !ok {
		e := &replayEntry{sourceIP: sourceIP.String(), exp: exp}
		c.entries[jti] = e
		c.scheduleEviction(jti, exp)
		return false, true
	}

	if isRDPAssociation && entry.sourceIP == sourceIP.String() {
		return true, true
	}
	return true, false
}

// scheduleEviction arranges for jti to be forgotten once its token
// expires, so the cache doesn't grow unbounded (spec.md §4.1 step 7:
// "schedule eviction after exp").
func (c *ReplayCache) scheduleEviction(jti uuid.UUID, exp time.Time) {
	d := time.Until(exp)
	if d < 0 {
		d = 0
	}
	entry := c.entries[jti]
	entry.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		delete(c.entries, jti)
		c.mu.Unlock()
	})
}

// Len reports the number of tracked jti values, for tests/metrics.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops every pending eviction timer. Intended for tests and
// clean shutdown.
func (c *ReplayCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}
