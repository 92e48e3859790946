package dispatch

import (
	"fmt"
	"sync"
	"time"
)

// pruneEvery is how many Records pass between sweeps of stale chat entries.
const pruneEvery = 256

// CooldownTracker remembers the last dispatch per chat and any retry hold.
//
// The worker writes; producers read at enqueue time to compute ReadyAt.
type CooldownTracker struct {
	cooldown time.Duration

	mu      sync.RWMutex
	last    map[int64]time.Time
	hold    map[int64]time.Time
	records int
}

func NewCooldownTracker(cooldown time.Duration) (*CooldownTracker, error) {
	if cooldown < 0 {
		return nil, fmt.Errorf("%w: chat cooldown must be >= 0, got %s", ErrInvalidConfig, cooldown)
	}
	return &CooldownTracker{
		cooldown: cooldown,
		last:     make(map[int64]time.Time),
		hold:     make(map[int64]time.Time),
	}, nil
}

// NextEligible returns the earliest instant a dispatch to chatID may happen:
// now, pushed back by the cooldown after the last dispatch and by any retry hold.
func (c *CooldownTracker) NextEligible(chatID int64, now time.Time) time.Time {
	c.mu.RLock()
	last, seen := c.last[chatID]
	hold := c.hold[chatID]
	c.mu.RUnlock()

	next := now
	if seen {
		if t := last.Add(c.cooldown); t.After(next) {
			next = t
		}
	}
	if hold.After(next) {
		next = hold
	}
	return next
}

// Record notes a dispatch to chatID at now and releases any hold that has expired.
func (c *CooldownTracker) Record(chatID int64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.last[chatID]; !ok || now.After(prev) {
		c.last[chatID] = now
	}
	if h, ok := c.hold[chatID]; ok && !h.After(now) {
		delete(c.hold, chatID)
	}
	c.records++
	if c.records%pruneEvery == 0 {
		c.pruneLocked(now)
	}
}

// Hold keeps chatID ineligible until at least until. Holds only ever extend.
func (c *CooldownTracker) Hold(chatID int64, until time.Time) {
	c.mu.Lock()
	if until.After(c.hold[chatID]) {
		c.hold[chatID] = until
	}
	c.mu.Unlock()
}

// Prune forgets chats whose cooldown and hold have both elapsed at now.
// Forgetting such an entry does not change NextEligible for any later time.
func (c *CooldownTracker) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(now)
}

func (c *CooldownTracker) pruneLocked(now time.Time) int {
	removed := 0
	for id, t := range c.last {
		if now.Sub(t) >= c.cooldown {
			delete(c.last, id)
			removed++
		}
	}
	for id, t := range c.hold {
		if !t.After(now) {
			delete(c.hold, id)
		}
	}
	return removed
}

// Len returns how many chats currently have a remembered dispatch.
func (c *CooldownTracker) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.last)
}

func (c *CooldownTracker) Cooldown() time.Duration { return c.cooldown }
