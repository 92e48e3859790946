package dispatch

import (
	"fmt"
	"time"
)

const throttleWindow = time.Second

// GlobalThrottle counts dispatches in the trailing one-second window.
//
// Timestamps live in a ring sized to the limit, so memory is bounded and
// pruning is O(expired). Not safe for concurrent use; the worker owns it.
type GlobalThrottle struct {
	limit int
	ring  []time.Time
	head  int // oldest entry
	n     int
}

func NewGlobalThrottle(limit int) (*GlobalThrottle, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: global rate must be > 0, got %d", ErrInvalidConfig, limit)
	}
	return &GlobalThrottle{limit: limit, ring: make([]time.Time, limit)}, nil
}

// prune drops entries that left the window: now - t >= 1s.
func (g *GlobalThrottle) prune(now time.Time) {
	for g.n > 0 && now.Sub(g.ring[g.head]) >= throttleWindow {
		g.ring[g.head] = time.Time{}
		g.head = (g.head + 1) % len(g.ring)
		g.n--
	}
}

// CanDispatch reports whether one more dispatch at now stays within the limit.
// Pruning only forgets expired entries, so repeated probes agree.
func (g *GlobalThrottle) CanDispatch(now time.Time) bool {
	g.prune(now)
	return g.n < g.limit
}

// Record notes a dispatch at now. Callers probe with CanDispatch first; a
// Record on a full window evicts the oldest entry.
func (g *GlobalThrottle) Record(now time.Time) {
	g.prune(now)
	if g.n == g.limit {
		g.head = (g.head + 1) % len(g.ring)
		g.n--
	}
	g.ring[(g.head+g.n)%len(g.ring)] = now
	g.n++
}

// NextAvailable returns the earliest instant at which CanDispatch holds:
// now when there is room, otherwise when the oldest entry leaves the window.
func (g *GlobalThrottle) NextAvailable(now time.Time) time.Time {
	g.prune(now)
	if g.n < g.limit {
		return now
	}
	return g.ring[g.head].Add(throttleWindow)
}

// Len returns the number of dispatches inside the window ending at now.
func (g *GlobalThrottle) Len(now time.Time) int {
	g.prune(now)
	return g.n
}

func (g *GlobalThrottle) Limit() int { return g.limit }
