package dispatch

import (
	"time"

	"digestbot/internal/transport"
)

// FailureClass separates failures worth retrying from those that are not.
type FailureClass int

const (
	FailurePermanent FailureClass = iota
	FailureTransient
)

func (c FailureClass) String() string {
	if c == FailureTransient {
		return "transient"
	}
	return "permanent"
}

// RetryPolicy decides whether and when a failed send is retried.
// Delays are a pure function of the attempt count and the server hint.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
}

func NewRetryPolicy(cfg Config) RetryPolicy {
	cfg = cfg.withDefaults()
	return RetryPolicy{MaxAttempts: cfg.MaxAttempts, Base: cfg.RetryBase, MaxDelay: cfg.RetryMaxDelay}
}

// Classify maps a transport error onto a FailureClass plus any server hint.
func (p RetryPolicy) Classify(err error) (FailureClass, time.Duration) {
	transient, hint := transport.Classify(err)
	if !transient {
		return FailurePermanent, 0
	}
	return FailureTransient, hint
}

// ShouldRetry reports whether a failure observed after attempts sends gets another try.
func (p RetryPolicy) ShouldRetry(err error, attempts int) bool {
	class, _ := p.Classify(err)
	return class == FailureTransient && attempts < p.MaxAttempts
}

// NextDelay returns Base*2^(attempts-1) capped at MaxDelay. A positive server
// hint replaces the computed delay, still capped.
func (p RetryPolicy) NextDelay(attempts int, hint time.Duration) time.Duration {
	if hint > 0 {
		return min(hint, p.MaxDelay)
	}
	if attempts < 1 {
		attempts = 1
	}
	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}
