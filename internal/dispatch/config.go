package dispatch

import (
	"fmt"
	"time"
)

// Config holds scheduler tuning. Enabled and HeavyLoadThreshold can change at
// runtime through Service.Apply; everything else is fixed at construction.
type Config struct {
	// Enabled=false bypasses the queue: sends run synchronously on the caller.
	Enabled bool

	// GlobalRate is the maximum number of dispatches in any trailing second.
	GlobalRate int
	// ChatCooldown is the minimum spacing between dispatches to one chat.
	ChatCooldown time.Duration
	// HeavyLoadThreshold is the expected wait above which the destination gets a typing signal.
	HeavyLoadThreshold time.Duration

	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// QueueSize bounds pending tasks. Enqueue beyond it fails with ErrQueueFull.
	QueueSize int

	// SendTimeout bounds one transport call.
	SendTimeout time.Duration
	// DrainTimeout bounds how long Stop waits for the in-flight send.
	DrainTimeout time.Duration
	// SignalTimeout bounds one typing-signal call.
	SignalTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		GlobalRate:         30,
		ChatCooldown:       time.Second,
		HeavyLoadThreshold: 3 * time.Second,
		MaxAttempts:        3,
		RetryBase:          time.Second,
		RetryMaxDelay:      30 * time.Second,
		QueueSize:          4096,
		SendTimeout:        15 * time.Second,
		DrainTimeout:       5 * time.Second,
		SignalTimeout:      5 * time.Second,
	}
}

// withDefaults fills zero-valued optional knobs. Limits are left alone so
// Validate can reject them.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.SignalTimeout <= 0 {
		c.SignalTimeout = d.SignalTimeout
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.GlobalRate <= 0:
		return fmt.Errorf("%w: global rate must be > 0, got %d", ErrInvalidConfig, c.GlobalRate)
	case c.ChatCooldown < 0:
		return fmt.Errorf("%w: chat cooldown must be >= 0, got %s", ErrInvalidConfig, c.ChatCooldown)
	case c.HeavyLoadThreshold < 0:
		return fmt.Errorf("%w: heavy load threshold must be >= 0, got %s", ErrInvalidConfig, c.HeavyLoadThreshold)
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidConfig, c.MaxAttempts)
	case c.QueueSize < 1:
		return fmt.Errorf("%w: queue size must be >= 1, got %d", ErrInvalidConfig, c.QueueSize)
	case c.RetryMaxDelay < c.RetryBase:
		return fmt.Errorf("%w: retry max delay %s below base %s", ErrInvalidConfig, c.RetryMaxDelay, c.RetryBase)
	}
	return nil
}
