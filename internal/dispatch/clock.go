package dispatch

import "time"

// Clock supplies the current time. The worker still sleeps on real timers;
// tests drive time through a fake Clock and the single-step entry point.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
