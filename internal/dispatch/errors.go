package dispatch

import "errors"

var (
	ErrInvalidConfig = errors.New("dispatch: invalid config")
	ErrQueueFull     = errors.New("dispatch: queue full")
	ErrStopped       = errors.New("dispatch: stopped")
	ErrEmptyPayload  = errors.New("dispatch: empty payload")
)
