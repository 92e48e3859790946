package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	cases := []struct {
		name      string
		err       error
		transient bool
		hint      time.Duration
	}{
		{name: "nil", err: nil},
		{name: "plain", err: base},
		{name: "permanent", err: Permanent(base)},
		{name: "temporary", err: Temporary(base), transient: true},
		{name: "retry after marker", err: RetryAfter(base, 7*time.Second), transient: true, hint: 7 * time.Second},
		{name: "wrapped retry after", err: fmt.Errorf("send: %w", RetryAfter(base, 2*time.Second)), transient: true, hint: 2 * time.Second},
		{name: "deadline", err: fmt.Errorf("send: %w", context.DeadlineExceeded), transient: true},
		{name: "canceled", err: context.Canceled, transient: true},
		{name: "net error", err: &net.OpError{Op: "dial", Err: timeoutErr{}}, transient: true},
		{name: "throttle text", err: errors.New("telegram: Too Many Requests (429)"), transient: true},
		{name: "throttle text with hint", err: errors.New("Too Many Requests: retry after 8"), transient: true, hint: 8 * time.Second},
		{name: "huge hint is clamped", err: errors.New("retry after 99999999999"), transient: true, hint: time.Hour},
		{name: "out of range hint is clamped", err: errors.New("retry after 99999999999999999999999"), transient: true, hint: time.Hour},
		{name: "permanent beats text", err: Permanent(errors.New("too many requests")), transient: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			transient, hint := Classify(tc.err)
			assert.Equal(t, tc.transient, transient)
			assert.Equal(t, tc.hint, hint)
		})
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 8*time.Second, RetryAfterSeconds(8))
	assert.Equal(t, time.Hour, RetryAfterSeconds(1<<62))
	assert.Zero(t, RetryAfterSeconds(-5))
}

func TestMarkersUnwrap(t *testing.T) {
	t.Parallel()

	base := errors.New("root cause")
	assert.ErrorIs(t, Permanent(base), base)
	assert.ErrorIs(t, Temporary(base), base)
	assert.ErrorIs(t, RetryAfter(base, time.Second), base)
	assert.NoError(t, Permanent(nil))
	assert.True(t, IsPermanent(fmt.Errorf("x: %w", Permanent(base))))
}

func TestMediaSource(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "id", Media{FileID: "id", URL: "u", Path: "p"}.Source())
	assert.Equal(t, "u", Media{URL: "u", Path: "p"}.Source())
	assert.Equal(t, "p", Media{Path: "p"}.Source())
}
