package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Permanent marks a send failure that will not succeed on retry
// (bad request, blocked by user, chat not found).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Temporary marks a send failure worth retrying without a server hint.
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return temporaryError{err: err}
}

// RetryAfter marks a throttling response carrying an explicit delay hint.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

type temporaryError struct{ err error }

func (e temporaryError) Error() string { return fmt.Sprintf("temporary: %v", e.err) }
func (e temporaryError) Unwrap() error { return e.err }

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// IsPermanent reports whether err was explicitly marked permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

var retryAfterText = regexp.MustCompile(`(?i)retry after (\d+)`)

// maxRetryAfter caps server-provided delay hints before conversion.
const maxRetryAfter = 3600

// RetryAfterSeconds converts a server hint in seconds to a duration, clamped
// to [0, 1h] so huge values cannot overflow.
func RetryAfterSeconds(n int64) time.Duration {
	return time.Duration(min(max(n, 0), maxRetryAfter)) * time.Second
}

// Classify reports whether err is worth retrying and, if the failure carried
// one, the server-provided delay hint.
//
// Explicit markers win over everything else. Without a marker, network errors,
// deadline overruns, cancellations and throttling text are transient; anything
// else is permanent.
func Classify(err error) (transient bool, hint time.Duration) {
	if err == nil {
		return false, 0
	}

	var ra RetryAfterError
	if errors.As(err, &ra) {
		return true, ra.RetryAfter()
	}
	if IsPermanent(err) {
		return false, 0
	}
	var tmp temporaryError
	if errors.As(err, &tmp) {
		return true, 0
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true, 0
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true, 0
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true, 0
	}

	msg := strings.ToLower(err.Error())
	if m := retryAfterText.FindStringSubmatch(msg); len(m) == 2 {
		n, convErr := strconv.ParseInt(m[1], 10, 64)
		if errors.Is(convErr, strconv.ErrRange) {
			n, convErr = maxRetryAfter, nil
		}
		if convErr == nil {
			return true, RetryAfterSeconds(n)
		}
	}
	if strings.Contains(msg, "too many requests") {
		return true, 0
	}
	return false, 0
}
