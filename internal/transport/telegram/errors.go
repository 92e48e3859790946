package telegram

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"digestbot/internal/transport"
)

// telebot reports API errors it has no sentinel for as "telegram: <desc> (<code>)".
var apiCodeText = regexp.MustCompile(`\((\d{3})\)\s*$`)

// classify marks telebot errors as transient or permanent for the dispatch retry policy.
// Errors it cannot place are returned unchanged for the generic classifier.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.RetryAfter(err, transport.RetryAfterSeconds(int64(flood.RetryAfter)))
	}
	var group tele.GroupError
	if errors.As(err, &group) {
		return transport.Permanent(err)
	}
	var api *tele.Error
	if errors.As(err, &api) {
		return byCode(err, api.Code)
	}
	if m := apiCodeText.FindStringSubmatch(err.Error()); len(m) == 2 {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return byCode(err, code)
		}
	}
	return err
}

func byCode(err error, code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		// A 429 without retry_after still deserves a backoff.
		return transport.Temporary(err)
	case code >= 500:
		return transport.Temporary(err)
	case code >= 400:
		return transport.Permanent(err)
	default:
		return err
	}
}
