package dispatch

import (
	"context"

	"digestbot/internal/transport"
)

// Messenger is the producer-facing entry point.
//
// A nil error means the message was accepted for delivery, not that it was
// delivered. Terminal failures are reported only through logs, metrics and
// dispatch.dropped events, so callers must not present acceptance to users
// as a delivery confirmation.
//
// With the scheduler switched off, sends run synchronously on the caller's
// goroutine and transport errors are returned directly.
type Messenger struct {
	svc *Service
}

func NewMessenger(svc *Service) *Messenger {
	return &Messenger{svc: svc}
}

func (m *Messenger) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	return m.submit(ctx, to, OpSendText, Payload{Text: text, Options: opt})
}

func (m *Messenger) SendPhoto(ctx context.Context, to transport.ChatTarget, photo transport.Media, opt *transport.SendOptions) error {
	photo.Kind = transport.MediaPhoto
	return m.submit(ctx, to, OpSendPhoto, Payload{Media: []transport.Media{photo}, Options: opt})
}

func (m *Messenger) SendDocument(ctx context.Context, to transport.ChatTarget, doc transport.Media, opt *transport.SendOptions) error {
	doc.Kind = transport.MediaDocument
	return m.submit(ctx, to, OpSendDocument, Payload{Media: []transport.Media{doc}, Options: opt})
}

// SendMediaGroup sends an album. Items keep their own Kind; an unset Kind is a photo.
func (m *Messenger) SendMediaGroup(ctx context.Context, to transport.ChatTarget, media []transport.Media, opt *transport.SendOptions) error {
	items := make([]transport.Media, len(media))
	for i, it := range media {
		if it.Kind == "" {
			it.Kind = transport.MediaPhoto
		}
		items[i] = it
	}
	return m.submit(ctx, to, OpSendMediaGroup, Payload{Media: items, Options: opt})
}

// Metrics returns the scheduler snapshot.
func (m *Messenger) Metrics() MetricsSnapshot { return m.svc.Metrics() }

func (m *Messenger) submit(ctx context.Context, to transport.ChatTarget, op Op, payload Payload) error {
	if m.svc.Bypassed() {
		return m.svc.SendNow(ctx, to, op, payload)
	}
	_, err := m.svc.Enqueue(ctx, to, op, payload)
	return err
}
