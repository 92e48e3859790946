package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"digestbot/internal/transport"
)

// Op names the transport operation a task performs.
type Op string

const (
	OpSendText       Op = "send_text"
	OpSendPhoto      Op = "send_photo"
	OpSendDocument   Op = "send_document"
	OpSendMediaGroup Op = "send_media_group"
)

// Payload is the operation input. Text is used by OpSendText; Media by the others
// (exactly one item for photo and document).
type Payload struct {
	Text    string
	Media   []transport.Media
	Options *transport.SendOptions
}

func (p Payload) validate(op Op) error {
	switch op {
	case OpSendText:
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: text is empty", ErrEmptyPayload)
		}
	case OpSendPhoto, OpSendDocument:
		if len(p.Media) != 1 || p.Media[0].Source() == "" {
			return fmt.Errorf("%w: %s needs exactly one media item with a source", ErrEmptyPayload, op)
		}
	case OpSendMediaGroup:
		if len(p.Media) == 0 {
			return fmt.Errorf("%w: media group is empty", ErrEmptyPayload)
		}
		for i, m := range p.Media {
			if m.Source() == "" {
				return fmt.Errorf("%w: media[%d] has no source", ErrEmptyPayload, i)
			}
		}
	default:
		return fmt.Errorf("dispatch: unknown op %q", op)
	}
	return nil
}

// parts returns the payloads to enqueue for p. Texts over transport.TextLimit
// split into chunks; reply markup stays on the first one.
func (p Payload) parts(op Op) []Payload {
	if op != OpSendText {
		return []Payload{p}
	}
	parseMode := ""
	if p.Options != nil {
		parseMode = p.Options.ParseMode
	}
	chunks := transport.SplitText(p.Text, transport.TextLimit, parseMode)
	if len(chunks) <= 1 {
		return []Payload{p}
	}
	out := make([]Payload, len(chunks))
	for i, c := range chunks {
		out[i] = Payload{Text: c, Options: p.Options}
		if i > 0 && p.Options != nil && p.Options.ReplyMarkupAdapter != nil {
			opt := *p.Options
			opt.ReplyMarkupAdapter = nil
			out[i].Options = &opt
		}
	}
	return out
}

// Task is one outbound send. The queue owns it while pending, the worker
// while dispatching; it is discarded on a terminal outcome.
type Task struct {
	Seq        uint64
	ID         string
	Target     transport.ChatTarget
	Op         Op
	Payload    Payload
	// Part and Parts number the chunks of a split text (1 of 1 otherwise).
	Part       int
	Parts      int
	EnqueuedAt time.Time
	ReadyAt    time.Time
	Attempts   int
	LastErr    error

	readyIdx  int
	latestIdx int
	ageIdx    int
}

// invoke performs the task's transport call.
func (t *Task) invoke(ctx context.Context, s transport.Sender) error {
	opt := t.Payload.Options
	switch t.Op {
	case OpSendText:
		_, err := s.SendText(ctx, t.Target, t.Payload.Text, opt)
		return err
	case OpSendPhoto:
		_, err := s.SendPhoto(ctx, t.Target, t.Payload.Media[0], opt)
		return err
	case OpSendDocument:
		_, err := s.SendDocument(ctx, t.Target, t.Payload.Media[0], opt)
		return err
	case OpSendMediaGroup:
		_, err := s.SendMediaGroup(ctx, t.Target, t.Payload.Media, opt)
		return err
	default:
		return transport.Permanent(fmt.Errorf("dispatch: unknown op %q", t.Op))
	}
}
