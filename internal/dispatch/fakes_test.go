package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"digestbot/internal/eventbus"
	"digestbot/internal/transport"
	"digestbot/pkg/logx"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sendCall struct {
	ChatID int64
	Op     Op
	Text   string
	Media  int
	At     time.Time
	Failed bool
}

// fakeSender records every transport call at the clock's time. fail, when
// set, decides the outcome of the n-th call (1-based) for a chat.
type fakeSender struct {
	clock Clock

	mu      sync.Mutex
	calls   []sendCall
	perChat map[int64]int
	actions []transport.ChatTarget
	fail    func(call sendCall, n int) error
	block   chan struct{}
}

func newFakeSender(clock Clock) *fakeSender {
	return &fakeSender{clock: clock, perChat: map[int64]int{}}
}

func (f *fakeSender) record(ctx context.Context, to transport.ChatTarget, op Op, text string, media int) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := sendCall{ChatID: to.ChatID, Op: op, Text: text, Media: media, At: f.clock.Now()}
	f.perChat[to.ChatID]++
	var err error
	if f.fail != nil {
		err = f.fail(c, f.perChat[to.ChatID])
	}
	c.Failed = err != nil
	f.calls = append(f.calls, c)
	return err
}

// Delivered returns successful calls only.
func (f *fakeSender) Delivered() []sendCall {
	var out []sendCall
	for _, c := range f.Calls() {
		if !c.Failed {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{ChatID: to.ChatID}, f.record(ctx, to, OpSendText, text, 0)
}

func (f *fakeSender) SendPhoto(ctx context.Context, to transport.ChatTarget, photo transport.Media, _ *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{ChatID: to.ChatID}, f.record(ctx, to, OpSendPhoto, photo.Caption, 1)
}

func (f *fakeSender) SendDocument(ctx context.Context, to transport.ChatTarget, doc transport.Media, _ *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{ChatID: to.ChatID}, f.record(ctx, to, OpSendDocument, doc.Caption, 1)
}

func (f *fakeSender) SendMediaGroup(ctx context.Context, to transport.ChatTarget, media []transport.Media, _ *transport.SendOptions) ([]transport.MessageRef, error) {
	return nil, f.record(ctx, to, OpSendMediaGroup, "", len(media))
}

func (f *fakeSender) SendChatAction(_ context.Context, to transport.ChatTarget, _ transport.ChatAction) error {
	f.mu.Lock()
	f.actions = append(f.actions, to)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) Calls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

func (f *fakeSender) Actions() []transport.ChatTarget {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.ChatTarget(nil), f.actions...)
}

type harness struct {
	svc    *Service
	clock  *fakeClock
	sender *fakeSender
	bus    eventbus.Bus
	reg    *prometheus.Registry
}

// newHarness builds a service driven by a fake clock. The worker goroutine is
// not started; tests step it with drive.
func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clk := newFakeClock()
	sender := newFakeSender(clk)
	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	svc, err := New(cfg, sender, logx.Nop(), bus, WithClock(clk), WithRegisterer(reg))
	require.NoError(t, err)

	svc.mu.Lock()
	svc.accepting = true
	svc.mu.Unlock()
	return &harness{svc: svc, clock: clk, sender: sender, bus: bus, reg: reg}
}

func (h *harness) enqueueText(t *testing.T, chatID int64, text string) string {
	t.Helper()
	id, err := h.svc.Enqueue(context.Background(), transport.ChatTarget{ChatID: chatID}, OpSendText, Payload{Text: text})
	require.NoError(t, err)
	return id
}

// drive runs the worker step by step, jumping the clock to each next ReadyAt,
// until the queue is empty or the next task is due after until.
func (h *harness) drive(until time.Time) {
	ctx := context.Background()
	for {
		next, pending := h.svc.processDue(ctx)
		if !pending || next.After(until) {
			return
		}
		h.clock.Set(next)
	}
}
