package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"digestbot/internal/transport"
	"digestbot/pkg/logx"
)

const (
	// maxConcurrentSignals bounds typing calls in flight at once.
	maxConcurrentSignals = 4
	// signalInterval spaces typing signals per chat; the indicator itself
	// lasts about five seconds.
	signalInterval = 4 * time.Second
	// pruneSignalLimiters is the map size above which idle limiters are dropped.
	pruneSignalLimiters = 1024
)

// HeavyLoadNotifier shows a typing indicator to chats whose message will be
// noticeably delayed. The signal bypasses the queue and both limiters.
type HeavyLoadNotifier struct {
	threshold atomic.Int64 // time.Duration
	signal    transport.ChatActionSender
	timeout   time.Duration
	clock     Clock
	log       logx.Logger

	sem chan struct{}

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter

	skipped atomic.Uint64
	wg      sync.WaitGroup
}

func NewHeavyLoadNotifier(threshold, timeout time.Duration, signal transport.ChatActionSender, clock Clock, log logx.Logger) *HeavyLoadNotifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = systemClock{}
	}
	h := &HeavyLoadNotifier{
		signal:   signal,
		timeout:  timeout,
		clock:    clock,
		log:      log,
		sem:      make(chan struct{}, maxConcurrentSignals),
		limiters: make(map[int64]*rate.Limiter),
	}
	h.threshold.Store(int64(threshold))
	return h
}

func (h *HeavyLoadNotifier) Threshold() time.Duration { return time.Duration(h.threshold.Load()) }

func (h *HeavyLoadNotifier) SetThreshold(d time.Duration) { h.threshold.Store(int64(d)) }

// Skipped counts heavy enqueues that got no signal because the chat was
// signalled recently or too many signals were in flight.
func (h *HeavyLoadNotifier) Skipped() uint64 { return h.skipped.Load() }

// Maybe fires one typing signal for to if wait exceeds the threshold and
// reports whether it did. It never blocks; failures are logged and ignored.
func (h *HeavyLoadNotifier) Maybe(to transport.ChatTarget, wait time.Duration) bool {
	if h.signal == nil || wait <= h.Threshold() {
		return false
	}
	if !h.allow(to.ChatID) {
		h.skipped.Add(1)
		return false
	}
	select {
	case h.sem <- struct{}{}:
	default:
		h.skipped.Add(1)
		return false
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() { <-h.sem }()
		defer func() {
			if r := recover(); r != nil {
				h.log.Warn("typing signal panicked", logx.Int64("chat_id", to.ChatID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.signal.SendChatAction(ctx, to, transport.ActionTyping); err != nil {
			h.log.Debug("typing signal failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
		}
	}()
	return true
}

func (h *HeavyLoadNotifier) allow(chatID int64) bool {
	now := h.clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	lim, ok := h.limiters[chatID]
	if !ok {
		if len(h.limiters) >= pruneSignalLimiters {
			for id, l := range h.limiters {
				if l.TokensAt(now) >= 1 {
					delete(h.limiters, id)
				}
			}
		}
		lim = rate.NewLimiter(rate.Every(signalInterval), 1)
		h.limiters[chatID] = lim
	}
	return lim.AllowN(now, 1)
}

// Wait blocks until in-flight signals finish or ctx ends.
func (h *HeavyLoadNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
