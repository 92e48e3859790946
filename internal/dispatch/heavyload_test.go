package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digestbot/internal/transport"
	"digestbot/pkg/logx"
)

// gatedActions blocks every SendChatAction until release is closed and
// records the highest number of concurrent calls.
type gatedActions struct {
	release chan struct{}

	mu      sync.Mutex
	active  int
	peak    int
	started int
}

func (g *gatedActions) SendChatAction(ctx context.Context, _ transport.ChatTarget, _ transport.ChatAction) error {
	g.mu.Lock()
	g.active++
	g.started++
	g.peak = max(g.peak, g.active)
	g.mu.Unlock()

	select {
	case <-g.release:
	case <-ctx.Done():
	}

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return nil
}

func (g *gatedActions) counts() (started, peak int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started, g.peak
}

func TestHeavyLoadSignalsAreSpacedPerChat(t *testing.T) {
	clk := newFakeClock()
	sender := newFakeSender(clk)
	h := NewHeavyLoadNotifier(time.Second, time.Second, sender, clk, logx.Nop())

	to := transport.ChatTarget{ChatID: 9}
	assert.True(t, h.Maybe(to, time.Minute))
	assert.False(t, h.Maybe(to, time.Minute), "same chat within the interval")
	assert.True(t, h.Maybe(transport.ChatTarget{ChatID: 10}, time.Minute), "other chats are independent")

	clk.Advance(signalInterval)
	assert.True(t, h.Maybe(to, time.Minute))

	require.NoError(t, h.Wait(context.Background()))
	assert.Len(t, sender.Actions(), 3)
	assert.Equal(t, uint64(1), h.Skipped())
}

func TestHeavyLoadSignalsAreBoundedInFlight(t *testing.T) {
	gate := &gatedActions{release: make(chan struct{})}
	h := NewHeavyLoadNotifier(time.Second, 5*time.Second, gate, newFakeClock(), logx.Nop())

	fired := 0
	for id := int64(1); id <= 50; id++ {
		if h.Maybe(transport.ChatTarget{ChatID: id}, time.Minute) {
			fired++
		}
	}
	assert.Equal(t, maxConcurrentSignals, fired)
	assert.Equal(t, uint64(50-maxConcurrentSignals), h.Skipped())

	close(gate.release)
	require.NoError(t, h.Wait(context.Background()))
	started, peak := gate.counts()
	assert.Equal(t, maxConcurrentSignals, started)
	assert.LessOrEqual(t, peak, maxConcurrentSignals)

	assert.True(t, h.Maybe(transport.ChatTarget{ChatID: 99}, time.Minute), "slots free up after the calls finish")
	require.NoError(t, h.Wait(context.Background()))
}

func TestHeavyLoadLimiterMapIsPruned(t *testing.T) {
	clk := newFakeClock()
	h := NewHeavyLoadNotifier(time.Second, time.Second, newFakeSender(clk), clk, logx.Nop())

	for id := int64(1); id <= pruneSignalLimiters; id++ {
		require.True(t, h.allow(id))
	}
	clk.Advance(signalInterval)
	require.True(t, h.allow(pruneSignalLimiters+1))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.limiters, 1)
}
