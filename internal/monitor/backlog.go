// Package monitor alerts an operator chat when the dispatch backlog grows.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"digestbot/internal/dispatch"
	"digestbot/internal/eventbus"
	"digestbot/internal/runtime/supervisor"
	"digestbot/internal/transport"
	"digestbot/pkg/logx"
)

// Source is the part of the dispatcher the monitor reads.
type Source interface {
	Metrics() dispatch.MetricsSnapshot
	HeavyLoadThreshold() time.Duration
}

type Config struct {
	// Target is the operator chat. A zero ChatID disables alerts.
	Target transport.ChatTarget
	// Schedule is a cron spec for periodic checks.
	Schedule string
	// Cooldown is the minimum gap between two alerts.
	Cooldown time.Duration
	// Factor multiplies the heavy-load threshold to get the alert threshold.
	Factor      float64
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Schedule: "@every 30s", Cooldown: 5 * time.Minute, Factor: 2, SendTimeout: 10 * time.Second}
}

type Option func(*Backlog)

// WithClock replaces time.Now for cooldown accounting.
func WithClock(now func() time.Time) Option {
	return func(b *Backlog) { b.now = now }
}

// Backlog checks the dispatcher on a cron schedule and on every heavy-load
// event, and sends a summary to the operator chat. Alerts go straight to the
// transport, never through the queue they report on.
type Backlog struct {
	cfg    Config
	src    Source
	sender transport.TextSender
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	limiter *rate.Limiter
	alerts  atomic.Uint64

	mu    sync.Mutex
	cron  *cron.Cron
	sup   *supervisor.Supervisor
	unsub func()
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(cfg Config, src Source, sender transport.TextSender, bus eventbus.Bus, log logx.Logger, opts ...Option) (*Backlog, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Factor <= 0 {
		cfg.Factor = def.Factor
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("monitor schedule %q: %w", cfg.Schedule, err)
	}
	if src == nil || sender == nil {
		return nil, errors.New("monitor needs a source and a sender")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}

	b := &Backlog{
		cfg:     cfg,
		src:     src,
		sender:  sender,
		bus:     bus,
		log:     log.With(logx.String("comp", "monitor")),
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Every(cfg.Cooldown), 1),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

func (b *Backlog) Alerts() uint64 { return b.alerts.Load() }

func (b *Backlog) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cron != nil {
		return nil
	}

	b.sup = supervisor.New(ctx, supervisor.WithLogger(b.log))
	sctx := b.sup.Context()

	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(b.cfg.Schedule, func() { b.Check(sctx) }); err != nil {
		b.sup.Cancel()
		return err
	}

	ch, unsub := b.bus.Subscribe(16, dispatch.EventHeavyLoad)
	b.unsub = unsub
	b.sup.Go0("monitor.heavy_load", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				b.Check(ctx)
			}
		}
	})

	c.Start()
	b.cron = c
	b.log.Info("backlog monitor started",
		logx.String("schedule", b.cfg.Schedule),
		logx.Duration("cooldown", b.cfg.Cooldown),
		logx.Int64("admin_chat_id", b.cfg.Target.ChatID),
	)
	return nil
}

func (b *Backlog) Stop(ctx context.Context) error {
	b.mu.Lock()
	c, sup, unsub := b.cron, b.sup, b.unsub
	b.cron, b.sup, b.unsub = nil, nil, nil
	b.mu.Unlock()
	if c == nil {
		return nil
	}

	unsub()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	return sup.Stop(ctx)
}

// Check evaluates the backlog once and reports whether an alert was sent.
func (b *Backlog) Check(ctx context.Context) bool {
	if b.cfg.Target.ChatID == 0 {
		return false
	}
	snap := b.src.Metrics()
	if snap.Bypassed || snap.QueueDepth == 0 {
		return false
	}
	limit := time.Duration(b.cfg.Factor * float64(b.src.HeavyLoadThreshold()))
	if snap.MaxDelay < limit {
		return false
	}
	if !b.limiter.AllowN(b.now(), 1) {
		return false
	}

	b.alerts.Add(1)
	b.log.Warn("dispatch backlog detected",
		logx.Int("queue_depth", snap.QueueDepth),
		logx.Duration("max_delay", snap.MaxDelay),
		logx.Duration("average_delay", snap.AverageDelay),
		logx.Int64("worst_chat_id", snap.WorstChatID),
		logx.Duration("worst_chat_delay", snap.WorstChatDelay),
		logx.Duration("max_pending_age", snap.MaxPendingAge),
	)

	sctx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	defer cancel()
	if _, err := b.sender.SendText(sctx, b.cfg.Target, formatAlert(snap), nil); err != nil {
		b.log.Debug("backlog alert not delivered", logx.Err(err))
	}
	return true
}

func formatAlert(s dispatch.MetricsSnapshot) string {
	var sb strings.Builder
	sb.WriteString("Warning: dispatch backlog detected.\n")
	fmt.Fprintf(&sb, "Queue depth: %d\n", s.QueueDepth)
	fmt.Fprintf(&sb, "Max delay: %.2fs\n", s.MaxDelay.Seconds())
	fmt.Fprintf(&sb, "Average delay: %.2fs", s.AverageDelay.Seconds())
	if s.WorstChatID != 0 {
		fmt.Fprintf(&sb, "\nWorst chat: %d (%.2fs)", s.WorstChatID, s.WorstChatDelay.Seconds())
	}
	return sb.String()
}
