package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"digestbot/internal/eventbus"
	rtsup "digestbot/internal/runtime/supervisor"
	"digestbot/internal/transport"
	"digestbot/pkg/logx"
)

type Option func(*Service)

// WithClock replaces the wall clock. The worker loop still sleeps on real timers.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRegisterer registers the Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) { s.reg = reg }
}

// Service owns the dispatch queue and the single worker draining it.
type Service struct {
	cfg    Config
	clock  Clock
	log    logx.Logger
	bus    eventbus.Bus
	sender transport.Sender
	reg    prometheus.Registerer

	// Worker-owned.
	throttle *GlobalThrottle

	cooldown *CooldownTracker
	retry    RetryPolicy
	heavy    *HeavyLoadNotifier
	metrics  *Metrics
	bypass   atomic.Bool

	rejectLog *rate.Limiter

	mu        sync.Mutex
	q         *queue
	seq       uint64
	accepting bool
	started   bool
	stopped   bool
	inFlight  *Task
	sup       *rtsup.Supervisor

	wake   chan struct{}
	stopCh chan struct{}
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Service, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, fmt.Errorf("%w: sender is nil", ErrInvalidConfig)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}

	s := &Service{
		cfg:       cfg,
		clock:     systemClock{},
		log:       log.With(logx.String("comp", "dispatch")),
		bus:       bus,
		sender:    sender,
		retry:     NewRetryPolicy(cfg),
		rejectLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	var err error
	if s.throttle, err = NewGlobalThrottle(cfg.GlobalRate); err != nil {
		return nil, err
	}
	if s.cooldown, err = NewCooldownTracker(cfg.ChatCooldown); err != nil {
		return nil, err
	}
	s.heavy = NewHeavyLoadNotifier(cfg.HeavyLoadThreshold, cfg.SignalTimeout, sender, s.clock, s.log)
	s.bypass.Store(!cfg.Enabled)
	s.metrics = newMetrics(s.clock, &s.bypass, s.reg)
	s.q = newQueue(s.clock.Now())
	return s, nil
}

// Start launches the worker. It is a no-op after the first call.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("dispatch.worker", s.run,
		rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	s.log.Info("dispatch started",
		logx.Bool("enabled", !s.bypass.Load()),
		logx.Int("global_rate", s.cfg.GlobalRate),
		logx.Duration("chat_cooldown", s.cfg.ChatCooldown),
		logx.Int("max_attempts", s.cfg.MaxAttempts),
		logx.Int("queue_size", s.cfg.QueueSize),
	)
}

// Stop refuses new work, waits up to DrainTimeout for the in-flight send and
// drops whatever is still pending.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.accepting = false
	sup := s.sup
	s.mu.Unlock()
	close(s.stopCh)

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	err := sup.Wait(dctx)
	cancel()
	sup.Cancel()
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.log.Warn("in-flight send still running after drain timeout", logx.Duration("drain_timeout", s.cfg.DrainTimeout))
	case err != nil:
		s.log.Debug("dispatch worker reported an error during its lifetime", logx.Err(err))
	}

	s.mu.Lock()
	pending := s.q.drain()
	s.publishLocked()
	s.mu.Unlock()

	now := s.clock.Now()
	for _, t := range pending {
		s.drop(t, DropShutdown, now)
	}
	if len(pending) > 0 {
		s.log.Warn("dropped pending messages on shutdown", logx.Int("count", len(pending)))
	}
	_ = s.heavy.Wait(ctx)
	s.log.Info("dispatch stopped")
	return nil
}

// Apply takes the runtime-adjustable settings from cfg. Limits owned by the
// worker keep their startup values.
func (s *Service) Apply(cfg Config) {
	wasBypassed := s.bypass.Swap(!cfg.Enabled)
	if wasBypassed == cfg.Enabled {
		s.log.Info("dispatch mode changed", logx.Bool("enabled", cfg.Enabled))
	}
	if cfg.HeavyLoadThreshold >= 0 {
		s.heavy.SetThreshold(cfg.HeavyLoadThreshold)
	}
	if cfg.GlobalRate != s.cfg.GlobalRate ||
		cfg.ChatCooldown != s.cfg.ChatCooldown ||
		cfg.MaxAttempts != s.cfg.MaxAttempts ||
		cfg.QueueSize != s.cfg.QueueSize {
		s.log.Warn("dispatch limits changed; restart required to apply them")
	}
}

// Bypassed reports whether the scheduler is switched off.
func (s *Service) Bypassed() bool { return s.bypass.Load() }

// HeavyLoadThreshold is the wait above which a typing signal is sent.
func (s *Service) HeavyLoadThreshold() time.Duration { return s.heavy.Threshold() }

// Metrics returns a lock-free snapshot.
func (s *Service) Metrics() MetricsSnapshot { return s.metrics.Snapshot() }

// Err returns the first worker failure, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// Enqueue schedules a send and returns the task id. It never waits for delivery.
//
// A text longer than transport.TextLimit becomes one task per chunk with
// consecutive Seq, so every chunk is paced, retried and dropped on its own.
// The chunks are admitted together or not at all; the returned id is the
// first chunk's.
func (s *Service) Enqueue(ctx context.Context, to transport.ChatTarget, op Op, payload Payload) (string, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	if err := payload.validate(op); err != nil {
		return "", err
	}
	parts := payload.parts(op)

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return "", ErrStopped
	}
	now := s.clock.Now()
	if depth := s.q.len(); depth+len(parts) > s.cfg.QueueSize {
		s.mu.Unlock()
		s.reject(to, op, now, depth)
		return "", ErrQueueFull
	}
	readyAt := s.cooldown.NextEligible(to.ChatID, now)
	tasks := make([]*Task, len(parts))
	for i, p := range parts {
		s.seq++
		tasks[i] = &Task{
			Seq:        s.seq,
			ID:         uuid.NewString(),
			Target:     to,
			Op:         op,
			Payload:    p,
			Part:       i + 1,
			Parts:      len(parts),
			EnqueuedAt: now,
			ReadyAt:    readyAt,
		}
		s.q.push(tasks[i])
	}
	earliest := s.q.peek() == tasks[0]
	depth := s.q.len()
	events := make([]Event, len(tasks))
	for i, t := range tasks {
		events[i] = eventOf(t)
	}
	s.publishLocked()
	s.mu.Unlock()

	if earliest {
		s.signal()
	}

	first := events[0]
	wait := readyAt.Sub(now)
	s.log.Debug("message queued",
		logx.String("task_id", first.TaskID),
		logx.Int64("chat_id", to.ChatID),
		logx.String("op", string(op)),
		logx.Int("parts", len(tasks)),
		logx.Duration("wait", wait),
		logx.Int("depth", depth),
	)
	for _, ev := range events {
		s.emit(EventQueued, now, ev)
	}

	if s.heavy.Maybe(to, wait) {
		s.metrics.observeHeavyLoad()
		first.Wait = wait
		s.emit(EventHeavyLoad, now, first)
	}
	return first.TaskID, nil
}

// SendNow performs the send synchronously, outside the queue and limiters.
// Used when the scheduler is bypassed. Long texts go out chunk by chunk and
// the first failure stops the rest.
func (s *Service) SendNow(ctx context.Context, to transport.ChatTarget, op Op, payload Payload) error {
	if err := payload.validate(op); err != nil {
		return err
	}
	now := s.clock.Now()
	parts := payload.parts(op)
	for i, p := range parts {
		t := &Task{ID: uuid.NewString(), Target: to, Op: op, Payload: p, Part: i + 1, Parts: len(parts), EnqueuedAt: now, ReadyAt: now, Attempts: 1}
		if err := s.invoke(ctx, t); err != nil {
			s.log.Warn("direct send failed",
				logx.Int64("chat_id", to.ChatID),
				logx.String("op", string(op)),
				logx.Int("part", t.Part),
				logx.Int("parts", t.Parts),
				logx.Err(err),
			)
			return err
		}
	}
	return nil
}

func (s *Service) reject(to transport.ChatTarget, op Op, now time.Time, depth int) {
	s.metrics.observeRejected()
	if s.rejectLog.AllowN(now, 1) {
		s.log.Warn("dispatch queue full, rejecting message",
			logx.Int64("chat_id", to.ChatID),
			logx.String("op", string(op)),
			logx.Int("depth", depth),
		)
	}
	s.emit(EventRejected, now, Event{ChatID: to.ChatID, ThreadID: to.ThreadID, Op: op})
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) halted() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// publishLocked refreshes the lock-free metrics view. Callers hold s.mu.
func (s *Service) publishLocked() {
	st := &pendingState{
		depth:    s.q.len(),
		inFlight: s.inFlight != nil,
		epoch:    s.q.epoch,
		readySum: s.q.readySum,
	}
	if t := s.q.furthest(); t != nil {
		st.latestAt = t.ReadyAt
		st.latestChat = t.Target.ChatID
	}
	if o := s.q.oldest(); o != nil {
		st.oldestAt = o.EnqueuedAt
	}
	s.metrics.publish(st)
}

// run is the worker loop: process everything due, then sleep until the next
// ReadyAt or until an earlier task arrives.
func (s *Service) run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()

	for {
		next, pending := s.processDue(ctx)
		if s.halted() || ctx.Err() != nil {
			return nil
		}

		var due <-chan time.Time
		if pending {
			timer.Reset(max(0, next.Sub(s.clock.Now())))
			due = timer.C
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-s.wake:
		case <-due:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// processDue handles every task due at the clock's current time. It returns
// the ReadyAt of the next pending task, or pending=false on an empty queue.
func (s *Service) processDue(ctx context.Context) (next time.Time, pending bool) {
	for {
		if s.halted() || ctx.Err() != nil {
			return time.Time{}, false
		}
		now := s.clock.Now()

		s.mu.Lock()
		head := s.q.peek()
		if head == nil {
			s.mu.Unlock()
			return time.Time{}, false
		}
		if head.ReadyAt.After(now) {
			next = head.ReadyAt
			s.mu.Unlock()
			return next, true
		}
		t := s.q.pop()
		s.inFlight = t
		s.publishLocked()
		s.mu.Unlock()

		s.dispatch(ctx, t, now)
	}
}

// dispatch re-validates admission for a due task and sends it.
func (s *Service) dispatch(ctx context.Context, t *Task, now time.Time) {
	chatReady := s.cooldown.NextEligible(t.Target.ChatID, now)
	if !s.throttle.CanDispatch(now) || chatReady.After(now) {
		next := chatReady
		if g := s.throttle.NextAvailable(now); g.After(next) {
			next = g
		}
		s.metrics.observeDeferred()
		s.requeue(t, next)
		return
	}

	t.Attempts++
	err := s.invoke(ctx, t)
	done := s.clock.Now()
	if err == nil {
		s.throttle.Record(done)
		s.cooldown.Record(t.Target.ChatID, done)
		wait := done.Sub(t.EnqueuedAt)
		s.metrics.observeSent(wait)
		ev := eventOf(t)
		ev.Wait = wait
		s.finish()
		s.log.Debug("message sent",
			logx.String("task_id", t.ID),
			logx.Int64("chat_id", t.Target.ChatID),
			logx.String("op", string(t.Op)),
			logx.Int("attempts", t.Attempts),
			logx.Duration("wait", wait),
		)
		s.emit(EventSent, done, ev)
		return
	}

	t.LastErr = err
	class, hint := s.retry.Classify(err)
	switch {
	case class == FailurePermanent:
		s.finish()
		s.drop(t, DropPermanent, done)
	case t.Attempts >= s.retry.MaxAttempts:
		s.finish()
		s.drop(t, DropExhausted, done)
	default:
		delay := s.retry.NextDelay(t.Attempts, hint)
		readyAt := done.Add(delay)
		// Later tasks for this chat must not overtake the retry.
		s.cooldown.Hold(t.Target.ChatID, readyAt)
		s.metrics.observeRetry()
		s.log.Warn("send failed, retrying",
			logx.String("task_id", t.ID),
			logx.Int64("chat_id", t.Target.ChatID),
			logx.String("op", string(t.Op)),
			logx.Int("attempt", t.Attempts),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		ev := eventOf(t)
		ev.Wait = delay
		s.emit(EventRetry, done, ev)
		s.requeue(t, readyAt)
	}
}

func (s *Service) invoke(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("send panicked",
				logx.String("task_id", t.ID),
				logx.String("op", string(t.Op)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = transport.Permanent(fmt.Errorf("panic in %s: %v", t.Op, r))
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return t.invoke(cctx, s.sender)
}

// requeue puts t back with a new ReadyAt, never earlier than the current one.
// After shutdown began the task is dropped instead.
func (s *Service) requeue(t *Task, readyAt time.Time) {
	if readyAt.Before(t.ReadyAt) {
		readyAt = t.ReadyAt
	}
	s.mu.Lock()
	s.inFlight = nil
	if s.halted() {
		s.publishLocked()
		s.mu.Unlock()
		s.drop(t, DropShutdown, s.clock.Now())
		return
	}
	t.ReadyAt = readyAt
	s.q.push(t)
	s.publishLocked()
	s.mu.Unlock()
}

func (s *Service) finish() {
	s.mu.Lock()
	s.inFlight = nil
	s.publishLocked()
	s.mu.Unlock()
}

func (s *Service) drop(t *Task, reason DropReason, at time.Time) {
	s.metrics.observeDropped(reason)
	ev := eventOf(t)
	ev.Reason = reason

	fields := []logx.Field{
		logx.String("task_id", t.ID),
		logx.Int64("chat_id", t.Target.ChatID),
		logx.String("op", string(t.Op)),
		logx.Int("attempts", t.Attempts),
		logx.String("reason", string(reason)),
		logx.Err(t.LastErr),
	}
	if reason == DropShutdown {
		s.log.Warn("message dropped", fields...)
	} else {
		s.log.Error("message dropped", fields...)
	}
	s.emit(EventDropped, at, ev)
}
