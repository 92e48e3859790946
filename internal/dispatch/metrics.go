package dispatch

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DropReason labels terminal drops.
type DropReason string

const (
	DropPermanent DropReason = "permanent"
	DropExhausted DropReason = "exhausted"
	DropShutdown  DropReason = "shutdown"
)

// MetricsSnapshot is a point-in-time view of the scheduler.
//
// Pending delays are predicted waits (ReadyAt - now) of tasks still queued.
// MaxDelay and the worst chat come from the task due last, so WorstChatDelay
// is the largest per-chat delay. AverageDelay is mean(ReadyAt) - now, floored
// at zero; it matches the per-task mean whenever no pending task is overdue,
// which holds while the worker is idle. MaxPendingAge is how long the oldest
// pending task has waited so far.
type MetricsSnapshot struct {
	QueueDepth     int           `json:"queue_depth"`
	MaxDelay       time.Duration `json:"max_delay"`
	AverageDelay   time.Duration `json:"average_delay"`
	WorstChatID    int64         `json:"worst_chat_id"`
	WorstChatDelay time.Duration `json:"worst_chat_delay"`
	MaxPendingAge  time.Duration `json:"max_pending_age"`
	InFlight       bool          `json:"in_flight"`
	Bypassed       bool          `json:"bypassed"`

	Sent             uint64 `json:"sent"`
	Retries          uint64 `json:"retries"`
	Deferred         uint64 `json:"deferred"`
	Rejected         uint64 `json:"rejected"`
	HeavyLoadSignals uint64 `json:"heavy_load_signals"`
	DroppedPermanent uint64 `json:"dropped_permanent"`
	DroppedExhausted uint64 `json:"dropped_exhausted"`
	DroppedShutdown  uint64 `json:"dropped_shutdown"`

	MaxObservedWait time.Duration `json:"max_observed_wait"`
	AvgObservedWait time.Duration `json:"avg_observed_wait"`

	SampledAt time.Time `json:"sampled_at"`
}

// pendingState is published by the service under its lock and read lock-free.
type pendingState struct {
	depth      int
	inFlight   bool
	epoch      time.Time
	readySum   float64
	latestAt   time.Time
	latestChat int64
	oldestAt   time.Time
}

// Metrics aggregates scheduler counters. Snapshot never blocks the worker.
type Metrics struct {
	clock   Clock
	bypass  *atomic.Bool
	pending atomic.Pointer[pendingState]

	sent, retries, deferred, rejected, heavy atomic.Uint64
	droppedPermanent, droppedExhausted       atomic.Uint64
	droppedShutdown                          atomic.Uint64

	waitSum   atomic.Int64 // ns, over sent tasks
	waitMax   atomic.Int64 // ns
	waitCount atomic.Uint64

	prom promMetrics
}

type promMetrics struct {
	sent     prometheus.Counter
	retries  prometheus.Counter
	deferred prometheus.Counter
	rejected prometheus.Counter
	heavy    prometheus.Counter
	dropped  *prometheus.CounterVec
	depth    prometheus.Gauge
	wait     prometheus.Histogram
}

// newMetrics builds the collectors. A nil registerer leaves them unregistered.
func newMetrics(clock Clock, bypass *atomic.Bool, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		clock:  clock,
		bypass: bypass,
		prom: promMetrics{
			sent: f.NewCounter(prometheus.CounterOpts{
				Name: "digestbot_dispatch_sent_total",
				Help: "Messages delivered to the transport.",
			}),
			retries: f.NewCounter(prometheus.CounterOpts{
				Name: "digestbot_dispatch_retries_total",
				Help: "Transient send failures scheduled for another attempt.",
			}),
			deferred: f.NewCounter(prometheus.CounterOpts{
				Name: "digestbot_dispatch_deferred_total",
				Help: "Due tasks pushed back by the global throttle or a chat cooldown.",
			}),
			rejected: f.NewCounter(prometheus.CounterOpts{
				Name: "digestbot_dispatch_rejected_total",
				Help: "Enqueue attempts refused because the queue was full.",
			}),
			heavy: f.NewCounter(prometheus.CounterOpts{
				Name: "digestbot_dispatch_heavy_load_signals_total",
				Help: "Typing indicators sent because the expected wait exceeded the threshold.",
			}),
			dropped: f.NewCounterVec(prometheus.CounterOpts{
				Name: "digestbot_dispatch_dropped_total",
				Help: "Tasks dropped without delivery, by reason.",
			}, []string{"reason"}),
			depth: f.NewGauge(prometheus.GaugeOpts{
				Name: "digestbot_dispatch_queue_depth",
				Help: "Tasks waiting in the dispatch queue.",
			}),
			wait: f.NewHistogram(prometheus.HistogramOpts{
				Name:    "digestbot_dispatch_wait_seconds",
				Help:    "Time from enqueue to successful dispatch.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30, 60, 120},
			}),
		},
	}
	for _, r := range []DropReason{DropPermanent, DropExhausted, DropShutdown} {
		m.prom.dropped.WithLabelValues(string(r))
	}
	m.pending.Store(&pendingState{})
	return m
}

func (m *Metrics) publish(st *pendingState) {
	m.pending.Store(st)
	m.prom.depth.Set(float64(st.depth))
}

func (m *Metrics) observeSent(wait time.Duration) {
	if wait < 0 {
		wait = 0
	}
	m.sent.Add(1)
	m.prom.sent.Inc()
	m.prom.wait.Observe(wait.Seconds())

	m.waitSum.Add(int64(wait))
	m.waitCount.Add(1)
	for {
		cur := m.waitMax.Load()
		if int64(wait) <= cur || m.waitMax.CompareAndSwap(cur, int64(wait)) {
			break
		}
	}
}

func (m *Metrics) observeRetry() {
	m.retries.Add(1)
	m.prom.retries.Inc()
}

func (m *Metrics) observeDeferred() {
	m.deferred.Add(1)
	m.prom.deferred.Inc()
}

func (m *Metrics) observeRejected() {
	m.rejected.Add(1)
	m.prom.rejected.Inc()
}

func (m *Metrics) observeHeavyLoad() {
	m.heavy.Add(1)
	m.prom.heavy.Inc()
}

func (m *Metrics) observeDropped(reason DropReason) {
	switch reason {
	case DropPermanent:
		m.droppedPermanent.Add(1)
	case DropExhausted:
		m.droppedExhausted.Add(1)
	case DropShutdown:
		m.droppedShutdown.Add(1)
	}
	m.prom.dropped.WithLabelValues(string(reason)).Inc()
}

// Snapshot computes the current view. With the scheduler bypassed, pending
// figures are zero rather than stale.
func (m *Metrics) Snapshot() MetricsSnapshot {
	now := m.clock.Now()
	snap := MetricsSnapshot{
		Sent:             m.sent.Load(),
		Retries:          m.retries.Load(),
		Deferred:         m.deferred.Load(),
		Rejected:         m.rejected.Load(),
		HeavyLoadSignals: m.heavy.Load(),
		DroppedPermanent: m.droppedPermanent.Load(),
		DroppedExhausted: m.droppedExhausted.Load(),
		DroppedShutdown:  m.droppedShutdown.Load(),
		MaxObservedWait:  time.Duration(m.waitMax.Load()),
		SampledAt:        now,
	}
	if n := m.waitCount.Load(); n > 0 {
		snap.AvgObservedWait = time.Duration(m.waitSum.Load() / int64(n))
	}
	if m.bypass != nil && m.bypass.Load() {
		snap.Bypassed = true
		return snap
	}

	st := m.pending.Load()
	snap.InFlight = st.inFlight
	if st.depth == 0 {
		return snap
	}
	snap.QueueDepth = st.depth
	snap.MaxDelay = max(0, st.latestAt.Sub(now))
	snap.WorstChatID = st.latestChat
	snap.WorstChatDelay = snap.MaxDelay
	snap.MaxPendingAge = max(0, now.Sub(st.oldestAt))

	meanOffset := time.Duration(st.readySum / float64(st.depth) * float64(time.Second))
	snap.AverageDelay = max(0, st.epoch.Add(meanOffset).Sub(now))
	return snap
}
