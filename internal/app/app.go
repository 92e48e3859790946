package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"digestbot/internal/admin"
	"digestbot/internal/config"
	"digestbot/internal/dispatch"
	"digestbot/internal/eventbus"
	"digestbot/internal/journal"
	"digestbot/internal/monitor"
	"digestbot/internal/runtime/supervisor"
	"digestbot/internal/storage"
	"digestbot/internal/transport"
	"digestbot/internal/transport/telegram"
	logx "digestbot/pkg/logx"
)

type Option func(*options)

type options struct {
	sender transport.Sender
}

// WithSender replaces the Telegram adapter. Tests use it to run offline.
func WithSender(s transport.Sender) Option {
	return func(o *options) { o.sender = s }
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	sender  transport.Sender
	disp    *dispatch.Service
	drain   time.Duration
	msgr    *dispatch.Messenger
	store   storage.Store
	journal *journal.Writer
	monitor *monitor.Backlog
	admin   *admin.Server
}

// New loads the configuration and builds every component. Nothing runs
// until Start.
func New(cfgPath, envFile string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath, envFile)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The admin sink gets its sender once the adapter exists.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	appLog := log.With(logx.String("comp", "app"))

	sender := o.sender
	if sender == nil {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(tcfg, log)
		if err != nil {
			return nil, err
		}
		sender = ad
	}
	logSvc.SetSender(sender)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	bus := eventbus.New()

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp, err := dispatch.New(dcfg, sender, log, bus, dispatch.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:   cfgm,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		reg:    reg,
		sender: sender,
		disp:   disp,
		drain:  dcfg.DrainTimeout,
		msgr:   dispatch.NewMessenger(disp),
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		// subscribes now so no drop published before Start is missed
		a.journal = journal.New(st, bus, log)
		appLog.Info("drop journal enabled", logx.String("driver", sc.Driver))
	}

	if cfg.Monitor.Enabled {
		mcfg, err := mapMonitorConfig(cfg)
		if err != nil {
			_ = a.closeStore()
			return nil, err
		}
		if mcfg.Target.ChatID == 0 {
			appLog.Warn("backlog monitor enabled but no admin chat configured; alerts disabled")
		} else {
			// alerts go straight to the transport, never through the queue they describe
			mon, err := monitor.New(mcfg, disp, sender, bus, log)
			if err != nil {
				_ = a.closeStore()
				return nil, err
			}
			a.monitor = mon
		}
	}

	acfg, err := mapAdminConfig(cfg)
	if err != nil {
		_ = a.closeStore()
		return nil, err
	}
	if acfg.Enabled {
		var drops admin.DropLister
		if a.store != nil {
			drops = a.store
		}
		a.admin = admin.New(acfg, disp, drops, reg, log)
	}

	return a, nil
}

// Messenger is the producer-facing facade over the dispatch queue.
func (a *App) Messenger() *dispatch.Messenger { return a.msgr }

// Dispatcher exposes the scheduler for status and direct sends.
func (a *App) Dispatcher() *dispatch.Service { return a.disp }

// AdminAddr is the bound admin address, empty when the server is off.
func (a *App) AdminAddr() string {
	if a.admin == nil {
		return ""
	}
	return a.admin.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the components. Components outlive ctx's cancellation; Stop
// ends them in order so queued messages can drain after a signal.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	base := context.WithoutCancel(ctx)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateReload(cfg)
	})

	if a.journal != nil {
		a.journal.Start(base)
	}
	a.disp.Start(base)
	if a.monitor != nil {
		if err := a.monitor.Start(base); err != nil {
			return fmt.Errorf("start monitor: %w", err)
		}
	}
	if a.admin != nil {
		if err := a.admin.Start(ctx); err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})

	if strings.TrimSpace(a.cfgm.Path()) != "" {
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started", logx.Bool("dispatch_enabled", !a.disp.Bypassed()))
	return nil
}

// applyConfig pushes the hot-reloadable parts of next into the running
// components. Everything else is reported as needing a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))

	dcfg, err := mapDispatchConfig(next)
	if err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}

	var restart []string
	for _, s := range sections {
		switch s {
		case "telegram", "storage", "admin", "monitor":
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down: producers first, then the queue, then the
// journal that records what the queue dropped.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error

	// admin and monitor are independent of each other
	g, gctx := errgroup.WithContext(ctx)
	if a.admin != nil {
		g.Go(func() error { return a.step(gctx, "admin", 2*time.Second, a.admin.Stop) })
	}
	if a.monitor != nil {
		g.Go(func() error { return a.step(gctx, "monitor", time.Second, a.monitor.Stop) })
	}
	errs = append(errs, g.Wait())

	errs = append(errs, a.step(ctx, "dispatch", a.drain+2*time.Second, a.disp.Stop))
	if a.journal != nil {
		errs = append(errs, a.step(ctx, "journal", 3*time.Second, a.journal.Stop))
	}
	errs = append(errs, a.step(ctx, "storage", time.Second, func(context.Context) error {
		return a.closeStore()
	}))
	errs = append(errs, a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait))

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	st := a.store
	a.store = nil
	return st.Close()
}

// step runs one shutdown step with an upper bound so one component cannot
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return fmt.Errorf("stop %s: %w", name, context.DeadlineExceeded)
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return fmt.Errorf("stop %s: %w", name, err)
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return fmt.Errorf("stop %s: %w", name, stepCtx.Err())
	}
}
