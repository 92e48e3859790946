// Package journal persists dispatch drops so no message is lost silently.
package journal

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"digestbot/internal/dispatch"
	"digestbot/internal/eventbus"
	"digestbot/internal/runtime/supervisor"
	"digestbot/internal/storage"
	"digestbot/pkg/logx"
)

const (
	subscriberBuffer = 256
	writeTimeout     = 3 * time.Second
)

// Writer copies dispatch.dropped events into a storage.Store.
type Writer struct {
	store storage.Store
	log   logx.Logger

	ch    <-chan eventbus.Event
	unsub func()
	sup   *supervisor.Supervisor

	written atomic.Uint64
	failed  atomic.Uint64
}

// New subscribes immediately so drops published before Start are buffered.
func New(store storage.Store, bus eventbus.Bus, log logx.Logger) *Writer {
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(subscriberBuffer, dispatch.EventDropped)
	return &Writer{
		store: store,
		log:   log.With(logx.String("comp", "journal")),
		ch:    ch,
		unsub: unsub,
	}
}

func (w *Writer) Start(ctx context.Context) {
	w.sup = supervisor.New(ctx, supervisor.WithLogger(w.log))
	w.sup.GoRestart("journal.writer", w.run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
}

// Stop unsubscribes and writes what is already buffered, bounded by ctx.
// Call it after the dispatcher has stopped so shutdown drops are captured.
func (w *Writer) Stop(ctx context.Context) error {
	w.unsub()
	if w.sup == nil {
		return nil
	}
	err := w.sup.Wait(ctx)
	w.sup.Cancel()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		w.log.Warn("journal stop timed out; buffered drops lost", logx.Int("buffered", len(w.ch)))
	}
	return err
}

func (w *Writer) Written() uint64 { return w.written.Load() }
func (w *Writer) Failed() uint64  { return w.failed.Load() }

func (w *Writer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-w.ch:
			if !ok {
				return nil
			}
			w.write(e)
		}
	}
}

func (w *Writer) write(e eventbus.Event) {
	ev, ok := e.Data.(dispatch.Event)
	if !ok {
		return
	}
	rec := storage.DropRecord{
		TaskID:     ev.TaskID,
		ChatID:     ev.ChatID,
		ThreadID:   ev.ThreadID,
		Op:         string(ev.Op),
		Attempts:   ev.Attempts,
		Reason:     string(ev.Reason),
		LastError:  ev.Error,
		EnqueuedAt: ev.EnqueuedAt,
		DroppedAt:  e.Time,
	}

	// Detached from the run context so shutdown drops still land.
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := w.store.AppendDrop(ctx, rec); err != nil {
		w.failed.Add(1)
		w.log.Error("drop journal append failed", logx.String("task_id", rec.TaskID), logx.Err(err))
		return
	}
	w.written.Add(1)
}
