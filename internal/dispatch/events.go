package dispatch

import (
	"time"

	"digestbot/internal/eventbus"
)

// Event types published on the bus.
const (
	EventQueued    = "dispatch.queued"
	EventSent      = "dispatch.sent"
	EventRetry     = "dispatch.retry"
	EventDropped   = "dispatch.dropped"
	EventHeavyLoad = "dispatch.heavy_load"
	EventRejected  = "dispatch.rejected"
)

// Event is the payload of every dispatch.* bus event.
type Event struct {
	TaskID     string        `json:"task_id"`
	Seq        uint64        `json:"seq"`
	ChatID     int64         `json:"chat_id"`
	ThreadID   int           `json:"thread_id,omitempty"`
	Op         Op            `json:"op"`
	Part       int           `json:"part,omitempty"`
	Parts      int           `json:"parts,omitempty"`
	Attempts   int           `json:"attempts"`
	Reason     DropReason    `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	ReadyAt    time.Time     `json:"ready_at"`
	Wait       time.Duration `json:"wait,omitempty"`
}

func eventOf(t *Task) Event {
	ev := Event{
		TaskID:     t.ID,
		Seq:        t.Seq,
		ChatID:     t.Target.ChatID,
		ThreadID:   t.Target.ThreadID,
		Op:         t.Op,
		Part:       t.Part,
		Parts:      t.Parts,
		Attempts:   t.Attempts,
		EnqueuedAt: t.EnqueuedAt,
		ReadyAt:    t.ReadyAt,
	}
	if t.LastErr != nil {
		ev.Error = t.LastErr.Error()
	}
	return ev
}

func (s *Service) emit(typ string, at time.Time, ev Event) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}
