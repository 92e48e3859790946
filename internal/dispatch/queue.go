package dispatch

import (
	"container/heap"
	"time"
)

// taskHeap is an indexed binary heap over pending tasks. slot returns the
// task field holding its position so any task can be removed in O(log n).
type taskHeap struct {
	items []*Task
	less  func(a, b *Task) bool
	slot  func(t *Task) *int
}

func (h *taskHeap) Len() int           { return len(h.items) }
func (h *taskHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *taskHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	*h.slot(h.items[i]) = i
	*h.slot(h.items[j]) = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	*h.slot(t) = len(h.items)
	h.items = append(h.items, t)
}
func (h *taskHeap) Pop() any {
	n := len(h.items)
	t := h.items[n-1]
	h.items[n-1] = nil
	*h.slot(t) = -1
	h.items = h.items[:n-1]
	return t
}

func (h *taskHeap) top() *Task {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// queue is the pending set. Callers hold Service.mu.
//
// ready orders by (ReadyAt, Seq) and is the worker's pop order. latest keeps
// the task with the furthest ReadyAt on top and age the earliest EnqueuedAt,
// so pending metrics are O(1) to publish.
type queue struct {
	ready  taskHeap
	latest taskHeap
	age    taskHeap

	// epoch anchors readySum so the running sum stays small.
	epoch    time.Time
	readySum float64 // sum of (ReadyAt - epoch) in seconds over pending tasks
}

func newQueue(epoch time.Time) *queue {
	return &queue{
		ready: taskHeap{
			less: func(a, b *Task) bool {
				if !a.ReadyAt.Equal(b.ReadyAt) {
					return a.ReadyAt.Before(b.ReadyAt)
				}
				return a.Seq < b.Seq
			},
			slot: func(t *Task) *int { return &t.readyIdx },
		},
		latest: taskHeap{
			less: func(a, b *Task) bool {
				if !a.ReadyAt.Equal(b.ReadyAt) {
					return a.ReadyAt.After(b.ReadyAt)
				}
				return a.Seq < b.Seq
			},
			slot: func(t *Task) *int { return &t.latestIdx },
		},
		age: taskHeap{
			less: func(a, b *Task) bool {
				if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
					return a.EnqueuedAt.Before(b.EnqueuedAt)
				}
				return a.Seq < b.Seq
			},
			slot: func(t *Task) *int { return &t.ageIdx },
		},
		epoch: epoch,
	}
}

func (q *queue) len() int { return q.ready.Len() }

func (q *queue) push(t *Task) {
	heap.Push(&q.ready, t)
	heap.Push(&q.latest, t)
	heap.Push(&q.age, t)
	q.readySum += t.ReadyAt.Sub(q.epoch).Seconds()
}

// peek returns the task with the smallest (ReadyAt, Seq), or nil.
func (q *queue) peek() *Task { return q.ready.top() }

func (q *queue) pop() *Task {
	if q.ready.Len() == 0 {
		return nil
	}
	t := heap.Pop(&q.ready).(*Task)
	heap.Remove(&q.latest, t.latestIdx)
	heap.Remove(&q.age, t.ageIdx)
	if q.ready.Len() == 0 {
		// Reset to shed accumulated float error.
		q.readySum = 0
	} else {
		q.readySum -= t.ReadyAt.Sub(q.epoch).Seconds()
	}
	return t
}

// furthest returns the pending task with the latest ReadyAt (lowest Seq on
// ties), or nil.
func (q *queue) furthest() *Task { return q.latest.top() }

// oldest returns the pending task with the earliest EnqueuedAt, or nil.
func (q *queue) oldest() *Task { return q.age.top() }

// drain removes and returns every pending task in pop order.
func (q *queue) drain() []*Task {
	out := make([]*Task, 0, q.len())
	for q.len() > 0 {
		out = append(out, q.pop())
	}
	return out
}
