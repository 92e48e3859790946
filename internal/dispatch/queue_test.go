package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digestbot/internal/transport"
)

func chat(id int64) transport.ChatTarget { return transport.ChatTarget{ChatID: id} }

func TestQueueOrdersByReadyAtThenSeq(t *testing.T) {
	q := newQueue(t0)
	q.push(&Task{Seq: 3, EnqueuedAt: t0, ReadyAt: t0.Add(time.Second)})
	q.push(&Task{Seq: 1, EnqueuedAt: t0, ReadyAt: t0.Add(2 * time.Second)})
	q.push(&Task{Seq: 2, EnqueuedAt: t0, ReadyAt: t0.Add(time.Second)})
	q.push(&Task{Seq: 4, EnqueuedAt: t0, ReadyAt: t0})

	var got []uint64
	for q.len() > 0 {
		got = append(got, q.pop().Seq)
	}
	assert.Equal(t, []uint64{4, 2, 3, 1}, got)
	assert.Nil(t, q.peek())
	assert.Nil(t, q.oldest())
	assert.Nil(t, q.furthest())
}

func TestQueueTracksFurthestAndOldest(t *testing.T) {
	q := newQueue(t0)
	a := &Task{Seq: 1, Target: chat(2), EnqueuedAt: t0, ReadyAt: t0.Add(time.Minute)}
	b := &Task{Seq: 2, Target: chat(1), EnqueuedAt: t0.Add(time.Second), ReadyAt: t0.Add(time.Hour)}
	c := &Task{Seq: 3, Target: chat(3), EnqueuedAt: t0.Add(2 * time.Second), ReadyAt: t0}
	q.push(a)
	q.push(b)
	q.push(c)

	require.Same(t, b, q.furthest())
	require.Same(t, a, q.oldest())
	assert.InDelta(t, 3660.0, q.readySum, 1e-9)

	require.Same(t, c, q.pop())
	assert.Same(t, b, q.furthest())
	assert.InDelta(t, 3660.0, q.readySum, 1e-9)

	require.Same(t, a, q.pop())
	assert.Same(t, b, q.oldest())
	assert.InDelta(t, 3600.0, q.readySum, 1e-9)

	require.Same(t, b, q.pop())
	assert.Zero(t, q.readySum)
}

func TestQueueFurthestTieGoesToLowerSeq(t *testing.T) {
	q := newQueue(t0)
	q.push(&Task{Seq: 7, Target: chat(9), EnqueuedAt: t0, ReadyAt: t0.Add(time.Second)})
	q.push(&Task{Seq: 4, Target: chat(5), EnqueuedAt: t0, ReadyAt: t0.Add(time.Second)})

	assert.Equal(t, uint64(4), q.furthest().Seq)
}

func TestQueueRequeueMovesReadyAt(t *testing.T) {
	q := newQueue(t0)
	a := &Task{Seq: 1, EnqueuedAt: t0, ReadyAt: t0}
	b := &Task{Seq: 2, EnqueuedAt: t0, ReadyAt: t0.Add(time.Second)}
	q.push(a)
	q.push(b)

	require.Same(t, a, q.pop())
	a.ReadyAt = t0.Add(5 * time.Second)
	q.push(a)

	assert.Same(t, a, q.furthest())
	assert.Same(t, b, q.peek())
	assert.InDelta(t, 6.0, q.readySum, 1e-9)
}

func TestQueueDrain(t *testing.T) {
	q := newQueue(t0)
	for i := 5; i >= 1; i-- {
		q.push(&Task{Seq: uint64(i), EnqueuedAt: t0, ReadyAt: t0})
	}
	out := q.drain()
	require.Len(t, out, 5)
	assert.Equal(t, uint64(1), out[0].Seq)
	assert.Equal(t, 0, q.len())
}
