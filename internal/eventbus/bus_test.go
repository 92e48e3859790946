package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixFilter(t *testing.T) {
	b := New()
	drops, unsub := b.Subscribe(4, "dispatch.dropped")
	defer unsub()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "dispatch.sent"})
	b.Publish(Event{Type: "dispatch.dropped", Data: 1})

	e := <-drops
	assert.Equal(t, "dispatch.dropped", e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Len(t, drops, 0)
	assert.Len(t, all, 2)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	require.Len(t, ch, 1)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	assert.NotPanics(t, func() { b.Publish(Event{Type: "x"}) })
	_, ok := <-ch
	assert.False(t, ok)
}
