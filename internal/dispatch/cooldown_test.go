package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCooldownNextEligible(t *testing.T) {
	c, err := NewCooldownTracker(time.Second)
	require.NoError(t, err)

	assert.Equal(t, t0, c.NextEligible(1, t0), "unknown chat is eligible now")

	c.Record(1, t0)
	assert.Equal(t, t0.Add(time.Second), c.NextEligible(1, t0.Add(200*time.Millisecond)))
	assert.Equal(t, t0.Add(3*time.Second), c.NextEligible(1, t0.Add(3*time.Second)))
	assert.Equal(t, t0, c.NextEligible(2, t0), "other chats are unaffected")
}

func TestCooldownRejectsNegative(t *testing.T) {
	_, err := NewCooldownTracker(-time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCooldownHold(t *testing.T) {
	c, err := NewCooldownTracker(time.Second)
	require.NoError(t, err)

	c.Record(7, t0)
	c.Hold(7, t0.Add(4*time.Second))
	c.Hold(7, t0.Add(2*time.Second))
	assert.Equal(t, t0.Add(4*time.Second), c.NextEligible(7, t0.Add(time.Second)), "holds only extend")

	c.Record(7, t0.Add(4*time.Second))
	assert.Equal(t, t0.Add(5*time.Second), c.NextEligible(7, t0.Add(4*time.Second)))
}

func TestCooldownPrune(t *testing.T) {
	c, err := NewCooldownTracker(time.Second)
	require.NoError(t, err)

	c.Record(1, t0)
	c.Record(2, t0.Add(900*time.Millisecond))
	c.Hold(3, t0.Add(500*time.Millisecond))

	now := t0.Add(1500 * time.Millisecond)
	before := map[int64]time.Time{}
	for _, id := range []int64{1, 2, 3} {
		before[id] = c.NextEligible(id, now)
	}

	assert.Equal(t, 1, c.Prune(now))
	assert.Equal(t, 1, c.Len())
	for id, want := range before {
		assert.Equal(t, want, c.NextEligible(id, now), "chat %d", id)
	}
}

func TestCooldownZero(t *testing.T) {
	c, err := NewCooldownTracker(0)
	require.NoError(t, err)
	c.Record(1, t0)
	assert.Equal(t, t0, c.NextEligible(1, t0))
}
