package events_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesim-project/wesim/events"
)

func TestBus_FiresInPriorityOrder(t *testing.T) {
	b := events.New()
	var order []int

	b.Register(events.StagePreIteration, 10, func(uint64) error { order = append(order, 10); return nil })
	b.Register(events.StagePreIteration, 0, func(uint64) error { order = append(order, 0); return nil })
	b.Register(events.StagePreIteration, 5, func(uint64) error { order = append(order, 5); return nil })

	require.NoError(t, b.Fire(events.StagePreIteration, 1))
	assert.Equal(t, []int{0, 5, 10}, order)
}

func TestBus_StopsAtFirstError(t *testing.T) {
	b := events.New()
	var ran []int

	sentinel := errors.New("boom")
	b.Register(events.StagePostIteration, 0, func(uint64) error { ran = append(ran, 0); return nil })
	b.Register(events.StagePostIteration, 1, func(uint64) error { ran = append(ran, 1); return sentinel })
	b.Register(events.StagePostIteration, 2, func(uint64) error { ran = append(ran, 2); return nil })

	err := b.Fire(events.StagePostIteration, 1)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, []int{0, 1}, ran, "the handler after the error must not run")
}

func TestBus_StagesAreIndependent(t *testing.T) {
	b := events.New()
	fired := false
	b.Register(events.StagePrepareNewIteration, 0, func(uint64) error { fired = true; return nil })

	require.NoError(t, b.Fire(events.StagePreIteration, 1))
	assert.False(t, fired, "firing one stage must not run handlers registered on another")

	require.NoError(t, b.Fire(events.StagePrepareNewIteration, 1))
	assert.True(t, fired)
}

func TestBus_NIterPassedThrough(t *testing.T) {
	b := events.New()
	var got uint64
	b.Register(events.StagePostIteration, 0, func(n uint64) error { got = n; return nil })
	require.NoError(t, b.Fire(events.StagePostIteration, 42))
	assert.EqualValues(t, 42, got)
}
