package workmgr_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesim-project/wesim/particle"
	"github.com/wesim-project/wesim/workmgr"
)

func TestLocalManager_PropagatesAllSegments(t *testing.T) {
	var calls int32
	fn := func(_ context.Context, seg *particle.Segment) (*particle.Segment, error) {
		atomic.AddInt32(&calls, 1)
		seg.Pcoord = append(seg.Pcoord, []float64{seg.StartPcoord()[0] + 1})
		return seg, nil
	}
	m := workmgr.NewLocal(fn, 4, nil)

	segs := make([]*particle.Segment, 10)
	for i := range segs {
		segs[i] = &particle.Segment{SegID: uint64(i + 1), Pcoord: [][]float64{{float64(i)}}, Status: particle.StatusPrepared}
	}

	out, err := m.Propagate(context.Background(), segs)
	require.NoError(t, err)
	require.Len(t, out, 10)
	assert.EqualValues(t, 10, atomic.LoadInt32(&calls))
	for i, s := range out {
		assert.Equal(t, particle.StatusComplete, s.Status)
		assert.Equal(t, float64(i)+1, s.EndPcoord()[0])
	}
}

func TestLocalManager_MarksFailedSegmentsWithoutAbortingBatch(t *testing.T) {
	fn := func(_ context.Context, seg *particle.Segment) (*particle.Segment, error) {
		if seg.SegID == 2 {
			return nil, assert.AnError
		}
		return seg, nil
	}
	m := workmgr.NewLocal(fn, 2, nil)

	segs := []*particle.Segment{
		{SegID: 1, Pcoord: [][]float64{{0}}},
		{SegID: 2, Pcoord: [][]float64{{0}}},
		{SegID: 3, Pcoord: [][]float64{{0}}},
	}
	out, err := m.Propagate(context.Background(), segs)
	require.NoError(t, err, "a per-segment propagator error must not fail the whole batch")

	byID := map[uint64]particle.Status{}
	for _, s := range out {
		byID[s.SegID] = s.Status
	}
	assert.Equal(t, particle.StatusComplete, byID[1])
	assert.Equal(t, particle.StatusFailed, byID[2])
	assert.Equal(t, particle.StatusComplete, byID[3])
}

func TestLocalManager_CancelStopsPendingWork(t *testing.T) {
	started := make(chan struct{}, 1)
	fn := func(ctx context.Context, seg *particle.Segment) (*particle.Segment, error) {
		started <- struct{}{}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return seg, nil
		}
	}
	m := workmgr.NewLocal(fn, 1, nil)

	segs := []*particle.Segment{{SegID: 1, Pcoord: [][]float64{{0}}}}
	var out []*particle.Segment
	done := make(chan struct{})
	go func() {
		out, _ = m.Propagate(context.Background(), segs)
		close(done)
	}()

	<-started
	m.Cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Propagate did not return promptly after Cancel")
	}

	require.Len(t, out, 1)
	assert.Equal(t, particle.StatusRunning, out[0].Status, "a segment cut short by Cancel must stay RUNNING, not FAILED")
}
