package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesim-project/wesim/particle"
	"github.com/wesim-project/wesim/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStore_CurrentIterationDefaultsToZero(t *testing.T) {
	st := openTestStore(t)
	n, err := st.GetCurrentIteration()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestStore_InsertAndQuerySegments(t *testing.T) {
	st := openTestStore(t)

	segs := []*particle.Segment{
		{SegID: 1, NIter: 0, Weight: 0.5, Status: particle.StatusPrepared},
		{SegID: 2, NIter: 0, Weight: 0.5, Status: particle.StatusComplete},
	}
	require.NoError(t, st.RunTx(func(tx *store.Tx) error {
		return tx.InsertSegments(0, segs)
	}))

	var all, complete []*particle.Segment
	require.NoError(t, st.RunView(func(tx *store.Tx) error {
		var err error
		all, err = tx.QuerySegments(0, store.SegmentFilter{})
		if err != nil {
			return err
		}
		status := particle.StatusComplete
		complete, err = tx.QuerySegments(0, store.SegmentFilter{Status: &status})
		return err
	}))
	assert.Len(t, all, 2)
	require.Len(t, complete, 1)
	assert.EqualValues(t, 2, complete[0].SegID)
}

func TestStore_QuerySegmentsExcludeStatus(t *testing.T) {
	st := openTestStore(t)
	segs := []*particle.Segment{
		{SegID: 1, NIter: 3, Status: particle.StatusComplete},
		{SegID: 2, NIter: 3, Status: particle.StatusRunning},
	}
	require.NoError(t, st.RunTx(func(tx *store.Tx) error { return tx.InsertSegments(3, segs) }))

	var incomplete []*particle.Segment
	require.NoError(t, st.RunView(func(tx *store.Tx) error {
		complete := particle.StatusComplete
		var err error
		incomplete, err = tx.QuerySegments(3, store.SegmentFilter{ExcludeStatus: &complete})
		return err
	}))
	require.Len(t, incomplete, 1)
	assert.EqualValues(t, 2, incomplete[0].SegID)
}

func TestStore_QuerySegmentsIsolatedByIteration(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.RunTx(func(tx *store.Tx) error {
		if err := tx.InsertSegments(0, []*particle.Segment{{SegID: 1, NIter: 0}}); err != nil {
			return err
		}
		return tx.InsertSegments(1, []*particle.Segment{{SegID: 1, NIter: 1}, {SegID: 2, NIter: 1}})
	}))

	var iter0, iter1 []*particle.Segment
	require.NoError(t, st.RunView(func(tx *store.Tx) error {
		var err error
		iter0, err = tx.QuerySegments(0, store.SegmentFilter{})
		if err != nil {
			return err
		}
		iter1, err = tx.QuerySegments(1, store.SegmentFilter{})
		return err
	}))
	assert.Len(t, iter0, 1)
	assert.Len(t, iter1, 2)
}

func TestStore_IterationSummaryRoundTrip(t *testing.T) {
	st := openTestStore(t)
	summ := &particle.Summary{NIter: 4, NParticles: 12, Norm: 1.0}
	require.NoError(t, st.RunTx(func(tx *store.Tx) error { return tx.InsertIterationSummary(summ) }))

	var got *particle.Summary
	require.NoError(t, st.RunView(func(tx *store.Tx) error {
		var err error
		got, err = tx.GetIterationSummary(4)
		return err
	}))
	require.NotNil(t, got)
	assert.Equal(t, summ.NParticles, got.NParticles)

	require.NoError(t, st.RunView(func(tx *store.Tx) error {
		missing, err := tx.GetIterationSummary(999)
		assert.Nil(t, missing)
		return err
	}))
}

func TestStore_SetAndGetCurrentIteration(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.RunTx(func(tx *store.Tx) error { return tx.SetCurrentIteration(9) }))
	n, err := st.GetCurrentIteration()
	require.NoError(t, err)
	assert.EqualValues(t, 9, n)
}

func TestStore_AuxiliaryDatasetRoundTrip(t *testing.T) {
	st := openTestStore(t)
	data := []float64{1, 2, 3}
	require.NoError(t, st.RunTx(func(tx *store.Tx) error { return tx.PutAuxiliary(5, "weed", "transition", data) }))

	got, err := st.RunTxGetAuxiliary(5, "weed", "transition")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	missing, err := st.RunTxGetAuxiliary(5, "weed", "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_LockIsExclusivePerKey(t *testing.T) {
	st := openTestStore(t)
	unlockA := st.Lock(1, "group")
	released := make(chan struct{})
	go func() {
		unlockB := st.Lock(1, "group")
		defer unlockB()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("second Lock on the same key must block until the first is released")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after the first released")
	}
}
