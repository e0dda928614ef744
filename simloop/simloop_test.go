package simloop_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesim-project/wesim/bin"
	"github.com/wesim-project/wesim/cmn"
	"github.com/wesim-project/wesim/driver"
	"github.com/wesim-project/wesim/events"
	"github.com/wesim-project/wesim/particle"
	"github.com/wesim-project/wesim/resample"
	"github.com/wesim-project/wesim/simloop"
	"github.com/wesim-project/wesim/store"
	"github.com/wesim-project/wesim/workmgr"
)

func identityPropagator(_ context.Context, seg *particle.Segment) (*particle.Segment, error) {
	start := seg.StartPcoord()
	seg.Pcoord = [][]float64{start, append([]float64(nil), start...)}
	return seg, nil
}

func newLoop(t *testing.T, maxIter uint64) (*simloop.SimLoop, *store.Store) {
	t.Helper()
	topo, err := bin.NewUniform1D([]float64{0, 1}, []uint32{4}, nil, nil)
	require.NoError(t, err)

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	r := resample.New(topo, 1, 0, nil)
	work := workmgr.NewLocal(identityPropagator, 2, nil)
	bus := events.New()
	d := driver.New(st, topo, r, nil, work, bus, nil)

	cfg := &cmn.Config{
		Limits: cmn.LimitsConfig{MaxIterations: maxIter},
		Data:   cmn.DataConfig{State: filepath.Join(t.TempDir(), "state.ckpt")},
		Wemd:   cmn.WemdConfig{InitialParticles: 2, InitialPcoord: []float64{0.5}},
	}

	sl, err := simloop.New(cfg, d, st, nil)
	require.NoError(t, err)
	return sl, st
}

func TestSimLoop_SeedInitialIsIdempotent(t *testing.T) {
	sl, st := newLoop(t, 3)
	require.NoError(t, sl.SeedInitial())

	var segs []*particle.Segment
	require.NoError(t, st.RunView(func(tx *store.Tx) error {
		var err error
		segs, err = tx.QuerySegments(0, store.SegmentFilter{})
		return err
	}))
	require.Len(t, segs, 2)

	// Calling again must not duplicate or reset anything.
	require.NoError(t, sl.SeedInitial())
	require.NoError(t, st.RunView(func(tx *store.Tx) error {
		var err error
		segs, err = tx.QuerySegments(0, store.SegmentFilter{})
		return err
	}))
	assert.Len(t, segs, 2)
}

func TestSimLoop_RunTerminatesAtMaxIterations(t *testing.T) {
	sl, st := newLoop(t, 3)
	require.NoError(t, sl.SeedInitial())

	result, err := sl.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.TerminatedByMaxIter)
	assert.Equal(t, 3, result.IterationsRun)

	cur, err := st.GetCurrentIteration()
	require.NoError(t, err)
	assert.EqualValues(t, 3, cur)
}

func TestSimLoop_RunTerminatesByWallclock(t *testing.T) {
	topo, err := bin.NewUniform1D([]float64{0, 1}, []uint32{4}, nil, nil)
	require.NoError(t, err)

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	r := resample.New(topo, 1, 0, nil)
	slowPropagator := func(ctx context.Context, seg *particle.Segment) (*particle.Segment, error) {
		time.Sleep(20 * time.Millisecond)
		return identityPropagator(ctx, seg)
	}
	work := workmgr.NewLocal(slowPropagator, 2, nil)
	bus := events.New()
	d := driver.New(st, topo, r, nil, work, bus, nil)

	cfg := &cmn.Config{
		Limits: cmn.LimitsConfig{MaxIterations: 1000, MaxWallclock: 30 * time.Millisecond},
		Data:   cmn.DataConfig{State: filepath.Join(t.TempDir(), "state.ckpt")},
		Wemd:   cmn.WemdConfig{InitialParticles: 2, InitialPcoord: []float64{0.5}},
	}
	sl, err := simloop.New(cfg, d, st, nil)
	require.NoError(t, err)
	require.NoError(t, sl.SeedInitial())

	result, err := sl.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.TerminatedByWallclock)
	assert.Less(t, result.IterationsRun, 1000)
}

func TestSimLoop_PersistsCheckpointEachIteration(t *testing.T) {
	sl, _ := newLoop(t, 1)
	require.NoError(t, sl.SeedInitial())
	_, err := sl.Run(context.Background())
	require.NoError(t, err)

	cfg := &cmn.Config{Data: cmn.DataConfig{State: sl.Cfg.Data.State}}
	p, ok, err := simloop.Resume(cfg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, p.CurrentIteration)
}

func TestSimLoop_ResumeWithNoCheckpointYet(t *testing.T) {
	cfg := &cmn.Config{Data: cmn.DataConfig{State: filepath.Join(t.TempDir(), "never-written.ckpt")}}
	_, ok, err := simloop.Resume(cfg)
	require.NoError(t, err)
	assert.False(t, ok)
}
