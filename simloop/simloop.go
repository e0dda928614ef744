// Package simloop implements the top-level loop of spec §4.6: open an
// iteration, drive it through the IterationDriver, persist a checkpoint,
// and repeat until max_iterations or max_wallclock terminates the run.
/*
 * Copyright (c) 2024, wesim-project. All rights reserved.
 */
package simloop

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/wesim-project/wesim/checkpoint"
	"github.com/wesim-project/wesim/cmn"
	"github.com/wesim-project/wesim/cmn/nlog"
	"github.com/wesim-project/wesim/driver"
	"github.com/wesim-project/wesim/particle"
	"github.com/wesim-project/wesim/store"
)

// Result reports why a Run call stopped (spec §4.6 "Termination: report
// whether max_iterations or max_wallclock terminated the loop").
type Result struct {
	IterationsRun        int
	TerminatedByMaxIter   bool
	TerminatedByWallclock bool
}

// SimLoop binds a Driver, a Store, and a Config to termination conditions.
type SimLoop struct {
	Cfg    *cmn.Config
	Driver *driver.Driver
	Store  *store.Store
	Log    *nlog.Logger
	RunID  string
}

func New(cfg *cmn.Config, d *driver.Driver, st *store.Store, log *nlog.Logger) (*SimLoop, error) {
	runID, err := checkpoint.NewRunID()
	if err != nil {
		return nil, err
	}
	return &SimLoop{Cfg: cfg, Driver: d, Store: st, Log: log, RunID: runID}, nil
}

// SeedInitial inserts the iteration-0 segments from wemd.initial_particles
// / wemd.initial_pcoord if no iteration has been opened yet. A no-op when
// current_iteration is already nonzero or iteration 0 already has
// segments, so it is always safe to call before Run (e.g. on restart).
func (sl *SimLoop) SeedInitial() error {
	cur, err := sl.Store.GetCurrentIteration()
	if err != nil {
		return err
	}
	if cur != 0 {
		return nil
	}
	var existing []*particle.Segment
	if err := sl.Store.RunView(func(tx *store.Tx) error {
		segs, err := tx.QuerySegments(0, store.SegmentFilter{})
		if err != nil {
			return err
		}
		existing = segs
		return nil
	}); err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	n := sl.Cfg.Wemd.InitialParticles
	if n <= 0 {
		return cmn.Wrap(cmn.ErrConfig, "wemd.initial_particles must be positive for a fresh run")
	}
	weight := 1.0 / float64(n)
	segs := make([]*particle.Segment, n)
	for i := 0; i < n; i++ {
		segs[i] = &particle.Segment{
			SegID:  uint64(i + 1),
			NIter:  0,
			Weight: weight,
			Pcoord: [][]float64{append([]float64(nil), sl.Cfg.Wemd.InitialPcoord...)},
			Status: particle.StatusPrepared,
		}
	}
	return sl.Store.RunTx(func(tx *store.Tx) error {
		if err := tx.InsertSegments(0, segs); err != nil {
			return err
		}
		return tx.InsertIterationSummary(&particle.Summary{NIter: 0, NParticles: n, Norm: 1.0, StartTime: nowOrZero()})
	})
}

// nowOrZero returns the current wall-clock time.
func nowOrZero() time.Time { return time.Now() }

// Run drives iterations until max_iterations is reached, the wallclock
// budget is exceeded, or RunIteration returns a non-retryable error.
// Retryable kinds (PropagationIncomplete, StoreTransactionFailure,
// Timeout) are returned to the caller rather than retried internally —
// the spec text allows but does not require internal retry, and
// retrying without an external change to drive propagation forward (a
// slow propagator finishing, a store recovering) would just busy-loop.
func (sl *SimLoop) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	wallBudget := sl.Cfg.Limits.MaxWallclock

	for {
		cur, err := sl.Store.GetCurrentIteration()
		if err != nil {
			return res, err
		}
		if cur >= sl.Cfg.Limits.MaxIterations {
			res.TerminatedByMaxIter = true
			return res, nil
		}
		if wallBudget > 0 && time.Since(start) > wallBudget {
			res.TerminatedByWallclock = true
			return res, nil
		}

		if err := sl.Driver.RunIteration(ctx); err != nil {
			return res, err
		}
		res.IterationsRun++

		if err := sl.persistCheckpoint(); err != nil {
			return res, err
		}
	}
}

func (sl *SimLoop) persistCheckpoint() error {
	cur, err := sl.Store.GetCurrentIteration()
	if err != nil {
		return err
	}
	payload := checkpoint.Payload{
		RunID:            sl.RunID,
		CurrentIteration: cur,
		RNGState:         sl.Driver.Resampler.RNGState(),
		TopologyVersion:  sl.Driver.Topology.Version(),
	}
	return checkpoint.Save(sl.Cfg.Data.State, payload)
}

// Resume loads the checkpoint previously saved at cfg.Data.State, for a
// restart continuing an existing run (spec §8 P6 round-trip, S6 restart
// scenario); a caller restores the Resampler RNG stream by passing the
// payload's RNGState to resample.Restore. Returns (false, nil) when no
// checkpoint file exists yet (a fresh run).
func Resume(cfg *cmn.Config) (checkpoint.Payload, bool, error) {
	p, err := checkpoint.Load(cfg.Data.State)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return checkpoint.Payload{}, false, nil
		}
		return checkpoint.Payload{}, false, err
	}
	return p, true, nil
}
