// Package driver implements the IterationDriver state machine of spec
// §4.3: PREPARED_N -> RUNNING_N -> PROPAGATED_N -> RESAMPLED_N ->
// COMMITTED_N, with FAILED_N terminal. The State value is held in memory
// only and is not written to the Store; a restarted driver resumes from
// what the Store holds, the current_iteration pointer and each segment's
// status. The atomic
// state/cancellation fields and their string-keyed diagnostic map are
// grounded on the teacher's rebManager (ais/rebalance.go): an
// atomic.Uint32 stage enum plus an atomic.Bool abort flag, read
// lock-free from any goroutine that asks "where are we."
/*
 * Copyright (c) 2024, wesim-project. All rights reserved.
 */
package driver

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/atomic"

	"github.com/wesim-project/wesim/bin"
	"github.com/wesim-project/wesim/cmn"
	"github.com/wesim-project/wesim/cmn/nlog"
	"github.com/wesim-project/wesim/events"
	"github.com/wesim-project/wesim/metrics"
	"github.com/wesim-project/wesim/particle"
	"github.com/wesim-project/wesim/resample"
	"github.com/wesim-project/wesim/reweight"
	"github.com/wesim-project/wesim/store"
	"github.com/wesim-project/wesim/workmgr"
)

// State is one point in the per-iteration lifecycle of spec §4.3.
type State uint32

const (
	StatePrepared State = iota
	StateRunning
	StatePropagated
	StateResampled
	StateCommitted
	StateFailed
)

var stateNames = map[State]string{
	StatePrepared:  "PREPARED",
	StateRunning:   "RUNNING",
	StatePropagated: "PROPAGATED",
	StateResampled: "RESAMPLED",
	StateCommitted: "COMMITTED",
	StateFailed:    "FAILED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// reweightSlot is the mutable context ReweightingDriver's bus handler
// reads at fire time; IterationDriver refreshes it immediately before
// firing StagePrepareNewIteration each iteration.
type reweightSlot struct {
	topo    bin.Topology
	outcome *resample.Outcome
}

// Driver orchestrates one WE iteration end-to-end.
type Driver struct {
	Store     *store.Store
	Topology  bin.Topology
	Resampler *resample.Resampler
	Reweight  *reweight.Driver
	Work      workmgr.Manager
	Bus       *events.Bus
	Log       *nlog.Logger
	Metrics   *metrics.Metrics

	state     atomic.Uint32
	cancelled atomic.Bool

	slot reweightSlot
}

// New wires a Driver and, if rw is non-nil, registers it on the event bus
// at StagePrepareNewIteration (spec §9 Design Notes: the ad-hoc callback
// registration on the sim manager becomes a plain function value on a
// typed, fixed-stage bus).
func New(st *store.Store, topo bin.Topology, rs *resample.Resampler, rw *reweight.Driver, work workmgr.Manager, bus *events.Bus, log *nlog.Logger) *Driver {
	d := &Driver{Store: st, Topology: topo, Resampler: rs, Reweight: rw, Work: work, Bus: bus, Log: log}
	if rw != nil && bus != nil {
		bus.Register(events.StagePrepareNewIteration, 0, func(nIter uint64) error {
			return rw.Run(nIter, d.slot.topo, d.slot.outcome, d.Store)
		})
	}
	return d
}

func (d *Driver) State() State { return State(d.state.Load()) }

func (d *Driver) setState(s State) {
	d.state.Store(uint32(s))
	if d.Log != nil {
		d.Log.Infof("iteration driver: -> %s", s)
	}
}

// Cancel requests the in-flight propagation stop at the next safe
// boundary (spec §5 "driver completes the current state transition to a
// persistable boundary ... and exits").
func (d *Driver) Cancel() {
	d.cancelled.Store(true)
	d.Work.Cancel()
}

// RunIteration drives exactly one iteration N through to COMMITTED_N (or
// returns an error leaving the driver at its last persisted state, per
// spec §4.3/§7).
func (d *Driver) RunIteration(ctx context.Context) error {
	iterStart := time.Now()
	if d.Metrics != nil {
		defer func() { d.Metrics.IterationDuration.Observe(time.Since(iterStart).Seconds()) }()
	}

	nIter, err := d.Store.GetCurrentIteration()
	if err != nil {
		return err
	}

	// spec §4.6 step 1: open iteration N; if its starttime is unset, set
	// it now. For N>0 the starttime was already stamped when this summary
	// was created as "summaryNew" by the previous iteration's commit.
	startTime := iterStart
	existing, err := d.existingSummary(nIter)
	if err != nil {
		return err
	}
	if existing != nil && !existing.StartTime.IsZero() {
		startTime = existing.StartTime
	}

	if err := d.Bus.Fire(events.StagePreIteration, nIter); err != nil {
		return cmn.Wrap(err, "pre-iteration hook")
	}

	d.setState(StatePrepared)

	incomplete, err := d.queryIncomplete(nIter)
	if err != nil {
		return err
	}
	if len(incomplete) > 0 {
		d.setState(StateRunning)
		done, err := d.Work.Propagate(ctx, incomplete)
		if err != nil {
			d.setState(StateFailed)
			return cmn.Wrap(err, "dispatching propagation")
		}
		if err := d.Store.RunTx(func(tx *store.Tx) error {
			return tx.UpdateSegments(nIter, done)
		}); err != nil {
			return err
		}
		if ctx.Err() != nil {
			// The batch was cut short by cancellation or a deadline: segments
			// still RUNNING were persisted as such above, not FAILED, so a
			// retry can pick them back up. The driver stays at its current
			// state rather than transitioning to FAILED.
			return cmn.Wrapf(cmn.ErrTimeout, "iteration %d propagation did not complete: %v", nIter, ctx.Err())
		}
		for _, s := range done {
			if s.Status == particle.StatusFailed {
				d.setState(StateFailed)
				return cmn.Wrapf(cmn.ErrPropagationIncomplete, "segment %s failed propagation", s.Ref())
			}
		}
	}
	d.setState(StatePropagated)

	complete, err := d.queryComplete(nIter)
	if err != nil {
		return err
	}
	if len(complete) == 0 {
		return cmn.Wrapf(cmn.ErrPropagationIncomplete, "iteration %d has no complete segments to resample", nIter)
	}

	outcome, origByPtr, err := d.resample(complete)
	if err != nil {
		if d.Metrics != nil {
			d.Metrics.ResampleErrors.WithLabelValues(resampleErrorKind(err)).Inc()
		}
		d.setState(StateFailed)
		return err
	}
	defer outcome.Release()

	if d.Metrics != nil {
		d.Metrics.ObserveOutcome(outcome.BinPopulations, outcome.RecycledPopulation)
	}

	d.slot.topo = d.Topology
	d.slot.outcome = outcome
	if err := d.Bus.Fire(events.StagePrepareNewIteration, nIter); err != nil {
		if !errors.Is(err, cmn.ErrReweightingRejected) {
			d.setState(StateFailed)
			return err
		}
		if d.Log != nil {
			d.Log.Diagnostic("reweighting rejected at iteration %d: %v", nIter, err)
		}
	}

	newSegs, updatedOld, summaryOld, summaryNew := d.buildNextGeneration(nIter, complete, outcome, origByPtr)
	summaryOld.StartTime = startTime
	summaryOld.EndTime = time.Now()
	summaryNew.StartTime = time.Now()
	d.setState(StateResampled)

	transMatrix, transPop := d.transitionMatrix(complete)

	if err := d.Store.RunTx(func(tx *store.Tx) error {
		if err := tx.UpdateSegments(nIter, updatedOld); err != nil {
			return err
		}
		if err := tx.InsertSegments(nIter+1, newSegs); err != nil {
			return err
		}
		if err := tx.UpdateIterationSummary(summaryOld); err != nil {
			return err
		}
		if err := tx.InsertIterationSummary(summaryNew); err != nil {
			return err
		}
		if err := reweight.RecordTransition(tx, nIter, d.Topology.NBins(), transMatrix, transPop); err != nil {
			return err
		}
		return tx.SetCurrentIteration(nIter + 1)
	}); err != nil {
		return cmn.Wrap(cmn.ErrStoreTransaction, err.Error())
	}
	d.setState(StateCommitted)
	if d.Metrics != nil {
		d.Metrics.IterationsTotal.Inc()
	}

	return d.Bus.Fire(events.StagePostIteration, nIter+1)
}

func resampleErrorKind(err error) string {
	switch {
	case errors.Is(err, cmn.ErrEmptyBinWithTarget):
		return "empty_bin_with_target"
	case errors.Is(err, cmn.ErrWeightUnderflow):
		return "weight_underflow"
	case errors.Is(err, cmn.ErrOutOfDomain):
		return "out_of_domain"
	case errors.Is(err, cmn.ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "other"
	}
}

func (d *Driver) existingSummary(nIter uint64) (*particle.Summary, error) {
	var out *particle.Summary
	err := d.Store.RunView(func(tx *store.Tx) error {
		s, err := tx.GetIterationSummary(nIter)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

func (d *Driver) queryIncomplete(nIter uint64) ([]*particle.Segment, error) {
	var out []*particle.Segment
	err := d.Store.RunView(func(tx *store.Tx) error {
		complete := particle.StatusComplete
		all, err := tx.QuerySegments(nIter, store.SegmentFilter{ExcludeStatus: &complete})
		if err != nil {
			return err
		}
		out = all
		return nil
	})
	return out, err
}

func (d *Driver) queryComplete(nIter uint64) ([]*particle.Segment, error) {
	var out []*particle.Segment
	err := d.Store.RunView(func(tx *store.Tx) error {
		status := particle.StatusComplete
		all, err := tx.QuerySegments(nIter, store.SegmentFilter{Status: &status})
		if err != nil {
			return err
		}
		out = all
		return nil
	})
	return out, err
}

// resample builds Particle views of the completed segments and runs the
// Resampler, returning origByPtr, a pointer-identity index of the input
// particles used to resolve lineage back to their originating segment
// (spec §9 Design Notes: "arena + integer ids", no object back-references
// escape this function).
func (d *Driver) resample(segs []*particle.Segment) (*resample.Outcome, map[*particle.Particle]particle.Ref, error) {
	sort.Slice(segs, func(i, j int) bool { return segs[i].SegID < segs[j].SegID })

	particles := make([]*particle.Particle, len(segs))
	origByPtr := make(map[*particle.Particle]particle.Ref, len(segs))
	for i, s := range segs {
		p := &particle.Particle{ID: s.SegID, Weight: s.Weight, Pcoord: append([]float64(nil), s.EndPcoord()...)}
		particles[i] = p
		origByPtr[p] = s.Ref()
	}

	outcome, err := d.Resampler.Run(particles)
	if err != nil {
		return nil, nil, err
	}
	return outcome, origByPtr, nil
}

// resolveOrigin walks a new particle's PrimaryParent chain back to the
// originating input particle, through any number of split, merge and
// recycling steps, and returns the first InitialRegion met on the way.
func resolveOrigin(p *particle.Particle, origByPtr map[*particle.Particle]particle.Ref) (particle.Ref, string, bool) {
	cur := p
	region := ""
	for cur != nil {
		if cur.InitialRegion != "" && region == "" {
			region = cur.InitialRegion
		}
		if ref, ok := origByPtr[cur]; ok {
			return ref, region, true
		}
		cur = cur.PrimaryParent
	}
	return particle.Ref{}, region, false
}

func (d *Driver) buildNextGeneration(nIter uint64, oldSegs []*particle.Segment, outcome *resample.Outcome, origByPtr map[*particle.Particle]particle.Ref) (newSegs, updatedOld []*particle.Segment, summaryOld, summaryNew *particle.Summary) {
	for _, s := range oldSegs {
		switch {
		case outcome.RecycledOf[s.SegID] != "":
			s.EndpointType = particle.EndpointRecycled
		case outcome.MergedIDs[s.SegID]:
			s.EndpointType = particle.EndpointMerged
		default:
			s.EndpointType = particle.EndpointContinuation
		}
		updatedOld = append(updatedOld, s)
	}

	nextSegID := uint64(1)
	for _, np := range outcome.NewParticles {
		ref, region, _ := resolveOrigin(np, origByPtr)

		seg := &particle.Segment{
			SegID:  nextSegID,
			NIter:  nIter + 1,
			Weight: np.Weight,
			Pcoord: [][]float64{append([]float64(nil), np.Pcoord...)},
			Status: particle.StatusPrepared,
		}
		nextSegID++

		if region != "" {
			seg.SetInitialRegion(region)
		}
		seg.PrimaryParentRef = &particle.Ref{NIter: ref.NIter, SegID: ref.SegID}

		if len(np.MergeParents) > 0 {
			seen := make(map[particle.Ref]bool)
			for _, mp := range np.MergeParents {
				mref, _, ok := resolveOrigin(mp, origByPtr)
				if !ok || seen[mref] {
					continue
				}
				seen[mref] = true
				seg.MergeParentsRef = append(seg.MergeParentsRef, mref)
			}
		}

		newSegs = append(newSegs, seg)
	}

	summaryOld = summarize(nIter, oldSegs, outcome.RecycledPopulation)
	summaryNew = &particle.Summary{
		NIter:          nIter + 1,
		NParticles:     len(newSegs),
		Norm:           particle.Collection(outcome.NewParticles).Norm(),
		BinPopulations: outcome.BinPopulations,
		BinNParticles:  outcome.BinNParticles,
	}
	return
}

// transitionMatrix builds the bin-to-bin probability flux observed during
// this iteration (start pcoord's bin -> end pcoord's bin, weighted),
// recorded unconditionally on every commit so ReweightingDriver's window
// always has history once enabled.
func (d *Driver) transitionMatrix(segs []*particle.Segment) ([][]float64, []float64) {
	nBins := d.Topology.NBins()
	trans := make([][]float64, nBins)
	for i := range trans {
		trans[i] = make([]float64, nBins)
	}
	pop := make([]float64, nBins)
	for _, s := range segs {
		from, ok1 := d.Topology.Map(s.StartPcoord())
		to, ok2 := d.Topology.Map(s.EndPcoord())
		if !ok1 || !ok2 {
			continue
		}
		trans[from][to] += s.Weight
		pop[to] += s.Weight
	}
	return trans, pop
}

func summarize(nIter uint64, segs []*particle.Segment, recycled float64) *particle.Summary {
	s := &particle.Summary{NIter: nIter, NParticles: len(segs), RecycledPopulation: recycled}
	for _, seg := range segs {
		s.Norm += seg.Weight
		s.CPUTimeSum += seg.CPUTime
		s.WallTimeSum += seg.WallTime
	}
	return s
}
