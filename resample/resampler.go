// Package resample implements the WE split/merge/recycle algorithm of
// spec §4.2: binning, recycling into source states, splitting heavy
// particles, merging light ones, enforcing target occupancy, and
// conserving total probability to within floating-point tolerance.
/*
 * Copyright (c) 2024, wesim-project. All rights reserved.
 */
package resample

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/wesim-project/wesim/bin"
	"github.com/wesim-project/wesim/cmn"
	"github.com/wesim-project/wesim/cmn/nlog"
	"github.com/wesim-project/wesim/particle"
)

// Resampler runs one WE resampling pass. Determinism (spec §4.2 step 5,
// P4) rests entirely on RNG: a single named, seedable stream used for
// both the recycling source draw and the merge-survivor draw, resolving
// the spec's Open Question in favor of one dedicated stream per
// Resampler instance.
type Resampler struct {
	Topology  bin.Topology
	RNG       *rand.Rand
	src       *Source
	MinWeight float64 // WeightUnderflow floor; 0 disables the check
	Log       *nlog.Logger
}

// New constructs a Resampler. seed makes the RNG stream reproducible
// (checkpointed and restored by the driver across restarts, spec §6).
func New(topo bin.Topology, seed int64, minWeight float64, log *nlog.Logger) *Resampler {
	src := NewSource(seed)
	return &Resampler{
		Topology:  topo,
		RNG:       rand.New(src),
		src:       src,
		MinWeight: minWeight,
		Log:       log,
	}
}

// Restore constructs a Resampler whose RNG stream resumes from a
// previously checkpointed state (spec §6 "Checkpoint blob").
func Restore(topo bin.Topology, state uint64, minWeight float64, log *nlog.Logger) *Resampler {
	src := RestoreSource(state)
	return &Resampler{
		Topology:  topo,
		RNG:       rand.New(src),
		src:       src,
		MinWeight: minWeight,
		Log:       log,
	}
}

// RNGState returns the current RNG stream state, for checkpointing.
func (r *Resampler) RNGState() uint64 { return r.src.State() }

// Outcome bundles the new generation plus the bookkeeping the
// IterationDriver needs to finish off the previous generation's endpoint
// types and compute the IterationSummary (spec §4.2 "Output").
type Outcome struct {
	NewParticles []*particle.Particle

	// RecycledOf maps an input particle ID to the source region name it
	// was recycled into (spec I4).
	RecycledOf map[uint64]string
	// MergedIDs is the set of input particle IDs whose weight was folded
	// into a surviving particle via merge (spec I3).
	MergedIDs map[uint64]bool

	BinPopulations []float64
	BinNParticles  []uint32
	RecycledPopulation float64

	allocated []*particle.Particle
}

// Release returns every particle this Outcome allocated to the pool.
// Call it only after lineage (PrimaryParent/MergeParents pointers) has
// been fully walked and converted to Segment Refs — once released, those
// pointers must not be dereferenced again.
func (o *Outcome) Release() {
	freeParticles(o.allocated)
	o.allocated = nil
}

func (o *Outcome) alloc() *particle.Particle {
	p := allocParticle()
	o.allocated = append(o.allocated, p)
	return p
}

// Run executes one resampling pass over the completed particles of
// iteration N, producing the particles for iteration N+1.
func (r *Resampler) Run(particles []*particle.Particle) (*Outcome, error) {
	nBins := r.Topology.NBins()
	sinks := r.Topology.Sinks()
	sources := r.Topology.Sources()

	out := &Outcome{
		RecycledOf:     make(map[uint64]string),
		MergedIDs:      make(map[uint64]bool),
		BinPopulations: make([]float64, nBins),
		BinNParticles:  make([]uint32, nBins),
	}

	binned := make([][]*particle.Particle, nBins)

	// 1. Binning.
	fallbackSink := -1
	for b := range sinks {
		if fallbackSink == -1 || b < fallbackSink {
			fallbackSink = b
		}
	}
	for _, p := range particles {
		b, ok := r.Topology.Map(p.Pcoord)
		if !ok {
			if fallbackSink == -1 {
				return nil, cmn.Wrapf(cmn.ErrOutOfDomain, "particle %d: pcoord %v maps to no bin", p.ID, p.Pcoord)
			}
			b = fallbackSink
		}
		binned[b] = append(binned[b], p)
	}

	// 2. Recycling (applied first): sink bins redistribute into source bins.
	if len(sinks) > 0 {
		if err := r.recycle(binned, sinks, sources, out); err != nil {
			return nil, err
		}
	}

	// 3+4. Splitting and merging, per non-sink bin.
	for b := 0; b < nBins; b++ {
		if sinks[b] {
			continue // emptied by recycling above; sinks carry no target occupancy
		}
		target := r.Topology.TargetCount(b)
		list := binned[b]

		before := sumWeight(list)

		if len(list) == 0 {
			if target > 0 {
				return nil, cmn.Wrapf(cmn.ErrEmptyBinWithTarget, "bin %d: empty with target %d and no source", b, target)
			}
			continue
		}

		list, err := r.enforceOccupancy(list, int(target), out)
		if err != nil {
			return nil, err
		}
		binned[b] = list

		after := sumWeight(list)
		n := float64(len(particles))
		if n == 0 {
			n = 1
		}
		if math.Abs(after-before) > machineEps*n {
			return nil, cmn.Wrapf(cmn.ErrInvariantViolation, "bin %d: weight not conserved (%.17g -> %.17g)", b, before, after)
		}

		out.BinPopulations[b] = after
		out.BinNParticles[b] = uint32(len(list))
		out.NewParticles = append(out.NewParticles, list...)
	}

	// MergedIDs names input particles only: split copies and merge
	// products carry the zero ID, which is not an input's.
	inputIDs := make(map[uint64]bool, len(particles))
	for _, p := range particles {
		inputIDs[p.ID] = true
	}
	for id := range out.MergedIDs {
		if !inputIDs[id] {
			delete(out.MergedIDs, id)
		}
	}

	// 6. Global invariant I1.
	norm := particle.Collection(out.NewParticles).Norm()
	n := float64(len(out.NewParticles))
	if n == 0 {
		n = 1
	}
	if math.Abs(norm-1.0) > machineEps*n {
		return nil, cmn.Wrapf(cmn.ErrInvariantViolation, "total weight %.17g deviates from 1.0 beyond tolerance", norm)
	}

	return out, nil
}

const machineEps = 2.220446049250313e-16

func sumWeight(ps []*particle.Particle) float64 {
	var s float64
	for _, p := range ps {
		s += p.Weight
	}
	return s
}

// recycle drains every sink bin into its configured sources, per a
// weighted draw over Sources (spec §4.2 step 2).
func (r *Resampler) recycle(binned [][]*particle.Particle, sinks map[int]bool, sources []bin.Source, out *Outcome) error {
	if len(sources) == 0 {
		for b := range sinks {
			if len(binned[b]) > 0 {
				return cmn.Wrapf(cmn.ErrConfig, "bin %d is a sink but no recycling sources are configured", b)
			}
		}
		return nil
	}
	weights := make([]float64, len(sources))
	for i, s := range sources {
		weights[i] = s.Weight
	}
	draw := distuv.NewCategorical(weights, r.RNG)

	// Sink bins are drained in ascending order so the draw sequence does
	// not depend on map iteration order.
	sinkBins := make([]int, 0, len(sinks))
	for b := range sinks {
		sinkBins = append(sinkBins, b)
	}
	sort.Ints(sinkBins)
	for _, b := range sinkBins {
		for _, p := range binned[b] {
			out.RecycledPopulation += p.Weight
			out.RecycledOf[p.ID] = "" // set below once source chosen

			idx := int(draw.Rand())
			src := sources[idx]

			np := out.alloc()
			np.ID = p.ID // recycled replacement keeps the sink segment's id for endpoint-type bookkeeping
			np.Weight = p.Weight
			np.Pcoord = append([]float64(nil), src.Pcoord...)
			np.PrimaryParent = p
			np.InitialRegion = src.Name
			out.RecycledOf[p.ID] = src.Name

			binned[src.BinIdx] = append(binned[src.BinIdx], np)
		}
		binned[b] = nil
	}
	return nil
}

// enforceOccupancy splits or merges list until it has exactly target
// particles (spec §4.2 steps 3-4), honoring ascending-id tie-breaks (spec
// step 5) and the WeightUnderflow floor.
func (r *Resampler) enforceOccupancy(list []*particle.Particle, target int, out *Outcome) ([]*particle.Particle, error) {
	if target == 0 {
		// No sink configured for this bin, yet its target occupancy is
		// zero: merge can reduce a bin to one particle, never to zero
		// (spec.md leaves this boundary case open; resolved here in
		// DESIGN.md as "merge down to a single survivor and stop").
		for len(list) > 1 {
			var err error
			list, err = r.mergeOnce(list, out)
			if err != nil {
				return nil, err
			}
		}
		if len(list) == 1 && r.Log != nil {
			r.Log.Diagnostic("bin has target occupancy 0 but %d particle(s) present with no sink; retaining single survivor", len(list))
		}
		return list, nil
	}

	for len(list) < target {
		var err error
		list, err = r.splitOnce(list, out)
		if err != nil {
			return nil, err
		}
	}
	for len(list) > target {
		var err error
		list, err = r.mergeOnce(list, out)
		if err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (r *Resampler) splitOnce(list []*particle.Particle, out *Outcome) ([]*particle.Particle, error) {
	hi := heaviestIdx(list)
	h := list[hi]
	halfWeight := h.Weight / 2
	if r.MinWeight > 0 && halfWeight < r.MinWeight {
		return nil, cmn.Wrapf(cmn.ErrWeightUnderflow, "split of particle %d would produce weight %.6g < floor %.6g", h.ID, halfWeight, r.MinWeight)
	}

	c1 := out.alloc()
	*c1 = particle.Particle{Weight: halfWeight, Pcoord: h.Pcoord, PrimaryParent: h}
	c2 := out.alloc()
	*c2 = particle.Particle{Weight: halfWeight, Pcoord: h.Pcoord, PrimaryParent: h}

	next := make([]*particle.Particle, 0, len(list)+1)
	for i, p := range list {
		if i == hi {
			continue
		}
		next = append(next, p)
	}
	next = append(next, c1, c2)
	return next, nil
}

func (r *Resampler) mergeOnce(list []*particle.Particle, out *Outcome) ([]*particle.Particle, error) {
	i, j := twoLightestIdx(list)
	a, b := list[i], list[j]

	weights := []float64{a.Weight, b.Weight}
	draw := distuv.NewCategorical(weights, r.RNG)
	var survivor, other *particle.Particle
	if draw.Rand() == 0 {
		survivor, other = a, b
	} else {
		survivor, other = b, a
	}
	_ = other

	m := out.alloc()
	*m = particle.Particle{
		Weight:        a.Weight + b.Weight,
		Pcoord:        survivor.Pcoord,
		PrimaryParent: survivor,
		MergeParents:  []*particle.Particle{a, b},
	}
	out.MergedIDs[a.ID] = true
	out.MergedIDs[b.ID] = true

	next := make([]*particle.Particle, 0, len(list)-1)
	for k, p := range list {
		if k == i || k == j {
			continue
		}
		next = append(next, p)
	}
	next = append(next, m)
	return next, nil
}

func heaviestIdx(list []*particle.Particle) int {
	best := 0
	for i := 1; i < len(list); i++ {
		if list[i].Weight > list[best].Weight ||
			(list[i].Weight == list[best].Weight && list[i].ID < list[best].ID) {
			best = i
		}
	}
	return best
}

// twoLightestIdx returns the indices of the two lightest particles,
// lightest first, ties broken by ascending id.
func twoLightestIdx(list []*particle.Particle) (int, int) {
	order := make([]int, len(list))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		pa, pb := list[order[a]], list[order[b]]
		if pa.Weight != pb.Weight {
			return pa.Weight < pb.Weight
		}
		return pa.ID < pb.ID
	})
	return order[0], order[1]
}
