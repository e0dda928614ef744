// Package reweight implements the optional ReweightingDriver of spec §4.4:
// a windowed, gated equilibrium-probability adjustment that runs between
// resampling and commit, disabled outright when the active topology
// configures any sink bin.
/*
 * Copyright (c) 2024, wesim-project. All rights reserved.
 */
package reweight

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/wesim-project/wesim/bin"
	"github.com/wesim-project/wesim/cmn"
	"github.com/wesim-project/wesim/cmn/nlog"
	"github.com/wesim-project/wesim/particle"
	"github.com/wesim-project/wesim/resample"
	"github.com/wesim-project/wesim/store"
)

const auxGroup = "weed"

// powerIterIterations bounds the probAdjustEquil power-iteration solve;
// the rate matrices here are small (one row/col per bin) so this converges
// well before the cap in practice.
const powerIterIterations = 500
const powerIterTolerance = 1e-10
const machineEps = 2.220446049250313e-16

// Driver is the ReweightingDriver of spec §4.4.
type Driver struct {
	cfg cmn.WeedConfig
	log *nlog.Logger

	lastReweightIter uint64
	haveReweighted   bool
}

func New(cfg cmn.WeedConfig, log *nlog.Logger) *Driver {
	return &Driver{cfg: cfg, log: log}
}

// RecordTransition stores the per-iteration bin-to-bin probability flux
// matrix and bin population vector the driver computed while committing
// iteration nIter's segments (flattened row-major, nBins*nBins and nBins
// entries respectively). Called unconditionally, whether or not
// reweighting itself is enabled, so the window always has data once it
// starts being consulted.
func RecordTransition(tx *store.Tx, nIter uint64, nBins int, trans [][]float64, pop []float64) error {
	flat := make([]float64, 0, nBins*nBins)
	for i := 0; i < nBins; i++ {
		for j := 0; j < nBins; j++ {
			flat = append(flat, trans[i][j])
		}
	}
	if err := tx.PutAuxiliary(nIter, auxGroup, "transition", flat); err != nil {
		return err
	}
	return tx.PutAuxiliary(nIter, auxGroup, "population", pop)
}

// Run executes one ReweightingDriver pass for the iteration about to be
// committed as nIter+1: topo is the topology the just-produced outcome was
// binned under, and outcome.NewParticles is rescaled in place on
// acceptance. Called from IterationDriver's StagePrepareNewIteration hook
// (spec §9 Design Notes callback replacement).
func (d *Driver) Run(nIter uint64, topo bin.Topology, outcome *resample.Outcome, st *store.Store) error {
	if !d.cfg.DoEquilibriumReweighting {
		return nil
	}
	if len(topo.Sinks()) > 0 {
		return nil // disabled whenever the topology configures a sink (spec §4.4)
	}
	if d.cfg.ReweightPeriod > 0 && d.haveReweighted && nIter-d.lastReweightIter < uint64(d.cfg.ReweightPeriod) {
		return nil
	}

	nBins := topo.NBins()
	kind, val, err := d.cfg.Window()
	if err != nil {
		return err
	}
	var window uint64
	switch kind {
	case cmn.WindowFraction:
		window = uint64(math.Max(1, val*float64(nIter+1)))
	default:
		window = uint64(val)
	}
	if d.cfg.MaxWindowSize > 0 && window > uint64(d.cfg.MaxWindowSize) {
		window = uint64(d.cfg.MaxWindowSize)
	}

	lo := uint64(1)
	if nIter > window {
		lo = nIter - window
	}
	hi := nIter + 1

	// spec §4.5 flushing_lock(): the window scan below reads every
	// iteration's transition/population auxiliary dataset and then writes
	// back this iteration's windowed average, a read-modify-write sequence
	// buntdb does not make atomic across separate transactions on its own.
	unlock := st.FlushingLock(nIter, auxGroup)
	defer unlock()

	avgTrans := make([][]float64, nBins)
	for i := range avgTrans {
		avgTrans[i] = make([]float64, nBins)
	}
	avgPop := make([]float64, nBins)
	samples := 0

	for n := lo; n < hi; n++ {
		flat, err := st.RunTxGetAuxiliary(n, auxGroup, "transition")
		if err != nil {
			return err
		}
		pop, err := st.RunTxGetAuxiliary(n, auxGroup, "population")
		if err != nil {
			return err
		}
		if flat == nil || pop == nil || len(flat) != nBins*nBins || len(pop) != nBins {
			continue // iteration n predates reweighting or this topology shape
		}
		samples++
		for i := 0; i < nBins; i++ {
			for j := 0; j < nBins; j++ {
				avgTrans[i][j] += flat[i*nBins+j]
			}
			avgPop[i] += pop[i]
		}
	}

	// No transition history in the window: there is no rate matrix to
	// estimate, so this pass is skipped.
	if samples == 0 {
		if d.log != nil {
			d.log.Diagnostic("reweighting: no transition history in window [%d,%d), skipping", lo, hi)
		}
		return nil
	}
	for i := 0; i < nBins; i++ {
		for j := 0; j < nBins; j++ {
			avgTrans[i][j] /= float64(samples)
		}
		avgPop[i] /= float64(samples)
	}

	// Record the windowed averages unconditionally, under their own
	// "avg_*" names so they never collide with the driver's raw
	// per-iteration transition/population recording (spec §9 Open
	// Question: record regardless of whether the gates below accept the
	// resulting weights).
	if err := st.RunTx(func(tx *store.Tx) error {
		flat := make([]float64, 0, nBins*nBins)
		for i := 0; i < nBins; i++ {
			flat = append(flat, avgTrans[i]...)
		}
		if err := tx.PutAuxiliary(nIter, auxGroup, "avg_transition", flat); err != nil {
			return err
		}
		return tx.PutAuxiliary(nIter, auxGroup, "avg_population", avgPop)
	}); err != nil {
		return err
	}

	pi, err := stationaryDistribution(avgTrans, nBins)
	if err != nil {
		return cmn.Wrap(cmn.ErrReweightingRejected, err.Error())
	}

	// current bin weights are this iteration's actual resampled
	// populations, not the windowed average (which only estimates the
	// rate matrix feeding probAdjustEquil).
	current := outcome.BinPopulations

	// G1: no bin with original weight > 0 assigned new weight 0.
	// G2: no bin with original weight 0 assigned new weight > 0.
	for i := 0; i < nBins && i < len(current); i++ {
		if current[i] > 0 && pi[i] == 0 {
			if d.log != nil {
				d.log.Diagnostic("reweighting: bin %d would lose all support (G1), rejecting", i)
			}
			return cmn.Wrapf(cmn.ErrReweightingRejected, "bin %d: G1 violated (nonzero -> zero)", i)
		}
		if current[i] == 0 && pi[i] > 0 {
			if d.log != nil {
				d.log.Diagnostic("reweighting: bin %d would gain support from nothing (G2), rejecting", i)
			}
			return cmn.Wrapf(cmn.ErrReweightingRejected, "bin %d: G2 violated (zero -> nonzero)", i)
		}
	}

	// G3: |sum(p') - 1| <= eps * n_bins.
	sum := 0.0
	for _, v := range pi {
		sum += v
	}
	if math.Abs(sum-1.0) > machineEps*float64(nBins) {
		if d.log != nil {
			d.log.Diagnostic("reweighting: proposed weights sum to %.17g, not 1 (G3), rejecting", sum)
		}
		return cmn.Wrapf(cmn.ErrReweightingRejected, "G3 violated: proposed weights sum to %.17g", sum)
	}

	rescaleToTarget(outcome.NewParticles, topo, pi)
	d.lastReweightIter = nIter
	d.haveReweighted = true
	return nil
}

// stationaryDistribution solves pi R = pi, sum(pi) = 1 by power iteration
// over the row-stochastic matrix built from trans (spec's probAdjustEquil).
func stationaryDistribution(trans [][]float64, nBins int) ([]float64, error) {
	if nBins == 0 {
		return nil, fmt.Errorf("empty topology")
	}
	r := mat.NewDense(nBins, nBins, nil)
	for i := 0; i < nBins; i++ {
		rowSum := 0.0
		for j := 0; j < nBins; j++ {
			rowSum += trans[i][j]
		}
		for j := 0; j < nBins; j++ {
			if rowSum > 0 {
				r.Set(i, j, trans[i][j]/rowSum)
			}
		}
	}

	pi := mat.NewVecDense(nBins, nil)
	for i := 0; i < nBins; i++ {
		pi.SetVec(i, 1.0/float64(nBins))
	}
	next := mat.NewVecDense(nBins, nil)

	for iter := 0; iter < powerIterIterations; iter++ {
		next.MulVec(r.T(), pi)
		sum := mat.Sum(next)
		if sum <= 0 {
			return nil, fmt.Errorf("power iteration collapsed to zero mass")
		}
		for i := 0; i < nBins; i++ {
			next.SetVec(i, next.AtVec(i)/sum)
		}
		diff := 0.0
		for i := 0; i < nBins; i++ {
			diff += math.Abs(next.AtVec(i) - pi.AtVec(i))
		}
		pi, next = next, pi
		if diff < powerIterTolerance {
			break
		}
	}

	out := make([]float64, nBins)
	for i := 0; i < nBins; i++ {
		out[i] = pi.AtVec(i)
	}
	return out, nil
}

// rescaleToTarget applies a uniform per-bin weight rescale (spec §4.4
// "uniform per-bin rescaling on acceptance") so each bin's total weight
// matches pi[bin] while every particle within a bin keeps its relative
// share.
func rescaleToTarget(particles []*particle.Particle, topo bin.Topology, pi []float64) {
	nBins := topo.NBins()
	current := make([]float64, nBins)
	byBin := make([][]*particle.Particle, nBins)
	for _, p := range particles {
		b, ok := topo.Map(p.Pcoord)
		if !ok {
			continue
		}
		current[b] += p.Weight
		byBin[b] = append(byBin[b], p)
	}
	for b := 0; b < nBins; b++ {
		if current[b] <= 0 {
			continue
		}
		factor := pi[b] / current[b]
		for _, p := range byBin[b] {
			p.Weight *= factor
		}
	}
}
