// Package bin implements the BinTopology contract from spec §4.1: a
// deterministic mapping from a pcoord vector to a bin index, plus a target
// occupancy schedule, sources, and sinks. The topology is immutable for
// the iteration it is used in; a new topology gets a new Version. The
// Version is recorded in the checkpoint blob only; the DataStore keeps no
// per-iteration record of which topology version was in use.
/*
 * Copyright (c) 2024, wesim-project. All rights reserved.
 */
package bin

import (
	"sort"

	"github.com/google/uuid"

	"github.com/wesim-project/wesim/cmn"
)

// Source describes a recycling source: a named region, a relative draw
// weight, and the pcoord template a recycled particle is reinitialized
// with.
type Source struct {
	Name    string
	Weight  float64
	Pcoord  []float64
	BinIdx  int // the bin this source's pcoord template maps into
}

// Topology is the public contract of spec §4.1.
type Topology interface {
	// Version identifies this topology instance; stable across the
	// lifetime of the value, unique across replacements.
	Version() string
	NBins() int
	// Map is a total function over the defined domain; for an
	// out-of-domain pcoord the second return value is false. The
	// Resampler then places the particle in the lowest-numbered sink bin
	// if any is configured, and otherwise fails with ErrOutOfDomain.
	Map(pcoord []float64) (binIdx int, ok bool)
	TargetCount(binIdx int) uint32
	Sources() []Source
	Sinks() map[int]bool
}

// Uniform1D buckets a scalar progress coordinate (pcoord[0]) into
// contiguous, ascending boundaries. boundaries has len(targets)+1 entries;
// bin i covers [boundaries[i], boundaries[i+1]), except the last bin which
// is closed on the right.
type Uniform1D struct {
	version     string
	boundaries  []float64
	targets     []uint32
	sinks       map[int]bool
	sources     []Source
}

var _ Topology = (*Uniform1D)(nil)

// NewUniform1D builds a 1-D topology. sinkBins and sources are both
// optional; an empty sinks set disables recycling entirely (required for
// ReweightingDriver to be eligible, per spec §4.4).
func NewUniform1D(boundaries []float64, targets []uint32, sinkBins []int, sources []Source) (*Uniform1D, error) {
	if len(boundaries) != len(targets)+1 {
		return nil, cmn.Wrapf(cmn.ErrConfig, "boundaries must have len(targets)+1 entries, got %d boundaries and %d targets", len(boundaries), len(targets))
	}
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i] <= boundaries[i-1] {
			return nil, cmn.Wrap(cmn.ErrConfig, "boundaries must be strictly ascending")
		}
	}
	sinks := make(map[int]bool, len(sinkBins))
	for _, b := range sinkBins {
		if b < 0 || b >= len(targets) {
			return nil, cmn.Wrapf(cmn.ErrConfig, "sink bin %d out of range", b)
		}
		sinks[b] = true
	}
	srcs := make([]Source, len(sources))
	copy(srcs, sources)
	sort.Slice(srcs, func(i, j int) bool { return srcs[i].Name < srcs[j].Name })
	return &Uniform1D{
		version:    uuid.NewString(),
		boundaries: boundaries,
		targets:    targets,
		sinks:      sinks,
		sources:    srcs,
	}, nil
}

func (t *Uniform1D) Version() string { return t.version }
func (t *Uniform1D) NBins() int      { return len(t.targets) }

func (t *Uniform1D) Map(pcoord []float64) (int, bool) {
	if len(pcoord) == 0 {
		return 0, false
	}
	x := pcoord[0] // progress coordinate is, by convention, the first dimension
	n := len(t.boundaries) - 1
	for i := 0; i < n; i++ {
		hi := t.boundaries[i+1]
		if i == n-1 {
			if x >= t.boundaries[i] && x <= hi {
				return i, true
			}
			continue
		}
		if x >= t.boundaries[i] && x < hi {
			return i, true
		}
	}
	return 0, false
}

func (t *Uniform1D) TargetCount(binIdx int) uint32 {
	if binIdx < 0 || binIdx >= len(t.targets) {
		return 0
	}
	return t.targets[binIdx]
}

func (t *Uniform1D) Sources() []Source { return t.sources }

func (t *Uniform1D) Sinks() map[int]bool {
	out := make(map[int]bool, len(t.sinks))
	for k := range t.sinks {
		out[k] = true
	}
	return out
}
