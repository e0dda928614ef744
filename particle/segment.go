// Package particle holds the two entities of spec §3: Segment, the
// persistent per-(iteration,id) entity, and Particle, the transient
// (weight, pcoord, lineage) projection used only inside the Resampler.
// The boundary between them is a pure conversion done in the driver
// package (Driver.resample builds particles from segments,
// buildNextGeneration builds segments from particles); particles never escape the
// resampler's call site, per the Design Notes.
/*
 * Copyright (c) 2024, wesim-project. All rights reserved.
 */
package particle

import "fmt"

type Status int

const (
	StatusPrepared Status = iota
	StatusRunning
	StatusComplete
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPrepared:
		return "PREPARED"
	case StatusRunning:
		return "RUNNING"
	case StatusComplete:
		return "COMPLETE"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type EndpointType int

const (
	EndpointNone EndpointType = iota
	EndpointContinuation
	EndpointMerged
	EndpointRecycled
)

func (e EndpointType) String() string {
	switch e {
	case EndpointNone:
		return ""
	case EndpointContinuation:
		return "CONTINUATION"
	case EndpointMerged:
		return "MERGED"
	case EndpointRecycled:
		return "RECYCLED"
	default:
		return "UNKNOWN"
	}
}

// Ref is a (n_iter, seg_id) lineage pointer. Per the Design Notes' "arena +
// integer ids" directive, this replaces object back-references: a parent's
// NIter is always strictly less than its child's, so no cycle is
// representable.
type Ref struct {
	NIter uint64
	SegID uint64
}

func (r Ref) String() string { return fmt.Sprintf("%d:%d", r.NIter, r.SegID) }

// dataKey restricts Segment.Data to known keys, with pass-through for
// anything else, per the Design Notes' "opaque data dict" item.
type dataKey = string

const (
	DataInitialRegion dataKey = "initial_region"
	DataOldSegID      dataKey = "old_seg_id"
)

// Segment is the persistent, one-per-(iteration,id) entity of spec §3.
type Segment struct {
	SegID   uint64 `json:"seg_id"`
	NIter   uint64 `json:"n_iter"`
	Weight  float64 `json:"weight"`
	Pcoord  [][]float64 `json:"pcoord"` // ordered samples; first = start, last = endpoint

	Status       Status       `json:"status"`
	EndpointType EndpointType `json:"endpoint_type"`

	PrimaryParentRef *Ref   `json:"primary_parent_ref,omitempty"`
	MergeParentsRef  []Ref  `json:"merge_parents_ref,omitempty"`

	CPUTime  float64 `json:"cputime"`
	WallTime float64 `json:"walltime"`

	Data map[string]string `json:"data,omitempty"`
}

// StartPcoord returns the first recorded sample (inherited from the
// parent's endpoint, or the source template for a recycled/initial
// segment).
func (s *Segment) StartPcoord() []float64 {
	if len(s.Pcoord) == 0 {
		return nil
	}
	return s.Pcoord[0]
}

// EndPcoord returns the last recorded sample, the endpoint consumed by
// resampling. Only valid once Status == StatusComplete.
func (s *Segment) EndPcoord() []float64 {
	if len(s.Pcoord) == 0 {
		return nil
	}
	return s.Pcoord[len(s.Pcoord)-1]
}

func (s *Segment) InitialRegion() (string, bool) {
	if s.Data == nil {
		return "", false
	}
	v, ok := s.Data[DataInitialRegion]
	return v, ok
}

func (s *Segment) SetInitialRegion(region string) {
	if s.Data == nil {
		s.Data = make(map[string]string, 1)
	}
	s.Data[DataInitialRegion] = region
}

// Ref returns this segment's own lineage pointer.
func (s *Segment) Ref() Ref { return Ref{NIter: s.NIter, SegID: s.SegID} }
