package particle

// Particle is the transient (weight, pcoord, lineage) tuple the Resampler
// operates on (spec §3). It is built from COMPLETE segments of iteration
// N and converted back into PREPARED segments of iteration N+1; it never
// escapes the resample package's call site.
type Particle struct {
	ID     uint64 // == the originating segment's SegID
	Weight float64
	Pcoord []float64 // the single pcoord sample this particle carries forward

	PrimaryParent *Particle
	MergeParents  []*Particle

	InitialRegion string // set when this particle is a freshly recycled one
}

// Collection is a convenience wrapper mirroring the original
// ParticleCollection's norm() helper.
type Collection []*Particle

func (c Collection) Norm() float64 {
	var sum float64
	for _, p := range c {
		sum += p.Weight
	}
	return sum
}

func (c Collection) Weights() []float64 {
	out := make([]float64, len(c))
	for i, p := range c {
		out[i] = p.Weight
	}
	return out
}
