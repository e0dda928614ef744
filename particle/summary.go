package particle

import "time"

// Summary is IterationSummary from spec §3.
type Summary struct {
	NIter           uint64      `json:"n_iter"`
	NParticles      int         `json:"n_particles"`
	Norm            float64     `json:"norm"`
	CPUTimeSum      float64     `json:"cputime_sum"`
	WallTimeSum     float64     `json:"walltime_sum"`
	StartTime       time.Time   `json:"starttime"`
	EndTime         time.Time   `json:"endtime"`
	BinPopulations  []float64   `json:"bin_populations"`
	BinNParticles   []uint32    `json:"bin_nparticles"`
	BinFlux         [][]float64 `json:"bin_flux,omitempty"`
	RecycledPopulation float64  `json:"recycled_population"`
}
