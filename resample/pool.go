package resample

import (
	"sync"

	"github.com/wesim-project/wesim/particle"
)

// particlePool recycles the *particle.Particle values the Resampler
// allocates by the thousand during split/merge (every split step allocates
// two fresh copies, every merge step allocates one). Adapted from the
// teacher's transport.sendPool/recvPool (a sync.Pool of *Obj/*objReader
// reused across stream sends); here the pooled type is a transient
// Particle instead of a wire object, but the alloc/reset/free shape is the
// same.
var particlePool sync.Pool

func allocParticle() *particle.Particle {
	if v := particlePool.Get(); v != nil {
		p := v.(*particle.Particle)
		*p = particle.Particle{}
		return p
	}
	return &particle.Particle{}
}

func freeParticles(ps []*particle.Particle) {
	for _, p := range ps {
		particlePool.Put(p)
	}
}
