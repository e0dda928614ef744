package resample

// Source is a splitmix64 PRNG exposed as a plain uint64 so the resampler's
// one named RNG stream (spec §4.2 step 5 / §9 Open Question) can be
// checkpointed and restored exactly: unlike the stdlib math/rand default
// source, whose internal state is unexported, Source's entire state is the
// single uint64 returned by State().
type Source struct {
	state uint64
}

// NewSource seeds a fresh stream.
func NewSource(seed int64) *Source {
	return &Source{state: uint64(seed)}
}

// RestoreSource reconstructs a stream from a previously checkpointed state.
func RestoreSource(state uint64) *Source {
	return &Source{state: state}
}

// Uint64 implements rand.Source64.
func (s *Source) Uint64() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// Int63 implements rand.Source.
func (s *Source) Int63() int64 { return int64(s.Uint64() >> 1) }

// Seed implements rand.Source; re-seeds the stream from scratch.
func (s *Source) Seed(seed int64) { s.state = uint64(seed) }

// State returns the current internal state, suitable for checkpointing.
func (s *Source) State() uint64 { return s.state }
