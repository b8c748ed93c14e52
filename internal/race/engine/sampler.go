package engine

import "sync/atomic"

// Sampler implements probabilistic access sampling: checking every access
// is the default, but a deployment can trade detection completeness for
// instrumentation overhead by checking only 1-in-rate accesses.
//
// The sampling decision uses a free-running atomic counter rather than an
// RNG, following tsan's trace_pos approach — concurrent execution across
// workers already randomizes which access lands on a sampled slot, and an
// atomic increment is cheaper than pulling from a PRNG on every access.
type Sampler struct {
	enabled  bool
	rate     uint64
	tracePos uint64
}

// NewSampler returns a Sampler with the given rate. rate <= 1 disables
// sampling (every access is checked).
func NewSampler(enabled bool, rate uint64) *Sampler {
	if rate == 0 {
		rate = 1
	}
	return &Sampler{enabled: enabled, rate: rate}
}

// ShouldSample reports whether the current access should be checked. Called
// on every instrumented memory access, so it must stay cheap.
func (s *Sampler) ShouldSample() bool {
	if !s.enabled || s.rate <= 1 {
		return true
	}
	pos := atomic.AddUint64(&s.tracePos, 1)
	return pos%s.rate == 0
}
