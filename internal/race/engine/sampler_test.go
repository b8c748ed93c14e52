package engine

import "testing"

func TestNewSampler_DisabledByDefault(t *testing.T) {
	s := NewSampler(false, 100)
	for i := 0; i < 1000; i++ {
		if !s.ShouldSample() {
			t.Fatal("disabled sampler must always report true")
		}
	}
}

func TestNewSampler_RateZeroNormalizesToOne(t *testing.T) {
	s := NewSampler(true, 0)
	for i := 0; i < 1000; i++ {
		if !s.ShouldSample() {
			t.Fatal("rate 0 should normalize to rate 1 and always sample")
		}
	}
}

func TestNewSampler_RateOneAlwaysSamples(t *testing.T) {
	s := NewSampler(true, 1)
	for i := 0; i < 1000; i++ {
		if !s.ShouldSample() {
			t.Fatal("rate 1 should always sample")
		}
	}
}

func TestSampler_RateNSamplesOneInN(t *testing.T) {
	s := NewSampler(true, 10)
	sampled := 0
	const total = 10000
	for i := 0; i < total; i++ {
		if s.ShouldSample() {
			sampled++
		}
	}
	if sampled != total/10 {
		t.Errorf("rate 10 over %d accesses: got %d sampled, want exactly %d", total, sampled, total/10)
	}
}
