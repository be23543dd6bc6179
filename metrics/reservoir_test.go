package metrics

import (
	"testing"
	"time"
)

func TestReservoirPercentileOnSmallSample(t *testing.T) {
	r := NewReservoir(100)
	for _, ms := range []int{10, 20, 30, 40, 50} {
		r.Add(time.Duration(ms) * time.Millisecond)
	}

	if got := r.Percentile(0.0); got != 10*time.Millisecond {
		t.Fatalf("expected the minimum at p0, got %v", got)
	}
	if got := r.Percentile(1.0); got != 50*time.Millisecond {
		t.Fatalf("expected the maximum at p100, got %v", got)
	}
}

func TestReservoirCapsMemoryButTracksTotalCount(t *testing.T) {
	r := NewReservoir(10)
	for i := 0; i < 1000; i++ {
		r.Add(time.Duration(i) * time.Millisecond)
	}
	if r.Count() != 1000 {
		t.Fatalf("expected count to track every observation, got %d", r.Count())
	}
	if r.Percentile(0.5) == 0 {
		t.Fatal("expected a non-zero percentile once the reservoir has samples")
	}
}

func TestReservoirEmptyReturnsZero(t *testing.T) {
	r := NewReservoir(10)
	if got := r.Percentile(0.5); got != 0 {
		t.Fatalf("expected 0 for an empty reservoir, got %v", got)
	}
}
