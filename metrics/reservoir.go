package metrics

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Reservoir is a fixed-size random sample of observed durations, used to
// estimate latency percentiles without retaining every observation.
// Grounded on resilience.SlidingWindow's bucketed-counter shape, adapted
// from an error-rate window to Algorithm R reservoir sampling since the
// aggregator needs percentiles rather than a pass/fail rate.
type Reservoir struct {
	mu      sync.Mutex
	samples []time.Duration
	size    int
	count   int64
	rng     *rand.Rand
}

// NewReservoir creates a reservoir holding at most size samples.
func NewReservoir(size int) *Reservoir {
	if size <= 0 {
		size = 1000
	}
	return &Reservoir{
		samples: make([]time.Duration, 0, size),
		size:    size,
		rng:     rand.New(rand.NewSource(1)),
	}
}

// Add records one observation, using Algorithm R once the reservoir fills.
func (r *Reservoir) Add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	if len(r.samples) < r.size {
		r.samples = append(r.samples, d)
		return
	}
	j := r.rng.Int63n(r.count)
	if j < int64(r.size) {
		r.samples[j] = d
	}
}

// Percentile returns the estimated value at p (0..1), 0 if no samples
// have been recorded yet.
func (r *Reservoir) Percentile(p float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(r.samples))
	copy(sorted, r.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Count returns the total number of observations recorded, including
// those no longer retained in the sample.
func (r *Reservoir) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
