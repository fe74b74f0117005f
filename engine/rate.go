package engine

import (
	"slices"
)

const (
	// DefaultRateWindow is the number of samples the orchestrator keeps.
	DefaultRateWindow = 32

	minRateSamples = 3
	rateAlpha      = 0.25
)

// RateEstimator smooths raw throughput samples. It keeps a bounded window of
// the most recent samples, trims the lowest and highest tenth of them, and
// blends the resulting mean into a running estimate.
//
// The trimmed mean is divided by the full window size, not by the number of
// samples that survived trimming.
//
// A RateEstimator is not safe for concurrent use.
type RateEstimator struct {
	capacity int
	window   []float64
	sorted   []float64

	estimate float64
	seeded   bool
}

// NewRateEstimator creates an estimator that keeps at most capacity samples.
// Capacities below the minimum sample count are raised to it.
func NewRateEstimator(capacity int) *RateEstimator {
	if capacity < minRateSamples {
		capacity = minRateSamples
	}
	return &RateEstimator{
		capacity: capacity,
		window:   make([]float64, 0, capacity),
		sorted:   make([]float64, 0, capacity),
	}
}

// Update adds a sample and returns the new estimate. ok is false while fewer
// than three samples have been collected.
func (r *RateEstimator) Update(sample float64) (rate float64, ok bool) {
	if len(r.window) == r.capacity {
		copy(r.window, r.window[1:])
		r.window = r.window[:len(r.window)-1]
	}
	r.window = append(r.window, sample)

	if len(r.window) < minRateSamples {
		return 0, false
	}

	r.sorted = append(r.sorted[:0], r.window...)
	slices.Sort(r.sorted)

	n := len(r.sorted)
	skip := n / 10
	mean := 0.0
	for _, v := range r.sorted[skip : n-skip] {
		mean += v / float64(n)
	}

	if !r.seeded {
		r.estimate = mean
		r.seeded = true
	}
	r.estimate = mean*rateAlpha + r.estimate*(1-rateAlpha)
	return r.estimate, true
}

// Estimate returns the last computed estimate without adding a sample.
func (r *RateEstimator) Estimate() (float64, bool) {
	return r.estimate, r.seeded
}

// Len returns the number of samples currently in the window.
func (r *RateEstimator) Len() int {
	return len(r.window)
}

// Capacity returns the maximum window size.
func (r *RateEstimator) Capacity() int {
	return r.capacity
}

// Reset drops all samples and the running estimate.
func (r *RateEstimator) Reset() {
	r.window = r.window[:0]
	r.estimate = 0
	r.seeded = false
}
