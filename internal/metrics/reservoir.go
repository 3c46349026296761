package metrics

import (
	"math"
	"math/rand/v2"
	"sort"
)

// Reservoir keeps a fixed-capacity uniform sample of observed values
// (algorithm R). Memory stays O(capacity) regardless of how many values a
// bucket sees; precision is sufficient for alerting-grade percentiles.
type Reservoir struct {
	values []float64
	seen   int64
}

// NewReservoir creates a reservoir with the given capacity.
func NewReservoir(capacity int) *Reservoir {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Reservoir{values: make([]float64, 0, capacity)}
}

// Observe records one value, replacing a uniformly chosen earlier sample once
// the reservoir is full.
func (r *Reservoir) Observe(v float64) {
	r.seen++
	if len(r.values) < cap(r.values) {
		r.values = append(r.values, v)
		return
	}
	if j := rand.Int64N(r.seen); j < int64(cap(r.values)) {
		r.values[j] = v
	}
}

// Len returns the number of retained samples.
func (r *Reservoir) Len() int {
	return len(r.values)
}

// Seen returns the total number of observed values.
func (r *Reservoir) Seen() int64 {
	return r.seen
}

// Percentile sorts the retained samples in place and returns the p-quantile
// (0 < p <= 1) as the element at index ceil(p*n)-1. Returns 0 when empty.
// Call only at bucket close; the sample order is not preserved.
func (r *Reservoir) Percentile(p float64) float64 {
	n := len(r.values)
	if n == 0 {
		return 0
	}
	sort.Float64s(r.values)
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return r.values[idx]
}
