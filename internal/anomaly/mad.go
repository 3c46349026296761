package anomaly

import "sort"

// madTracker maintains a sorted mirror of the baseline buffer so the median
// absolute deviation can be computed without rescanning. The window is small
// (tens of entries), so binary-search insertion keeps updates cheap.
type madTracker struct {
	sorted  []float64
	scratch []float64
}

func newMADTracker(capacity int) *madTracker {
	return &madTracker{
		sorted:  make([]float64, 0, capacity),
		scratch: make([]float64, 0, capacity),
	}
}

func (t *madTracker) Add(v float64) {
	i := sort.SearchFloat64s(t.sorted, v)
	t.sorted = append(t.sorted, 0)
	copy(t.sorted[i+1:], t.sorted[i:])
	t.sorted[i] = v
}

func (t *madTracker) Remove(v float64) {
	i := sort.SearchFloat64s(t.sorted, v)
	if i < len(t.sorted) && t.sorted[i] == v {
		t.sorted = append(t.sorted[:i], t.sorted[i+1:]...)
	}
}

// Median returns the middle element (lower of the two for even counts).
func (t *madTracker) Median() float64 {
	n := len(t.sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return t.sorted[n/2]
	}
	return (t.sorted[n/2-1] + t.sorted[n/2]) / 2
}

// MAD returns the median absolute deviation from the median.
func (t *madTracker) MAD() float64 {
	n := len(t.sorted)
	if n == 0 {
		return 0
	}
	med := t.Median()
	t.scratch = t.scratch[:0]
	for _, v := range t.sorted {
		d := v - med
		if d < 0 {
			d = -d
		}
		t.scratch = append(t.scratch, d)
	}
	sort.Float64s(t.scratch)
	if n%2 == 1 {
		return t.scratch[n/2]
	}
	return (t.scratch[n/2-1] + t.scratch[n/2]) / 2
}
