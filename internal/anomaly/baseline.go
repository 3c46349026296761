// Package anomaly implements the streaming baseline model and the rule-based
// anomaly detector that consumes finalized metrics.
package anomaly

import (
	"math"
)

// Baseline holds per-(service, rule) streaming statistics over the last
// windowBuckets finalized rates: a circular buffer with running sum and
// sum-of-squares maintained by O(1) fold-in/fold-out arithmetic, an EMA, and
// a short tail ring for rate-of-change. Empty buckets push a rate of 0, so
// silence decays the mean toward zero.
type Baseline struct {
	buf   []float64
	head  int
	count int

	sum        float64
	sumSquares float64

	alpha  float64
	ema    float64
	emaSet bool

	tail      []float64
	tailHead  int
	tailCount int

	robust *madTracker
}

// NewBaseline creates a Baseline with the given window sizes and EMA
// smoothing factor. When robust is true a sorted auxiliary structure is
// maintained so the detector can use MAD instead of the standard deviation.
func NewBaseline(windowBuckets, rocBuckets int, alpha float64, robust bool) *Baseline {
	if windowBuckets <= 0 {
		windowBuckets = 60
	}
	if rocBuckets <= 0 {
		rocBuckets = 5
	}
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	b := &Baseline{
		buf:   make([]float64, windowBuckets),
		alpha: alpha,
		tail:  make([]float64, rocBuckets),
	}
	if robust {
		b.robust = newMADTracker(windowBuckets)
	}
	return b
}

// Push folds one finalized rate into the statistics, evicting the oldest
// value once the buffer is full.
func (b *Baseline) Push(v float64) {
	if b.count == len(b.buf) {
		evicted := b.buf[b.head]
		b.sum -= evicted
		b.sumSquares -= evicted * evicted
		if b.robust != nil {
			b.robust.Remove(evicted)
		}
	} else {
		b.count++
	}
	b.buf[b.head] = v
	b.head = (b.head + 1) % len(b.buf)
	b.sum += v
	b.sumSquares += v * v
	if b.robust != nil {
		b.robust.Add(v)
	}

	if b.emaSet {
		b.ema = b.alpha*v + (1-b.alpha)*b.ema
	} else {
		b.ema = v
		b.emaSet = true
	}

	if b.tailCount == len(b.tail) {
		b.tail[b.tailHead] = v
		b.tailHead = (b.tailHead + 1) % len(b.tail)
	} else {
		b.tail[(b.tailHead+b.tailCount)%len(b.tail)] = v
		b.tailCount++
	}
}

// Count returns the number of rates currently in the window.
func (b *Baseline) Count() int {
	return b.count
}

// Mean returns the rolling mean, or 0 for an empty window.
func (b *Baseline) Mean() float64 {
	if b.count == 0 {
		return 0
	}
	return b.sum / float64(b.count)
}

// Variance returns the rolling population variance, clamped at 0 to absorb
// float64 cancellation error.
func (b *Baseline) Variance() float64 {
	if b.count == 0 {
		return 0
	}
	mean := b.Mean()
	return math.Max(0, b.sumSquares/float64(b.count)-mean*mean)
}

// StdDev returns the square root of the clamped variance.
func (b *Baseline) StdDev() float64 {
	return math.Sqrt(b.Variance())
}

// EMA returns the exponential moving average, or 0 before the first push.
func (b *Baseline) EMA() float64 {
	return b.ema
}

// Scale returns the dispersion estimate used by the z-score rule: the
// standard deviation, or 1.4826*MAD when the robust variant is enabled.
func (b *Baseline) Scale() float64 {
	if b.robust != nil && b.count > 0 {
		return 1.4826 * b.robust.MAD()
	}
	return b.StdDev()
}

// TailMean returns the mean of the rate-of-change tail (the most recent
// pushes, excluding any value not yet pushed), or 0 when empty.
func (b *Baseline) TailMean() float64 {
	if b.tailCount == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < b.tailCount; i++ {
		sum += b.tail[(b.tailHead+i)%len(b.tail)]
	}
	return sum / float64(b.tailCount)
}

// consistent reports whether sum and sumSquares still agree with the buffer
// contents within floating point slack.
func (b *Baseline) consistent() bool {
	var sum, sumSq float64
	start := b.head - b.count
	for i := 0; i < b.count; i++ {
		v := b.buf[((start+i)%len(b.buf)+len(b.buf))%len(b.buf)]
		sum += v
		sumSq += v * v
	}
	const slack = 1e-6
	return math.Abs(sum-b.sum) <= slack*math.Max(1, math.Abs(sum)) &&
		math.Abs(sumSq-b.sumSquares) <= slack*math.Max(1, math.Abs(sumSq))
}

// Reset discards all state. Used when an invariant violation is detected in
// production rather than crashing the shard.
func (b *Baseline) Reset() {
	for i := range b.buf {
		b.buf[i] = 0
	}
	b.head, b.count = 0, 0
	b.sum, b.sumSquares = 0, 0
	b.ema, b.emaSet = 0, false
	b.tailHead, b.tailCount = 0, 0
	if b.robust != nil {
		b.robust = newMADTracker(len(b.buf))
	}
}
