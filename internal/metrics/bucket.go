// Package metrics implements the per-service time bucket store and the
// streaming aggregator that turns log and span events into finalized metrics.
package metrics

import (
	"github.com/pulse-obs/pulse/internal/model"
)

// Bucket accumulates counters for one (service, window). It is mutable until
// the store closes it; closing emits the derived metrics and the bucket is
// never touched again.
type Bucket struct {
	Service       string
	WindowStartMs int64
	WindowEndMs   int64

	ErrorCount   int64
	LogCount     int64
	RequestCount int64
	Latency      *Reservoir
}

// CloseFunc receives the finalized metrics of one closed bucket, in a fixed
// kind order, strictly increasing in windowStart per service.
type CloseFunc func(finalized []model.Metric)

// StoreConfig configures a bucket store.
type StoreConfig struct {
	BucketMs          int64
	LagToleranceMs    int64
	ReservoirCapacity int
}

// Store holds the open bucket for each service. A bucket is created lazily on
// first observation, mutated until the watermark passes windowEnd plus the
// lag tolerance, then closed. Missed windows are synthesized as empty buckets
// so that silence still advances the baseline.
//
// Store is not concurrency-safe: the engine shards services across workers
// and serializes all calls for one service.
type Store struct {
	bucketMs       int64
	lagToleranceMs int64
	reservoirCap   int
	onClose        CloseFunc
	services       map[string]*serviceWindow
}

type serviceWindow struct {
	open *Bucket
	// nextStart is the windowStart the next bucket must have to keep the
	// per-service sequence contiguous. Zero means no bucket has existed yet.
	nextStart int64
}

// NewStore creates a Store that calls onClose for every finalized bucket.
func NewStore(cfg StoreConfig, onClose CloseFunc) *Store {
	bucketMs := cfg.BucketMs
	if bucketMs <= 0 {
		bucketMs = 60_000
	}
	lag := cfg.LagToleranceMs
	if lag < 0 {
		lag = 0
	}
	return &Store{
		bucketMs:       bucketMs,
		lagToleranceMs: lag,
		reservoirCap:   cfg.ReservoirCapacity,
		onClose:        onClose,
		services:       make(map[string]*serviceWindow),
	}
}

// BucketMs returns the configured window width.
func (s *Store) BucketMs() int64 {
	return s.bucketMs
}

// Observe routes one observation at tsMs into the service's bucket, closing
// and synthesizing windows as needed, then applies the mutation.
// Observations older than the open window fold into it rather than reopening
// a closed one.
func (s *Store) Observe(service string, tsMs int64, apply func(*Bucket)) {
	ws := s.align(tsMs)
	w := s.services[service]
	if w == nil {
		w = &serviceWindow{}
		s.services[service] = w
	}

	if w.open == nil {
		start := ws
		if w.nextStart != 0 {
			for w.nextStart < ws {
				s.emitEmpty(service, w.nextStart)
				w.nextStart += s.bucketMs
			}
			// A late observation (ws < nextStart) lands in the next
			// admissible window instead of reopening a closed one.
			start = w.nextStart
		}
		w.open = s.newBucket(service, start)
		w.nextStart = start + s.bucketMs
		apply(w.open)
		return
	}

	if ws <= w.open.WindowStartMs {
		apply(w.open)
		return
	}

	// The observation belongs to a newer window: close the open bucket and
	// every intervening window before opening the new one.
	s.close(w.open)
	w.open = nil
	for w.nextStart < ws {
		s.emitEmpty(service, w.nextStart)
		w.nextStart += s.bucketMs
	}
	w.open = s.newBucket(service, ws)
	w.nextStart = ws + s.bucketMs
	apply(w.open)
}

// Tick advances the watermark to nowMs: every bucket whose window ended at
// least lagTolerance ago is closed, and fully elapsed silent windows are
// emitted as empty buckets. Call periodically; Observe alone cannot close the
// final bucket of a service that has gone quiet.
func (s *Store) Tick(nowMs int64) {
	cutoff := nowMs - s.lagToleranceMs
	for service, w := range s.services {
		if w.open != nil && w.open.WindowEndMs <= cutoff {
			s.close(w.open)
			w.open = nil
		}
		if w.open != nil || w.nextStart == 0 {
			continue
		}
		for w.nextStart+s.bucketMs <= cutoff {
			s.emitEmpty(service, w.nextStart)
			w.nextStart += s.bucketMs
		}
	}
}

// FlushAll closes every open bucket regardless of lag tolerance. Used on
// shutdown so in-flight windows are not lost.
func (s *Store) FlushAll() {
	for _, w := range s.services {
		if w.open != nil {
			s.close(w.open)
			w.open = nil
		}
	}
}

func (s *Store) align(tsMs int64) int64 {
	return tsMs - tsMs%s.bucketMs
}

func (s *Store) newBucket(service string, startMs int64) *Bucket {
	return &Bucket{
		Service:       service,
		WindowStartMs: startMs,
		WindowEndMs:   startMs + s.bucketMs,
		Latency:       NewReservoir(s.reservoirCap),
	}
}

func (s *Store) emitEmpty(service string, startMs int64) {
	s.close(s.newBucket(service, startMs))
}

func (s *Store) close(b *Bucket) {
	if s.onClose == nil {
		return
	}
	s.onClose(finalize(b, s.bucketMs))
}

// finalize derives the five metrics of a closed bucket.
func finalize(b *Bucket, bucketMs int64) []model.Metric {
	mk := func(kind model.MetricKind, value float64) model.Metric {
		return model.Metric{
			Service:       b.Service,
			Kind:          kind,
			Value:         value,
			WindowStartMs: b.WindowStartMs,
			WindowEndMs:   b.WindowEndMs,
		}
	}
	return []model.Metric{
		mk(model.MetricErrorCount, float64(b.ErrorCount)),
		mk(model.MetricLogCount, float64(b.LogCount)),
		mk(model.MetricRequestCount, float64(b.RequestCount)),
		mk(model.MetricThroughput, float64(b.RequestCount)/(float64(bucketMs)/1000)),
		mk(model.MetricLatencyP95, b.Latency.Percentile(0.95)),
	}
}
