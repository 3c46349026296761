package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/pulse-obs/pulse/internal/model"
)

// ErrMalformedEvent marks events rejected at the aggregator boundary.
// Callers count these; they never reach a bucket.
var ErrMalformedEvent = errors.New("malformed event")

// Aggregator maps ingest events onto bucket mutations:
//
//   - log events increment logCount, and errorCount for error/fatal levels
//   - span end events feed the latency reservoir, increment requestCount,
//     and errorCount for error status
//
// Validation happens here so a malformed event cannot poison a bucket.
type Aggregator struct {
	store *Store

	// nowFn is the fallback clock for events without a usable timestamp.
	nowFn func() time.Time
}

// NewAggregator creates an Aggregator over a bucket store.
func NewAggregator(cfg StoreConfig, onClose CloseFunc) *Aggregator {
	return &Aggregator{
		store: NewStore(cfg, onClose),
		nowFn: time.Now,
	}
}

// IngestLog records one log event. Returns ErrMalformedEvent (wrapped) for
// events that fail validation.
func (a *Aggregator) IngestLog(ev model.LogEvent) error {
	if err := validateService(ev.Service); err != nil {
		return err
	}
	if !model.ValidLogLevel(ev.Level) {
		return fmt.Errorf("%w: unknown log level %q", ErrMalformedEvent, ev.Level)
	}

	isError := ev.Level == model.LevelError || ev.Level == model.LevelFatal
	a.store.Observe(ev.Service, a.eventTsMs(ev.Timestamp), func(b *Bucket) {
		b.LogCount++
		if isError {
			b.ErrorCount++
		}
	})
	return nil
}

// IngestSpan records one span end event. Returns ErrMalformedEvent (wrapped)
// for events that fail validation.
func (a *Aggregator) IngestSpan(ev model.SpanEndEvent) error {
	if err := validateService(ev.Service); err != nil {
		return err
	}
	if !model.ValidSpanStatus(ev.Status) {
		return fmt.Errorf("%w: unknown span status %q", ErrMalformedEvent, ev.Status)
	}
	if ev.DurationMs < 0 {
		return fmt.Errorf("%w: negative duration %v", ErrMalformedEvent, ev.DurationMs)
	}

	isError := ev.Status == model.StatusError
	a.store.Observe(ev.Service, a.eventTsMs(ev.EndTime), func(b *Bucket) {
		b.RequestCount++
		b.Latency.Observe(ev.DurationMs)
		if isError {
			b.ErrorCount++
		}
	})
	return nil
}

// Tick advances the store watermark, closing elapsed buckets.
func (a *Aggregator) Tick(now time.Time) {
	a.store.Tick(now.UnixMilli())
}

// FlushAll closes all open buckets. Used on shutdown.
func (a *Aggregator) FlushAll() {
	a.store.FlushAll()
}

func (a *Aggregator) eventTsMs(ts time.Time) int64 {
	if ts.IsZero() {
		return a.nowFn().UnixMilli()
	}
	return ts.UnixMilli()
}

func validateService(service string) error {
	if service == "" {
		return fmt.Errorf("%w: missing service", ErrMalformedEvent)
	}
	if len(service) > model.MaxServiceKeyLen {
		return fmt.Errorf("%w: service key exceeds %d bytes", ErrMalformedEvent, model.MaxServiceKeyLen)
	}
	return nil
}
