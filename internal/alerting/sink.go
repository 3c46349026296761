package alerting

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/pulse-obs/pulse/internal/anomaly"
	"github.com/pulse-obs/pulse/internal/eventbus"
	"github.com/pulse-obs/pulse/internal/model"
)

// SentMarker flags persisted alerts as delivered to downstream consumers.
type SentMarker interface {
	MarkAlertSent(ctx context.Context, id string) error
}

// Sink fans accepted alerts out: it runs candidates through the
// deduplicator with bounded retries, publishes persisted alerts on the event
// bus, and arms the detector's cooldown gate. The gate is armed only after a
// successful persist so a transient failure can be re-detected later.
type Sink struct {
	dedup    *Deduplicator
	marker   SentMarker
	bus      *eventbus.Bus
	gate     *anomaly.CooldownGate
	attempts int

	// backoffBase doubles per retry; overridable in tests.
	backoffBase time.Duration
	nowFn       func() time.Time

	dropped atomic.Int64
}

// NewSink creates a Sink. attempts bounds dedup retries for transient
// storage errors.
func NewSink(dedup *Deduplicator, marker SentMarker, bus *eventbus.Bus, gate *anomaly.CooldownGate, attempts int) *Sink {
	if attempts <= 0 {
		attempts = 3
	}
	return &Sink{
		dedup:       dedup,
		marker:      marker,
		bus:         bus,
		gate:        gate,
		attempts:    attempts,
		backoffBase: 100 * time.Millisecond,
		nowFn:       time.Now,
	}
}

// Deliver pushes one candidate through deduplication and fan-out. Rejections
// (duplicate, lock lost) return nil: another path owns the alert. Transient
// errors are retried with exponential backoff; after exhaustion the alert is
// dropped, counted, and the last error returned. Missing an alert is
// preferred over duplicating it.
func (s *Sink) Deliver(ctx context.Context, cand model.CandidateAlert) error {
	var lastErr error
	backoff := s.backoffBase
	for attempt := 0; attempt < s.attempts; attempt++ {
		alert, err := s.dedup.Process(ctx, cand)
		switch {
		case err == nil:
			s.gate.Arm(cand.Service, cand.Type, s.nowFn())
			s.bus.PublishAlert(eventbus.AlertTriggered{Alert: alert})
			if s.marker != nil {
				if err := s.marker.MarkAlertSent(ctx, alert.ID); err != nil {
					log.Printf("[sink] mark alert %s sent: %v", alert.ID, err)
				}
			}
			return nil
		case errors.Is(err, ErrDuplicate), errors.Is(err, ErrLockHeld):
			return nil
		default:
			lastErr = err
		}

		select {
		case <-ctx.Done():
			s.dropped.Add(1)
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	s.dropped.Add(1)
	log.Printf("[sink] dropping alert %s/%s after %d attempts: %v", cand.Service, cand.Type, s.attempts, lastErr)
	return lastErr
}

// Dropped returns the number of alerts lost to exhausted retries.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}
