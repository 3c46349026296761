package engine

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/pulse-obs/pulse/internal/model"
	"github.com/pulse-obs/pulse/internal/storage"
)

// metricWriter persists finalized metrics asynchronously. Shard workers
// enqueue without blocking; a single loop batches writes and retries failed
// batches with exponential backoff up to the attempt budget, then drops the
// batch and counts it. Buckets stay finalized in memory either way; a
// storage failure never stalls detection.
type metricWriter struct {
	repo      *storage.Repo
	queue     chan []model.Metric
	batchSize int
	interval  time.Duration
	attempts  int
	dbTimeout time.Duration

	droppedBatches atomic.Int64
}

func newMetricWriter(repo *storage.Repo, queueSize, batchSize int, interval time.Duration, attempts int, dbTimeout time.Duration) *metricWriter {
	if queueSize <= 0 {
		queueSize = 4096
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &metricWriter{
		repo:      repo,
		queue:     make(chan []model.Metric, queueSize),
		batchSize: batchSize,
		interval:  interval,
		attempts:  attempts,
		dbTimeout: dbTimeout,
	}
}

// enqueue hands one closed bucket's metrics to the writer. Non-blocking;
// drops on overflow (the insert is idempotent, so a later replay of the same
// window is harmless).
func (w *metricWriter) enqueue(metrics []model.Metric) {
	select {
	case w.queue <- metrics:
	default:
		w.droppedBatches.Add(1)
	}
}

// run flushes on batch-size or timer until ctx is done, then drains.
func (w *metricWriter) run(ctx context.Context) error {
	batch := make([]model.Metric, 0, w.batchSize)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case metrics := <-w.queue:
			batch = append(batch, metrics...)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			for {
				select {
				case metrics := <-w.queue:
					batch = append(batch, metrics...)
				default:
					if len(batch) > 0 {
						w.flush(context.WithoutCancel(ctx), batch)
					}
					return nil
				}
			}
		}
	}
}

func (w *metricWriter) flush(ctx context.Context, batch []model.Metric) {
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < w.attempts; attempt++ {
		flushCtx, cancel := context.WithTimeout(ctx, w.dbTimeout)
		_, err := w.repo.InsertMetricsBatch(flushCtx, batch)
		cancel()
		if err == nil {
			return
		}
		log.Printf("[metricwriter] flush %d metrics failed (attempt %d): %v", len(batch), attempt+1, err)

		select {
		case <-ctx.Done():
			w.droppedBatches.Add(1)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	w.droppedBatches.Add(1)
}
