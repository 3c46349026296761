// Package engine wires the pipeline together: sharded workers own bucket
// aggregation, baselines, and detection for their slice of the service key
// space; accepted candidates flow through deduplication into the sink.
package engine

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/pulse-obs/pulse/internal/alerting"
	"github.com/pulse-obs/pulse/internal/anomaly"
	"github.com/pulse-obs/pulse/internal/config"
	"github.com/pulse-obs/pulse/internal/eventbus"
	"github.com/pulse-obs/pulse/internal/metrics"
	"github.com/pulse-obs/pulse/internal/model"
	"github.com/pulse-obs/pulse/internal/scanloop"
	"github.com/pulse-obs/pulse/internal/storage"
)

// tickInterval drives watermark advancement on idle shards.
const tickInterval = time.Second

// shardEvent is the tagged union carried on shard queues.
type shardEvent struct {
	logEv  *model.LogEvent
	spanEv *model.SpanEndEvent
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	DroppedEvents        int64
	MalformedEvents      int64
	DroppedMetricBatches int64
	DroppedAlerts        int64
	DroppedBusEvents     int64
}

// Engine owns the shard workers and the delivery components. Services are
// assigned to shards by hash, so all mutations for one service are
// serialized on one goroutine: bucket updates, baseline updates, and rule
// evaluation for a service are linearizable, and each finalized Metric is
// processed by the detector before the next one closes.
type Engine struct {
	cfg    *config.EnvConfig
	repo   *storage.Repo
	bus    *eventbus.Bus
	gate   *anomaly.CooldownGate
	dedup  *alerting.Deduplicator
	sink   *alerting.Sink
	watch  *alerting.DowntimeWatcher
	writer *metricWriter
	shards []*shard

	dropped   atomic.Int64
	malformed atomic.Int64

	nowFn func() time.Time
}

type shard struct {
	id    int
	queue chan shardEvent
	agg   *metrics.Aggregator
	det   *anomaly.Detector
	eng   *Engine
}

// New builds a fully wired engine. Call Run to start it.
func New(cfg *config.EnvConfig, repo *storage.Repo, bus *eventbus.Bus) *Engine {
	gate := anomaly.NewCooldownGate(cfg.Cooldown)
	dedup := alerting.NewDeduplicator(alerting.DedupConfig{
		WindowSec:       cfg.DeduplicationWindowSec,
		MaxClockSkewSec: cfg.MaxClockSkewSec,
		CacheSize:       cfg.CacheSize,
		CacheTTL:        cfg.CacheTTL,
		LockTimeout:     cfg.LockTimeout,
		DBTimeout:       cfg.DBTimeout,
	}, repo)
	sink := alerting.NewSink(dedup, repo, bus, gate, cfg.AlertRetryAttempts)
	watch := alerting.NewDowntimeWatcher(alerting.WatcherConfig{
		Downtime:  cfg.ServiceDowntime,
		DBTimeout: cfg.DBTimeout,
		Schedule:  cfg.DowntimeSweepSchedule,
	}, repo, sink, gate)

	e := &Engine{
		cfg:   cfg,
		repo:  repo,
		bus:   bus,
		gate:  gate,
		dedup: dedup,
		sink:  sink,
		watch: watch,
		writer: newMetricWriter(repo, 4*cfg.NumShards*64, cfg.MetricFlushBatch,
			cfg.MetricFlushInterval, cfg.AlertRetryAttempts, cfg.DBTimeout),
		nowFn: time.Now,
	}

	queueDepth := cfg.MaxQueueDepth / cfg.NumShards
	if queueDepth < 1 {
		queueDepth = 1
	}
	e.shards = make([]*shard, cfg.NumShards)
	for i := range e.shards {
		sh := &shard{
			id:    i,
			queue: make(chan shardEvent, queueDepth),
			det:   anomaly.NewDetector(detectorConfig(cfg), gate),
			eng:   e,
		}
		sh.agg = metrics.NewAggregator(metrics.StoreConfig{
			BucketMs:          cfg.BucketMs,
			LagToleranceMs:    cfg.LagToleranceMs,
			ReservoirCapacity: cfg.ReservoirCapacity,
		}, sh.onBucketClose)
		e.shards[i] = sh
	}
	return e
}

func detectorConfig(cfg *config.EnvConfig) anomaly.Config {
	return anomaly.Config{
		ZThreshold:            cfg.ZThreshold,
		MinDataPoints:         cfg.MinDataPoints,
		RateChangeThreshold:   cfg.RateChangeThreshold,
		MinRateForRoc:         cfg.MinRateForRoc,
		ErrorCountThreshold:   cfg.ErrorCountThreshold,
		LatencyThresholdMs:    cfg.LatencyThresholdMs,
		BaselineWindowBuckets: cfg.BaselineWindowBuckets,
		RocWindowBuckets:      cfg.RocWindowBuckets,
		EmaAlpha:              cfg.EmaAlpha,
		RobustBaseline:        cfg.RobustBaseline,
	}
}

// IngestLogs routes a batch of log events onto shard queues. Admission
// control applies per shard: events beyond the queue depth are dropped and
// counted, never blocking the caller.
func (e *Engine) IngestLogs(batch []model.LogEvent) {
	for i := range batch {
		ev := &batch[i]
		e.dispatch(ev.Service, shardEvent{logEv: ev})
	}
}

// IngestSpans routes a batch of span end events onto shard queues.
func (e *Engine) IngestSpans(batch []model.SpanEndEvent) {
	for i := range batch {
		ev := &batch[i]
		e.dispatch(ev.Service, shardEvent{spanEv: ev})
	}
}

func (e *Engine) dispatch(service string, ev shardEvent) {
	sh := e.shards[xxh3.HashString(service)%uint64(len(e.shards))]
	select {
	case sh.queue <- ev:
	default:
		if e.dropped.Add(1)%10000 == 1 {
			log.Printf("[engine] shard %d queue full, dropping events (total dropped: %d)", sh.id, e.dropped.Load())
		}
	}
}

func (e *Engine) eventTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return e.nowFn()
	}
	return ts
}

// Run starts the bus, the downtime watcher, the shard workers, the metric
// writer, and the lease janitor, then blocks until ctx is done and all
// workers have drained.
func (e *Engine) Run(ctx context.Context) error {
	e.bus.Start()
	if err := e.watch.Start(); err != nil {
		return err
	}

	// The writer outlives the shards: their shutdown flush enqueues the last
	// open buckets, which the writer drains before exiting.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		e.writer.run(writerCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, sh := range e.shards {
		g.Go(func() error {
			sh.run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		scanloop.Run(gctx, scanloop.DefaultMinInterval, scanloop.DefaultJitterRange, e.expireLeases)
		return nil
	})

	err := g.Wait()
	stopWriter()
	<-writerDone
	e.watch.Stop()
	e.bus.Stop()
	e.dedup.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stats returns a snapshot of the engine drop counters.
func (e *Engine) Stats() Stats {
	return Stats{
		DroppedEvents:        e.dropped.Load(),
		MalformedEvents:      e.malformed.Load(),
		DroppedMetricBatches: e.writer.droppedBatches.Load(),
		DroppedAlerts:        e.sink.Dropped(),
		DroppedBusEvents:     e.bus.Dropped(),
	}
}

func (e *Engine) expireLeases() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DBTimeout)
	defer cancel()
	if _, err := e.repo.ExpireDedupLeases(ctx); err != nil {
		log.Printf("[engine] lease janitor: %v", err)
	}
}

// run is the shard worker loop. All per-service state for this shard's
// services is confined to this goroutine.
func (sh *shard) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sh.queue:
			sh.handle(ev)

		case <-ticker.C:
			sh.agg.Tick(sh.eng.nowFn())

		case <-ctx.Done():
			// Drain the queue, then close open buckets so in-flight
			// windows are persisted.
			for {
				select {
				case ev := <-sh.queue:
					sh.handle(ev)
				default:
					sh.agg.FlushAll()
					return
				}
			}
		}
	}
}

// handle ingests one event. Activity is marked only for accepted events, so
// a stream of malformed payloads cannot keep a silent service looking alive.
func (sh *shard) handle(ev shardEvent) {
	var err error
	switch {
	case ev.logEv != nil:
		if err = sh.agg.IngestLog(*ev.logEv); err == nil {
			sh.eng.watch.MarkActivity(ev.logEv.Service, sh.eng.eventTime(ev.logEv.Timestamp))
		}
	case ev.spanEv != nil:
		if err = sh.agg.IngestSpan(*ev.spanEv); err == nil {
			sh.eng.watch.MarkActivity(ev.spanEv.Service, sh.eng.eventTime(ev.spanEv.EndTime))
		}
	}
	if err != nil {
		if sh.eng.malformed.Add(1)%10000 == 1 {
			log.Printf("[engine] shard %d rejected event: %v (total malformed: %d)", sh.id, err, sh.eng.malformed.Load())
		}
	}
}

// onBucketClose receives the finalized metrics of one closed bucket: they
// are published, queued for persistence, and run through the detector in
// order, before the next bucket for this service can close.
func (sh *shard) onBucketClose(finalized []model.Metric) {
	sh.eng.writer.enqueue(finalized)
	for _, m := range finalized {
		sh.eng.bus.PublishMetric(eventbus.MetricAggregated{Metric: m})
	}
	for _, m := range finalized {
		cand := sh.det.Evaluate(m)
		if cand == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := sh.eng.sink.Deliver(ctx, *cand); err != nil {
			log.Printf("[engine] shard %d deliver %s/%s: %v", sh.id, cand.Service, cand.Type, err)
		}
		cancel()
	}
}
