package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pulse-obs/pulse/internal/config"
	"github.com/pulse-obs/pulse/internal/eventbus"
	"github.com/pulse-obs/pulse/internal/model"
	"github.com/pulse-obs/pulse/internal/storage"
)

const bucketMs = 60_000

func newTestEngine(t *testing.T, mutate func(*config.EnvConfig)) (*Engine, *storage.Repo, *eventbus.Bus) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.StateDir = t.TempDir()
	cfg.NumShards = 1
	if mutate != nil {
		mutate(cfg)
	}

	db, err := storage.OpenDB(filepath.Join(cfg.StateDir, "pulse.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.MigrateDB(db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	repo := storage.NewRepo(db)
	t.Cleanup(func() { repo.Close() })

	bus := eventbus.New(1024)
	e := New(cfg, repo, bus)
	t.Cleanup(e.dedup.Close)
	return e, repo, bus
}

func errorLog(service string, tsMs int64) model.LogEvent {
	return model.LogEvent{
		Timestamp: time.UnixMilli(tsMs),
		Level:     model.LevelError,
		Service:   service,
		Message:   "boom",
	}
}

// Feeds a steady error rate for a full baseline window, then a spike, driving
// the shard pipeline synchronously: bucket close, detection, deduplication,
// and persistence.
func TestEngine_ErrorSpikeEndToEnd(t *testing.T) {
	e, repo, bus := newTestEngine(t, nil)
	sh := e.shards[0]
	base := int64(1_000 * bucketMs)

	var published int
	bus.SubscribeAlerts(func(eventbus.AlertTriggered) { published++ })
	bus.Start()

	for i := int64(0); i < 61; i++ {
		ts := base + i*bucketMs
		for j := 0; j < 2; j++ {
			if err := sh.agg.IngestLog(errorLog("api", ts)); err != nil {
				t.Fatalf("ingest bucket %d: %v", i, err)
			}
		}
	}
	spikeTs := base + 61*bucketMs
	for j := 0; j < 50; j++ {
		if err := sh.agg.IngestLog(errorLog("api", spikeTs)); err != nil {
			t.Fatalf("ingest spike: %v", err)
		}
	}
	sh.agg.Tick(time.UnixMilli(base + 63*bucketMs))
	bus.Stop()

	alerts, err := repo.ListUnresolvedAlerts(context.Background(), "api")
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts: got %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Type != model.AlertErrorSpike || a.Severity != model.SeverityCritical {
		t.Fatalf("alert: got %s/%s, want error_spike/critical", a.Type, a.Severity)
	}
	if !a.AlertSent {
		t.Fatalf("alert not marked sent")
	}
	if a.Stats.ZScore < 6 {
		t.Fatalf("z-score: got %v, want >= 6", a.Stats.ZScore)
	}
	if published != 1 {
		t.Fatalf("published alerts: got %d, want 1", published)
	}
}

// A second spike inside the cooldown window must not produce a second alert.
func TestEngine_CooldownSuppressesRepeat(t *testing.T) {
	e, repo, _ := newTestEngine(t, nil)
	sh := e.shards[0]
	base := int64(1_000 * bucketMs)

	for i := int64(0); i < 61; i++ {
		ts := base + i*bucketMs
		sh.agg.IngestLog(errorLog("api", ts))
		sh.agg.IngestLog(errorLog("api", ts))
	}
	for _, bucket := range []int64{61, 62} {
		ts := base + bucket*bucketMs
		for j := 0; j < 50; j++ {
			sh.agg.IngestLog(errorLog("api", ts))
		}
	}
	sh.agg.Tick(time.UnixMilli(base + 64*bucketMs))

	alerts, err := repo.ListUnresolvedAlerts(context.Background(), "api")
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts: got %d, want 1", len(alerts))
	}
}

// A long silence decays the baseline through synthesized empty buckets; the
// eventual resumption at the old rate looks like a spike against the decayed
// mean. The static fallback keeps a fully-zero baseline from alerting on
// small values, so the resumed rate must clear the static threshold too.
func TestEngine_SilenceDecaysBaseline(t *testing.T) {
	e, repo, _ := newTestEngine(t, nil)
	sh := e.shards[0]
	base := int64(1_000 * bucketMs)

	// 5 errors per bucket stays under the static threshold, so the warmup
	// phase emits nothing.
	for i := int64(0); i < 40; i++ {
		ts := base + i*bucketMs
		for j := 0; j < 5; j++ {
			sh.agg.IngestLog(errorLog("api", ts))
		}
	}
	// 70 buckets of silence push the window to all zeros.
	resumeTs := base + 110*bucketMs
	for j := 0; j < 12; j++ {
		sh.agg.IngestLog(errorLog("api", resumeTs))
	}
	sh.agg.Tick(time.UnixMilli(base + 112*bucketMs))

	alerts, err := repo.ListUnresolvedAlerts(context.Background(), "api")
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts: got %d, want 1", len(alerts))
	}
	// The baseline was all zeros by then, so this is the static fallback.
	if alerts[0].Type != model.AlertThresholdExceeded {
		t.Fatalf("alert type: got %s, want %s", alerts[0].Type, model.AlertThresholdExceeded)
	}
}

func TestEngine_Dispatch_DropsWhenQueueFull(t *testing.T) {
	e, _, _ := newTestEngine(t, func(cfg *config.EnvConfig) {
		cfg.MaxQueueDepth = 2
	})

	// No shard worker is running, so everything past the queue depth drops.
	batch := make([]model.LogEvent, 5)
	for i := range batch {
		batch[i] = errorLog("api", int64(1_000*bucketMs))
	}
	e.IngestLogs(batch)

	if got := e.Stats().DroppedEvents; got != 3 {
		t.Fatalf("dropped events: got %d, want 3", got)
	}
}

func TestEngine_Handle_CountsMalformed(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	sh := e.shards[0]

	sh.handle(shardEvent{logEv: &model.LogEvent{Level: "noise", Service: "api"}})
	sh.handle(shardEvent{spanEv: &model.SpanEndEvent{Service: "api", Status: model.StatusOK, DurationMs: -5}})

	if got := e.Stats().MalformedEvents; got != 2 {
		t.Fatalf("malformed events: got %d, want 2", got)
	}
}

// Rejected events must not register service activity for the downtime
// watcher; accepted events do.
func TestEngine_Handle_MarksActivityOnlyForAcceptedEvents(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	sh := e.shards[0]

	sh.handle(shardEvent{logEv: &model.LogEvent{Level: "noise", Service: "api", Timestamp: time.UnixMilli(1_000 * bucketMs)}})
	if _, ok := e.watch.LastActivity("api"); ok {
		t.Fatalf("rejected event registered activity")
	}

	ev := errorLog("api", 1_000*bucketMs)
	sh.handle(shardEvent{logEv: &ev})
	got, ok := e.watch.LastActivity("api")
	if !ok || got != ev.Timestamp.UnixNano() {
		t.Fatalf("activity: got %d (ok=%v), want %d", got, ok, ev.Timestamp.UnixNano())
	}
}

func TestEngine_RunDrainsOnCancel(t *testing.T) {
	e, repo, _ := newTestEngine(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	base := int64(1_000 * bucketMs)
	e.IngestLogs([]model.LogEvent{errorLog("api", base), errorLog("api", base)})
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not stop on cancel")
	}

	// The shutdown path flushes the open bucket through the metric writer.
	var count int
	row := repo.DB().QueryRow("SELECT COUNT(*) FROM metric_buckets WHERE service = 'api'")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count metrics: %v", err)
	}
	if count != 5 {
		t.Fatalf("persisted metrics: got %d, want 5", count)
	}
}
