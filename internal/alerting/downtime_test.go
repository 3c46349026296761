package alerting

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pulse-obs/pulse/internal/anomaly"
	"github.com/pulse-obs/pulse/internal/eventbus"
	"github.com/pulse-obs/pulse/internal/model"
	"github.com/pulse-obs/pulse/internal/storage"
)

func newTestWatcher(t *testing.T) (*DowntimeWatcher, *storage.Repo, *Deduplicator) {
	t.Helper()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "pulse.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.MigrateDB(db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	repo := storage.NewRepo(db)
	t.Cleanup(func() { repo.Close() })

	gate := anomaly.NewCooldownGate(2 * time.Minute)
	dedup := NewDeduplicator(testDedupConfig(), repo)
	t.Cleanup(dedup.Close)
	sink := NewSink(dedup, repo, eventbus.New(16), gate, 3)
	sink.backoffBase = time.Millisecond

	w := NewDowntimeWatcher(WatcherConfig{
		Downtime:  5 * time.Minute,
		DBTimeout: 2 * time.Second,
		Schedule:  "@every 30s",
	}, repo, sink, gate)
	return w, repo, dedup
}

func unresolvedDownAlerts(t *testing.T, repo *storage.Repo, service string) []model.Alert {
	t.Helper()
	alerts, err := repo.ListUnresolvedAlerts(context.Background(), service)
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	return alerts
}

func TestDowntimeWatcher_Sweep_AlertsOnceThenResolves(t *testing.T) {
	w, repo, dedup := newTestWatcher(t)
	ctx := context.Background()
	base := time.Now()
	now := base
	w.nowFn = func() time.Time { return now }
	dedup.nowFn = func() time.Time { return now }

	w.MarkActivity("api", base.Add(-6*time.Minute))
	w.MarkActivity("web", base)

	// First sweep: api is past the downtime threshold, web is not.
	w.Sweep(ctx)
	alerts := unresolvedDownAlerts(t, repo, "api")
	if len(alerts) != 1 {
		t.Fatalf("api alerts after sweep: got %d, want 1", len(alerts))
	}
	if alerts[0].Type != model.AlertServiceDown || alerts[0].Severity != model.SeverityHigh {
		t.Fatalf("alert: got %s/%s, want service_down/high", alerts[0].Type, alerts[0].Severity)
	}
	if got := unresolvedDownAlerts(t, repo, "web"); len(got) != 0 {
		t.Fatalf("web alerts: got %d, want 0", len(got))
	}

	// Still silent on the next sweep: the down marker prevents a repeat.
	now = base.Add(30 * time.Second)
	w.Sweep(ctx)
	if got := unresolvedDownAlerts(t, repo, "api"); len(got) != 1 {
		t.Fatalf("api alerts after second sweep: got %d, want 1", len(got))
	}

	// Activity resumes: the sweep resolves the open alert.
	now = base.Add(time.Minute)
	w.MarkActivity("api", now)
	w.Sweep(ctx)
	if got := unresolvedDownAlerts(t, repo, "api"); len(got) != 0 {
		t.Fatalf("api alerts after recovery: got %d, want 0", len(got))
	}

	// A later outage alerts again: recovery re-armed the watcher.
	now = base.Add(10 * time.Minute)
	w.Sweep(ctx)
	if got := unresolvedDownAlerts(t, repo, "api"); len(got) != 1 {
		t.Fatalf("api alerts after second outage: got %d, want 1", len(got))
	}
}

// A watcher started after a restart has an empty in-memory map; the alert
// message must report the persisted last-seen instant, not the epoch.
func TestDowntimeWatcher_Sweep_UsesStoredActivityAfterRestart(t *testing.T) {
	w, repo, _ := newTestWatcher(t)
	ctx := context.Background()
	base := time.Now()
	w.nowFn = func() time.Time { return base }

	lastSeen := base.Add(-6 * time.Minute)
	if err := repo.MarkServiceActivityBatch(ctx, map[string]int64{"api": lastSeen.UnixNano()}); err != nil {
		t.Fatalf("persist activity: %v", err)
	}

	w.Sweep(ctx)
	alerts := unresolvedDownAlerts(t, repo, "api")
	if len(alerts) != 1 {
		t.Fatalf("alerts: got %d, want 1", len(alerts))
	}
	wantTs := lastSeen.UTC().Format(time.RFC3339)
	if !strings.Contains(alerts[0].Message, wantTs) {
		t.Fatalf("message %q missing stored last-seen %q", alerts[0].Message, wantTs)
	}
}

func TestDowntimeWatcher_MarkActivity_KeepsNewest(t *testing.T) {
	w, _, _ := newTestWatcher(t)
	t1 := time.Unix(1_700_000_100, 0)
	t0 := time.Unix(1_700_000_000, 0)

	w.MarkActivity("api", t1)
	w.MarkActivity("api", t0) // out of order, must not move backwards

	got, ok := w.activity.Load("api")
	if !ok || got != t1.UnixNano() {
		t.Fatalf("activity: got %d (ok=%v), want %d", got, ok, t1.UnixNano())
	}
}

func TestDowntimeWatcher_Start_RejectsBadSchedule(t *testing.T) {
	w, _, _ := newTestWatcher(t)
	w.schedule = "every now and then"
	if err := w.Start(); err == nil {
		t.Fatalf("bad schedule accepted")
	}
}

func TestDowntimeWatcher_StartStop(t *testing.T) {
	w, _, _ := newTestWatcher(t)
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.Stop()
	w.Stop() // idempotent
}
