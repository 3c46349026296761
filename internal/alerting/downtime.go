package alerting

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/pulse-obs/pulse/internal/anomaly"
	"github.com/pulse-obs/pulse/internal/model"
)

// ActivityRepo is the storage capability set the downtime watcher depends on.
type ActivityRepo interface {
	MarkServiceActivityBatch(ctx context.Context, seen map[string]int64) error
	ListStaleServices(ctx context.Context, cutoffNs int64) ([]model.ServiceActivity, error)
	ResolveAlerts(ctx context.Context, service string, alertType model.AlertType) (int64, error)
}

// DowntimeWatcher tracks the last observation instant per service and emits
// service_down candidates when a service has been silent past the threshold.
// A service that went down alerts once; it re-arms only on fresh activity,
// not on cooldown expiry. When activity resumes, open service_down alerts
// are resolved.
type DowntimeWatcher struct {
	repo      ActivityRepo
	sink      *Sink
	gate      *anomaly.CooldownGate
	downtime  time.Duration
	dbTimeout time.Duration
	schedule  string

	// activity holds per-service lastObservationAt (unix ns); flushed to the
	// repo on each sweep so restarts keep history.
	activity *xsync.Map[string, int64]
	// down marks services already alerted as down; cleared when a sweep
	// observes recovery.
	down *xsync.Map[string, int64]

	cron     *cron.Cron
	stopOnce sync.Once
	nowFn    func() time.Time
}

// WatcherConfig configures the downtime watcher.
type WatcherConfig struct {
	Downtime  time.Duration
	DBTimeout time.Duration
	Schedule  string
}

// NewDowntimeWatcher creates a watcher; Start launches the sweep schedule.
func NewDowntimeWatcher(cfg WatcherConfig, repo ActivityRepo, sink *Sink, gate *anomaly.CooldownGate) *DowntimeWatcher {
	return &DowntimeWatcher{
		repo:      repo,
		sink:      sink,
		gate:      gate,
		downtime:  cfg.Downtime,
		dbTimeout: cfg.DBTimeout,
		schedule:  cfg.Schedule,
		activity:  xsync.NewMap[string, int64](),
		down:      xsync.NewMap[string, int64](),
		cron:      cron.New(),
		nowFn:     time.Now,
	}
}

// MarkActivity records an accepted observation for a service; keeps only the
// newest timestamp. The down marker is cleared by the next sweep, which also
// resolves the open alert.
func (w *DowntimeWatcher) MarkActivity(service string, ts time.Time) {
	tsNs := ts.UnixNano()
	w.activity.Compute(service, func(old int64, _ bool) (int64, xsync.ComputeOp) {
		if tsNs > old {
			return tsNs, xsync.UpdateOp
		}
		return old, xsync.CancelOp
	})
}

// LastActivity returns the in-memory last-observation instant for a service.
func (w *DowntimeWatcher) LastActivity(service string) (int64, bool) {
	return w.activity.Load(service)
}

// Start registers the sweep on the cron schedule and starts it.
func (w *DowntimeWatcher) Start() error {
	if _, err := w.cron.AddFunc(w.schedule, func() { w.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("downtime watcher schedule %q: %w", w.schedule, err)
	}
	w.cron.Start()
	return nil
}

// Stop halts the sweep schedule and waits for a running sweep to finish.
func (w *DowntimeWatcher) Stop() {
	w.stopOnce.Do(func() {
		<-w.cron.Stop().Done()
	})
}

// Sweep flushes activity to the repo, emits service_down candidates for
// newly stale services, and resolves alerts for services that came back.
func (w *DowntimeWatcher) Sweep(ctx context.Context) {
	now := w.nowFn()

	seen := make(map[string]int64)
	w.activity.Range(func(service string, tsNs int64) bool {
		seen[service] = tsNs
		return true
	})
	flushCtx, cancelFlush := context.WithTimeout(ctx, w.dbTimeout)
	if err := w.repo.MarkServiceActivityBatch(flushCtx, seen); err != nil {
		log.Printf("[downtime] activity flush failed, will retry next sweep: %v", err)
	}
	cancelFlush()

	cutoffNs := now.Add(-w.downtime).UnixNano()
	listCtx, cancelList := context.WithTimeout(ctx, w.dbTimeout)
	stale, err := w.repo.ListStaleServices(listCtx, cutoffNs)
	cancelList()
	if err != nil {
		log.Printf("[downtime] stale service query failed: %v", err)
		return
	}

	staleSet := make(map[string]struct{}, len(stale))
	for _, entry := range stale {
		staleSet[entry.Service] = struct{}{}
		if _, alreadyDown := w.down.Load(entry.Service); alreadyDown {
			continue
		}
		if !w.gate.Allow(entry.Service, model.AlertServiceDown, now) {
			continue
		}
		// The stored instant survives restarts; the in-memory map may be
		// fresher within this process's lifetime.
		lastSeen := entry.LastSeenNs
		if ts := seen[entry.Service]; ts > lastSeen {
			lastSeen = ts
		}
		cand := model.CandidateAlert{
			Service:  entry.Service,
			Type:     model.AlertServiceDown,
			Severity: model.SeverityHigh,
			Message: fmt.Sprintf("%s: no observations for %s (last seen %s)",
				entry.Service, w.downtime, time.Unix(0, lastSeen).UTC().Format(time.RFC3339)),
			Stats: model.StatsSnapshot{},
		}
		if err := w.sink.Deliver(ctx, cand); err != nil {
			log.Printf("[downtime] deliver service_down for %s: %v", entry.Service, err)
			continue
		}
		w.down.Store(entry.Service, now.UnixNano())
	}

	// Services previously down that are no longer stale have fresh activity:
	// resolve their open alerts.
	w.down.Range(func(service string, _ int64) bool {
		if _, still := staleSet[service]; still {
			return true
		}
		resolveCtx, cancel := context.WithTimeout(ctx, w.dbTimeout)
		if _, err := w.repo.ResolveAlerts(resolveCtx, service, model.AlertServiceDown); err != nil {
			log.Printf("[downtime] resolve service_down for %s: %v", service, err)
		}
		cancel()
		w.down.Delete(service)
		return true
	})
}
