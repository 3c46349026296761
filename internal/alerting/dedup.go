// Package alerting implements the alert delivery side of the pipeline:
// cross-replica deduplication, the persistence sink, and the downtime
// watcher.
package alerting

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/maypok86/otter"

	"github.com/pulse-obs/pulse/internal/model"
)

// ErrDuplicate means an equivalent alert already exists inside the
// deduplication window. Not a failure; the candidate is simply discarded.
var ErrDuplicate = errors.New("duplicate alert")

// ErrLockHeld means another replica owns the dedup decision for this key.
// Not a failure; the other replica persists (or already persisted) the alert.
var ErrLockHeld = errors.New("dedup lock held by another replica")

// Repository is the storage capability set the deduplicator depends on.
type Repository interface {
	TryAcquireAdvisoryLock(ctx context.Context, key int64) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, key int64) error
	CountUnresolvedAlertsSince(ctx context.Context, service string, alertType model.AlertType, windowSec int) (int, error)
	InsertAlert(ctx context.Context, cand model.CandidateAlert) (model.Alert, error)
}

// DedupConfig configures the deduplicator.
type DedupConfig struct {
	WindowSec       int
	MaxClockSkewSec int
	CacheSize       int
	CacheTTL        time.Duration
	LockTimeout     time.Duration
	DBTimeout       time.Duration
}

// Deduplicator decides whether a candidate becomes a persisted alert, using
// three layers in order:
//
//	L1: a process-local TTL cache keyed service:alertType. Timestamps are
//	    compared by absolute distance so replica clock skew cannot flip the
//	    decision. Absorbs most intra-replica duplicates with no DB traffic.
//	L2: a non-blocking advisory lock on a stable 64-bit key. Losing the race
//	    means another replica owns the decision.
//	L3: under the lock, a duplicate count over the dedup window measured on
//	    the database clock.
//
// The deduplicator owns no cooldown state; it is safe to call from any shard.
type Deduplicator struct {
	cfg   DedupConfig
	repo  Repository
	cache otter.Cache[string, int64]
	nowFn func() time.Time
}

// NewDeduplicator creates a Deduplicator with a bounded L1 cache.
func NewDeduplicator(cfg DedupConfig, repo Repository) *Deduplicator {
	cache, err := otter.MustBuilder[string, int64](cfg.CacheSize).
		Cost(func(_ string, _ int64) uint32 { return 1 }).
		WithTTL(cfg.CacheTTL).
		Build()
	if err != nil {
		panic("alerting: failed to create dedup cache: " + err.Error())
	}
	return &Deduplicator{
		cfg:   cfg,
		repo:  repo,
		cache: cache,
		nowFn: time.Now,
	}
}

// LockKey derives the advisory lock key for (service, alertType): the first
// 8 bytes of SHA-256("alert:service:alertType") as a signed big-endian
// integer. Stable across replicas and releases.
func LockKey(service string, alertType model.AlertType) int64 {
	sum := sha256.Sum256([]byte("alert:" + service + ":" + string(alertType)))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Process runs the candidate through all three layers. On acceptance it
// returns the persisted alert. Rejections return ErrDuplicate or ErrLockHeld;
// any other error is transient and the caller may retry. The L1 cache is not
// updated on insert failure, so a retry can still succeed.
func (d *Deduplicator) Process(ctx context.Context, cand model.CandidateAlert) (model.Alert, error) {
	key := cand.Service + ":" + string(cand.Type)
	now := d.nowFn()
	windowNs := int64(d.cfg.WindowSec) * int64(time.Second)

	if lastNs, ok := d.cache.Get(key); ok {
		delta := now.UnixNano() - lastNs
		if delta < 0 {
			delta = -delta
		}
		if delta < windowNs {
			return model.Alert{}, ErrDuplicate
		}
	}

	lockKey := LockKey(cand.Service, cand.Type)
	lockCtx, cancelLock := context.WithTimeout(ctx, d.cfg.LockTimeout)
	acquired, err := d.repo.TryAcquireAdvisoryLock(lockCtx, lockKey)
	cancelLock()
	if err != nil || !acquired {
		// A lock timeout or loss means another replica owns the decision.
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.Printf("[dedup] advisory lock %d for %s: %v", lockKey, key, err)
		}
		return model.Alert{}, ErrLockHeld
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DBTimeout)
		defer cancel()
		if err := d.repo.ReleaseAdvisoryLock(releaseCtx, lockKey); err != nil {
			// The lease TTL will reclaim it.
			log.Printf("[dedup] release advisory lock %d: %v", lockKey, err)
		}
	}()

	checkCtx, cancelCheck := context.WithTimeout(ctx, d.cfg.DBTimeout)
	defer cancelCheck()
	dupes, err := d.repo.CountUnresolvedAlertsSince(checkCtx, cand.Service, cand.Type,
		d.cfg.WindowSec+2*d.cfg.MaxClockSkewSec)
	if err != nil {
		return model.Alert{}, fmt.Errorf("dedup duplicate check %s: %w", key, err)
	}
	if dupes > 0 {
		d.cache.Set(key, now.UnixNano())
		return model.Alert{}, ErrDuplicate
	}

	insertCtx, cancelInsert := context.WithTimeout(ctx, d.cfg.DBTimeout)
	defer cancelInsert()
	alert, err := d.repo.InsertAlert(insertCtx, cand)
	if err != nil {
		return model.Alert{}, fmt.Errorf("dedup insert %s: %w", key, err)
	}

	d.cache.Set(key, now.UnixNano())
	return alert, nil
}

// Close releases the L1 cache resources.
func (d *Deduplicator) Close() {
	d.cache.Close()
}
