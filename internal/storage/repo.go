package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulse-obs/pulse/internal/model"
)

// leaseTTL bounds how long a crashed holder can keep a dedup lease. The
// database clock expires the row, which is the auto-release analog of a
// session-scoped advisory lock.
const leaseTTL = 10 * time.Second

// Repo wraps the engine database and provides the repository capability set
// the pipeline depends on. All writes are serialized by an internal mutex on
// top of the single-writer SQLite connection.
type Repo struct {
	db    *sql.DB
	owner string
	mu    sync.Mutex
}

// NewRepo creates a Repo for the given database connection. Each Repo gets a
// distinct lease owner identity so releases cannot free another process's lock.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db, owner: uuid.NewString()}
}

// DB exposes the underlying handle for embedding callers and tests.
func (r *Repo) DB() *sql.DB {
	return r.db
}

// Close closes the underlying database.
func (r *Repo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// --- metric_buckets ---

// InsertMetricsBatch persists finalized metrics in one transaction.
// Idempotent on (service, metric_type, window_start_ms): re-inserting an
// existing window is a no-op. Returns the number of newly inserted rows.
func (r *Repo) InsertMetricsBatch(ctx context.Context, metrics []model.Metric) (int, error) {
	if len(metrics) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("metrics batch begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metric_buckets (service, metric_type, window_start_ms, window_end_ms, value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(service, metric_type, window_start_ms) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("metrics batch prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range metrics {
		res, err := stmt.ExecContext(ctx, m.Service, string(m.Kind), m.WindowStartMs, m.WindowEndMs, m.Value)
		if err != nil {
			return 0, fmt.Errorf("insert metric %s/%s@%d: %w", m.Service, m.Kind, m.WindowStartMs, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("metrics batch commit: %w", err)
	}
	return inserted, nil
}

// --- alerts ---

// InsertAlert persists an accepted candidate and returns the stored alert.
// The id is assigned here; created_at_ns is populated from the database clock.
func (r *Repo) InsertAlert(ctx context.Context, cand model.CandidateAlert) (model.Alert, error) {
	statsJSON, err := json.Marshal(cand.Stats)
	if err != nil {
		return model.Alert{}, fmt.Errorf("marshal alert stats: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO alerts (id, alert_type, severity, message, service, window_start_ms, stats_json, resolved, created_at_ns, alert_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, `+dbNowNs+`, 0)
	`, id, string(cand.Type), string(cand.Severity), cand.Message, cand.Service, cand.WindowStartMs, string(statsJSON))
	if err != nil {
		return model.Alert{}, fmt.Errorf("insert alert %s/%s: %w", cand.Service, cand.Type, err)
	}

	var createdAtNs int64
	if err := r.db.QueryRowContext(ctx, "SELECT created_at_ns FROM alerts WHERE id = ?", id).Scan(&createdAtNs); err != nil {
		return model.Alert{}, fmt.Errorf("read back alert %s: %w", id, err)
	}

	return model.Alert{
		ID:            id,
		Type:          cand.Type,
		Severity:      cand.Severity,
		Service:       cand.Service,
		Message:       cand.Message,
		WindowStartMs: cand.WindowStartMs,
		Stats:         cand.Stats,
		CreatedAtNs:   createdAtNs,
	}, nil
}

// CountUnresolvedAlertsSince counts unresolved alerts for (service, alertType)
// created within the last windowSec seconds as measured by the database clock.
func (r *Repo) CountUnresolvedAlertsSince(ctx context.Context, service string, alertType model.AlertType, windowSec int) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alerts
		WHERE service = ? AND alert_type = ? AND resolved = 0
		  AND created_at_ns > `+dbNowNs+` - ?
	`, service, string(alertType), int64(windowSec)*int64(time.Second)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unresolved alerts %s/%s: %w", service, alertType, err)
	}
	return count, nil
}

// MarkAlertSent flags an alert as delivered to downstream notifiers.
func (r *Repo) MarkAlertSent(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, "UPDATE alerts SET alert_sent = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark alert sent %s: %w", id, err)
	}
	return nil
}

// ResolveAlerts marks all unresolved alerts for (service, alertType) as
// resolved with the database clock. Returns the number of rows updated.
func (r *Repo) ResolveAlerts(ctx context.Context, service string, alertType model.AlertType) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET resolved = 1, resolved_at_ns = `+dbNowNs+`
		WHERE service = ? AND alert_type = ? AND resolved = 0
	`, service, string(alertType))
	if err != nil {
		return 0, fmt.Errorf("resolve alerts %s/%s: %w", service, alertType, err)
	}
	return res.RowsAffected()
}

// GetAlert loads one alert by id.
func (r *Repo) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, alert_type, severity, message, service, window_start_ms, stats_json,
		       resolved, created_at_ns, COALESCE(resolved_at_ns, 0), alert_sent
		FROM alerts WHERE id = ?
	`, id)
	return scanAlert(row)
}

// ListUnresolvedAlerts returns unresolved alerts for a service, newest first.
func (r *Repo) ListUnresolvedAlerts(ctx context.Context, service string) ([]model.Alert, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, alert_type, severity, message, service, window_start_ms, stats_json,
		       resolved, created_at_ns, COALESCE(resolved_at_ns, 0), alert_sent
		FROM alerts WHERE service = ? AND resolved = 0
		ORDER BY created_at_ns DESC
	`, service)
	if err != nil {
		return nil, fmt.Errorf("list unresolved alerts %s: %w", service, err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (model.Alert, error) {
	var a model.Alert
	var alertType, severity, statsJSON string
	var resolved, sent int
	if err := row.Scan(&a.ID, &alertType, &severity, &a.Message, &a.Service, &a.WindowStartMs,
		&statsJSON, &resolved, &a.CreatedAtNs, &a.ResolvedAtNs, &sent); err != nil {
		return model.Alert{}, fmt.Errorf("scan alert: %w", err)
	}
	a.Type = model.AlertType(alertType)
	a.Severity = model.Severity(severity)
	a.Resolved = resolved != 0
	a.AlertSent = sent != 0
	if err := json.Unmarshal([]byte(statsJSON), &a.Stats); err != nil {
		return model.Alert{}, fmt.Errorf("unmarshal alert stats: %w", err)
	}
	return a, nil
}

// --- dedup_leases (advisory lock semantics) ---

// TryAcquireAdvisoryLock attempts a non-blocking acquisition of the lease for
// key. Returns false without error when another owner holds an unexpired
// lease. The lease expires after leaseTTL on the database clock, so a crashed
// holder cannot block the key indefinitely.
func (r *Repo) TryAcquireAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("lease begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM dedup_leases WHERE lock_key = ? AND expires_at_ns <= `+dbNowNs,
		key); err != nil {
		return false, fmt.Errorf("lease expire %d: %w", key, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO dedup_leases (lock_key, owner, expires_at_ns)
		VALUES (?, ?, `+dbNowNs+` + ?)
		ON CONFLICT(lock_key) DO NOTHING
	`, key, r.owner, leaseTTL.Nanoseconds())
	if err != nil {
		return false, fmt.Errorf("lease insert %d: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lease insert rows %d: %w", key, err)
	}
	if n == 0 {
		return false, tx.Commit()
	}
	return true, tx.Commit()
}

// ReleaseAdvisoryLock releases a lease held by this Repo. Releasing a lease
// held by another owner (or none at all) is a no-op.
func (r *Repo) ReleaseAdvisoryLock(ctx context.Context, key int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, "DELETE FROM dedup_leases WHERE lock_key = ? AND owner = ?", key, r.owner)
	if err != nil {
		return fmt.Errorf("lease release %d: %w", key, err)
	}
	return nil
}

// ExpireDedupLeases prunes leases whose TTL has passed. Returns the number of
// rows removed. Run periodically by the lease janitor.
func (r *Repo) ExpireDedupLeases(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, "DELETE FROM dedup_leases WHERE expires_at_ns <= "+dbNowNs)
	if err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}
	return res.RowsAffected()
}

// --- service_activity ---

// MarkServiceActivity upserts the last-seen timestamp for one service,
// keeping the maximum of the stored and supplied values.
func (r *Repo) MarkServiceActivity(ctx context.Context, service string, tsNs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO service_activity (service, last_seen_ns) VALUES (?, ?)
		ON CONFLICT(service) DO UPDATE SET
			last_seen_ns = MAX(last_seen_ns, excluded.last_seen_ns)
	`, service, tsNs)
	if err != nil {
		return fmt.Errorf("mark activity %s: %w", service, err)
	}
	return nil
}

// MarkServiceActivityBatch upserts many last-seen timestamps in one
// transaction. Used by the downtime watcher's periodic flush.
func (r *Repo) MarkServiceActivityBatch(ctx context.Context, seen map[string]int64) error {
	if len(seen) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("activity batch begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO service_activity (service, last_seen_ns) VALUES (?, ?)
		ON CONFLICT(service) DO UPDATE SET
			last_seen_ns = MAX(last_seen_ns, excluded.last_seen_ns)
	`)
	if err != nil {
		return fmt.Errorf("activity batch prepare: %w", err)
	}
	defer stmt.Close()

	for service, tsNs := range seen {
		if _, err := stmt.ExecContext(ctx, service, tsNs); err != nil {
			return fmt.Errorf("mark activity %s: %w", service, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("activity batch commit: %w", err)
	}
	return nil
}

// ListStaleServices returns services whose last observed activity is at or
// before cutoffNs, with their stored last-seen instant.
func (r *Repo) ListStaleServices(ctx context.Context, cutoffNs int64) ([]model.ServiceActivity, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT service, last_seen_ns FROM service_activity WHERE last_seen_ns <= ? ORDER BY service", cutoffNs)
	if err != nil {
		return nil, fmt.Errorf("list stale services: %w", err)
	}
	defer rows.Close()

	var out []model.ServiceActivity
	for rows.Next() {
		var a model.ServiceActivity
		if err := rows.Scan(&a.Service, &a.LastSeenNs); err != nil {
			return nil, fmt.Errorf("scan stale service: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
