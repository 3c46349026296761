// Package model defines domain structs shared across the pipeline and the
// persistence layer.
package model

import "time"

// MaxServiceKeyLen bounds the length of a service key. Longer keys are
// rejected at the ingest boundary.
const MaxServiceKeyLen = 255

// LogLevel is the severity of a log event.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// ValidLogLevel reports whether l is one of the known levels.
func ValidLogLevel(l LogLevel) bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return true
	}
	return false
}

// SpanStatus is the terminal status of a span.
type SpanStatus string

const (
	StatusOK    SpanStatus = "ok"
	StatusError SpanStatus = "error"
	StatusUnset SpanStatus = "unset"
)

// ValidSpanStatus reports whether s is one of the known statuses.
func ValidSpanStatus(s SpanStatus) bool {
	switch s {
	case StatusOK, StatusError, StatusUnset:
		return true
	}
	return false
}

// LogEvent is a single log record delivered from the ingest boundary.
type LogEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     LogLevel          `json:"level"`
	Service   string            `json:"service"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	SpanID    string            `json:"span_id,omitempty"`
}

// SpanEndEvent is emitted when an instrumented span finishes.
type SpanEndEvent struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Service      string            `json:"service"`
	Name         string            `json:"name"`
	Kind         string            `json:"kind"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      time.Time         `json:"end_time"`
	DurationMs   float64           `json:"duration_ms"`
	Status       SpanStatus        `json:"status"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// MetricKind identifies one of the derived per-bucket metrics.
type MetricKind string

const (
	MetricErrorCount   MetricKind = "error_count"
	MetricLogCount     MetricKind = "log_count"
	MetricLatencyP95   MetricKind = "latency_p95"
	MetricRequestCount MetricKind = "request_count"
	MetricThroughput   MetricKind = "throughput"
)

// Metric is the finalized, immutable output of a closed bucket.
type Metric struct {
	Service       string     `json:"service"`
	Kind          MetricKind `json:"kind"`
	Value         float64    `json:"value"`
	WindowStartMs int64      `json:"window_start_ms"`
	WindowEndMs   int64      `json:"window_end_ms"`
}

// ServiceActivity is the persisted last-observation instant for one service.
type ServiceActivity struct {
	Service    string `json:"service"`
	LastSeenNs int64  `json:"last_seen_ns"`
}

// AlertType classifies the condition that produced an alert.
type AlertType string

const (
	AlertErrorSpike        AlertType = "error_spike"
	AlertHighLatency       AlertType = "high_latency"
	AlertServiceDown       AlertType = "service_down"
	AlertThresholdExceeded AlertType = "threshold_exceeded"
)

// Severity orders alerts by operator urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// StatsSnapshot captures the detector state that justified a candidate.
type StatsSnapshot struct {
	Value       float64 `json:"value"`
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"std_dev"`
	EMA         float64 `json:"ema"`
	ZScore      float64 `json:"z_score,omitempty"`
	ChangeRatio float64 `json:"change_ratio,omitempty"`
	SampleCount int     `json:"sample_count"`
}

// CandidateAlert is a detector-produced alert before deduplication.
// It never leaves process memory unless the deduplicator accepts it.
type CandidateAlert struct {
	Service       string        `json:"service"`
	Type          AlertType     `json:"type"`
	Severity      Severity      `json:"severity"`
	Message       string        `json:"message"`
	WindowStartMs int64         `json:"window_start_ms"`
	Stats         StatsSnapshot `json:"stats"`
}

// Alert is the persisted form of an accepted candidate. CreatedAtNs is
// populated from the database clock, not the emitting processor's.
type Alert struct {
	ID            string        `json:"id"`
	Type          AlertType     `json:"type"`
	Severity      Severity      `json:"severity"`
	Service       string        `json:"service"`
	Message       string        `json:"message"`
	WindowStartMs int64         `json:"window_start_ms"`
	Stats         StatsSnapshot `json:"stats"`
	Resolved      bool          `json:"resolved"`
	CreatedAtNs   int64         `json:"created_at_ns"`
	ResolvedAtNs  int64         `json:"resolved_at_ns,omitempty"`
	AlertSent     bool          `json:"alert_sent"`
}
