package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pulse-obs/pulse/internal/model"
)

func newTestAggregator(t *testing.T) (*Aggregator, *capture) {
	t.Helper()
	c := &capture{}
	a := NewAggregator(StoreConfig{BucketMs: testBucketMs, ReservoirCapacity: 64}, c.onClose)
	return a, c
}

func TestAggregator_IngestLog_CountsErrorsAndFatals(t *testing.T) {
	a, c := newTestAggregator(t)
	ts := time.UnixMilli(100 * testBucketMs)

	for _, level := range []model.LogLevel{model.LevelInfo, model.LevelWarn, model.LevelError, model.LevelFatal} {
		ev := model.LogEvent{Timestamp: ts, Level: level, Service: "api", Message: "m"}
		if err := a.IngestLog(ev); err != nil {
			t.Fatalf("ingest %s log: %v", level, err)
		}
	}
	a.FlushAll()

	if v := c.metric(0, model.MetricLogCount).Value; v != 4 {
		t.Fatalf("log_count: got %v, want 4", v)
	}
	if v := c.metric(0, model.MetricErrorCount).Value; v != 2 {
		t.Fatalf("error_count: got %v, want 2", v)
	}
}

func TestAggregator_IngestSpan_RequestsLatencyAndErrors(t *testing.T) {
	a, c := newTestAggregator(t)
	ts := time.UnixMilli(100 * testBucketMs)

	spans := []model.SpanEndEvent{
		{Service: "api", EndTime: ts, DurationMs: 120, Status: model.StatusOK},
		{Service: "api", EndTime: ts, DurationMs: 80, Status: model.StatusUnset},
		{Service: "api", EndTime: ts, DurationMs: 950, Status: model.StatusError},
	}
	for i, ev := range spans {
		if err := a.IngestSpan(ev); err != nil {
			t.Fatalf("ingest span %d: %v", i, err)
		}
	}
	a.FlushAll()

	if v := c.metric(0, model.MetricRequestCount).Value; v != 3 {
		t.Fatalf("request_count: got %v, want 3", v)
	}
	if v := c.metric(0, model.MetricErrorCount).Value; v != 1 {
		t.Fatalf("error_count: got %v, want 1", v)
	}
	// ceil(0.95*3)-1 = 2 -> the slowest span.
	if v := c.metric(0, model.MetricLatencyP95).Value; v != 950 {
		t.Fatalf("latency_p95: got %v, want 950", v)
	}
	// Log-only counters stay untouched by spans.
	if v := c.metric(0, model.MetricLogCount).Value; v != 0 {
		t.Fatalf("log_count: got %v, want 0", v)
	}
}

func TestAggregator_Ingest_RejectsMalformedEvents(t *testing.T) {
	a, c := newTestAggregator(t)
	ts := time.UnixMilli(100 * testBucketMs)

	cases := []struct {
		name string
		err  error
	}{
		{"missing service", a.IngestLog(model.LogEvent{Timestamp: ts, Level: model.LevelInfo})},
		{"unknown level", a.IngestLog(model.LogEvent{Timestamp: ts, Level: "verbose", Service: "api"})},
		{"oversized service", a.IngestLog(model.LogEvent{Timestamp: ts, Level: model.LevelInfo, Service: strings.Repeat("x", model.MaxServiceKeyLen+1)})},
		{"unknown status", a.IngestSpan(model.SpanEndEvent{Service: "api", EndTime: ts, Status: "maybe"})},
		{"negative duration", a.IngestSpan(model.SpanEndEvent{Service: "api", EndTime: ts, DurationMs: -1, Status: model.StatusOK})},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, ErrMalformedEvent) {
			t.Fatalf("%s: got %v, want ErrMalformedEvent", tc.name, tc.err)
		}
	}

	a.FlushAll()
	if len(c.batches) != 0 {
		t.Fatalf("malformed events produced %d buckets, want 0", len(c.batches))
	}
}

func TestAggregator_IngestLog_ZeroTimestampUsesClock(t *testing.T) {
	a, c := newTestAggregator(t)
	now := time.UnixMilli(100*testBucketMs + 30_000)
	a.nowFn = func() time.Time { return now }

	if err := a.IngestLog(model.LogEvent{Level: model.LevelInfo, Service: "api"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	a.FlushAll()

	if got := c.batches[0][0].WindowStartMs; got != 100*testBucketMs {
		t.Fatalf("window start: got %d, want %d", got, int64(100*testBucketMs))
	}
}
