package anomaly

import (
	"fmt"
	"log"
	"time"

	"github.com/pulse-obs/pulse/internal/model"
)

// Stddev floor for the z-score denominator: max(stdDev, epsRel*mean + epsAbs).
const (
	epsRel = 0.01
	epsAbs = 0.1
)

// Config holds the detection thresholds. All fields are immutable after
// construction.
type Config struct {
	ZThreshold          float64
	MinDataPoints       int
	RateChangeThreshold float64
	MinRateForRoc       float64
	ErrorCountThreshold float64
	LatencyThresholdMs  float64

	BaselineWindowBuckets int
	RocWindowBuckets      int
	EmaAlpha              float64
	RobustBaseline        bool
}

// Detector applies the z-score and rate-of-change rules to finalized metrics
// and emits candidate alerts. Rule evaluation is a pure function of in-memory
// state and cannot fail; cooldown suppression goes through the shared gate.
//
// A Detector is owned by one shard worker and is not concurrency-safe, except
// for the gate, which is shared across shards and the downtime watcher.
type Detector struct {
	cfg       Config
	gate      *CooldownGate
	baselines map[baselineKey]*Baseline
	nowFn     func() time.Time
}

type baselineKey struct {
	service string
	kind    model.MetricKind
}

// NewDetector creates a Detector using the shared cooldown gate.
func NewDetector(cfg Config, gate *CooldownGate) *Detector {
	return &Detector{
		cfg:       cfg,
		gate:      gate,
		baselines: make(map[baselineKey]*Baseline),
		nowFn:     time.Now,
	}
}

// Evaluate runs the rules against one finalized metric and returns at most
// one candidate alert (the most severe of the fired rules), or nil. The
// metric's value is folded into the baseline after evaluation, so the rules
// always compare against history that excludes the current bucket.
//
// Only error_count and latency_p95 metrics are rule-bearing; other kinds
// return nil without touching any baseline.
func (d *Detector) Evaluate(m model.Metric) *model.CandidateAlert {
	var alertType model.AlertType
	switch m.Kind {
	case model.MetricErrorCount:
		alertType = model.AlertErrorSpike
	case model.MetricLatencyP95:
		alertType = model.AlertHighLatency
	default:
		return nil
	}

	b := d.baseline(m.Service, m.Kind)
	cand := d.evaluate(b, m, alertType)
	b.Push(m.Value)

	if !b.consistent() {
		log.Printf("[detector] baseline sum diverged for %s/%s, resetting", m.Service, m.Kind)
		b.Reset()
	}

	if cand == nil {
		return nil
	}
	if !d.gate.Allow(m.Service, cand.Type, d.nowFn()) {
		return nil
	}
	return cand
}

func (d *Detector) evaluate(b *Baseline, m model.Metric, alertType model.AlertType) *model.CandidateAlert {
	mean := b.Mean()
	scale := b.Scale()
	snapshot := model.StatsSnapshot{
		Value:       m.Value,
		Mean:        mean,
		StdDev:      scale,
		EMA:         b.EMA(),
		SampleCount: b.Count(),
	}

	// A young or degenerate baseline (all zeros) cannot support the
	// statistical rules; the static threshold decides instead.
	if b.Count() < d.cfg.MinDataPoints || (mean < epsAbs && scale < epsAbs) {
		return d.staticRule(m, snapshot)
	}

	var cand *model.CandidateAlert

	// Rule A: z-score deviation, above-mean only.
	z := (m.Value - mean) / max(scale, epsRel*mean+epsAbs)
	if z >= d.cfg.ZThreshold && m.Value > mean {
		s := snapshot
		s.ZScore = z
		cand = &model.CandidateAlert{
			Service:       m.Service,
			Type:          alertType,
			Severity:      zSeverity(z),
			Message:       fmt.Sprintf("%s: value %.2f deviates from baseline (mean=%.2f, stdDev=%.2f, z=%.1f)", m.Service, m.Value, mean, scale, z),
			WindowStartMs: m.WindowStartMs,
			Stats:         s,
		}
	}

	// Rule B: rate of change against the recent tail mean.
	if recent := b.TailMean(); recent >= d.cfg.MinRateForRoc {
		if r := m.Value / recent; r >= 1+d.cfg.RateChangeThreshold {
			if sev := rocSeverity(r); cand == nil || severityRank(sev) > severityRank(cand.Severity) {
				s := snapshot
				s.ChangeRatio = r
				cand = &model.CandidateAlert{
					Service:       m.Service,
					Type:          alertType,
					Severity:      sev,
					Message:       fmt.Sprintf("%s: value %.2f is %.1fx the recent average %.2f", m.Service, m.Value, r, recent),
					WindowStartMs: m.WindowStartMs,
					Stats:         s,
				}
			}
		}
	}

	return cand
}

// staticRule is the fallback when the baseline cannot be trusted: a plain
// threshold on the metric value.
func (d *Detector) staticRule(m model.Metric, snapshot model.StatsSnapshot) *model.CandidateAlert {
	var threshold float64
	switch m.Kind {
	case model.MetricErrorCount:
		threshold = d.cfg.ErrorCountThreshold
	case model.MetricLatencyP95:
		threshold = d.cfg.LatencyThresholdMs
	default:
		return nil
	}
	if threshold <= 0 || m.Value < threshold {
		return nil
	}
	sev := model.SeverityMedium
	if m.Value >= 2*threshold {
		sev = model.SeverityHigh
	}
	return &model.CandidateAlert{
		Service:       m.Service,
		Type:          model.AlertThresholdExceeded,
		Severity:      sev,
		Message:       fmt.Sprintf("%s: %s %.2f exceeds threshold %.2f", m.Service, m.Kind, m.Value, threshold),
		WindowStartMs: m.WindowStartMs,
		Stats:         snapshot,
	}
}

// Gate returns the shared cooldown gate.
func (d *Detector) Gate() *CooldownGate {
	return d.gate
}

func (d *Detector) baseline(service string, kind model.MetricKind) *Baseline {
	key := baselineKey{service: service, kind: kind}
	b, ok := d.baselines[key]
	if !ok {
		b = NewBaseline(d.cfg.BaselineWindowBuckets, d.cfg.RocWindowBuckets, d.cfg.EmaAlpha, d.cfg.RobustBaseline)
		d.baselines[key] = b
	}
	return b
}

func zSeverity(z float64) model.Severity {
	switch {
	case z >= 6:
		return model.SeverityCritical
	case z >= 4:
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

func rocSeverity(r float64) model.Severity {
	switch {
	case r >= 3:
		return model.SeverityCritical
	case r >= 2:
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityCritical:
		return 3
	case model.SeverityHigh:
		return 2
	case model.SeverityMedium:
		return 1
	default:
		return 0
	}
}
