// Package config handles environment-based configuration loading for the
// stream processing engine. The loaded EnvConfig is immutable; components
// receive it by reference at construction time and are rebuilt on change.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvConfig holds all settings for one engine process. Values come from
// PULSE_* environment variables, optionally overlaid by a YAML file named in
// PULSE_CONFIG_FILE (file values win over env values).
type EnvConfig struct {
	// Storage
	StateDir string `yaml:"state_dir"`

	// Aggregation
	BucketMs          int64 `yaml:"bucket_ms"`
	LagToleranceMs    int64 `yaml:"lag_tolerance_ms"`
	ReservoirCapacity int   `yaml:"reservoir_capacity"`
	MaxQueueDepth     int   `yaml:"max_queue_depth"`
	NumShards         int   `yaml:"num_shards"`

	// Baseline
	BaselineWindowBuckets int     `yaml:"baseline_window_buckets"`
	RocWindowBuckets      int     `yaml:"roc_window_buckets"`
	EmaAlpha              float64 `yaml:"ema_alpha"`
	RobustBaseline        bool    `yaml:"robust_baseline"`

	// Detection
	ZThreshold          float64       `yaml:"z_threshold"`
	MinDataPoints       int           `yaml:"min_data_points"`
	RateChangeThreshold float64       `yaml:"rate_change_threshold"`
	MinRateForRoc       float64       `yaml:"min_rate_for_roc"`
	ErrorCountThreshold float64       `yaml:"error_count_threshold"`
	LatencyThresholdMs  float64       `yaml:"latency_threshold_ms"`
	Cooldown            time.Duration `yaml:"-"`

	// Deduplication
	DeduplicationWindowSec int           `yaml:"deduplication_window_sec"`
	MaxClockSkewSec        int           `yaml:"max_clock_skew_sec"`
	LockTimeout            time.Duration `yaml:"-"`
	DBTimeout              time.Duration `yaml:"-"`
	CacheSize              int           `yaml:"cache_size"`
	CacheTTL               time.Duration `yaml:"-"`
	AlertRetryAttempts     int           `yaml:"alert_retry_attempts"`

	// Downtime watcher
	ServiceDowntime       time.Duration `yaml:"-"`
	DowntimeSweepSchedule string        `yaml:"downtime_sweep_schedule"`

	// Metric persistence
	MetricFlushBatch    int           `yaml:"metric_flush_batch"`
	MetricFlushInterval time.Duration `yaml:"-"`
}

// fileOverlay mirrors the duration-valued fields as strings so the YAML file
// can use Go duration syntax ("2m", "90s").
type fileOverlay struct {
	EnvConfig           `yaml:",inline"`
	Cooldown            string `yaml:"cooldown"`
	LockTimeout         string `yaml:"lock_timeout"`
	DBTimeout           string `yaml:"db_timeout"`
	CacheTTL            string `yaml:"cache_ttl"`
	ServiceDowntime     string `yaml:"service_downtime"`
	MetricFlushInterval string `yaml:"metric_flush_interval"`
}

// LoadEnvConfig reads environment variables (and the optional overlay file)
// and returns a validated EnvConfig. Returns an error listing every invalid
// value rather than stopping at the first.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.StateDir = envStr("PULSE_STATE_DIR", "/var/lib/pulse")

	cfg.BucketMs = envInt64("PULSE_BUCKET_MS", 60_000, &errs)
	cfg.LagToleranceMs = envInt64("PULSE_LAG_TOLERANCE_MS", 5_000, &errs)
	cfg.ReservoirCapacity = envInt("PULSE_RESERVOIR_CAPACITY", 1024, &errs)
	cfg.MaxQueueDepth = envInt("PULSE_MAX_QUEUE_DEPTH", 100_000, &errs)
	cfg.NumShards = envInt("PULSE_NUM_SHARDS", runtime.GOMAXPROCS(0), &errs)

	cfg.BaselineWindowBuckets = envInt("PULSE_BASELINE_WINDOW_BUCKETS", 60, &errs)
	cfg.RocWindowBuckets = envInt("PULSE_ROC_WINDOW_BUCKETS", 5, &errs)
	cfg.EmaAlpha = envFloat("PULSE_EMA_ALPHA", 0.3, &errs)
	cfg.RobustBaseline = envBool("PULSE_ROBUST_BASELINE", false, &errs)

	cfg.ZThreshold = envFloat("PULSE_Z_THRESHOLD", 3.0, &errs)
	cfg.MinDataPoints = envInt("PULSE_MIN_DATA_POINTS", 30, &errs)
	cfg.RateChangeThreshold = envFloat("PULSE_RATE_CHANGE_THRESHOLD", 0.5, &errs)
	cfg.MinRateForRoc = envFloat("PULSE_MIN_RATE_FOR_ROC", 0.1, &errs)
	cfg.ErrorCountThreshold = envFloat("PULSE_ERROR_COUNT_THRESHOLD", 10, &errs)
	cfg.LatencyThresholdMs = envFloat("PULSE_LATENCY_THRESHOLD_MS", 1000, &errs)
	cfg.Cooldown = envDuration("PULSE_COOLDOWN", 120*time.Second, &errs)

	cfg.DeduplicationWindowSec = envInt("PULSE_DEDUPLICATION_WINDOW_SEC", 5, &errs)
	cfg.MaxClockSkewSec = envInt("PULSE_MAX_CLOCK_SKEW_SEC", 3, &errs)
	cfg.LockTimeout = envDuration("PULSE_LOCK_TIMEOUT", time.Second, &errs)
	cfg.DBTimeout = envDuration("PULSE_DB_TIMEOUT", 2*time.Second, &errs)
	cfg.CacheSize = envInt("PULSE_CACHE_SIZE", 1000, &errs)
	cfg.CacheTTL = envDuration("PULSE_CACHE_TTL", 10*time.Second, &errs)
	cfg.AlertRetryAttempts = envInt("PULSE_ALERT_RETRY_ATTEMPTS", 3, &errs)

	cfg.ServiceDowntime = envDuration("PULSE_SERVICE_DOWNTIME", 5*time.Minute, &errs)
	cfg.DowntimeSweepSchedule = envStr("PULSE_DOWNTIME_SWEEP_SCHEDULE", "@every 30s")

	cfg.MetricFlushBatch = envInt("PULSE_METRIC_FLUSH_BATCH", 500, &errs)
	cfg.MetricFlushInterval = envDuration("PULSE_METRIC_FLUSH_INTERVAL", 5*time.Second, &errs)

	if path := os.Getenv("PULSE_CONFIG_FILE"); path != "" {
		if err := applyOverlayFile(cfg, path); err != nil {
			errs = append(errs, err.Error())
		}
	}

	validate(cfg, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// DefaultConfig returns the defaults without consulting the environment.
// Used by tests and embedding callers.
func DefaultConfig() *EnvConfig {
	return &EnvConfig{
		StateDir:               "/var/lib/pulse",
		BucketMs:               60_000,
		LagToleranceMs:         5_000,
		ReservoirCapacity:      1024,
		MaxQueueDepth:          100_000,
		NumShards:              runtime.GOMAXPROCS(0),
		BaselineWindowBuckets:  60,
		RocWindowBuckets:       5,
		EmaAlpha:               0.3,
		ZThreshold:             3.0,
		MinDataPoints:          30,
		RateChangeThreshold:    0.5,
		MinRateForRoc:          0.1,
		ErrorCountThreshold:    10,
		LatencyThresholdMs:     1000,
		Cooldown:               120 * time.Second,
		DeduplicationWindowSec: 5,
		MaxClockSkewSec:        3,
		LockTimeout:            time.Second,
		DBTimeout:              2 * time.Second,
		CacheSize:              1000,
		CacheTTL:               10 * time.Second,
		AlertRetryAttempts:     3,
		ServiceDowntime:        5 * time.Minute,
		DowntimeSweepSchedule:  "@every 30s",
		MetricFlushBatch:       500,
		MetricFlushInterval:    5 * time.Second,
	}
}

func applyOverlayFile(cfg *EnvConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("PULSE_CONFIG_FILE: %v", err)
	}
	overlay := fileOverlay{EnvConfig: *cfg}
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("PULSE_CONFIG_FILE: parse %s: %v", path, err)
	}
	*cfg = overlay.EnvConfig
	for _, d := range []struct {
		name  string
		raw   string
		field *time.Duration
	}{
		{"cooldown", overlay.Cooldown, &cfg.Cooldown},
		{"lock_timeout", overlay.LockTimeout, &cfg.LockTimeout},
		{"db_timeout", overlay.DBTimeout, &cfg.DBTimeout},
		{"cache_ttl", overlay.CacheTTL, &cfg.CacheTTL},
		{"service_downtime", overlay.ServiceDowntime, &cfg.ServiceDowntime},
		{"metric_flush_interval", overlay.MetricFlushInterval, &cfg.MetricFlushInterval},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("PULSE_CONFIG_FILE: %s: invalid duration %q", d.name, d.raw)
		}
		*d.field = parsed
	}
	return nil
}

func validate(cfg *EnvConfig, errs *[]string) {
	validatePositive64("PULSE_BUCKET_MS", cfg.BucketMs, errs)
	if cfg.LagToleranceMs < 0 {
		*errs = append(*errs, "PULSE_LAG_TOLERANCE_MS must not be negative")
	}
	validatePositive("PULSE_RESERVOIR_CAPACITY", cfg.ReservoirCapacity, errs)
	validatePositive("PULSE_MAX_QUEUE_DEPTH", cfg.MaxQueueDepth, errs)
	validatePositive("PULSE_NUM_SHARDS", cfg.NumShards, errs)
	validatePositive("PULSE_BASELINE_WINDOW_BUCKETS", cfg.BaselineWindowBuckets, errs)
	validatePositive("PULSE_ROC_WINDOW_BUCKETS", cfg.RocWindowBuckets, errs)
	if cfg.RocWindowBuckets > cfg.BaselineWindowBuckets {
		*errs = append(*errs, "PULSE_ROC_WINDOW_BUCKETS must not exceed PULSE_BASELINE_WINDOW_BUCKETS")
	}
	if cfg.EmaAlpha <= 0 || cfg.EmaAlpha > 1 {
		*errs = append(*errs, fmt.Sprintf("PULSE_EMA_ALPHA must be in (0, 1], got %v", cfg.EmaAlpha))
	}
	if cfg.ZThreshold <= 0 {
		*errs = append(*errs, "PULSE_Z_THRESHOLD must be positive")
	}
	validatePositive("PULSE_MIN_DATA_POINTS", cfg.MinDataPoints, errs)
	if cfg.RateChangeThreshold <= 0 {
		*errs = append(*errs, "PULSE_RATE_CHANGE_THRESHOLD must be positive")
	}
	if cfg.MinRateForRoc < 0 {
		*errs = append(*errs, "PULSE_MIN_RATE_FOR_ROC must not be negative")
	}
	if cfg.Cooldown <= 0 {
		*errs = append(*errs, "PULSE_COOLDOWN must be positive")
	}
	validatePositive("PULSE_DEDUPLICATION_WINDOW_SEC", cfg.DeduplicationWindowSec, errs)
	if cfg.MaxClockSkewSec < 0 {
		*errs = append(*errs, "PULSE_MAX_CLOCK_SKEW_SEC must not be negative")
	}
	if cfg.LockTimeout <= 0 {
		*errs = append(*errs, "PULSE_LOCK_TIMEOUT must be positive")
	}
	if cfg.DBTimeout <= 0 {
		*errs = append(*errs, "PULSE_DB_TIMEOUT must be positive")
	}
	validatePositive("PULSE_CACHE_SIZE", cfg.CacheSize, errs)
	if cfg.CacheTTL <= 0 {
		*errs = append(*errs, "PULSE_CACHE_TTL must be positive")
	}
	validatePositive("PULSE_ALERT_RETRY_ATTEMPTS", cfg.AlertRetryAttempts, errs)
	if cfg.ServiceDowntime <= 0 {
		*errs = append(*errs, "PULSE_SERVICE_DOWNTIME must be positive")
	}
	if _, err := cron.ParseStandard(cfg.DowntimeSweepSchedule); err != nil {
		*errs = append(*errs, fmt.Sprintf("PULSE_DOWNTIME_SWEEP_SCHEDULE: invalid cron expression %q: %v", cfg.DowntimeSweepSchedule, err))
	}
	validatePositive("PULSE_METRIC_FLUSH_BATCH", cfg.MetricFlushBatch, errs)
	if cfg.MetricFlushInterval <= 0 {
		*errs = append(*errs, "PULSE_METRIC_FLUSH_INTERVAL must be positive")
	}
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envInt64(key string, defaultVal int64, errs *[]string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid float %q", key, v))
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositive64(name string, value int64, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
