// Package config loads CardMint's runtime configuration from the
// environment once at startup and exposes it as an immutable snapshot.
// Hot-reload, where supported, swaps the snapshot atomically; workers
// already running a job keep the snapshot they captured at job start
// (see internal/queue).
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// Config is the validated, immutable configuration snapshot. Construct
// with Load; never mutate a Config value in place — build a new one and
// call Store.Swap.
type Config struct {
	// Watcher (spec §4.1)
	DropDirectory    string
	MaxQueueDepth    int // default 300
	FingerprintCap   int // default 10000, pruned to FingerprintPruneTo
	FingerprintPruneTo int // default 5000
	DetectionWarnMs  int64 // default 50

	// Queue & worker pool (spec §4.3)
	WorkerConcurrency  int           // default 3
	GlobalRateLimit    int           // default 100
	GlobalRateWindow   time.Duration // default 60s
	MaxAttempts        int           // default 3
	BackoffBaseMs      int64         // default 1000, the single config-controlled value (§9 open question)
	BackoffCapMs       int64         // default 30000
	BackoffJitterMinMs int64         // default 250
	BackoffJitterMaxMs int64         // default 1250
	WarnDepth          int           // non-fatal backpressure signal threshold
	AutoPauseDepth     int           // default 11
	AutoResumeDepth    int           // default 8
	GracefulShutdown   time.Duration // default 10s
	WorkerDrainTimeout time.Duration // per-worker sub-timeout, smaller than GracefulShutdown

	// Lease (spec §4.2)
	LeaseExpiry time.Duration // default 2 minutes

	// Inference orchestrator (spec §4.4)
	InferenceTimeout     time.Duration // default 30s
	ImageSizeGuardBytes  int64         // default 400*1024
	RetryJitterMinMs     int64         // default 250
	RetryJitterMaxMs     int64         // default 500
	DailyQuota           int64
	QuotaWarningThreshold int64

	// Resolver (spec §4.5)
	AutoAcceptThreshold float64 // default 0.90
	AutoAcceptMargin    float64 // default 0.10
	ReasonableThreshold float64 // default 0.40
	PathCEnabled        bool
	PathCMinSignals     int     // default 2
	PathCHardFilter     float64 // default 0.90
	PathCSoftRerank     float64 // default 0.70

	// Reference cache (spec §4.6)
	ReferenceCacheSize int           // default 10000
	ReferenceCacheTTL  time.Duration // default 15m

	// Shadow-mode primary-vs-fallback comparison (spec §3 supplement)
	ShadowSampleRate float64 // fraction of jobs shadow-compared, default 0.05

	// Webhook (spec §6)
	WebhookURL      string
	WebhookSecret   string
	WebhookStaleness time.Duration // default 300s

	// Server
	HTTPPort      string
	APIAuthToken  string
	AllowedOrigins string

	// Database
	DatabaseURL string
}

// Store holds an atomically swappable Config for components that need
// to observe hot-reloads between job dispatches.
type Store struct {
	v atomic.Pointer[Config]
}

func NewStore(initial *Config) *Store {
	s := &Store{}
	s.v.Store(initial)
	return s
}

// Snapshot returns the currently active configuration. Callers should
// capture it once per unit of work and use that captured value for the
// lifetime of that work, per spec §9.
func (s *Store) Snapshot() *Config { return s.v.Load() }

// Swap atomically replaces the active configuration.
func (s *Store) Swap(next *Config) { s.v.Store(next) }

// Load builds a Config from the environment, applying defaults for
// every non-secret setting and failing fast on missing required secrets.
func Load() (*Config, error) {
	cfg := &Config{
		DropDirectory:         getEnvOrDefault("CARDMINT_DROP_DIR", "./captures"),
		MaxQueueDepth:         getEnvInt("CARDMINT_MAX_QUEUE_DEPTH", 300),
		FingerprintCap:        getEnvInt("CARDMINT_FINGERPRINT_CAP", 10000),
		FingerprintPruneTo:    getEnvInt("CARDMINT_FINGERPRINT_PRUNE_TO", 5000),
		DetectionWarnMs:       getEnvInt64("CARDMINT_DETECTION_WARN_MS", 50),
		WorkerConcurrency:     getEnvInt("CARDMINT_WORKER_CONCURRENCY", 3),
		GlobalRateLimit:       getEnvInt("CARDMINT_RATE_LIMIT", 100),
		GlobalRateWindow:      60 * time.Second,
		MaxAttempts:           getEnvInt("CARDMINT_MAX_ATTEMPTS", 3),
		BackoffBaseMs:         getEnvInt64("CARDMINT_BACKOFF_BASE_MS", 1000),
		BackoffCapMs:          getEnvInt64("CARDMINT_BACKOFF_CAP_MS", 30000),
		BackoffJitterMinMs:    250,
		BackoffJitterMaxMs:    1250,
		WarnDepth:             getEnvInt("CARDMINT_WARN_DEPTH", 9),
		AutoPauseDepth:        getEnvInt("CARDMINT_AUTO_PAUSE_DEPTH", 11),
		AutoResumeDepth:       getEnvInt("CARDMINT_AUTO_RESUME_DEPTH", 8),
		GracefulShutdown:      10 * time.Second,
		WorkerDrainTimeout:    4 * time.Second,
		LeaseExpiry:           2 * time.Minute,
		InferenceTimeout:      30 * time.Second,
		ImageSizeGuardBytes:   400 * 1024,
		RetryJitterMinMs:      250,
		RetryJitterMaxMs:      500,
		DailyQuota:            getEnvInt64("CARDMINT_DAILY_QUOTA", 5000),
		QuotaWarningThreshold: getEnvInt64("CARDMINT_QUOTA_WARNING_THRESHOLD", 500),
		AutoAcceptThreshold:   0.90,
		AutoAcceptMargin:      0.10,
		ReasonableThreshold:   0.40,
		PathCEnabled:          getEnvBool("CARDMINT_PATH_C_ENABLED", true),
		PathCMinSignals:       2,
		PathCHardFilter:       0.90,
		PathCSoftRerank:       0.70,
		ReferenceCacheSize:    getEnvInt("CARDMINT_REFERENCE_CACHE_SIZE", 10000),
		ReferenceCacheTTL:     15 * time.Minute,
		ShadowSampleRate:      getEnvFloat("CARDMINT_SHADOW_SAMPLE_RATE", 0.05),
		WebhookURL:            os.Getenv("CARDMINT_WEBHOOK_URL"),
		WebhookSecret:         os.Getenv("CARDMINT_WEBHOOK_SECRET"),
		WebhookStaleness:      300 * time.Second,
		HTTPPort:              getEnvOrDefault("PORT", "8080"),
		APIAuthToken:          os.Getenv("CARDMINT_API_AUTH_TOKEN"),
		AllowedOrigins:        os.Getenv("CARDMINT_ALLOWED_ORIGINS"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
	}

	if cfg.AutoResumeDepth >= cfg.AutoPauseDepth {
		return nil, fmt.Errorf("config: AutoResumeDepth (%d) must be < AutoPauseDepth (%d) to avoid flapping",
			cfg.AutoResumeDepth, cfg.AutoPauseDepth)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	return cfg, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
