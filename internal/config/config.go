// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config holds FlakeGuard's configuration records. Options are
// explicit fields with documented defaults; a JSON file overrides them.
package config

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/config/validation"
)

// Config is the root configuration record.
type Config struct {
	Queue          QueueConfig    `json:"queue"`
	HTTP           HTTPConfig     `json:"http"`
	RateLimiter    RateConfig     `json:"rateLimiter"`
	CircuitBreaker BreakerConfig  `json:"circuitBreaker"`
	Parser         ParserConfig   `json:"parser"`
	Artifacts      ArtifactConfig `json:"artifacts"`
	Scorer         ScorerConfig   `json:"scorer"`
	Ingestion      IngestConfig   `json:"ingestion"`
}

// QueueConfig configures the job queue manager.
type QueueConfig struct {
	Concurrency     int           `json:"concurrency"`
	RateLimitMax    int           `json:"rateLimiterMax"`
	RateLimitPeriod time.Duration `json:"rateLimiterDuration"`
	RetentionMaxAge time.Duration `json:"retentionMaxAge"`
	MaxCompleted    int           `json:"retentionMaxCompleted"`
	MaxFailed       int           `json:"retentionMaxFailed"`
	Attempts        int           `json:"attempts"`
	BackoffBase     time.Duration `json:"backoffBase"`
	StalledAfter    time.Duration `json:"stalledAfter"`
}

// HTTPConfig configures outbound platform requests.
type HTTPConfig struct {
	RequestTimeout time.Duration `json:"requestTimeout"`
	RetryAttempts  int           `json:"retryAttempts"`
	RetryBase      time.Duration `json:"retryBase"`
	RetryMult      float64       `json:"retryMultiplier"`
	RetryMaxDelay  time.Duration `json:"retryMaxDelay"`
	RetryJitter    float64       `json:"retryJitter"`
	QueueMaxSize   int           `json:"queueMaxSize"`
	QueueTimeout   time.Duration `json:"queueTimeout"`
	ShutdownGrace  time.Duration `json:"shutdownTimeout"`
}

// RateConfig configures the primary/secondary rate limiter.
type RateConfig struct {
	ThrottleThresholdPct float64       `json:"throttleThresholdPct"`
	ReservePct           float64       `json:"reservePct"`
	MinReserve           int           `json:"minReserve"`
	MaxThrottleDelay     time.Duration `json:"maxThrottleDelay"`
	SecondaryBaseDelay   time.Duration `json:"secondaryBaseDelay"`
	SecondaryMultiplier  float64       `json:"secondaryMultiplier"`
	SecondaryMaxDelay    time.Duration `json:"secondaryMaxDelay"`
	SecondaryMaxRetries  int           `json:"secondaryMaxRetries"`
	SecondaryJitter      float64       `json:"secondaryJitter"`
}

// BreakerConfig configures the per-upstream circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `json:"failureThreshold"`
	RollingWindow    time.Duration `json:"rollingWindow"`
	OpenDuration     time.Duration `json:"openDuration"`
	HalfOpenProbes   int           `json:"halfOpenProbes"`
}

// ParserConfig bounds the JUnit XML parser.
type ParserConfig struct {
	MaxFileSizeBytes int64 `json:"maxFileSizeBytes"`
	MaxElementDepth  int   `json:"maxElementDepth"`
}

// ArtifactConfig bounds artifact downloads.
type ArtifactConfig struct {
	MaxSizeBytes    int64         `json:"maxSizeBytes"`
	StreamChunkSize int           `json:"streamChunkSize"`
	URLCacheTTL     time.Duration `json:"urlCacheTTL"`
	MaxRetries      int           `json:"maxRetries"`
}

// ScorerConfig is the active scoring policy.
type ScorerConfig struct {
	WarnThreshold        float64 `json:"warnThreshold"`
	QuarantineThreshold  float64 `json:"quarantineThreshold"`
	MinRunsForQuarantine int     `json:"minRunsForQuarantine"`
	MinRecentFailures    int     `json:"minRecentFailures"`
	LookbackDays         int     `json:"lookbackDays"`
	RollingWindowSize    int     `json:"rollingWindowSize"`
	// RerunOnQuarantine asks the platform to re-run the failed jobs of
	// the run a test last failed in when its recommendation becomes
	// quarantine.
	RerunOnQuarantine bool `json:"rerunOnQuarantine"`
}

// IngestConfig bounds a single ingestion job.
type IngestConfig struct {
	ArtifactMaxSize        int64         `json:"artifactMaxSize"`
	MaxArtifactConcurrency int           `json:"maxArtifactConcurrency"`
	PollInterval           time.Duration `json:"pollInterval"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Concurrency:     3,
			RateLimitMax:    20,
			RateLimitPeriod: time.Minute,
			RetentionMaxAge: 24 * time.Hour,
			MaxCompleted:    100,
			MaxFailed:       50,
			Attempts:        3,
			BackoffBase:     10 * time.Second,
			StalledAfter:    5 * time.Minute,
		},
		HTTP: HTTPConfig{
			RequestTimeout: 30 * time.Second,
			RetryAttempts:  3,
			RetryBase:      10 * time.Second,
			RetryMult:      2,
			RetryMaxDelay:  5 * time.Minute,
			RetryJitter:    0.1,
			QueueMaxSize:   1000,
			QueueTimeout:   time.Minute,
			ShutdownGrace:  30 * time.Second,
		},
		RateLimiter: RateConfig{
			ThrottleThresholdPct: 20,
			ReservePct:           2,
			MinReserve:           50,
			MaxThrottleDelay:     time.Minute,
			SecondaryBaseDelay:   time.Second,
			SecondaryMultiplier:  2,
			SecondaryMaxDelay:    5 * time.Minute,
			SecondaryMaxRetries:  5,
			SecondaryJitter:      0.1,
		},
		CircuitBreaker: BreakerConfig{
			FailureThreshold: 5,
			RollingWindow:    time.Minute,
			OpenDuration:     30 * time.Second,
			HalfOpenProbes:   1,
		},
		Parser: ParserConfig{
			MaxFileSizeBytes: 50 << 20,
			MaxElementDepth:  100,
		},
		Artifacts: ArtifactConfig{
			MaxSizeBytes:    1 << 30,
			StreamChunkSize: 1 << 20,
			URLCacheTTL:     50 * time.Second,
			MaxRetries:      3,
		},
		Scorer: ScorerConfig{
			WarnThreshold:        0.3,
			QuarantineThreshold:  0.6,
			MinRunsForQuarantine: 5,
			MinRecentFailures:    2,
			LookbackDays:         7,
			RollingWindowSize:    50,
		},
		Ingestion: IngestConfig{
			ArtifactMaxSize:        100 << 20,
			MaxArtifactConcurrency: 2,
			PollInterval:           5 * time.Minute,
		},
	}
}

// Load reads path as JSON laid over the defaults and validates the
// result. An empty path returns the defaults.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		blob, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Annotate(err, "read config %q", path).Err()
		}
		if err := json.Unmarshal(blob, cfg); err != nil {
			return nil, errors.Annotate(err, "parse config %q", path).Err()
		}
	}
	vctx := &validation.Context{Context: ctx}
	vctx.SetFile(path)
	validateConfig(vctx, cfg)
	if err := vctx.Finalize(); err != nil {
		return nil, errors.Annotate(err, "validate config").Err()
	}
	return cfg, nil
}

func validateConfig(ctx *validation.Context, cfg *Config) {
	ctx.Enter("queue")
	if cfg.Queue.Concurrency <= 0 {
		ctx.Errorf("concurrency must be positive")
	}
	if cfg.Queue.Attempts <= 0 {
		ctx.Errorf("attempts must be positive")
	}
	ctx.Exit()

	ctx.Enter("http")
	if cfg.HTTP.RequestTimeout <= 0 {
		ctx.Errorf("requestTimeout must be positive")
	}
	if cfg.HTTP.RetryMult < 1 {
		ctx.Errorf("retryMultiplier must be >= 1")
	}
	if cfg.HTTP.RetryJitter < 0 || cfg.HTTP.RetryJitter > 1 {
		ctx.Errorf("retryJitter must be within [0, 1]")
	}
	ctx.Exit()

	ctx.Enter("rateLimiter")
	if cfg.RateLimiter.ThrottleThresholdPct <= 0 || cfg.RateLimiter.ThrottleThresholdPct > 100 {
		ctx.Errorf("throttleThresholdPct must be within (0, 100]")
	}
	if cfg.RateLimiter.ReservePct < 0 || cfg.RateLimiter.ReservePct > 100 {
		ctx.Errorf("reservePct must be within [0, 100]")
	}
	ctx.Exit()

	ctx.Enter("circuitBreaker")
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		ctx.Errorf("failureThreshold must be positive")
	}
	if cfg.CircuitBreaker.HalfOpenProbes <= 0 {
		ctx.Errorf("halfOpenProbes must be positive")
	}
	ctx.Exit()

	ctx.Enter("parser")
	if cfg.Parser.MaxFileSizeBytes <= 0 {
		ctx.Errorf("maxFileSizeBytes must be positive")
	}
	if cfg.Parser.MaxElementDepth <= 0 {
		ctx.Errorf("maxElementDepth must be positive")
	}
	ctx.Exit()

	ctx.Enter("artifacts")
	if cfg.Artifacts.StreamChunkSize <= 0 {
		ctx.Errorf("streamChunkSize must be positive")
	}
	if cfg.Artifacts.MaxSizeBytes <= 0 {
		ctx.Errorf("maxSizeBytes must be positive")
	}
	ctx.Exit()

	ctx.Enter("scorer")
	if cfg.Scorer.WarnThreshold < 0 || cfg.Scorer.WarnThreshold > 1 {
		ctx.Errorf("warnThreshold must be within [0, 1]")
	}
	if cfg.Scorer.QuarantineThreshold < cfg.Scorer.WarnThreshold {
		ctx.Errorf("quarantineThreshold must be >= warnThreshold")
	}
	if cfg.Scorer.RollingWindowSize <= 0 {
		ctx.Errorf("rollingWindowSize must be positive")
	}
	ctx.Exit()

	ctx.Enter("ingestion")
	if cfg.Ingestion.MaxArtifactConcurrency <= 0 {
		ctx.Errorf("maxArtifactConcurrency must be positive")
	}
	ctx.Exit()
}
