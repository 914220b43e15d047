// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package scoring turns a test's occurrence history into a flakiness
// score and a quarantine recommendation.
package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.chromium.org/luci/common/clock"

	"flakeguard/internal/storage"
)

// Feature weights. Intermittency and rerun recovery dominate because
// they separate flaky tests from consistently broken ones, for which
// the fail ratio alone is a poor signal.
const (
	weightFailRatio     = 0.20
	weightIntermittency = 0.35
	weightRerunPass     = 0.30
	weightMsgVariance   = 0.10
	weightMaxStreak     = 0.05
)

var scoreHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "flakeguard",
	Subsystem: "scoring",
	Name:      "score",
	Help:      "Distribution of computed flakiness scores.",
	Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
})

// Scorer computes flakiness scores under a fixed policy.
type Scorer struct {
	policy storage.Policy
}

// NewScorer returns a Scorer. Zero thresholds fall back to the policy
// defaults.
func NewScorer(policy storage.Policy) *Scorer {
	def := storage.DefaultPolicy()
	if policy.WarnThreshold == 0 {
		policy.WarnThreshold = def.WarnThreshold
	}
	if policy.QuarantineThreshold == 0 {
		policy.QuarantineThreshold = def.QuarantineThreshold
	}
	if policy.MinRunsForQuarantine == 0 {
		policy.MinRunsForQuarantine = def.MinRunsForQuarantine
	}
	if policy.MinRecentFailures == 0 {
		policy.MinRecentFailures = def.MinRecentFailures
	}
	if policy.LookbackDays == 0 {
		policy.LookbackDays = def.LookbackDays
	}
	if policy.RollingWindowSize == 0 {
		policy.RollingWindowSize = def.RollingWindowSize
	}
	return &Scorer{policy: policy}
}

// Policy returns the effective policy.
func (s *Scorer) Policy() storage.Policy { return s.policy }

// Score computes the flake score for one test case from its occurrence
// history. The score and recommendation are a pure function of the
// occurrences and the policy; only the confidence consults the clock.
func (s *Scorer) Score(ctx context.Context, testCaseID int64, occurrences []*storage.Occurrence) *storage.FlakeScore {
	window := Window(occurrences, s.policy.RollingWindowSize)
	fv := ExtractFeatures(window)

	score := composite(fv)
	scoreHistogram.Observe(score)

	rec, prio, reason := s.recommend(score, fv, window)
	return &storage.FlakeScore{
		TestCaseID:     testCaseID,
		Score:          score,
		Confidence:     s.confidence(ctx, fv, window),
		Features:       fv,
		Recommendation: rec,
		Priority:       prio,
		Reason:         reason,
		ComputedAt:     clock.Now(ctx).UTC(),
	}
}

func composite(fv storage.FeatureVector) float64 {
	if fv.TotalRuns == 0 {
		return 0
	}
	streakRatio := float64(fv.MaxConsecutiveFailures) / float64(fv.TotalRuns)
	score := weightFailRatio*fv.FailSuccessRatio +
		weightIntermittency*fv.IntermittencyScore +
		weightRerunPass*fv.RerunPassRate +
		weightMsgVariance*fv.MessageSignatureVariance +
		weightMaxStreak*streakRatio
	return clamp01(score)
}

func (s *Scorer) recommend(score float64, fv storage.FeatureVector, window []*storage.Occurrence) (storage.Recommendation, storage.Priority, string) {
	if fv.TotalRuns < s.policy.MinRunsForQuarantine {
		return storage.RecommendNone, storage.PriorityLow,
			fmt.Sprintf("Insufficient data (need >= %d runs)", s.policy.MinRunsForQuarantine)
	}
	if score >= s.policy.WarnThreshold && recentFailures(window, s.policy.LookbackDays) < s.policy.MinRecentFailures {
		return storage.RecommendNone, storage.PriorityLow, "Too few recent failures"
	}
	switch {
	case score >= s.policy.QuarantineThreshold:
		prio := storage.PriorityMedium
		if score > 0.85 {
			prio = storage.PriorityCritical
		} else if score > 0.7 {
			prio = storage.PriorityHigh
		}
		return storage.RecommendQuarantine, prio,
			fmt.Sprintf("Flakiness score %.2f exceeds quarantine threshold %.2f", score, s.policy.QuarantineThreshold)
	case score >= s.policy.WarnThreshold:
		return storage.RecommendWarn, storage.PriorityMedium,
			fmt.Sprintf("Flakiness score %.2f exceeds warning threshold %.2f", score, s.policy.WarnThreshold)
	default:
		return storage.RecommendNone, storage.PriorityLow, "Score below warning threshold"
	}
}

// recentFailures counts failing occurrences within the lookback window
// measured backwards from the newest occurrence, keeping the result
// independent of when the computation runs.
func recentFailures(window []*storage.Occurrence, lookbackDays int) int {
	if len(window) == 0 {
		return 0
	}
	cutoff := window[len(window)-1].CreatedAt.Add(-time.Duration(lookbackDays) * 24 * time.Hour)
	n := 0
	for _, occ := range window {
		if occ.Status.Failing() && !occ.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n
}

// confidence grows with the number of runs and the span of observation,
// and is penalized when the test was first seen under an hour ago.
func (s *Scorer) confidence(ctx context.Context, fv storage.FeatureVector, window []*storage.Occurrence) float64 {
	if fv.TotalRuns == 0 {
		return 0
	}
	runsPart := math.Min(1, float64(fv.TotalRuns)/float64(s.policy.RollingWindowSize))
	spanPart := math.Min(1, fv.DaysSinceFirstSeen/float64(s.policy.LookbackDays))
	conf := 0.6*runsPart + 0.4*spanPart
	if clock.Now(ctx).Sub(window[0].CreatedAt) < time.Hour {
		conf *= 0.5
	}
	return clamp01(conf)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
