// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package recompute re-scores a repository's test cases in batches and
// aggregates the result into a fleet-level summary.
package recompute

import (
	"context"
	"path"
	"sort"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"flakeguard/internal/clustering"
	"flakeguard/internal/scoring"
	"flakeguard/internal/storage"
)

// ScopeKind selects which test cases a recompute covers.
type ScopeKind string

const (
	ScopeAll           ScopeKind = "all"
	ScopeTestPattern   ScopeKind = "test_pattern"
	ScopeClassPattern  ScopeKind = "class_pattern"
	ScopeSpecificTests ScopeKind = "specific_tests"
)

// Scope narrows a recompute. Pattern uses path.Match syntax.
type Scope struct {
	Kind        ScopeKind `json:"kind"`
	Pattern     string    `json:"pattern,omitempty"`
	TestCaseIDs []int64   `json:"testCaseIds,omitempty"`
}

// Request is one recompute invocation.
type Request struct {
	RepoID    int64 `json:"repoId"`
	Scope     Scope `json:"scope"`
	BatchSize int   `json:"batchSize"`
}

// TestScore names one test with its score, for summary extremes.
type TestScore struct {
	TestCaseID int64   `json:"testCaseId"`
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
}

// Summary aggregates one recompute.
type Summary struct {
	TestsScored           int                           `json:"testsScored"`
	PreviousFlakyCount    int                           `json:"previousFlakyCount"`
	NewFlakyCount         int                           `json:"newFlakyCount"`
	AverageFlakinessScore float64                       `json:"averageFlakinessScore"`
	PatternsDetected      map[string]int                `json:"patternsDetected"`
	SeverityDistribution  map[storage.Priority]int      `json:"severityDistribution"`
	MostFlakyTest         *TestScore                    `json:"mostFlakyTest,omitempty"`
	LeastFlakyTest        *TestScore                    `json:"leastFlakyTest,omitempty"`
	ClustersByTest        map[int64]clustering.Analysis `json:"-"`
}

// ProgressFunc receives batch-level progress. May be nil.
type ProgressFunc func(ctx context.Context, processed, total int)

// Notifier observes tests whose recommendation became quarantine.
type Notifier interface {
	QuarantineRecommended(ctx context.Context, tc *storage.TestCase, score *storage.FlakeScore)
}

// Orchestrator runs recompute requests.
type Orchestrator struct {
	store    storage.Store
	scorer   *scoring.Scorer
	notifier Notifier
}

// New returns an Orchestrator. notifier may be nil.
func New(store storage.Store, scorer *scoring.Scorer, notifier Notifier) *Orchestrator {
	return &Orchestrator{store: store, scorer: scorer, notifier: notifier}
}

// Run scores every test case the request's scope covers and returns
// the aggregate summary.
func (o *Orchestrator) Run(ctx context.Context, req *Request, report ProgressFunc) (*Summary, error) {
	if report == nil {
		report = func(context.Context, int, int) {}
	}
	batch := req.BatchSize
	if batch <= 0 {
		batch = 50
	}

	all, err := o.store.ListTestCases(ctx, req.RepoID)
	if err != nil {
		return nil, errors.Annotate(err, "list test cases of repo %d", req.RepoID).Err()
	}
	selected, err := filterScope(all, req.Scope)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		PatternsDetected:     map[string]int{},
		SeverityDistribution: map[storage.Priority]int{},
		ClustersByTest:       map[int64]clustering.Analysis{},
	}
	var totalScore float64
	for i := 0; i < len(selected); i += batch {
		end := i + batch
		if end > len(selected) {
			end = len(selected)
		}
		for _, tc := range selected[i:end] {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			score, err := o.scoreOne(ctx, tc, sum)
			if err != nil {
				return nil, err
			}
			totalScore += score.Score
		}
		report(ctx, end, len(selected))
	}

	sum.TestsScored = len(selected)
	if len(selected) > 0 {
		sum.AverageFlakinessScore = totalScore / float64(len(selected))
	}
	logging.Infof(ctx, "recompute of repo %d: %d tests, %d flaky (was %d), mean score %.3f",
		req.RepoID, sum.TestsScored, sum.NewFlakyCount, sum.PreviousFlakyCount, sum.AverageFlakinessScore)
	return sum, nil
}

func (o *Orchestrator) scoreOne(ctx context.Context, tc *storage.TestCase, sum *Summary) (*storage.FlakeScore, error) {
	prev, err := o.store.GetFlakeScore(ctx, tc.ID)
	if err != nil && err != storage.ErrNotFound {
		return nil, errors.Annotate(err, "read score of test %d", tc.ID).Err()
	}
	if prev != nil && prev.Recommendation != storage.RecommendNone {
		sum.PreviousFlakyCount++
	}

	window, err := o.store.GetOccurrenceWindow(ctx, tc.ID, o.scorer.Policy())
	if err != nil {
		return nil, errors.Annotate(err, "read occurrences of test %d", tc.ID).Err()
	}
	score := o.scorer.Score(ctx, tc.ID, window)
	if err := o.store.UpsertFlakeScore(ctx, score); err != nil {
		return nil, errors.Annotate(err, "store score of test %d", tc.ID).Err()
	}

	if score.Recommendation != storage.RecommendNone {
		sum.NewFlakyCount++
		sum.SeverityDistribution[score.Priority]++
		for _, p := range scoring.DetectPatterns(window) {
			sum.PatternsDetected[p.Pattern]++
		}
		sum.ClustersByTest[tc.ID] = clustering.Analyze(tc.ID, window)
	}
	name := tc.ClassName + "." + tc.Name
	if sum.MostFlakyTest == nil || score.Score > sum.MostFlakyTest.Score {
		sum.MostFlakyTest = &TestScore{TestCaseID: tc.ID, Name: name, Score: score.Score}
	}
	if sum.LeastFlakyTest == nil || score.Score < sum.LeastFlakyTest.Score {
		sum.LeastFlakyTest = &TestScore{TestCaseID: tc.ID, Name: name, Score: score.Score}
	}

	newlyQuarantined := score.Recommendation == storage.RecommendQuarantine &&
		(prev == nil || prev.Recommendation != storage.RecommendQuarantine)
	if newlyQuarantined && o.notifier != nil {
		o.notifier.QuarantineRecommended(ctx, tc, score)
	}
	return score, nil
}

// filterScope returns the test cases the scope selects, in a stable
// order.
func filterScope(all []*storage.TestCase, scope Scope) ([]*storage.TestCase, error) {
	var out []*storage.TestCase
	switch scope.Kind {
	case ScopeAll, "":
		out = append(out, all...)
	case ScopeTestPattern, ScopeClassPattern:
		field := func(tc *storage.TestCase) string { return tc.Name }
		if scope.Kind == ScopeClassPattern {
			field = func(tc *storage.TestCase) string { return tc.ClassName }
		}
		if _, err := path.Match(scope.Pattern, ""); err != nil {
			return nil, errors.Annotate(err, "bad scope pattern %q", scope.Pattern).Err()
		}
		for _, tc := range all {
			if ok, _ := path.Match(scope.Pattern, field(tc)); ok {
				out = append(out, tc)
			}
		}
	case ScopeSpecificTests:
		want := map[int64]struct{}{}
		for _, id := range scope.TestCaseIDs {
			want[id] = struct{}{}
		}
		for _, tc := range all {
			if _, ok := want[tc.ID]; ok {
				out = append(out, tc)
			}
		}
	default:
		return nil, errors.Reason("unknown scope kind %q", scope.Kind).Err()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
