// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package recompute

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.chromium.org/luci/common/clock/testclock"

	"flakeguard/internal/scoring"
	"flakeguard/internal/storage"
	"flakeguard/internal/storage/memstore"
)

var recomputeBase = testclock.TestRecentTimeUTC

type recordingNotifier struct {
	mu    sync.Mutex
	calls []int64
}

func (n *recordingNotifier) QuarantineRecommended(ctx context.Context, tc *storage.TestCase, score *storage.FlakeScore) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, tc.ID)
}

func (n *recordingNotifier) quarantined() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64(nil), n.calls...)
}

// seedTest registers a test case and its execution history. statuses
// holds one first-attempt outcome per workflow run; retried adds a
// passing second attempt after every failing first attempt.
func seedTest(ctx context.Context, s *memstore.Store, repoID int64, class, name string, statuses []storage.TestStatus, retried bool, message string) *storage.TestCase {
	var tc *storage.TestCase
	err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.Transaction) error {
		var err error
		tc, err = tx.UpsertTestCase(ctx, &storage.TestCase{RepoID: repoID, Suite: "suite", ClassName: class, Name: name})
		if err != nil {
			return err
		}
		for i, status := range statuses {
			at := recomputeBase.Add(time.Duration(i) * time.Hour)
			occ := &storage.Occurrence{
				TestCaseID:    tc.ID,
				WorkflowRunID: int64(i + 1),
				Status:        status,
				Attempt:       1,
				CreatedAt:     at,
			}
			if status.Failing() {
				occ.FailureMessage = message
				occ.MessageDigest = scoring.Digest(message)
			}
			if err := tx.AppendOccurrence(ctx, occ); err != nil {
				return err
			}
			if retried && status.Failing() {
				if err := tx.AppendOccurrence(ctx, &storage.Occurrence{
					TestCaseID:    tc.ID,
					WorkflowRunID: int64(i + 1),
					Status:        storage.StatusPassed,
					Attempt:       2,
					CreatedAt:     at.Add(5 * time.Minute),
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	So(err, ShouldBeNil)
	return tc
}

func repeat(status storage.TestStatus, n int) []storage.TestStatus {
	out := make([]storage.TestStatus, n)
	for i := range out {
		out[i] = status
	}
	return out
}

func alternating(n int) []storage.TestStatus {
	out := make([]storage.TestStatus, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = storage.StatusPassed
		} else {
			out[i] = storage.StatusFailed
		}
	}
	return out
}

func TestRun(t *testing.T) {
	t.Parallel()

	Convey("Orchestrator", t, func() {
		ctx, _ := testclock.UseTime(context.Background(), recomputeBase.Add(30*24*time.Hour))
		store := memstore.New()
		const repoID = int64(1)

		stable := seedTest(ctx, store, repoID, "StableTest", "testStable", repeat(storage.StatusPassed, 20), false, "")
		alt := seedTest(ctx, store, repoID, "AltTest", "testAlternating", alternating(20), false, "connection refused by peer")
		retry := seedTest(ctx, store, repoID, "RetryTest", "testRetry", repeat(storage.StatusFailed, 15), true, "timeout waiting for response")

		notifier := &recordingNotifier{}
		orch := New(store, scoring.NewScorer(storage.DefaultPolicy()), notifier)

		Convey("Scores every test and aggregates the summary", func() {
			sum, err := orch.Run(ctx, &Request{RepoID: repoID}, nil)
			So(err, ShouldBeNil)
			So(sum.TestsScored, ShouldEqual, 3)
			So(sum.PreviousFlakyCount, ShouldEqual, 0)
			So(sum.NewFlakyCount, ShouldEqual, 2)
			So(sum.AverageFlakinessScore, ShouldBeGreaterThan, 0)

			So(sum.MostFlakyTest, ShouldNotBeNil)
			So(sum.MostFlakyTest.TestCaseID, ShouldEqual, retry.ID)
			So(sum.LeastFlakyTest, ShouldNotBeNil)
			So(sum.LeastFlakyTest.TestCaseID, ShouldEqual, stable.ID)
			So(sum.LeastFlakyTest.Score, ShouldEqual, 0)

			So(sum.PatternsDetected["timeout"], ShouldBeGreaterThan, 0)
			So(sum.PatternsDetected["connection"], ShouldBeGreaterThan, 0)
			So(len(sum.ClustersByTest), ShouldEqual, 2)

			Convey("And persists each score", func() {
				score, err := store.GetFlakeScore(ctx, retry.ID)
				So(err, ShouldBeNil)
				So(score.Recommendation, ShouldEqual, storage.RecommendQuarantine)

				score, err = store.GetFlakeScore(ctx, alt.ID)
				So(err, ShouldBeNil)
				So(score.Recommendation, ShouldEqual, storage.RecommendWarn)

				score, err = store.GetFlakeScore(ctx, stable.ID)
				So(err, ShouldBeNil)
				So(score.Recommendation, ShouldEqual, storage.RecommendNone)
			})
		})

		Convey("Notifies newly quarantined tests exactly once", func() {
			_, err := orch.Run(ctx, &Request{RepoID: repoID}, nil)
			So(err, ShouldBeNil)
			So(notifier.quarantined(), ShouldResemble, []int64{retry.ID})

			sum, err := orch.Run(ctx, &Request{RepoID: repoID}, nil)
			So(err, ShouldBeNil)
			So(sum.PreviousFlakyCount, ShouldEqual, 2)
			So(notifier.quarantined(), ShouldResemble, []int64{retry.ID})
		})

		Convey("Scopes", func() {
			Convey("By test name pattern", func() {
				sum, err := orch.Run(ctx, &Request{
					RepoID: repoID,
					Scope:  Scope{Kind: ScopeTestPattern, Pattern: "testRetry*"},
				}, nil)
				So(err, ShouldBeNil)
				So(sum.TestsScored, ShouldEqual, 1)
				So(sum.MostFlakyTest.TestCaseID, ShouldEqual, retry.ID)
			})

			Convey("By class name pattern", func() {
				sum, err := orch.Run(ctx, &Request{
					RepoID: repoID,
					Scope:  Scope{Kind: ScopeClassPattern, Pattern: "*Test"},
				}, nil)
				So(err, ShouldBeNil)
				So(sum.TestsScored, ShouldEqual, 3)
			})

			Convey("By specific test ids", func() {
				sum, err := orch.Run(ctx, &Request{
					RepoID: repoID,
					Scope:  Scope{Kind: ScopeSpecificTests, TestCaseIDs: []int64{stable.ID, alt.ID}},
				}, nil)
				So(err, ShouldBeNil)
				So(sum.TestsScored, ShouldEqual, 2)
			})

			Convey("Rejects an unknown scope kind", func() {
				_, err := orch.Run(ctx, &Request{RepoID: repoID, Scope: Scope{Kind: "bogus"}}, nil)
				So(err, ShouldNotBeNil)
			})

			Convey("Rejects a malformed pattern", func() {
				_, err := orch.Run(ctx, &Request{
					RepoID: repoID,
					Scope:  Scope{Kind: ScopeTestPattern, Pattern: "[unclosed"},
				}, nil)
				So(err, ShouldNotBeNil)
			})
		})

		Convey("Reports progress per batch", func() {
			var mu sync.Mutex
			var seen [][2]int
			_, err := orch.Run(ctx, &Request{RepoID: repoID, BatchSize: 1}, func(ctx context.Context, processed, total int) {
				mu.Lock()
				seen = append(seen, [2]int{processed, total})
				mu.Unlock()
			})
			So(err, ShouldBeNil)
			So(seen, ShouldResemble, [][2]int{{1, 3}, {2, 3}, {3, 3}})
		})

		Convey("Stops on a cancelled context", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := orch.Run(cctx, &Request{RepoID: repoID}, nil)
			So(err, ShouldNotBeNil)
		})
	})
}
