// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package memstore

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.chromium.org/luci/common/errors"

	"flakeguard/internal/storage"
)

func TestStore(t *testing.T) {
	t.Parallel()

	Convey("Store", t, func() {
		ctx := context.Background()
		s := New()
		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		Convey("Upserts repositories by identity", func() {
			first, err := s.UpsertRepository(ctx, &storage.Repository{
				Provider: "github", Owner: "octo", Name: "widgets", InstallationID: 7,
			})
			So(err, ShouldBeNil)
			So(first.ID, ShouldBeGreaterThan, 0)

			again, err := s.UpsertRepository(ctx, &storage.Repository{
				Provider: "github", Owner: "octo", Name: "widgets", InstallationID: 9,
			})
			So(err, ShouldBeNil)
			So(again.ID, ShouldEqual, first.ID)
			So(again.InstallationID, ShouldEqual, 9)

			other, err := s.UpsertRepository(ctx, &storage.Repository{
				Provider: "github", Owner: "octo", Name: "gadgets",
			})
			So(err, ShouldBeNil)
			So(other.ID, ShouldNotEqual, first.ID)

			repos, err := s.ListRepositories(ctx)
			So(err, ShouldBeNil)
			So(len(repos), ShouldEqual, 2)
			So(repos[0].ID, ShouldBeLessThan, repos[1].ID)
		})

		Convey("Reads workflow runs by external identity", func() {
			_, err := s.GetWorkflowRun(ctx, 1, 42)
			So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)

			err = s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.Transaction) error {
				_, err := tx.UpsertWorkflowRun(ctx, &storage.WorkflowRun{
					RepoID: 1, ExternalRunID: 42, Status: "completed", Conclusion: "failure",
				})
				return err
			})
			So(err, ShouldBeNil)

			run, err := s.GetWorkflowRun(ctx, 1, 42)
			So(err, ShouldBeNil)
			So(run.Conclusion, ShouldEqual, "failure")

			byID, err := s.GetWorkflowRunByID(ctx, run.ID)
			So(err, ShouldBeNil)
			So(byID.ExternalRunID, ShouldEqual, 42)

			_, err = s.GetWorkflowRunByID(ctx, run.ID+999)
			So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)
		})

		Convey("Transactions", func() {
			Convey("Commit runs, tests and occurrences together", func() {
				err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.Transaction) error {
					run, err := tx.UpsertWorkflowRun(ctx, &storage.WorkflowRun{RepoID: 1, ExternalRunID: 100, Status: "completed"})
					if err != nil {
						return err
					}
					tc, err := tx.UpsertTestCase(ctx, &storage.TestCase{RepoID: 1, Suite: "s", ClassName: "C", Name: "t"})
					if err != nil {
						return err
					}
					return tx.AppendOccurrence(ctx, &storage.Occurrence{
						TestCaseID:    tc.ID,
						WorkflowRunID: run.ID,
						Status:        storage.StatusFailed,
						CreatedAt:     base,
					})
				})
				So(err, ShouldBeNil)

				run, err := s.GetWorkflowRun(ctx, 1, 100)
				So(err, ShouldBeNil)
				n, err := s.CountRunOccurrences(ctx, run.ID)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 1)
			})

			Convey("Roll back every buffered write on error", func() {
				boom := errors.New("boom")
				var runID int64
				err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.Transaction) error {
					run, err := tx.UpsertWorkflowRun(ctx, &storage.WorkflowRun{RepoID: 1, ExternalRunID: 101, Status: "completed"})
					if err != nil {
						return err
					}
					runID = run.ID
					tc, err := tx.UpsertTestCase(ctx, &storage.TestCase{RepoID: 1, Suite: "s", ClassName: "C", Name: "doomed"})
					if err != nil {
						return err
					}
					if err := tx.AppendOccurrence(ctx, &storage.Occurrence{
						TestCaseID: tc.ID, WorkflowRunID: run.ID, Status: storage.StatusFailed, CreatedAt: base,
					}); err != nil {
						return err
					}
					return boom
				})
				So(errors.Is(err, boom), ShouldBeTrue)

				// Nothing committed: the run is absent, so a retried
				// ingestion does not mistake it for a duplicate.
				_, err = s.GetWorkflowRun(ctx, 1, 101)
				So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)
				_, err = s.GetWorkflowRunByID(ctx, runID)
				So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)
				tests, err := s.ListTestCases(ctx, 1)
				So(err, ShouldBeNil)
				So(tests, ShouldBeEmpty)
				n, err := s.CountRunOccurrences(ctx, runID)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 0)
			})

			Convey("Return the existing test case on repeat upserts", func() {
				var firstID, secondID int64
				err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.Transaction) error {
					tc, err := tx.UpsertTestCase(ctx, &storage.TestCase{RepoID: 1, Suite: "s", ClassName: "C", Name: "t"})
					if err != nil {
						return err
					}
					firstID = tc.ID
					tc, err = tx.UpsertTestCase(ctx, &storage.TestCase{RepoID: 1, Suite: "s", ClassName: "C", Name: "t"})
					if err != nil {
						return err
					}
					secondID = tc.ID
					return nil
				})
				So(err, ShouldBeNil)
				So(secondID, ShouldEqual, firstID)

				tests, err := s.ListTestCases(ctx, 1)
				So(err, ShouldBeNil)
				So(len(tests), ShouldEqual, 1)
			})
		})

		Convey("Occurrence windows", func() {
			write := func(tcID int64, at time.Time, status storage.TestStatus) {
				err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.Transaction) error {
					return tx.AppendOccurrence(ctx, &storage.Occurrence{
						TestCaseID: tcID, WorkflowRunID: 1, Status: status, CreatedAt: at,
					})
				})
				So(err, ShouldBeNil)
			}

			Convey("Are ordered by time ascending", func() {
				write(5, base.Add(2*time.Hour), storage.StatusFailed)
				write(5, base, storage.StatusPassed)
				write(5, base.Add(time.Hour), storage.StatusFailed)
				write(6, base, storage.StatusPassed)

				out, err := s.GetOccurrenceWindow(ctx, 5, storage.DefaultPolicy())
				So(err, ShouldBeNil)
				So(len(out), ShouldEqual, 3)
				So(out[0].CreatedAt, ShouldResemble, base)
				So(out[1].CreatedAt, ShouldResemble, base.Add(time.Hour))
				So(out[2].CreatedAt, ShouldResemble, base.Add(2*time.Hour))
			})

			Convey("Keep only the newest rows at the window size", func() {
				policy := storage.DefaultPolicy()
				policy.RollingWindowSize = 3
				for i := 0; i < 10; i++ {
					write(5, base.Add(time.Duration(i)*time.Minute), storage.StatusPassed)
				}
				out, err := s.GetOccurrenceWindow(ctx, 5, policy)
				So(err, ShouldBeNil)
				So(len(out), ShouldEqual, 3)
				So(out[0].CreatedAt, ShouldResemble, base.Add(7*time.Minute))
				So(out[2].CreatedAt, ShouldResemble, base.Add(9*time.Minute))
			})

			Convey("Break timestamp ties by id", func() {
				write(5, base, storage.StatusPassed)
				write(5, base, storage.StatusFailed)
				out, err := s.GetOccurrenceWindow(ctx, 5, storage.DefaultPolicy())
				So(err, ShouldBeNil)
				So(len(out), ShouldEqual, 2)
				So(out[0].ID, ShouldBeLessThan, out[1].ID)
			})
		})

		Convey("Flake scores", func() {
			_, err := s.GetFlakeScore(ctx, 9)
			So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)

			err = s.UpsertFlakeScore(ctx, &storage.FlakeScore{
				TestCaseID:     9,
				Score:          0.4,
				Recommendation: storage.RecommendWarn,
				Priority:       storage.PriorityMedium,
				ComputedAt:     base,
			})
			So(err, ShouldBeNil)

			err = s.UpsertFlakeScore(ctx, &storage.FlakeScore{
				TestCaseID:     9,
				Score:          0.7,
				Recommendation: storage.RecommendQuarantine,
				Priority:       storage.PriorityHigh,
				ComputedAt:     base.Add(time.Hour),
			})
			So(err, ShouldBeNil)

			score, err := s.GetFlakeScore(ctx, 9)
			So(err, ShouldBeNil)
			So(score.Score, ShouldEqual, 0.7)
			So(score.Recommendation, ShouldEqual, storage.RecommendQuarantine)
		})

		Convey("Returned rows are copies", func() {
			repo, err := s.UpsertRepository(ctx, &storage.Repository{Provider: "github", Owner: "octo", Name: "widgets"})
			So(err, ShouldBeNil)
			repo.Name = "mutated"

			repos, err := s.ListRepositories(ctx)
			So(err, ShouldBeNil)
			So(repos[0].Name, ShouldEqual, "widgets")
		})
	})
}
