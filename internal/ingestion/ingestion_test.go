// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	. "github.com/smartystreets/goconvey/convey"
	"go.chromium.org/luci/common/errors"

	"flakeguard/internal/artifacts"
	"flakeguard/internal/backoff"
	"flakeguard/internal/config"
	"flakeguard/internal/platform"
	"flakeguard/internal/storage"
	"flakeguard/internal/storage/memstore"
)

// fakePlatform serves an artifact listing and resolves download URLs
// against a local test server.
type fakePlatform struct {
	base   string
	listed []*platform.Artifact
}

func (f *fakePlatform) ListArtifacts(ctx context.Context, owner, repo string, runID int64) ([]*platform.Artifact, error) {
	return f.listed, nil
}

func (f *fakePlatform) ArtifactDownloadURL(ctx context.Context, owner, repo string, artifactID int64) (string, error) {
	return fmt.Sprintf("%s/artifact/%d", f.base, artifactID), nil
}

func makeZip(files map[string]string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := zw.Create(name)
		if err != nil {
			panic(err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

const apiTestReport = `<testsuite name="com.example.ApiTest" tests="2" failures="1" time="1.7">
  <testcase name="testGet" classname="com.example.ApiTest" time="0.5"/>
  <testcase name="testPost" classname="com.example.ApiTest" time="1.2">
    <failure type="AssertionError" message="expected: 200, actual: 500">at ApiTest.java:10</failure>
  </testcase>
</testsuite>`

type fixture struct {
	coord *Coordinator
	store *memstore.Store
	repo  *storage.Repository
}

// newFixture wires a coordinator over a memstore and a test server
// serving the given artifact bodies by id.
func newFixture(ctx context.Context, listed []*platform.Artifact, bodies map[int64][]byte) *fixture {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/artifact/"), 10, 64)
		body, ok := bodies[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(body)
	}))
	Reset(srv.Close)

	fp := &fakePlatform{base: srv.URL, listed: listed}
	downloads := artifacts.NewHandler(artifacts.Options{
		MaxSizeBytes:    10 << 20,
		StreamChunkSize: 1024,
		URLCacheTTL:     time.Minute,
		Retry:           backoff.Policy{Attempts: 2, Base: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
	}, fp, nil)

	store := memstore.New()
	repo, err := store.UpsertRepository(ctx, &storage.Repository{Provider: "github", Owner: "octo", Name: "widgets"})
	So(err, ShouldBeNil)

	coord := NewCoordinator(fp, downloads, store,
		config.IngestConfig{ArtifactMaxSize: 5 << 20, MaxArtifactConcurrency: 2},
		config.ParserConfig{MaxFileSizeBytes: 10 << 20, MaxElementDepth: 100})
	return &fixture{coord: coord, store: store, repo: repo}
}

func runJob(repo *storage.Repository, externalID int64) *Job {
	completed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &Job{
		Repo: repo,
		Run: &storage.WorkflowRun{
			ExternalRunID: externalID,
			Status:        "completed",
			Conclusion:    "failure",
			HeadBranch:    "main",
			RunNumber:     7,
			Attempt:       1,
			StartedAt:     completed.Add(-10 * time.Minute),
			CompletedAt:   completed,
		},
		Trigger: TriggerWebhook,
	}
}

func TestIngest(t *testing.T) {
	t.Parallel()

	Convey("Ingest", t, func() {
		ctx := context.Background()

		Convey("Stores parsed occurrences from a run's report artifacts", func() {
			listed := []*platform.Artifact{
				{ID: 1, Name: "test-results", SizeBytes: 1024},
				{ID: 2, Name: "build-logs", SizeBytes: 1024},
			}
			f := newFixture(ctx, listed, map[int64][]byte{
				1: makeZip(map[string]string{"surefire/TEST-ApiTest.xml": apiTestReport}),
			})

			res, err := f.coord.Ingest(ctx, runJob(f.repo, 42), nil)
			So(err, ShouldBeNil)
			So(res.Duplicate, ShouldBeFalse)
			So(res.ArtifactsSeen, ShouldEqual, 2)
			So(res.ArtifactsQualified, ShouldEqual, 1)
			So(res.ArtifactsParsed, ShouldEqual, 1)
			So(res.TestsStored, ShouldEqual, 2)
			So(res.OccurrencesStored, ShouldEqual, 2)
			So(res.ArtifactErrors, ShouldBeEmpty)

			run, err := f.store.GetWorkflowRun(ctx, f.repo.ID, 42)
			So(err, ShouldBeNil)
			So(run.Completed(), ShouldBeTrue)

			tests, err := f.store.ListTestCases(ctx, f.repo.ID)
			So(err, ShouldBeNil)
			So(len(tests), ShouldEqual, 2)

			var failing *storage.TestCase
			for _, tc := range tests {
				if tc.Name == "testPost" {
					failing = tc
				}
			}
			So(failing, ShouldNotBeNil)
			So(failing.Suite, ShouldEqual, "com.example.ApiTest")

			occs, err := f.store.GetOccurrenceWindow(ctx, failing.ID, storage.DefaultPolicy())
			So(err, ShouldBeNil)
			So(len(occs), ShouldEqual, 1)
			So(occs[0].Status, ShouldEqual, storage.StatusFailed)
			So(occs[0].DurationMs, ShouldEqual, 1200)
			So(occs[0].FailureMessage, ShouldEqual, "expected: [VALUE], actual: [VALUE]")
			So(occs[0].MessageDigest, ShouldNotBeEmpty)
			So(occs[0].CreatedAt, ShouldResemble, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
		})

		Convey("Returns the prior result for an already ingested run", func() {
			listed := []*platform.Artifact{{ID: 1, Name: "test-results", SizeBytes: 1024}}
			f := newFixture(ctx, listed, map[int64][]byte{
				1: makeZip(map[string]string{"report.xml": apiTestReport}),
			})

			first, err := f.coord.Ingest(ctx, runJob(f.repo, 42), nil)
			So(err, ShouldBeNil)
			So(first.OccurrencesStored, ShouldEqual, 2)

			second, err := f.coord.Ingest(ctx, runJob(f.repo, 42), nil)
			So(err, ShouldBeNil)
			So(second.Duplicate, ShouldBeTrue)
			So(second.WorkflowRunID, ShouldEqual, first.WorkflowRunID)
			So(second.OccurrencesStored, ShouldEqual, 2)

			n, err := f.store.CountRunOccurrences(ctx, first.WorkflowRunID)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
		})

		Convey("Numbers repeated executions of a test within one run", func() {
			report := `<testsuite name="s" tests="2" failures="1">
				<testcase name="testFlaky" classname="C"><failure message="boom"/></testcase>
				<testcase name="testFlaky" classname="C"/>
			</testsuite>`
			listed := []*platform.Artifact{{ID: 1, Name: "junit", SizeBytes: 512}}
			f := newFixture(ctx, listed, map[int64][]byte{
				1: makeZip(map[string]string{"report.xml": report}),
			})

			res, err := f.coord.Ingest(ctx, runJob(f.repo, 42), nil)
			So(err, ShouldBeNil)
			So(res.TestsStored, ShouldEqual, 1)
			So(res.OccurrencesStored, ShouldEqual, 2)

			tests, err := f.store.ListTestCases(ctx, f.repo.ID)
			So(err, ShouldBeNil)
			occs, err := f.store.GetOccurrenceWindow(ctx, tests[0].ID, storage.DefaultPolicy())
			So(err, ShouldBeNil)
			So(len(occs), ShouldEqual, 2)
			So(occs[0].Attempt, ShouldEqual, 1)
			So(occs[0].Status, ShouldEqual, storage.StatusFailed)
			So(occs[1].Attempt, ShouldEqual, 2)
			So(occs[1].Status, ShouldEqual, storage.StatusPassed)
		})

		Convey("Isolates one broken artifact from the rest", func() {
			listed := []*platform.Artifact{
				{ID: 1, Name: "test-results-shard1", SizeBytes: 1024},
				{ID: 2, Name: "test-results-shard2", SizeBytes: 1024},
			}
			f := newFixture(ctx, listed, map[int64][]byte{
				1: makeZip(map[string]string{"report.xml": apiTestReport}),
				2: []byte("<html>not an archive</html>"),
			})

			res, err := f.coord.Ingest(ctx, runJob(f.repo, 42), nil)
			So(err, ShouldBeNil)
			So(res.ArtifactsQualified, ShouldEqual, 2)
			So(res.ArtifactsParsed, ShouldEqual, 1)
			So(len(res.ArtifactErrors), ShouldEqual, 1)
			So(res.ArtifactErrors[0], ShouldContainSubstring, "test-results-shard2")
			So(res.OccurrencesStored, ShouldEqual, 2)
		})

		Convey("Fails when every artifact is broken, storing nothing", func() {
			listed := []*platform.Artifact{{ID: 1, Name: "test-results", SizeBytes: 1024}}
			f := newFixture(ctx, listed, map[int64][]byte{
				1: []byte("garbage"),
			})

			_, err := f.coord.Ingest(ctx, runJob(f.repo, 42), nil)
			So(err, ShouldNotBeNil)

			_, err = f.store.GetWorkflowRun(ctx, f.repo.ID, 42)
			So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)
		})

		Convey("Succeeds with zero counts when no artifact qualifies", func() {
			listed := []*platform.Artifact{
				{ID: 1, Name: "coverage", SizeBytes: 1024},
				{ID: 2, Name: "test-results-old", SizeBytes: 1024, Expired: true},
				{ID: 3, Name: "test-results-huge", SizeBytes: 50 << 20},
			}
			f := newFixture(ctx, listed, nil)

			res, err := f.coord.Ingest(ctx, runJob(f.repo, 42), nil)
			So(err, ShouldBeNil)
			So(res.ArtifactsSeen, ShouldEqual, 3)
			So(res.ArtifactsQualified, ShouldEqual, 0)
			So(res.OccurrencesStored, ShouldEqual, 0)

			// The run itself is still recorded as ingested.
			run, err := f.store.GetWorkflowRun(ctx, f.repo.ID, 42)
			So(err, ShouldBeNil)
			So(run.Completed(), ShouldBeTrue)
		})

		Convey("Reports progress through every phase", func() {
			listed := []*platform.Artifact{{ID: 1, Name: "test-results", SizeBytes: 1024}}
			f := newFixture(ctx, listed, map[int64][]byte{
				1: makeZip(map[string]string{"report.xml": apiTestReport}),
			})

			var mu sync.Mutex
			var phases []string
			var last float64
			_, err := f.coord.Ingest(ctx, runJob(f.repo, 42), func(ctx context.Context, p Progress) {
				mu.Lock()
				phases = append(phases, p.Phase)
				last = p.Percentage
				mu.Unlock()
			})
			So(err, ShouldBeNil)
			So(phases, ShouldContain, "discover")
			So(phases, ShouldContain, "download")
			So(phases, ShouldContain, "parse")
			So(phases, ShouldContain, "store")
			So(last, ShouldEqual, 100)
		})
	})
}
