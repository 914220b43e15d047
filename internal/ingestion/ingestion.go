// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ingestion turns one completed workflow run into stored test
// occurrences: it discovers the run's artifacts, downloads and unpacks
// the ones that look like test reports, parses the JUnit XML inside and
// persists everything in a single transaction.
package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"golang.org/x/sync/errgroup"

	"flakeguard/internal/artifacts"
	"flakeguard/internal/config"
	"flakeguard/internal/junitxml"
	"flakeguard/internal/platform"
	"flakeguard/internal/scoring"
	"flakeguard/internal/storage"
)

// Trigger records what initiated an ingestion.
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerPolling Trigger = "polling"
	TriggerManual  Trigger = "manual"
)

// namePatterns are the artifact name fragments that mark an artifact
// as a candidate test report.
var namePatterns = []string{"test", "junit", "results", "report"}

// maxStoredMessageLen bounds the normalized failure message persisted
// per occurrence.
const maxStoredMessageLen = 4096

var ingestedRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "flakeguard",
	Subsystem: "ingestion",
	Name:      "runs_total",
	Help:      "Ingested workflow runs by outcome.",
}, []string{"outcome"})

// Job describes one workflow run to ingest.
type Job struct {
	Repo          *storage.Repository
	Run           *storage.WorkflowRun
	CorrelationID string
	Trigger       Trigger
}

// Progress mirrors the job queue's in-band progress structure.
type Progress struct {
	Phase           string
	Processed       int
	Total           int
	Percentage      float64
	CurrentItemName string
}

// ProgressFunc receives progress events. May be nil.
type ProgressFunc func(ctx context.Context, p Progress)

// Result summarizes one ingestion.
type Result struct {
	WorkflowRunID      int64    `json:"workflowRunId"`
	ArtifactsSeen      int      `json:"artifactsSeen"`
	ArtifactsQualified int      `json:"artifactsQualified"`
	ArtifactsParsed    int      `json:"artifactsParsed"`
	TestsStored        int      `json:"testsStored"`
	OccurrencesStored  int      `json:"occurrencesStored"`
	ArtifactErrors     []string `json:"artifactErrors,omitempty"`
	Duplicate          bool     `json:"duplicate"`
}

// ArtifactLister is the slice of the platform client ingestion needs.
type ArtifactLister interface {
	ListArtifacts(ctx context.Context, owner, repo string, runID int64) ([]*platform.Artifact, error)
}

// Coordinator runs ingestion jobs.
type Coordinator struct {
	lister    ArtifactLister
	downloads *artifacts.Handler
	store     storage.Store
	cfg       config.IngestConfig
	parserCfg config.ParserConfig
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(lister ArtifactLister, downloads *artifacts.Handler, store storage.Store, cfg config.IngestConfig, parserCfg config.ParserConfig) *Coordinator {
	return &Coordinator{
		lister:    lister,
		downloads: downloads,
		store:     store,
		cfg:       cfg,
		parserCfg: parserCfg,
	}
}

// parsedArtifact is one artifact's parse output, or its failure.
type parsedArtifact struct {
	name   string
	suites *junitxml.Suites
	err    error
}

// Ingest processes one workflow run end to end. Duplicates of an
// already ingested run return the stored counts without re-work.
func (c *Coordinator) Ingest(ctx context.Context, job *Job, report ProgressFunc) (*Result, error) {
	if report == nil {
		report = func(context.Context, Progress) {}
	}
	ctx = logging.SetField(ctx, "run", job.Run.ExternalRunID)

	if res, ok, err := c.priorResult(ctx, job); err != nil {
		return nil, err
	} else if ok {
		logging.Infof(ctx, "run %d already ingested, returning prior result", job.Run.ExternalRunID)
		ingestedRuns.WithLabelValues("duplicate").Inc()
		return res, nil
	}

	res := &Result{}

	// Discover.
	listed, err := c.lister.ListArtifacts(ctx, job.Repo.Owner, job.Repo.Name, job.Run.ExternalRunID)
	if err != nil {
		ingestedRuns.WithLabelValues("error").Inc()
		return nil, errors.Annotate(err, "list artifacts for run %d", job.Run.ExternalRunID).Err()
	}
	res.ArtifactsSeen = len(listed)
	qualifying := c.filter(ctx, listed)
	res.ArtifactsQualified = len(qualifying)
	report(ctx, Progress{Phase: "discover", Processed: len(qualifying), Total: len(qualifying), Percentage: 10})

	parsed := c.fetchAndParse(ctx, job, qualifying, report)

	var merged []*junitxml.Suites
	for _, pa := range parsed {
		if pa.err != nil {
			logging.Warningf(ctx, "artifact %q: %s", pa.name, pa.err)
			res.ArtifactErrors = append(res.ArtifactErrors, pa.name+": "+pa.err.Error())
			continue
		}
		res.ArtifactsParsed++
		merged = append(merged, pa.suites)
	}
	report(ctx, Progress{Phase: "parse", Processed: len(parsed), Total: len(parsed), Percentage: 90})

	if len(qualifying) > 0 && res.ArtifactsParsed == 0 {
		ingestedRuns.WithLabelValues("error").Inc()
		return res, errors.Reason("all %d artifacts of run %d failed: %s",
			len(qualifying), job.Run.ExternalRunID, strings.Join(res.ArtifactErrors, "; ")).Err()
	}

	// Store. One transaction covers the run, its test cases and all
	// occurrences; a mid-way failure leaves no partial rows.
	if err := c.persist(ctx, job, merged, res); err != nil {
		ingestedRuns.WithLabelValues("error").Inc()
		return nil, err
	}
	report(ctx, Progress{Phase: "store", Processed: res.OccurrencesStored, Total: res.OccurrencesStored, Percentage: 100})
	ingestedRuns.WithLabelValues("success").Inc()
	logging.Infof(ctx, "ingested run %d: %d occurrences across %d tests from %d/%d artifacts",
		job.Run.ExternalRunID, res.OccurrencesStored, res.TestsStored, res.ArtifactsParsed, res.ArtifactsQualified)
	return res, nil
}

// priorResult reports whether this run was already ingested to a
// terminal state.
func (c *Coordinator) priorResult(ctx context.Context, job *Job) (*Result, bool, error) {
	prev, err := c.store.GetWorkflowRun(ctx, job.Repo.ID, job.Run.ExternalRunID)
	switch {
	case err == storage.ErrNotFound:
		return nil, false, nil
	case err != nil:
		return nil, false, errors.Annotate(err, "look up run %d", job.Run.ExternalRunID).Err()
	case !prev.Completed():
		return nil, false, nil
	}
	n, err := c.store.CountRunOccurrences(ctx, prev.ID)
	if err != nil {
		return nil, false, errors.Annotate(err, "count occurrences of run %d", prev.ID).Err()
	}
	return &Result{WorkflowRunID: prev.ID, OccurrencesStored: int(n), Duplicate: true}, true, nil
}

func (c *Coordinator) filter(ctx context.Context, listed []*platform.Artifact) []*platform.Artifact {
	var out []*platform.Artifact
	for _, a := range listed {
		if !nameLooksLikeReport(a.Name) {
			continue
		}
		if a.Expired {
			logging.Debugf(ctx, "skipping expired artifact %q", a.Name)
			continue
		}
		if a.SizeBytes > c.cfg.ArtifactMaxSize {
			logging.Warningf(ctx, "skipping artifact %q: %s exceeds the %s cap",
				a.Name, humanize.Bytes(uint64(a.SizeBytes)), humanize.Bytes(uint64(c.cfg.ArtifactMaxSize)))
			continue
		}
		out = append(out, a)
	}
	return out
}

func nameLooksLikeReport(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range namePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// fetchAndParse downloads, unpacks and parses the qualifying artifacts
// with bounded parallelism. Each artifact's failure is isolated in its
// own parsedArtifact entry.
func (c *Coordinator) fetchAndParse(ctx context.Context, job *Job, qualifying []*platform.Artifact, report ProgressFunc) []*parsedArtifact {
	out := make([]*parsedArtifact, len(qualifying))
	var mu sync.Mutex
	done := 0

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(c.cfg.MaxArtifactConcurrency)
	for i, a := range qualifying {
		i, a := i, a
		eg.Go(func() error {
			suites, err := c.processArtifact(ectx, job, a)
			mu.Lock()
			out[i] = &parsedArtifact{name: a.Name, suites: suites, err: err}
			done++
			pct := 25.0
			if len(qualifying) > 0 {
				pct += 50 * float64(done) / float64(len(qualifying))
			}
			mu.Unlock()
			report(ctx, Progress{Phase: "download", Processed: done, Total: len(qualifying), Percentage: pct, CurrentItemName: a.Name})
			return nil
		})
	}
	eg.Wait()
	return out
}

// processArtifact downloads one artifact archive to a scoped temp
// directory, unzips it and parses every XML report inside. The temp
// directory is removed on all exit paths.
func (c *Coordinator) processArtifact(ctx context.Context, job *Job, a *platform.Artifact) (*junitxml.Suites, error) {
	dir, err := os.MkdirTemp("", "flakeguard-artifact-")
	if err != nil {
		return nil, errors.Annotate(err, "create temp dir").Err()
	}
	defer os.RemoveAll(dir)

	archive := filepath.Join(dir, "artifact.zip")
	f, err := os.Create(archive)
	if err != nil {
		return nil, errors.Annotate(err, "create %q", archive).Err()
	}
	ref := artifacts.Ref{
		Owner:     job.Repo.Owner,
		Repo:      job.Repo.Name,
		ID:        a.ID,
		Name:      a.Name,
		SizeBytes: a.SizeBytes,
	}
	n, err := c.downloads.DownloadTo(ctx, ref, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Annotate(err, "download %s", ref).Err()
	}
	logging.Debugf(ctx, "downloaded %s (%s)", ref, humanize.Bytes(uint64(n)))

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, errors.Annotate(err, "open archive of %s", ref).Err()
	}
	defer zr.Close()

	merged := &junitxml.Suites{Name: a.Name}
	reports := 0
	for _, entry := range zr.File {
		if !isReportEntry(entry.Name) {
			continue
		}
		if err := c.parseEntry(ctx, entry, merged); err != nil {
			return nil, errors.Annotate(err, "parse %q in %s", entry.Name, ref).Err()
		}
		reports++
	}
	if reports == 0 {
		return nil, errors.Reason("no XML reports inside %s", ref).Err()
	}
	merged.Tests = 0
	merged.Failures = 0
	merged.Errors = 0
	merged.Skipped = 0
	for _, s := range merged.Suites {
		merged.Tests += s.Tests
		merged.Failures += s.Failures
		merged.Errors += s.Errors
		merged.Skipped += s.Skipped
	}
	if err := merged.Validate(); err != nil {
		return nil, errors.Annotate(err, "validate merged report of %s", ref).Err()
	}
	return merged, nil
}

func isReportEntry(name string) bool {
	if strings.HasPrefix(name, "__MACOSX") || strings.Contains(name, ".DS_Store") {
		return false
	}
	return strings.HasSuffix(strings.ToLower(name), ".xml")
}

func (c *Coordinator) parseEntry(ctx context.Context, entry *zip.File, merged *junitxml.Suites) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	result, err := junitxml.Parse(ctx, rc, entry.Name, "", junitxml.Options{
		MaxFileSizeBytes: c.parserCfg.MaxFileSizeBytes,
		MaxElementDepth:  c.parserCfg.MaxElementDepth,
	})
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		logging.Debugf(ctx, "parser warning in %q: %s", entry.Name, w)
	}
	merged.Suites = append(merged.Suites, result.Suites.Suites...)
	return nil
}

// persist writes the run, its test cases and one occurrence per parsed
// case in a single transaction.
func (c *Coordinator) persist(ctx context.Context, job *Job, reports []*junitxml.Suites, res *Result) error {
	now := clock.Now(ctx).UTC()
	return c.store.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.Transaction) error {
		run := *job.Run
		run.RepoID = job.Repo.ID
		stored, err := tx.UpsertWorkflowRun(ctx, &run)
		if err != nil {
			return errors.Annotate(err, "upsert run %d", run.ExternalRunID).Err()
		}
		res.WorkflowRunID = stored.ID

		seenTests := map[int64]struct{}{}
		attempts := map[int64]int64{}
		for _, report := range reports {
			for _, suite := range report.Suites {
				for _, tc := range suite.Cases {
					row, err := tx.UpsertTestCase(ctx, &storage.TestCase{
						RepoID:    job.Repo.ID,
						Suite:     suite.Name,
						ClassName: tc.ClassName,
						Name:      tc.Name,
						File:      tc.File,
					})
					if err != nil {
						return errors.Annotate(err, "upsert test case %s.%s", tc.ClassName, tc.Name).Err()
					}
					seenTests[row.ID] = struct{}{}

					attempts[row.ID]++
					occ := &storage.Occurrence{
						TestCaseID:    row.ID,
						WorkflowRunID: stored.ID,
						Status:        caseStatus(tc),
						DurationMs:    int64(tc.Time * 1000),
						Attempt:       attempts[row.ID],
						CreatedAt:     occurrenceTime(job.Run, now),
					}
					if occ.Status.Failing() && tc.Failure != nil {
						msg := scoring.NormalizeMessage(tc.Failure.Message)
						if msg == "" {
							msg = scoring.NormalizeMessage(tc.Failure.Type)
						}
						if len(msg) > maxStoredMessageLen {
							msg = msg[:maxStoredMessageLen]
						}
						occ.FailureMessage = msg
						occ.MessageDigest = scoring.Digest(msg)
						occ.StackDigest = scoring.Digest(scoring.NormalizeStack(tc.Failure.Body))
					}
					if err := tx.AppendOccurrence(ctx, occ); err != nil {
						return errors.Annotate(err, "append occurrence of %s.%s", tc.ClassName, tc.Name).Err()
					}
					res.OccurrencesStored++
				}
			}
		}
		res.TestsStored = len(seenTests)
		return nil
	})
}

func caseStatus(tc *junitxml.Case) storage.TestStatus {
	switch tc.Status {
	case junitxml.CasePassed:
		return storage.StatusPassed
	case junitxml.CaseFailed:
		return storage.StatusFailed
	case junitxml.CaseError:
		return storage.StatusError
	case junitxml.CaseSkipped:
		return storage.StatusSkipped
	default:
		return storage.StatusPassed
	}
}

func occurrenceTime(run *storage.WorkflowRun, fallback time.Time) time.Time {
	if !run.CompletedAt.IsZero() {
		return run.CompletedAt
	}
	return fallback
}
