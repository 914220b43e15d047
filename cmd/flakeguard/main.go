// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command flakeguard runs the FlakeGuard service: it receives
// workflow-run webhooks, ingests test-report artifacts and keeps
// per-test flakiness scores current.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
	"go.chromium.org/luci/server/router"

	"flakeguard/internal/app"
	"flakeguard/internal/artifacts"
	"flakeguard/internal/backoff"
	"flakeguard/internal/breaker"
	"flakeguard/internal/config"
	"flakeguard/internal/ingestion"
	"flakeguard/internal/jobqueue"
	"flakeguard/internal/platform"
	"flakeguard/internal/ratelimit"
	"flakeguard/internal/recompute"
	"flakeguard/internal/requestqueue"
	"flakeguard/internal/scoring"
	"flakeguard/internal/storage"
	"flakeguard/internal/storage/memstore"
	"flakeguard/internal/storage/spanstore"
)

type flags struct {
	configPath      string
	listenAddr      string
	baseURL         string
	spannerDatabase string
}

func main() {
	ctx := gologger.StdConfig.Use(context.Background())
	if err := run(ctx); err != nil {
		logging.Errorf(ctx, "%s", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var fl flags
	flag.StringVar(&fl.configPath, "config", "", "Path to a JSON config file overriding the defaults.")
	flag.StringVar(&fl.listenAddr, "listen", ":8080", "Address to serve HTTP on.")
	flag.StringVar(&fl.baseURL, "platform-base-url", "https://api.github.com", "Hosting platform API root.")
	flag.StringVar(&fl.spannerDatabase, "spanner-database", "",
		"Spanner database (projects/P/instances/I/databases/D); empty uses the in-memory store.")
	flag.Parse()

	cfg, err := config.Load(ctx, fl.configPath)
	if err != nil {
		return err
	}
	token := os.Getenv("FLAKEGUARD_PLATFORM_TOKEN")
	secret := os.Getenv("FLAKEGUARD_WEBHOOK_SECRET")
	if secret == "" {
		return fmt.Errorf("FLAKEGUARD_WEBHOOK_SECRET must be set")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go handleSignals(ctx, cancel)

	var store storage.Store
	if fl.spannerDatabase != "" {
		s, err := spanstore.New(ctx, fl.spannerDatabase)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
		logging.Infof(ctx, "using Spanner database %s", fl.spannerDatabase)
	} else {
		store = memstore.New()
		logging.Warningf(ctx, "using in-memory storage, data will not survive restarts")
	}

	// Outbound platform pipeline: rate limiter, circuit breakers and
	// the priority request queue around the HTTP client.
	limiter := ratelimit.New(ratelimit.Options{
		ThrottleThresholdPct: cfg.RateLimiter.ThrottleThresholdPct,
		ReservePct:           cfg.RateLimiter.ReservePct,
		MinReserve:           cfg.RateLimiter.MinReserve,
		MaxThrottleDelay:     cfg.RateLimiter.MaxThrottleDelay,
		SecondaryBaseDelay:   cfg.RateLimiter.SecondaryBaseDelay,
		SecondaryMultiplier:  cfg.RateLimiter.SecondaryMultiplier,
		SecondaryMaxDelay:    cfg.RateLimiter.SecondaryMaxDelay,
		SecondaryMaxRetries:  cfg.RateLimiter.SecondaryMaxRetries,
		SecondaryJitter:      cfg.RateLimiter.SecondaryJitter,
	})
	breakers := breaker.NewSet(breaker.Options{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RollingWindow:    cfg.CircuitBreaker.RollingWindow,
		OpenDuration:     cfg.CircuitBreaker.OpenDuration,
		HalfOpenProbes:   cfg.CircuitBreaker.HalfOpenProbes,
	})
	requests := requestqueue.New(requestqueue.Options{
		MaxSize:         cfg.HTTP.QueueMaxSize,
		Workers:         cfg.Queue.Concurrency,
		DefaultTimeout:  cfg.HTTP.QueueTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownGrace,
	})
	requests.Start(ctx)
	defer requests.Shutdown(ctx)

	retryPolicy := backoff.Policy{
		Attempts:   cfg.HTTP.RetryAttempts,
		Base:       cfg.HTTP.RetryBase,
		Multiplier: cfg.HTTP.RetryMult,
		MaxDelay:   cfg.HTTP.RetryMaxDelay,
		Jitter:     cfg.HTTP.RetryJitter,
	}
	audit := platform.NewAuditLog(1000)
	client := platform.New(platform.Options{
		BaseURL:        fl.baseURL,
		Token:          token,
		UserAgent:      "flakeguard",
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Retry:          retryPolicy,
	}, limiter, breakers, requests, audit)

	downloads := artifacts.NewHandler(artifacts.Options{
		MaxSizeBytes:    cfg.Artifacts.MaxSizeBytes,
		StreamChunkSize: cfg.Artifacts.StreamChunkSize,
		URLCacheTTL:     cfg.Artifacts.URLCacheTTL,
		Retry:           retryPolicy,
	}, client, nil)

	coordinator := ingestion.NewCoordinator(client, downloads, store, cfg.Ingestion, cfg.Parser)
	scorer := scoring.NewScorer(storage.Policy{
		WarnThreshold:        cfg.Scorer.WarnThreshold,
		QuarantineThreshold:  cfg.Scorer.QuarantineThreshold,
		MinRunsForQuarantine: cfg.Scorer.MinRunsForQuarantine,
		MinRecentFailures:    cfg.Scorer.MinRecentFailures,
		LookbackDays:         cfg.Scorer.LookbackDays,
		RollingWindowSize:    cfg.Scorer.RollingWindowSize,
	})
	orch := recompute.New(store, scorer, &quarantineNotifier{
		store:  store,
		client: client,
		policy: scorer.Policy(),
		rerun:  cfg.Scorer.RerunOnQuarantine,
	})

	manager := jobqueue.New(jobqueue.Options{
		Concurrency:     cfg.Queue.Concurrency,
		RateMax:         cfg.Queue.RateLimitMax,
		RatePeriod:      cfg.Queue.RateLimitPeriod,
		Attempts:        cfg.Queue.Attempts,
		BackoffBase:     cfg.Queue.BackoffBase,
		StalledAfter:    cfg.Queue.StalledAfter,
		RetentionMaxAge: cfg.Queue.RetentionMaxAge,
		MaxCompleted:    cfg.Queue.MaxCompleted,
		MaxFailed:       cfg.Queue.MaxFailed,
	})
	manager.Register(jobqueue.KindIngest, ingestHandler(coordinator, store, scorer))
	manager.Register(jobqueue.KindRecompute, recomputeHandler(orch))
	manager.Register(jobqueue.KindPoll, pollHandler(client, store, manager))
	manager.Start(ctx)
	defer manager.Stop()

	go pollLoop(ctx, manager, cfg.Ingestion.PollInterval)

	health := app.NewHealth(ctx, store, manager, limiter)
	server := app.New([]byte(secret), manager, store, health, audit, orch)

	r := router.New()
	server.InstallHandlers(r, router.NewMiddlewareChain())

	httpServer := &http.Server{Addr: fl.listenAddr, Handler: r}
	errc := make(chan error, 1)
	go func() {
		logging.Infof(ctx, "listening on %s", fl.listenAddr)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logging.Infof(ctx, "shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
	defer scancel()
	return httpServer.Shutdown(sctx)
}

func handleSignals(ctx context.Context, cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case sig := <-ch:
		logging.Infof(ctx, "received %s", sig)
		cancel()
	}
}

// ingestHandler runs one ingestion job and re-scores the tests the run
// touched.
func ingestHandler(coordinator *ingestion.Coordinator, store storage.Store, scorer *scoring.Scorer) jobqueue.Handler {
	return func(ctx context.Context, task *jobqueue.Task) error {
		job, ok := task.Payload().(*ingestion.Job)
		if !ok {
			return fmt.Errorf("unexpected payload %T", task.Payload())
		}
		res, err := coordinator.Ingest(ctx, job, func(ctx context.Context, p ingestion.Progress) {
			task.ReportProgress(ctx, jobqueue.Progress{
				Phase:           p.Phase,
				Processed:       p.Processed,
				Total:           p.Total,
				Percentage:      p.Percentage,
				CurrentItemName: p.CurrentItemName,
			})
		})
		if err != nil {
			return err
		}
		if res.Duplicate {
			return nil
		}
		return rescoreRun(ctx, store, scorer, job.Repo.ID)
	}
}

// rescoreRun refreshes the flake score of every test case of the repo.
// Runs after each ingestion so recommendations track the newest data.
func rescoreRun(ctx context.Context, store storage.Store, scorer *scoring.Scorer, repoID int64) error {
	tests, err := store.ListTestCases(ctx, repoID)
	if err != nil {
		return err
	}
	for _, tc := range tests {
		window, err := store.GetOccurrenceWindow(ctx, tc.ID, scorer.Policy())
		if err != nil {
			return err
		}
		if err := store.UpsertFlakeScore(ctx, scorer.Score(ctx, tc.ID, window)); err != nil {
			return err
		}
	}
	return nil
}

// pollLoop periodically enqueues a poll job. The queue's idempotency
// key keeps at most one poll pending at a time.
func pollLoop(ctx context.Context, manager *jobqueue.Manager, interval time.Duration) {
	if interval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-clock.After(ctx, interval):
		}
		if _, err := manager.Add(ctx, jobqueue.KindPoll, nil, jobqueue.AddOptions{
			Priority: jobqueue.PriorityLow,
			Key:      "poll",
		}); err != nil {
			logging.Warningf(ctx, "enqueue poll job: %s", err)
		}
	}
}

// pollHandler sweeps every registered repository for completed runs
// whose webhook was missed and enqueues them for ingestion. Already
// ingested runs are dropped by the ingest job's idempotency key.
func pollHandler(client *platform.Client, store storage.Store, manager *jobqueue.Manager) jobqueue.Handler {
	return func(ctx context.Context, task *jobqueue.Task) error {
		repos, err := store.ListRepositories(ctx)
		if err != nil {
			return err
		}
		for i, repo := range repos {
			runs, err := client.ListWorkflowRuns(ctx, repo.Owner, repo.Name, 30)
			if err != nil {
				logging.Warningf(ctx, "poll %s/%s: %s", repo.Owner, repo.Name, err)
				continue
			}
			for _, run := range runs {
				if run.Status != "completed" {
					continue
				}
				job := &ingestion.Job{
					Repo: repo,
					Run: &storage.WorkflowRun{
						RepoID:        repo.ID,
						ExternalRunID: run.ID,
						Status:        run.Status,
						Conclusion:    run.Conclusion,
						HeadSHA:       run.HeadSHA,
						HeadBranch:    run.HeadBranch,
						RunNumber:     run.RunNumber,
						Attempt:       run.RunAttempt,
						StartedAt:     run.StartedAt,
						CompletedAt:   run.UpdatedAt,
					},
					Trigger: ingestion.TriggerPolling,
				}
				key := fmt.Sprintf("ingest-%d-%d", repo.ID, run.ID)
				job.CorrelationID = key
				if _, err := manager.Add(ctx, jobqueue.KindIngest, job, jobqueue.AddOptions{
					Priority: jobqueue.PriorityLow,
					Key:      key,
				}); err != nil {
					return err
				}
			}
			task.ReportProgress(ctx, jobqueue.Progress{
				Phase:      "poll",
				Processed:  i + 1,
				Total:      len(repos),
				Percentage: 100 * float64(i+1) / float64(len(repos)),
			})
		}
		return nil
	}
}

func recomputeHandler(orch *recompute.Orchestrator) jobqueue.Handler {
	return func(ctx context.Context, task *jobqueue.Task) error {
		req, ok := task.Payload().(*recompute.Request)
		if !ok {
			return fmt.Errorf("unexpected payload %T", task.Payload())
		}
		start := clock.Now(ctx)
		summary, err := orch.Run(ctx, req, func(ctx context.Context, processed, total int) {
			pct := 0.0
			if total > 0 {
				pct = 100 * float64(processed) / float64(total)
			}
			task.ReportProgress(ctx, jobqueue.Progress{
				Phase:      "score",
				Processed:  processed,
				Total:      total,
				Percentage: pct,
			})
		})
		if err != nil {
			return err
		}
		logging.Infof(ctx, "recompute finished in %s: %d flaky of %d tests",
			clock.Now(ctx).Sub(start).Round(time.Millisecond), summary.NewFlakyCount, summary.TestsScored)
		return nil
	}
}

// quarantineNotifier surfaces newly quarantine-recommended tests in the
// service log and, when rerun is enabled, asks the platform to re-run
// the failed jobs of the run the test last failed in.
type quarantineNotifier struct {
	store  storage.Store
	client *platform.Client
	policy storage.Policy
	rerun  bool
}

func (n *quarantineNotifier) QuarantineRecommended(ctx context.Context, tc *storage.TestCase, score *storage.FlakeScore) {
	logging.Warningf(ctx, "quarantine recommended for %s.%s (score %.2f, %s priority): %s",
		tc.ClassName, tc.Name, score.Score, score.Priority, score.Reason)
	if !n.rerun {
		return
	}
	if err := n.rerunLastFailure(ctx, tc); err != nil {
		logging.Warningf(ctx, "re-run failed jobs for %s.%s: %s", tc.ClassName, tc.Name, err)
	}
}

func (n *quarantineNotifier) rerunLastFailure(ctx context.Context, tc *storage.TestCase) error {
	window, err := n.store.GetOccurrenceWindow(ctx, tc.ID, n.policy)
	if err != nil {
		return err
	}
	var runID int64
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Status.Failing() {
			runID = window[i].WorkflowRunID
			break
		}
	}
	if runID == 0 {
		return nil
	}
	run, err := n.store.GetWorkflowRunByID(ctx, runID)
	if err != nil {
		return err
	}
	repos, err := n.store.ListRepositories(ctx)
	if err != nil {
		return err
	}
	for _, repo := range repos {
		if repo.ID == run.RepoID {
			return n.client.RerunFailedJobs(ctx, repo.Owner, repo.Name, run.ExternalRunID)
		}
	}
	return storage.ErrNotFound
}
