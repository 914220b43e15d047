// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package app is FlakeGuard's inbound HTTP surface: the webhook
// endpoint, health endpoints, metrics exposition and a small admin
// API.
package app

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/router"

	"flakeguard/internal/ingestion"
	"flakeguard/internal/jobqueue"
	"flakeguard/internal/platform"
	"flakeguard/internal/recompute"
	"flakeguard/internal/storage"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 5 << 20

// Server wires the HTTP handlers.
type Server struct {
	secret  []byte
	queue   *jobqueue.Manager
	store   storage.Store
	health  *Health
	audit   *platform.AuditLog
	orch    *recompute.Orchestrator
	// provider names the hosting platform in Repository rows.
	provider string
}

// New returns a Server. orch may be nil to disable the recompute
// endpoint.
func New(secret []byte, queue *jobqueue.Manager, store storage.Store, health *Health, audit *platform.AuditLog, orch *recompute.Orchestrator) *Server {
	return &Server{
		secret:   secret,
		queue:    queue,
		store:    store,
		health:   health,
		audit:    audit,
		orch:     orch,
		provider: "github",
	}
}

// InstallHandlers registers all routes on r.
func (s *Server) InstallHandlers(r *router.Router, mw router.MiddlewareChain) {
	r.POST("/webhook", mw, s.handleWebhook)
	r.GET("/health", mw, s.handleHealth)
	r.GET("/health/ready", mw, s.handleReady)
	r.GET("/health/live", mw, s.handleLive)
	r.GET("/jobs/:id", mw, s.handleJobStatus)
	r.POST("/admin/recompute", mw, s.handleRecompute)
	r.GET("/metrics", mw, func(c *router.Context) {
		promhttp.Handler().ServeHTTP(c.Writer, c.Request)
	})
}

func (s *Server) handleWebhook(c *router.Context) {
	ctx := c.Context
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		httpError(c, http.StatusBadRequest, "read body: %s", err)
		return
	}
	sig := c.Request.Header.Get("X-Signature-SHA256")
	if !platform.VerifySignature(s.secret, body, sig) {
		s.audit.Security(ctx, "webhook_verification_failed", c.Request.Method, c.Request.URL.Path,
			fmt.Errorf("bad signature"))
		httpError(c, http.StatusUnauthorized, "signature verification failed")
		return
	}

	event, err := platform.ParseWorkflowRunEvent(body)
	if err != nil {
		httpError(c, http.StatusBadRequest, "parse event: %s", err)
		return
	}
	// Anything but a completed workflow run is acknowledged and
	// dropped.
	if event.Action != "completed" || event.WorkflowRun.ID == 0 || event.Repository.Name == "" {
		writeJSON(c, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	repo, err := s.store.UpsertRepository(ctx, &storage.Repository{
		Provider:       s.provider,
		Owner:          event.Repository.Owner.Login,
		Name:           event.Repository.Name,
		InstallationID: event.Installation.ID,
	})
	if err != nil {
		logging.Errorf(ctx, "upsert repository: %s", err)
		httpError(c, http.StatusInternalServerError, "storage unavailable")
		return
	}

	job := &ingestion.Job{
		Repo: repo,
		Run: &storage.WorkflowRun{
			RepoID:        repo.ID,
			ExternalRunID: event.WorkflowRun.ID,
			Status:        event.WorkflowRun.Status,
			Conclusion:    event.WorkflowRun.Conclusion,
			HeadSHA:       event.WorkflowRun.HeadSHA,
			HeadBranch:    event.WorkflowRun.HeadBranch,
			RunNumber:     event.WorkflowRun.RunNumber,
			Attempt:       event.WorkflowRun.RunAttempt,
			StartedAt:     event.WorkflowRun.StartedAt,
			CompletedAt:   event.WorkflowRun.UpdatedAt,
		},
		Trigger: ingestion.TriggerWebhook,
	}
	key := fmt.Sprintf("ingest-%d-%d", repo.ID, event.WorkflowRun.ID)
	job.CorrelationID = key
	id, err := s.queue.Add(ctx, jobqueue.KindIngest, job, jobqueue.AddOptions{
		Priority: jobqueue.PriorityNormal,
		Key:      key,
	})
	if err != nil {
		logging.Errorf(ctx, "enqueue ingest job: %s", err)
		httpError(c, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(c, http.StatusAccepted, map[string]string{"status": "queued", "jobId": id})
}

func (s *Server) handleJobStatus(c *router.Context) {
	id := c.Params.ByName("id")
	info, err := s.queue.Status(id)
	if err == jobqueue.ErrNotFound {
		httpError(c, http.StatusNotFound, "no such job")
		return
	}
	writeJSON(c, http.StatusOK, info)
}

type recomputeRequest struct {
	RepoID int64           `json:"repoId"`
	Scope  recompute.Scope `json:"scope"`
}

func (s *Server) handleRecompute(c *router.Context) {
	if s.orch == nil {
		httpError(c, http.StatusNotImplemented, "recompute disabled")
		return
	}
	var req recomputeRequest
	if err := json.NewDecoder(io.LimitReader(c.Request.Body, maxWebhookBody)).Decode(&req); err != nil {
		httpError(c, http.StatusBadRequest, "parse request: %s", err)
		return
	}
	id, err := s.queue.Add(c.Context, jobqueue.KindRecompute, &recompute.Request{
		RepoID: req.RepoID,
		Scope:  req.Scope,
	}, jobqueue.AddOptions{Priority: jobqueue.PriorityLow, Key: fmt.Sprintf("recompute-%d", req.RepoID)})
	if err != nil {
		httpError(c, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(c, http.StatusAccepted, map[string]string{"status": "queued", "jobId": id})
}

func (s *Server) handleHealth(c *router.Context) {
	report := s.health.Aggregate(c.Context)
	status := http.StatusOK
	if report.Status == checkUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(c, status, report)
}

func (s *Server) handleReady(c *router.Context) {
	if err := s.health.Ready(c.Context); err != nil {
		httpError(c, http.StatusServiceUnavailable, "not ready: %s", err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLive(c *router.Context) {
	writeJSON(c, http.StatusOK, s.health.Live(c.Context))
}

func writeJSON(c *router.Context, status int, v interface{}) {
	c.Writer.Header().Set("Content-Type", "application/json")
	c.Writer.WriteHeader(status)
	if err := json.NewEncoder(c.Writer).Encode(v); err != nil {
		logging.Warningf(c.Context, "write response: %s", err)
	}
}

func httpError(c *router.Context, status int, format string, args ...interface{}) {
	logging.Warningf(c.Context, format, args...)
	http.Error(c.Writer, fmt.Sprintf(format, args...), status)
}
