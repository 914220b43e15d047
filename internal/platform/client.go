// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package platform is the resilient client for the source-hosting
// platform's REST API. Every request passes through the same pipeline:
//
//	Validate -> Prioritize -> Enqueue ->
//	   (CircuitBreaker -> RateLimit -> Retry -> HTTP) -> Audit
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"flakeguard/internal/backoff"
	"flakeguard/internal/breaker"
	"flakeguard/internal/ratelimit"
	"flakeguard/internal/requestqueue"
)

// Error tags for the client's terminal failure modes.
var (
	AuthFailedTag       = errors.BoolTag{Key: errors.NewTagKey("the platform rejected our credentials")}
	PermissionDeniedTag = errors.BoolTag{Key: errors.NewTagKey("the request was rejected before dispatch for security reasons")}
	RateLimitedTag      = errors.BoolTag{Key: errors.NewTagKey("the platform rate limit was exhausted")}
	NotFoundTag         = errors.BoolTag{Key: errors.NewTagKey("the platform resource does not exist")}
)

var (
	requestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flakeguard_platform_requests_total",
		Help: "Platform API requests by method and outcome status class.",
	}, []string{"method", "status"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flakeguard_platform_request_seconds",
		Help:    "Platform API request latency by method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

// Options configure a Client.
type Options struct {
	// BaseURL is the API root, e.g. "https://api.example.com".
	BaseURL string
	// Token is the bearer credential for API calls.
	Token string
	// UserAgent is sent on every request.
	UserAgent string
	// RequestTimeout bounds one request through the whole pipeline.
	RequestTimeout time.Duration
	// Retry is the per-request retry schedule.
	Retry backoff.Policy
	// SensitiveFields extends the set of body/header field names that
	// are redacted from audit records and logs.
	SensitiveFields []string
}

// Client composes the rate limiter, circuit breakers, retry policy and
// priority queue around a plain HTTP client.
type Client struct {
	opts     Options
	http     *http.Client
	noFollow *http.Client
	limiter  *ratelimit.Limiter
	breakers *breaker.Set
	queue    *requestqueue.Queue
	audit    *AuditLog
	redactor *Redactor
}

// New assembles a Client from its collaborators. queue must already be
// started.
func New(opts Options, limiter *ratelimit.Limiter, breakers *breaker.Set, queue *requestqueue.Queue, audit *AuditLog) *Client {
	base := &http.Client{Timeout: opts.RequestTimeout}
	noFollow := &http.Client{
		Timeout: opts.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Client{
		opts:     opts,
		http:     base,
		noFollow: noFollow,
		limiter:  limiter,
		breakers: breakers,
		queue:    queue,
		audit:    audit,
		redactor: NewRedactor(opts.SensitiveFields),
	}
}

// Limiter exposes the rate limiter, for health reporting.
func (c *Client) Limiter() *ratelimit.Limiter { return c.limiter }

// request is one logical API call travelling the pipeline.
type request struct {
	method   string
	path     string
	query    url.Values
	priority requestqueue.Priority
	resource ratelimit.Resource
	// follow controls whether redirects are followed; artifact zip
	// endpoints return a signed redirect we want to capture instead.
	follow bool

	// Populated by the pipeline.
	correlationID string
	status        int
	location      string
	body          []byte
}

// ListArtifacts returns the artifacts of a workflow run.
func (c *Client) ListArtifacts(ctx context.Context, owner, repo string, runID int64) ([]*Artifact, error) {
	req := &request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("/repos/%s/%s/actions/runs/%d/artifacts", owner, repo, runID),
		resource: ratelimit.ResourceCore,
		follow:   true,
	}
	if err := c.do(ctx, req); err != nil {
		return nil, err
	}
	var list artifactList
	if err := json.Unmarshal(req.body, &list); err != nil {
		return nil, errors.Annotate(err, "decode artifact list").Err()
	}
	return list.Artifacts, nil
}

// ArtifactDownloadURL resolves the short-lived signed URL of an
// artifact archive.
func (c *Client) ArtifactDownloadURL(ctx context.Context, owner, repo string, artifactID int64) (string, error) {
	req := &request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("/repos/%s/%s/actions/artifacts/%d/zip", owner, repo, artifactID),
		resource: ratelimit.ResourceCore,
		follow:   false,
	}
	if err := c.do(ctx, req); err != nil {
		return "", err
	}
	if req.location == "" {
		return "", errors.Reason("artifact %d: platform did not redirect to a signed URL", artifactID).Err()
	}
	return req.location, nil
}

// ListWorkflowRuns returns the repository's most recently updated
// workflow runs. Used by the polling loop to catch runs whose webhook
// delivery was missed.
func (c *Client) ListWorkflowRuns(ctx context.Context, owner, repo string, perPage int) ([]*WebhookRun, error) {
	if perPage <= 0 {
		perPage = 30
	}
	req := &request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("/repos/%s/%s/actions/runs?status=completed&per_page=%d", owner, repo, perPage),
		resource: ratelimit.ResourceCore,
		follow:   true,
	}
	if err := c.do(ctx, req); err != nil {
		return nil, err
	}
	var list workflowRunList
	if err := json.Unmarshal(req.body, &list); err != nil {
		return nil, errors.Annotate(err, "decode workflow run list").Err()
	}
	return list.WorkflowRuns, nil
}

// ListJobs returns the jobs of a workflow run.
func (c *Client) ListJobs(ctx context.Context, owner, repo string, runID int64) ([]*Job, error) {
	req := &request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs", owner, repo, runID),
		resource: ratelimit.ResourceCore,
		follow:   true,
	}
	if err := c.do(ctx, req); err != nil {
		return nil, err
	}
	var list jobList
	if err := json.Unmarshal(req.body, &list); err != nil {
		return nil, errors.Annotate(err, "decode job list").Err()
	}
	return list.Jobs, nil
}

// RerunFailedJobs asks the platform to re-run the failed jobs of a run.
// The call is idempotent by run id.
func (c *Client) RerunFailedJobs(ctx context.Context, owner, repo string, runID int64) error {
	req := &request{
		method:   http.MethodPost,
		path:     fmt.Sprintf("/repos/%s/%s/actions/runs/%d/rerun-failed-jobs", owner, repo, runID),
		resource: ratelimit.ResourceCore,
		follow:   true,
	}
	return c.do(ctx, req)
}

// do drives a request through the pipeline.
func (c *Client) do(ctx context.Context, req *request) error {
	// Validate.
	if err := validatePath(req.path); err != nil {
		c.audit.Security(ctx, "path-rejected", req.method, c.redactor.Text(req.path), err)
		return err
	}
	// Prioritize.
	if req.priority == 0 {
		req.priority = derivePriority(req.method, req.path)
	}
	req.correlationID = uuid.New().String()
	ctx = logging.SetField(ctx, "correlationID", req.correlationID)

	start := clock.Now(ctx)
	// Enqueue; the breaker, rate limiter and retry run on a dispatch
	// worker.
	err := c.queue.Do(ctx, req.priority, c.opts.RequestTimeout, func(ctx context.Context) error {
		ctx = logging.SetField(ctx, "correlationID", req.correlationID)
		return c.breakers.Execute(ctx, c.upstreamLabel(), func() error {
			return retry.Retry(ctx, c.opts.Retry.Factory(), func() error {
				return c.doOnce(ctx, req)
			}, retry.LogCallback(ctx, fmt.Sprintf("%s %s", req.method, req.path)))
		})
	})

	elapsed := clock.Now(ctx).Sub(start)
	requestLatency.WithLabelValues(req.method).Observe(elapsed.Seconds())
	requestCounter.WithLabelValues(req.method, statusClass(req.status)).Inc()
	c.audit.Record(ctx, &AuditEntry{
		Time:          start,
		CorrelationID: req.correlationID,
		Method:        req.method,
		Path:          c.redactor.Text(req.path),
		Status:        req.status,
		Duration:      elapsed,
		Error:         errText(err),
	})
	return err
}

// doOnce performs a single HTTP attempt, consuming rate-limit state
// before and recording it after.
func (c *Client) doOnce(ctx context.Context, req *request) error {
	endpoint := req.method + " " + req.path
	if err := c.limiter.WaitEndpoint(ctx, endpoint); err != nil {
		return err
	}
	if err := c.limiter.Check(ctx, req.resource); err != nil {
		return err
	}

	u := strings.TrimSuffix(c.opts.BaseURL, "/") + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, nil)
	if err != nil {
		return errors.Annotate(err, "build request").Err()
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.opts.Token)
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	if c.opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	}

	client := c.http
	if !req.follow {
		client = c.noFollow
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if backoff.RetryableNetError(err) {
			return transient.Tag.Apply(errors.Annotate(err, "%s", endpoint).Err())
		}
		return errors.Annotate(err, "%s", endpoint).Err()
	}
	defer resp.Body.Close()

	// Bucket state updates on every response, including errors.
	c.limiter.Update(resp.Header, req.resource)
	req.status = resp.StatusCode

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.limiter.ForgetSecondary(endpoint)
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return transient.Tag.Apply(errors.Annotate(err, "read response body").Err())
		}
		req.body = body
		return nil

	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		req.location = resp.Header.Get("Location")
		return nil

	case resp.StatusCode == http.StatusUnauthorized:
		err := errors.Reason("%s: authentication failed", endpoint).Tag(AuthFailedTag).Err()
		c.audit.Security(ctx, "auth-failed", req.method, c.redactor.Text(req.path), err)
		return err

	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header)
		if resp.StatusCode == http.StatusForbidden && retryAfter == 0 && resp.Header.Get("x-ratelimit-remaining") != "0" {
			// A plain 403, not a rate limit.
			return errors.Reason("%s: forbidden", endpoint).Tag(PermissionDeniedTag).Err()
		}
		delay, secErr := c.limiter.ObserveSecondary(ctx, endpoint, retryAfter)
		if secErr != nil {
			return errors.Annotate(secErr, "%s", endpoint).Tag(RateLimitedTag).Err()
		}
		logging.Warningf(ctx, "%s: secondary rate limited, next attempt delayed %s", endpoint, delay)
		return transient.Tag.Apply(errors.Reason("%s: rate limited", endpoint).Tag(RateLimitedTag).Err())

	case resp.StatusCode == http.StatusNotFound:
		return errors.Reason("%s: not found", endpoint).Tag(NotFoundTag).Err()

	case backoff.RetryableStatus(resp.StatusCode):
		return transient.Tag.Apply(errors.Reason("%s: status %d", endpoint, resp.StatusCode).Err())

	default:
		return errors.Reason("%s: status %d", endpoint, resp.StatusCode).Err()
	}
}

func (c *Client) upstreamLabel() string {
	if u, err := url.Parse(c.opts.BaseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return c.opts.BaseURL
}

// validatePath rejects path traversal before a request is dispatched.
func validatePath(p string) error {
	if strings.Contains(p, "..") || strings.Contains(p, "//") {
		return errors.Reason("invalid request path %q", p).Tag(PermissionDeniedTag).Err()
	}
	return nil
}

// derivePriority maps an endpoint and method to a default dispatch
// priority. Mutations go out ahead of reads; artifact fetches ahead of
// plain listings.
func derivePriority(method, path string) requestqueue.Priority {
	if method != http.MethodGet {
		return requestqueue.PriorityHigh
	}
	if strings.Contains(path, "/artifacts/") {
		return requestqueue.PriorityHigh
	}
	return requestqueue.PriorityNormal
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("retry-after")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "none"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
