// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package app

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"

	"flakeguard/internal/jobqueue"
	"flakeguard/internal/ratelimit"
	"flakeguard/internal/storage"
)

// CheckStatus grades one health check.
type CheckStatus string

const (
	checkHealthy   CheckStatus = "healthy"
	checkDegraded  CheckStatus = "degraded"
	checkUnhealthy CheckStatus = "unhealthy"
)

// CheckResult is the outcome of one health check.
type CheckResult struct {
	Status         CheckStatus `json:"status"`
	Message        string      `json:"message,omitempty"`
	ResponseTimeMs int64       `json:"responseTimeMs"`
}

// Report is the aggregate /health payload.
type Report struct {
	Status        CheckStatus            `json:"status"`
	UptimeSeconds float64                `json:"uptime"`
	Checks        map[string]CheckResult `json:"checks"`
}

// LiveReport is the /health/live payload.
type LiveReport struct {
	Status        CheckStatus `json:"status"`
	UptimeSeconds float64     `json:"uptime"`
	HeapAllocMB   float64     `json:"heapAllocMb"`
	HeapSysMB     float64     `json:"heapSysMb"`
	Goroutines    int         `json:"goroutines"`
}

// Health evaluates service health.
type Health struct {
	startedAt time.Time
	store     storage.Store
	queue     *jobqueue.Manager
	limiter   *ratelimit.Limiter

	// backlogWarn is the queued-job count above which the queues check
	// degrades.
	backlogWarn int
	// heapWarnMB is the heap size above which the memory check
	// degrades.
	heapWarnMB float64
}

// NewHealth wires a Health. limiter may be nil.
func NewHealth(ctx context.Context, store storage.Store, queue *jobqueue.Manager, limiter *ratelimit.Limiter) *Health {
	return &Health{
		startedAt:   clock.Now(ctx),
		store:       store,
		queue:       queue,
		limiter:     limiter,
		backlogWarn: 500,
		heapWarnMB:  1024,
	}
}

// Aggregate runs every check and folds them into one report. The
// report is unhealthy if any check is, degraded if any check is.
func (h *Health) Aggregate(ctx context.Context) *Report {
	report := &Report{
		Status:        checkHealthy,
		UptimeSeconds: clock.Now(ctx).Sub(h.startedAt).Seconds(),
		Checks:        map[string]CheckResult{},
	}
	checks := map[string]func(context.Context) (CheckStatus, string){
		"database":    h.checkDatabase,
		"queueBroker": h.checkBroker,
		"queues":      h.checkQueues,
		"memory":      h.checkMemory,
		"platform":    h.checkPlatform,
	}
	for name, check := range checks {
		start := clock.Now(ctx)
		status, msg := check(ctx)
		report.Checks[name] = CheckResult{
			Status:         status,
			Message:        msg,
			ResponseTimeMs: clock.Now(ctx).Sub(start).Milliseconds(),
		}
		switch status {
		case checkUnhealthy:
			report.Status = checkUnhealthy
		case checkDegraded:
			if report.Status == checkHealthy {
				report.Status = checkDegraded
			}
		}
	}
	return report
}

// Ready reports whether the service can take traffic: storage and the
// queue broker must both answer.
func (h *Health) Ready(ctx context.Context) error {
	if status, msg := h.checkDatabase(ctx); status == checkUnhealthy {
		return errors.Reason("database: %s", msg).Err()
	}
	if status, msg := h.checkBroker(ctx); status == checkUnhealthy {
		return errors.Reason("queue broker: %s", msg).Err()
	}
	return nil
}

// Live returns the liveness snapshot.
func (h *Health) Live(ctx context.Context) *LiveReport {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return &LiveReport{
		Status:        checkHealthy,
		UptimeSeconds: clock.Now(ctx).Sub(h.startedAt).Seconds(),
		HeapAllocMB:   float64(ms.HeapAlloc) / (1 << 20),
		HeapSysMB:     float64(ms.HeapSys) / (1 << 20),
		Goroutines:    runtime.NumGoroutine(),
	}
}

func (h *Health) checkDatabase(ctx context.Context) (CheckStatus, string) {
	ctx, cancel := clock.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := h.store.ListTestCases(ctx, 0); err != nil && err != storage.ErrNotFound {
		return checkUnhealthy, err.Error()
	}
	return checkHealthy, ""
}

func (h *Health) checkBroker(ctx context.Context) (CheckStatus, string) {
	if h.queue == nil {
		return checkUnhealthy, "job queue not running"
	}
	return checkHealthy, ""
}

func (h *Health) checkQueues(ctx context.Context) (CheckStatus, string) {
	queued, processing := 0, 0
	for _, s := range h.queue.QueueStats() {
		queued += s.Queued
		processing += s.Processing
	}
	msg := fmt.Sprintf("%d queued, %d processing", queued, processing)
	if queued > h.backlogWarn {
		return checkDegraded, msg
	}
	return checkHealthy, msg
}

func (h *Health) checkMemory(ctx context.Context) (CheckStatus, string) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := float64(ms.HeapAlloc) / (1 << 20)
	msg := fmt.Sprintf("heap %.1f MiB", heapMB)
	if heapMB > h.heapWarnMB {
		return checkDegraded, msg
	}
	return checkHealthy, msg
}

func (h *Health) checkPlatform(ctx context.Context) (CheckStatus, string) {
	if h.limiter == nil {
		return checkHealthy, "not configured"
	}
	if h.limiter.Limited(ctx, ratelimit.ResourceCore) {
		return checkDegraded, "primary rate limit exhausted"
	}
	return checkHealthy, ""
}
