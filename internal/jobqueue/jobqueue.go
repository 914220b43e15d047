// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package jobqueue is an in-process job queue with per-kind worker
// pools, strict priority dispatch, retries, stalled-job recovery and
// retention pruning.
package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"golang.org/x/time/rate"
)

// Kind identifies a queue. Each kind has its own worker pool.
type Kind string

const (
	KindIngest    Kind = "ingest"
	KindAnalyze   Kind = "analyze"
	KindRecompute Kind = "recompute"
	KindPoll      Kind = "poll"
	KindNotify    Kind = "notify"
)

// Kinds lists every queue kind.
var Kinds = []Kind{KindIngest, KindAnalyze, KindRecompute, KindPoll, KindNotify}

// Priority orders dispatch within a queue. Higher dispatches first;
// equal priorities dispatch FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// State is a job's lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Progress is the in-band progress structure a handler reports.
type Progress struct {
	Phase           string  `json:"phase"`
	Processed       int     `json:"processed"`
	Total           int     `json:"total"`
	Percentage      float64 `json:"percentage"`
	CurrentItemName string  `json:"currentItemName,omitempty"`
}

// Handler processes one job. A non-nil error schedules a retry until
// the attempt budget is spent.
type Handler func(ctx context.Context, task *Task) error

// Task is the handler's view of a running job.
type Task struct {
	mgr *Manager
	job *job
}

// ID returns the job id.
func (t *Task) ID() string { return t.job.id }

// Attempt returns the 1-based attempt number.
func (t *Task) Attempt() int { return t.job.attempt }

// Payload returns the payload the job was enqueued with.
func (t *Task) Payload() interface{} { return t.job.payload }

// ReportProgress records progress and doubles as the liveness beat for
// stalled-job detection.
func (t *Task) ReportProgress(ctx context.Context, p Progress) {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	t.job.progress = p
	t.job.lastBeat = clock.Now(ctx)
}

// JobInfo is the externally visible snapshot of a job.
type JobInfo struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Priority   Priority  `json:"priority"`
	State      State     `json:"state"`
	Attempt    int       `json:"attempt"`
	Progress   Progress  `json:"progress"`
	Error      string    `json:"error,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// Stats summarizes one queue.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("jobqueue: no such job")

type job struct {
	id       string
	kind     Kind
	priority Priority
	payload  interface{}
	seq      uint64

	state    State
	attempt  int
	progress Progress
	err      string

	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time
	notBefore  time.Time
	lastBeat   time.Time

	cancel context.CancelFunc
}

// Options configures the manager. Zero fields keep conservative
// defaults.
type Options struct {
	Concurrency     int
	RateMax         int
	RatePeriod      time.Duration
	Attempts        int
	BackoffBase     time.Duration
	StalledAfter    time.Duration
	RetentionMaxAge time.Duration
	MaxCompleted    int
	MaxFailed       int
	SweepInterval   time.Duration
}

func (o *Options) normalize() {
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 10 * time.Second
	}
	if o.StalledAfter <= 0 {
		o.StalledAfter = 5 * time.Minute
	}
	if o.RetentionMaxAge <= 0 {
		o.RetentionMaxAge = 24 * time.Hour
	}
	if o.MaxCompleted <= 0 {
		o.MaxCompleted = 100
	}
	if o.MaxFailed <= 0 {
		o.MaxFailed = 50
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
}

var (
	jobsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flakeguard",
		Subsystem: "jobqueue",
		Name:      "jobs",
		Help:      "Jobs by kind and state.",
	}, []string{"kind", "state"})
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flakeguard",
		Subsystem: "jobqueue",
		Name:      "job_duration_seconds",
		Help:      "Handler run time by kind.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"kind"})
)

// Manager owns the per-kind queues and workers.
type Manager struct {
	opts     Options
	handlers map[Kind]Handler

	mu    sync.Mutex
	jobs  map[string]*job
	seq   uint64
	wakes map[Kind]chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New returns a stopped Manager; call Start to launch workers.
func New(opts Options) *Manager {
	opts.normalize()
	m := &Manager{
		opts:     opts,
		handlers: map[Kind]Handler{},
		jobs:     map[string]*job{},
		wakes:    map[Kind]chan struct{}{},
		done:     make(chan struct{}),
	}
	for _, k := range Kinds {
		m.wakes[k] = make(chan struct{}, 1)
	}
	return m
}

// Register installs the handler for a kind. Must be called before
// Start.
func (m *Manager) Register(kind Kind, h Handler) {
	m.handlers[kind] = h
}

// Start launches the worker pools and the janitor. ctx bounds the
// lifetime of all workers.
func (m *Manager) Start(ctx context.Context) {
	for _, kind := range Kinds {
		if m.handlers[kind] == nil {
			continue
		}
		for i := 0; i < m.opts.Concurrency; i++ {
			m.wg.Add(1)
			go func(kind Kind) {
				defer m.wg.Done()
				m.workerLoop(ctx, kind)
			}(kind)
		}
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.janitorLoop(ctx)
	}()
}

// Stop cancels in-flight work contexts and waits for workers to exit.
func (m *Manager) Stop() {
	close(m.done)
	m.mu.Lock()
	for _, j := range m.jobs {
		if j.state == StateProcessing && j.cancel != nil {
			j.cancel()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// AddOptions tunes a single enqueue.
type AddOptions struct {
	Priority Priority
	// Key is the idempotency key. While a job with the same key is not
	// terminal, Add returns its id instead of enqueueing.
	Key string
}

// Add enqueues a job and returns its id.
func (m *Manager) Add(ctx context.Context, kind Kind, payload interface{}, opts AddOptions) (string, error) {
	if m.handlers[kind] == nil {
		return "", errors.Reason("jobqueue: no handler registered for kind %q", kind).Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := opts.Key
	if id != "" {
		if prev, ok := m.jobs[id]; ok && !prev.state.Terminal() {
			return prev.id, nil
		}
	} else {
		id = uuid.New().String()
	}

	m.seq++
	now := clock.Now(ctx)
	j := &job{
		id:         id,
		kind:       kind,
		priority:   opts.Priority,
		payload:    payload,
		seq:        m.seq,
		state:      StateQueued,
		enqueuedAt: now,
		lastBeat:   now,
	}
	m.jobs[id] = j
	jobsGauge.WithLabelValues(string(kind), string(StateQueued)).Inc()
	m.wake(kind)
	return id, nil
}

// Status returns a snapshot of the job.
func (m *Manager) Status(id string) (*JobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.info(), nil
}

// Cancel cancels a job. Queued jobs cancel immediately; processing
// jobs have their context cancelled and settle as cancelled when the
// handler returns. Cancelling a terminal job is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	switch j.state {
	case StateQueued:
		m.setState(j, StateCancelled)
		j.finishedAt = j.lastBeat
	case StateProcessing:
		if j.cancel != nil {
			j.cancel()
		}
		m.setState(j, StateCancelled)
	}
	return nil
}

// QueueStats returns per-kind statistics.
func (m *Manager) QueueStats() map[Kind]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[Kind]Stats{}
	for _, j := range m.jobs {
		s := out[j.kind]
		switch j.state {
		case StateQueued:
			s.Queued++
		case StateProcessing:
			s.Processing++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		case StateCancelled:
			s.Cancelled++
		}
		out[j.kind] = s
	}
	return out
}

func (j *job) info() *JobInfo {
	return &JobInfo{
		ID:         j.id,
		Kind:       j.kind,
		Priority:   j.priority,
		State:      j.state,
		Attempt:    j.attempt,
		Progress:   j.progress,
		Error:      j.err,
		EnqueuedAt: j.enqueuedAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
}

// setState moves a job between states and keeps the gauge consistent.
// Caller holds mu.
func (m *Manager) setState(j *job, next State) {
	jobsGauge.WithLabelValues(string(j.kind), string(j.state)).Dec()
	jobsGauge.WithLabelValues(string(j.kind), string(next)).Inc()
	j.state = next
}

func (m *Manager) wake(kind Kind) {
	select {
	case m.wakes[kind] <- struct{}{}:
	default:
	}
}

func (m *Manager) workerLoop(ctx context.Context, kind Kind) {
	var limiter *rate.Limiter
	if m.opts.RateMax > 0 && m.opts.RatePeriod > 0 {
		limiter = rate.NewLimiter(rate.Every(m.opts.RatePeriod/time.Duration(m.opts.RateMax)), m.opts.RateMax)
	}
	for {
		j, wait := m.pop(ctx, kind)
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-m.wakes[kind]:
			case <-clock.After(ctx, wait):
			}
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				m.requeue(ctx, j)
				return
			}
		}
		m.run(ctx, j)
	}
}

// pop takes the highest-priority due job off the kind's queue, or
// returns the delay until the next job becomes due.
func (m *Manager) pop(ctx context.Context, kind Kind) (*job, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := clock.Now(ctx)

	var best *job
	wait := time.Minute
	for _, j := range m.jobs {
		if j.kind != kind || j.state != StateQueued {
			continue
		}
		if j.notBefore.After(now) {
			if d := j.notBefore.Sub(now); d < wait {
				wait = d
			}
			continue
		}
		if best == nil || j.priority > best.priority || (j.priority == best.priority && j.seq < best.seq) {
			best = j
		}
	}
	if best == nil {
		return nil, wait
	}
	m.setState(best, StateProcessing)
	best.attempt++
	best.startedAt = now
	best.lastBeat = now
	return best, 0
}

// requeue returns a popped job to the queue without consuming an
// attempt. Used when the worker itself is shutting down.
func (m *Manager) requeue(ctx context.Context, j *job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.state != StateProcessing {
		return
	}
	m.setState(j, StateQueued)
	j.attempt--
	m.wake(j.kind)
}

func (m *Manager) run(ctx context.Context, j *job) {
	jctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	j.cancel = cancel
	m.mu.Unlock()

	jctx = logging.SetField(jctx, "job", j.id)
	attempt := j.attempt
	start := clock.Now(ctx)
	err := m.handlers[j.kind](jctx, &Task{mgr: m, job: j})
	jobDuration.WithLabelValues(string(j.kind)).Observe(clock.Now(ctx).Sub(start).Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	j.cancel = nil
	if j.state == StateCancelled {
		j.finishedAt = clock.Now(ctx)
		return
	}
	// The janitor may have requeued this job as stalled while the
	// handler was still running; that run no longer owns the job.
	if j.state != StateProcessing || j.attempt != attempt {
		return
	}
	if err == nil {
		m.setState(j, StateCompleted)
		j.err = ""
		j.finishedAt = clock.Now(ctx)
		return
	}
	j.err = err.Error()
	if j.attempt < m.opts.Attempts {
		delay := m.opts.BackoffBase << (j.attempt - 1)
		logging.Warningf(jctx, "job %s attempt %d failed, retrying in %s: %s", j.id, j.attempt, delay, err)
		m.setState(j, StateQueued)
		j.notBefore = clock.Now(ctx).Add(delay)
		m.wake(j.kind)
		return
	}
	logging.Errorf(jctx, "job %s failed after %d attempts: %s", j.id, j.attempt, err)
	m.setState(j, StateFailed)
	j.finishedAt = clock.Now(ctx)
}

func (m *Manager) janitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-clock.After(ctx, m.opts.SweepInterval):
		}
		m.sweep(ctx)
	}
}

// sweep requeues stalled jobs and prunes old terminal ones.
func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := clock.Now(ctx)

	for _, j := range m.jobs {
		if j.state != StateProcessing || now.Sub(j.lastBeat) < m.opts.StalledAfter {
			continue
		}
		logging.Warningf(ctx, "job %s stalled (%s without progress), requeueing", j.id, now.Sub(j.lastBeat))
		if j.cancel != nil {
			j.cancel()
			j.cancel = nil
		}
		m.setState(j, StateQueued)
		j.notBefore = now
		m.wake(j.kind)
	}

	var completed, failed []*job
	for id, j := range m.jobs {
		if !j.state.Terminal() {
			continue
		}
		if now.Sub(j.finishedAt) > m.opts.RetentionMaxAge {
			m.remove(id, j)
			continue
		}
		switch j.state {
		case StateCompleted:
			completed = append(completed, j)
		case StateFailed:
			failed = append(failed, j)
		}
	}
	m.pruneOldest(completed, m.opts.MaxCompleted)
	m.pruneOldest(failed, m.opts.MaxFailed)
}

func (m *Manager) pruneOldest(jobs []*job, max int) {
	if len(jobs) <= max {
		return
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].finishedAt.Before(jobs[j].finishedAt) })
	for _, j := range jobs[:len(jobs)-max] {
		m.remove(j.id, j)
	}
}

func (m *Manager) remove(id string, j *job) {
	jobsGauge.WithLabelValues(string(j.kind), string(j.state)).Dec()
	delete(m.jobs, id)
}
