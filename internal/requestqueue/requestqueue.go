// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package requestqueue is a bounded, strict-priority dispatch queue for
// outbound platform requests. Dispatch order is critical > high >
// normal > low, FIFO within a priority. Each queued request carries its
// own timeout.
package requestqueue

import (
	"context"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// Priority orders queued requests. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

const numPriorities = 4

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// Error tags for the queue's failure modes. QueueFull is transient from
// the caller's point of view (the queue may drain); the tags let
// callers classify without string matching.
var (
	QueueFullTag    = errors.BoolTag{Key: errors.NewTagKey("the request queue is at capacity")}
	QueueTimeoutTag = errors.BoolTag{Key: errors.NewTagKey("the request timed out waiting in the queue")}
	UnavailableTag  = errors.BoolTag{Key: errors.NewTagKey("the request queue is shut down")}
)

// Options configure a Queue.
type Options struct {
	// MaxSize bounds the number of waiting requests across all
	// priorities.
	MaxSize int
	// Workers is the number of concurrent dispatchers.
	Workers int
	// DefaultTimeout applies to requests enqueued without their own.
	DefaultTimeout time.Duration
	// ShutdownTimeout bounds the wait for in-flight requests during
	// Shutdown.
	ShutdownTimeout time.Duration
}

type itemState int

const (
	stateWaiting itemState = iota
	stateTaken
	stateAbandoned
)

type item struct {
	op       func(ctx context.Context) error
	deadline time.Time
	done     chan error

	mu    sync.Mutex
	state itemState
}

// take transitions the item out of the waiting state. It returns false
// if the caller abandoned the item first.
func (it *item) take() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.state != stateWaiting {
		return false
	}
	it.state = stateTaken
	return true
}

// abandon marks the item as no longer awaited. It returns false if a
// worker took it first.
func (it *item) abandon() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.state != stateWaiting {
		return false
	}
	it.state = stateAbandoned
	return true
}

// Queue dispatches queued operations with bounded size and strict
// priority ordering.
type Queue struct {
	opts Options

	mu      sync.Mutex
	waiting [numPriorities][]*item
	size    int
	closed  bool

	tokens   chan struct{}
	inflight sync.WaitGroup
	workers  sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a stopped queue; call Start to begin dispatching.
func New(opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1
	}
	return &Queue{
		opts:   opts,
		tokens: make(chan struct{}, opts.MaxSize),
		stop:   make(chan struct{}),
	}
}

// Start launches the dispatch workers. ctx bounds their lifetime.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.opts.Workers; i++ {
		q.workers.Add(1)
		go func() {
			defer q.workers.Done()
			q.workerLoop(ctx)
		}()
	}
}

func (q *Queue) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-q.tokens:
			it := q.pop(ctx)
			if it == nil {
				continue
			}
			q.run(ctx, it)
		}
	}
}

// pop removes the highest-priority waiting item, skipping abandoned
// entries and entries whose deadline already passed.
func (q *Queue) pop(ctx context.Context) *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := clock.Now(ctx)
	for pri := PriorityCritical; pri >= PriorityLow; pri-- {
		for len(q.waiting[pri]) > 0 {
			it := q.waiting[pri][0]
			q.waiting[pri] = q.waiting[pri][1:]
			q.size--
			if !it.deadline.IsZero() && now.After(it.deadline) {
				if it.abandon() {
					it.done <- errors.Reason("request expired in queue").Tag(QueueTimeoutTag).Err()
				}
				continue
			}
			if !it.take() {
				continue
			}
			return it
		}
	}
	return nil
}

func (q *Queue) run(ctx context.Context, it *item) {
	q.inflight.Add(1)
	defer q.inflight.Done()

	opCtx := ctx
	if !it.deadline.IsZero() {
		var cancel context.CancelFunc
		opCtx, cancel = clock.WithDeadline(ctx, it.deadline)
		defer cancel()
	}
	it.done <- it.op(opCtx)
}

// Do enqueues op and waits for its completion or timeout. A zero
// timeout uses the queue default.
func (q *Queue) Do(ctx context.Context, pri Priority, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = q.opts.DefaultTimeout
	}
	it := &item{
		op:       op,
		deadline: clock.Now(ctx).Add(timeout),
		done:     make(chan error, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.Reason("request queue is shut down").Tag(UnavailableTag).Err()
	}
	if q.size >= q.opts.MaxSize {
		q.mu.Unlock()
		return errors.Reason("request queue full (%d waiting)", q.opts.MaxSize).Tag(QueueFullTag).Err()
	}
	q.waiting[pri] = append(q.waiting[pri], it)
	q.size++
	q.mu.Unlock()
	q.tokens <- struct{}{}

	select {
	case err := <-it.done:
		return err
	case tr := <-clock.After(ctx, timeout):
		if tr.Err != nil {
			// Context cancelled; if a worker already took the item we
			// still must collect its result.
			if it.abandon() {
				return tr.Err
			}
			return <-it.done
		}
		if it.abandon() {
			return errors.Reason("request timed out after %s in queue", timeout).Tag(QueueTimeoutTag).Err()
		}
		return <-it.done
	}
}

// Stats reports the number of waiting requests per priority.
func (q *Queue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, numPriorities)
	for pri := PriorityLow; pri <= PriorityCritical; pri++ {
		out[pri.String()] = len(q.waiting[pri])
	}
	return out
}

// Shutdown stops accepting requests, fails all waiting requests as
// unavailable, and waits up to ShutdownTimeout for in-flight work.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	q.closed = true
	var pending []*item
	for pri := PriorityLow; pri <= PriorityCritical; pri++ {
		pending = append(pending, q.waiting[pri]...)
		q.waiting[pri] = nil
	}
	q.size = 0
	q.mu.Unlock()

	for _, it := range pending {
		if it.abandon() {
			it.done <- errors.Reason("request queue shutting down").Tag(UnavailableTag).Err()
		}
	}

	q.stopOnce.Do(func() { close(q.stop) })

	finished := make(chan struct{})
	go func() {
		q.inflight.Wait()
		q.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-clock.After(ctx, q.opts.ShutdownTimeout):
		logging.Warningf(ctx, "request queue: shutdown timed out with requests in flight")
	}
}
