// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ratelimit tracks the hosting platform's primary per-resource
// rate-limit buckets and its secondary abuse-prevention limit, and
// delays callers so that neither is breached.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// Resource is a primary rate-limit bucket class.
type Resource string

const (
	ResourceCore    Resource = "core"
	ResourceSearch  Resource = "search"
	ResourceGraphQL Resource = "graphql"
)

// ErrSecondaryExhausted is returned once an endpoint has hit the
// secondary limit more times than the configured retry budget. It is
// deliberately not transient.
var ErrSecondaryExhausted = errors.New("ratelimit: secondary rate limit retries exhausted")

var remainingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "flakeguard_ratelimit_remaining",
	Help: "Most recently observed remaining requests per rate-limit resource.",
}, []string{"resource"})

// Options configure the limiter. Percentages are in [0, 100].
type Options struct {
	// ThrottleThresholdPct is the remaining-percentage below which
	// requests are progressively delayed.
	ThrottleThresholdPct float64
	// ReservePct and MinReserve define the floor of requests kept
	// unused; at or below the floor the bucket counts as limited.
	ReservePct float64
	MinReserve int
	// MaxThrottleDelay caps a single throttle delay.
	MaxThrottleDelay time.Duration

	// Secondary-limit backoff parameters.
	SecondaryBaseDelay  time.Duration
	SecondaryMultiplier float64
	SecondaryMaxDelay   time.Duration
	SecondaryMaxRetries int
	SecondaryJitter     float64
}

// bucket is the most recently observed primary-limit state of one
// resource.
type bucket struct {
	limit     int
	remaining int
	resetAt   time.Time
}

// secondaryState coalesces secondary-limit delays for one endpoint.
type secondaryState struct {
	blockedUntil time.Time
	attempts     int
}

// Limiter tracks rate-limit state. It is safe for concurrent use;
// reads dominate, so bucket state sits behind an RWMutex.
type Limiter struct {
	opts Options

	mu        sync.RWMutex
	buckets   map[Resource]*bucket
	secondary map[string]*secondaryState
}

// New returns a Limiter with the given options.
func New(opts Options) *Limiter {
	return &Limiter{
		opts:      opts,
		buckets:   map[Resource]*bucket{},
		secondary: map[string]*secondaryState{},
	}
}

// Update records bucket state from response headers. It is the only
// mutator of primary-limit state and must be called for every response,
// including errors.
func (l *Limiter) Update(h http.Header, res Resource) {
	limit, okL := headerInt(h, "x-ratelimit-limit")
	remaining, okR := headerInt(h, "x-ratelimit-remaining")
	reset, okT := headerInt(h, "x-ratelimit-reset")
	if !okL || !okR || !okT || limit <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[res] = &bucket{
		limit:     limit,
		remaining: remaining,
		resetAt:   time.Unix(int64(reset), 0),
	}
	remainingGauge.WithLabelValues(string(res)).Set(float64(remaining))
}

// Check blocks until the caller may issue a request against the given
// resource. It returns early with the context error on cancellation.
func (l *Limiter) Check(ctx context.Context, res Resource) error {
	for {
		delay := l.primaryDelay(ctx, res)
		if delay <= 0 {
			return nil
		}
		logging.Debugf(ctx, "rate limiter: delaying %s request by %s", res, delay)
		if tr := clock.Sleep(ctx, delay); tr.Err != nil {
			return errors.Annotate(tr.Err, "rate limiter wait").Err()
		}
	}
}

// primaryDelay computes the delay currently required before a request
// to res may proceed. Zero means go ahead.
func (l *Limiter) primaryDelay(ctx context.Context, res Resource) time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.buckets[res]
	if !ok {
		return 0
	}
	now := clock.Now(ctx)
	resetIn := b.resetAt.Sub(now)
	if resetIn <= 0 {
		// The window has rolled over; the next Update refreshes state.
		return 0
	}

	// Reserve floor: below it the bucket is limited until reset.
	floor := int(math.Round(float64(b.limit) * l.opts.ReservePct / 100))
	if floor < l.opts.MinReserve {
		floor = l.opts.MinReserve
	}
	if b.remaining <= floor {
		return resetIn
	}

	remainingPct := float64(b.remaining) / float64(b.limit) * 100
	usedPct := 100 - remainingPct
	if usedPct < 100-l.opts.ThrottleThresholdPct {
		return 0
	}
	intensity := (l.opts.ThrottleThresholdPct - remainingPct) / l.opts.ThrottleThresholdPct
	if intensity < 0 {
		intensity = 0
	}
	perRequest := resetIn / time.Duration(maxInt(1, b.remaining))
	if perRequest > l.opts.MaxThrottleDelay {
		perRequest = l.opts.MaxThrottleDelay
	}
	return time.Duration(float64(perRequest) * intensity)
}

// WaitEndpoint blocks while the endpoint is under an active secondary
// delay. Concurrent requests to the same endpoint coalesce onto the one
// scheduled delay.
func (l *Limiter) WaitEndpoint(ctx context.Context, endpoint string) error {
	l.mu.RLock()
	var until time.Time
	if st, ok := l.secondary[endpoint]; ok {
		until = st.blockedUntil
	}
	l.mu.RUnlock()

	wait := until.Sub(clock.Now(ctx))
	if wait <= 0 {
		return nil
	}
	logging.Warningf(ctx, "rate limiter: endpoint %s under secondary limit, waiting %s", endpoint, wait)
	if tr := clock.Sleep(ctx, wait); tr.Err != nil {
		return errors.Annotate(tr.Err, "secondary limit wait").Err()
	}
	return nil
}

// ObserveSecondary records a secondary-limit response (403/429) for the
// endpoint. retryAfter is the server hint, or zero when absent. It
// returns the delay scheduled, or ErrSecondaryExhausted once the retry
// budget is spent.
func (l *Limiter) ObserveSecondary(ctx context.Context, endpoint string, retryAfter time.Duration) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.secondary[endpoint]
	if st == nil {
		st = &secondaryState{}
		l.secondary[endpoint] = st
	}
	now := clock.Now(ctx)
	// Coalesce: an already scheduled future delay absorbs this event.
	if st.blockedUntil.After(now) {
		return st.blockedUntil.Sub(now), nil
	}
	st.attempts++
	if st.attempts > l.opts.SecondaryMaxRetries {
		return 0, ErrSecondaryExhausted
	}

	delay := retryAfter
	if delay <= 0 {
		delay = time.Duration(float64(l.opts.SecondaryBaseDelay) *
			math.Pow(l.opts.SecondaryMultiplier, float64(st.attempts-1)))
		if delay > l.opts.SecondaryMaxDelay {
			delay = l.opts.SecondaryMaxDelay
		}
	}
	// Jitter of +/- jitter*delay/2 around the nominal delay.
	if j := l.opts.SecondaryJitter; j > 0 {
		span := j * float64(delay)
		delay += time.Duration(span*mathrand.Get(ctx).Float64() - span/2)
		if delay < 0 {
			delay = 0
		}
	}
	st.blockedUntil = now.Add(delay)
	return delay, nil
}

// ForgetSecondary clears secondary-limit state after a successful
// request to the endpoint.
func (l *Limiter) ForgetSecondary(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.secondary, endpoint)
}

// Limited reports whether the resource's bucket is at or below its
// reserve floor.
func (l *Limiter) Limited(ctx context.Context, res Resource) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.buckets[res]
	if !ok {
		return false
	}
	if !b.resetAt.After(clock.Now(ctx)) {
		return false
	}
	floor := int(math.Round(float64(b.limit) * l.opts.ReservePct / 100))
	if floor < l.opts.MinReserve {
		floor = l.opts.MinReserve
	}
	return b.remaining <= floor
}

func headerInt(h http.Header, name string) (int, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
