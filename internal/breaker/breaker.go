// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package breaker short-circuits calls to failing upstream paths. Each
// upstream label gets its own circuit: Closed -> Open -> HalfOpen ->
// Closed.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// CircuitOpenTag marks errors returned, without running the operation,
// while the labelled circuit is open. Such errors are not transient:
// the caller must not retry inline, only after the open duration has
// elapsed.
var CircuitOpenTag = errors.BoolTag{Key: errors.NewTagKey("the upstream circuit is open")}

// IsCircuitOpen reports whether err was produced by an open circuit.
func IsCircuitOpen(err error) bool {
	return CircuitOpenTag.In(err)
}

var stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "flakeguard_circuit_state",
	Help: "Circuit state per upstream label (0 closed, 1 half-open, 2 open).",
}, []string{"upstream"})

// Options configure every circuit created by a Set.
type Options struct {
	// FailureThreshold consecutive failures within RollingWindow open
	// the circuit.
	FailureThreshold int
	RollingWindow    time.Duration
	// OpenDuration is how long the circuit stays open before admitting
	// HalfOpenProbes probe requests. A single probe success closes the
	// circuit; a probe failure reopens it.
	OpenDuration   time.Duration
	HalfOpenProbes int
}

// Set holds one circuit per upstream label.
type Set struct {
	opts Options

	mu       sync.Mutex
	circuits map[string]*gobreaker.CircuitBreaker
}

// NewSet returns an empty Set.
func NewSet(opts Options) *Set {
	return &Set{
		opts:     opts,
		circuits: map[string]*gobreaker.CircuitBreaker{},
	}
}

func (s *Set) circuit(ctx context.Context, label string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.circuits[label]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        label,
		MaxRequests: uint32(s.opts.HalfOpenProbes),
		Interval:    s.opts.RollingWindow,
		Timeout:     s.opts.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(s.opts.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			stateGauge.WithLabelValues(name).Set(stateValue(to))
			logging.Warningf(ctx, "circuit %q: %s -> %s", name, from, to)
		},
	})
	s.circuits[label] = cb
	return cb
}

// Execute runs op through the labelled circuit, recording the outcome.
// While the circuit is open it fails fast with a CircuitOpenTag error.
func (s *Set) Execute(ctx context.Context, label string, op func() error) error {
	_, err := s.circuit(ctx, label).Execute(func() (interface{}, error) {
		return nil, op()
	})
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return errors.Reason("upstream %q: circuit open", label).Tag(CircuitOpenTag).Err()
	}
	return err
}

// State returns the current state name of the labelled circuit:
// "closed", "half-open" or "open".
func (s *Set) State(ctx context.Context, label string) string {
	switch s.circuit(ctx, label).State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

func stateValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
