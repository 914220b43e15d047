// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package backoff provides the retry policy shared by the platform
// client and the artifact downloader: exponential backoff with full
// jitter, retrying only errors tagged transient.
package backoff

import (
	"context"
	stderrors "errors"
	"net"
	"syscall"
	"time"

	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
)

// Policy describes a retry schedule.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts   int
	Base       time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter shifts each delay by U(0, delay) - delay*Jitter/2.
	Jitter float64
}

// Factory returns a retry.Factory implementing the policy. Only errors
// tagged transient are retried.
func (p Policy) Factory() retry.Factory {
	return transient.Only(func() retry.Iterator {
		return &jitterIterator{
			base: &retry.ExponentialBackoff{
				Limited: retry.Limited{
					Delay:   p.Base,
					Retries: p.Attempts - 1,
				},
				Multiplier: p.Multiplier,
				MaxDelay:   p.MaxDelay,
			},
			jitter: p.Jitter,
		}
	})
}

// jitterIterator applies full jitter to the delays of a base iterator.
type jitterIterator struct {
	base   retry.Iterator
	jitter float64
}

func (it *jitterIterator) Next(ctx context.Context, err error) time.Duration {
	d := it.base.Next(ctx, err)
	if d <= 0 {
		return d
	}
	out := time.Duration(mathrand.Get(ctx).Float64()*float64(d)) -
		time.Duration(float64(d)*it.jitter/2)
	if out < 0 {
		out = 0
	}
	return out
}

// RetryableStatus reports whether an HTTP status code is worth
// retrying.
func RetryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// RetryableNetError reports whether err is one of the retryable network
// error kinds: connection reset, unknown host, connection refused, or
// timeout.
func RetryableNetError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}
	if stderrors.Is(err, syscall.ECONNRESET) || stderrors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return false
}
