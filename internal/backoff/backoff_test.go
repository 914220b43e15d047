// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package backoff

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestPolicy(t *testing.T) {
	t.Parallel()

	Convey("Policy", t, func() {
		ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		tc.SetTimerCallback(func(d time.Duration, t clock.Timer) { tc.Add(d) })
		policy := Policy{Attempts: 3, Base: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}

		Convey("Retries transient errors up to the attempt budget", func() {
			calls := 0
			err := retry.Retry(ctx, policy.Factory(), func() error {
				calls++
				return transient.Tag.Apply(errors.New("flaky upstream"))
			}, nil)
			So(err, ShouldNotBeNil)
			So(calls, ShouldEqual, 3)
		})

		Convey("Does not retry permanent errors", func() {
			calls := 0
			err := retry.Retry(ctx, policy.Factory(), func() error {
				calls++
				return errors.New("bad request")
			}, nil)
			So(err, ShouldNotBeNil)
			So(calls, ShouldEqual, 1)
		})

		Convey("Stops as soon as the operation succeeds", func() {
			calls := 0
			err := retry.Retry(ctx, policy.Factory(), func() error {
				calls++
				if calls < 2 {
					return transient.Tag.Apply(errors.New("flaky upstream"))
				}
				return nil
			}, nil)
			So(err, ShouldBeNil)
			So(calls, ShouldEqual, 2)
		})

		Convey("Keeps jittered delays within the schedule", func() {
			tagged := transient.Tag.Apply(errors.New("flaky upstream"))
			for i := 0; i < 20; i++ {
				it := policy.Factory()()
				first := it.Next(ctx, tagged)
				So(first, ShouldBeGreaterThanOrEqualTo, 0)
				So(first, ShouldBeLessThanOrEqualTo, policy.Base)
				second := it.Next(ctx, tagged)
				So(second, ShouldBeLessThanOrEqualTo, 2*policy.Base)
			}
		})
	})
}

func TestRetryableStatus(t *testing.T) {
	t.Parallel()

	Convey("RetryableStatus", t, func() {
		for _, code := range []int{429, 500, 502, 503, 504} {
			Convey(fmt.Sprintf("Retries %d", code), func() {
				So(RetryableStatus(code), ShouldBeTrue)
			})
		}
		for _, code := range []int{200, 301, 400, 401, 403, 404, 422} {
			Convey(fmt.Sprintf("Does not retry %d", code), func() {
				So(RetryableStatus(code), ShouldBeFalse)
			})
		}
	})
}

func TestRetryableNetError(t *testing.T) {
	t.Parallel()

	Convey("RetryableNetError", t, func() {
		Convey("Retries timeouts", func() {
			So(RetryableNetError(timeoutError{}), ShouldBeTrue)
			So(RetryableNetError(fmt.Errorf("fetch: %w", timeoutError{})), ShouldBeTrue)
		})

		Convey("Retries unknown hosts", func() {
			So(RetryableNetError(&net.DNSError{Name: "api.example.com", IsNotFound: true}), ShouldBeTrue)
		})

		Convey("Retries reset and refused connections", func() {
			So(RetryableNetError(fmt.Errorf("read: %w", syscall.ECONNRESET)), ShouldBeTrue)
			So(RetryableNetError(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)), ShouldBeTrue)
		})

		Convey("Does not retry anything else", func() {
			So(RetryableNetError(nil), ShouldBeFalse)
			So(RetryableNetError(errors.New("certificate expired")), ShouldBeFalse)
		})
	})
}
