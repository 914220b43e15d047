// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/errors"
)

func testLimiterOptions() Options {
	return Options{
		ThrottleThresholdPct: 20,
		ReservePct:           10,
		MinReserve:           5,
		MaxThrottleDelay:     30 * time.Second,
		SecondaryBaseDelay:   time.Minute,
		SecondaryMultiplier:  2,
		SecondaryMaxDelay:    10 * time.Minute,
		SecondaryMaxRetries:  2,
	}
}

func bucketHeaders(limit, remaining int, resetAt time.Time) http.Header {
	h := http.Header{}
	h.Set("x-ratelimit-limit", fmt.Sprintf("%d", limit))
	h.Set("x-ratelimit-remaining", fmt.Sprintf("%d", remaining))
	h.Set("x-ratelimit-reset", fmt.Sprintf("%d", resetAt.Unix()))
	return h
}

func TestPrimaryLimit(t *testing.T) {
	t.Parallel()

	Convey("Primary limit", t, func() {
		ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		tc.SetTimerCallback(func(d time.Duration, t clock.Timer) { tc.Add(d) })
		l := New(testLimiterOptions())
		resetAt := testclock.TestRecentTimeUTC.Add(time.Hour)

		Convey("Passes with no observed state", func() {
			So(l.Check(ctx, ResourceCore), ShouldBeNil)
			So(l.Limited(ctx, ResourceCore), ShouldBeFalse)
			So(tc.Now(), ShouldResemble, testclock.TestRecentTimeUTC)
		})

		Convey("Passes with a healthy bucket", func() {
			l.Update(bucketHeaders(5000, 4800, resetAt), ResourceCore)
			So(l.Check(ctx, ResourceCore), ShouldBeNil)
			So(l.Limited(ctx, ResourceCore), ShouldBeFalse)
			So(tc.Now(), ShouldResemble, testclock.TestRecentTimeUTC)
		})

		Convey("Waits out the window once the reserve floor is reached", func() {
			l.Update(bucketHeaders(100, 5, resetAt), ResourceCore)
			So(l.Limited(ctx, ResourceCore), ShouldBeTrue)

			So(l.Check(ctx, ResourceCore), ShouldBeNil)
			So(tc.Now().Before(resetAt), ShouldBeFalse)
			So(l.Limited(ctx, ResourceCore), ShouldBeFalse)
		})

		Convey("Throttles progressively near exhaustion", func() {
			l.Update(bucketHeaders(100, 15, resetAt), ResourceCore)
			So(l.Limited(ctx, ResourceCore), ShouldBeFalse)

			So(l.Check(ctx, ResourceCore), ShouldBeNil)
			// Above the floor the wait is a fraction of the window, not
			// the whole of it.
			So(tc.Now().After(testclock.TestRecentTimeUTC), ShouldBeTrue)
			So(tc.Now().Before(resetAt), ShouldBeTrue)
		})

		Convey("Returns the context error when cancelled mid-wait", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			l.Update(bucketHeaders(100, 5, resetAt), ResourceCore)
			err := l.Check(cctx, ResourceCore)
			So(err, ShouldNotBeNil)
		})

		Convey("Ignores responses with partial headers", func() {
			h := http.Header{}
			h.Set("x-ratelimit-remaining", "0")
			l.Update(h, ResourceCore)
			So(l.Limited(ctx, ResourceCore), ShouldBeFalse)
		})
	})
}

func TestSecondaryLimit(t *testing.T) {
	t.Parallel()

	Convey("Secondary limit", t, func() {
		ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		tc.SetTimerCallback(func(d time.Duration, t clock.Timer) { tc.Add(d) })
		l := New(testLimiterOptions())
		const endpoint = "GET /repos/octo/widgets/actions/runs"

		Convey("Passes an endpoint with no secondary state", func() {
			So(l.WaitEndpoint(ctx, endpoint), ShouldBeNil)
			So(tc.Now(), ShouldResemble, testclock.TestRecentTimeUTC)
		})

		Convey("Schedules growing delays per violation", func() {
			d1, err := l.ObserveSecondary(ctx, endpoint, 0)
			So(err, ShouldBeNil)
			So(d1, ShouldEqual, time.Minute)

			tc.Add(d1)
			d2, err := l.ObserveSecondary(ctx, endpoint, 0)
			So(err, ShouldBeNil)
			So(d2, ShouldEqual, 2*time.Minute)

			tc.Add(d2)
			_, err = l.ObserveSecondary(ctx, endpoint, 0)
			So(errors.Is(err, ErrSecondaryExhausted), ShouldBeTrue)
		})

		Convey("Honors the server's retry-after hint", func() {
			d, err := l.ObserveSecondary(ctx, endpoint, 90*time.Second)
			So(err, ShouldBeNil)
			So(d, ShouldEqual, 90*time.Second)
		})

		Convey("Coalesces violations onto the scheduled delay", func() {
			d1, err := l.ObserveSecondary(ctx, endpoint, 0)
			So(err, ShouldBeNil)

			tc.Add(d1 / 2)
			d2, err := l.ObserveSecondary(ctx, endpoint, 0)
			So(err, ShouldBeNil)
			So(d2, ShouldEqual, d1/2)

			// The coalesced event did not consume the retry budget.
			tc.Add(d2)
			_, err = l.ObserveSecondary(ctx, endpoint, 0)
			So(err, ShouldBeNil)
		})

		Convey("Blocks the endpoint until the scheduled time", func() {
			d, err := l.ObserveSecondary(ctx, endpoint, 0)
			So(err, ShouldBeNil)

			So(l.WaitEndpoint(ctx, endpoint), ShouldBeNil)
			So(tc.Now(), ShouldResemble, testclock.TestRecentTimeUTC.Add(d))

			Convey("And other endpoints are unaffected", func() {
				before := tc.Now()
				So(l.WaitEndpoint(ctx, "GET /other"), ShouldBeNil)
				So(tc.Now(), ShouldResemble, before)
			})
		})

		Convey("Clears state after a success", func() {
			_, err := l.ObserveSecondary(ctx, endpoint, 0)
			So(err, ShouldBeNil)
			_, err = l.ObserveSecondary(ctx, endpoint, 0)
			So(err, ShouldBeNil)
			l.ForgetSecondary(endpoint)

			So(l.WaitEndpoint(ctx, endpoint), ShouldBeNil)
			So(tc.Now(), ShouldResemble, testclock.TestRecentTimeUTC)

			d, err := l.ObserveSecondary(ctx, endpoint, 0)
			So(err, ShouldBeNil)
			So(d, ShouldEqual, time.Minute)
		})
	})
}
