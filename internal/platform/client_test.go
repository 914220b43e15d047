// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"flakeguard/internal/backoff"
	"flakeguard/internal/breaker"
	"flakeguard/internal/ratelimit"
	"flakeguard/internal/requestqueue"
)

// okHeaders writes a healthy primary rate-limit bucket on a response.
func okHeaders(w http.ResponseWriter) {
	w.Header().Set("x-ratelimit-limit", "5000")
	w.Header().Set("x-ratelimit-remaining", "4800")
	w.Header().Set("x-ratelimit-reset", fmt.Sprintf("%d", time.Now().Add(time.Hour).Unix()))
}

type clientFixture struct {
	client  *Client
	limiter *ratelimit.Limiter
	queue   *requestqueue.Queue
	audit   *AuditLog
}

func newClientFixture(ctx context.Context, baseURL string, brOpts breaker.Options) *clientFixture {
	limiter := ratelimit.New(ratelimit.Options{
		ThrottleThresholdPct: 20,
		ReservePct:           1,
		MinReserve:           1,
		MaxThrottleDelay:     time.Second,
		SecondaryBaseDelay:   time.Millisecond,
		SecondaryMultiplier:  2,
		SecondaryMaxDelay:    10 * time.Millisecond,
		SecondaryMaxRetries:  2,
	})
	breakers := breaker.NewSet(brOpts)
	queue := requestqueue.New(requestqueue.Options{
		MaxSize:         16,
		Workers:         2,
		DefaultTimeout:  5 * time.Second,
		ShutdownTimeout: time.Second,
	})
	queue.Start(ctx)
	audit := NewAuditLog(32)
	client := New(Options{
		BaseURL:        baseURL,
		Token:          "test-token",
		UserAgent:      "flakeguard-test",
		RequestTimeout: 5 * time.Second,
		Retry: backoff.Policy{
			Attempts:   3,
			Base:       time.Millisecond,
			Multiplier: 2,
			MaxDelay:   10 * time.Millisecond,
		},
	}, limiter, breakers, queue, audit)
	return &clientFixture{client: client, limiter: limiter, queue: queue, audit: audit}
}

func relaxedBreaker() breaker.Options {
	return breaker.Options{
		FailureThreshold: 100,
		RollingWindow:    time.Minute,
		OpenDuration:     time.Minute,
		HalfOpenProbes:   1,
	}
}

func (f *clientFixture) securityEvents() []string {
	var events []string
	for _, e := range f.audit.Recent() {
		if e.Event != "" {
			events = append(events, e.Event)
		}
	}
	return events
}

func TestClientRequests(t *testing.T) {
	t.Parallel()

	Convey("Client", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		Reset(cancel)

		Convey("Sends credentials and decodes an artifact list", func() {
			var gotAuth, gotAccept, gotUA string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				gotAccept = r.Header.Get("Accept")
				gotUA = r.Header.Get("User-Agent")
				okHeaders(w)
				fmt.Fprint(w, `{"total_count":2,"artifacts":[
					{"id":11,"name":"test-results","size_in_bytes":100,"expired":false},
					{"id":12,"name":"coverage","size_in_bytes":200,"expired":true}]}`)
			}))
			Reset(srv.Close)
			f := newClientFixture(ctx, srv.URL, relaxedBreaker())
			Reset(func() { f.queue.Shutdown(ctx) })

			arts, err := f.client.ListArtifacts(ctx, "octo", "widgets", 42)
			So(err, ShouldBeNil)
			So(len(arts), ShouldEqual, 2)
			So(arts[0].ID, ShouldEqual, 11)
			So(arts[0].Name, ShouldEqual, "test-results")
			So(arts[1].Expired, ShouldBeTrue)
			So(gotAuth, ShouldEqual, "Bearer test-token")
			So(gotAccept, ShouldEqual, "application/vnd.github+json")
			So(gotUA, ShouldEqual, "flakeguard-test")

			Convey("And records the request in the audit log", func() {
				entries := f.audit.Recent()
				So(len(entries), ShouldEqual, 1)
				So(entries[0].Status, ShouldEqual, http.StatusOK)
				So(entries[0].CorrelationID, ShouldNotBeEmpty)
			})
		})

		Convey("Consumes rate-limit headers from responses", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("x-ratelimit-limit", "5000")
				w.Header().Set("x-ratelimit-remaining", "0")
				w.Header().Set("x-ratelimit-reset", fmt.Sprintf("%d", time.Now().Add(time.Hour).Unix()))
				fmt.Fprint(w, `{"total_count":0,"artifacts":[]}`)
			}))
			Reset(srv.Close)
			f := newClientFixture(ctx, srv.URL, relaxedBreaker())
			Reset(func() { f.queue.Shutdown(ctx) })

			So(f.limiter.Limited(ctx, ratelimit.ResourceCore), ShouldBeFalse)
			_, err := f.client.ListArtifacts(ctx, "octo", "widgets", 42)
			So(err, ShouldBeNil)
			So(f.limiter.Limited(ctx, ratelimit.ResourceCore), ShouldBeTrue)
		})

		Convey("Captures the signed redirect of an artifact archive", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				okHeaders(w)
				w.Header().Set("Location", "https://signed.example.com/archive.zip?sig=abc")
				w.WriteHeader(http.StatusFound)
			}))
			Reset(srv.Close)
			f := newClientFixture(ctx, srv.URL, relaxedBreaker())
			Reset(func() { f.queue.Shutdown(ctx) })

			loc, err := f.client.ArtifactDownloadURL(ctx, "octo", "widgets", 11)
			So(err, ShouldBeNil)
			So(loc, ShouldEqual, "https://signed.example.com/archive.zip?sig=abc")
		})

		Convey("Reports a missing redirect as an error", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				okHeaders(w)
				fmt.Fprint(w, "{}")
			}))
			Reset(srv.Close)
			f := newClientFixture(ctx, srv.URL, relaxedBreaker())
			Reset(func() { f.queue.Shutdown(ctx) })

			_, err := f.client.ArtifactDownloadURL(ctx, "octo", "widgets", 11)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "did not redirect")
		})

		Convey("Retries transient server errors", func() {
			var calls int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				okHeaders(w)
				if atomic.AddInt64(&calls, 1) < 3 {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				fmt.Fprint(w, `{"total_count":0,"jobs":[]}`)
			}))
			Reset(srv.Close)
			f := newClientFixture(ctx, srv.URL, relaxedBreaker())
			Reset(func() { f.queue.Shutdown(ctx) })

			jobs, err := f.client.ListJobs(ctx, "octo", "widgets", 42)
			So(err, ShouldBeNil)
			So(jobs, ShouldBeEmpty)
			So(atomic.LoadInt64(&calls), ShouldEqual, 3)
		})

		Convey("Does not retry authentication failures", func() {
			var calls int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt64(&calls, 1)
				okHeaders(w)
				w.WriteHeader(http.StatusUnauthorized)
			}))
			Reset(srv.Close)
			f := newClientFixture(ctx, srv.URL, relaxedBreaker())
			Reset(func() { f.queue.Shutdown(ctx) })

			_, err := f.client.ListArtifacts(ctx, "octo", "widgets", 42)
			So(err, ShouldNotBeNil)
			So(AuthFailedTag.In(err), ShouldBeTrue)
			So(atomic.LoadInt64(&calls), ShouldEqual, 1)
			So(f.securityEvents(), ShouldContain, "auth-failed")
		})

		Convey("Does not retry a plain forbidden response", func() {
			var calls int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt64(&calls, 1)
				w.Header().Set("x-ratelimit-remaining", "5")
				w.WriteHeader(http.StatusForbidden)
			}))
			Reset(srv.Close)
			f := newClientFixture(ctx, srv.URL, relaxedBreaker())
			Reset(func() { f.queue.Shutdown(ctx) })

			_, err := f.client.ListArtifacts(ctx, "octo", "widgets", 42)
			So(err, ShouldNotBeNil)
			So(PermissionDeniedTag.In(err), ShouldBeTrue)
			So(atomic.LoadInt64(&calls), ShouldEqual, 1)
		})

		Convey("Maps 404 to the not-found tag", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				okHeaders(w)
				w.WriteHeader(http.StatusNotFound)
			}))
			Reset(srv.Close)
			f := newClientFixture(ctx, srv.URL, relaxedBreaker())
			Reset(func() { f.queue.Shutdown(ctx) })

			_, err := f.client.ListJobs(ctx, "octo", "widgets", 42)
			So(err, ShouldNotBeNil)
			So(NotFoundTag.In(err), ShouldBeTrue)
		})

		Convey("Gives up once the secondary rate-limit budget is spent", func() {
			var calls int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt64(&calls, 1)
				w.Header().Set("retry-after", "0")
				w.WriteHeader(http.StatusTooManyRequests)
			}))
			Reset(srv.Close)
			f := newClientFixture(ctx, srv.URL, relaxedBreaker())
			Reset(func() { f.queue.Shutdown(ctx) })

			_, err := f.client.ListArtifacts(ctx, "octo", "widgets", 42)
			So(err, ShouldNotBeNil)
			So(RateLimitedTag.In(err), ShouldBeTrue)
			// Two scheduled secondary delays, then the budget is spent.
			So(atomic.LoadInt64(&calls), ShouldEqual, 3)
		})

		Convey("Rejects path traversal before dispatch", func() {
			var calls int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt64(&calls, 1)
			}))
			Reset(srv.Close)
			f := newClientFixture(ctx, srv.URL, relaxedBreaker())
			Reset(func() { f.queue.Shutdown(ctx) })

			_, err := f.client.ListArtifacts(ctx, "..", "widgets", 42)
			So(err, ShouldNotBeNil)
			So(PermissionDeniedTag.In(err), ShouldBeTrue)
			So(atomic.LoadInt64(&calls), ShouldEqual, 0)
			So(f.securityEvents(), ShouldContain, "path-rejected")
		})

		Convey("Fails fast while the upstream circuit is open", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				okHeaders(w)
				w.WriteHeader(http.StatusInternalServerError)
			}))
			Reset(srv.Close)
			f := newClientFixture(ctx, srv.URL, breaker.Options{
				FailureThreshold: 2,
				RollingWindow:    time.Minute,
				OpenDuration:     time.Minute,
				HalfOpenProbes:   1,
			})
			Reset(func() { f.queue.Shutdown(ctx) })

			_, err := f.client.ListJobs(ctx, "octo", "widgets", 1)
			So(err, ShouldNotBeNil)
			_, err = f.client.ListJobs(ctx, "octo", "widgets", 2)
			So(err, ShouldNotBeNil)

			_, err = f.client.ListJobs(ctx, "octo", "widgets", 3)
			So(err, ShouldNotBeNil)
			So(breaker.IsCircuitOpen(err), ShouldBeTrue)
		})

		Convey("Decodes a completed workflow run listing", func() {
			var gotQuery string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotQuery = r.URL.RawQuery
				okHeaders(w)
				fmt.Fprint(w, `{"total_count":1,"workflow_runs":[
					{"id":99,"run_number":7,"status":"completed","conclusion":"failure","head_branch":"main","head_sha":"abc123"}]}`)
			}))
			Reset(srv.Close)
			f := newClientFixture(ctx, srv.URL, relaxedBreaker())
			Reset(func() { f.queue.Shutdown(ctx) })

			runs, err := f.client.ListWorkflowRuns(ctx, "octo", "widgets", 0)
			So(err, ShouldBeNil)
			So(len(runs), ShouldEqual, 1)
			So(runs[0].ID, ShouldEqual, 99)
			So(runs[0].Conclusion, ShouldEqual, "failure")
			So(gotQuery, ShouldContainSubstring, "status=completed")
		})
	})
}
