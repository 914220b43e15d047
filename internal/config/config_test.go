// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(tmp, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	Convey("Load", t, func() {
		ctx := context.Background()

		Convey("Returns the defaults without a file", func() {
			cfg, err := Load(ctx, "")
			So(err, ShouldBeNil)
			So(cfg.Queue.Concurrency, ShouldEqual, 3)
			So(cfg.Scorer.WarnThreshold, ShouldEqual, 0.3)
			So(cfg.Scorer.QuarantineThreshold, ShouldEqual, 0.6)
			So(cfg.Ingestion.PollInterval, ShouldEqual, 5*time.Minute)
		})

		Convey("Lays file overrides over the defaults", func() {
			path := write("override.json", `{
				"queue": {"concurrency": 8},
				"scorer": {"warnThreshold": 0.4, "quarantineThreshold": 0.7}
			}`)
			cfg, err := Load(ctx, path)
			So(err, ShouldBeNil)
			So(cfg.Queue.Concurrency, ShouldEqual, 8)
			So(cfg.Scorer.WarnThreshold, ShouldEqual, 0.4)
			So(cfg.Scorer.QuarantineThreshold, ShouldEqual, 0.7)
			// Untouched sections keep their defaults.
			So(cfg.Queue.Attempts, ShouldEqual, 3)
			So(cfg.Parser.MaxElementDepth, ShouldEqual, 100)
		})

		Convey("Fails on a missing file", func() {
			_, err := Load(ctx, filepath.Join(tmp, "does-not-exist.json"))
			So(err, ShouldNotBeNil)
		})

		Convey("Fails on malformed JSON", func() {
			path := write("broken.json", `{"queue": {`)
			_, err := Load(ctx, path)
			So(err, ShouldNotBeNil)
		})

		Convey("Validation", func() {
			Convey("Rejects a non-positive concurrency", func() {
				path := write("badqueue.json", `{"queue": {"concurrency": -1}}`)
				_, err := Load(ctx, path)
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "concurrency")
			})

			Convey("Rejects a quarantine threshold below the warn threshold", func() {
				path := write("badscorer.json", `{"scorer": {"warnThreshold": 0.8, "quarantineThreshold": 0.5}}`)
				_, err := Load(ctx, path)
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "quarantineThreshold")
			})

			Convey("Rejects an out-of-range throttle threshold", func() {
				path := write("badrate.json", `{"rateLimiter": {"throttleThresholdPct": 150}}`)
				_, err := Load(ctx, path)
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "throttleThresholdPct")
			})
		})
	})
}
