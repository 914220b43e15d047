// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package junitxml

import (
	"time"

	"go.chromium.org/luci/common/errors"
)

// ValidationFailedTag marks parsed trees that violate the count
// invariants.
var ValidationFailedTag = errors.BoolTag{Key: errors.NewTagKey("the parsed report violates count invariants")}

// CaseStatus is the outcome of one parsed test case.
type CaseStatus string

const (
	CasePassed  CaseStatus = "passed"
	CaseFailed  CaseStatus = "failed"
	CaseError   CaseStatus = "error"
	CaseSkipped CaseStatus = "skipped"
)

// Detail is the payload of a failure, error or skip element.
type Detail struct {
	Type    string
	Message string
	// Body is the accumulated element text, usually a stack trace.
	Body string
}

// Case is one parsed test case.
type Case struct {
	Name      string
	ClassName string
	File      string
	Time      float64
	Status    CaseStatus
	Failure   *Detail
	Skipped   *Detail
	SystemOut string
	SystemErr string
}

// Suite is one parsed test suite.
type Suite struct {
	Name       string
	Tests      int
	Failures   int
	Errors     int
	Skipped    int
	Time       float64
	Timestamp  string
	Hostname   string
	Properties map[string]string
	Cases      []*Case
	SystemOut  string
	SystemErr  string
}

// Suites is the root of a parsed report.
type Suites struct {
	Name      string
	Tests     int
	Failures  int
	Errors    int
	Skipped   int
	Time      float64
	Timestamp string
	Suites    []*Suite
}

// Result is the output of one parse.
type Result struct {
	Suites            *Suites
	Format            Format
	FormatConfidence  float64
	Warnings          []string
	BytesParsed       int64
	ElementsProcessed int64
	Duration          time.Duration
	MemoryPeakMB      float64
}

// Validate checks the count invariants of a parsed tree: all counts
// non-negative and failures+errors+skipped <= tests at the root.
func (s *Suites) Validate() error {
	if s.Tests < 0 || s.Failures < 0 || s.Errors < 0 || s.Skipped < 0 {
		return errors.Reason("negative aggregate count").Tag(ValidationFailedTag).Err()
	}
	for _, suite := range s.Suites {
		if suite.Tests < 0 || suite.Failures < 0 || suite.Errors < 0 || suite.Skipped < 0 {
			return errors.Reason("suite %q: negative count", suite.Name).Tag(ValidationFailedTag).Err()
		}
	}
	if s.Failures+s.Errors+s.Skipped > s.Tests {
		return errors.Reason("failures+errors+skipped (%d) exceed tests (%d)",
			s.Failures+s.Errors+s.Skipped, s.Tests).Tag(ValidationFailedTag).Err()
	}
	return nil
}

// reconcile sets the root aggregates to max(declared, sum of suites).
func (s *Suites) reconcile() {
	var tests, failures, errs, skipped int
	var elapsed float64
	for _, suite := range s.Suites {
		tests += suite.Tests
		failures += suite.Failures
		errs += suite.Errors
		skipped += suite.Skipped
		elapsed += suite.Time
	}
	s.Tests = maxInt(s.Tests, tests)
	s.Failures = maxInt(s.Failures, failures)
	s.Errors = maxInt(s.Errors, errs)
	s.Skipped = maxInt(s.Skipped, skipped)
	if elapsed > s.Time {
		s.Time = elapsed
	}
}

// reconcile sets the suite counts to max(declared, computed from its
// cases).
func (s *Suite) reconcile() {
	var failures, errs, skipped int
	for _, c := range s.Cases {
		switch c.Status {
		case CaseFailed:
			failures++
		case CaseError:
			errs++
		case CaseSkipped:
			skipped++
		}
	}
	s.Tests = maxInt(s.Tests, len(s.Cases))
	s.Failures = maxInt(s.Failures, failures)
	s.Errors = maxInt(s.Errors, errs)
	s.Skipped = maxInt(s.Skipped, skipped)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
