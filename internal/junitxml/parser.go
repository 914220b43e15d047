// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package junitxml is a single-pass, memory-bounded parser for
// JUnit-style XML test reports. It understands the dialects of several
// producers (Surefire, Gradle, Jest, pytest, PHPUnit) through a table
// of per-format element handlers that delegate to the Surefire
// reference behaviour unless overridden.
package junitxml

import (
	"bufio"
	"context"
	"encoding/xml"
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
)

// Error tags for parse failures. None of these are retryable.
var (
	ParseFailedTag   = errors.BoolTag{Key: errors.NewTagKey("the report is not well-formed XML")}
	InputTooLargeTag = errors.BoolTag{Key: errors.NewTagKey("the report exceeds the size cap")}
)

var parseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "flakeguard_parse_seconds",
	Help:    "JUnit report parse latency.",
	Buckets: prometheus.DefBuckets,
})

// Options bound a parse.
type Options struct {
	MaxFileSizeBytes int64
	MaxElementDepth  int
}

// Parse reads one XML report from r. filename is an optional hint for
// format detection; explicit, when non-empty, skips detection.
func Parse(ctx context.Context, r io.Reader, filename string, explicit Format, opts Options) (*Result, error) {
	start := clock.Now(ctx)

	br := bufio.NewReaderSize(r, detectWindow)
	head, err := br.Peek(detectWindow)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, errors.Annotate(err, "read report head").Tag(ParseFailedTag).Err()
	}

	format := explicit
	confidence := 1.0
	if format == "" {
		format, confidence = DetectFormat(filename, head)
	}
	table, ok := formatHandlers[format]
	if !ok {
		table = formatHandlers[FormatGeneric]
	}

	counting := &countingReader{r: br, limit: opts.MaxFileSizeBytes}
	dec := xml.NewDecoder(counting)

	st := &state{
		root:   &Suites{},
		format: format,
	}
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	peakHeap := memStats.HeapAlloc

	depth := 0
	var elements int64
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			if counting.exceeded {
				return nil, errors.Reason("report exceeds cap of %s",
					humanize.IBytes(uint64(opts.MaxFileSizeBytes))).Tag(InputTooLargeTag).Err()
			}
			return nil, errors.Annotate(err, "parse XML").Tag(ParseFailedTag).Err()
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth > opts.MaxElementDepth {
				return nil, errors.Reason("element depth exceeds %d", opts.MaxElementDepth).Tag(ParseFailedTag).Err()
			}
			elements++
			table.openTag(st, t)
		case xml.CharData:
			if st.capture != nil {
				st.capture.Write(t)
			}
		case xml.EndElement:
			depth--
			table.closeTag(st, t.Name)
		}
		if elements%4096 == 0 {
			runtime.ReadMemStats(&memStats)
			if memStats.HeapAlloc > peakHeap {
				peakHeap = memStats.HeapAlloc
			}
		}
	}
	st.finish()

	runtime.ReadMemStats(&memStats)
	if memStats.HeapAlloc > peakHeap {
		peakHeap = memStats.HeapAlloc
	}

	if err := st.root.Validate(); err != nil {
		return nil, err
	}

	elapsed := clock.Now(ctx).Sub(start)
	parseLatency.Observe(elapsed.Seconds())
	return &Result{
		Suites:            st.root,
		Format:            format,
		FormatConfidence:  confidence,
		Warnings:          st.warnings,
		BytesParsed:       counting.read,
		ElementsProcessed: elements,
		Duration:          elapsed,
		MemoryPeakMB:      float64(peakHeap) / (1 << 20),
	}, nil
}

// countingReader tracks bytes consumed and stops at the size cap.
type countingReader struct {
	r        io.Reader
	read     int64
	limit    int64
	exceeded bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	if c.limit > 0 && c.read >= c.limit {
		c.exceeded = true
		return 0, errors.New("size cap reached")
	}
	if c.limit > 0 && int64(len(p)) > c.limit-c.read {
		p = p[:c.limit-c.read]
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	return n, err
}

// state is the per-call parse state; nothing is shared between
// concurrent parses.
type state struct {
	root   *Suites
	format Format

	// suiteStack handles nested suites (PHPUnit). A suite that only
	// contains child suites is a container and is not attached.
	suiteStack []*Suite
	childCount []int
	current    *Case

	capture     *strings.Builder
	captureName string

	warnings []string
}

func (st *state) warnf(format string, args ...interface{}) {
	st.warnings = append(st.warnings, errors.Reason(format, args...).Err().Error())
}

func (st *state) topSuite() *Suite {
	if len(st.suiteStack) == 0 {
		return nil
	}
	return st.suiteStack[len(st.suiteStack)-1]
}

// ensureSuite returns the current suite, synthesizing one for reports
// with bare testcase elements.
func (st *state) ensureSuite() *Suite {
	if s := st.topSuite(); s != nil {
		return s
	}
	st.warnf("test case outside any testsuite; synthesizing a default suite")
	s := &Suite{Name: "default", Properties: map[string]string{}}
	st.suiteStack = append(st.suiteStack, s)
	st.childCount = append(st.childCount, 0)
	return s
}

func (st *state) startCapture(name string) {
	st.capture = &strings.Builder{}
	st.captureName = name
}

func (st *state) finish() {
	// Unterminated suites still count; attach whatever is open.
	for len(st.suiteStack) > 0 {
		defaultClose(st, xml.Name{Local: "testsuite"})
	}
	st.root.reconcile()
}

// handlers is the per-format element dispatch pair.
type handlers struct {
	openTag  func(st *state, el xml.StartElement)
	closeTag func(st *state, name xml.Name)
}

// formatHandlers maps each format to its handlers. Every format reuses
// the Surefire reference behaviour except where it overrides.
var formatHandlers = map[Format]handlers{
	FormatSurefire: {openTag: defaultOpen, closeTag: defaultClose},
	FormatGradle:   {openTag: defaultOpen, closeTag: defaultClose},
	FormatJest:     {openTag: jestOpen, closeTag: defaultClose},
	FormatPytest:   {openTag: defaultOpen, closeTag: defaultClose},
	FormatPHPUnit:  {openTag: defaultOpen, closeTag: defaultClose},
	FormatGeneric:  {openTag: defaultOpen, closeTag: defaultClose},
}

// defaultOpen is the Surefire reference open-tag behaviour.
func defaultOpen(st *state, el xml.StartElement) {
	switch el.Name.Local {
	case "testsuites":
		st.root.Name = attr(el, "name")
		st.root.Tests = attrInt(el, "tests")
		st.root.Failures = attrInt(el, "failures")
		st.root.Errors = attrInt(el, "errors")
		st.root.Skipped = attrInt(el, "skipped")
		st.root.Time = attrFloat(el, "time")
		st.root.Timestamp = attr(el, "timestamp")

	case "testsuite":
		if len(st.suiteStack) > 0 {
			st.childCount[len(st.childCount)-1]++
		}
		st.suiteStack = append(st.suiteStack, &Suite{
			Name:       attr(el, "name"),
			Tests:      attrInt(el, "tests"),
			Failures:   attrInt(el, "failures"),
			Errors:     attrInt(el, "errors"),
			Skipped:    attrInt(el, "skipped"),
			Time:       attrFloat(el, "time"),
			Timestamp:  attr(el, "timestamp"),
			Hostname:   attr(el, "hostname"),
			Properties: map[string]string{},
		})
		st.childCount = append(st.childCount, 0)

	case "testcase":
		st.ensureSuite()
		st.current = &Case{
			Name:      attr(el, "name"),
			ClassName: attr(el, "classname"),
			File:      attr(el, "file"),
			Time:      attrFloat(el, "time"),
			Status:    CasePassed,
		}

	case "failure", "error":
		if st.current == nil {
			st.warnf("%s element outside a testcase", el.Name.Local)
			return
		}
		st.current.Failure = &Detail{
			Type:    attr(el, "type"),
			Message: attr(el, "message"),
		}
		if el.Name.Local == "error" {
			st.current.Status = CaseError
		} else {
			st.current.Status = CaseFailed
		}
		st.startCapture(el.Name.Local)

	case "skipped":
		if st.current == nil {
			return
		}
		st.current.Status = CaseSkipped
		st.current.Skipped = &Detail{Message: attr(el, "message")}
		st.startCapture("skipped")

	case "system-out", "system-err":
		st.startCapture(el.Name.Local)

	case "property":
		if s := st.topSuite(); s != nil {
			if name := attr(el, "name"); name != "" {
				s.Properties[name] = attr(el, "value")
			}
		}
	}
}

// defaultClose is the Surefire reference close-tag behaviour.
func defaultClose(st *state, name xml.Name) {
	switch name.Local {
	case "testsuite":
		if len(st.suiteStack) == 0 {
			return
		}
		s := st.suiteStack[len(st.suiteStack)-1]
		children := st.childCount[len(st.childCount)-1]
		st.suiteStack = st.suiteStack[:len(st.suiteStack)-1]
		st.childCount = st.childCount[:len(st.childCount)-1]
		s.reconcile()
		// Pure container suites (PHPUnit nesting) are dropped; their
		// children are already attached.
		if children > 0 && len(s.Cases) == 0 {
			return
		}
		st.root.Suites = append(st.root.Suites, s)

	case "testcase":
		if st.current == nil {
			return
		}
		s := st.ensureSuite()
		s.Cases = append(s.Cases, st.current)
		st.current = nil

	case "failure", "error":
		if st.capture != nil && st.current != nil && st.current.Failure != nil {
			st.current.Failure.Body = strings.TrimSpace(st.capture.String())
		}
		st.capture = nil

	case "skipped":
		if st.capture != nil && st.current != nil && st.current.Skipped != nil {
			st.current.Skipped.Body = strings.TrimSpace(st.capture.String())
		}
		st.capture = nil

	case "system-out", "system-err":
		if st.capture == nil {
			return
		}
		text := st.capture.String()
		st.capture = nil
		if name.Local == "system-out" {
			if st.current != nil {
				st.current.SystemOut = text
			} else if s := st.topSuite(); s != nil {
				s.SystemOut = text
			}
		} else {
			if st.current != nil {
				st.current.SystemErr = text
			} else if s := st.topSuite(); s != nil {
				s.SystemErr = text
			}
		}
	}
}

// jestOpen delegates to the reference behaviour, then fills the class
// name from the suite, which Jest reports leave empty.
func jestOpen(st *state, el xml.StartElement) {
	defaultOpen(st, el)
	if el.Name.Local == "testcase" && st.current != nil && st.current.ClassName == "" {
		if s := st.topSuite(); s != nil {
			st.current.ClassName = s.Name
		}
	}
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func attrInt(el xml.StartElement, name string) int {
	v := attr(el, name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		// Some producers write float counts ("3.0").
		if f, ferr := strconv.ParseFloat(v, 64); ferr == nil {
			return int(f)
		}
		return 0
	}
	return n
}

func attrFloat(el xml.StartElement, name string) float64 {
	f, err := strconv.ParseFloat(attr(el, name), 64)
	if err != nil {
		return 0
	}
	return f
}
