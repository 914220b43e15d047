// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package junitxml

import (
	"bytes"
	"strings"
)

// Format identifies the producer of a JUnit-style report.
type Format string

const (
	FormatSurefire Format = "surefire"
	FormatGradle   Format = "gradle"
	FormatJest     Format = "jest"
	FormatPytest   Format = "pytest"
	FormatPHPUnit  Format = "phpunit"
	FormatGeneric  Format = "generic"
)

// detectWindow is how much of the document the content heuristic
// examines.
const detectWindow = 4096

// filenameHints maps substrings of the report filename to formats.
var filenameHints = []struct {
	substr string
	format Format
}{
	{"surefire", FormatSurefire},
	{"gradle", FormatGradle},
	{"jest", FormatJest},
	{"pytest", FormatPytest},
	{"phpunit", FormatPHPUnit},
}

// contentKeywords scores document prefixes per format. Weights stay
// within [0.2, 0.25] so that a single strong keyword is not decisive
// on its own.
var contentKeywords = map[Format][]struct {
	keyword string
	weight  float64
}{
	FormatSurefire: {
		{"surefire", 0.25},
		{"org.apache.maven", 0.22},
		{"maven.home", 0.2},
	},
	FormatGradle: {
		{"gradle", 0.25},
		{"org.gradle", 0.22},
		{`hostname="`, 0.2},
	},
	FormatJest: {
		{"jest", 0.25},
		{".test.js", 0.22},
		{".test.ts", 0.22},
	},
	FormatPytest: {
		{"pytest", 0.25},
		{".py", 0.2},
		{"pytest.skip", 0.22},
	},
	FormatPHPUnit: {
		{"phpunit", 0.25},
		{".php", 0.2},
		{"PHPUnit\\", 0.22},
	},
}

// minContentScore is the score a format must exceed for the content
// heuristic to pick it.
const minContentScore = 0.3

// DetectFormat guesses the report format from the filename hint and
// the first bytes of the document, returning the format and a
// confidence in [0, 1].
func DetectFormat(filename string, head []byte) (Format, float64) {
	lower := strings.ToLower(filename)
	for _, hint := range filenameHints {
		if strings.Contains(lower, hint.substr) {
			return hint.format, 0.8
		}
	}
	return detectFromContent(head)
}

func detectFromContent(head []byte) (Format, float64) {
	if len(head) > detectWindow {
		head = head[:detectWindow]
	}
	// Reading past the first closing testsuite adds nothing.
	if i := bytes.Index(head, []byte("</testsuite>")); i >= 0 {
		head = head[:i]
	}
	text := string(head)
	lower := strings.ToLower(text)

	best := FormatGeneric
	bestScore := 0.0
	// Fixed evaluation order keeps detection deterministic on ties.
	for _, format := range []Format{FormatSurefire, FormatGradle, FormatJest, FormatPytest, FormatPHPUnit} {
		score := 0.0
		for _, kw := range contentKeywords[format] {
			needle := kw.keyword
			haystack := text
			// Keywords with no upper-case letters match case-insensitively.
			if needle == strings.ToLower(needle) {
				haystack = lower
			}
			if strings.Contains(haystack, needle) {
				score += kw.weight
			}
		}
		if score > bestScore {
			best = format
			bestScore = score
		}
	}
	if bestScore > minContentScore {
		confidence := 0.5 + bestScore
		if confidence > 0.9 {
			confidence = 0.9
		}
		return best, confidence
	}
	return FormatGeneric, 0.1
}
