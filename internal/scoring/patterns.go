// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scoring

import (
	"sort"
	"strings"

	"flakeguard/internal/storage"
)

// PatternMatch is one detected failure pattern with the share of
// failure messages that matched it.
type PatternMatch struct {
	Pattern    string  `json:"pattern"`
	Confidence float64 `json:"confidence"`
	Matches    int     `json:"matches"`
}

// minPatternConfidence is the reporting floor; weaker matches are noise.
const minPatternConfidence = 0.5

type patternDef struct {
	name     string
	keywords []string
}

// Keyword groups checked against lowercased failure messages. A message
// matches a pattern if it contains any of the pattern's keywords.
var patternDefs = []patternDef{
	{"timeout", []string{"timeout", "timed out", "deadline exceeded", "context deadline"}},
	{"resource_contention", []string{"resource temporarily unavailable", "too many open files", "cannot allocate", "lock wait", "deadlock"}},
	{"external_dependency", []string{"dns", "no such host", "service unavailable", "502", "503", "upstream"}},
	{"race_condition", []string{"race", "concurrent", "already closed", "use after", "data race"}},
	{"environment", []string{"permission denied", "no space left", "read-only file system", "env", "not installed"}},
	{"assertion", []string{"assert", "expected", "should be", "mismatch"}},
	{"connection", []string{"connection refused", "connection reset", "broken pipe", "eof", "socket"}},
	{"memory", []string{"out of memory", "oom", "cannot allocate memory", "heap", "stack overflow"}},
	{"flaky_dependency", []string{"retry", "transient", "intermittent", "flaky"}},
}

// DetectPatterns classifies failure messages into known failure
// patterns and returns the patterns whose confidence clears the
// reporting floor, strongest first.
func DetectPatterns(occurrences []*storage.Occurrence) []PatternMatch {
	var failures []string
	for _, occ := range occurrences {
		if occ.Status.Failing() && occ.FailureMessage != "" {
			failures = append(failures, strings.ToLower(occ.FailureMessage))
		}
	}
	if len(failures) == 0 {
		return nil
	}

	var out []PatternMatch
	for _, def := range patternDefs {
		matches := 0
		for _, msg := range failures {
			for _, kw := range def.keywords {
				if strings.Contains(msg, kw) {
					matches++
					break
				}
			}
		}
		conf := float64(matches) / float64(len(failures))
		if conf > minPatternConfidence {
			out = append(out, PatternMatch{Pattern: def.name, Confidence: conf, Matches: matches})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out
}
