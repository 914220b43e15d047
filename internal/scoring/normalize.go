// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scoring

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Normalization strips the volatile parts out of failure messages so
// that occurrences of the same underlying failure hash identically.
// The rules are ordered so that applying them twice changes nothing.
var (
	timestampRE = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[Tt ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	uuidRE      = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	stackLineRE = regexp.MustCompile(`(?m)^\s*at .+\(.*:\d+(?::\d+)?\)\s*$`)
	fileLineRE  = regexp.MustCompile(`(?:[A-Za-z]:)?[\\/][\w.\\/-]+:\d+(?::\d+)?`)
	pidRE       = regexp.MustCompile(`\bPID:?\s*\d+`)
	expectedRE  = regexp.MustCompile(`expected:\s*[^,\n]+,\s*actual:\s*[^\n]+`)
	numUnitRE   = regexp.MustCompile(`\b\d+(?:\.\d+)?\s*(ms|s|sec|secs|seconds|b|bytes|kb|kib|mb|mib|gb|gib)\b`)
	// Runs after numUnitRE so "timeout after 5000ms" and "timeout 3000ms"
	// land on the same "timeout [NUM] ms" shape.
	timeoutNumRE = regexp.MustCompile(`(?i)\b(timeout)\s+(?:after\s+)?\[NUM\]`)
	hexRunRE    = regexp.MustCompile(`\b(?:0[xX])?[0-9a-fA-F]{8,}\b`)
	digitsRE    = regexp.MustCompile(`^\d+$`)
)

// NormalizeMessage rewrites the volatile fragments of a failure
// message into stable placeholders. It is idempotent.
func NormalizeMessage(msg string) string {
	out := timestampRE.ReplaceAllString(msg, "[TIMESTAMP]")
	out = uuidRE.ReplaceAllString(out, "[UUID]")
	out = stackLineRE.ReplaceAllString(out, "[STACK]")
	out = fileLineRE.ReplaceAllString(out, "[FILE:LINE]")
	out = pidRE.ReplaceAllString(out, "PID [PID]")
	out = expectedRE.ReplaceAllString(out, "expected: [VALUE], actual: [VALUE]")
	out = numUnitRE.ReplaceAllString(out, "[NUM] $1")
	out = timeoutNumRE.ReplaceAllString(out, "$1 [NUM]")
	out = hexRunRE.ReplaceAllStringFunc(out, func(m string) string {
		// Long all-digit runs are not hexadecimal evidence.
		if digitsRE.MatchString(m) {
			return m
		}
		return "[HEX]"
	})
	return strings.TrimSpace(out)
}

// NormalizeStack normalizes a stack trace line by line and collapses
// runs of identical frames.
func NormalizeStack(stack string) string {
	lines := strings.Split(NormalizeMessage(stack), "\n")
	out := lines[:0]
	var prev string
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == prev && line == "[STACK]" {
			continue
		}
		out = append(out, line)
		prev = line
	}
	return strings.Join(out, "\n")
}

// Digest returns the hex SHA-256 of a normalized string, or "" for
// empty input.
func Digest(normalized string) string {
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
