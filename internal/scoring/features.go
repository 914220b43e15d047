// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scoring

import (
	"sort"
	"time"

	"flakeguard/internal/storage"
)

// Window sorts occurrences chronologically (stable, by CreatedAt then
// ID) and keeps the most recent size entries. It never mutates its
// input.
func Window(occurrences []*storage.Occurrence, size int) []*storage.Occurrence {
	out := append([]*storage.Occurrence(nil), occurrences...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if size > 0 && len(out) > size {
		out = out[len(out)-size:]
	}
	return out
}

// ExtractFeatures computes the feature vector of a chronologically
// ordered occurrence window. It is a pure function of its input.
func ExtractFeatures(window []*storage.Occurrence) storage.FeatureVector {
	fv := storage.FeatureVector{TotalRuns: len(window)}
	if len(window) == 0 {
		return fv
	}

	var passed, failed int
	var failureTimes []time.Time
	digests := map[string]struct{}{}
	var failureMessages int

	// Outcomes with skips removed, for intermittency and streaks.
	effective := make([]bool, 0, len(window)) // true = pass
	for _, occ := range window {
		switch {
		case occ.Status == storage.StatusPassed:
			passed++
			effective = append(effective, true)
		case occ.Status.Failing():
			failed++
			effective = append(effective, false)
			failureTimes = append(failureTimes, occ.CreatedAt)
			if occ.MessageDigest != "" {
				digests[occ.MessageDigest] = struct{}{}
				failureMessages++
			}
		}
	}

	if passed+failed > 0 {
		fv.FailSuccessRatio = float64(failed) / float64(passed+failed)
	}

	// Transitions between pass and fail over the effective sequence.
	if len(effective) > 1 {
		transitions := 0
		for i := 1; i < len(effective); i++ {
			if effective[i] != effective[i-1] {
				transitions++
			}
		}
		fv.IntermittencyScore = float64(transitions) / float64(len(effective)-1)
	}

	// Streaks of non-passing outcomes.
	streak, maxStreak := 0, 0
	for _, pass := range effective {
		if pass {
			streak = 0
			continue
		}
		streak++
		if streak > maxStreak {
			maxStreak = streak
		}
	}
	fv.ConsecutiveFailures = streak
	fv.MaxConsecutiveFailures = maxStreak

	fv.RerunPassRate = rerunPassRate(window)

	if failureMessages > 1 {
		fv.MessageSignatureVariance = float64(len(digests)) / float64(failureMessages)
	}

	first := window[0].CreatedAt
	last := window[len(window)-1].CreatedAt
	fv.DaysSinceFirstSeen = last.Sub(first).Hours() / 24

	if len(failureTimes) > 1 {
		var total time.Duration
		for i := 1; i < len(failureTimes); i++ {
			total += failureTimes[i].Sub(failureTimes[i-1])
		}
		fv.AvgTimeBetweenFailures = (total / time.Duration(len(failureTimes)-1)).Hours()
	}
	return fv
}

// rerunPassRate is, among workflow runs whose initial attempt failed,
// the share of runs where any later attempt passed.
func rerunPassRate(window []*storage.Occurrence) float64 {
	byRun := map[int64][]*storage.Occurrence{}
	for _, occ := range window {
		byRun[occ.WorkflowRunID] = append(byRun[occ.WorkflowRunID], occ)
	}
	var failedInitially, recovered int
	for _, occs := range byRun {
		minAttempt := occs[0].Attempt
		for _, occ := range occs {
			if occ.Attempt < minAttempt {
				minAttempt = occ.Attempt
			}
		}
		initialFailed, laterPassed := false, false
		for _, occ := range occs {
			switch {
			case occ.Attempt == minAttempt && occ.Status.Failing():
				initialFailed = true
			case occ.Attempt > minAttempt && occ.Status == storage.StatusPassed:
				laterPassed = true
			}
		}
		if !initialFailed {
			continue
		}
		failedInitially++
		if laterPassed {
			recovered++
		}
	}
	if failedInitially == 0 {
		return 0
	}
	return float64(recovered) / float64(failedInitially)
}
