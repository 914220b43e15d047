// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package clustering groups failure occurrences into temporal bursts
// and derives burstiness metrics from their inter-arrival times.
package clustering

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"flakeguard/internal/storage"
)

const (
	minGapThreshold = 5 * time.Minute
	maxGapThreshold = 6 * time.Hour
)

// Cluster is one temporal burst of failures for a single test case.
type Cluster struct {
	TestCaseID    int64     `json:"testCaseId"`
	StartAt       time.Time `json:"startAt"`
	EndAt         time.Time `json:"endAt"`
	OccurrenceIDs []int64   `json:"occurrenceIds"`
	// Intensity is failures per hour over the cluster span, or the
	// member count for zero-duration clusters.
	Intensity float64 `json:"intensity"`
}

// Analysis is the result of clustering one test's failure history.
type Analysis struct {
	Clusters       []Cluster `json:"clusters"`
	TotalClusters  int       `json:"totalClusters"`
	TemporalSpread float64   `json:"temporalSpreadHours"`
	Burstiness     float64   `json:"burstiness"`
	Randomness     float64   `json:"randomness"`
}

// Analyze clusters the failing occurrences of one test case. Passing
// and skipped occurrences are ignored. Degenerate inputs (fewer than
// two failures) yield an empty analysis with randomness 1.
func Analyze(testCaseID int64, occurrences []*storage.Occurrence) Analysis {
	var failures []*storage.Occurrence
	for _, occ := range occurrences {
		if occ.Status.Failing() {
			failures = append(failures, occ)
		}
	}
	sort.SliceStable(failures, func(i, j int) bool {
		if !failures[i].CreatedAt.Equal(failures[j].CreatedAt) {
			return failures[i].CreatedAt.Before(failures[j].CreatedAt)
		}
		return failures[i].ID < failures[j].ID
	})

	out := Analysis{Randomness: 1}
	if len(failures) < 2 {
		return out
	}

	intervals := make([]float64, 0, len(failures)-1)
	for i := 1; i < len(failures); i++ {
		intervals = append(intervals, failures[i].CreatedAt.Sub(failures[i-1].CreatedAt).Seconds())
	}

	threshold := gapThreshold(intervals)
	current := []*storage.Occurrence{failures[0]}
	flush := func() {
		if len(current) < 2 {
			return
		}
		out.Clusters = append(out.Clusters, makeCluster(testCaseID, current))
	}
	for i := 1; i < len(failures); i++ {
		if failures[i].CreatedAt.Sub(failures[i-1].CreatedAt) <= threshold {
			current = append(current, failures[i])
			continue
		}
		flush()
		current = []*storage.Occurrence{failures[i]}
	}
	flush()
	out.TotalClusters = len(out.Clusters)

	out.TemporalSpread = failures[len(failures)-1].CreatedAt.Sub(failures[0].CreatedAt).Hours()
	mean, std := stat.MeanStdDev(intervals, nil)
	if math.IsNaN(std) {
		std = 0
	}
	if mean+std > 0 {
		out.Burstiness = (std - mean) / (std + mean)
	}
	out.Randomness = 1 - out.Burstiness*out.Burstiness
	return out
}

// gapThreshold derives the adaptive split threshold from the interval
// distribution, clamped to sane bounds.
func gapThreshold(intervals []float64) time.Duration {
	sorted := append([]float64(nil), intervals...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	min := sorted[0]

	threshold := time.Duration(math.Max(5*median, 2*min) * float64(time.Second))
	if threshold < minGapThreshold {
		threshold = minGapThreshold
	}
	if threshold > maxGapThreshold {
		threshold = maxGapThreshold
	}
	return threshold
}

func makeCluster(testCaseID int64, members []*storage.Occurrence) Cluster {
	c := Cluster{
		TestCaseID: testCaseID,
		StartAt:    members[0].CreatedAt,
		EndAt:      members[len(members)-1].CreatedAt,
	}
	for _, occ := range members {
		c.OccurrenceIDs = append(c.OccurrenceIDs, occ.ID)
	}
	span := c.EndAt.Sub(c.StartAt)
	if span > 0 {
		c.Intensity = float64(len(members)) / span.Hours()
	} else {
		c.Intensity = float64(len(members))
	}
	return c
}
