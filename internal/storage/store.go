// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package storage defines the entities FlakeGuard persists and the
// transactional store interface the ingestion and analysis pipelines
// write through. Implementations live in the memstore and spanstore
// subpackages.
package storage

import (
	"context"
	"time"

	"go.chromium.org/luci/common/errors"
)

// ErrNotFound is returned by point reads for entities that do not exist.
var ErrNotFound = errors.New("storage: entity not found")

// TestStatus is the outcome of a single test execution attempt.
type TestStatus string

const (
	StatusPassed  TestStatus = "passed"
	StatusFailed  TestStatus = "failed"
	StatusError   TestStatus = "error"
	StatusSkipped TestStatus = "skipped"
)

// Failing reports whether the status counts as a failure for scoring
// and clustering purposes.
func (s TestStatus) Failing() bool {
	return s == StatusFailed || s == StatusError
}

// Recommendation is the action FlakeGuard suggests for a test.
type Recommendation string

const (
	RecommendNone       Recommendation = "none"
	RecommendWarn       Recommendation = "warn"
	RecommendQuarantine Recommendation = "quarantine"
)

// Priority ranks how urgently a recommendation should be acted on.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Repository identifies a source repository registered with FlakeGuard.
// (Provider, Owner, Name) is unique.
type Repository struct {
	ID             int64
	Provider       string
	Owner          string
	Name           string
	InstallationID int64
}

// WorkflowRun is one CI workflow execution of a repository.
// (RepoID, ExternalRunID) is unique. A run is terminal once Status is
// "completed".
type WorkflowRun struct {
	ID            int64
	RepoID        int64
	ExternalRunID int64
	Status        string
	Conclusion    string
	HeadSHA       string
	HeadBranch    string
	RunNumber     int64
	Attempt       int64
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Completed reports whether the run has reached a terminal state.
func (r *WorkflowRun) Completed() bool {
	return r.Status == "completed"
}

// TestCase is a test observed in some run of a repository.
// (RepoID, Suite, ClassName, Name) is unique; rows are created lazily on
// first observation.
type TestCase struct {
	ID        int64
	RepoID    int64
	Suite     string
	ClassName string
	Name      string
	File      string
}

// Occurrence is a single execution attempt of a single test case.
// Occurrences are append-only; retries of the same (run, test) pair are
// further rows distinguished by Attempt.
type Occurrence struct {
	ID            int64
	TestCaseID    int64
	WorkflowRunID int64
	Status        TestStatus
	DurationMs    int64
	Attempt       int64
	// FailureMessage is the normalized failure message (see the scoring
	// package), truncated for storage. Empty for passing occurrences.
	FailureMessage string
	// MessageDigest and StackDigest are hex SHA-256 digests of the
	// normalized failure message and stack trace.
	MessageDigest string
	StackDigest   string
	CreatedAt     time.Time
}

// FeatureVector is the set of features the scorer extracts from a test's
// rolling window of occurrences.
type FeatureVector struct {
	TotalRuns                int     `json:"totalRuns"`
	FailSuccessRatio         float64 `json:"failSuccessRatio"`
	IntermittencyScore       float64 `json:"intermittencyScore"`
	RerunPassRate            float64 `json:"rerunPassRate"`
	ConsecutiveFailures      int     `json:"consecutiveFailures"`
	MaxConsecutiveFailures   int     `json:"maxConsecutiveFailures"`
	MessageSignatureVariance float64 `json:"messageSignatureVariance"`
	DaysSinceFirstSeen       float64 `json:"daysSinceFirstSeen"`
	AvgTimeBetweenFailures   float64 `json:"avgTimeBetweenFailuresHours"`
}

// FlakeScore is the current flakiness assessment of one test case.
// At most one current record exists per test case.
type FlakeScore struct {
	TestCaseID     int64
	Score          float64
	Confidence     float64
	Features       FeatureVector
	Recommendation Recommendation
	Priority       Priority
	Reason         string
	ComputedAt     time.Time
}

// Policy configures windowing and thresholds for scoring. See the
// scoring package for how each field is applied.
type Policy struct {
	WarnThreshold        float64
	QuarantineThreshold  float64
	MinRunsForQuarantine int
	MinRecentFailures    int
	LookbackDays         int
	RollingWindowSize    int
}

// DefaultPolicy returns the policy documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		WarnThreshold:        0.3,
		QuarantineThreshold:  0.6,
		MinRunsForQuarantine: 5,
		MinRecentFailures:    2,
		LookbackDays:         7,
		RollingWindowSize:    50,
	}
}

// Transaction is the write surface available inside a single
// read-write transaction. All ingestion writes for one workflow run go
// through exactly one Transaction; on error nothing is committed.
type Transaction interface {
	// UpsertWorkflowRun creates or updates a workflow run by its
	// (RepoID, ExternalRunID) identity and returns the stored row.
	UpsertWorkflowRun(ctx context.Context, run *WorkflowRun) (*WorkflowRun, error)

	// UpsertTestCase creates or returns the test case with the given
	// (RepoID, Suite, ClassName, Name) identity.
	UpsertTestCase(ctx context.Context, tc *TestCase) (*TestCase, error)

	// AppendOccurrence appends one immutable occurrence row.
	AppendOccurrence(ctx context.Context, occ *Occurrence) error
}

// Store is the persistence interface consumed by the core.
type Store interface {
	// UpsertRepository registers a repository by its
	// (Provider, Owner, Name) identity and returns the stored row.
	UpsertRepository(ctx context.Context, repo *Repository) (*Repository, error)

	// ListRepositories returns every registered repository ordered by
	// id.
	ListRepositories(ctx context.Context) ([]*Repository, error)

	// GetWorkflowRun reads a run by its external identity. Returns
	// ErrNotFound when absent.
	GetWorkflowRun(ctx context.Context, repoID, externalRunID int64) (*WorkflowRun, error)

	// GetWorkflowRunByID reads a run by its internal id. Returns
	// ErrNotFound when absent.
	GetWorkflowRunByID(ctx context.Context, id int64) (*WorkflowRun, error)

	// ReadWriteTransaction runs f inside a single transaction. If f
	// returns an error the transaction is rolled back and the error
	// returned.
	ReadWriteTransaction(ctx context.Context, f func(ctx context.Context, tx Transaction) error) error

	// GetOccurrenceWindow returns the most recent occurrences of the
	// test case per the policy's rolling window, ordered by CreatedAt
	// ascending (ties broken by ID).
	GetOccurrenceWindow(ctx context.Context, testCaseID int64, policy Policy) ([]*Occurrence, error)

	// CountRunOccurrences returns the number of occurrences recorded
	// against the given workflow run.
	CountRunOccurrences(ctx context.Context, workflowRunID int64) (int64, error)

	// ListTestCases returns all test cases of a repository.
	ListTestCases(ctx context.Context, repoID int64) ([]*TestCase, error)

	// GetFlakeScore reads the current score of a test case. Returns
	// ErrNotFound when the test has never been scored.
	GetFlakeScore(ctx context.Context, testCaseID int64) (*FlakeScore, error)

	// UpsertFlakeScore replaces the current score of a test case.
	UpsertFlakeScore(ctx context.Context, score *FlakeScore) error
}
