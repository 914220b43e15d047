// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import "time"

// Artifact is an archive produced by a workflow run. Artifacts are
// transient: they are never persisted beyond the ingestion job that
// consumes them.
type Artifact struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	SizeBytes   int64     `json:"size_in_bytes"`
	Expired     bool      `json:"expired"`
	DownloadURL string    `json:"archive_download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

type artifactList struct {
	TotalCount int         `json:"total_count"`
	Artifacts  []*Artifact `json:"artifacts"`
}

// Job is one job of a workflow run.
type Job struct {
	ID          int64     `json:"id"`
	RunID       int64     `json:"run_id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Conclusion  string    `json:"conclusion"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

type jobList struct {
	TotalCount int    `json:"total_count"`
	Jobs       []*Job `json:"jobs"`
}

// WebhookRun is the workflow_run object delivered in webhook events.
type WebhookRun struct {
	ID         int64     `json:"id"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HeadSHA    string    `json:"head_sha"`
	HeadBranch string    `json:"head_branch"`
	RunNumber  int64     `json:"run_number"`
	RunAttempt int64     `json:"run_attempt"`
	StartedAt  time.Time `json:"run_started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type workflowRunList struct {
	TotalCount   int           `json:"total_count"`
	WorkflowRuns []*WebhookRun `json:"workflow_runs"`
}

// WebhookRepository identifies the repository in webhook events.
type WebhookRepository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// WorkflowRunEvent is the webhook payload FlakeGuard consumes.
type WorkflowRunEvent struct {
	Action       string            `json:"action"`
	WorkflowRun  WebhookRun        `json:"workflow_run"`
	Repository   WebhookRepository `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}
