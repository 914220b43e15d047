// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package spanstore implements storage.Store on Cloud Spanner.
//
// Row identities are derived from the natural keys (FNV-1a), which makes
// every upsert naturally idempotent: replaying an ingestion produces the
// same repository, run and test-case rows. See schema.ddl for the table
// definitions.
package spanstore

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"

	"cloud.google.com/go/spanner"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"flakeguard/internal/storage"
)

// Store is a Cloud Spanner backed storage.Store.
type Store struct {
	client *spanner.Client
}

var _ storage.Store = (*Store)(nil)

// New returns a Store backed by the given Spanner database, e.g.
// "projects/p/instances/i/databases/flakeguard".
func New(ctx context.Context, database string) (*Store, error) {
	client, err := spanner.NewClient(ctx, database)
	if err != nil {
		return nil, errors.Annotate(err, "create spanner client").Err()
	}
	return &Store{client: client}, nil
}

// Close releases the underlying client.
func (s *Store) Close() {
	s.client.Close()
}

// keyID derives a stable positive int64 identifier from the parts of a
// natural key.
func keyID(parts ...string) int64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// wrapErr annotates a spanner error, tagging retryable codes transient.
func wrapErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	ann := errors.Annotate(err, msg)
	switch spanner.ErrCode(err) {
	case codes.Aborted, codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		ann = ann.Tag(transient.Tag)
	}
	return ann.Err()
}

// UpsertRepository implements storage.Store.
func (s *Store) UpsertRepository(ctx context.Context, repo *storage.Repository) (*storage.Repository, error) {
	stored := *repo
	stored.ID = keyID("repo", repo.Provider, repo.Owner, repo.Name)
	m := spanner.InsertOrUpdateMap("Repositories", map[string]interface{}{
		"RepositoryId":   stored.ID,
		"Provider":       stored.Provider,
		"Owner":          stored.Owner,
		"Name":           stored.Name,
		"InstallationId": stored.InstallationID,
	})
	if _, err := s.client.Apply(ctx, []*spanner.Mutation{m}); err != nil {
		return nil, wrapErr(err, "upsert repository")
	}
	return &stored, nil
}

// ListRepositories implements storage.Store.
func (s *Store) ListRepositories(ctx context.Context) ([]*storage.Repository, error) {
	stmt := spanner.Statement{
		SQL: `SELECT RepositoryId, Provider, Owner, Name, InstallationId
		      FROM Repositories ORDER BY RepositoryId`,
	}
	it := s.client.Single().Query(ctx, stmt)
	defer it.Stop()

	var out []*storage.Repository
	for {
		row, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrapErr(err, "list repositories")
		}
		repo := &storage.Repository{}
		if err := row.Columns(&repo.ID, &repo.Provider, &repo.Owner, &repo.Name, &repo.InstallationID); err != nil {
			return nil, errors.Annotate(err, "scan repository").Err()
		}
		out = append(out, repo)
	}
	return out, nil
}

// GetWorkflowRun implements storage.Store.
func (s *Store) GetWorkflowRun(ctx context.Context, repoID, externalRunID int64) (*storage.WorkflowRun, error) {
	stmt := spanner.Statement{
		SQL: `SELECT WorkflowRunId, RepositoryId, ExternalRunId, Status, Conclusion,
		             HeadSha, HeadBranch, RunNumber, Attempt, StartedAt, CompletedAt
		      FROM WorkflowRuns
		      WHERE RepositoryId = @repoID AND ExternalRunId = @externalRunID`,
		Params: map[string]interface{}{
			"repoID":        repoID,
			"externalRunID": externalRunID,
		},
	}
	it := s.client.Single().Query(ctx, stmt)
	defer it.Stop()
	row, err := it.Next()
	if err == iterator.Done {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr(err, "get workflow run")
	}
	return scanRun(row)
}

// GetWorkflowRunByID implements storage.Store.
func (s *Store) GetWorkflowRunByID(ctx context.Context, id int64) (*storage.WorkflowRun, error) {
	stmt := spanner.Statement{
		SQL: `SELECT WorkflowRunId, RepositoryId, ExternalRunId, Status, Conclusion,
		             HeadSha, HeadBranch, RunNumber, Attempt, StartedAt, CompletedAt
		      FROM WorkflowRuns
		      WHERE WorkflowRunId = @id`,
		Params: map[string]interface{}{"id": id},
	}
	it := s.client.Single().Query(ctx, stmt)
	defer it.Stop()
	row, err := it.Next()
	if err == iterator.Done {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr(err, "get workflow run by id")
	}
	return scanRun(row)
}

func scanRun(row *spanner.Row) (*storage.WorkflowRun, error) {
	run := &storage.WorkflowRun{}
	err := row.Columns(
		&run.ID, &run.RepoID, &run.ExternalRunID, &run.Status, &run.Conclusion,
		&run.HeadSHA, &run.HeadBranch, &run.RunNumber, &run.Attempt,
		&run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, errors.Annotate(err, "scan workflow run").Err()
	}
	return run, nil
}

// transaction adapts *spanner.ReadWriteTransaction to storage.Transaction.
type transaction struct {
	txn *spanner.ReadWriteTransaction
}

var _ storage.Transaction = (*transaction)(nil)

// ReadWriteTransaction implements storage.Store.
func (s *Store) ReadWriteTransaction(ctx context.Context, f func(ctx context.Context, tx storage.Transaction) error) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		return f(ctx, &transaction{txn: txn})
	})
	return wrapErr(err, "read write transaction")
}

// UpsertWorkflowRun implements storage.Transaction.
func (tx *transaction) UpsertWorkflowRun(ctx context.Context, run *storage.WorkflowRun) (*storage.WorkflowRun, error) {
	stored := *run
	stored.ID = keyID("run", formatInt(run.RepoID), formatInt(run.ExternalRunID))
	completedAt := stored.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Unix(0, 0).UTC()
	}
	startedAt := stored.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Unix(0, 0).UTC()
	}
	m := spanner.InsertOrUpdateMap("WorkflowRuns", map[string]interface{}{
		"WorkflowRunId": stored.ID,
		"RepositoryId":  stored.RepoID,
		"ExternalRunId": stored.ExternalRunID,
		"Status":        stored.Status,
		"Conclusion":    stored.Conclusion,
		"HeadSha":       stored.HeadSHA,
		"HeadBranch":    stored.HeadBranch,
		"RunNumber":     stored.RunNumber,
		"Attempt":       stored.Attempt,
		"StartedAt":     startedAt,
		"CompletedAt":   completedAt,
	})
	if err := tx.txn.BufferWrite([]*spanner.Mutation{m}); err != nil {
		return nil, wrapErr(err, "upsert workflow run")
	}
	return &stored, nil
}

// UpsertTestCase implements storage.Transaction.
func (tx *transaction) UpsertTestCase(ctx context.Context, tc *storage.TestCase) (*storage.TestCase, error) {
	stored := *tc
	stored.ID = keyID("test", formatInt(tc.RepoID), tc.Suite, tc.ClassName, tc.Name)
	m := spanner.InsertOrUpdateMap("TestCases", map[string]interface{}{
		"TestCaseId":   stored.ID,
		"RepositoryId": stored.RepoID,
		"Suite":        stored.Suite,
		"ClassName":    stored.ClassName,
		"Name":         stored.Name,
		"File":         stored.File,
	})
	if err := tx.txn.BufferWrite([]*spanner.Mutation{m}); err != nil {
		return nil, wrapErr(err, "upsert test case")
	}
	return &stored, nil
}

// AppendOccurrence implements storage.Transaction.
func (tx *transaction) AppendOccurrence(ctx context.Context, occ *storage.Occurrence) error {
	createdAt := occ.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	id := keyID("occurrence",
		formatInt(occ.TestCaseID), formatInt(occ.WorkflowRunID),
		formatInt(occ.Attempt), formatInt(createdAt.UnixNano()))
	m := spanner.InsertOrUpdateMap("Occurrences", map[string]interface{}{
		"OccurrenceId":   id,
		"TestCaseId":     occ.TestCaseID,
		"WorkflowRunId":  occ.WorkflowRunID,
		"Status":         string(occ.Status),
		"DurationMs":     occ.DurationMs,
		"Attempt":        occ.Attempt,
		"FailureMessage": occ.FailureMessage,
		"MessageDigest":  occ.MessageDigest,
		"StackDigest":    occ.StackDigest,
		"CreatedAt":      createdAt,
	})
	return wrapErr(tx.txn.BufferWrite([]*spanner.Mutation{m}), "append occurrence")
}

// GetOccurrenceWindow implements storage.Store.
func (s *Store) GetOccurrenceWindow(ctx context.Context, testCaseID int64, policy storage.Policy) ([]*storage.Occurrence, error) {
	limit := policy.RollingWindowSize
	if limit <= 0 {
		limit = storage.DefaultPolicy().RollingWindowSize
	}
	// Fetch the window newest-first, then reverse to ascending order.
	stmt := spanner.Statement{
		SQL: `SELECT OccurrenceId, TestCaseId, WorkflowRunId, Status, DurationMs,
		             Attempt, FailureMessage, MessageDigest, StackDigest, CreatedAt
		      FROM Occurrences
		      WHERE TestCaseId = @testCaseID
		      ORDER BY CreatedAt DESC, OccurrenceId DESC
		      LIMIT @limit`,
		Params: map[string]interface{}{
			"testCaseID": testCaseID,
			"limit":      int64(limit),
		},
	}
	it := s.client.Single().Query(ctx, stmt)
	defer it.Stop()

	var out []*storage.Occurrence
	for {
		row, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrapErr(err, "get occurrence window")
		}
		occ := &storage.Occurrence{}
		var status string
		err = row.Columns(
			&occ.ID, &occ.TestCaseID, &occ.WorkflowRunID, &status, &occ.DurationMs,
			&occ.Attempt, &occ.FailureMessage, &occ.MessageDigest, &occ.StackDigest,
			&occ.CreatedAt)
		if err != nil {
			return nil, errors.Annotate(err, "scan occurrence").Err()
		}
		occ.Status = storage.TestStatus(status)
		out = append(out, occ)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountRunOccurrences implements storage.Store.
func (s *Store) CountRunOccurrences(ctx context.Context, workflowRunID int64) (int64, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT COUNT(*) FROM Occurrences WHERE WorkflowRunId = @runID`,
		Params: map[string]interface{}{"runID": workflowRunID},
	}
	it := s.client.Single().Query(ctx, stmt)
	defer it.Stop()
	row, err := it.Next()
	if err != nil {
		return 0, wrapErr(err, "count run occurrences")
	}
	var n int64
	if err := row.Columns(&n); err != nil {
		return 0, errors.Annotate(err, "scan count").Err()
	}
	return n, nil
}

// ListTestCases implements storage.Store.
func (s *Store) ListTestCases(ctx context.Context, repoID int64) ([]*storage.TestCase, error) {
	stmt := spanner.Statement{
		SQL: `SELECT TestCaseId, RepositoryId, Suite, ClassName, Name, File
		      FROM TestCases WHERE RepositoryId = @repoID ORDER BY TestCaseId`,
		Params: map[string]interface{}{"repoID": repoID},
	}
	it := s.client.Single().Query(ctx, stmt)
	defer it.Stop()

	var out []*storage.TestCase
	for {
		row, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrapErr(err, "list test cases")
		}
		tc := &storage.TestCase{}
		if err := row.Columns(&tc.ID, &tc.RepoID, &tc.Suite, &tc.ClassName, &tc.Name, &tc.File); err != nil {
			return nil, errors.Annotate(err, "scan test case").Err()
		}
		out = append(out, tc)
	}
	return out, nil
}

// GetFlakeScore implements storage.Store.
func (s *Store) GetFlakeScore(ctx context.Context, testCaseID int64) (*storage.FlakeScore, error) {
	stmt := spanner.Statement{
		SQL: `SELECT TestCaseId, Score, Confidence, Features, Recommendation,
		             Priority, Reason, ComputedAt
		      FROM FlakeScores WHERE TestCaseId = @testCaseID`,
		Params: map[string]interface{}{"testCaseID": testCaseID},
	}
	it := s.client.Single().Query(ctx, stmt)
	defer it.Stop()
	row, err := it.Next()
	if err == iterator.Done {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr(err, "get flake score")
	}
	score := &storage.FlakeScore{}
	var features, recommendation, priority string
	err = row.Columns(
		&score.TestCaseID, &score.Score, &score.Confidence, &features,
		&recommendation, &priority, &score.Reason, &score.ComputedAt)
	if err != nil {
		return nil, errors.Annotate(err, "scan flake score").Err()
	}
	if err := json.Unmarshal([]byte(features), &score.Features); err != nil {
		return nil, errors.Annotate(err, "decode features").Err()
	}
	score.Recommendation = storage.Recommendation(recommendation)
	score.Priority = storage.Priority(priority)
	return score, nil
}

// UpsertFlakeScore implements storage.Store.
func (s *Store) UpsertFlakeScore(ctx context.Context, score *storage.FlakeScore) error {
	features, err := json.Marshal(score.Features)
	if err != nil {
		return errors.Annotate(err, "encode features").Err()
	}
	computedAt := score.ComputedAt
	if computedAt.IsZero() {
		computedAt = time.Now().UTC()
	}
	m := spanner.InsertOrUpdateMap("FlakeScores", map[string]interface{}{
		"TestCaseId":     score.TestCaseID,
		"Score":          score.Score,
		"Confidence":     score.Confidence,
		"Features":       string(features),
		"Recommendation": string(score.Recommendation),
		"Priority":       string(score.Priority),
		"Reason":         score.Reason,
		"ComputedAt":     computedAt,
	})
	if _, err := s.client.Apply(ctx, []*spanner.Mutation{m}); err != nil {
		return wrapErr(err, "upsert flake score")
	}
	return nil
}

func formatInt(v int64) string {
	// Fixed-width encoding keeps key derivation unambiguous.
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return string(buf)
}
