// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package memstore is an in-memory storage.Store used by tests and by
// local development runs. It mirrors the semantics of the Spanner
// implementation, including snapshot-or-nothing transactions.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"flakeguard/internal/storage"
)

// Store is an in-memory storage.Store. The zero value is not usable;
// call New.
type Store struct {
	mu     sync.RWMutex
	nextID int64

	repos       map[int64]*storage.Repository
	reposByKey  map[repoKey]int64
	runs        map[int64]*storage.WorkflowRun
	runsByKey   map[runKey]int64
	tests       map[int64]*storage.TestCase
	testsByKey  map[testKey]int64
	occurrences []*storage.Occurrence
	scores      map[int64]*storage.FlakeScore
}

type repoKey struct {
	provider, owner, name string
}

type runKey struct {
	repoID        int64
	externalRunID int64
}

type testKey struct {
	repoID                 int64
	suite, className, name string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		nextID:     1,
		repos:      map[int64]*storage.Repository{},
		reposByKey: map[repoKey]int64{},
		runs:       map[int64]*storage.WorkflowRun{},
		runsByKey:  map[runKey]int64{},
		tests:      map[int64]*storage.TestCase{},
		testsByKey: map[testKey]int64{},
		scores:     map[int64]*storage.FlakeScore{},
	}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) allocID() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// UpsertRepository implements storage.Store.
func (s *Store) UpsertRepository(ctx context.Context, repo *storage.Repository) (*storage.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := repoKey{repo.Provider, repo.Owner, repo.Name}
	if id, ok := s.reposByKey[key]; ok {
		stored := s.repos[id]
		stored.InstallationID = repo.InstallationID
		cp := *stored
		return &cp, nil
	}
	stored := *repo
	stored.ID = s.allocID()
	s.repos[stored.ID] = &stored
	s.reposByKey[key] = stored.ID
	cp := stored
	return &cp, nil
}

// ListRepositories implements storage.Store.
func (s *Store) ListRepositories(ctx context.Context) ([]*storage.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Repository
	for _, repo := range s.repos {
		cp := *repo
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetWorkflowRun implements storage.Store.
func (s *Store) GetWorkflowRun(ctx context.Context, repoID, externalRunID int64) (*storage.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.runsByKey[runKey{repoID, externalRunID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s.runs[id]
	return &cp, nil
}

// GetWorkflowRunByID implements storage.Store.
func (s *Store) GetWorkflowRunByID(ctx context.Context, id int64) (*storage.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// transaction buffers every write until commit so that a failed
// transaction leaves no partial state behind. Identifiers are allocated
// at buffer time; a rollback simply discards the buffered rows.
type transaction struct {
	store *Store

	runs        map[runKey]*storage.WorkflowRun
	tests       map[testKey]*storage.TestCase
	occurrences []*storage.Occurrence
}

var _ storage.Transaction = (*transaction)(nil)

// ReadWriteTransaction implements storage.Store. The store lock is held
// for the duration of commit, not of f, matching Spanner's
// optimistic-buffering behaviour closely enough for tests.
func (s *Store) ReadWriteTransaction(ctx context.Context, f func(ctx context.Context, tx storage.Transaction) error) error {
	tx := &transaction{
		store: s,
		runs:  map[runKey]*storage.WorkflowRun{},
		tests: map[testKey]*storage.TestCase{},
	}
	if err := f(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, run := range tx.runs {
		s.runs[run.ID] = run
		s.runsByKey[key] = run.ID
	}
	for key, tc := range tx.tests {
		s.tests[tc.ID] = tc
		s.testsByKey[key] = tc.ID
	}
	for _, occ := range tx.occurrences {
		occ.ID = s.allocID()
		s.occurrences = append(s.occurrences, occ)
	}
	return nil
}

// UpsertWorkflowRun implements storage.Transaction. The row becomes
// visible at commit.
func (tx *transaction) UpsertWorkflowRun(ctx context.Context, run *storage.WorkflowRun) (*storage.WorkflowRun, error) {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey{run.RepoID, run.ExternalRunID}
	stored, ok := tx.runs[key]
	if !ok {
		if id, exists := s.runsByKey[key]; exists {
			cp := *s.runs[id]
			stored = &cp
		} else {
			cp := *run
			cp.ID = s.allocID()
			tx.runs[key] = &cp
			out := cp
			return &out, nil
		}
		tx.runs[key] = stored
	}
	stored.Status = run.Status
	stored.Conclusion = run.Conclusion
	if !run.CompletedAt.IsZero() {
		stored.CompletedAt = run.CompletedAt
	}
	cp := *stored
	return &cp, nil
}

// UpsertTestCase implements storage.Transaction. The row becomes
// visible at commit.
func (tx *transaction) UpsertTestCase(ctx context.Context, tc *storage.TestCase) (*storage.TestCase, error) {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	key := testKey{tc.RepoID, tc.Suite, tc.ClassName, tc.Name}
	if buffered, ok := tx.tests[key]; ok {
		cp := *buffered
		return &cp, nil
	}
	if id, ok := s.testsByKey[key]; ok {
		cp := *s.tests[id]
		return &cp, nil
	}
	stored := *tc
	stored.ID = s.allocID()
	tx.tests[key] = &stored
	cp := stored
	return &cp, nil
}

// AppendOccurrence implements storage.Transaction. The row becomes
// visible at commit.
func (tx *transaction) AppendOccurrence(ctx context.Context, occ *storage.Occurrence) error {
	cp := *occ
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	tx.occurrences = append(tx.occurrences, &cp)
	return nil
}

// GetOccurrenceWindow implements storage.Store.
func (s *Store) GetOccurrenceWindow(ctx context.Context, testCaseID int64, policy storage.Policy) ([]*storage.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Occurrence
	for _, occ := range s.occurrences {
		if occ.TestCaseID == testCaseID {
			cp := *occ
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if n := policy.RollingWindowSize; n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// CountRunOccurrences implements storage.Store.
func (s *Store) CountRunOccurrences(ctx context.Context, workflowRunID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, occ := range s.occurrences {
		if occ.WorkflowRunID == workflowRunID {
			n++
		}
	}
	return n, nil
}

// ListTestCases implements storage.Store.
func (s *Store) ListTestCases(ctx context.Context, repoID int64) ([]*storage.TestCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.TestCase
	for _, tc := range s.tests {
		if tc.RepoID == repoID {
			cp := *tc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetFlakeScore implements storage.Store.
func (s *Store) GetFlakeScore(ctx context.Context, testCaseID int64) (*storage.FlakeScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	score, ok := s.scores[testCaseID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *score
	return &cp, nil
}

// UpsertFlakeScore implements storage.Store.
func (s *Store) UpsertFlakeScore(ctx context.Context, score *storage.FlakeScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *score
	s.scores[score.TestCaseID] = &cp
	return nil
}
