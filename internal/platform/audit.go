// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"context"
	"sync"
	"time"

	"go.chromium.org/luci/common/logging"
)

// AuditEntry is one audited platform interaction. Paths and errors are
// sanitized before they get here.
type AuditEntry struct {
	Time          time.Time
	CorrelationID string
	Method        string
	Path          string
	Status        int
	Duration      time.Duration
	// Event is set for security-relevant entries ("auth-failed",
	// "webhook-verification-failed", "path-rejected").
	Event string
	Error string
}

// AuditLog keeps a bounded in-memory ring of recent entries and writes
// each to the structured log. Security events are logged even when
// debug logging is off.
type AuditLog struct {
	mu      sync.Mutex
	entries []*AuditEntry
	next    int
	full    bool
}

// NewAuditLog returns a log retaining the most recent size entries.
func NewAuditLog(size int) *AuditLog {
	if size <= 0 {
		size = 256
	}
	return &AuditLog{entries: make([]*AuditEntry, size)}
}

// Record appends a request entry.
func (a *AuditLog) Record(ctx context.Context, e *AuditEntry) {
	a.append(e)
	logging.Debugf(ctx, "audit: %s %s status=%d duration=%s correlation=%s err=%q",
		e.Method, e.Path, e.Status, e.Duration, e.CorrelationID, e.Error)
}

// Security appends a security-relevant entry and logs it at error
// level unconditionally.
func (a *AuditLog) Security(ctx context.Context, event, method, path string, err error) {
	e := &AuditEntry{
		Time:   time.Now().UTC(),
		Event:  event,
		Method: method,
		Path:   path,
		Error:  errText(err),
	}
	a.append(e)
	logging.Errorf(ctx, "audit security event %q: %s %s: %s", event, method, path, e.Error)
}

func (a *AuditLog) append(e *AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[a.next] = e
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
}

// Recent returns the retained entries, oldest first.
func (a *AuditLog) Recent() []*AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*AuditEntry
	if a.full {
		out = append(out, a.entries[a.next:]...)
	}
	out = append(out, a.entries[:a.next]...)
	// Drop nil slots from a never-filled ring.
	filtered := out[:0]
	for _, e := range out {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
