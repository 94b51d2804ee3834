package testutil

import (
	"context"
	"errors"
	"sync"

	"commsgate/internal/models"
)

// ErrSinkDown is returned by AuditRecorder when Fail is set.
var ErrSinkDown = errors.New("audit sink unavailable")

// AuditRecorder is an in-memory audit sink.
type AuditRecorder struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	fail    bool
}

// InsertAuditEntry records e, or fails when SetFail(true) was called.
func (r *AuditRecorder) InsertAuditEntry(_ context.Context, e models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return ErrSinkDown
	}
	r.entries = append(r.entries, e)
	return nil
}

// SetFail makes every subsequent insert fail.
func (r *AuditRecorder) SetFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

// Entries returns a copy of the recorded entries.
func (r *AuditRecorder) Entries() []models.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AuditEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Actions returns the action names in write order.
func (r *AuditRecorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}
