package policy

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celerix-dev/marauder/pkg/schema"
)

// Sink mirrors audit entries somewhere outside the ledger (a log, a queue).
// Sinks are best effort: a panicking sink never fails the audited operation.
type Sink func(schema.AuditLogEntry)

// Ledger is an append-only, in-memory audit trail. Entries are never
// modified or removed.
type Ledger struct {
	mu      sync.RWMutex
	entries []schema.AuditLogEntry
	sink    Sink
}

// NewLedger creates an empty ledger. sink may be nil.
func NewLedger(sink Sink) *Ledger {
	return &Ledger{sink: sink}
}

// Append records an entry, assigning an id and timestamp when missing.
func (l *Ledger) Append(e schema.AuditLogEntry) schema.AuditLogEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		func() {
			defer func() { _ = recover() }()
			sink(e)
		}()
	}
	return e
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (l *Ledger) List(limit int) []schema.AuditLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]schema.AuditLogEntry, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Since returns entries at or after t matching keep, oldest first.
func (l *Ledger) Since(t time.Time, keep func(schema.AuditLogEntry) bool) []schema.AuditLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []schema.AuditLogEntry
	for _, e := range l.entries {
		if e.Timestamp.Before(t) {
			continue
		}
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
