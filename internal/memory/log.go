package memory

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Op tags a log entry.
type Op string

const (
	OpRecord Op = "record"
	OpVault  Op = "vault"
)

// Entry is one line of the append-only log. Exactly one of Record or Vault
// is set.
type Entry struct {
	ID     string    `json:"id"`
	Op     Op        `json:"op"`
	At     time.Time `json:"at"`
	Record *Record   `json:"record,omitempty"`
	Vault  *Vault    `json:"vault,omitempty"`
}

// Log is the durable, append-only record of every long-term and topic
// write. Entries are replayed in ID order, and IDs sort by time.
type Log interface {
	Append(ctx context.Context, e Entry) error
	Replay(ctx context.Context, fn func(Entry) error) error
	// Purge physically removes every entry for the given record ids.
	Purge(ctx context.Context, recordIDs []string) error
}

// MemLog is a Log kept in memory. It is used by tests and by `serve
// --ephemeral`.
type MemLog struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemLog creates an empty in-memory log.
func NewMemLog() *MemLog { return &MemLog{} }

func (l *MemLog) Append(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *MemLog) Replay(ctx context.Context, fn func(Entry) error) error {
	l.mu.Lock()
	entries := slices.Clone(l.entries)
	l.mu.Unlock()
	slices.SortStableFunc(entries, func(a, b Entry) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (l *MemLog) Purge(_ context.Context, recordIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	drop := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		drop[id] = true
	}
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.Record != nil && drop[e.Record.ID] {
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return nil
}

// Len returns the number of stored entries.
func (l *MemLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
