package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/copartner/internal/memory"
)

// MemoryLog is the durable memory.Log. Rows are never updated; an edit is a
// new row and only Purge deletes.
type MemoryLog struct {
	s *Store
}

// MemoryLog returns the memory log backed by this store.
func (s *Store) MemoryLog() *MemoryLog { return &MemoryLog{s: s} }

var _ memory.Log = (*MemoryLog)(nil)

func (l *MemoryLog) Append(ctx context.Context, e memory.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	var recordID sql.NullString
	if e.Record != nil {
		recordID = sql.NullString{String: e.Record.ID, Valid: true}
	}
	_, err = l.s.db.ExecContext(ctx,
		`INSERT INTO memory_log (id, op, record_id, at, data) VALUES (?, ?, ?, ?, ?)`,
		e.ID, string(e.Op), recordID, e.At.UTC().Format(timeLayout), string(data))
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

func (l *MemoryLog) Replay(ctx context.Context, fn func(memory.Entry) error) error {
	rows, err := l.s.db.QueryContext(ctx, `SELECT id, data FROM memory_log ORDER BY id`)
	if err != nil {
		return fmt.Errorf("query memory log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return fmt.Errorf("scan log entry: %w", err)
		}
		var e memory.Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return fmt.Errorf("decode log entry %s: %w", id, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (l *MemoryLog) Purge(ctx context.Context, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}
	args := make([]any, len(recordIDs))
	for i, id := range recordIDs {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(recordIDs)), ",")
	if _, err := l.s.db.ExecContext(ctx,
		`DELETE FROM memory_log WHERE record_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("purge memory log: %w", err)
	}
	return nil
}

// Count returns the number of log rows.
func (l *MemoryLog) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memory log: %w", err)
	}
	return n, nil
}
