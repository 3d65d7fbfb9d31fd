package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/nidhogg/copartner/internal/reasoning"
)

// ErrSessionNotFound is returned when no archived session matches.
var ErrSessionNotFound = errors.New("session not found")

var _ reasoning.Archiver = (*Store)(nil)

// Archive stores or replaces the snapshot of a reasoning session.
func (s *Store) Archive(ctx context.Context, sess reasoning.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	var ended sql.NullString
	if !sess.EndedAt.IsZero() {
		ended = sql.NullString{String: sess.EndedAt.UTC().Format(timeLayout), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_archive (id, session_id, correlation_id, intent_kind, state, reason, started_at, ended_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			state = excluded.state, reason = excluded.reason,
			ended_at = excluded.ended_at, data = excluded.data`,
		ulid.Make().String(), sess.ID, sess.CorrelationID, string(sess.Intent.Kind), string(sess.State),
		sess.Reason, sess.StartedAt.UTC().Format(timeLayout), ended, string(data))
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

// SessionByCorrelation returns the latest archived session on cid.
func (s *Store) SessionByCorrelation(ctx context.Context, cid string) (reasoning.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM session_archive WHERE correlation_id = ?
		ORDER BY started_at DESC, id DESC LIMIT 1`, cid).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return reasoning.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, cid)
	}
	if err != nil {
		return reasoning.Session{}, fmt.Errorf("get session: %w", err)
	}
	var sess reasoning.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return reasoning.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

// SessionSummary is one row of the archive listing.
type SessionSummary struct {
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id"`
	Intent        string `json:"intent"`
	State         string `json:"state"`
	Reason        string `json:"reason,omitempty"`
	StartedAt     string `json:"started_at"`
}

// RecentSessions lists archived sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, correlation_id, intent_kind, state, COALESCE(reason, ''), started_at
		FROM session_archive ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var r SessionSummary
		if err := rows.Scan(&r.SessionID, &r.CorrelationID, &r.Intent, &r.State, &r.Reason, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
