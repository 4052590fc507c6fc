package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hammamikhairi/safemate/internal/domain"
)

// SessionStore adapts Store to domain.SessionStore.
type SessionStore struct {
	*Store
}

// Compile-time interface check.
var _ domain.SessionStore = SessionStore{}

// Sessions returns the session snapshot store backed by s.
func (s *Store) Sessions() SessionStore {
	return SessionStore{s}
}

// Save upserts a session snapshot.
func (s SessionStore) Save(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.ID, err)
	}
	terminal := 0
	if session.State.Terminal() {
		terminal = 1
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, kind, state, journey_id, terminal, snapshot, armed_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	state=excluded.state,
	terminal=excluded.terminal,
	snapshot=excluded.snapshot,
	updated_at=excluded.updated_at`,
		session.ID, session.Kind.String(), session.State.String(), session.JourneyID,
		terminal, string(data), ts(session.ArmedAt), ts(session.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// Load retrieves a session snapshot by ID.
func (s SessionStore) Load(ctx context.Context, id string) (*domain.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM sessions WHERE session_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return decodeSession(data)
}

// Delete removes a session snapshot.
func (s SessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListActive returns non-terminal sessions, oldest first.
func (s SessionStore) ListActive(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot FROM sessions WHERE terminal = 0 ORDER BY armed_at`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := decodeSession(data)
		if err != nil {
			s.log.Warn("skipping undecodable session row: %v", err)
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func decodeSession(data string) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}
