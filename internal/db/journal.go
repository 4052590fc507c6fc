package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hammamikhairi/safemate/internal/domain"
)

// JournalEntry is one recorded session event.
type JournalEntry struct {
	Seq       int64
	SessionID string
	JourneyID string
	Type      string
	State     string
	ContactID string
	Remaining time.Duration
	At        time.Time
	Payload   json.RawMessage
}

// AppendEvent records e in the journal.
func (s *Store) AppendEvent(ctx context.Context, e domain.Event) error {
	w := e.Wire()
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO events(session_id, journey_id, event_type, state, contact_id, remaining_s, event_time, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.SessionID, w.JourneyID, w.Type, w.State, w.ContactID,
		w.RemainingSeconds, ts(e.At), string(payload))
	if err != nil {
		return fmt.Errorf("append %s for %s: %w", e.Type, e.SessionID, err)
	}
	return nil
}

// Events returns the journal of one session in the order it was written.
func (s *Store) Events(ctx context.Context, sessionID string) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, session_id, journey_id, event_type, state, contact_id, remaining_s, event_time, payload
FROM events WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e         JournalEntry
			remaining int64
			at        string
			payload   string
		)
		if err := rows.Scan(&e.Seq, &e.SessionID, &e.JourneyID, &e.Type, &e.State, &e.ContactID, &remaining, &at, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Remaining = time.Duration(remaining) * time.Second
		if e.At, err = parseTS(at); err != nil {
			return nil, fmt.Errorf("parse event time %q: %w", at, err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RunJournal appends every event from the channel until it closes or ctx
// is done. Reminder events are not journaled.
func (s *Store) RunJournal(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type == domain.EventSessionReminder {
				continue
			}
			if err := s.AppendEvent(ctx, e); err != nil {
				s.log.Error("journal: %v", err)
			}
		}
	}
}
