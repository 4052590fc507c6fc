package domain

import "time"

// EventType classifies what happened to a session.
type EventType int

const (
	EventSessionArmed EventType = iota
	EventSessionPaused
	EventSessionResumed
	EventSessionExtended
	EventSessionStopped
	EventSessionEscalated
	EventSessionExpiredSoft
	EventContactInvited
	EventContactRevoked
	EventPositionUpdated
	EventSessionReminder
	EventSessionAlmostDue
)

// String returns the event name used on the wire and in logs.
func (t EventType) String() string {
	switch t {
	case EventSessionArmed:
		return "SessionArmed"
	case EventSessionPaused:
		return "SessionPaused"
	case EventSessionResumed:
		return "SessionResumed"
	case EventSessionExtended:
		return "SessionExtended"
	case EventSessionStopped:
		return "SessionStopped"
	case EventSessionEscalated:
		return "SessionEscalated"
	case EventSessionExpiredSoft:
		return "SessionExpiredSoft"
	case EventContactInvited:
		return "ContactInvited"
	case EventContactRevoked:
		return "ContactRevoked"
	case EventPositionUpdated:
		return "PositionUpdated"
	case EventSessionReminder:
		return "SessionReminder"
	case EventSessionAlmostDue:
		return "SessionAlmostDue"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the event marks the end of a session.
func (t EventType) Terminal() bool {
	return t == EventSessionStopped || t == EventSessionEscalated || t == EventSessionExpiredSoft
}

// Event is published to subscribers after a session changes.
type Event struct {
	Type      EventType
	SessionID string
	JourneyID string
	Kind      Kind
	State     State
	Remaining time.Duration
	Position  *Position
	ContactID string
	At        time.Time

	// Snapshot is the session as of the event, detached from engine state.
	Snapshot Session
}

// WireEvent is the JSON shape used by external event transports.
type WireEvent struct {
	Type             string     `json:"type"`
	SessionID        string     `json:"session_id"`
	JourneyID        string     `json:"journey_id,omitempty"`
	Kind             string     `json:"kind"`
	State            string     `json:"state"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	Position         *Position  `json:"position,omitempty"`
	ContactID        string     `json:"contact_id,omitempty"`
	Track            []Position `json:"track,omitempty"`
	Version          uint64     `json:"version"`
	At               time.Time  `json:"at"`
}

// Wire converts e to its transport representation.
func (e Event) Wire() WireEvent {
	secs := int64(e.Remaining / time.Second)
	if e.Remaining%time.Second != 0 {
		secs++
	}
	w := WireEvent{
		Type:             e.Type.String(),
		SessionID:        e.SessionID,
		JourneyID:        e.JourneyID,
		Kind:             e.Kind.String(),
		State:            e.State.String(),
		RemainingSeconds: secs,
		Position:         e.Position,
		ContactID:        e.ContactID,
		Version:          e.Snapshot.Version,
		At:               e.At,
	}
	if e.Type == EventPositionUpdated && e.Snapshot.KeepHistory {
		w.Track = append([]Position(nil), e.Snapshot.PositionHistory...)
	}
	return w
}
