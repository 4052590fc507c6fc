// Package domain defines the core types and interfaces for the safety engine.
// All other packages depend on domain; domain depends on nothing.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the safety mechanism a session runs.
type Kind int

const (
	KindSafeTimer Kind = iota
	KindLiveShare
	KindEmergencyAlert
)

// String returns a human-readable session kind.
func (k Kind) String() string {
	switch k {
	case KindSafeTimer:
		return "safe_timer"
	case KindLiveShare:
		return "live_share"
	case KindEmergencyAlert:
		return "emergency_alert"
	default:
		return "unknown"
	}
}

// Expires reports whether sessions of this kind run against a deadline.
func (k Kind) Expires() bool {
	return k == KindSafeTimer || k == KindLiveShare
}

// RequiresContacts reports whether arming needs at least one contact.
func (k Kind) RequiresContacts() bool {
	return k == KindSafeTimer || k == KindLiveShare
}

// ParseKind converts a kind name ("safe_timer", "timer", "live", "sos"...) to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe_timer", "safetimer", "timer":
		return KindSafeTimer, nil
	case "live_share", "liveshare", "live", "share":
		return KindLiveShare, nil
	case "emergency_alert", "emergency", "alert", "sos":
		return KindEmergencyAlert, nil
	}
	return 0, fmt.Errorf("unknown session kind %q", s)
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// State tracks the lifecycle of a safety session.
type State int

const (
	StateActive State = iota
	StatePaused
	StateStopped
	StateEscalated
	StateExpired
)

// String returns a human-readable session state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateEscalated:
		return "escalated"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateEscalated || s == StateExpired
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateActive; st <= StateExpired; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Extension is one grant of extra time.
type Extension struct {
	GrantedAt time.Time     `json:"granted_at"`
	Added     time.Duration `json:"added"`
}

// Session is one armed safety mechanism bound to a journey.
type Session struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	State     State  `json:"state"`
	JourneyID string `json:"journey_id,omitempty"`
	OwnerID   string `json:"owner_id"`

	// ContactIDs is an ordered set. Only live shares mutate it after arm.
	ContactIDs        []string `json:"contact_ids"`
	RevokedContactIDs []string `json:"revoked_contact_ids,omitempty"`

	ArmedAt         time.Time     `json:"armed_at"`
	PlannedDuration time.Duration `json:"planned_duration"`
	PausedTotal     time.Duration `json:"paused_total"`
	PausedAt        time.Time     `json:"paused_at"` // zero unless State == StatePaused
	Extensions      []Extension   `json:"extensions,omitempty"`

	LastKnownPosition *Position  `json:"last_known_position,omitempty"`
	EscalatedAt       *time.Time `json:"escalated_at,omitempty"`
	EndedAt           time.Time  `json:"ended_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	ShareLink string `json:"share_link,omitempty"`

	// Live share viewing options. PositionHistory is bounded by
	// MaxPositionHistory and only kept when KeepHistory is set.
	AllowAnonymous  bool       `json:"allow_anonymous,omitempty"`
	KeepHistory     bool       `json:"keep_history,omitempty"`
	PositionHistory []Position `json:"position_history,omitempty"`

	// Version increases by one on every committed transition.
	Version uint64 `json:"version"`
}

// MaxPositionHistory caps how many positions a live share remembers.
const MaxPositionHistory = 100

// RecordPosition sets the last known position and, when the session keeps
// a history, appends it there, dropping the oldest entries past the cap.
func (s *Session) RecordPosition(p Position) {
	s.LastKnownPosition = &p
	if !s.KeepHistory {
		return
	}
	s.PositionHistory = append(s.PositionHistory, p)
	if over := len(s.PositionHistory) - MaxPositionHistory; over > 0 {
		s.PositionHistory = append([]Position(nil), s.PositionHistory[over:]...)
	}
}

// Viewable reports whether contactID may watch this session's live feed.
// Anonymous shares are open to anyone holding the link.
func (s *Session) Viewable(contactID string) bool {
	if s.AllowAnonymous {
		return true
	}
	return contactID != "" && s.HasContact(contactID)
}

// Allotted returns the planned duration plus every extension granted.
func (s *Session) Allotted() time.Duration {
	total := s.PlannedDuration
	for _, ext := range s.Extensions {
		total += ext.Added
	}
	return total
}

// Elapsed returns active (unpaused) time since arm, as of now.
func (s *Session) Elapsed(now time.Time) time.Duration {
	end := now
	if s.State.Terminal() && !s.EndedAt.IsZero() {
		end = s.EndedAt
	}
	paused := s.PausedTotal
	if s.State == StatePaused && !s.PausedAt.IsZero() {
		paused += end.Sub(s.PausedAt)
	}
	elapsed := end.Sub(s.ArmedAt) - paused
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Remaining returns the time left before expiry, clamped at zero.
// Kinds without a deadline always report zero.
func (s *Session) Remaining(now time.Time) time.Duration {
	if !s.Kind.Expires() {
		return 0
	}
	left := s.Allotted() - s.Elapsed(now)
	if left < 0 {
		return 0
	}
	return left
}

// RemainingSeconds is Remaining rounded up to whole seconds.
func (s *Session) RemainingSeconds(now time.Time) int64 {
	left := s.Remaining(now)
	secs := int64(left / time.Second)
	if left%time.Second != 0 {
		secs++
	}
	return secs
}

// HasContact reports whether id is currently selected.
func (s *Session) HasContact(id string) bool {
	for _, c := range s.ContactIDs {
		if c == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand outside the engine.
func (s *Session) Clone() Session {
	out := *s
	out.ContactIDs = append([]string(nil), s.ContactIDs...)
	out.RevokedContactIDs = append([]string(nil), s.RevokedContactIDs...)
	out.Extensions = append([]Extension(nil), s.Extensions...)
	out.PositionHistory = append([]Position(nil), s.PositionHistory...)
	if s.LastKnownPosition != nil {
		p := *s.LastKnownPosition
		out.LastKnownPosition = &p
	}
	if s.EscalatedAt != nil {
		t := *s.EscalatedAt
		out.EscalatedAt = &t
	}
	return out
}
