package domain

import (
	"fmt"
	"strings"
	"time"
)

// JourneyType distinguishes solo trips from shared ones.
type JourneyType int

const (
	JourneySolo JourneyType = iota
	JourneyShared
)

// String returns a human-readable journey type.
func (t JourneyType) String() string {
	switch t {
	case JourneySolo:
		return "solo"
	case JourneyShared:
		return "shared"
	default:
		return "unknown"
	}
}

// ParseJourneyType converts "solo" or "shared" to a JourneyType. An empty
// string means solo.
func ParseJourneyType(s string) (JourneyType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "solo", "alone":
		return JourneySolo, nil
	case "shared", "group", "together":
		return JourneyShared, nil
	}
	return 0, fmt.Errorf("unknown journey type %q", s)
}

// JourneyStatus tracks the lifecycle of a journey.
type JourneyStatus int

const (
	JourneyPlanning JourneyStatus = iota
	JourneyProtected
	JourneyAlerting
	JourneyEnded
)

// String returns a human-readable journey status.
func (s JourneyStatus) String() string {
	switch s {
	case JourneyPlanning:
		return "planning"
	case JourneyProtected:
		return "protected"
	case JourneyAlerting:
		return "alerting"
	case JourneyEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Journey is a user-declared trip that a safety session protects.
type Journey struct {
	ID               string
	OwnerID          string
	Type             JourneyType
	Departure        string
	Destination      string
	ExpectedDuration time.Duration
	ContactIDs       []string
	DeclaredAt       time.Time
	Status           JourneyStatus
	BoundSessionID   string
}

// Clone returns a copy that shares no slices with j.
func (j *Journey) Clone() Journey {
	out := *j
	out.ContactIDs = append([]string(nil), j.ContactIDs...)
	return out
}
