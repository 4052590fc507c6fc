package domain

import "time"

// NotificationKind says why contacts are being contacted.
type NotificationKind int

const (
	NotifyArmed NotificationKind = iota
	NotifyEscalation
	NotifyCompletion
	NotifyInvite
	NotifyLocationUpdate
)

// String returns a human-readable notification kind.
func (k NotificationKind) String() string {
	switch k {
	case NotifyArmed:
		return "armed"
	case NotifyEscalation:
		return "escalation"
	case NotifyCompletion:
		return "completion"
	case NotifyInvite:
		return "invite"
	case NotifyLocationUpdate:
		return "location_update"
	default:
		return "unknown"
	}
}

// Urgent reports whether the notification should jump the delivery queue.
func (k NotificationKind) Urgent() bool {
	return k == NotifyEscalation
}

// Notification is a request to tell a set of contacts about a session.
type Notification struct {
	ID               string           `json:"id"`
	Kind             NotificationKind `json:"-"`
	KindName         string           `json:"kind"`
	SessionID        string           `json:"session_id"`
	SessionKind      string           `json:"session_kind"`
	JourneyID        string           `json:"journey_id,omitempty"`
	OwnerID          string           `json:"owner_id"`
	ContactIDs       []string         `json:"contact_ids"`
	Position         *Position        `json:"position,omitempty"`
	RemainingSeconds int64            `json:"remaining_seconds,omitempty"`
	ShareLink        string           `json:"share_link,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// DeliveryResult is what a notifier reports back. The engine only logs it.
type DeliveryResult struct {
	Accepted []string
	Failed   map[string]error
}

// OK reports whether every recipient accepted the notification.
func (r DeliveryResult) OK() bool {
	return len(r.Failed) == 0
}

// Fail records a failed recipient.
func (r *DeliveryResult) Fail(contactID string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]error)
	}
	r.Failed[contactID] = err
}
