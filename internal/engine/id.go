package engine

import "github.com/google/uuid"

// newID returns a random UUID for sessions and notifications. UUIDs are
// never reused, so a stale timer can never address a newer session.
func newID() string {
	return uuid.NewString()
}
