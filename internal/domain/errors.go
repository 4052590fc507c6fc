package domain

import "errors"

// Sentinel errors used across layers. Callers match them with errors.Is;
// producers wrap them with context.
var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyArmed          = errors.New("journey already has an active safety session")
	ErrNoContactsSelected    = errors.New("no contacts selected")
	ErrDurationOutOfRange    = errors.New("duration out of range")
	ErrInvalidTransition     = errors.New("invalid session transition")
	ErrUnsupportedOperation  = errors.New("operation not supported for session kind")
	ErrSessionNotFound       = errors.New("session not found")
	ErrJourneyNotFound       = errors.New("journey not found")
	ErrUnknownContact        = errors.New("unknown contact")
	ErrMissingJourneyDetails = errors.New("journey needs a departure and a destination")
)
