package domain

import "context"

// ContactDirectory is the read-only source of trusted contacts.
// Implementations can be in-memory, SQLite, or a remote profile service.
type ContactDirectory interface {
	Lookup(ctx context.Context, id string) (TrustedContact, error)
	List(ctx context.Context) ([]TrustedContact, error)
}

// SessionStore persists session snapshots. The engine never depends on it
// for correctness; it exists so sessions can be recovered after a restart.
type SessionStore interface {
	Save(ctx context.Context, session *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]*Session, error)
}

// Notifier delivers a notification to contacts. Implementations can print
// to a terminal, publish to a broker, or call an SMS gateway. Retries, if
// any, are the implementation's business.
type Notifier interface {
	Notify(ctx context.Context, n Notification) (DeliveryResult, error)
}

// Dispatcher hands notifications off for delivery without waiting on it.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification)
}

// EventPublisher receives session events.
type EventPublisher interface {
	Publish(ctx context.Context, e Event)
}

// IntentParser converts raw shell input into structured intents.
type IntentParser interface {
	Parse(ctx context.Context, input string) (*Intent, error)
}
