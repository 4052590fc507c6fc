// Package engine implements the safety session state machines: safe timers,
// live location shares and emergency alerts, with expiry scheduling and
// one-shot escalation to trusted contacts.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hammamikhairi/safemate/internal/clock"
	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/logger"
)

// DefaultMaxDuration bounds how far ahead a countdown may run.
const DefaultMaxDuration = 24 * time.Hour

// DefaultShareBaseURL prefixes live share links.
const DefaultShareBaseURL = "https://safemate.app/live"

// Option configures the engine.
type Option func(*Engine)

// WithClock sets the time source and scheduler.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithMaxDuration sets the largest countdown Arm and Extend accept.
func WithMaxDuration(d time.Duration) Option {
	return func(e *Engine) {
		e.maxDuration = d
	}
}

// WithPublisher sets where session events go.
func WithPublisher(p domain.EventPublisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithStore enables Recover from a persistent session store.
func WithStore(s domain.SessionStore) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithShareBaseURL sets the prefix for live share links.
func WithShareBaseURL(u string) Option {
	return func(e *Engine) {
		e.shareBase = strings.TrimRight(u, "/")
	}
}

// Engine owns safety sessions. Each session has its own lock; the registry
// lock only guards the maps and is never held while waiting on a session.
type Engine struct {
	contacts    domain.ContactDirectory
	dispatcher  domain.Dispatcher
	publisher   domain.EventPublisher
	store       domain.SessionStore
	clock       clock.Clock
	log         *logger.Logger
	maxDuration time.Duration
	shareBase   string

	mu        sync.RWMutex
	sessions  map[string]*entry
	byJourney map[string]string // journey ID -> non-terminal session ID
}

// entry serializes every mutation of one session, including its expiry callback.
type entry struct {
	mu    sync.Mutex
	s     *domain.Session
	timer clock.Timer
	gen   uint64 // bumped on every (re)schedule or cancel
}

// ArmRequest carries everything Arm needs. The acting user and the chosen
// contacts are always passed explicitly.
type ArmRequest struct {
	OwnerID    string
	Kind       domain.Kind
	JourneyID  string
	ContactIDs []string
	Duration   time.Duration
	Position   *domain.Position
	Share      ShareOptions
}

// ShareOptions tunes who may watch a live share and what it remembers.
// Other kinds ignore it.
type ShareOptions struct {
	AllowAnonymous bool
	HideHistory    bool
}

// New creates an engine with the given dependencies and options.
func New(contacts domain.ContactDirectory, dispatcher domain.Dispatcher, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		contacts:    contacts,
		dispatcher:  dispatcher,
		publisher:   nopPublisher{},
		clock:       clock.Real(),
		log:         log,
		maxDuration: DefaultMaxDuration,
		shareBase:   DefaultShareBaseURL,
		sessions:    make(map[string]*entry),
		byJourney:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Session returns a snapshot of one session.
func (e *Engine) Session(ctx context.Context, id string) (domain.Session, error) {
	ent, err := e.lookup(id)
	if err != nil {
		return domain.Session{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.s.Clone(), nil
}

// Active returns snapshots of every non-terminal session.
func (e *Engine) Active(ctx context.Context) []domain.Session {
	var out []domain.Session
	for _, ent := range e.entries() {
		ent.mu.Lock()
		if !ent.s.State.Terminal() {
			out = append(out, ent.s.Clone())
		}
		ent.mu.Unlock()
	}
	return out
}

// ActiveForJourney returns the non-terminal session bound to a journey.
func (e *Engine) ActiveForJourney(ctx context.Context, journeyID string) (domain.Session, bool) {
	e.mu.RLock()
	id, ok := e.byJourney[journeyID]
	e.mu.RUnlock()
	if !ok {
		return domain.Session{}, false
	}
	s, err := e.Session(ctx, id)
	if err != nil || s.State.Terminal() {
		return domain.Session{}, false
	}
	return s, true
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Prune forgets terminal sessions that ended before cutoff, in memory and
// in the store, and returns how many were dropped.
func (e *Engine) Prune(ctx context.Context, cutoff time.Time) int {
	var drop []string
	for _, ent := range e.entries() {
		ent.mu.Lock()
		if ent.s.State.Terminal() && ent.s.EndedAt.Before(cutoff) {
			drop = append(drop, ent.s.ID)
		}
		ent.mu.Unlock()
	}
	if len(drop) == 0 {
		return 0
	}

	e.mu.Lock()
	for _, id := range drop {
		delete(e.sessions, id)
	}
	e.mu.Unlock()

	for _, id := range drop {
		e.forget(ctx, id)
	}
	e.log.Debug("pruned %d terminal sessions", len(drop))
	return len(drop)
}

func (e *Engine) lookup(id string) (*entry, error) {
	e.mu.RLock()
	ent, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: id=%s", domain.ErrSessionNotFound, id)
	}
	return ent, nil
}

func (e *Engine) entries() []*entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*entry, 0, len(e.sessions))
	for _, ent := range e.sessions {
		out = append(out, ent)
	}
	return out
}

// unbind releases the journey slot held by s. Called with the session
// lock held; takes the registry lock briefly.
func (e *Engine) unbind(s *domain.Session) {
	if s.JourneyID == "" {
		return
	}
	e.mu.Lock()
	if e.byJourney[s.JourneyID] == s.ID {
		delete(e.byJourney, s.JourneyID)
	}
	e.mu.Unlock()
}

// effects collects what a transition wants to tell the outside world.
// They are flushed only after the session lock is released.
type effects struct {
	notes  []domain.Notification
	events []domain.Event
}

func (fx *effects) notify(n domain.Notification) {
	fx.notes = append(fx.notes, n)
}

func (fx *effects) emit(ev domain.Event) {
	fx.events = append(fx.events, ev)
}

func (e *Engine) flush(ctx context.Context, fx effects) {
	for _, n := range fx.notes {
		e.dispatcher.Dispatch(ctx, n)
	}
	for _, ev := range fx.events {
		e.publisher.Publish(ctx, ev)
	}
}

func (e *Engine) notification(kind domain.NotificationKind, s *domain.Session, to []string, now time.Time) domain.Notification {
	return domain.Notification{
		ID:               newID(),
		Kind:             kind,
		KindName:         kind.String(),
		SessionID:        s.ID,
		SessionKind:      s.Kind.String(),
		JourneyID:        s.JourneyID,
		OwnerID:          s.OwnerID,
		ContactIDs:       append([]string(nil), to...),
		Position:         copyPosition(s.LastKnownPosition),
		RemainingSeconds: s.RemainingSeconds(now),
		ShareLink:        s.ShareLink,
		CreatedAt:        now,
	}
}

func (e *Engine) event(t domain.EventType, s *domain.Session, now time.Time) domain.Event {
	return domain.Event{
		Type:      t,
		SessionID: s.ID,
		JourneyID: s.JourneyID,
		Kind:      s.Kind,
		State:     s.State,
		Remaining: s.Remaining(now),
		Position:  copyPosition(s.LastKnownPosition),
		At:        now,
		Snapshot:  s.Clone(),
	}
}

// touch stamps a committed transition. Caller holds the session lock.
func touch(s *domain.Session, now time.Time) {
	s.UpdatedAt = now
	s.Version++
}

func copyPosition(p *domain.Position) *domain.Position {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.Event) {}
