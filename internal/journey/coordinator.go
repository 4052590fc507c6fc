// Package journey tracks declared journeys and keeps at most one safety
// session bound to each.
package journey

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hammamikhairi/safemate/internal/clock"
	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/engine"
	"github.com/hammamikhairi/safemate/internal/logger"
)

// SessionEngine is the part of the engine the coordinator drives.
type SessionEngine interface {
	Arm(ctx context.Context, req engine.ArmRequest) (domain.Session, error)
	Stop(ctx context.Context, id string) (domain.Session, error)
	Session(ctx context.Context, id string) (domain.Session, error)
}

// Compile-time interface check.
var _ SessionEngine = (*engine.Engine)(nil)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used to stamp DeclaredAt.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// JourneyRequest declares a new journey.
type JourneyRequest struct {
	OwnerID          string
	Type             domain.JourneyType
	Departure        string
	Destination      string
	ExpectedDuration time.Duration
	ContactIDs       []string
}

// Coordinator owns journeys. Its lock is never held while calling the
// engine, since engine events come back through HandleEvent.
type Coordinator struct {
	engine SessionEngine
	clock  clock.Clock
	log    *logger.Logger

	mu       sync.Mutex
	journeys map[string]*domain.Journey
}

// New creates a coordinator on top of an engine.
func New(eng SessionEngine, log *logger.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		engine:   eng,
		clock:    clock.Real(),
		log:      log,
		journeys: make(map[string]*domain.Journey),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartJourney records a journey in the Planning state.
func (c *Coordinator) StartJourney(ctx context.Context, req JourneyRequest) (domain.Journey, error) {
	dep := strings.TrimSpace(req.Departure)
	dst := strings.TrimSpace(req.Destination)
	if dep == "" || dst == "" {
		return domain.Journey{}, fmt.Errorf("%w: from=%q to=%q", domain.ErrMissingJourneyDetails, req.Departure, req.Destination)
	}
	if req.ExpectedDuration < 0 {
		return domain.Journey{}, fmt.Errorf("%w: expected duration %s", domain.ErrDurationOutOfRange, req.ExpectedDuration)
	}

	j := &domain.Journey{
		ID:               uuid.NewString(),
		OwnerID:          req.OwnerID,
		Type:             req.Type,
		Departure:        dep,
		Destination:      dst,
		ExpectedDuration: req.ExpectedDuration,
		ContactIDs:       append([]string(nil), req.ContactIDs...),
		DeclaredAt:       c.clock.Now(),
		Status:           domain.JourneyPlanning,
	}

	c.mu.Lock()
	c.journeys[j.ID] = j
	snap := j.Clone()
	c.mu.Unlock()

	c.log.Info("journey %s declared: %s -> %s (%s)", j.ID, dep, dst, j.Type)
	return snap, nil
}

// ArmSafetyMode arms a session for a journey. Empty contactIDs or a zero
// duration fall back to what the journey was declared with. Engine errors
// are returned unchanged.
func (c *Coordinator) ArmSafetyMode(ctx context.Context, journeyID string, kind domain.Kind, contactIDs []string, duration time.Duration, pos *domain.Position) (domain.Session, error) {
	return c.arm(ctx, journeyID, kind, contactIDs, duration, pos, engine.ShareOptions{})
}

// ShareJourney arms a live share for a journey with explicit viewing options.
func (c *Coordinator) ShareJourney(ctx context.Context, journeyID string, contactIDs []string, duration time.Duration, pos *domain.Position, share engine.ShareOptions) (domain.Session, error) {
	return c.arm(ctx, journeyID, domain.KindLiveShare, contactIDs, duration, pos, share)
}

func (c *Coordinator) arm(ctx context.Context, journeyID string, kind domain.Kind, contactIDs []string, duration time.Duration, pos *domain.Position, share engine.ShareOptions) (domain.Session, error) {
	c.mu.Lock()
	j, ok := c.journeys[journeyID]
	if !ok || j.Status == domain.JourneyEnded {
		c.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: id=%s", domain.ErrJourneyNotFound, journeyID)
	}
	if j.BoundSessionID != "" {
		bound := j.BoundSessionID
		c.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: journey=%s session=%s", domain.ErrAlreadyArmed, journeyID, bound)
	}
	if len(contactIDs) == 0 {
		contactIDs = append([]string(nil), j.ContactIDs...)
	}
	if duration == 0 && kind.Expires() {
		duration = j.ExpectedDuration
	}
	owner := j.OwnerID
	c.mu.Unlock()

	s, err := c.engine.Arm(ctx, engine.ArmRequest{
		OwnerID:    owner,
		Kind:       kind,
		JourneyID:  journeyID,
		ContactIDs: contactIDs,
		Duration:   duration,
		Position:   pos,
		Share:      share,
	})
	if err != nil {
		return domain.Session{}, err
	}

	c.mu.Lock()
	j, ok = c.journeys[journeyID]
	live := ok && j.Status != domain.JourneyEnded
	if live && j.BoundSessionID == "" {
		j.BoundSessionID = s.ID
		j.Status = domain.JourneyProtected
		if s.EscalatedAt != nil {
			j.Status = domain.JourneyAlerting
		}
	}
	c.mu.Unlock()

	if !live {
		// Ended while we were arming; the session has nothing to protect.
		c.log.Warn("journey %s ended during arm, stopping session %s", journeyID, s.ID)
		if _, err := c.engine.Stop(ctx, s.ID); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			c.log.Error("stopping orphaned session %s: %v", s.ID, err)
		}
		return domain.Session{}, fmt.Errorf("%w: id=%s", domain.ErrJourneyNotFound, journeyID)
	}

	// The session may have ended before it was bound, in which case its
	// event found no binding. Re-read and apply it here.
	if cur, err := c.engine.Session(ctx, s.ID); err == nil && cur.State.Terminal() {
		c.OnSessionTerminal(cur.ID, cur.State)
	}

	c.log.Info("journey %s protected by %s session %s", journeyID, s.Kind, s.ID)
	return s, nil
}

// EndJourney stops the bound session, if still running, and forgets the
// journey. Ending an unknown or already ended journey is a no-op.
func (c *Coordinator) EndJourney(ctx context.Context, journeyID string) error {
	c.mu.Lock()
	j, ok := c.journeys[journeyID]
	if !ok || j.Status == domain.JourneyEnded {
		c.mu.Unlock()
		return nil
	}
	j.Status = domain.JourneyEnded
	bound := j.BoundSessionID
	c.mu.Unlock()

	if bound != "" {
		if _, err := c.engine.Stop(ctx, bound); err != nil &&
			!errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrSessionNotFound) {
			c.mu.Lock()
			if j, ok := c.journeys[journeyID]; ok {
				j.Status = domain.JourneyProtected
			}
			c.mu.Unlock()
			return fmt.Errorf("stopping session %s: %w", bound, err)
		}
	}

	c.mu.Lock()
	delete(c.journeys, journeyID)
	c.mu.Unlock()

	c.log.Info("journey %s ended", journeyID)
	return nil
}

// OnSessionTerminal updates the journey bound to sessionID. Escalation keeps
// the binding so nothing else can be armed while contacts are alerted;
// Stopped and Expired free the journey for a new session.
func (c *Coordinator) OnSessionTerminal(sessionID string, state domain.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, j := range c.journeys {
		if j.BoundSessionID != sessionID {
			continue
		}
		switch state {
		case domain.StateEscalated:
			j.Status = domain.JourneyAlerting
		case domain.StateStopped, domain.StateExpired:
			j.BoundSessionID = ""
			if j.Status != domain.JourneyEnded {
				j.Status = domain.JourneyPlanning
			}
		default:
			return
		}
		c.log.Debug("journey %s: session %s is %s, journey now %s", j.ID, sessionID, state, j.Status)
		return
	}
}

// HandleEvent is the bus handler feeding OnSessionTerminal.
func (c *Coordinator) HandleEvent(_ context.Context, e domain.Event) {
	switch e.Type {
	case domain.EventSessionEscalated:
		// Emergency alerts escalate while staying Active.
		c.OnSessionTerminal(e.SessionID, domain.StateEscalated)
	case domain.EventSessionStopped:
		c.OnSessionTerminal(e.SessionID, domain.StateStopped)
	case domain.EventSessionExpiredSoft:
		c.OnSessionTerminal(e.SessionID, domain.StateExpired)
	}
}

// Journey returns a snapshot of one journey.
func (c *Coordinator) Journey(ctx context.Context, id string) (domain.Journey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.journeys[id]
	if !ok {
		return domain.Journey{}, fmt.Errorf("%w: id=%s", domain.ErrJourneyNotFound, id)
	}
	return j.Clone(), nil
}

// Journeys returns every live journey, oldest first.
func (c *Coordinator) Journeys(ctx context.Context) []domain.Journey {
	c.mu.Lock()
	out := make([]domain.Journey, 0, len(c.journeys))
	for _, j := range c.journeys {
		out = append(out, j.Clone())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return out[i].DeclaredAt.Before(out[k].DeclaredAt) })
	return out
}
