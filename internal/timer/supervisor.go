// Package timer implements the countdown supervisor that watches armed
// sessions, publishes reminder and almost-due events, and sweeps for
// sessions whose expiry callback never ran.
package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hammamikhairi/safemate/internal/clock"
	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/logger"
)

// Sessions is the slice of the engine the supervisor needs.
type Sessions interface {
	Active(ctx context.Context) []domain.Session
	CheckExpiry(ctx context.Context, id string) (domain.Session, error)
	Prune(ctx context.Context, cutoff time.Time) int
}

// Option configures the supervisor.
type Option func(*Supervisor)

// WithTickInterval sets how often the supervisor checks sessions.
func WithTickInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.tickInterval = d
	}
}

// WithReminderInterval sets how often running countdowns publish a reminder.
// Zero disables reminders.
func WithReminderInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.reminderInterval = d
	}
}

// WithAlmostDueThreshold sets how close to expiry a countdown must be to
// trigger the "almost due" warning.
func WithAlmostDueThreshold(d time.Duration) Option {
	return func(s *Supervisor) {
		s.almostDueThreshold = d
	}
}

// WithRetention sets how long ended sessions stay queryable before they are
// pruned. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(s *Supervisor) {
		s.retention = d
	}
}

// WithClock sets the clock that drives ticks.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) {
		s.clock = c
	}
}

// track is what the supervisor remembers about one session between ticks.
type track struct {
	warnedAlmost   bool
	lastRemindedAt time.Time
}

// Supervisor runs in the background on the injected clock.
type Supervisor struct {
	sessions           Sessions
	publisher          domain.EventPublisher
	clock              clock.Clock
	log                *logger.Logger
	tickInterval       time.Duration
	reminderInterval   time.Duration // periodic "X remaining" reminders
	almostDueThreshold time.Duration // "almost due" warning threshold
	retention          time.Duration

	mu        sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	timer     clock.Timer
	tracks    map[string]*track
	lastPrune time.Time
}

// New creates a supervisor with the given dependencies and options.
func New(sessions Sessions, publisher domain.EventPublisher, log *logger.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		sessions:           sessions,
		publisher:          publisher,
		clock:              clock.Real(),
		log:                log,
		tickInterval:       1 * time.Second,
		reminderInterval:   5 * time.Minute,
		almostDueThreshold: 2 * time.Minute,
		retention:          1 * time.Hour,
		tracks:             make(map[string]*track),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins ticking. Non-blocking.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.log.Warn("timer supervisor already running")
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.lastPrune = s.clock.Now()
	s.scheduleLocked()

	s.log.Info("timer supervisor started (tick=%s, reminder=%s, almost-due=%s)",
		s.tickInterval, s.reminderInterval, s.almostDueThreshold)
}

// Stop shuts down the supervisor. A tick already in progress finishes.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancel()
	s.running = false
	s.log.Info("timer supervisor stopped")
}

func (s *Supervisor) scheduleLocked() {
	s.timer = s.clock.AfterFunc(s.tickInterval, s.fire)
}

// fire runs one tick and schedules the next.
func (s *Supervisor) fire() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.tick(ctx)

	s.mu.Lock()
	if s.running {
		s.scheduleLocked()
	}
	s.mu.Unlock()
}

// tick runs one cycle over every live session.
func (s *Supervisor) tick(ctx context.Context) {
	now := s.clock.Now()
	active := s.sessions.Active(ctx)

	seen := make(map[string]bool, len(active))
	for i := range active {
		seen[active[i].ID] = true
		s.processSession(ctx, &active[i], now)
	}

	s.mu.Lock()
	for id := range s.tracks {
		if !seen[id] {
			delete(s.tracks, id)
		}
	}
	prune := s.retention > 0 && now.Sub(s.lastPrune) >= time.Minute
	if prune {
		s.lastPrune = now
	}
	s.mu.Unlock()

	if prune {
		s.sessions.Prune(ctx, now.Add(-s.retention))
	}
}

// processSession handles reminders and the expiry sweep for one session.
func (s *Supervisor) processSession(ctx context.Context, sess *domain.Session, now time.Time) {
	if !sess.Kind.Expires() || sess.State != domain.StateActive {
		return
	}

	remaining := sess.Remaining(now)
	if remaining <= 0 {
		s.log.Debug("supervisor: session %s is due, checking expiry", sess.ID)
		if _, err := s.sessions.CheckExpiry(ctx, sess.ID); err != nil {
			s.log.Error("supervisor: checking expiry of %s: %v", sess.ID, err)
		}
		return
	}

	s.mu.Lock()
	tr, ok := s.tracks[sess.ID]
	if !ok {
		tr = &track{}
		s.tracks[sess.ID] = tr
	}

	if tr.warnedAlmost && remaining > s.almostDueThreshold {
		// An extension pushed the deadline back out.
		tr.warnedAlmost = false
	}

	var publish []domain.EventType
	allotted := sess.Allotted()

	switch {
	// "Almost due" warning, once per crossing of the threshold.
	case !tr.warnedAlmost && remaining <= s.almostDueThreshold && allotted > s.almostDueThreshold*2:
		tr.warnedAlmost = true
		tr.lastRemindedAt = now
		publish = append(publish, domain.EventSessionAlmostDue)

	case s.reminderInterval > 0 && allotted > s.reminderInterval:
		if tr.lastRemindedAt.IsZero() {
			// First reminder one interval after arm.
			if sess.Elapsed(now) >= s.reminderInterval {
				tr.lastRemindedAt = now
				publish = append(publish, domain.EventSessionReminder)
			}
		} else if now.Sub(tr.lastRemindedAt) >= s.reminderInterval {
			tr.lastRemindedAt = now
			publish = append(publish, domain.EventSessionReminder)
		}
	}
	s.mu.Unlock()

	for _, t := range publish {
		s.log.Debug("supervisor: %s for %s session %s, %s left", t, sess.Kind, sess.ID, FormatRemaining(remaining))
		s.publisher.Publish(ctx, domain.Event{
			Type:      t,
			SessionID: sess.ID,
			JourneyID: sess.JourneyID,
			Kind:      sess.Kind,
			State:     sess.State,
			Remaining: remaining,
			Position:  sess.LastKnownPosition,
			At:        now,
			Snapshot:  *sess,
		})
	}
}

// FormatRemaining returns a human-friendly duration for reminders.
// Rounds to the nearest minute once there's at least 1 minute left.
func FormatRemaining(d time.Duration) string {
	d = d.Round(time.Second)
	totalSec := int(d.Seconds())
	if totalSec < 60 {
		if totalSec == 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", totalSec)
	}
	// Round to nearest minute.
	m := (totalSec + 30) / 60
	if m == 1 {
		return "1 minute"
	}
	if m < 60 {
		return fmt.Sprintf("%d minutes", m)
	}
	h, m := m/60, m%60
	if m == 0 {
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	}
	return fmt.Sprintf("%dh%02d", h, m)
}
