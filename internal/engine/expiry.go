package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hammamikhairi/safemate/internal/domain"
)

// scheduleLocked (re)arms the expiry callback to fire after d. Caller holds ent.mu.
func (e *Engine) scheduleLocked(ent *entry, d time.Duration) {
	e.cancelLocked(ent)
	gen := ent.gen
	id := ent.s.ID
	ent.timer = e.clock.AfterFunc(d, func() {
		e.expire(id, gen)
	})
}

// cancelLocked stops any pending callback and invalidates it even if it is
// already running. Caller holds ent.mu.
func (e *Engine) cancelLocked(ent *entry) {
	if ent.timer != nil {
		ent.timer.Stop()
		ent.timer = nil
	}
	ent.gen++
}

// expire is the timer callback. A callback from an older generation, or one
// that lost the race against Stop or Pause, does nothing.
func (e *Engine) expire(id string, gen uint64) {
	ent, err := e.lookup(id)
	if err != nil {
		return
	}

	ent.mu.Lock()
	if ent.gen != gen || ent.s.State != domain.StateActive {
		ent.mu.Unlock()
		e.log.Debug("stale expiry for session %s ignored", id)
		return
	}
	now := e.clock.Now()
	if left := ent.s.Remaining(now); left > 0 {
		e.scheduleLocked(ent, left)
		ent.mu.Unlock()
		return
	}
	fx := e.fireLocked(ent, now)
	ent.mu.Unlock()

	e.flush(context.Background(), fx)
}

// fireLocked moves a due session into its terminal state. Safe timers
// escalate to every selected contact; live shares just lapse. Caller holds ent.mu.
func (e *Engine) fireLocked(ent *entry, now time.Time) effects {
	e.cancelLocked(ent)
	s := ent.s
	s.EndedAt = now
	touch(s, now)

	var fx effects
	switch s.Kind {
	case domain.KindSafeTimer:
		s.State = domain.StateEscalated
		at := now
		s.EscalatedAt = &at
		fx.notify(e.notification(domain.NotifyEscalation, s, s.ContactIDs, now))
		fx.emit(e.event(domain.EventSessionEscalated, s, now))
		e.log.Warn("safe timer %s ran out, escalating to %d contacts", s.ID, len(s.ContactIDs))
	case domain.KindLiveShare:
		s.State = domain.StateExpired
		fx.emit(e.event(domain.EventSessionExpiredSoft, s, now))
		e.log.Info("live share %s expired", s.ID)
	}
	e.unbind(s)
	return fx
}

// CheckExpiry fires a session whose deadline has passed without its callback
// having run yet. It is a no-op for anything not both Active and due.
func (e *Engine) CheckExpiry(ctx context.Context, id string) (domain.Session, error) {
	ent, err := e.lookup(id)
	if err != nil {
		return domain.Session{}, err
	}

	ent.mu.Lock()
	s := ent.s
	now := e.clock.Now()
	if s.State != domain.StateActive || !s.Kind.Expires() || s.Remaining(now) > 0 {
		snap := s.Clone()
		ent.mu.Unlock()
		return snap, nil
	}
	fx := e.fireLocked(ent, now)
	snap := s.Clone()
	ent.mu.Unlock()

	e.flush(ctx, fx)
	return snap, nil
}

// Recover reloads non-terminal sessions from the store and reschedules
// their expiry. Sessions that fell due while the process was down fire
// right away. It returns how many sessions were restored.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	saved, err := e.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing stored sessions: %w", err)
	}

	var (
		restored int
		pending  []effects
	)
	for _, snap := range saved {
		if snap.State.Terminal() {
			continue
		}
		s := snap.Clone()
		ent := &entry{s: &s}
		ent.mu.Lock()

		e.mu.Lock()
		if _, dup := e.sessions[s.ID]; dup {
			e.mu.Unlock()
			ent.mu.Unlock()
			continue
		}
		if s.JourneyID != "" {
			if other, taken := e.byJourney[s.JourneyID]; taken {
				e.mu.Unlock()
				ent.mu.Unlock()
				e.log.Warn("recover: journey %s already bound to %s, skipping %s", s.JourneyID, other, s.ID)
				continue
			}
			e.byJourney[s.JourneyID] = s.ID
		}
		e.sessions[s.ID] = ent
		e.mu.Unlock()

		now := e.clock.Now()
		if s.State == domain.StateActive && s.Kind.Expires() {
			if left := s.Remaining(now); left > 0 {
				e.scheduleLocked(ent, left)
			} else {
				pending = append(pending, e.fireLocked(ent, now))
			}
		}
		ent.mu.Unlock()
		restored++
	}

	for _, fx := range pending {
		e.flush(ctx, fx)
	}
	if restored > 0 {
		e.log.Info("recovered %d sessions (%d fired on load)", restored, len(pending))
	}
	return restored, nil
}

// forget drops a session from the store, ignoring one that is already gone.
func (e *Engine) forget(ctx context.Context, id string) {
	if e.store == nil {
		return
	}
	if err := e.store.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		e.log.Warn("deleting stored session %s: %v", id, err)
	}
}
