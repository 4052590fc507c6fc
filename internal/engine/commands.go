package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hammamikhairi/safemate/internal/domain"
)

// Arm creates a session in the Active state. Timers and live shares start
// counting down; an emergency alert escalates before Arm returns.
func (e *Engine) Arm(ctx context.Context, req ArmRequest) (domain.Session, error) {
	contacts := dedupe(req.ContactIDs)
	if err := e.validateArm(ctx, req, contacts); err != nil {
		return domain.Session{}, err
	}

	now := e.clock.Now()
	s := &domain.Session{
		ID:                newID(),
		Kind:              req.Kind,
		State:             domain.StateActive,
		JourneyID:         req.JourneyID,
		OwnerID:           req.OwnerID,
		ContactIDs:        contacts,
		ArmedAt:           now,
		UpdatedAt:         now,
		Version:           1,
	}
	if req.Kind.Expires() {
		s.PlannedDuration = req.Duration
	}
	if req.Kind == domain.KindLiveShare {
		s.ShareLink = e.shareBase + "/" + s.ID
		s.AllowAnonymous = req.Share.AllowAnonymous
		s.KeepHistory = !req.Share.HideHistory
	}
	if req.Position != nil {
		s.RecordPosition(*req.Position)
	}

	ent := &entry{s: s}
	// Held until the expiry is scheduled so no callback sees a half-built session.
	ent.mu.Lock()

	e.mu.Lock()
	if req.JourneyID != "" {
		if existing, ok := e.byJourney[req.JourneyID]; ok {
			e.mu.Unlock()
			ent.mu.Unlock()
			return domain.Session{}, fmt.Errorf("%w: journey=%s session=%s", domain.ErrAlreadyArmed, req.JourneyID, existing)
		}
		e.byJourney[req.JourneyID] = s.ID
	}
	e.sessions[s.ID] = ent
	e.mu.Unlock()

	var fx effects
	if s.Kind == domain.KindEmergencyAlert {
		at := now
		s.EscalatedAt = &at
		fx.emit(e.event(domain.EventSessionArmed, s, now))
		fx.emit(e.event(domain.EventSessionEscalated, s, now))
		if len(s.ContactIDs) > 0 {
			fx.notify(e.notification(domain.NotifyEscalation, s, s.ContactIDs, now))
		} else {
			e.log.Warn("emergency alert %s armed with no contacts; nobody will be notified", s.ID)
		}
	} else {
		e.scheduleLocked(ent, s.PlannedDuration)
		fx.emit(e.event(domain.EventSessionArmed, s, now))
		fx.notify(e.notification(domain.NotifyArmed, s, s.ContactIDs, now))
	}
	snap := s.Clone()
	ent.mu.Unlock()

	e.flush(ctx, fx)
	e.log.Info("armed %s session %s (journey=%s, contacts=%d, duration=%s)",
		snap.Kind, snap.ID, snap.JourneyID, len(snap.ContactIDs), snap.PlannedDuration)
	return snap, nil
}

func (e *Engine) validateArm(ctx context.Context, req ArmRequest, contacts []string) error {
	switch req.Kind {
	case domain.KindSafeTimer, domain.KindLiveShare, domain.KindEmergencyAlert:
	default:
		return fmt.Errorf("%w: kind=%d", domain.ErrUnsupportedOperation, req.Kind)
	}
	if req.Kind.RequiresContacts() && len(contacts) == 0 {
		return fmt.Errorf("%w: %s needs at least one contact", domain.ErrNoContactsSelected, req.Kind)
	}
	if req.Kind.Expires() {
		if req.Duration <= 0 || req.Duration > e.maxDuration {
			return fmt.Errorf("%w: %s not in (0, %s]", domain.ErrDurationOutOfRange, req.Duration, e.maxDuration)
		}
	}
	for _, id := range contacts {
		if err := e.checkContact(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) checkContact(ctx context.Context, id string) error {
	if _, err := e.contacts.Lookup(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: id=%s", domain.ErrUnknownContact, id)
		}
		return fmt.Errorf("looking up contact %s: %w", id, err)
	}
	return nil
}

// Pause freezes a safe timer's countdown.
func (e *Engine) Pause(ctx context.Context, id string) (domain.Session, error) {
	ent, err := e.lookup(id)
	if err != nil {
		return domain.Session{}, err
	}

	ent.mu.Lock()
	s := ent.s
	if s.Kind != domain.KindSafeTimer {
		ent.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: cannot pause a %s", domain.ErrUnsupportedOperation, s.Kind)
	}
	if s.State != domain.StateActive {
		ent.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: cannot pause a %s session", domain.ErrInvalidTransition, s.State)
	}

	now := e.clock.Now()
	var fx effects
	if s.Remaining(now) == 0 {
		// The deadline already passed; escalation wins over a late pause.
		fx = e.fireLocked(ent, now)
		ent.mu.Unlock()
		e.flush(ctx, fx)
		return domain.Session{}, fmt.Errorf("%w: session %s is already due", domain.ErrInvalidTransition, id)
	}

	e.cancelLocked(ent)
	s.State = domain.StatePaused
	s.PausedAt = now
	touch(s, now)
	fx.emit(e.event(domain.EventSessionPaused, s, now))
	snap := s.Clone()
	ent.mu.Unlock()

	e.flush(ctx, fx)
	e.log.Info("paused session %s with %s left", id, snap.Remaining(now).Round(time.Second))
	return snap, nil
}

// Resume restarts a paused safe timer. Paused time never counts against it.
func (e *Engine) Resume(ctx context.Context, id string) (domain.Session, error) {
	ent, err := e.lookup(id)
	if err != nil {
		return domain.Session{}, err
	}

	ent.mu.Lock()
	s := ent.s
	if s.Kind != domain.KindSafeTimer {
		ent.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: cannot resume a %s", domain.ErrUnsupportedOperation, s.Kind)
	}
	if s.State != domain.StatePaused {
		ent.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: cannot resume a %s session", domain.ErrInvalidTransition, s.State)
	}

	now := e.clock.Now()
	s.PausedTotal += now.Sub(s.PausedAt)
	s.PausedAt = time.Time{}
	s.State = domain.StateActive
	touch(s, now)
	left := s.Remaining(now)
	e.scheduleLocked(ent, left)

	var fx effects
	fx.emit(e.event(domain.EventSessionResumed, s, now))
	snap := s.Clone()
	ent.mu.Unlock()

	e.flush(ctx, fx)
	e.log.Info("resumed session %s with %s left", id, left.Round(time.Second))
	return snap, nil
}

// Extend grants extra time to a timer or live share. Extensions add to the
// allotment; they never reset the countdown.
func (e *Engine) Extend(ctx context.Context, id string, added time.Duration, pos *domain.Position) (domain.Session, error) {
	ent, err := e.lookup(id)
	if err != nil {
		return domain.Session{}, err
	}

	ent.mu.Lock()
	s := ent.s
	if !s.Kind.Expires() {
		ent.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: cannot extend a %s", domain.ErrUnsupportedOperation, s.Kind)
	}
	if s.State != domain.StateActive && s.State != domain.StatePaused {
		ent.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: cannot extend a %s session", domain.ErrInvalidTransition, s.State)
	}
	if added <= 0 {
		ent.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: extension must be positive, got %s", domain.ErrDurationOutOfRange, added)
	}

	now := e.clock.Now()
	left := s.Remaining(now)
	var fx effects
	if s.State == domain.StateActive && left == 0 {
		fx = e.fireLocked(ent, now)
		ent.mu.Unlock()
		e.flush(ctx, fx)
		return domain.Session{}, fmt.Errorf("%w: session %s is already due", domain.ErrInvalidTransition, id)
	}
	// Compared by subtraction so a huge extension cannot wrap the allotment.
	if added > e.maxDuration || added > e.maxDuration-left {
		ent.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: %s left plus %s exceeds %s", domain.ErrDurationOutOfRange, left, added, e.maxDuration)
	}

	s.Extensions = append(s.Extensions, domain.Extension{GrantedAt: now, Added: added})
	if pos != nil {
		s.RecordPosition(*pos)
	}
	touch(s, now)
	if s.State == domain.StateActive {
		e.scheduleLocked(ent, s.Remaining(now))
	}
	fx.emit(e.event(domain.EventSessionExtended, s, now))
	snap := s.Clone()
	ent.mu.Unlock()

	e.flush(ctx, fx)
	e.log.Info("extended session %s by %s (%s left)", id, added, snap.Remaining(now).Round(time.Second))
	return snap, nil
}

// Stop ends a non-terminal session voluntarily and tells its contacts the
// user is safe.
func (e *Engine) Stop(ctx context.Context, id string) (domain.Session, error) {
	ent, err := e.lookup(id)
	if err != nil {
		return domain.Session{}, err
	}

	ent.mu.Lock()
	s := ent.s
	if s.State.Terminal() {
		ent.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: session %s is already %s", domain.ErrInvalidTransition, id, s.State)
	}

	now := e.clock.Now()
	if s.State == domain.StatePaused {
		s.PausedTotal += now.Sub(s.PausedAt)
		s.PausedAt = time.Time{}
	}
	e.cancelLocked(ent)
	s.State = domain.StateStopped
	s.EndedAt = now
	touch(s, now)
	e.unbind(s)

	var fx effects
	fx.emit(e.event(domain.EventSessionStopped, s, now))
	if len(s.ContactIDs) > 0 {
		fx.notify(e.notification(domain.NotifyCompletion, s, s.ContactIDs, now))
	}
	snap := s.Clone()
	ent.mu.Unlock()

	e.flush(ctx, fx)
	e.log.Info("stopped %s session %s", snap.Kind, id)
	return snap, nil
}

// InviteContact adds a contact to a live share and sends them the current
// session snapshot. Inviting a contact already on the share is a no-op.
func (e *Engine) InviteContact(ctx context.Context, id, contactID string) (domain.Session, error) {
	ent, err := e.lookup(id)
	if err != nil {
		return domain.Session{}, err
	}
	if err := e.checkContact(ctx, contactID); err != nil {
		return domain.Session{}, err
	}

	ent.mu.Lock()
	s := ent.s
	if err := liveShareMutable(s, "invite to"); err != nil {
		ent.mu.Unlock()
		return domain.Session{}, err
	}
	if s.HasContact(contactID) {
		snap := s.Clone()
		ent.mu.Unlock()
		e.log.Debug("contact %s already on share %s", contactID, id)
		return snap, nil
	}

	now := e.clock.Now()
	s.ContactIDs = append(s.ContactIDs, contactID)
	s.RevokedContactIDs = remove(s.RevokedContactIDs, contactID)
	touch(s, now)

	var fx effects
	ev := e.event(domain.EventContactInvited, s, now)
	ev.ContactID = contactID
	fx.emit(ev)
	fx.notify(e.notification(domain.NotifyInvite, s, []string{contactID}, now))
	snap := s.Clone()
	ent.mu.Unlock()

	e.flush(ctx, fx)
	e.log.Info("invited contact %s to share %s", contactID, id)
	return snap, nil
}

// RevokeContact removes a contact from a live share. They get no further
// updates; what they already received is not recalled.
func (e *Engine) RevokeContact(ctx context.Context, id, contactID string) (domain.Session, error) {
	ent, err := e.lookup(id)
	if err != nil {
		return domain.Session{}, err
	}

	ent.mu.Lock()
	s := ent.s
	if err := liveShareMutable(s, "revoke from"); err != nil {
		ent.mu.Unlock()
		return domain.Session{}, err
	}
	if !s.HasContact(contactID) {
		ent.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: %s is not on share %s", domain.ErrUnknownContact, contactID, id)
	}

	now := e.clock.Now()
	s.ContactIDs = remove(s.ContactIDs, contactID)
	s.RevokedContactIDs = append(s.RevokedContactIDs, contactID)
	touch(s, now)

	var fx effects
	ev := e.event(domain.EventContactRevoked, s, now)
	ev.ContactID = contactID
	fx.emit(ev)
	snap := s.Clone()
	ent.mu.Unlock()

	e.flush(ctx, fx)
	e.log.Info("revoked contact %s from share %s", contactID, id)
	return snap, nil
}

// UpdatePosition records a fresh position. Live shares forward it to every
// contact still on the share.
func (e *Engine) UpdatePosition(ctx context.Context, id string, pos domain.Position) (domain.Session, error) {
	ent, err := e.lookup(id)
	if err != nil {
		return domain.Session{}, err
	}

	ent.mu.Lock()
	s := ent.s
	if s.State.Terminal() {
		ent.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: session %s is %s", domain.ErrInvalidTransition, id, s.State)
	}

	now := e.clock.Now()
	s.RecordPosition(pos)
	touch(s, now)

	var fx effects
	fx.emit(e.event(domain.EventPositionUpdated, s, now))
	if s.Kind == domain.KindLiveShare && len(s.ContactIDs) > 0 {
		fx.notify(e.notification(domain.NotifyLocationUpdate, s, s.ContactIDs, now))
	}
	snap := s.Clone()
	ent.mu.Unlock()

	e.flush(ctx, fx)
	e.log.Debug("position update for session %s", id)
	return snap, nil
}

func liveShareMutable(s *domain.Session, verb string) error {
	if s.Kind != domain.KindLiveShare {
		return fmt.Errorf("%w: cannot %s a %s", domain.ErrUnsupportedOperation, verb, s.Kind)
	}
	if s.State.Terminal() {
		return fmt.Errorf("%w: cannot %s a %s share", domain.ErrInvalidTransition, verb, s.State)
	}
	return nil
}

// dedupe drops blanks and repeats while keeping first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func remove(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
