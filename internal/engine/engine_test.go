package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hammamikhairi/safemate/internal/clock"
	"github.com/hammamikhairi/safemate/internal/contacts"
	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/events"
	"github.com/hammamikhairi/safemate/internal/logger"
	"github.com/hammamikhairi/safemate/internal/storage"
)

var epoch = time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC)

// recorder captures dispatched notifications and published events.
type recorder struct {
	mu     sync.Mutex
	notes  []domain.Notification
	events []domain.Event
}

func (r *recorder) Dispatch(_ context.Context, n domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) Publish(_ context.Context, e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(kind domain.NotificationKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind domain.NotificationKind) (domain.Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.notes) - 1; i >= 0; i-- {
		if r.notes[i].Kind == kind {
			return r.notes[i], true
		}
	}
	return domain.Notification{}, false
}

func (r *recorder) eventCount(t domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func setupEngine(t *testing.T, opts ...Option) (*Engine, *clock.Fake, *recorder) {
	t.Helper()
	log := logger.New(logger.LevelOff, nil)
	clk := clock.NewFake(epoch)
	rec := &recorder{}
	opts = append([]Option{WithClock(clk), WithPublisher(rec)}, opts...)
	eng := New(contacts.NewMemoryDirectory(log), rec, log, opts...)
	return eng, clk, rec
}

func armTimer(t *testing.T, eng *Engine, journeyID string, d time.Duration, ids ...string) domain.Session {
	t.Helper()
	s, err := eng.Arm(context.Background(), ArmRequest{
		OwnerID:    "u1",
		Kind:       domain.KindSafeTimer,
		JourneyID:  journeyID,
		ContactIDs: ids,
		Duration:   d,
	})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	return s
}

func mustState(t *testing.T, eng *Engine, id string, want domain.State) domain.Session {
	t.Helper()
	s, err := eng.Session(context.Background(), id)
	if err != nil {
		t.Fatalf("session %s: %v", id, err)
	}
	if s.State != want {
		t.Fatalf("expected %s, got %s", want, s.State)
	}
	return s
}

func TestSafeTimerEscalatesExactlyOnce(t *testing.T) {
	eng, clk, rec := setupEngine(t)
	s := armTimer(t, eng, "j1", 900*time.Second, "1", "2")

	if rec.count(domain.NotifyArmed) != 1 {
		t.Fatalf("expected armed notification, got %d", rec.count(domain.NotifyArmed))
	}

	clk.Advance(899 * time.Second)
	mustState(t, eng, s.ID, domain.StateActive)
	if rec.count(domain.NotifyEscalation) != 0 {
		t.Fatal("escalated before the deadline")
	}

	clk.Advance(time.Second)
	got := mustState(t, eng, s.ID, domain.StateEscalated)
	if got.EscalatedAt == nil || !got.EscalatedAt.Equal(epoch.Add(900*time.Second)) {
		t.Fatalf("unexpected escalation time: %v", got.EscalatedAt)
	}

	note, ok := rec.last(domain.NotifyEscalation)
	if !ok {
		t.Fatal("no escalation notification")
	}
	if len(note.ContactIDs) != 2 || note.ContactIDs[0] != "1" || note.ContactIDs[1] != "2" {
		t.Fatalf("escalation went to %v", note.ContactIDs)
	}

	clk.Advance(time.Hour)
	if n := rec.count(domain.NotifyEscalation); n != 1 {
		t.Fatalf("expected exactly one escalation, got %d", n)
	}
	if n := rec.eventCount(domain.EventSessionEscalated); n != 1 {
		t.Fatalf("expected one escalated event, got %d", n)
	}
	if _, ok := eng.ActiveForJourney(context.Background(), "j1"); ok {
		t.Fatal("escalated session still holds the journey slot")
	}
}

func TestPauseDefersEscalation(t *testing.T) {
	eng, clk, rec := setupEngine(t)
	ctx := context.Background()
	s := armTimer(t, eng, "j1", 600*time.Second, "1")

	clk.Advance(100 * time.Second)
	paused, err := eng.Pause(ctx, s.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if left := paused.Remaining(clk.Now()); left != 500*time.Second {
		t.Fatalf("expected 500s left at pause, got %s", left)
	}

	clk.Advance(500 * time.Second)
	mustState(t, eng, s.ID, domain.StatePaused)

	resumed, err := eng.Resume(ctx, s.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if left := resumed.Remaining(clk.Now()); left != 500*time.Second {
		t.Fatalf("paused time counted against the timer: %s left", left)
	}

	clk.Advance(499 * time.Second)
	mustState(t, eng, s.ID, domain.StateActive)
	if rec.count(domain.NotifyEscalation) != 0 {
		t.Fatal("escalated early")
	}

	clk.Advance(time.Second)
	got := mustState(t, eng, s.ID, domain.StateEscalated)
	if !got.EscalatedAt.Equal(epoch.Add(1100 * time.Second)) {
		t.Fatalf("escalated at %v, want t+1100s", got.EscalatedAt)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	eng, clk, _ := setupEngine(t)
	ctx := context.Background()
	s := armTimer(t, eng, "", 10*time.Minute, "1")

	clk.Advance(2 * time.Minute)
	before, _ := eng.Session(ctx, s.ID)
	if _, err := eng.Pause(ctx, s.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	after, err := eng.Resume(ctx, s.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if before.Remaining(clk.Now()) != after.Remaining(clk.Now()) {
		t.Fatalf("remaining changed: %s -> %s", before.Remaining(clk.Now()), after.Remaining(clk.Now()))
	}
	if after.PausedTotal != 0 {
		t.Fatalf("zero-length pause recorded %s", after.PausedTotal)
	}
}

func TestPauseRejections(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()
	s := armTimer(t, eng, "", 10*time.Minute, "1")

	if _, err := eng.Resume(ctx, s.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("resume of active: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := eng.Pause(ctx, s.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := eng.Pause(ctx, s.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("double pause: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := eng.Pause(ctx, "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	share, err := eng.Arm(ctx, ArmRequest{Kind: domain.KindLiveShare, ContactIDs: []string{"1"}, Duration: time.Hour})
	if err != nil {
		t.Fatalf("arm share: %v", err)
	}
	if _, err := eng.Pause(ctx, share.ID); !errors.Is(err, domain.ErrUnsupportedOperation) {
		t.Fatalf("pause share: expected ErrUnsupportedOperation, got %v", err)
	}
}

func TestLiveShareExpiresWithoutEscalation(t *testing.T) {
	eng, clk, rec := setupEngine(t)
	ctx := context.Background()

	s, err := eng.Arm(ctx, ArmRequest{
		OwnerID:    "u1",
		Kind:       domain.KindLiveShare,
		JourneyID:  "j1",
		ContactIDs: []string{"1"},
		Duration:   1800 * time.Second,
	})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	if s.ShareLink != DefaultShareBaseURL+"/"+s.ID {
		t.Fatalf("unexpected share link %q", s.ShareLink)
	}

	clk.Advance(600 * time.Second)
	if _, err := eng.InviteContact(ctx, s.ID, "3"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	invite, ok := rec.last(domain.NotifyInvite)
	if !ok || len(invite.ContactIDs) != 1 || invite.ContactIDs[0] != "3" {
		t.Fatalf("invite notification: %+v", invite)
	}

	clk.Advance(1200 * time.Second)
	got := mustState(t, eng, s.ID, domain.StateExpired)
	if got.EscalatedAt != nil {
		t.Fatal("live share expiry set EscalatedAt")
	}
	if len(got.ContactIDs) != 2 {
		t.Fatalf("expected 2 contacts after invite, got %v", got.ContactIDs)
	}
	if rec.count(domain.NotifyEscalation) != 0 {
		t.Fatal("live share expiry escalated")
	}
	if rec.eventCount(domain.EventSessionExpiredSoft) != 1 {
		t.Fatal("missing SessionExpiredSoft event")
	}
}

func TestLiveShareContacts(t *testing.T) {
	eng, _, rec := setupEngine(t)
	ctx := context.Background()

	s, err := eng.Arm(ctx, ArmRequest{Kind: domain.KindLiveShare, ContactIDs: []string{"1", "2"}, Duration: time.Hour})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}

	// Inviting someone already on the share changes nothing.
	if _, err := eng.InviteContact(ctx, s.ID, "1"); err != nil {
		t.Fatalf("re-invite: %v", err)
	}
	if rec.count(domain.NotifyInvite) != 0 {
		t.Fatal("re-invite sent a notification")
	}

	if _, err := eng.InviteContact(ctx, s.ID, "nobody"); !errors.Is(err, domain.ErrUnknownContact) {
		t.Fatalf("expected ErrUnknownContact, got %v", err)
	}

	got, err := eng.RevokeContact(ctx, s.ID, "1")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if got.HasContact("1") || len(got.RevokedContactIDs) != 1 {
		t.Fatalf("revoke did not move contact: %+v", got)
	}
	if _, err := eng.RevokeContact(ctx, s.ID, "1"); !errors.Is(err, domain.ErrUnknownContact) {
		t.Fatalf("double revoke: expected ErrUnknownContact, got %v", err)
	}

	if _, err := eng.UpdatePosition(ctx, s.ID, domain.Position{Latitude: 48.85, Longitude: 2.35}); err != nil {
		t.Fatalf("position: %v", err)
	}
	update, ok := rec.last(domain.NotifyLocationUpdate)
	if !ok {
		t.Fatal("no location update")
	}
	if len(update.ContactIDs) != 1 || update.ContactIDs[0] != "2" {
		t.Fatalf("location update went to %v", update.ContactIDs)
	}
	if update.Position == nil || update.Position.Latitude != 48.85 {
		t.Fatalf("location update missing position: %+v", update.Position)
	}

	timer := armTimer(t, eng, "", time.Hour, "1")
	if _, err := eng.InviteContact(ctx, timer.ID, "2"); !errors.Is(err, domain.ErrUnsupportedOperation) {
		t.Fatalf("invite to timer: expected ErrUnsupportedOperation, got %v", err)
	}
}

func TestEmergencyAlertEscalatesImmediately(t *testing.T) {
	eng, clk, rec := setupEngine(t)
	ctx := context.Background()

	s, err := eng.Arm(ctx, ArmRequest{
		OwnerID:    "u1",
		Kind:       domain.KindEmergencyAlert,
		JourneyID:  "j1",
		ContactIDs: []string{"1", "2", "3"},
		Position:   &domain.Position{Latitude: 1, Longitude: 2},
	})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	if s.State != domain.StateActive || s.EscalatedAt == nil {
		t.Fatalf("expected active with escalation time, got %s %v", s.State, s.EscalatedAt)
	}
	note, ok := rec.last(domain.NotifyEscalation)
	if !ok || len(note.ContactIDs) != 3 {
		t.Fatalf("expected escalation to 3 contacts, got %+v", note)
	}
	if note.Position == nil {
		t.Fatal("escalation missing position")
	}

	clk.Advance(48 * time.Hour)
	mustState(t, eng, s.ID, domain.StateActive)
	if rec.count(domain.NotifyEscalation) != 1 {
		t.Fatal("emergency alert escalated twice")
	}

	if _, err := eng.Extend(ctx, s.ID, time.Minute, nil); !errors.Is(err, domain.ErrUnsupportedOperation) {
		t.Fatalf("extend alert: expected ErrUnsupportedOperation, got %v", err)
	}
	if _, err := eng.Stop(ctx, s.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	mustState(t, eng, s.ID, domain.StateStopped)
}

func TestEmergencyAlertWithoutContacts(t *testing.T) {
	eng, _, rec := setupEngine(t)

	s, err := eng.Arm(context.Background(), ArmRequest{Kind: domain.KindEmergencyAlert})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	if s.EscalatedAt == nil {
		t.Fatal("expected escalation time")
	}
	if rec.count(domain.NotifyEscalation) != 0 {
		t.Fatal("dispatched an escalation with no recipients")
	}
	if rec.eventCount(domain.EventSessionEscalated) != 1 {
		t.Fatal("missing SessionEscalated event")
	}
}

func TestArmValidation(t *testing.T) {
	eng, _, rec := setupEngine(t, WithMaxDuration(2*time.Hour))

	tests := []struct {
		name    string
		req     ArmRequest
		wantErr error
	}{
		{"timer without contacts", ArmRequest{Kind: domain.KindSafeTimer, Duration: time.Minute}, domain.ErrNoContactsSelected},
		{"share without contacts", ArmRequest{Kind: domain.KindLiveShare, ContactIDs: []string{""}, Duration: time.Minute}, domain.ErrNoContactsSelected},
		{"zero duration", ArmRequest{Kind: domain.KindSafeTimer, ContactIDs: []string{"1"}}, domain.ErrDurationOutOfRange},
		{"negative duration", ArmRequest{Kind: domain.KindSafeTimer, ContactIDs: []string{"1"}, Duration: -time.Second}, domain.ErrDurationOutOfRange},
		{"over max", ArmRequest{Kind: domain.KindSafeTimer, ContactIDs: []string{"1"}, Duration: 3 * time.Hour}, domain.ErrDurationOutOfRange},
		{"unknown contact", ArmRequest{Kind: domain.KindSafeTimer, ContactIDs: []string{"1", "99"}, Duration: time.Minute}, domain.ErrUnknownContact},
		{"bad kind", ArmRequest{Kind: domain.Kind(42), ContactIDs: []string{"1"}, Duration: time.Minute}, domain.ErrUnsupportedOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.Arm(context.Background(), tt.req); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if len(eng.Active(context.Background())) != 0 {
		t.Fatal("rejected arm left a session behind")
	}
	if rec.count(domain.NotifyArmed) != 0 {
		t.Fatal("rejected arm notified contacts")
	}
}

func TestArmDeduplicatesContacts(t *testing.T) {
	eng, _, _ := setupEngine(t)
	s := armTimer(t, eng, "", time.Hour, "2", "1", "2")
	if len(s.ContactIDs) != 2 || s.ContactIDs[0] != "2" || s.ContactIDs[1] != "1" {
		t.Fatalf("expected [2 1], got %v", s.ContactIDs)
	}
}

func TestOneSessionPerJourney(t *testing.T) {
	eng, clk, rec := setupEngine(t)
	ctx := context.Background()
	first := armTimer(t, eng, "j1", time.Hour, "1")
	clk.Advance(10 * time.Minute)

	_, err := eng.Arm(ctx, ArmRequest{Kind: domain.KindLiveShare, JourneyID: "j1", ContactIDs: []string{"1"}, Duration: time.Hour})
	if !errors.Is(err, domain.ErrAlreadyArmed) {
		t.Fatalf("expected ErrAlreadyArmed, got %v", err)
	}

	// The rejected arm must not touch the session already holding the slot.
	got := mustState(t, eng, first.ID, domain.StateActive)
	if got.Version != first.Version {
		t.Fatalf("version moved from %d to %d", first.Version, got.Version)
	}
	if left := got.Remaining(clk.Now()); left != 50*time.Minute {
		t.Fatalf("expected 50m left, got %s", left)
	}
	if bound, ok := eng.ActiveForJourney(ctx, "j1"); !ok || bound.ID != first.ID {
		t.Fatalf("journey slot lost: %v %s", ok, bound.ID)
	}
	if rec.eventCount(domain.EventSessionArmed) != 1 {
		t.Fatalf("rejected arm published an event")
	}
	clk.Advance(50*time.Minute - time.Second)
	mustState(t, eng, first.ID, domain.StateActive)
	clk.Advance(time.Second)
	mustState(t, eng, first.ID, domain.StateEscalated)

	// Other journeys are unaffected, and the slot frees once the first ends.
	armTimer(t, eng, "j2", time.Hour, "1")
	armTimer(t, eng, "j1", time.Hour, "1")
}

func TestConcurrentArmSameJourney(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Arm(ctx, ArmRequest{Kind: domain.KindSafeTimer, JourneyID: "j1", ContactIDs: []string{"1"}, Duration: time.Hour})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("expected exactly one arm to win, got %d", success)
	}
}

func TestExtendAddsToDeadline(t *testing.T) {
	eng, clk, rec := setupEngine(t)
	ctx := context.Background()
	s := armTimer(t, eng, "", 600*time.Second, "1")

	clk.Advance(300 * time.Second)
	before, _ := eng.Session(ctx, s.ID)
	got, err := eng.Extend(ctx, s.ID, 300*time.Second, nil)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if got.Remaining(clk.Now()) <= before.Remaining(clk.Now()) {
		t.Fatal("extension did not increase remaining time")
	}
	if got.Remaining(clk.Now()) != 600*time.Second {
		t.Fatalf("expected 600s left, got %s", got.Remaining(clk.Now()))
	}
	if len(got.Extensions) != 1 {
		t.Fatalf("expected 1 extension, got %d", len(got.Extensions))
	}

	clk.Advance(599 * time.Second)
	mustState(t, eng, s.ID, domain.StateActive)
	clk.Advance(time.Second)
	mustState(t, eng, s.ID, domain.StateEscalated)
	if rec.count(domain.NotifyEscalation) != 1 {
		t.Fatal("expected one escalation after the extended deadline")
	}
}

func TestExtendWhilePaused(t *testing.T) {
	eng, clk, _ := setupEngine(t)
	ctx := context.Background()
	s := armTimer(t, eng, "", 10*time.Minute, "1")

	if _, err := eng.Pause(ctx, s.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, err := eng.Extend(ctx, s.ID, 5*time.Minute, nil)
	if err != nil {
		t.Fatalf("extend paused: %v", err)
	}
	if got.State != domain.StatePaused {
		t.Fatalf("extend changed state to %s", got.State)
	}

	clk.Advance(time.Hour)
	mustState(t, eng, s.ID, domain.StatePaused)
	if _, err := eng.Resume(ctx, s.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	clk.Advance(15*time.Minute - time.Second)
	mustState(t, eng, s.ID, domain.StateActive)
	clk.Advance(time.Second)
	mustState(t, eng, s.ID, domain.StateEscalated)
}

func TestExtendRejections(t *testing.T) {
	eng, clk, rec := setupEngine(t, WithMaxDuration(time.Hour))
	ctx := context.Background()
	s := armTimer(t, eng, "", 50*time.Minute, "1")

	tests := []struct {
		name    string
		added   time.Duration
		wantErr error
	}{
		{"zero", 0, domain.ErrDurationOutOfRange},
		{"negative", -time.Minute, domain.ErrDurationOutOfRange},
		{"past max", 15 * time.Minute, domain.ErrDurationOutOfRange},
		{"wraps duration", time.Duration(math.MaxInt64) - 10*time.Minute, domain.ErrDurationOutOfRange},
		{"max int", time.Duration(math.MaxInt64), domain.ErrDurationOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.Extend(ctx, s.ID, tt.added, nil); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	// Rejected extensions leave the countdown alone.
	clk.Advance(0)
	got := mustState(t, eng, s.ID, domain.StateActive)
	if left := got.Remaining(clk.Now()); left != 50*time.Minute {
		t.Fatalf("expected 50m left after rejections, got %s", left)
	}
	if rec.count(domain.NotifyEscalation) != 0 {
		t.Fatal("rejected extension triggered an escalation")
	}

	if _, err := eng.Extend(ctx, s.ID, 10*time.Minute, nil); err != nil {
		t.Fatalf("extend up to max: %v", err)
	}
}

func TestStopIsFinal(t *testing.T) {
	eng, clk, rec := setupEngine(t)
	ctx := context.Background()
	s := armTimer(t, eng, "j1", 10*time.Minute, "1", "2")

	stopped, err := eng.Stop(ctx, s.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.State != domain.StateStopped || !stopped.EndedAt.Equal(epoch) {
		t.Fatalf("unexpected stopped session: %s %v", stopped.State, stopped.EndedAt)
	}
	done, ok := rec.last(domain.NotifyCompletion)
	if !ok || len(done.ContactIDs) != 2 {
		t.Fatalf("expected completion to 2 contacts, got %+v", done)
	}

	if _, err := eng.Stop(ctx, s.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second stop: expected ErrInvalidTransition, got %v", err)
	}

	clk.Advance(time.Hour)
	if rec.count(domain.NotifyEscalation) != 0 {
		t.Fatal("stopped timer escalated")
	}
	if clk.Pending() != 0 {
		t.Fatalf("stopped timer left %d callbacks pending", clk.Pending())
	}
}

func TestStopPausedTimer(t *testing.T) {
	eng, clk, _ := setupEngine(t)
	ctx := context.Background()
	s := armTimer(t, eng, "", 10*time.Minute, "1")

	if _, err := eng.Pause(ctx, s.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	clk.Advance(time.Minute)
	got, err := eng.Stop(ctx, s.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got.PausedTotal != time.Minute {
		t.Fatalf("expected 1m paused, got %s", got.PausedTotal)
	}
}

func TestStopRacesExpiry(t *testing.T) {
	for i := 0; i < 50; i++ {
		eng, clk, rec := setupEngine(t)
		ctx := context.Background()
		s := armTimer(t, eng, "", time.Minute, "1")

		var (
			wg      sync.WaitGroup
			stopErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			clk.Advance(time.Minute)
		}()
		go func() {
			defer wg.Done()
			_, stopErr = eng.Stop(ctx, s.ID)
		}()
		wg.Wait()

		got, _ := eng.Session(ctx, s.ID)
		escalations := rec.count(domain.NotifyEscalation)
		switch got.State {
		case domain.StateStopped:
			if stopErr != nil || escalations != 0 {
				t.Fatalf("stopped but err=%v escalations=%d", stopErr, escalations)
			}
		case domain.StateEscalated:
			if !errors.Is(stopErr, domain.ErrInvalidTransition) || escalations != 1 {
				t.Fatalf("escalated but err=%v escalations=%d", stopErr, escalations)
			}
		default:
			t.Fatalf("unexpected state %s", got.State)
		}
	}
}

func TestCheckExpiry(t *testing.T) {
	eng, clk, rec := setupEngine(t)
	ctx := context.Background()
	s := armTimer(t, eng, "", time.Minute, "1")

	got, err := eng.CheckExpiry(ctx, s.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if got.State != domain.StateActive {
		t.Fatalf("check fired early: %s", got.State)
	}

	clk.Advance(time.Minute)
	if _, err := eng.CheckExpiry(ctx, s.ID); err != nil {
		t.Fatalf("check after expiry: %v", err)
	}
	if rec.count(domain.NotifyEscalation) != 1 {
		t.Fatalf("expected one escalation, got %d", rec.count(domain.NotifyEscalation))
	}
}

func TestUpdatePositionOnTimer(t *testing.T) {
	eng, _, rec := setupEngine(t)
	ctx := context.Background()
	s := armTimer(t, eng, "", time.Hour, "1")

	got, err := eng.UpdatePosition(ctx, s.ID, domain.Position{Latitude: 10})
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if got.LastKnownPosition == nil || got.LastKnownPosition.Latitude != 10 {
		t.Fatalf("position not recorded: %+v", got.LastKnownPosition)
	}
	if rec.count(domain.NotifyLocationUpdate) != 0 {
		t.Fatal("safe timer forwarded a location update")
	}
	if rec.eventCount(domain.EventPositionUpdated) != 1 {
		t.Fatal("missing PositionUpdated event")
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()
	s := armTimer(t, eng, "", time.Hour, "1", "2")

	s.ContactIDs[0] = "mutated"
	got, _ := eng.Session(ctx, s.ID)
	if got.ContactIDs[0] != "1" {
		t.Fatal("caller mutation leaked into the engine")
	}
}

func TestPrune(t *testing.T) {
	store := newStubStore()
	eng, clk, _ := setupEngine(t, WithStore(store))
	ctx := context.Background()
	s := armTimer(t, eng, "", time.Minute, "1")
	keep := armTimer(t, eng, "", time.Hour, "1")
	store.Save(ctx, &s)

	clk.Advance(time.Minute)
	clk.Advance(time.Hour)
	if n := eng.Prune(ctx, clk.Now().Add(-30*time.Minute)); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, err := eng.Session(ctx, s.ID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("pruned session still present: %v", err)
	}
	if _, err := store.Load(ctx, s.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("pruned session still stored")
	}
	// keep escalated at t+1h, which is after the cutoff.
	if _, err := eng.Session(ctx, keep.ID); err != nil {
		t.Fatalf("recent session pruned: %v", err)
	}
}

func TestRecover(t *testing.T) {
	store := newStubStore()
	ctx := context.Background()

	due := &domain.Session{
		ID: "due", Kind: domain.KindSafeTimer, State: domain.StateActive, JourneyID: "j1",
		ContactIDs: []string{"1"}, ArmedAt: epoch.Add(-2 * time.Hour), PlannedDuration: time.Hour,
	}
	running := &domain.Session{
		ID: "running", Kind: domain.KindSafeTimer, State: domain.StateActive, JourneyID: "j2",
		ContactIDs: []string{"1"}, ArmedAt: epoch.Add(-10 * time.Minute), PlannedDuration: 30 * time.Minute,
	}
	paused := &domain.Session{
		ID: "paused", Kind: domain.KindSafeTimer, State: domain.StatePaused,
		ContactIDs: []string{"1"}, ArmedAt: epoch.Add(-time.Hour), PlannedDuration: 90 * time.Minute,
		PausedAt: epoch.Add(-30 * time.Minute),
	}
	for _, s := range []*domain.Session{due, running, paused} {
		store.Save(ctx, s)
	}

	eng, clk, rec := setupEngine(t, WithStore(store))
	n, err := eng.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 restored, got %d", n)
	}

	mustState(t, eng, "due", domain.StateEscalated)
	if rec.count(domain.NotifyEscalation) != 1 {
		t.Fatal("overdue session did not escalate on recovery")
	}
	if _, ok := eng.ActiveForJourney(ctx, "j2"); !ok {
		t.Fatal("recovered session lost its journey slot")
	}

	clk.Advance(20*time.Minute - time.Second)
	mustState(t, eng, "running", domain.StateActive)
	clk.Advance(time.Second)
	mustState(t, eng, "running", domain.StateEscalated)

	p := mustState(t, eng, "paused", domain.StatePaused)
	if left := p.Remaining(clk.Now()); left != 60*time.Minute {
		t.Fatalf("paused session should keep 60m, got %s", left)
	}
}

func TestArmRacesInvite(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	// Invite into every share as soon as it is visible, while Arm may
	// still be finishing up. Run with -race.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, s := range eng.Active(ctx) {
				eng.InviteContact(ctx, s.ID, "2") //nolint:errcheck
			}
		}
	}()

	for i := 0; i < 50; i++ {
		if _, err := eng.Arm(ctx, ArmRequest{Kind: domain.KindLiveShare, ContactIDs: []string{"1"}, Duration: time.Hour}); err != nil {
			t.Fatalf("arm %d: %v", i, err)
		}
	}
	close(done)
	wg.Wait()
}

func TestVersionCountsTransitions(t *testing.T) {
	eng, clk, rec := setupEngine(t)
	ctx := context.Background()
	s := armTimer(t, eng, "", time.Hour, "1")
	if s.Version != 1 {
		t.Fatalf("expected version 1 after arm, got %d", s.Version)
	}

	steps := []struct {
		name string
		do   func() (domain.Session, error)
	}{
		{"pause", func() (domain.Session, error) { return eng.Pause(ctx, s.ID) }},
		{"resume", func() (domain.Session, error) { return eng.Resume(ctx, s.ID) }},
		{"extend", func() (domain.Session, error) { return eng.Extend(ctx, s.ID, time.Minute, nil) }},
		{"position", func() (domain.Session, error) { return eng.UpdatePosition(ctx, s.ID, domain.Position{Latitude: 1}) }},
	}
	want := uint64(1)
	for _, step := range steps {
		got, err := step.do()
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		want++
		if got.Version != want {
			t.Fatalf("%s: expected version %d, got %d", step.name, want, got.Version)
		}
	}

	clk.Advance(2 * time.Hour)
	if got := mustState(t, eng, s.ID, domain.StateEscalated); got.Version != want+1 {
		t.Fatalf("expected version %d after escalation, got %d", want+1, got.Version)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var last uint64
	for _, e := range rec.events {
		if e.Snapshot.Version <= last {
			t.Fatalf("%s carried version %d after %d", e.Type, e.Snapshot.Version, last)
		}
		last = e.Snapshot.Version
	}
}

func TestLiveSharePositionHistory(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	s, err := eng.Arm(ctx, ArmRequest{
		Kind: domain.KindLiveShare, ContactIDs: []string{"1"}, Duration: time.Hour,
		Position: &domain.Position{Latitude: -1},
	})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	if !s.KeepHistory || s.AllowAnonymous {
		t.Fatalf("expected history on and anonymous viewing off by default, got %+v", s)
	}
	if len(s.PositionHistory) != 1 {
		t.Fatalf("expected the arm position in history, got %d", len(s.PositionHistory))
	}

	extra := 10
	for i := 0; i < domain.MaxPositionHistory+extra-1; i++ {
		if _, err := eng.UpdatePosition(ctx, s.ID, domain.Position{Latitude: float64(i)}); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	got := mustState(t, eng, s.ID, domain.StateActive)
	if len(got.PositionHistory) != domain.MaxPositionHistory {
		t.Fatalf("expected history capped at %d, got %d", domain.MaxPositionHistory, len(got.PositionHistory))
	}
	if first := got.PositionHistory[0].Latitude; first != float64(extra-1) {
		t.Fatalf("expected oldest kept latitude %d, got %v", extra-1, first)
	}
	if got.LastKnownPosition.Latitude != float64(domain.MaxPositionHistory+extra-2) {
		t.Fatalf("last position out of step with history: %v", got.LastKnownPosition.Latitude)
	}

	hidden, err := eng.Arm(ctx, ArmRequest{
		Kind: domain.KindLiveShare, ContactIDs: []string{"1"}, Duration: time.Hour,
		Share: ShareOptions{AllowAnonymous: true, HideHistory: true},
	})
	if err != nil {
		t.Fatalf("arm hidden: %v", err)
	}
	upd, err := eng.UpdatePosition(ctx, hidden.ID, domain.Position{Latitude: 5})
	if err != nil {
		t.Fatalf("update hidden: %v", err)
	}
	if !upd.AllowAnonymous || len(upd.PositionHistory) != 0 || upd.LastKnownPosition == nil {
		t.Fatalf("expected anonymous share without history, got %+v", upd)
	}
}

func TestRestartAfterStopDoesNotEscalate(t *testing.T) {
	log := logger.New(logger.LevelOff, nil)
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	store := storage.NewMemoryStore(log)
	bus := events.NewBus(log)
	p := storage.NewPersister(store, log)
	bus.Subscribe("persister", p.Handle)

	first := New(contacts.NewMemoryDirectory(log), &recorder{}, log,
		WithClock(clk), WithPublisher(bus), WithStore(store))
	s := armTimer(t, first, "j1", 15*time.Minute, "1")

	// A burst far larger than any buffered subscription, all before the
	// writer gets a chance to run.
	for i := 0; i < 1000; i++ {
		if _, err := first.UpdatePosition(ctx, s.ID, domain.Position{Latitude: float64(i)}); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	if _, err := first.Stop(ctx, s.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.Run(runCtx)
	fctx, fcancel := context.WithTimeout(ctx, 2*time.Second)
	defer fcancel()
	if err := p.Flush(fctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	clk.Advance(time.Hour)
	rec := &recorder{}
	second := New(contacts.NewMemoryDirectory(log), rec, log, WithClock(clk), WithStore(store))
	n, err := second.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing to recover after stop, got %d", n)
	}
	if c := rec.count(domain.NotifyEscalation); c != 0 {
		t.Fatalf("restart escalated a stopped timer %d times", c)
	}
	if _, ok := second.ActiveForJourney(ctx, "j1"); ok {
		t.Fatal("stopped session reclaimed its journey")
	}
}

// stubStore is a minimal in-memory SessionStore.
type stubStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

func newStubStore() *stubStore {
	return &stubStore{sessions: make(map[string]domain.Session)}
}

func (s *stubStore) Save(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *stubStore) Load(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := sess.Clone()
	return &c, nil
}

func (s *stubStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *stubStore) ListActive(_ context.Context) ([]*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Session
	for _, sess := range s.sessions {
		if !sess.State.Terminal() {
			c := sess.Clone()
			out = append(out, &c)
		}
	}
	return out, nil
}
