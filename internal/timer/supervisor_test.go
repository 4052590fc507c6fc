package timer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hammamikhairi/safemate/internal/clock"
	"github.com/hammamikhairi/safemate/internal/contacts"
	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/engine"
	"github.com/hammamikhairi/safemate/internal/logger"
)

var epoch = time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC)

// mockPublisher collects events for testing.
type mockPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *mockPublisher) Publish(_ context.Context, e domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *mockPublisher) count(t domain.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, domain.Notification) {}

func newEngine(t *testing.T, clk clock.Clock) *engine.Engine {
	t.Helper()
	log := logger.New(logger.LevelOff, nil)
	return engine.New(contacts.NewMemoryDirectory(log), nopDispatcher{}, log, engine.WithClock(clk))
}

func arm(t *testing.T, eng *engine.Engine, d time.Duration) domain.Session {
	t.Helper()
	s, err := eng.Arm(context.Background(), engine.ArmRequest{
		Kind:       domain.KindSafeTimer,
		ContactIDs: []string{"1"},
		Duration:   d,
	})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	return s
}

func TestSupervisorAlmostDueOnce(t *testing.T) {
	log := logger.New(logger.LevelOff, nil)
	clk := clock.NewFake(epoch)
	eng := newEngine(t, clk)
	pub := &mockPublisher{}

	sup := New(eng, pub, log, WithClock(clk), WithReminderInterval(0))
	sup.Start(context.Background())
	defer sup.Stop()

	s := arm(t, eng, 10*time.Minute)

	clk.Advance(8*time.Minute - time.Second)
	if n := pub.count(domain.EventSessionAlmostDue); n != 0 {
		t.Fatalf("almost-due published early: %d", n)
	}
	clk.Advance(time.Second)
	if n := pub.count(domain.EventSessionAlmostDue); n != 1 {
		t.Fatalf("expected 1 almost-due, got %d", n)
	}
	clk.Advance(time.Minute)
	if n := pub.count(domain.EventSessionAlmostDue); n != 1 {
		t.Fatalf("almost-due repeated: %d", n)
	}

	clk.Advance(time.Minute)
	got, _ := eng.Session(context.Background(), s.ID)
	if got.State != domain.StateEscalated {
		t.Fatalf("expected escalated, got %s", got.State)
	}
}

func TestSupervisorSkipsAlmostDueForShortTimers(t *testing.T) {
	log := logger.New(logger.LevelOff, nil)
	clk := clock.NewFake(epoch)
	eng := newEngine(t, clk)
	pub := &mockPublisher{}

	sup := New(eng, pub, log, WithClock(clk))
	sup.Start(context.Background())
	defer sup.Stop()

	arm(t, eng, 3*time.Minute)
	clk.Advance(3 * time.Minute)
	if n := pub.count(domain.EventSessionAlmostDue); n != 0 {
		t.Fatalf("short timer got almost-due: %d", n)
	}
}

func TestSupervisorReminders(t *testing.T) {
	log := logger.New(logger.LevelOff, nil)
	clk := clock.NewFake(epoch)
	eng := newEngine(t, clk)
	pub := &mockPublisher{}

	sup := New(eng, pub, log, WithClock(clk), WithReminderInterval(5*time.Minute))
	sup.Start(context.Background())
	defer sup.Stop()

	arm(t, eng, 30*time.Minute)
	clk.Advance(16 * time.Minute)
	if n := pub.count(domain.EventSessionReminder); n != 3 {
		t.Fatalf("expected 3 reminders, got %d", n)
	}
}

func TestSupervisorSkipsPausedSessions(t *testing.T) {
	log := logger.New(logger.LevelOff, nil)
	clk := clock.NewFake(epoch)
	eng := newEngine(t, clk)
	pub := &mockPublisher{}

	sup := New(eng, pub, log, WithClock(clk), WithReminderInterval(time.Minute))
	sup.Start(context.Background())
	defer sup.Stop()

	s := arm(t, eng, time.Hour)
	if _, err := eng.Pause(context.Background(), s.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	clk.Advance(10 * time.Minute)
	if len(pub.events) != 0 {
		t.Fatalf("paused session produced %d events", len(pub.events))
	}
}

// stubSessions hands out fixed snapshots and records calls.
type stubSessions struct {
	mu     sync.Mutex
	active []domain.Session
	checks []string
	prunes []time.Time
}

func (s *stubSessions) Active(context.Context) []domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Session(nil), s.active...)
}

func (s *stubSessions) CheckExpiry(_ context.Context, id string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, id)
	return domain.Session{}, nil
}

func (s *stubSessions) Prune(_ context.Context, cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prunes = append(s.prunes, cutoff)
	return 0
}

func TestSupervisorSweepsDueSessions(t *testing.T) {
	log := logger.New(logger.LevelOff, nil)
	clk := clock.NewFake(epoch)
	stub := &stubSessions{active: []domain.Session{{
		ID:              "lost",
		Kind:            domain.KindSafeTimer,
		State:           domain.StateActive,
		ArmedAt:         epoch.Add(-time.Hour),
		PlannedDuration: 30 * time.Minute,
	}}}

	sup := New(stub, &mockPublisher{}, log, WithClock(clk))
	sup.Start(context.Background())
	defer sup.Stop()

	clk.Advance(time.Second)
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.checks) != 1 || stub.checks[0] != "lost" {
		t.Fatalf("expected one expiry check for lost, got %v", stub.checks)
	}
}

func TestSupervisorPrunes(t *testing.T) {
	log := logger.New(logger.LevelOff, nil)
	clk := clock.NewFake(epoch)
	stub := &stubSessions{}

	sup := New(stub, &mockPublisher{}, log, WithClock(clk), WithRetention(time.Hour))
	sup.Start(context.Background())
	defer sup.Stop()

	clk.Advance(2 * time.Minute)
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.prunes) != 2 {
		t.Fatalf("expected 2 prunes in 2 minutes, got %d", len(stub.prunes))
	}
	if want := epoch.Add(time.Minute - time.Hour); !stub.prunes[0].Equal(want) {
		t.Fatalf("first cutoff %v, want %v", stub.prunes[0], want)
	}
}

func TestSupervisorStop(t *testing.T) {
	log := logger.New(logger.LevelOff, nil)
	clk := clock.NewFake(epoch)
	sup := New(&stubSessions{}, &mockPublisher{}, log, WithClock(clk))

	sup.Start(context.Background())
	if clk.Pending() != 1 {
		t.Fatalf("expected one pending tick, got %d", clk.Pending())
	}
	sup.Stop()
	if clk.Pending() != 0 {
		t.Fatalf("tick still pending after stop: %d", clk.Pending())
	}
	sup.Stop()
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{time.Second, "1 second"},
		{45 * time.Second, "45 seconds"},
		{89 * time.Second, "1 minute"},
		{90 * time.Second, "2 minutes"},
		{time.Hour, "1 hour"},
		{3 * time.Hour, "3 hours"},
		{75 * time.Minute, "1h15"},
	}
	for _, tt := range tests {
		if got := FormatRemaining(tt.in); got != tt.want {
			t.Errorf("FormatRemaining(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
