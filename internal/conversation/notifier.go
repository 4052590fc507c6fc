package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/logger"
)

// Compile-time interface check.
var _ domain.Notifier = (*TerminalNotifier)(nil)

var (
	noteStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#bae6fd"))

	urgentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#fca5a5")).
			Bold(true)

	eventStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#71717a"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#fde68a"))
)

// PrintFunc is a function used to print formatted output.
// Matches the signature of both fmt.Printf and display.Printf.
type PrintFunc func(format string, a ...interface{})

// TerminalNotifier prints contact notifications in the terminal, standing in
// for an SMS or push gateway during local runs.
type TerminalNotifier struct {
	log      *logger.Logger
	contacts domain.ContactDirectory
	printFn  PrintFunc
}

// NewTerminalNotifier creates a terminal notifier. Contact names are resolved
// through contacts when it is non-nil. If printFn is nil, fmt.Printf is used.
func NewTerminalNotifier(log *logger.Logger, contacts domain.ContactDirectory, printFn PrintFunc) *TerminalNotifier {
	if printFn == nil {
		printFn = func(format string, a ...interface{}) {
			fmt.Printf(format+"\n", a...)
		}
	}
	return &TerminalNotifier{log: log, contacts: contacts, printFn: printFn}
}

// Notify prints one line per recipient. Unknown contacts fail; the rest are accepted.
func (n *TerminalNotifier) Notify(ctx context.Context, note domain.Notification) (domain.DeliveryResult, error) {
	n.log.Debug("notify %s for session %s to %v", note.KindName, note.SessionID, note.ContactIDs)

	style := noteStyle
	if note.Kind.Urgent() {
		style = urgentStyle
	}
	msg := Describe(note)

	var res domain.DeliveryResult
	for _, id := range note.ContactIDs {
		name := id
		if n.contacts != nil {
			c, err := n.contacts.Lookup(ctx, id)
			if err != nil {
				res.Fail(id, err)
				continue
			}
			name = c.DisplayName
		}
		n.printFn("%s", style.Render(fmt.Sprintf("  → %s: %s", name, msg)))
		res.Accepted = append(res.Accepted, id)
	}
	if len(res.Accepted) == 0 && len(res.Failed) > 0 {
		return res, errors.New("no recipient could be reached")
	}
	return res, nil
}

// HandleEvent prints a short line for each session event. It has the
// signature of an event bus handler.
func (n *TerminalNotifier) HandleEvent(_ context.Context, e domain.Event) {
	switch e.Type {
	case domain.EventSessionReminder:
		n.printFn("%s", eventStyle.Render(fmt.Sprintf("  %s: %s left", e.Kind, formatLeft(e.Remaining))))
	case domain.EventSessionAlmostDue:
		n.printFn("%s", warnStyle.Render(fmt.Sprintf("  %s almost due: %s left. Extend or stop if you're safe.", e.Kind, formatLeft(e.Remaining))))
	case domain.EventSessionEscalated:
		n.printFn("%s", urgentStyle.Render(fmt.Sprintf("  %s escalated. Your contacts have been alerted.", e.Kind)))
	case domain.EventSessionExpiredSoft:
		n.printFn("%s", warnStyle.Render("  live share expired."))
	case domain.EventPositionUpdated:
		// Too chatty for the terminal.
	default:
		n.printFn("%s", eventStyle.Render(fmt.Sprintf("  [%s] %s", e.Type, shortID(e.SessionID))))
	}
}

// Describe renders the message a contact would receive.
func Describe(note domain.Notification) string {
	who := note.OwnerID
	switch note.Kind {
	case domain.NotifyArmed:
		if note.ShareLink != "" {
			return fmt.Sprintf("%s is sharing their live location with you: %s", who, note.ShareLink)
		}
		return fmt.Sprintf("%s started a safe timer (%s). You'll hear from us if they don't check in.",
			who, formatLeft(time.Duration(note.RemainingSeconds)*time.Second))
	case domain.NotifyEscalation:
		var b strings.Builder
		if note.SessionKind == domain.KindEmergencyAlert.String() {
			fmt.Fprintf(&b, "EMERGENCY: %s raised an alert.", who)
		} else {
			fmt.Fprintf(&b, "ALERT: %s did not check in on time.", who)
		}
		if p := note.Position; p != nil {
			fmt.Fprintf(&b, " Last known position %.5f, %.5f.", p.Latitude, p.Longitude)
		}
		return b.String()
	case domain.NotifyCompletion:
		return fmt.Sprintf("%s is safe. Session ended.", who)
	case domain.NotifyInvite:
		return fmt.Sprintf("%s invited you to follow their journey: %s", who, note.ShareLink)
	case domain.NotifyLocationUpdate:
		if p := note.Position; p != nil {
			return fmt.Sprintf("%s is now at %.5f, %.5f", who, p.Latitude, p.Longitude)
		}
		return fmt.Sprintf("%s moved", who)
	default:
		return fmt.Sprintf("update from %s", who)
	}
}

func formatLeft(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Round(time.Second)/time.Second))
	}
	return d.Round(time.Minute).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
