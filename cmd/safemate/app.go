package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hammamikhairi/safemate/internal/conversation"
	"github.com/hammamikhairi/safemate/internal/display"
	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/engine"
	"github.com/hammamikhairi/safemate/internal/journey"
	"github.com/hammamikhairi/safemate/internal/logger"
	"github.com/hammamikhairi/safemate/internal/timer"
)

type cliApp struct {
	engine   *engine.Engine
	journeys *journey.Coordinator
	contacts domain.ContactDirectory
	parser   domain.IntentParser
	log      *logger.Logger
	ui       *display.UI
	ownerID  string

	journeyID string // journey declared in this shell, if any
	sessionID string // session the control commands act on
}

func (a *cliApp) run(ctx context.Context) {
	a.ui.PrintChat("Hi. Declare a journey or arm a timer, and I'll keep an eye on you.")
	a.showStatus(ctx)

	uiCh := a.ui.InputChan()
	for {
		var input string
		select {
		case <-ctx.Done():
			return
		case v, ok := <-uiCh:
			if !ok {
				return
			}
			input = strings.TrimSpace(v)
		}
		if input == "" {
			continue
		}

		intent, err := a.parser.Parse(ctx, input)
		if err != nil {
			a.log.Error("parsing input: %v", err)
			continue
		}
		a.log.Debug("intent: %s (payload=%q)", intent.Type, intent.Payload)

		if intent.Type == domain.IntentQuit {
			a.quit(ctx)
			return
		}
		a.handleIntent(ctx, intent)
	}
}

func (a *cliApp) handleIntent(ctx context.Context, intent *domain.Intent) {
	switch intent.Type {
	case domain.IntentHelp:
		a.showHelp()
	case domain.IntentStartJourney:
		a.startJourney(ctx, intent.Payload)
	case domain.IntentArmTimer:
		a.arm(ctx, domain.KindSafeTimer, intent.Args)
	case domain.IntentArmShare:
		a.arm(ctx, domain.KindLiveShare, intent.Args)
	case domain.IntentArmEmergency:
		a.arm(ctx, domain.KindEmergencyAlert, intent.Args)
	case domain.IntentPause:
		a.control(ctx, "paused", a.engine.Pause)
	case domain.IntentResume:
		a.control(ctx, "resumed", a.engine.Resume)
	case domain.IntentStop:
		a.control(ctx, "stopped. Glad you're safe", a.engine.Stop)
	case domain.IntentExtend:
		a.extend(ctx, intent.Args)
	case domain.IntentInvite:
		a.shareContact(ctx, intent.Args, true)
	case domain.IntentRevoke:
		a.shareContact(ctx, intent.Args, false)
	case domain.IntentPosition:
		a.position(ctx, intent.Args)
	case domain.IntentStatus:
		a.showStatus(ctx)
	case domain.IntentContacts:
		a.showContacts(ctx)
	case domain.IntentEndJourney:
		a.endJourney(ctx)
	default:
		a.ui.PrintHint("Didn't catch that. Type 'help' to see what I can do.")
	}
}

var journeyRoute = regexp.MustCompile(`(?i)^(?:from\s+)?(.+?)\s+to\s+(.+?)(?:\s+with\s+(.+))?$`)

// startJourney handles "journey [solo|shared] <duration> [from] A to B [with 1 2]".
func (a *cliApp) startJourney(ctx context.Context, payload string) {
	if a.journeyID != "" {
		a.ui.PrintUrgent("You already have a journey going. Type 'end' to finish it first.")
		return
	}

	args := strings.Fields(payload)
	jt := domain.JourneySolo
	if len(args) > 0 {
		if t, err := domain.ParseJourneyType(args[0]); err == nil {
			jt = t
			args = args[1:]
		}
	}
	duration, rest := conversation.SplitArm(args)

	req := journey.JourneyRequest{
		OwnerID:          a.ownerID,
		Type:             jt,
		ExpectedDuration: duration,
	}
	if m := journeyRoute.FindStringSubmatch(strings.Join(rest, " ")); m != nil {
		req.Departure, req.Destination = m[1], m[2]
		req.ContactIDs = strings.Fields(m[3])
	}

	j, err := a.journeys.StartJourney(ctx, req)
	if err != nil {
		a.printError(err)
		if errors.Is(err, domain.ErrMissingJourneyDetails) {
			a.ui.PrintHint("Try: journey solo 30m home to the station with 1 2")
		}
		return
	}
	a.journeyID = j.ID
	a.ui.PrintOK(fmt.Sprintf("Journey declared: %s to %s (%s).", j.Departure, j.Destination, j.Type))
	a.ui.PrintHint("Arm a 'timer', a live 'share' or say 'sos' to protect it.")
}

func (a *cliApp) arm(ctx context.Context, kind domain.Kind, args []string) {
	var share engine.ShareOptions
	if kind == domain.KindLiveShare {
		var flags conversation.ShareFlags
		flags, args = conversation.SplitShareFlags(args)
		share = engine.ShareOptions{AllowAnonymous: flags.Anonymous, HideHistory: flags.NoHistory}
	}
	duration, ids := conversation.SplitArm(args)
	if kind == domain.KindEmergencyAlert {
		duration, ids = 0, args
		if len(ids) == 0 && a.journeyID == "" {
			ids = a.allContactIDs(ctx)
		}
	}

	if duration == 0 && a.journeyID == "" {
		switch kind {
		case domain.KindSafeTimer:
			a.ui.PrintHint("For how long? " + conversation.FormatPresets(conversation.TimerPresets) + ", e.g. 'timer 30m 1 2'.")
			return
		case domain.KindLiveShare:
			a.ui.PrintHint("For how long? " + conversation.FormatPresets(conversation.SharePresets) + ", e.g. 'share 1h 1'.")
			return
		}
	}

	var (
		s   domain.Session
		err error
	)
	switch {
	case a.journeyID != "" && kind == domain.KindLiveShare:
		s, err = a.journeys.ShareJourney(ctx, a.journeyID, ids, duration, nil, share)
	case a.journeyID != "":
		s, err = a.journeys.ArmSafetyMode(ctx, a.journeyID, kind, ids, duration, nil)
	default:
		s, err = a.engine.Arm(ctx, engine.ArmRequest{
			OwnerID:    a.ownerID,
			Kind:       kind,
			ContactIDs: ids,
			Duration:   duration,
			Share:      share,
		})
	}
	if err != nil {
		a.printError(err)
		return
	}
	a.sessionID = s.ID

	switch kind {
	case domain.KindSafeTimer:
		a.ui.PrintOK(fmt.Sprintf("Safe timer armed for %s. Say 'stop' when you're safe.",
			timer.FormatRemaining(s.Remaining(a.engine.Now()))))
	case domain.KindLiveShare:
		a.ui.PrintOK(fmt.Sprintf("Sharing your location for %s: %s",
			timer.FormatRemaining(s.Remaining(a.engine.Now())), s.ShareLink))
		if s.AllowAnonymous {
			a.ui.PrintHint("Anyone with the link can watch this share.")
		}
	case domain.KindEmergencyAlert:
		if len(s.ContactIDs) == 0 {
			a.ui.PrintUrgent("Emergency alert raised, but you have no contacts selected. Call emergency services.")
		} else {
			a.ui.PrintUrgent(fmt.Sprintf("Emergency alert sent to %d contacts.", len(s.ContactIDs)))
		}
	}
}

// control applies a no-argument command to the current session.
func (a *cliApp) control(ctx context.Context, done string, op func(context.Context, string) (domain.Session, error)) {
	id, ok := a.current(ctx)
	if !ok {
		return
	}
	s, err := op(ctx, id)
	if err != nil {
		a.printError(err)
		return
	}
	label := display.KindLabel(s.Kind)
	a.ui.PrintOK(fmt.Sprintf("%s%s %s.", strings.ToUpper(label[:1]), label[1:], done))
}

func (a *cliApp) extend(ctx context.Context, args []string) {
	id, ok := a.current(ctx)
	if !ok {
		return
	}
	d := conversation.ExtendPresets[0]
	if len(args) > 0 {
		var err error
		if d, err = conversation.ParseDuration(strings.Join(args, " ")); err != nil {
			a.ui.PrintUrgent("How much longer? Try " + conversation.FormatPresets(conversation.ExtendPresets) + ".")
			return
		}
	}
	s, err := a.engine.Extend(ctx, id, d, nil)
	if err != nil {
		a.printError(err)
		return
	}
	a.ui.PrintOK(fmt.Sprintf("Extended. %s left.", timer.FormatRemaining(s.Remaining(a.engine.Now()))))
}

func (a *cliApp) shareContact(ctx context.Context, args []string, invite bool) {
	id, ok := a.current(ctx)
	if !ok {
		return
	}
	if len(args) == 0 {
		a.ui.PrintUrgent("Which contact? Type 'contacts' to see them.")
		return
	}
	for _, cid := range args {
		var err error
		if invite {
			_, err = a.engine.InviteContact(ctx, id, cid)
		} else {
			_, err = a.engine.RevokeContact(ctx, id, cid)
		}
		if err != nil {
			a.printError(err)
			continue
		}
		if invite {
			a.ui.PrintOK(fmt.Sprintf("%s can now follow your share.", a.contactName(ctx, cid)))
		} else {
			a.ui.PrintOK(fmt.Sprintf("%s removed from your share.", a.contactName(ctx, cid)))
		}
	}
}

func (a *cliApp) position(ctx context.Context, args []string) {
	id, ok := a.current(ctx)
	if !ok {
		return
	}
	pos, err := conversation.ParsePosition(args, a.engine.Now())
	if err != nil {
		a.ui.PrintUrgent(err.Error())
		return
	}
	if _, err := a.engine.UpdatePosition(ctx, id, *pos); err != nil {
		a.printError(err)
		return
	}
	a.ui.PrintHint(fmt.Sprintf("Position updated to %.5f, %.5f.", pos.Latitude, pos.Longitude))
}

func (a *cliApp) endJourney(ctx context.Context) {
	if a.journeyID == "" {
		a.ui.PrintHint("No journey to end.")
		return
	}
	if err := a.journeys.EndJourney(ctx, a.journeyID); err != nil {
		a.printError(err)
		return
	}
	a.journeyID = ""
	a.sessionID = ""
	a.ui.PrintOK("Journey ended. Welcome back.")
}

func (a *cliApp) quit(ctx context.Context) {
	if active := a.engine.Active(ctx); len(active) > 0 {
		a.ui.PrintHint(fmt.Sprintf("%d sessions are still armed and will resume when you come back.", len(active)))
	}
	a.ui.PrintChat("Take care.")
}

// current resolves the session control commands act on: the last armed one
// if it is still running, otherwise the most recently armed active session.
func (a *cliApp) current(ctx context.Context) (string, bool) {
	if a.sessionID != "" {
		if s, err := a.engine.Session(ctx, a.sessionID); err == nil && !s.State.Terminal() {
			return s.ID, true
		}
	}
	var latest *domain.Session
	active := a.engine.Active(ctx)
	for i := range active {
		if latest == nil || active[i].ArmedAt.After(latest.ArmedAt) {
			latest = &active[i]
		}
	}
	if latest == nil {
		a.ui.PrintHint("Nothing is armed right now.")
		return "", false
	}
	a.sessionID = latest.ID
	return latest.ID, true
}

func (a *cliApp) showStatus(ctx context.Context) {
	if a.journeyID != "" {
		if j, err := a.journeys.Journey(ctx, a.journeyID); err == nil {
			a.ui.PrintInfo(fmt.Sprintf("Journey %s to %s: %s", j.Departure, j.Destination, j.Status))
		} else {
			a.journeyID = ""
		}
	}
	active := a.engine.Active(ctx)
	if len(active) == 0 {
		a.ui.PrintHint("Nothing is armed.")
		return
	}
	now := a.engine.Now()
	for _, s := range active {
		line := fmt.Sprintf("%-6s %s", display.KindLabel(s.Kind), s.State)
		if s.Kind.Expires() {
			line += ", " + timer.FormatRemaining(s.Remaining(now)) + " left"
		}
		if len(s.ContactIDs) > 0 {
			line += fmt.Sprintf(", %d contacts", len(s.ContactIDs))
		}
		a.ui.PrintInfo(line)
	}
}

func (a *cliApp) showContacts(ctx context.Context) {
	list, err := a.contacts.List(ctx)
	if err != nil {
		a.printError(err)
		return
	}
	if len(list) == 0 {
		a.ui.PrintHint("No trusted contacts yet.")
		return
	}
	for _, c := range list {
		a.ui.PrintInfo(fmt.Sprintf("%s  %-18s %s", c.ID, c.DisplayName, c.Address))
	}
}

func (a *cliApp) allContactIDs(ctx context.Context) []string {
	list, err := a.contacts.List(ctx)
	if err != nil {
		a.log.Error("listing contacts: %v", err)
		return nil
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids
}

func (a *cliApp) contactName(ctx context.Context, id string) string {
	if c, err := a.contacts.Lookup(ctx, id); err == nil {
		return c.DisplayName
	}
	return id
}

// printError turns engine errors into something a person can act on.
func (a *cliApp) printError(err error) {
	a.log.Debug("command failed: %v", err)
	var msg string
	switch {
	case errors.Is(err, domain.ErrAlreadyArmed):
		msg = "This journey is already protected. Stop the current session first."
	case errors.Is(err, domain.ErrNoContactsSelected):
		msg = "Pick at least one contact, e.g. 'timer 20m 1 2'. Type 'contacts' to list them."
	case errors.Is(err, domain.ErrUnknownContact):
		msg = "I don't know that contact. Type 'contacts' to list them."
	case errors.Is(err, domain.ErrDurationOutOfRange):
		msg = "That duration is out of range."
	case errors.Is(err, domain.ErrUnsupportedOperation):
		msg = "That doesn't work for this kind of session."
	case errors.Is(err, domain.ErrInvalidTransition):
		msg = "Can't do that right now: " + err.Error()
	case errors.Is(err, domain.ErrMissingJourneyDetails):
		msg = "Where from and where to?"
	case errors.Is(err, domain.ErrJourneyNotFound):
		a.journeyID = ""
		msg = "That journey is over."
	default:
		msg = err.Error()
	}
	a.ui.PrintUrgent(msg)
}

func (a *cliApp) showHelp() {
	lines := []string{
		"journey [solo|shared] <time> A to B [with 1 2]   declare a trip",
		"timer <time> [contacts]                          safe timer, alerts contacts if you don't stop it",
		"share <time> [contacts] [anon] [nohistory]       share your live location",
		"sos [contacts]                                   alert contacts right now",
		"pause | resume                                   hold a safe timer",
		"extend <time>                                    add time",
		"stop                                             you're safe, disarm",
		"invite <id> | revoke <id>                        manage who follows a share",
		"pos <lat> <lon>                                  update your position",
		"status | contacts | end | quit",
	}
	for _, l := range lines {
		a.ui.PrintHint(l)
	}
}
