package domain

// IntentType classifies what the user wants to do in the shell.
type IntentType int

const (
	IntentUnknown IntentType = iota
	IntentStartJourney
	IntentArmTimer
	IntentArmShare
	IntentArmEmergency
	IntentPause
	IntentResume
	IntentExtend
	IntentStop
	IntentInvite
	IntentRevoke
	IntentPosition
	IntentStatus
	IntentContacts
	IntentEndJourney
	IntentHelp
	IntentQuit
)

// String returns a human-readable intent type.
func (i IntentType) String() string {
	switch i {
	case IntentStartJourney:
		return "start_journey"
	case IntentArmTimer:
		return "arm_timer"
	case IntentArmShare:
		return "arm_share"
	case IntentArmEmergency:
		return "arm_emergency"
	case IntentPause:
		return "pause"
	case IntentResume:
		return "resume"
	case IntentExtend:
		return "extend"
	case IntentStop:
		return "stop"
	case IntentInvite:
		return "invite"
	case IntentRevoke:
		return "revoke"
	case IntentPosition:
		return "position"
	case IntentStatus:
		return "status"
	case IntentContacts:
		return "contacts"
	case IntentEndJourney:
		return "end_journey"
	case IntentHelp:
		return "help"
	case IntentQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// Intent represents a parsed user action.
type Intent struct {
	Type    IntentType
	Payload string   // raw remainder of the input after the keyword
	Args    []string // payload split into fields, when the intent takes arguments
}
