// Package conversation turns shell input into intents and prints
// notifications and session events for the user.
package conversation

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/logger"
)

// Compile-time interface check.
var _ domain.IntentParser = (*KeywordParser)(nil)

// KeywordParser matches user input to intents using keywords and simple patterns.
type KeywordParser struct {
	log      *logger.Logger
	patterns []patternRule
}

type patternRule struct {
	regex  *regexp.Regexp
	intent domain.IntentType
}

// NewKeywordParser creates a keyword-based intent parser.
func NewKeywordParser(log *logger.Logger) *KeywordParser {
	p := &KeywordParser{log: log}
	// Rules are tried in order. Anything after the keyword becomes the payload.
	p.patterns = []patternRule{
		{regexp.MustCompile(`(?i)^(sos|emergency|panic|alert|help me)\b`), domain.IntentArmEmergency},
		{regexp.MustCompile(`(?i)^(help|h|\?)$`), domain.IntentHelp},
		{regexp.MustCompile(`(?i)^(journey|trip|leaving|going)\b`), domain.IntentStartJourney},
		{regexp.MustCompile(`(?i)^(timer|watch me|arm timer|safe timer|t)\b`), domain.IntentArmTimer},
		{regexp.MustCompile(`(?i)^(share|live|arm share|follow me)\b`), domain.IntentArmShare},
		{regexp.MustCompile(`(?i)^(pause|brb|hold|p)$`), domain.IntentPause},
		{regexp.MustCompile(`(?i)^(resume|unpause|back|go on)$`), domain.IntentResume},
		{regexp.MustCompile(`(?i)^(extend|more time|\+)`), domain.IntentExtend},
		{regexp.MustCompile(`(?i)^(stop|safe|i'?m safe|arrived|disarm|cancel)$`), domain.IntentStop},
		{regexp.MustCompile(`(?i)^(invite|add)\b`), domain.IntentInvite},
		{regexp.MustCompile(`(?i)^(revoke|remove|kick)\b`), domain.IntentRevoke},
		{regexp.MustCompile(`(?i)^(pos|position|at|here)\b`), domain.IntentPosition},
		{regexp.MustCompile(`(?i)^(status|where|left|s)$`), domain.IntentStatus},
		{regexp.MustCompile(`(?i)^(contacts|people|who)$`), domain.IntentContacts},
		{regexp.MustCompile(`(?i)^(end|end journey|done|home)$`), domain.IntentEndJourney},
		{regexp.MustCompile(`(?i)^(quit|exit|q|bye)$`), domain.IntentQuit},
	}
	return p
}

// Parse converts user input into an intent.
func (p *KeywordParser) Parse(ctx context.Context, input string) (*domain.Intent, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return &domain.Intent{Type: domain.IntentUnknown}, nil
	}

	p.log.Debug("parsing input: %q", trimmed)

	for _, rule := range p.patterns {
		loc := rule.regex.FindStringIndex(trimmed)
		if loc == nil {
			continue
		}
		payload := strings.TrimSpace(trimmed[loc[1]:])
		p.log.Debug("matched intent: %s", rule.intent)
		return &domain.Intent{
			Type:    rule.intent,
			Payload: payload,
			Args:    strings.Fields(payload),
		}, nil
	}

	// A bare duration extends whatever is running.
	if _, err := ParseDuration(trimmed); err == nil {
		return &domain.Intent{Type: domain.IntentExtend, Payload: trimmed, Args: []string{trimmed}}, nil
	}

	p.log.Debug("no match, returning unknown intent")
	return &domain.Intent{Type: domain.IntentUnknown, Payload: trimmed}, nil
}

var durationPart = regexp.MustCompile(`(\d+(?:\.\d+)?)([a-z]*)`)

var durationUnits = map[string]time.Duration{
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
}

// ParseDuration reads the loose durations people type: "15m", "1h15",
// "90" (minutes), "5 min", "2 hours 10 minutes".
func ParseDuration(s string) (time.Duration, error) {
	in := strings.ToLower(strings.Join(strings.Fields(s), ""))
	if in == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var (
		total    time.Duration
		consumed int
		prev     time.Duration
	)
	for _, m := range durationPart.FindAllStringSubmatch(in, -1) {
		consumed += len(m[0])
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("duration %q: %w", s, err)
		}
		unit, ok := durationUnits[m[2]]
		if m[2] == "" {
			// A bare number means minutes, alone or after hours ("1h15").
			if prev != 0 && prev != time.Hour {
				return 0, fmt.Errorf("duration %q: missing unit after %s", s, m[1])
			}
			unit, ok = time.Minute, true
		}
		if !ok {
			return 0, fmt.Errorf("duration %q: unknown unit %q", s, m[2])
		}
		total += time.Duration(n * float64(unit))
		prev = unit
	}
	if consumed != len(in) {
		return 0, fmt.Errorf("duration %q: unexpected characters", s)
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return total, nil
}

// ParsePosition reads "lat lon" or "lat,lon".
func ParsePosition(args []string, now time.Time) (*domain.Position, error) {
	fields := strings.FieldsFunc(strings.Join(args, " "), func(r rune) bool {
		return r == ' ' || r == ','
	})
	if len(fields) != 2 {
		return nil, fmt.Errorf("want latitude and longitude, got %q", strings.Join(args, " "))
	}
	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil, fmt.Errorf("bad latitude %q", fields[0])
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("bad longitude %q", fields[1])
	}
	return &domain.Position{Latitude: lat, Longitude: lon, CapturedAt: now}, nil
}

// SplitArm separates a leading duration from the contact IDs that follow it.
// Contact IDs may be numeric, so the duration needs a unit: "20m 1 2" or
// "20 min 1 2". The duration is zero when the arguments do not start with one.
func SplitArm(args []string) (time.Duration, []string) {
	if len(args) >= 2 {
		if _, unit := durationUnits[strings.ToLower(args[1])]; unit {
			if d, err := ParseDuration(args[0] + args[1]); err == nil {
				return d, args[2:]
			}
		}
	}
	if len(args) >= 1 && strings.IndexFunc(args[0], unicode.IsLetter) >= 0 {
		if d, err := ParseDuration(args[0]); err == nil {
			return d, args[1:]
		}
	}
	return 0, args
}

// ShareFlags are the live share viewing switches typed after "share".
type ShareFlags struct {
	Anonymous bool // anyone with the link may watch
	NoHistory bool // keep only the latest position
}

// SplitShareFlags pulls "anon" and "nohistory" words out of args, wherever
// they appear, and returns the rest in order.
func SplitShareFlags(args []string) (ShareFlags, []string) {
	var (
		f    ShareFlags
		rest []string
	)
	for _, a := range args {
		switch strings.ToLower(a) {
		case "anon", "anonymous", "public":
			f.Anonymous = true
		case "nohistory", "no-history":
			f.NoHistory = true
		default:
			rest = append(rest, a)
		}
	}
	return f, rest
}

// Durations offered by the shell when none is typed.
var (
	TimerPresets  = []time.Duration{15 * time.Minute, 30 * time.Minute, time.Hour, 2 * time.Hour, 4 * time.Hour}
	SharePresets  = []time.Duration{15 * time.Minute, 30 * time.Minute, time.Hour, 2 * time.Hour, 4 * time.Hour, 8 * time.Hour}
	ExtendPresets = []time.Duration{15 * time.Minute, 30 * time.Minute, time.Hour}
)

// FormatPresets renders durations the way people type them: "15m, 1h, 1h15".
func FormatPresets(ds []time.Duration) string {
	parts := make([]string, 0, len(ds))
	for _, d := range ds {
		h, m := int(d.Hours()), int(d.Minutes())%60
		switch {
		case h == 0:
			parts = append(parts, fmt.Sprintf("%dm", m))
		case m == 0:
			parts = append(parts, fmt.Sprintf("%dh", h))
		default:
			parts = append(parts, fmt.Sprintf("%dh%02d", h, m))
		}
	}
	return strings.Join(parts, ", ")
}
