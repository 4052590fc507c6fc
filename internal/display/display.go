// Package display is the SafeMate terminal shell, built on Bubble Tea.
// Armed sessions count down in a bar above the prompt; everything else
// scrolls past above the bar.
package display

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hammamikhairi/safemate/internal/domain"
)

var (
	barBg = lipgloss.NewStyle().
		Background(lipgloss.Color("#27272a")).
		Foreground(lipgloss.Color("#a1a1aa"))

	runStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#fde68a"))

	alarmStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#fca5a5")).
			Bold(true)

	pausedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#71717a")).
			Italic(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#a1a1aa"))

	sepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#52525b"))

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#94a3b8"))

	// BannerStyle colours the startup banner.
	BannerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#94a3b8"))

	chatStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#bae6fd"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#bbf7d0"))

	primaryStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d4d4d8"))

	secondaryStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#71717a"))

	urgentOutputStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#fca5a5"))

	userInputEchoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#a1a1aa"))
)

// almostDue is when a countdown turns red in the bar.
const almostDue = 2 * time.Minute

// Sessions is what the status bar reads every second.
type Sessions interface {
	Active(ctx context.Context) []domain.Session
	Now() time.Time
}

// UI is the SafeMate shell: a session bar and a prompt pinned to the
// bottom of the terminal. [UI.Run] blocks; once [UI.WaitReady] returns,
// the command loop and the notifier may print and read input from any
// goroutine.
type UI struct {
	program  *tea.Program
	inputCh  chan string
	readyCh  chan struct{}
	quitCh   chan struct{}
	sessions Sessions
	done     atomic.Bool
}

// NewUI creates a shell whose bar follows sessions.
func NewUI(sessions Sessions) *UI {
	return &UI{
		sessions: sessions,
		inputCh:  make(chan string, 16),
		readyCh:  make(chan struct{}),
		quitCh:   make(chan struct{}),
	}
}

// live reports whether output should go through the running program.
// Before Run and after it returns, lines go straight to stdout.
func (u *UI) live() bool {
	return u.program != nil && !u.done.Load()
}

// Println writes a line to the scrollback above the session bar.
func (u *UI) Println(a ...any) {
	if u.live() {
		u.program.Println(a...)
		return
	}
	fmt.Println(a...)
}

// Printf is Println with formatting. Each call is its own line.
func (u *UI) Printf(format string, a ...any) {
	if u.live() {
		u.program.Printf(format, a...)
		return
	}
	fmt.Printf(format, a...)
}

// InputChan delivers each command line the user submits.
func (u *UI) InputChan() <-chan string { return u.inputCh }

func (u *UI) say(style lipgloss.Style, text string) {
	u.Println(style.Render("  " + text))
}

// PrintChat is the shell talking back to the user.
func (u *UI) PrintChat(text string) { u.say(chatStyle, text) }

// PrintOK confirms a command took effect.
func (u *UI) PrintOK(text string) { u.say(okStyle, text) }

// PrintInfo lists session or contact details.
func (u *UI) PrintInfo(text string) { u.say(primaryStyle, text) }

// PrintHint suggests what to type next.
func (u *UI) PrintHint(text string) { u.say(secondaryStyle, text) }

// PrintUrgent reports escalations and failed commands.
func (u *UI) PrintUrgent(text string) { u.say(urgentOutputStyle, text) }

// PrintUserInput copies a submitted command into the scrollback.
func (u *UI) PrintUserInput(text string) {
	u.Println(promptStyle.Render("safemate") + secondaryStyle.Render("> ") + userInputEchoStyle.Render(text))
}

// WaitReady blocks until the shell accepts output.
func (u *UI) WaitReady() { <-u.readyCh }

// Quit closes the shell. Safe to call before Run.
func (u *UI) Quit() {
	if u.program != nil {
		u.program.Quit()
	}
}

// QuitChan is closed once the shell has exited.
func (u *UI) QuitChan() <-chan struct{} { return u.quitCh }

// Run owns the terminal until the user quits or Quit is called.
func (u *UI) Run() error {
	ti := textinput.New()
	// Plain-text prompt: styled prompts carry ANSI bytes that throw off
	// the textinput width math.
	ti.Prompt = "safemate> "
	ti.PromptStyle = promptStyle
	ti.TextStyle = userInputEchoStyle
	ti.Cursor.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#94a3b8"))
	ti.Focus()
	ti.CharLimit = 500
	ti.Width = 60

	m := model{
		sessions: u.sessions,
		input:    ti,
		inputCh:  u.inputCh,
		readyCh:  u.readyCh,
		echoFn: func(v string) {
			u.PrintUserInput(v)
		},
	}

	u.program = tea.NewProgram(m)
	_, err := u.program.Run()
	u.done.Store(true)
	close(u.quitCh)
	return err
}

type model struct {
	sessions Sessions
	input    textinput.Model
	inputCh  chan<- string
	readyCh  chan struct{}
	echoFn   func(string)
	items    []barItem
	width    int
}

type barItem struct {
	label string
	value string
	style lipgloss.Style
}

// tickMsg refreshes the session bar.
type tickMsg time.Time

func (m model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		tickCmd(),
		signalReady(m.readyCh),
	)
}

func signalReady(ch chan struct{}) tea.Cmd {
	return func() tea.Msg {
		close(ch)
		return nil
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEnter:
			v := m.input.Value()
			m.input.Reset()
			if strings.TrimSpace(v) != "" {
				m.inputCh <- v
				// Print the echo from a Cmd so it runs outside Update.
				echoFn := m.echoFn
				return m, func() tea.Msg {
					echoFn(v)
					return nil
				}
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		const promptLen = len("safemate> ")
		if msg.Width > promptLen {
			m.input.Width = msg.Width - promptLen
		}
		return m, nil

	case tickMsg:
		active := m.sessions.Active(context.Background())
		m.items = barItems(active, m.sessions.Now())
		cmds := []tea.Cmd{tickCmd()}
		if len(m.items) > 0 {
			cmds = append(cmds, tea.SetWindowTitle(m.titleStr()))
		} else {
			cmds = append(cmds, tea.SetWindowTitle("SafeMate"))
		}
		return m, tea.Batch(cmds...)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// barItems turns the active sessions into status bar entries, oldest first
// so the bar doesn't shuffle every tick.
func barItems(sessions []domain.Session, now time.Time) []barItem {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ArmedAt.Before(sessions[j].ArmedAt)
	})
	items := make([]barItem, 0, len(sessions))
	for i := range sessions {
		s := &sessions[i]
		it := barItem{label: KindLabel(s.Kind), style: runStyle}
		switch {
		case s.Kind == domain.KindEmergencyAlert:
			it.value = "SOS active"
			it.style = alarmStyle
		case s.State == domain.StatePaused:
			it.value = "paused " + fmtDuration(s.Remaining(now))
			it.style = pausedStyle
		default:
			left := s.Remaining(now)
			it.value = fmtDuration(left)
			if left <= almostDue {
				it.style = alarmStyle
			}
		}
		items = append(items, it)
	}
	return items
}

// KindLabel is the short name shown for a session kind.
func KindLabel(k domain.Kind) string {
	switch k {
	case domain.KindSafeTimer:
		return "timer"
	case domain.KindLiveShare:
		return "share"
	case domain.KindEmergencyAlert:
		return "sos"
	default:
		return k.String()
	}
}

func (m model) titleStr() string {
	var p []string
	for _, it := range m.items {
		p = append(p, it.label+": "+it.value)
	}
	return "SafeMate | " + strings.Join(p, " | ")
}

func (m model) View() string {
	var b strings.Builder

	if len(m.items) > 0 {
		b.WriteString(m.renderBar())
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	b.WriteString(m.input.View())
	return b.String()
}

func (m model) renderBar() string {
	var parts []string
	for _, it := range m.items {
		parts = append(parts, labelStyle.Render(it.label+": ")+it.style.Render(it.value))
	}

	content := " " + strings.Join(parts, sepStyle.Render("  │  ")) + " "

	w := m.width
	if w <= 0 {
		w = 80
	}
	return barBg.Width(w).Render(content)
}

// fmtDuration renders a countdown as 1h05m00s, 4m10s or 9s.
func fmtDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
