package display

import (
	_ "embed"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"
)

//go:embed banner.txt
var bannerRaw string

// Tagline is printed under the banner art.
const Tagline = "someone always knows you got home"

// RenderBanner returns the banner art and tagline centred for the current
// terminal width.
func RenderBanner() string {
	return renderBanner(termWidth())
}

func renderBanner(width int) string {
	lines := strings.Split(strings.TrimRight(bannerRaw, "\n"), "\n")
	lines = append(lines, "", Tagline)

	// Centre the art as one block so its columns stay aligned.
	block := 0
	for _, l := range lines[:len(lines)-1] {
		block = max(block, lipgloss.Width(l))
	}

	var b strings.Builder
	for i, l := range lines {
		w := block
		if i == len(lines)-1 {
			w = lipgloss.Width(l)
		}
		if pad := (width - w) / 2; pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(BannerStyle.Render(l))
		b.WriteByte('\n')
	}
	return b.String()
}

// termWidth returns the current terminal column count, or 80 as fallback.
func termWidth() int {
	if w, _, err := term.GetSize(os.Stdout.Fd()); err == nil && w > 0 {
		return w
	}
	return 80
}
