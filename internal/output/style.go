package output

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
)

// Styles holds the palette used by text output and the live view.
type Styles struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	OK      lipgloss.Style
	Warn    lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	Box     lipgloss.Style
	profile termenv.Profile
}

// Profile picks the color profile for w: plain when NO_COLOR or
// AGENTWATCH_NO_COLOR is set or w is not a terminal.
func Profile(w io.Writer) termenv.Profile {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("AGENTWATCH_NO_COLOR") != "" {
		return termenv.Ascii
	}
	if !IsTerminal(w) {
		return termenv.Ascii
	}
	return termenv.EnvColorProfile()
}

// NewStyles builds styles rendering for w.
func NewStyles(w io.Writer) Styles {
	return StylesFor(w, Profile(w))
}

// StylesFor builds styles for an explicit profile.
func StylesFor(w io.Writer, p termenv.Profile) Styles {
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(p)
	return Styles{
		Title:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("99")),
		Header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("75")),
		OK:     r.NewStyle().Foreground(lipgloss.Color("42")),
		Warn:   r.NewStyle().Foreground(lipgloss.Color("214")),
		Error:  r.NewStyle().Foreground(lipgloss.Color("196")),
		Muted:  r.NewStyle().Foreground(lipgloss.Color("240")),
		Box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		profile: p,
	}
}

// Colored reports whether the styles emit escape sequences.
func (s Styles) Colored() bool { return s.profile != termenv.Ascii }

// State returns the style for an agent health state.
func (s Styles) State(st agent.State) lipgloss.Style {
	switch st {
	case agent.StateHealthy, agent.StateActive:
		return s.OK
	case agent.StateIdle, agent.StateMessageQueued, agent.StateStarting:
		return s.Warn
	case agent.StateCrashed, agent.StateError:
		return s.Error
	}
	return s.Muted
}

// Glyph returns a one-cell marker for a state.
func Glyph(st agent.State) string {
	switch st {
	case agent.StateHealthy, agent.StateActive:
		return "●"
	case agent.StateIdle:
		return "○"
	case agent.StateMessageQueued:
		return "✉"
	case agent.StateStarting:
		return "◌"
	case agent.StateCrashed:
		return "✗"
	case agent.StateError:
		return "!"
	}
	return "?"
}

// Health renders a component health string.
func (s Styles) Health(h string) string {
	switch h {
	case "ok":
		return s.OK.Render(h)
	case "disabled":
		return s.Muted.Render(h)
	}
	return s.Warn.Render(h)
}
