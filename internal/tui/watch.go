// Package tui implements the live status view shown by `agentwatch watch`.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/Dicklesworthstone/agentwatch/internal/daemon"
	"github.com/Dicklesworthstone/agentwatch/internal/output"
	"github.com/Dicklesworthstone/agentwatch/internal/util"
)

// DefaultRefreshInterval is how often the snapshot is re-read.
const DefaultRefreshInterval = 2 * time.Second

// KeyMap defines watch view keybindings
type KeyMap struct {
	Refresh key.Binding
	Pause   key.Binding
	Agents  key.Binding
	Quit    key.Binding
}

var watchKeys = KeyMap{
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Pause:   key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "pause/resume auto-refresh")),
	Agents:  key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "toggle agents")),
	Quit:    key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q/esc", "quit")),
}

// FetchFunc loads the latest daemon snapshot.
type FetchFunc func() (*daemon.Snapshot, error)

// RefreshMsg asks the model to re-read the snapshot.
type RefreshMsg struct{}

// SnapshotMsg carries the result of a fetch.
type SnapshotMsg struct {
	Snapshot *daemon.Snapshot
	Err      error
}

// Model is the bubbletea model for the watch view.
type Model struct {
	fetch    FetchFunc
	interval time.Duration
	styles   output.Styles
	spinner  spinner.Model
	keys     KeyMap

	snap       *daemon.Snapshot
	err        error
	paused     bool
	showAgents bool
	loading    bool
	width      int
	now        func() time.Time
}

// New creates a watch model polling fetch every interval.
func New(fetch FetchFunc, interval time.Duration, styles output.Styles) Model {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = styles.Muted
	return Model{
		fetch:      fetch,
		interval:   interval,
		styles:     styles,
		spinner:    sp,
		keys:       watchKeys,
		showAgents: true,
		loading:    true,
		width:      output.DefaultWidth,
		now:        time.Now,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.load())
}

func (m Model) load() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		snap, err := fetch()
		return SnapshotMsg{Snapshot: snap, Err: err}
	}
}

func (m Model) refresh() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return RefreshMsg{}
	})
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			m.loading = true
			return m, m.load()
		case key.Matches(msg, m.keys.Pause):
			m.paused = !m.paused
			if !m.paused {
				m.loading = true
				return m, m.load()
			}
			return m, nil
		case key.Matches(msg, m.keys.Agents):
			m.showAgents = !m.showAgents
			return m, nil
		}
		return m, nil

	case RefreshMsg:
		if m.paused {
			return m, nil
		}
		m.loading = true
		return m, m.load()

	case SnapshotMsg:
		m.loading = false
		m.err = msg.Err
		if msg.Err == nil {
			m.snap = msg.Snapshot
		}
		if m.paused {
			return m, nil
		}
		return m, m.refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	var b strings.Builder
	s := m.styles

	title := s.Title.Render("agentwatch")
	switch {
	case m.paused:
		title += " " + s.Warn.Render("[paused]")
	case m.loading:
		title += " " + m.spinner.View()
	}
	b.WriteString(title + "\n\n")

	if m.err != nil {
		b.WriteString("  " + s.Error.Render("Error: "+m.err.Error()) + "\n")
	}
	if m.snap == nil {
		if m.err == nil {
			b.WriteString("  " + s.Muted.Render("Waiting for the first snapshot...") + "\n")
		}
		b.WriteString("\n" + m.help())
		return b.String()
	}
	snap := m.snap
	now := m.now()

	fmt.Fprintf(&b, "  %s  pid %d  every %s  %s\n",
		s.Header.Render(snap.Strategy), snap.PID, snap.Interval,
		output.CountStr(snap.Cycles, "cycle", "cycles"))
	fmt.Fprintf(&b, "  %s\n", s.Muted.Render("updated "+humanize.RelTime(snap.UpdatedAt, now, "ago", "from now")))

	if p := snap.Pause; p != nil {
		fmt.Fprintf(&b, "\n  %s until %s (seen on %s)\n",
			s.Warn.Render("Rate limited"), p.ResumeAt.Local().Format("15:04"), p.Limit.Target)
	}

	if last := snap.Last; last != nil {
		b.WriteString("\n")
		fmt.Fprintf(&b, "  monitored %d  %s %d  %s %d  %s %d  %s %d\n",
			last.AgentsMonitored,
			s.OK.Render("healthy"), last.AgentsHealthy,
			s.Warn.Render("idle"), last.AgentsIdle,
			s.Error.Render("crashed"), last.AgentsCrashed,
			s.Error.Render("error"), last.AgentsError)
		fmt.Fprintf(&b, "  last cycle %s  %s  %s\n",
			last.Duration.Round(time.Millisecond),
			output.CountStr(last.NotificationsQueued, "notification", "notifications"),
			output.CountStr(last.BatchesSent, "batch", "batches"))
		for _, e := range last.Errors {
			b.WriteString("  " + s.Error.Render(util.Truncate(e, m.width-4)) + "\n")
		}
	}

	if len(snap.Health) > 0 {
		parts := make([]string, 0, len(snap.Health))
		for _, name := range healthOrder {
			if h, ok := snap.Health[name]; ok {
				parts = append(parts, name+" "+s.Health(h))
			}
		}
		b.WriteString("\n  " + strings.Join(parts, "  ") + "\n")
	}

	if m.showAgents && len(snap.Agents) > 0 {
		b.WriteString("\n")
		output.RenderAgents(&b, s, snap.Agents, m.width, now)
	}

	b.WriteString("\n" + m.help())
	return b.String()
}

var healthOrder = []string{"mux", "pool", "cache", "metrics", "notifier", "recovery", "history"}

func (m Model) help() string {
	bindings := []key.Binding{m.keys.Refresh, m.keys.Pause, m.keys.Agents, m.keys.Quit}
	parts := make([]string, 0, len(bindings))
	for _, k := range bindings {
		h := k.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return m.styles.Muted.Render(strings.Join(parts, " • "))
}

// Run starts the program on the terminal and blocks until the user quits.
func Run(fetch FetchFunc, interval time.Duration, styles output.Styles) error {
	_, err := tea.NewProgram(New(fetch, interval, styles), tea.WithAltScreen()).Run()
	return err
}
