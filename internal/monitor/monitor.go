// Package monitor discovers agent windows and reads their panes: capture,
// multi-snapshot idle analysis and the per-cycle status value.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
	"github.com/Dicklesworthstone/agentwatch/internal/status"
	"github.com/Dicklesworthstone/agentwatch/internal/tmux"
	"github.com/Dicklesworthstone/agentwatch/internal/util"
)

// Idle types reported by Analyze.
const (
	IdleStable = "stable"
	IdlePrompt = "prompt"
	IdleActive = "active"
)

// Options configures discovery and capture.
type Options struct {
	// Sessions restricts discovery to these sessions; empty means all.
	Sessions []string
	// ExcludeWindows are window names (path.Match globs) never monitored.
	ExcludeWindows []string
	CaptureLines   int
	// Snapshots is how many captures the idle check compares, including
	// the one already taken.
	Snapshots        int
	SnapshotInterval time.Duration
	MaxDistance      int
}

// DefaultOptions returns the monitor defaults.
func DefaultOptions() Options {
	return Options{
		CaptureLines:     50,
		Snapshots:        4,
		SnapshotInterval: 300 * time.Millisecond,
		MaxDistance:      1,
	}
}

// IdleAnalysis is the result of a multi-snapshot idle check.
type IdleAnalysis struct {
	IsIdle       bool          `json:"is_idle"`
	IdleType     string        `json:"idle_type"`
	Confidence   float64       `json:"confidence"`
	IdleDuration time.Duration `json:"idle_duration"`
	Snapshots    int           `json:"snapshots"`
}

// Monitor reads agent panes through a multiplexer. Discovery and the first
// capture use mux, which may be cached; idle snapshots always use live so
// that a cached capture can never fake stability.
type Monitor struct {
	mux    tmux.Mux
	live   tmux.Mux
	opts   Options
	Logger *slog.Logger
	now    func() time.Time
}

// New creates a monitor. A nil live falls back to mux.
func New(mux, live tmux.Mux, opts Options) *Monitor {
	def := DefaultOptions()
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = def.CaptureLines
	}
	if opts.Snapshots < 2 {
		opts.Snapshots = def.Snapshots
	}
	if opts.SnapshotInterval < 0 {
		opts.SnapshotInterval = 0
	}
	if opts.MaxDistance < 0 {
		opts.MaxDistance = 0
	}
	if live == nil {
		live = mux
	}
	return &Monitor{mux: mux, live: live, opts: opts, now: time.Now}
}

func (m *Monitor) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Options returns the monitor options.
func (m *Monitor) Options() Options { return m.opts }

// Mux returns the multiplexer used for discovery and captures.
func (m *Monitor) Mux() tmux.Mux { return m.mux }

// Discover lists every monitored agent window, sorted by target.
func (m *Monitor) Discover(ctx context.Context) ([]agent.Info, error) {
	sessions, err := m.mux.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var agents []agent.Info
	for _, s := range sessions {
		if !m.wantSession(s.Name) {
			continue
		}
		windows, err := m.mux.ListWindows(ctx, s.Name)
		if err != nil {
			if errors.Is(err, tmux.ErrNotFound) {
				m.logger().Debug("[Monitor] session vanished during discovery", "session", s.Name)
				continue
			}
			return nil, fmt.Errorf("list windows for %s: %w", s.Name, err)
		}
		for _, w := range windows {
			if !m.isAgentWindow(w) {
				continue
			}
			agents = append(agents, agent.Info{
				Target:       w.Target(),
				Session:      w.Session,
				Window:       w.Index,
				Name:         w.Name,
				Role:         agent.RoleFromName(w.Name),
				Status:       coarseStatus(w),
				Command:      w.Command,
				LastActivity: w.Activity,
			})
		}
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Session != agents[j].Session {
			return agents[i].Session < agents[j].Session
		}
		return agents[i].Window < agents[j].Window
	})
	return agents, nil
}

func (m *Monitor) wantSession(name string) bool {
	if len(m.opts.Sessions) == 0 {
		return true
	}
	for _, s := range m.opts.Sessions {
		if s == name {
			return true
		}
	}
	return false
}

// isAgentWindow keeps windows that run an agent or are named like one.
// Editors, pagers and plain shells with generic names are dropped.
func (m *Monitor) isAgentWindow(w tmux.Window) bool {
	name := strings.ToLower(w.Name)
	for _, pattern := range m.opts.ExcludeWindows {
		if ok, _ := path.Match(strings.ToLower(pattern), name); ok {
			return false
		}
	}
	if agent.CommandIn(w.Command, agent.EditorCommands) {
		return false
	}
	if agent.CommandIn(w.Command, agent.AgentCommands) {
		return true
	}
	return agent.AgentWindowNames.MatchString(w.Name)
}

func coarseStatus(w tmux.Window) string {
	switch {
	case agent.CommandIn(w.Command, agent.AgentCommands):
		return "running"
	case agent.CommandIn(w.Command, agent.ShellCommands):
		return "shell"
	default:
		return "unknown"
	}
}

// Capture reads the configured number of lines from target.
func (m *Monitor) Capture(ctx context.Context, target string) (string, error) {
	return m.mux.CapturePane(ctx, target, m.opts.CaptureLines)
}

// IdleFor returns how long the window has been without tmux activity, or
// zero when the activity time is unknown.
func (m *Monitor) IdleFor(info agent.Info) time.Duration {
	if info.LastActivity.IsZero() {
		return 0
	}
	if d := m.now().Sub(info.LastActivity); d > 0 {
		return d
	}
	return 0
}

// Snapshots returns the configured number of captures of target taken at
// the snapshot interval. first is used as the initial snapshot.
func (m *Monitor) Snapshots(ctx context.Context, target, first string) ([]string, error) {
	snaps := make([]string, 0, m.opts.Snapshots)
	snaps = append(snaps, first)
	for len(snaps) < m.opts.Snapshots {
		if err := wait(ctx, m.opts.SnapshotInterval); err != nil {
			return snaps, err
		}
		content, err := m.live.CapturePane(ctx, target, m.opts.CaptureLines)
		if err != nil {
			return snaps, fmt.Errorf("snapshot %d of %s: %w", len(snaps)+1, target, err)
		}
		snaps = append(snaps, content)
	}
	return snaps, nil
}

// Analyze runs the multi-snapshot idle check for info, starting from the
// capture already taken this cycle.
func (m *Monitor) Analyze(ctx context.Context, info agent.Info, first string) (IdleAnalysis, error) {
	snaps, err := m.Snapshots(ctx, info.Target, first)
	if err != nil {
		return IdleAnalysis{IdleType: IdleActive, Snapshots: len(snaps)}, err
	}
	out := IdleAnalysis{Snapshots: len(snaps), Confidence: stability(snaps, m.opts.MaxDistance)}
	out.IsIdle = status.IsIdle(snaps, m.opts.MaxDistance)
	if !out.IsIdle {
		out.IdleType = IdleActive
		return out, nil
	}
	out.IdleType = IdleStable
	if emptyPrompt(snaps[len(snaps)-1]) {
		out.IdleType = IdlePrompt
	}
	out.IdleDuration = m.IdleFor(info)
	return out, nil
}

// stability is the share of later snapshots within maxDistance of the first.
func stability(snaps []string, maxDistance int) float64 {
	if len(snaps) < 2 {
		return 0
	}
	same := 0
	for _, s := range snaps[1:] {
		if status.IsIdle([]string{snaps[0], s}, maxDistance) {
			same++
		}
	}
	return float64(same) / float64(len(snaps)-1)
}

func emptyPrompt(content string) bool {
	text := util.StripANSI(content)
	for _, line := range strings.Split(util.LastNLines(text, 6), "\n") {
		if m := agent.PromptLine.FindStringSubmatch(line); m != nil {
			typed := strings.TrimSpace(m[1])
			if typed == "" || agent.PromptPlaceholders.Matches(typed) {
				return true
			}
		}
	}
	return false
}

func wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
