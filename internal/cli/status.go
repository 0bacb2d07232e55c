package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/agentwatch/internal/daemon"
	"github.com/Dicklesworthstone/agentwatch/internal/monitor"
	"github.com/Dicklesworthstone/agentwatch/internal/output"
)

func newStatusCmd(a *app) *cobra.Command {
	var detailed bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon runs and what its last cycle saw",
		Long: `Show the daemon state, the last monitoring cycle and component health.

Examples:
  agentwatch status
  agentwatch status --detailed      # include one row per agent
  agentwatch status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := daemon.Status(a.cfg, detailed)
			if err != nil {
				return err
			}
			f := a.formatter(cmd)
			if f.Structured() {
				return f.Encode(report)
			}
			printReport(f, report, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&detailed, "detailed", "d", false, "Include per-agent state")
	return cmd
}

func printReport(f *output.Formatter, r daemon.Report, now time.Time) {
	s := f.Styles()
	switch {
	case r.Running:
		f.Textln("%s %s", s.Title.Render("agentwatch"), s.OK.Render("running"))
		f.Field("PID", r.PID)
	case r.Stale:
		f.Textln("%s %s", s.Title.Render("agentwatch"), s.Warn.Render("stopped (stale PID file)"))
		f.Field("Last PID", r.PID)
	default:
		f.Textln("%s %s", s.Title.Render("agentwatch"), s.Muted.Render("stopped"))
	}
	if r.Info != nil {
		f.Field("Started", humanize.RelTime(r.Info.StartedAt, now, "ago", "from now"))
		if r.Info.Config != "" {
			f.Field("Config", r.Info.Config)
		}
	}

	snap := r.Snapshot
	if snap == nil {
		f.Line()
		f.Textln("No cycle recorded yet.")
		return
	}
	f.Field("Strategy", snap.Strategy)
	f.Field("Interval", snap.Interval)
	f.Field("Cycles", snap.Cycles)
	f.Field("Updated", humanize.RelTime(snap.UpdatedAt, now, "ago", "from now"))

	if p := snap.Pause; p != nil {
		f.Line()
		f.Textln("%s on %s, resuming %s (%s)", s.Warn.Render("Rate limited"), p.Limit.Target,
			p.ResumeAt.Local().Format("15:04"), humanize.RelTime(p.ResumeAt, now, "ago", "from now"))
	}
	if snap.RateLimitPauses > 0 {
		f.Field("Limit pauses", snap.RateLimitPauses)
	}

	if snap.Last != nil {
		f.Line()
		printCycle(f, *snap.Last)
	}

	if len(snap.Health) > 0 {
		f.Line()
		f.Textln("%s", s.Header.Render("Components"))
		names := make([]string, 0, len(snap.Health))
		for name := range snap.Health {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			f.Field(name, s.Health(snap.Health[name]))
		}
	}

	f.Line()
	f.Textln("%s", s.Header.Render("Runtime"))
	if p := snap.Pool; p != nil {
		f.Field("Pool", fmt.Sprintf("%d/%d in use, %d idle, %d waits, %d recycled", p.InUse, p.Size, p.Idle, p.Waits, p.Recycled))
	}
	if c := snap.Cache; c != nil {
		f.Field("Cache", fmt.Sprintf("%d entries, %.0f%% hits, %d evictions", c.Entries, c.HitRatio*100, c.Evictions))
	}
	n := snap.Notifications
	f.Field("Notifications", fmt.Sprintf("%d delivered in %s, %d suppressed, %d failed",
		n.Delivered, output.CountStr(n.Batches, "batch", "batches"), n.Suppressed, n.Failed))
	for _, rs := range snap.Recovery {
		line := fmt.Sprintf("%s %s, %s", rs.Session, rs.Phase, output.CountStr(rs.Attempts, "attempt", "attempts"))
		if rs.Exhausted {
			line = s.Error.Render(line + ", exhausted")
		}
		f.Field("Recovery", line)
	}
	if len(snap.Plugins) > 0 {
		names := make([]string, len(snap.Plugins))
		for i, p := range snap.Plugins {
			names[i] = p.Name
		}
		f.Field("Plugins", strings.Join(names, ", "))
	}
	for _, e := range snap.PluginErrors {
		f.Field("Plugin error", s.Warn.Render(e))
	}

	if len(snap.Agents) > 0 {
		f.Line()
		output.RenderAgents(f.Writer(), s, snap.Agents, output.Width(f.Writer()), now)
	}
}

// printCycle writes the summary of one monitoring cycle.
func printCycle(f *output.Formatter, st monitor.Status) {
	s := f.Styles()
	f.Textln("%s %s", s.Header.Render(fmt.Sprintf("Cycle %d", st.Cycle)), s.Muted.Render(st.CycleID))
	f.Field("Strategy", st.Strategy)
	f.Field("Duration", st.Duration.Round(time.Millisecond))
	f.Field("Agents", fmt.Sprintf("%d monitored: %s %d, %s %d, %s %d, %s %d",
		st.AgentsMonitored,
		s.OK.Render("healthy"), st.AgentsHealthy,
		s.Warn.Render("idle"), st.AgentsIdle,
		s.Error.Render("crashed"), st.AgentsCrashed,
		s.Error.Render("error"), st.AgentsError))
	if st.AgentsDeferred > 0 {
		f.Field("Deferred", st.AgentsDeferred)
	}
	f.Field("Notified", fmt.Sprintf("%s in %s",
		output.CountStr(st.NotificationsQueued, "event", "events"),
		output.CountStr(st.BatchesSent, "batch", "batches")))
	if st.RateLimit != nil {
		f.Field("Rate limit", st.RateLimit.Target)
	}
	for _, e := range st.Errors {
		f.Field("Error", s.Error.Render(e))
	}
}
