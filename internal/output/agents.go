package output

import (
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Dicklesworthstone/agentwatch/internal/state"
)

// RenderAgents writes the per-agent table. width bounds the reason column.
func RenderAgents(w io.Writer, s Styles, agents []state.AgentState, width int, now time.Time) {
	t := NewTable(w, "", "TARGET", "NAME", "ROLE", "STATE", "IDLE", "SINCE", "REASON")
	t.HeaderStyle = s.Header
	t.SetMaxWidth(2, 16)
	t.SetMaxWidth(7, max(width-72, 16))
	for _, a := range agents {
		since := ""
		if !a.StateSince.IsZero() {
			since = humanize.RelTime(a.StateSince, now, "ago", "from now")
		}
		t.AddRow(Glyph(a.State), a.Target, a.Name, string(a.Role), string(a.State),
			strconv.Itoa(a.IdleStreak), since, a.Reason)
	}
	t.Colorize = func(row, col int, cell string) string {
		if col == 0 || col == 4 {
			return s.State(agents[row].State).Render(cell)
		}
		return cell
	}
	t.Render()
}
