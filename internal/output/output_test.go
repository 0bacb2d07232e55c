package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/muesli/termenv"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
	"github.com/Dicklesworthstone/agentwatch/internal/state"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatText, false},
		{"JSON", FormatJSON, false},
		{"yml", FormatYAML, false},
		{"yaml", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTableAlignsWideRunes(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "TARGET", "STATE")
	tbl.AddRow("proj:1", "IDLE")
	tbl.AddRow("プロジェ:2", "CRASHED")
	tbl.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	// "プロジェ:2" is 10 cells wide, so the state column starts at 2+10+2.
	want := "  TARGET      STATE"
	if lines[0] != want {
		t.Errorf("header = %q, want %q", lines[0], want)
	}
	if lines[1] != "  ----------  -------" {
		t.Errorf("separator = %q", lines[1])
	}
	if lines[2] != "  proj:1      IDLE" {
		t.Errorf("row = %q", lines[2])
	}
}

func TestTableMaxWidth(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "REASON")
	tbl.SetMaxWidth(0, 8)
	tbl.AddRow("no activity for 12 snapshots")
	tbl.Render()
	if !strings.Contains(buf.String(), "  no ac...") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestWriteYAMLUsesJSONNames(t *testing.T) {
	v := struct {
		AgentsIdle int           `json:"agents_idle"`
		Skipped    string        `json:"skipped,omitempty"`
		Took       time.Duration `json:"took"`
	}{AgentsIdle: 2, Took: time.Second}

	var buf bytes.Buffer
	if err := WriteYAML(&buf, v); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "agents_idle: 2") || !strings.Contains(out, "took: 1000000000") {
		t.Errorf("yaml = %q", out)
	}
	if strings.Contains(out, "skipped") {
		t.Errorf("omitempty field present: %q", out)
	}
}

func TestFormatterEncode(t *testing.T) {
	var buf bytes.Buffer
	f := New(&buf, FormatJSON)
	if !f.Structured() {
		t.Error("json formatter not structured")
	}
	if err := f.Encode(map[string]int{"cycles": 3}); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "{\n  \"cycles\": 3\n}\n" {
		t.Errorf("json = %q", got)
	}
}

func TestStylesPlainOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	s := NewStyles(&buf)
	if s.Colored() {
		t.Error("styles colored for a buffer")
	}
	if got := s.State(agent.StateCrashed).Render("CRASHED"); got != "CRASHED" {
		t.Errorf("Render = %q", got)
	}
	if got := s.Health("ok"); got != "ok" {
		t.Errorf("Health = %q", got)
	}

	colored := StylesFor(&buf, termenv.ANSI256)
	if !colored.Colored() {
		t.Error("ANSI256 styles not colored")
	}
}

func TestWidthDefault(t *testing.T) {
	if got := Width(&bytes.Buffer{}); got != DefaultWidth {
		t.Errorf("Width = %d", got)
	}
}

func TestCountStr(t *testing.T) {
	if got := CountStr(1, "agent", "agents"); got != "1 agent" {
		t.Errorf("CountStr(1) = %q", got)
	}
	if got := CountStr(0, "agent", "agents"); got != "0 agents" {
		t.Errorf("CountStr(0) = %q", got)
	}
}

func TestRenderAgents(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	agents := []state.AgentState{
		{Target: "proj:0", Name: "pm", Role: agent.RoleManager, State: agent.StateHealthy, StateSince: now.Add(-time.Minute)},
		{Target: "proj:1", Name: "dev-1", Role: agent.RoleDeveloper, State: agent.StateCrashed, Reason: "shell prompt"},
	}
	var buf bytes.Buffer
	RenderAgents(&buf, StylesFor(&buf, termenv.Ascii), agents, 100, now)
	out := buf.String()
	for _, want := range []string{"TARGET", "✗  proj:1", "CRASHED", "shell prompt", "1 minute ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
