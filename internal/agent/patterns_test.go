package agent

import (
	"strings"
	"testing"
)

func TestPatternTableMatch(t *testing.T) {
	tests := []struct {
		name  string
		table PatternTable
		text  string
		want  bool
	}{
		{"box prompt", InterfaceMarkers, "╭──────╮\n│ > │\n╰──────╯", true},
		{"human marker lowercased", InterfaceMarkers, "human: hi", true},
		{"plain shell", InterfaceMarkers, "user@host:~$ ", false},
		{"segfault", CrashIndicators, "Segmentation fault (core dumped)", true},
		{"killed line", CrashIndicators, "Killed\n$ ", true},
		{"killed mid sentence", CrashIndicators, "the process was killed by oom", false},
		{"not found", CrashIndicators, "bash: claude: command not found", true},
		{"tests failed", SafeContexts, "The tests failed with 3 errors.", true},
		{"api error", ErrorIndicators, "API Error: 529 overloaded", true},
		{"trust prompt", StartupMarkers, "Do you trust the files in this folder?", true},
		{"usage limit", RateLimitMarkers, "Claude usage limit reached. Your limit will reset at 4am.", true},
		{"empty", CrashIndicators, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.table.Matches(tt.text); got != tt.want {
				t.Errorf("%s.Matches(%q) = %v, want %v", tt.table.Name, tt.text, got, tt.want)
			}
		})
	}
}

func TestSafeContextMask(t *testing.T) {
	text := "Deployment failed earlier; the process was killed by the OOM killer"
	masked := SafeContexts.Mask(text)
	if len(masked) != len(text) {
		t.Fatalf("Mask changed length: %d != %d", len(masked), len(text))
	}
	if strings.Contains(masked, "killed by") {
		t.Errorf("Mask() left safe phrase in %q", masked)
	}
	if strings.Contains(strings.ToLower(masked), "deployment failed") {
		t.Errorf("Mask() left deployment phrase in %q", masked)
	}
}

func TestPromptLine(t *testing.T) {
	tests := []struct {
		line string
		text string
		ok   bool
	}{
		{"│ > fix the login bug     │", "fix the login bug", true},
		{"│ >                        │", "", true},
		{"> run the tests", "run the tests", true},
		{"no prompt here", "", false},
	}
	for _, tt := range tests {
		m := PromptLine.FindStringSubmatch(tt.line)
		if (m != nil) != tt.ok {
			t.Errorf("PromptLine match %q = %v, want %v", tt.line, m != nil, tt.ok)
			continue
		}
		if m != nil && m[1] != tt.text {
			t.Errorf("PromptLine text %q = %q, want %q", tt.line, m[1], tt.text)
		}
	}
}

func TestShellPrompts(t *testing.T) {
	for _, line := range []string{"user@host:~/proj$ ", "$", "bash-5.2$ ", "~/proj ❯ "} {
		if !ShellPrompts.Matches(line) {
			t.Errorf("ShellPrompts should match %q", line)
		}
	}
	if ShellPrompts.Matches("> waiting") {
		t.Error("ShellPrompts should not match an agent prompt")
	}
}

func TestRateLimitReset(t *testing.T) {
	m := RateLimitReset.FindStringSubmatch("Your limit resets 2:30pm (America/New_York)")
	if m == nil {
		t.Fatal("RateLimitReset did not match")
	}
	if m[1] != "2:30pm" || m[2] != "America/New_York" {
		t.Errorf("groups = %q, %q", m[1], m[2])
	}
}

func TestCommandIn(t *testing.T) {
	tests := []struct {
		cmd  string
		want bool
	}{
		{"claude", true},
		{"/usr/local/bin/node", true},
		{"-zsh", false},
		{"python3", false},
	}
	for _, tt := range tests {
		if got := CommandIn(tt.cmd, AgentCommands); got != tt.want {
			t.Errorf("CommandIn(%q, AgentCommands) = %v, want %v", tt.cmd, got, tt.want)
		}
	}
	if !CommandIn("-zsh", ShellCommands) {
		t.Error("login shell should match ShellCommands")
	}
}
