package agent

import (
	"regexp"
	"strings"
)

// PatternTable is a named set of literal (case-insensitive) and regex
// patterns. Heuristics are kept as data so they can be tuned without
// touching classification logic.
type PatternTable struct {
	Name     string
	Literals []string
	Regexps  []*regexp.Regexp
}

// Match returns the first pattern that matches text.
func (t PatternTable) Match(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, lit := range t.Literals {
		if strings.Contains(lower, strings.ToLower(lit)) {
			return lit, true
		}
	}
	for _, re := range t.Regexps {
		if m := re.FindString(text); m != "" {
			return strings.TrimSpace(m), true
		}
	}
	return "", false
}

// Matches reports whether any pattern matches text.
func (t PatternTable) Matches(text string) bool {
	_, ok := t.Match(text)
	return ok
}

// Mask replaces every match of the table's regexps with spaces of the same
// byte length, so later tables cannot match inside a masked phrase.
func (t PatternTable) Mask(text string) string {
	for _, re := range t.Regexps {
		text = re.ReplaceAllStringFunc(text, func(m string) string {
			return strings.Repeat(" ", len(m))
		})
	}
	return text
}

func res(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// Pane content tables.
var (
	// InterfaceMarkers prove the agent UI is still on screen. While any of
	// these is visible the agent is never reported as crashed.
	InterfaceMarkers = PatternTable{
		Name: "interface",
		Literals: []string{
			"Human:",
			"Assistant:",
			"? for shortcuts",
			"esc to interrupt",
			"Welcome to Claude",
			"Claude Code",
			"bypassing permissions",
			"auto-accept edits",
			"shift+tab to cycle",
			"auto-compact",
		},
		Regexps: res(
			`╭─+`,
			`╰─+`,
			`(?m)^\s*│\s*>`,
			`✻`,
			`⏺`,
		),
	}

	// CrashIndicators only count when no interface marker is present.
	CrashIndicators = PatternTable{
		Name: "crash",
		Regexps: res(
			`(?i)segmentation fault`,
			`(?i)command not found`,
			`Traceback \(most recent call last\)`,
			`(?m)^panic: `,
			`(?m)^\s*Killed\b`,
			`(?m)^\s*Terminated\b`,
			`(?i)core dumped`,
			`(?m)^fatal error: `,
			`(?i)\bexited with (?:code|status) [1-9]\d*`,
			`npm ERR!`,
		),
	}

	// SafeContexts are phrases where crash or error words describe
	// something other than the agent itself failing.
	SafeContexts = PatternTable{
		Name: "safe-context",
		Regexps: res(
			`(?i)\btests? (?:have |has )?failed\b`,
			`(?i)\b(?:deployment|deploy|build|compilation|migration|lint) failed\b`,
			`(?i)\bthe previous error\b`,
			`(?i)\bwas killed by\b`,
			`(?i)\bwhich failed earlier\b`,
			`(?i)\b(?:fixed|fixing|fix) (?:the|this|that) (?:error|crash|segfault)\b`,
			`(?i)\berror handling\b`,
			`(?i)\bif (?:it|this|that) fails\b`,
			`(?i)\b(?:no|zero|0) errors\b`,
		),
	}

	// ErrorIndicators mark an agent-level error when found in the tail of
	// the pane outside a safe context.
	ErrorIndicators = PatternTable{
		Name: "error",
		Regexps: res(
			`(?i)\bAPI Error\b`,
			`(?m)^\s*Error: `,
			`\bECONNREFUSED\b`,
			`(?i)\brequest timed out\b`,
			`(?i)\bconnection error\b`,
			`(?i)\boverloaded_error\b`,
			`(?i)\binternal server error\b`,
			`(?m)^\s*fatal: `,
		),
	}

	// StartupMarkers show an agent that is still booting.
	StartupMarkers = PatternTable{
		Name: "startup",
		Literals: []string{
			"Do you trust the files in this folder",
			"Press Enter to continue",
			"Initializing",
			"Starting up",
			"Loading configuration",
		},
		Regexps: res(`(?m)^\s*Loading\.\.\.\s*$`),
	}

	// BannerMarkers appear on a freshly launched agent.
	BannerMarkers = PatternTable{
		Name:     "banner",
		Literals: []string{"Welcome to Claude", "✻ Welcome"},
	}

	// ConversationMarkers show the agent has exchanged at least one message.
	ConversationMarkers = PatternTable{
		Name:     "conversation",
		Literals: []string{"Human:", "Assistant:"},
		Regexps:  res(`⏺`),
	}

	// BusyMarkers mean the agent is processing a request right now.
	BusyMarkers = PatternTable{
		Name:     "busy",
		Literals: []string{"esc to interrupt"},
		Regexps:  res(`(?i)\b(?:thinking|processing)…`),
	}

	// ShellPrompts match a bare shell prompt on the last non-empty line.
	ShellPrompts = PatternTable{
		Name: "shell-prompt",
		Regexps: res(
			`^\S+@\S+.*[$#%]\s*$`,
			`^\s*[$#%]\s*$`,
			`^bash-\d+(?:\.\d+)*[$#]\s*$`,
			`^.*❯\s*$`,
		),
	}

	// PromptLine matches the input line of an agent prompt and captures any
	// text typed into it.
	PromptLine = regexp.MustCompile(`^\s*│?\s*>\s?(.*?)\s*│?\s*$`)

	// PromptPlaceholders are hint texts shown in an empty prompt.
	PromptPlaceholders = PatternTable{
		Name:    "placeholder",
		Regexps: res(`^Try "`, `^\(.*\)$`),
	}

	// RateLimitMarkers detect a usage limit message.
	RateLimitMarkers = PatternTable{
		Name: "rate-limit",
		Regexps: res(
			`(?i)\b(?:usage|rate) limit (?:reached|exceeded)`,
			`(?i)you(?:'|’)?ve hit your limit`,
			`(?i)\blimit will reset\b`,
			`(?i)\b\d+-hour limit reached\b`,
		),
	}

	// RateLimitReset captures the reset clock time and an optional IANA zone.
	RateLimitReset = regexp.MustCompile(`(?i)resets?\s+(?:at\s+)?(\d{1,2}(?::\d{2})?\s*[ap]\.?m\.?)(?:\s*\(([A-Za-z_]+(?:/[A-Za-z_+-]+)+)\))?`)
)

// Window classification tables, matched against tmux pane_current_command
// and window names.
var (
	AgentCommands = []string{
		"claude", "node", "codex", "gemini", "aider",
		"cursor-agent", "opencode", "amp", "goose",
	}

	EditorCommands = []string{
		"vim", "nvim", "vi", "emacs", "nano", "less", "more", "man",
		"htop", "top", "btop", "lazygit", "tig", "watch",
	}

	ShellCommands = []string{"bash", "zsh", "fish", "sh", "dash", "ksh", "tcsh"}

	// AgentWindowNames marks a window as hosting an agent even when the
	// pane has dropped back to a shell.
	AgentWindowNames = regexp.MustCompile(`(?i)claude|agent|orchestrat|worker|` +
		`(?:^|[^a-z])(?:pm|manager|dev|developer|engineer|qa|tester|devops|sre|reviewer|research|researcher|lead)(?:$|[^a-z])`)
)

// CommandIn reports whether cmd (a pane_current_command value) is one of
// names, ignoring a leading path and a trailing version suffix.
func CommandIn(cmd string, names []string) bool {
	cmd = strings.ToLower(strings.TrimSpace(cmd))
	if i := strings.LastIndex(cmd, "/"); i >= 0 {
		cmd = cmd[i+1:]
	}
	cmd = strings.TrimLeft(cmd, "-")
	for _, n := range names {
		if cmd == n || strings.HasPrefix(cmd, n+"-") || strings.HasPrefix(cmd, n+".") {
			return true
		}
	}
	return false
}
