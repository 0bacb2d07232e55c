package status

import (
	"errors"
	"strings"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
	"github.com/Dicklesworthstone/agentwatch/internal/util"
)

// ErrUnreadableContent is returned for empty or non-UTF-8 captures.
var ErrUnreadableContent = errors.New("pane content unreadable")

// Classification is what the pane text alone says about an agent. State is
// empty when no content rule fired and the caller must fall back to
// activity and idle checks.
type Classification struct {
	State       agent.State `json:"state,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Markers     bool        `json:"markers"`
	Fresh       bool        `json:"fresh"`
	Busy        bool        `json:"busy"`
	RateLimited bool        `json:"rate_limited"`
	QueuedText  string      `json:"queued_text,omitempty"`
	Grace       bool        `json:"grace"`
}

// Classifier applies the content rules in priority order: crash, error,
// startup, then typed-but-unsubmitted input.
type Classifier struct {
	Detector *Detector
}

// NewClassifier wraps a detector.
func NewClassifier(d *Detector) *Classifier {
	return &Classifier{Detector: d}
}

// Classify inspects one capture of target.
func (c *Classifier) Classify(target, content string, idle time.Duration) (Classification, error) {
	if !Readable(content) {
		return Classification{}, ErrUnreadableContent
	}
	if c.Detector.InGracePeriod(target) {
		return Classification{Grace: true, Reason: "grace period"}, nil
	}

	cfg := c.Detector.Config()
	text := util.StripANSI(content)
	tail := util.LastNLines(text, cfg.ErrorRegion)
	out := Classification{
		Markers:     agent.InterfaceMarkers.Matches(text),
		Busy:        agent.BusyMarkers.Matches(util.LastNLines(text, cfg.PromptRegion)),
		RateLimited: agent.RateLimitMarkers.Matches(tail),
	}
	out.Fresh = agent.BannerMarkers.Matches(text) && !agent.ConversationMarkers.Matches(text)

	if crashed, reason := c.Detector.Classify(text, idle); crashed {
		out.State, out.Reason = agent.StateCrashed, reason
		return out, nil
	}
	if m, ok := agent.ErrorIndicators.Match(agent.SafeContexts.Mask(tail)); ok {
		out.State, out.Reason = agent.StateError, "error indicator: "+m
		return out, nil
	}
	if m, ok := agent.StartupMarkers.Match(tail); ok {
		out.State, out.Reason = agent.StateStarting, "startup marker: "+m
		return out, nil
	}
	if !out.Busy {
		if typed, ok := QueuedInput(text, cfg.PromptRegion); ok {
			out.State, out.Reason, out.QueuedText = agent.StateMessageQueued, "unsubmitted input", typed
			return out, nil
		}
	}
	return out, nil
}

// QueuedInput returns text typed into the agent prompt but not submitted.
// Only the last prompt line inside the final region lines is considered.
func QueuedInput(text string, region int) (string, bool) {
	lines := strings.Split(util.LastNLines(text, region), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		m := agent.PromptLine.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		typed := strings.TrimSpace(m[1])
		if typed == "" || agent.PromptPlaceholders.Matches(typed) {
			return "", false
		}
		return typed, true
	}
	return "", false
}
