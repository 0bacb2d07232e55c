// Package status reads agent health from captured pane text: crash
// detection, content classification and snapshot-based idle checks.
package status

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
	"github.com/Dicklesworthstone/agentwatch/internal/util"
)

// DetectorConfig tunes crash and error detection.
type DetectorConfig struct {
	// ErrorRegion is how many tail lines are searched for error indicators.
	ErrorRegion int
	// PromptRegion is how many tail lines are searched for typed input.
	PromptRegion int
	// ShellPromptMinIdle is how long a bare shell prompt must sit idle
	// before it alone counts as a crash.
	ShellPromptMinIdle time.Duration
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() DetectorConfig {
	return DetectorConfig{
		ErrorRegion:        15,
		PromptRegion:       6,
		ShellPromptMinIdle: 5 * time.Second,
	}
}

// Detector decides whether an agent has crashed. It never reports a crash
// while the agent interface is visible, and stays silent for targets in a
// post-recovery grace period.
type Detector struct {
	config DetectorConfig
	Logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	grace map[string]time.Time
}

// NewDetector creates a detector.
func NewDetector(cfg DetectorConfig) *Detector {
	def := DefaultConfig()
	if cfg.ErrorRegion <= 0 {
		cfg.ErrorRegion = def.ErrorRegion
	}
	if cfg.PromptRegion <= 0 {
		cfg.PromptRegion = def.PromptRegion
	}
	if cfg.ShellPromptMinIdle < 0 {
		cfg.ShellPromptMinIdle = 0
	}
	return &Detector{config: cfg, now: time.Now, grace: make(map[string]time.Time)}
}

// Config returns the detector configuration.
func (d *Detector) Config() DetectorConfig { return d.config }

func (d *Detector) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Readable reports whether content can be classified at all.
func Readable(content string) bool {
	return strings.TrimSpace(content) != "" && utf8.ValidString(content)
}

// Classify reports whether content shows a crashed agent and why.
// idle is how long the pane has been quiet; zero means unknown.
func (d *Detector) Classify(content string, idle time.Duration) (bool, string) {
	if !Readable(content) {
		return false, ""
	}
	text := util.StripANSI(content)
	if agent.InterfaceMarkers.Matches(text) {
		return false, ""
	}

	masked := agent.SafeContexts.Mask(text)
	if m, ok := agent.CrashIndicators.Match(masked); ok {
		return true, "crash indicator: " + m
	}

	last := util.LastNonEmptyLine(text)
	if agent.ShellPrompts.Matches(last) && (idle == 0 || idle >= d.config.ShellPromptMinIdle) {
		return true, "agent exited to shell prompt"
	}
	return false, ""
}

// ClassifyTarget is Classify with the target's grace period honored.
func (d *Detector) ClassifyTarget(target, content string, idle time.Duration) (bool, string) {
	if d.InGracePeriod(target) {
		return false, ""
	}
	crashed, reason := d.Classify(content, idle)
	if crashed {
		d.logger().Debug("[CrashDetector] crash_detected", "target", target, "reason", reason)
	}
	return crashed, reason
}

// SetGracePeriod suppresses classification for target until the given time.
func (d *Detector) SetGracePeriod(target string, until time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grace[target] = until
}

// ClearGracePeriod ends a grace period early.
func (d *Detector) ClearGracePeriod(target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.grace, target)
}

// InGracePeriod reports whether target is still inside its grace period.
func (d *Detector) InGracePeriod(target string) bool {
	return d.GraceRemaining(target) > 0
}

// GraceRemaining returns how long target's grace period still runs.
func (d *Detector) GraceRemaining(target string) time.Duration {
	d.mu.RLock()
	until, ok := d.grace[target]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	remaining := until.Sub(d.now())
	if remaining <= 0 {
		d.mu.Lock()
		if cur, ok := d.grace[target]; ok && cur.Equal(until) {
			delete(d.grace, target)
		}
		d.mu.Unlock()
		return 0
	}
	return remaining
}
