// Package strategy runs monitoring cycles. The cycle itself is shared;
// strategies differ in how they schedule the per-agent checks.
package strategy

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/cache"
	"github.com/Dicklesworthstone/agentwatch/internal/config"
	"github.com/Dicklesworthstone/agentwatch/internal/metrics"
	"github.com/Dicklesworthstone/agentwatch/internal/monitor"
	"github.com/Dicklesworthstone/agentwatch/internal/notify"
	"github.com/Dicklesworthstone/agentwatch/internal/pool"
	"github.com/Dicklesworthstone/agentwatch/internal/ratelimit"
	"github.com/Dicklesworthstone/agentwatch/internal/recovery"
	"github.com/Dicklesworthstone/agentwatch/internal/state"
	"github.com/Dicklesworthstone/agentwatch/internal/status"
	"github.com/Dicklesworthstone/agentwatch/internal/tmux"
)

// Component names one injectable dependency.
type Component string

const (
	CompMux        Component = "mux"
	CompMonitor    Component = "monitor"
	CompTracker    Component = "tracker"
	CompDetector   Component = "detector"
	CompClassifier Component = "classifier"
	CompNotifier   Component = "notifier"
	CompRecovery   Component = "recovery"
	CompPool       Component = "pool"
	CompCache      Component = "cache"
	CompMetrics    Component = "metrics"
	CompRateLimit  Component = "rate_limit"
	CompHistory    Component = "history"
	CompConfig     Component = "config"
)

// AllComponents lists every component name.
var AllComponents = []Component{
	CompMux, CompMonitor, CompTracker, CompDetector, CompClassifier,
	CompNotifier, CompRecovery, CompPool, CompCache, CompMetrics,
	CompRateLimit, CompHistory, CompConfig,
}

// ParseComponent converts a manifest name to a Component.
func ParseComponent(s string) (Component, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	for _, c := range AllComponents {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Components is built once at startup and handed to every cycle.
type Components struct {
	Mux        tmux.Mux
	Monitor    *monitor.Monitor
	Tracker    *state.Tracker
	Detector   *status.Detector
	Classifier *status.Classifier
	Notifier   *notify.Manager
	Recovery   *recovery.Manager
	Pool       *pool.Pool
	Cache      *cache.Cache
	Metrics    *metrics.Collector
	RateLimit  *ratelimit.Tracker
	History    *state.Store
	Config     *config.Config
	Logger     *slog.Logger
	Clock      func() time.Time

	cycles atomic.Int64
}

// Has reports whether comp is present.
func (c *Components) Has(comp Component) bool {
	switch comp {
	case CompMux:
		return c.Mux != nil
	case CompMonitor:
		return c.Monitor != nil
	case CompTracker:
		return c.Tracker != nil
	case CompDetector:
		return c.Detector != nil
	case CompClassifier:
		return c.Classifier != nil
	case CompNotifier:
		return c.Notifier != nil
	case CompRecovery:
		return c.Recovery != nil
	case CompPool:
		return c.Pool != nil
	case CompCache:
		return c.Cache != nil
	case CompMetrics:
		return c.Metrics != nil
	case CompRateLimit:
		return c.RateLimit != nil
	case CompHistory:
		return c.History != nil
	case CompConfig:
		return c.Config != nil
	}
	return false
}

// Available lists the components that are present.
func (c *Components) Available() []Component {
	var out []Component
	for _, comp := range AllComponents {
		if c.Has(comp) {
			out = append(out, comp)
		}
	}
	return out
}

// Missing returns the required components that are absent, sorted.
func (c *Components) Missing(required []Component) []Component {
	var out []Component
	seen := make(map[Component]bool)
	for _, comp := range required {
		if seen[comp] {
			continue
		}
		seen[comp] = true
		if c == nil || !c.Has(comp) {
			out = append(out, comp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Require returns an error naming every missing component.
func (c *Components) Require(required []Component) error {
	missing := c.Missing(required)
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, len(missing))
	for i, m := range missing {
		names[i] = string(m)
	}
	return fmt.Errorf("%w: %s", ErrMissingComponents, strings.Join(names, ", "))
}

func (c *Components) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Components) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

func (c *Components) config() *config.Config {
	if c.Config != nil {
		return c.Config
	}
	return config.Default()
}

// Cycles returns how many cycles have started.
func (c *Components) Cycles() int64 { return c.cycles.Load() }
