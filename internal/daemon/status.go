package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/cache"
	"github.com/Dicklesworthstone/agentwatch/internal/config"
	"github.com/Dicklesworthstone/agentwatch/internal/monitor"
	"github.com/Dicklesworthstone/agentwatch/internal/notify"
	"github.com/Dicklesworthstone/agentwatch/internal/pool"
	"github.com/Dicklesworthstone/agentwatch/internal/ratelimit"
	"github.com/Dicklesworthstone/agentwatch/internal/recovery"
	"github.com/Dicklesworthstone/agentwatch/internal/state"
	"github.com/Dicklesworthstone/agentwatch/internal/strategy"
)

// Snapshot is written to status.json after every cycle.
type Snapshot struct {
	PID       int               `json:"pid"`
	Strategy  string            `json:"strategy"`
	Interval  string            `json:"interval"`
	StartedAt time.Time         `json:"started_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Cycles    int               `json:"cycles"`
	Last      *monitor.Status   `json:"last,omitempty"`
	Health    map[string]string `json:"health"`

	Pause           *ratelimit.Pause `json:"pause,omitempty"`
	RateLimitPauses int              `json:"rate_limit_pauses"`

	Pool          *pool.Stats             `json:"pool,omitempty"`
	Cache         *cache.Stats            `json:"cache,omitempty"`
	Notifications notify.Stats            `json:"notifications"`
	Recovery      []recovery.SessionState `json:"recovery,omitempty"`
	Plugins       []strategy.Info         `json:"plugins,omitempty"`
	PluginErrors  []string                `json:"plugin_errors,omitempty"`
	Agents        []state.AgentState      `json:"agents,omitempty"`
}

// Snapshot captures the daemon's current view. Per-agent rows are only
// included when detailed is set.
func (d *Daemon) Snapshot(ctx context.Context, detailed bool) Snapshot {
	d.mu.Lock()
	snap := Snapshot{
		PID:       os.Getpid(),
		Strategy:  d.cfg.Monitor.Strategy,
		Interval:  d.cfg.Monitor.Interval().String(),
		StartedAt: d.startedAt,
		UpdatedAt: time.Now(),
		Cycles:    d.cycles,
	}
	if d.last != nil {
		last := *d.last
		snap.Last = &last
	}
	d.mu.Unlock()

	c := d.comps
	if c == nil {
		return snap
	}
	snap.Health = health(ctx, c)
	if c.RateLimit != nil {
		if p, ok := c.RateLimit.Current(); ok {
			snap.Pause = &p
		}
		snap.RateLimitPauses = c.RateLimit.Total()
	}
	if c.Pool != nil {
		ps := c.Pool.Stats()
		snap.Pool = &ps
	}
	if c.Cache != nil {
		cs := c.Cache.Stats()
		snap.Cache = &cs
	}
	if c.Notifier != nil {
		snap.Notifications = c.Notifier.Stats()
	}
	if c.Recovery != nil {
		snap.Recovery = c.Recovery.Sessions()
	}
	for _, info := range d.registry.List() {
		if !info.Builtin {
			snap.Plugins = append(snap.Plugins, info)
		}
	}
	if d.loader != nil {
		for _, e := range d.loader.Last().Errors {
			snap.PluginErrors = append(snap.PluginErrors, e.Error())
		}
	}
	if detailed && c.Tracker != nil {
		snap.Agents = c.Tracker.Snapshot()
	}
	return snap
}

// Report is what `status` shows about the daemon.
type Report struct {
	Running  bool         `json:"running"`
	PID      int          `json:"pid,omitempty"`
	Info     *PIDFileInfo `json:"info,omitempty"`
	Snapshot *Snapshot    `json:"snapshot,omitempty"`
	// Stale is set when a PID file outlived its process.
	Stale bool `json:"stale,omitempty"`
}

// Status reads the lock, PID file and last snapshot. The lock is the
// authority on whether a daemon runs; the PID file only identifies it.
func Status(cfg *config.Config, detailed bool) (Report, error) {
	var r Report
	held, err := lockHeld(cfg.LockPath())
	if err != nil {
		return r, err
	}
	r.Running = held

	info, err := ReadPIDFile(cfg.PIDPath())
	switch {
	case err == nil:
		r.Info = &info
		r.PID = info.PID
		if !held && !processAlive(info.PID) {
			r.Stale = true
		}
	case !os.IsNotExist(err):
		return r, err
	}

	data, err := os.ReadFile(cfg.StatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return r, fmt.Errorf("read status: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return r, fmt.Errorf("parse status: %w", err)
	}
	if !detailed {
		snap.Agents = nil
	}
	r.Snapshot = &snap
	return r, nil
}

// ReadSnapshot reads status.json without probing the lock.
func ReadSnapshot(cfg *config.Config) (*Snapshot, error) {
	data, err := os.ReadFile(cfg.StatusPath())
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}
	return &snap, nil
}

// Stop sends SIGTERM to the running daemon and waits until it releases
// the lock. After the stop timeout the process is killed.
func Stop(ctx context.Context, cfg *config.Config) error {
	held, err := lockHeld(cfg.LockPath())
	if err != nil {
		return err
	}
	if !held {
		// Clean up a PID file left by a crashed daemon.
		if info, err := ReadPIDFile(cfg.PIDPath()); err == nil && !processAlive(info.PID) {
			_ = os.Remove(cfg.PIDPath())
		}
		return ErrNotRunning
	}

	info, err := ReadPIDFile(cfg.PIDPath())
	if err != nil {
		return fmt.Errorf("lock held but PID file unreadable: %w", err)
	}
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	timeout := time.Duration(cfg.Daemon.StopTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			_ = proc.Signal(syscall.SIGKILL)
			_ = os.Remove(cfg.PIDPath())
			return fmt.Errorf("daemon %d did not stop within %s; killed", info.PID, timeout)
		case <-tick.C:
			held, err := lockHeld(cfg.LockPath())
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if !held {
				return nil
			}
		}
	}
}
