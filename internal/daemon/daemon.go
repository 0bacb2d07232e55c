// Package daemon runs the monitoring loop as a singleton background
// process: lock and PID files, signal handling, rate-limit pauses and the
// per-cycle status snapshot read by the CLI.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
	"github.com/Dicklesworthstone/agentwatch/internal/config"
	"github.com/Dicklesworthstone/agentwatch/internal/metrics"
	"github.com/Dicklesworthstone/agentwatch/internal/monitor"
	"github.com/Dicklesworthstone/agentwatch/internal/notify"
	"github.com/Dicklesworthstone/agentwatch/internal/plugins"
	"github.com/Dicklesworthstone/agentwatch/internal/ratelimit"
	"github.com/Dicklesworthstone/agentwatch/internal/serve"
	"github.com/Dicklesworthstone/agentwatch/internal/strategy"
	"github.com/Dicklesworthstone/agentwatch/internal/tmux"
	"github.com/Dicklesworthstone/agentwatch/internal/util"
)

// StartOptions override configuration for one run. Zero values keep the
// configured setting.
type StartOptions struct {
	Interval     time.Duration
	Strategy     string
	PoolSize     int
	CacheEnabled *bool
	ConfigPath   string

	// Mux replaces the local tmux server.
	Mux    tmux.Mux
	Logger *slog.Logger
	// MaxCycles stops the loop after that many cycles when positive.
	MaxCycles int
}

func (o StartOptions) apply(cfg *config.Config) {
	if o.Interval > 0 {
		cfg.Monitor.IntervalSeconds = int(o.Interval.Round(time.Second) / time.Second)
		if cfg.Monitor.IntervalSeconds < 1 {
			cfg.Monitor.IntervalSeconds = 1
		}
	}
	if o.Strategy != "" {
		cfg.Monitor.Strategy = o.Strategy
	}
	if o.PoolSize > 0 {
		cfg.Pool.Size = o.PoolSize
	}
	if o.CacheEnabled != nil {
		cfg.Cache.Enabled = *o.CacheEnabled
	}
}

// Daemon owns the components and drives one strategy per tick.
type Daemon struct {
	cfg      *config.Config
	opts     StartOptions
	logger   *slog.Logger
	registry *strategy.Registry

	comps     *strategy.Components
	loader    *plugins.Loader
	startedAt time.Time

	mu     sync.Mutex
	last   *monitor.Status
	cycles int
}

// New validates cfg with opts applied. cfg is copied, never modified.
func New(cfg *config.Config, opts StartOptions) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	c := *cfg
	opts.apply(&c)
	if errs := config.Validate(&c); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		cfg:      &c,
		opts:     opts,
		logger:   logger,
		registry: strategy.NewRegistry(),
	}, nil
}

// Config returns the effective configuration.
func (d *Daemon) Config() *config.Config { return d.cfg }

// Start validates, locks and runs the daemon until ctx is done or a
// terminate signal arrives.
func Start(ctx context.Context, cfg *config.Config, opts StartOptions) error {
	d, err := New(cfg, opts)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// Restart stops a running daemon, if any, and starts a new one in this
// process.
func Restart(ctx context.Context, cfg *config.Config, opts StartOptions) error {
	if err := Stop(ctx, cfg); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return Start(ctx, cfg, opts)
}

// Run acquires the singleton lock and loops until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.StateDir(), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	fileLock := flock.New(d.cfg.LockPath())
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w (lock %s held by another process)", ErrAlreadyRunning, d.cfg.LockPath())
	}
	defer func() { _ = fileLock.Unlock() }()

	// Registered before the PID file exists so Stop can never signal an
	// unprepared process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	d.startedAt = time.Now()
	info := PIDFileInfo{
		PID:       os.Getpid(),
		Strategy:  d.cfg.Monitor.Strategy,
		Config:    d.opts.ConfigPath,
		Interval:  d.cfg.Monitor.Interval().String(),
		StartedAt: d.startedAt,
	}
	if err := WritePIDFile(d.cfg.PIDPath(), info); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() { _ = os.Remove(d.cfg.PIDPath()) }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	comps, closeComps, err := Build(runCtx, d.cfg, d.opts.Mux, d.logger)
	if err != nil {
		return err
	}
	defer closeComps()
	d.comps = comps

	d.loadPlugins(runCtx, d.cfg.Plugins.Watch)

	if err := d.checkStrategy(); err != nil {
		return err
	}

	if addr := d.cfg.Metrics.Listen; addr != "" {
		srv := serve.New(serve.Config{
			Addr:    addr,
			Metrics: comps.Metrics,
			Status: func() any {
				if snap := d.Snapshot(runCtx, true); snap.Last != nil {
					return snap
				}
				return nil
			},
			Logger: d.logger,
		})
		go func() {
			if err := srv.Start(runCtx); err != nil {
				d.logger.Warn("[Daemon] metrics server stopped", "addr", addr, "error", err)
			}
		}()
	}

	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					d.logger.Info("[Daemon] reload requested")
					if d.loader != nil {
						d.loader.Load()
					}
					continue
				}
				d.logger.Info("[Daemon] signal received, shutting down", "signal", sig.String())
				cancel()
				return
			}
		}
	}()

	d.logger.Info("[Daemon] started",
		"pid", info.PID,
		"strategy", d.cfg.Monitor.Strategy,
		"interval", d.cfg.Monitor.Interval(),
		"pool", comps.Pool != nil,
		"cache", comps.Cache != nil)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-runCtx.Done():
			d.logger.Info("[Daemon] stopped", "cycles", d.Cycles())
			d.persist(context.Background())
			return nil
		case <-timer.C:
			d.tick(runCtx)
			if d.opts.MaxCycles > 0 && d.Cycles() >= d.opts.MaxCycles {
				d.logger.Info("[Daemon] cycle limit reached", "cycles", d.Cycles())
				return nil
			}
			timer.Reset(d.cfg.Monitor.Interval())
		}
	}
}

func (d *Daemon) loadPlugins(ctx context.Context, watch bool) {
	pcfg := d.cfg.Plugins
	if !pcfg.Enabled || len(pcfg.Dirs) == 0 {
		return
	}
	l := plugins.NewLoader(pcfg.Dirs, d.registry, d.comps)
	l.Logger = d.logger
	l.Debounce = ms(pcfg.DebounceMs)
	res := l.Load()
	for _, e := range res.Errors {
		d.logger.Warn("[Daemon] plugin skipped", "path", e.Path, "error", e.Err)
	}
	d.loader = l
	if watch {
		go func() {
			if err := l.Watch(ctx); err != nil {
				d.logger.Warn("[Daemon] plugin watch stopped", "error", err)
			}
		}()
	}
}

// checkStrategy rejects an unknown strategy or one whose components are
// missing before the first cycle.
func (d *Daemon) checkStrategy() error {
	name := d.cfg.Monitor.Strategy
	if !d.registry.Has(name) {
		return &config.ValidationError{
			Field: "monitor.strategy",
			Msg:   fmt.Sprintf("unknown strategy %q (available: %s)", name, strings.Join(d.registry.Names(), ", ")),
		}
	}
	if _, err := d.registry.Resolve(name, d.comps); err != nil {
		return &config.ValidationError{Field: "monitor.strategy", Msg: err.Error()}
	}
	return nil
}

// Check runs one cycle without taking the lock or writing state files.
func Check(ctx context.Context, cfg *config.Config, opts StartOptions) (monitor.Status, error) {
	d, err := New(cfg, opts)
	if err != nil {
		return monitor.Status{}, err
	}
	comps, closeComps, err := Build(ctx, d.cfg, opts.Mux, d.logger)
	if err != nil {
		return monitor.Status{}, err
	}
	defer closeComps()
	d.comps = comps
	d.loadPlugins(ctx, false)
	if err := d.checkStrategy(); err != nil {
		return monitor.Status{}, err
	}
	s, err := d.registry.Resolve(d.cfg.Monitor.Strategy, comps)
	if err != nil {
		return monitor.Status{}, err
	}
	return s.Execute(ctx, comps)
}

// Cycles returns how many cycles have run.
func (d *Daemon) Cycles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cycles
}

func (d *Daemon) tick(ctx context.Context) {
	name := d.cfg.Monitor.Strategy
	s, err := d.registry.Resolve(name, d.comps)
	if err != nil {
		// A reload may have removed a plugin strategy; keep the loop alive.
		d.logger.Error("[Daemon] strategy unavailable", "strategy", name, "error", err)
		d.mu.Lock()
		d.cycles++
		d.mu.Unlock()
		return
	}
	st, err := s.Execute(ctx, d.comps)
	if err != nil {
		d.logger.Warn("[Daemon] cycle failed", "strategy", name, "error", err)
	}
	d.mu.Lock()
	d.last = &st
	d.cycles++
	d.mu.Unlock()

	d.persist(ctx)
	if st.RateLimit != nil && d.comps.RateLimit != nil && ctx.Err() == nil {
		d.pause(ctx, *st.RateLimit)
	}
}

// pause suspends monitoring until the usage limit resets. It returns
// early when ctx is canceled.
func (d *Daemon) pause(ctx context.Context, lim ratelimit.Limit) {
	rl := d.comps.RateLimit
	p := rl.Begin(lim)
	info := limitInfo(lim.Target)
	wait := time.Until(p.ResumeAt)
	if wait < 0 {
		wait = 0
	}

	d.logger.Warn("[Daemon] usage limit reached, pausing",
		"target", lim.Target, "reset", lim.ResetAt, "resume", p.ResumeAt, "sleep", wait.Round(time.Second))
	if d.comps.Metrics != nil {
		d.comps.Metrics.Inc(metrics.RateLimitPauses, nil)
	}
	if n := d.comps.Notifier; n != nil {
		msg := fmt.Sprintf("Usage limit reached (seen on %s). Monitoring paused for %s, resuming at %s.",
			lim.Target, ratelimit.FormatDelay(wait), p.ResumeAt.Format("15:04"))
		n.Queue(notify.NewEvent(notify.EventRateLimit, info, msg).With("resume_at", p.ResumeAt.Format(time.RFC3339)))
		n.Flush(ctx)
	}
	if err := rl.Save(); err != nil {
		d.logger.Warn("[Daemon] rate limit save failed", "error", err)
	}
	d.persist(ctx)

	err := ratelimit.Sleep(ctx, wait)
	if err != nil {
		rl.End(time.Now())
	} else {
		rl.Complete(time.Now())
	}
	if saveErr := rl.Save(); saveErr != nil {
		d.logger.Warn("[Daemon] rate limit save failed", "error", saveErr)
	}
	if err != nil {
		d.logger.Info("[Daemon] pause interrupted", "error", err)
		return
	}
	d.logger.Info("[Daemon] resuming after usage limit")
	if n := d.comps.Notifier; n != nil {
		n.Queue(notify.NewEvent(notify.EventRateLimitResumed, info, "Usage limit reset. Monitoring resumed."))
		n.Flush(ctx)
	}
}

func limitInfo(target string) agent.Info {
	info := agent.Info{Target: target, Name: target}
	if i := strings.LastIndex(target, ":"); i > 0 {
		info.Session = target[:i]
	}
	return info
}

// persist writes status.json and metrics.prom for the CLI.
func (d *Daemon) persist(ctx context.Context) {
	snap := d.Snapshot(ctx, true)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err == nil {
		err = util.AtomicWriteFile(d.cfg.StatusPath(), data, 0644)
	}
	if err != nil {
		d.logger.Warn("[Daemon] status write failed", "path", d.cfg.StatusPath(), "error", err)
	}

	if d.comps.Metrics == nil {
		return
	}
	for path, write := range map[string]func(io.Writer) error{
		d.cfg.MetricsPath(): d.comps.Metrics.WritePrometheus,
		d.cfg.SummaryPath(): d.comps.Metrics.WriteSummary,
	} {
		var buf bytes.Buffer
		err := write(&buf)
		if err == nil {
			err = util.AtomicWriteFile(path, buf.Bytes(), 0644)
		}
		if err != nil {
			d.logger.Warn("[Daemon] metrics write failed", "path", path, "error", err)
		}
	}
}
