package daemon

import (
	"context"
	"fmt"
	"log/slog"
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
	"github.com/Dicklesworthstone/agentwatch/internal/strategy"
	"github.com/Dicklesworthstone/agentwatch/internal/tmux"
)

func ms(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func sec(n int) time.Duration { return time.Duration(n) * time.Second }

// Build wires every component described by cfg. A nil mux talks to the
// local tmux server. Only a pool that cannot open its first handle is
// fatal; the returned closer releases everything Build started.
func Build(ctx context.Context, cfg *config.Config, mux tmux.Mux, logger *slog.Logger) (*strategy.Components, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	var closers []func()
	closeAll := func() {
		cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	newClient := func() tmux.Mux {
		c := tmux.NewClient(cfg.Tmux.Socket, cfg.Tmux.Timeout(), cfg.Tmux.Retries)
		c.Logger = logger
		return c
	}
	if mux == nil {
		mux = newClient()
	}

	c := &strategy.Components{Config: cfg, Logger: logger}

	if cfg.Metrics.Enabled {
		c.Metrics = metrics.New(time.Duration(cfg.Metrics.WindowMinutes) * time.Minute)
	}

	live := mux
	if cfg.Pool.Enabled {
		base := mux
		factory := func(context.Context) (tmux.Mux, error) { return base, nil }
		if _, ok := base.(*tmux.Client); ok {
			factory = func(context.Context) (tmux.Mux, error) { return newClient(), nil }
		}
		p, err := pool.New(ctx, pool.Config{
			Size:           cfg.Pool.Size,
			MaxAge:         sec(cfg.Pool.MaxAgeSeconds),
			ProbeInterval:  sec(cfg.Pool.ProbeIntervalSeconds),
			AcquireTimeout: ms(cfg.Pool.AcquireTimeoutMs),
		}, factory)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connection pool: %w", err)
		}
		p.Logger = logger
		closers = append(closers, p.Close)
		c.Pool = p
		live = p.Mux()
		if c.Metrics != nil {
			c.Metrics.GaugeFunc(metrics.PoolInUse, nil, func() float64 { return float64(p.Stats().InUse) })
			c.Metrics.GaugeFunc(metrics.PoolOpen, nil, func() float64 { return float64(p.Stats().Open) })
			c.Metrics.GaugeFunc(metrics.PoolWaits, nil, func() float64 { return float64(p.Stats().Waits) })
		}
	}
	c.Mux = live

	if cfg.Cache.Enabled {
		ch := cache.New(cache.Config{
			MaxEntries:    cfg.Cache.MaxEntries,
			DefaultTTL:    ms(cfg.Cache.CaptureTTLMs),
			StaleTTL:      ms(cfg.Cache.StaleTTLMs),
			SweepInterval: sec(cfg.Cache.SweepIntervalSeconds),
		})
		ch.Logger = logger
		go ch.Run(bgCtx)
		c.Cache = ch
		if c.Metrics != nil {
			c.Metrics.GaugeFunc(metrics.CacheHitRatio, nil, func() float64 { return ch.Stats().HitRatio })
			c.Metrics.GaugeFunc(metrics.CacheEntries, nil, func() float64 { return float64(ch.Stats().Entries) })
		}
	}

	mcfg := cfg.Monitor
	det := status.NewDetector(status.DetectorConfig{
		ErrorRegion:        mcfg.ErrorRegionLines,
		PromptRegion:       mcfg.PromptRegionLines,
		ShellPromptMinIdle: sec(mcfg.ShellPromptIdleSec),
	})
	det.Logger = logger
	c.Detector = det
	c.Classifier = status.NewClassifier(det)

	tracker := state.NewTracker(state.Config{
		IdleStreakMin: mcfg.IdleStreakMin,
		DropGrace:     sec(mcfg.DropGraceSeconds),
	})
	tracker.Logger = logger
	c.Tracker = tracker

	if cfg.History.Enabled {
		store, err := state.Open(cfg.HistoryPath())
		if err != nil {
			logger.Warn("[Daemon] history disabled", "path", cfg.HistoryPath(), "error", err)
		} else {
			closers = append(closers, func() { _ = store.Close() })
			c.History = store
			if days := cfg.History.RetentionDays; days > 0 {
				if n, err := store.PruneBefore(time.Now().AddDate(0, 0, -days)); err != nil {
					logger.Warn("[Daemon] history prune failed", "error", err)
				} else if n > 0 {
					logger.Info("[Daemon] history pruned", "rows", n)
				}
			}
		}
	}

	c.Notifier = buildNotifier(cfg, live, logger, c.Metrics)

	rcfg := cfg.Recovery
	rec := recovery.New(recovery.Config{
		Delays:       rcfg.Delays(),
		MaxAttempts:  rcfg.MaxAttempts,
		Cooldown:     sec(rcfg.CooldownSeconds),
		GracePeriod:  sec(rcfg.GracePeriodSeconds),
		ReadyTimeout: sec(rcfg.ReadyTimeoutSeconds),
		SpawnMissing: rcfg.SpawnMissing,
		WindowName:   rcfg.WindowName,
		Command:      rcfg.Command,
		Dir:          config.ExpandHome(rcfg.Dir),
		Briefing:     rcfg.Briefing,
		CaptureLines: mcfg.CaptureLines,
	}, live, det, tracker, c.Notifier)
	rec.Logger = logger
	rec.Metrics = c.Metrics
	c.Recovery = rec

	mon := monitor.New(live, live, monitor.Options{
		Sessions:         mcfg.Sessions,
		ExcludeWindows:   mcfg.ExcludeWindows,
		CaptureLines:     mcfg.CaptureLines,
		Snapshots:        mcfg.IdleSnapshots,
		SnapshotInterval: ms(mcfg.SnapshotIntervalMs),
		MaxDistance:      mcfg.IdleMaxDistance,
	})
	mon.Logger = logger
	c.Monitor = mon

	if cfg.RateLimit.Enabled {
		rl := ratelimit.NewTracker(cfg.StateDir())
		if err := rl.Load(); err != nil {
			logger.Warn("[Daemon] rate limit history unreadable", "error", err)
		}
		c.RateLimit = rl
	}

	return c, closeAll, nil
}

func buildNotifier(cfg *config.Config, live tmux.Mux, logger *slog.Logger, col *metrics.Collector) *notify.Manager {
	ncfg := cfg.Notifications
	def := notify.DefaultConfig()
	nc := notify.Config{
		Enabled: ncfg.Enabled,
		Cooldowns: map[notify.EventType]time.Duration{
			notify.EventCrash:       sec(ncfg.CrashCooldownSeconds),
			notify.EventError:       sec(ncfg.CrashCooldownSeconds),
			notify.EventIdle:        sec(ncfg.IdleCooldownSeconds),
			notify.EventManagerIdle: sec(ncfg.IdleCooldownSeconds),
		},
		DefaultCooldown: sec(ncfg.DefaultCooldownSeconds),
		OperatorTarget:  ncfg.OperatorTarget,
		Width:           ncfg.Width,
		MaxMessage:      def.MaxMessage,
	}

	var sinks []notify.Sink
	if ncfg.Log.Enabled && ncfg.Log.Path != "" {
		sinks = append(sinks, &notify.LogSink{Path: config.ExpandHome(ncfg.Log.Path)})
	}
	if ncfg.Webhook.Enabled && ncfg.Webhook.URL != "" {
		sinks = append(sinks, &notify.WebhookSink{
			URL:      ncfg.Webhook.URL,
			Method:   ncfg.Webhook.Method,
			Headers:  ncfg.Webhook.Headers,
			Template: ncfg.Webhook.Template,
		})
	}

	n := notify.New(nc, notify.MuxSender{Mux: live}, nil, sinks...)
	n.Logger = logger
	n.Metrics = col
	return n
}

// health summarizes which optional components are running.
func health(ctx context.Context, c *strategy.Components) map[string]string {
	out := make(map[string]string)
	for _, comp := range strategy.AllComponents {
		if c.Has(comp) {
			out[string(comp)] = "ok"
		} else {
			out[string(comp)] = "disabled"
		}
	}
	if c.Pool != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := c.Pool.Healthy(pctx); err != nil {
			out[string(strategy.CompPool)] = "degraded: " + err.Error()
		}
	}
	return out
}
