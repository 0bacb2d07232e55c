// Package config loads the agentwatch TOML configuration, applies
// environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Dicklesworthstone/agentwatch/internal/util"
)

// Config represents the main configuration
type Config struct {
	Monitor       MonitorConfig       `toml:"monitor"`
	Tmux          TmuxConfig          `toml:"tmux"`
	Pool          PoolConfig          `toml:"pool"`
	Cache         CacheConfig         `toml:"cache"`
	Notifications NotificationsConfig `toml:"notifications"`
	Submission    SubmissionConfig    `toml:"submission"`
	RateLimit     RateLimitConfig     `toml:"rate_limit"`
	Recovery      RecoveryConfig      `toml:"recovery"`
	Priority      PriorityConfig      `toml:"priority"`
	Plugins       PluginsConfig       `toml:"plugins"`
	Metrics       MetricsConfig       `toml:"metrics"`
	History       HistoryConfig       `toml:"history"`
	Daemon        DaemonConfig        `toml:"daemon"`
	Logging       LoggingConfig       `toml:"logging"`
}

// MonitorConfig controls discovery and the monitoring cycle.
type MonitorConfig struct {
	IntervalSeconds    int      `toml:"interval_seconds"`
	Strategy           string   `toml:"strategy"`
	MaxConcurrency     int      `toml:"max_concurrency"`
	MaxCycleSeconds    int      `toml:"max_cycle_seconds"`
	CaptureLines       int      `toml:"capture_lines"`
	IdleSnapshots      int      `toml:"idle_snapshots"`
	SnapshotIntervalMs int      `toml:"snapshot_interval_ms"`
	IdleMaxDistance    int      `toml:"idle_max_distance"`
	IdleStreakMin      int      `toml:"idle_streak_min"`
	DropGraceSeconds   int      `toml:"drop_grace_seconds"`
	ShellPromptIdleSec int      `toml:"shell_prompt_idle_seconds"` // bare prompt must be this quiet to count as a crash
	ErrorRegionLines   int      `toml:"error_region_lines"`
	PromptRegionLines  int      `toml:"prompt_region_lines"`
	Sessions           []string `toml:"sessions"`        // empty = all sessions
	ExcludeWindows     []string `toml:"exclude_windows"` // glob patterns
}

// Interval returns the cycle interval.
func (c MonitorConfig) Interval() time.Duration { return seconds(c.IntervalSeconds) }

// MaxCycle returns the cycle deadline.
func (c MonitorConfig) MaxCycle() time.Duration { return seconds(c.MaxCycleSeconds) }

// TmuxConfig controls the tmux client.
type TmuxConfig struct {
	Socket           string `toml:"socket"`
	CaptureTimeoutMs int    `toml:"capture_timeout_ms"`
	Retries          int    `toml:"retries"`
}

// Timeout returns the per-command timeout.
func (c TmuxConfig) Timeout() time.Duration { return millis(c.CaptureTimeoutMs) }

// PoolConfig controls the multiplexer handle pool.
type PoolConfig struct {
	Enabled              bool `toml:"enabled"`
	Size                 int  `toml:"size"`
	MaxAgeSeconds        int  `toml:"max_age_seconds"`
	ProbeIntervalSeconds int  `toml:"probe_interval_seconds"`
	AcquireTimeoutMs     int  `toml:"acquire_timeout_ms"`
}

// CacheConfig controls the capture cache.
type CacheConfig struct {
	Enabled              bool `toml:"enabled"`
	MaxEntries           int  `toml:"max_entries"`
	CaptureTTLMs         int  `toml:"capture_ttl_ms"`
	ListTTLMs            int  `toml:"list_ttl_ms"`
	StaleTTLMs           int  `toml:"stale_ttl_ms"`
	SweepIntervalSeconds int  `toml:"sweep_interval_seconds"`
}

// NotificationsConfig controls the notification manager.
type NotificationsConfig struct {
	Enabled                bool   `toml:"enabled"`
	OperatorTarget         string `toml:"operator_target"` // receives events about managers
	CrashCooldownSeconds   int    `toml:"crash_cooldown_seconds"`
	IdleCooldownSeconds    int    `toml:"idle_cooldown_seconds"`
	DefaultCooldownSeconds int    `toml:"default_cooldown_seconds"`
	NotifyIdle             bool   `toml:"notify_idle"`
	NotifyFresh            bool   `toml:"notify_fresh"`
	NotifyErrors           bool   `toml:"notify_errors"`
	Width                  int    `toml:"width"`

	Log     NotifyLogConfig     `toml:"log"`
	Webhook NotifyWebhookConfig `toml:"webhook"`
}

// NotifyLogConfig mirrors delivered events to a file.
type NotifyLogConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// NotifyWebhookConfig mirrors delivered events to a URL.
type NotifyWebhookConfig struct {
	Enabled  bool              `toml:"enabled"`
	URL      string            `toml:"url"`
	Method   string            `toml:"method"`
	Template string            `toml:"template"` // Go template for the payload
	Headers  map[string]string `toml:"headers"`
}

// SubmissionConfig controls auto-submit of queued input.
type SubmissionConfig struct {
	Enabled         bool `toml:"enabled"`
	CooldownSeconds int  `toml:"cooldown_seconds"`
	MaxAttempts     int  `toml:"max_attempts"`
}

// RateLimitConfig controls fleet-wide usage limit pauses.
type RateLimitConfig struct {
	Enabled       bool `toml:"enabled"`
	BufferSeconds int  `toml:"buffer_seconds"`
}

// RecoveryConfig controls manager recovery.
type RecoveryConfig struct {
	Enabled             bool   `toml:"enabled"`
	DelaysSeconds       []int  `toml:"delays_seconds"`
	MaxAttempts         int    `toml:"max_attempts"`
	CooldownSeconds     int    `toml:"cooldown_seconds"`
	GracePeriodSeconds  int    `toml:"grace_period_seconds"`
	ReadyTimeoutSeconds int    `toml:"ready_timeout_seconds"`
	SpawnMissing        bool   `toml:"spawn_missing"`
	WindowName          string `toml:"window_name"`
	Command             string `toml:"command"`
	Dir                 string `toml:"dir"`
	Briefing            string `toml:"briefing"`
}

// Delays returns the per-attempt delays.
func (c RecoveryConfig) Delays() []time.Duration {
	out := make([]time.Duration, len(c.DelaysSeconds))
	for i, s := range c.DelaysSeconds {
		out[i] = seconds(s)
	}
	return out
}

// PriorityConfig tunes the priority strategy.
type PriorityConfig struct {
	ReservedFraction float64            `toml:"reserved_fraction"`
	HighThreshold    float64            `toml:"high_threshold"`
	CrashWeight      float64            `toml:"crash_weight"`
	RoleWeights      map[string]float64 `toml:"role_weights"`
	StateWeights     map[string]float64 `toml:"state_weights"`
}

// PluginsConfig controls strategy plugin loading.
type PluginsConfig struct {
	Enabled    bool     `toml:"enabled"`
	Dirs       []string `toml:"dirs"`
	Watch      bool     `toml:"watch"`
	DebounceMs int      `toml:"debounce_ms"`
}

// MetricsConfig controls metric retention and export.
type MetricsConfig struct {
	Enabled       bool   `toml:"enabled"`
	WindowMinutes int    `toml:"window_minutes"`
	Listen        string `toml:"listen"` // e.g. 127.0.0.1:9410; empty disables HTTP
}

// HistoryConfig controls the SQLite transition history.
type HistoryConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"` // default: <state_dir>/history.db
	RetentionDays int    `toml:"retention_days"`
}

// DaemonConfig controls the background process.
type DaemonConfig struct {
	StateDir           string `toml:"state_dir"`
	StopTimeoutSeconds int    `toml:"stop_timeout_seconds"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
	File   string `toml:"file"`   // daemon log; default <state_dir>/agentwatch.log
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Monitor: MonitorConfig{
			IntervalSeconds:    30,
			Strategy:           "concurrent",
			MaxConcurrency:     10,
			MaxCycleSeconds:    120,
			CaptureLines:       50,
			IdleSnapshots:      4,
			SnapshotIntervalMs: 300,
			IdleMaxDistance:    1,
			IdleStreakMin:      0,
			DropGraceSeconds:   120,
			ShellPromptIdleSec: 5,
			ErrorRegionLines:   15,
			PromptRegionLines:  6,
		},
		Tmux: TmuxConfig{
			CaptureTimeoutMs: 2000,
			Retries:          1,
		},
		Pool: PoolConfig{
			Enabled:              true,
			Size:                 5,
			MaxAgeSeconds:        300,
			ProbeIntervalSeconds: 30,
			AcquireTimeoutMs:     2000,
		},
		Cache: CacheConfig{
			Enabled:              true,
			MaxEntries:           512,
			CaptureTTLMs:         2000,
			ListTTLMs:            5000,
			StaleTTLMs:           3000,
			SweepIntervalSeconds: 30,
		},
		Notifications: NotificationsConfig{
			Enabled:                true,
			CrashCooldownSeconds:   300,
			IdleCooldownSeconds:    600,
			DefaultCooldownSeconds: 300,
			NotifyIdle:             true,
			NotifyFresh:            true,
			NotifyErrors:           true,
			Width:                  100,
			Log: NotifyLogConfig{
				Path: "~/.local/state/agentwatch/notifications.log",
			},
			Webhook: NotifyWebhookConfig{
				Method: "POST",
			},
		},
		Submission: SubmissionConfig{
			Enabled:         true,
			CooldownSeconds: 10,
			MaxAttempts:     3,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			BufferSeconds: 120,
		},
		Recovery: RecoveryConfig{
			Enabled:             true,
			DelaysSeconds:       []int{2, 5, 10},
			MaxAttempts:         3,
			CooldownSeconds:     300,
			GracePeriodSeconds:  180,
			ReadyTimeoutSeconds: 60,
			WindowName:          "pm",
			Command:             "claude",
		},
		Priority: PriorityConfig{
			ReservedFraction: 0.5,
			HighThreshold:    5,
			CrashWeight:      1,
			RoleWeights: map[string]float64{
				"orchestrator": 4,
				"manager":      4,
				"devops":       2,
				"developer":    2,
				"qa":           1.5,
				"reviewer":     1,
				"researcher":   1,
				"worker":       1,
			},
			StateWeights: map[string]float64{
				"CRASHED":        4,
				"ERROR":          3,
				"MESSAGE_QUEUED": 2,
				"STARTING":       1.5,
				"IDLE":           1,
				"ACTIVE":         0.5,
				"HEALTHY":        0,
			},
		},
		Plugins: PluginsConfig{
			Enabled:    true,
			Dirs:       []string{"~/.config/agentwatch/strategies"},
			Watch:      true,
			DebounceMs: 500,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			WindowMinutes: 60,
		},
		History: HistoryConfig{
			RetentionDays: 7,
		},
		Daemon: DaemonConfig{
			StateDir:           DefaultStateDir(),
			StopTimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the default config file path
func DefaultPath() string {
	if env := os.Getenv("AGENTWATCH_CONFIG"); env != "" {
		return ExpandHome(env)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentwatch", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		// Fallback to /tmp when home directory is unavailable (e.g., containers)
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "agentwatch", "config.toml")
}

// DefaultStateDir returns where the daemon keeps its lock, PID and snapshots.
func DefaultStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentwatch")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "agentwatch")
	}
	return filepath.Join(home, ".local", "state", "agentwatch")
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func envBool(v string) bool {
	return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
}

// applyEnvOverrides applies AGENTWATCH_* variables (Env > TOML > Default).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTWATCH_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.IntervalSeconds = n
		}
	}
	if v := os.Getenv("AGENTWATCH_STRATEGY"); v != "" {
		cfg.Monitor.Strategy = v
	}
	if v := os.Getenv("AGENTWATCH_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.MaxConcurrency = n
		}
	}
	if v := os.Getenv("AGENTWATCH_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Size = n
		}
	}
	if v := os.Getenv("AGENTWATCH_CACHE"); v != "" {
		cfg.Cache.Enabled = envBool(v)
	}
	if v := os.Getenv("AGENTWATCH_TMUX_SOCKET"); v != "" {
		cfg.Tmux.Socket = v
	}
	if v := os.Getenv("AGENTWATCH_OPERATOR_TARGET"); v != "" {
		cfg.Notifications.OperatorTarget = v
	}
	if v := os.Getenv("AGENTWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AGENTWATCH_STATE_DIR"); v != "" {
		cfg.Daemon.StateDir = v
	}
	if v := os.Getenv("AGENTWATCH_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}

	return path
}

// StateDir returns the expanded state directory.
func (c *Config) StateDir() string { return ExpandHome(c.Daemon.StateDir) }

// LockPath is the singleton lock file.
func (c *Config) LockPath() string { return filepath.Join(c.StateDir(), "agentwatch.lock") }

// PIDPath is the PID file written by the daemon.
func (c *Config) PIDPath() string { return filepath.Join(c.StateDir(), "agentwatch.pid") }

// StatusPath is the per-cycle status snapshot.
func (c *Config) StatusPath() string { return filepath.Join(c.StateDir(), "status.json") }

// MetricsPath is the per-cycle Prometheus text snapshot.
func (c *Config) MetricsPath() string { return filepath.Join(c.StateDir(), "metrics.prom") }

// SummaryPath is the per-cycle human-readable metrics summary.
func (c *Config) SummaryPath() string { return filepath.Join(c.StateDir(), "metrics.txt") }

// LogPath is the daemon log file.
func (c *Config) LogPath() string {
	if c.Logging.File != "" {
		return ExpandHome(c.Logging.File)
	}
	return filepath.Join(c.StateDir(), "agentwatch.log")
}

// HistoryPath is the SQLite history database.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return ExpandHome(c.History.Path)
	}
	return filepath.Join(c.StateDir(), "history.db")
}

// Print writes cfg as TOML.
func Print(cfg *Config, w io.Writer) error {
	enc := toml.NewEncoder(w)
	enc.Indent = ""
	return enc.Encode(cfg)
}

// AsMap returns cfg keyed by its TOML names, for JSON and YAML output.
func AsMap(cfg *Config) (map[string]any, error) {
	var buf strings.Builder
	if err := Print(cfg, &buf); err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if _, err := toml.Decode(buf.String(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateDefault writes the default configuration to path (or DefaultPath).
func CreateDefault(path string) (string, error) {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config file already exists: %s", path)
	}
	var buf strings.Builder
	if err := Print(Default(), &buf); err != nil {
		return "", err
	}
	if err := util.AtomicWriteFile(path, []byte(buf.String()), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidateMonitorConfig validates the [monitor] section.
func ValidateMonitorConfig(cfg *MonitorConfig) []error {
	var errs []error
	if cfg.IntervalSeconds < 1 {
		errs = append(errs, invalid("monitor.interval_seconds", "must be at least 1, got %d", cfg.IntervalSeconds))
	}
	if strings.TrimSpace(cfg.Strategy) == "" {
		errs = append(errs, invalid("monitor.strategy", "must not be empty"))
	}
	if cfg.MaxConcurrency < 1 {
		errs = append(errs, invalid("monitor.max_concurrency", "must be at least 1, got %d", cfg.MaxConcurrency))
	}
	if cfg.MaxCycleSeconds < 1 {
		errs = append(errs, invalid("monitor.max_cycle_seconds", "must be at least 1, got %d", cfg.MaxCycleSeconds))
	}
	if cfg.CaptureLines < 1 {
		errs = append(errs, invalid("monitor.capture_lines", "must be at least 1, got %d", cfg.CaptureLines))
	}
	if cfg.IdleSnapshots < 2 {
		errs = append(errs, invalid("monitor.idle_snapshots", "must be at least 2, got %d", cfg.IdleSnapshots))
	}
	if cfg.SnapshotIntervalMs < 0 {
		errs = append(errs, invalid("monitor.snapshot_interval_ms", "must be non-negative, got %d", cfg.SnapshotIntervalMs))
	}
	if cfg.IdleMaxDistance < 0 {
		errs = append(errs, invalid("monitor.idle_max_distance", "must be non-negative, got %d", cfg.IdleMaxDistance))
	}
	if cfg.IdleStreakMin < 0 {
		errs = append(errs, invalid("monitor.idle_streak_min", "must be non-negative, got %d", cfg.IdleStreakMin))
	}
	if cfg.DropGraceSeconds < 0 {
		errs = append(errs, invalid("monitor.drop_grace_seconds", "must be non-negative, got %d", cfg.DropGraceSeconds))
	}
	for _, p := range cfg.ExcludeWindows {
		if _, err := filepath.Match(p, ""); err != nil {
			errs = append(errs, invalid("monitor.exclude_windows", "bad pattern %q: %v", p, err))
		}
	}
	return errs
}

// ValidateRecoveryConfig validates the [recovery] section.
func ValidateRecoveryConfig(cfg *RecoveryConfig) []error {
	var errs []error
	if len(cfg.DelaysSeconds) == 0 {
		errs = append(errs, invalid("recovery.delays_seconds", "must list at least one delay"))
	}
	for _, d := range cfg.DelaysSeconds {
		if d < 0 {
			errs = append(errs, invalid("recovery.delays_seconds", "must be non-negative, got %d", d))
			break
		}
	}
	if cfg.MaxAttempts < 1 {
		errs = append(errs, invalid("recovery.max_attempts", "must be at least 1, got %d", cfg.MaxAttempts))
	}
	if cfg.CooldownSeconds < 0 || cfg.GracePeriodSeconds < 0 || cfg.ReadyTimeoutSeconds < 0 {
		errs = append(errs, invalid("recovery", "durations must be non-negative"))
	}
	if cfg.Enabled && strings.TrimSpace(cfg.Command) == "" {
		errs = append(errs, invalid("recovery.command", "must not be empty when recovery is enabled"))
	}
	return errs
}

// ValidatePriorityConfig validates the [priority] section.
func ValidatePriorityConfig(cfg *PriorityConfig) []error {
	var errs []error
	if cfg.ReservedFraction < 0 || cfg.ReservedFraction > 1 {
		errs = append(errs, invalid("priority.reserved_fraction", "must be between 0.0 and 1.0, got %.2f", cfg.ReservedFraction))
	}
	if cfg.CrashWeight < 0 {
		errs = append(errs, invalid("priority.crash_weight", "must be non-negative, got %.2f", cfg.CrashWeight))
	}
	for role, w := range cfg.RoleWeights {
		if w < 0 {
			errs = append(errs, invalid("priority.role_weights."+role, "must be non-negative, got %.2f", w))
		}
	}
	return errs
}

// Validate checks every section and returns all problems found.
func Validate(cfg *Config) []error {
	if cfg == nil {
		return []error{invalid("config", "is nil")}
	}

	errs := ValidateMonitorConfig(&cfg.Monitor)
	errs = append(errs, ValidateRecoveryConfig(&cfg.Recovery)...)
	errs = append(errs, ValidatePriorityConfig(&cfg.Priority)...)

	if cfg.Tmux.CaptureTimeoutMs < 1 {
		errs = append(errs, invalid("tmux.capture_timeout_ms", "must be at least 1, got %d", cfg.Tmux.CaptureTimeoutMs))
	}
	if cfg.Tmux.Retries < 0 {
		errs = append(errs, invalid("tmux.retries", "must be non-negative, got %d", cfg.Tmux.Retries))
	}
	if cfg.Pool.Enabled && cfg.Pool.Size < 1 {
		errs = append(errs, invalid("pool.size", "must be at least 1, got %d", cfg.Pool.Size))
	}
	if cfg.Pool.MaxAgeSeconds < 0 || cfg.Pool.ProbeIntervalSeconds < 0 || cfg.Pool.AcquireTimeoutMs < 0 {
		errs = append(errs, invalid("pool", "durations must be non-negative"))
	}
	if cfg.Cache.Enabled && cfg.Cache.MaxEntries < 1 {
		errs = append(errs, invalid("cache.max_entries", "must be at least 1, got %d", cfg.Cache.MaxEntries))
	}
	if cfg.Cache.CaptureTTLMs < 0 || cfg.Cache.ListTTLMs < 0 || cfg.Cache.StaleTTLMs < 0 {
		errs = append(errs, invalid("cache", "TTLs must be non-negative"))
	}
	if cfg.Notifications.CrashCooldownSeconds < 0 || cfg.Notifications.IdleCooldownSeconds < 0 || cfg.Notifications.DefaultCooldownSeconds < 0 {
		errs = append(errs, invalid("notifications", "cooldowns must be non-negative"))
	}
	if cfg.Notifications.Webhook.Enabled && cfg.Notifications.Webhook.URL == "" {
		errs = append(errs, invalid("notifications.webhook.url", "required when the webhook is enabled"))
	}
	if cfg.Submission.CooldownSeconds < 0 {
		errs = append(errs, invalid("submission.cooldown_seconds", "must be non-negative, got %d", cfg.Submission.CooldownSeconds))
	}
	if cfg.Submission.MaxAttempts < 1 {
		errs = append(errs, invalid("submission.max_attempts", "must be at least 1, got %d", cfg.Submission.MaxAttempts))
	}
	if cfg.RateLimit.BufferSeconds < 0 {
		errs = append(errs, invalid("rate_limit.buffer_seconds", "must be non-negative, got %d", cfg.RateLimit.BufferSeconds))
	}
	if cfg.Metrics.WindowMinutes < 1 {
		errs = append(errs, invalid("metrics.window_minutes", "must be at least 1, got %d", cfg.Metrics.WindowMinutes))
	}
	if cfg.History.RetentionDays < 0 {
		errs = append(errs, invalid("history.retention_days", "must be non-negative, got %d", cfg.History.RetentionDays))
	}
	if strings.TrimSpace(cfg.Daemon.StateDir) == "" {
		errs = append(errs, invalid("daemon.state_dir", "must not be empty"))
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, invalid("logging.level", "must be debug, info, warn or error, got %q", cfg.Logging.Level))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, invalid("logging.format", "must be \"text\" or \"json\", got %q", cfg.Logging.Format))
	}
	return errs
}
