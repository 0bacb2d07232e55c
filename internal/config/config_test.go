package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if errs := Validate(cfg); len(errs) != 0 {
		t.Fatalf("Default() invalid: %v", errs)
	}
	if cfg.Monitor.Interval() != 30*time.Second {
		t.Errorf("Interval() = %v, want 30s", cfg.Monitor.Interval())
	}
	want := []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}
	got := cfg.Recovery.Delays()
	if len(got) != len(want) {
		t.Fatalf("Delays() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Delays()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Monitor.Strategy != "concurrent" {
		t.Errorf("Strategy = %q, want concurrent", cfg.Monitor.Strategy)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[monitor]
interval_seconds = 15
strategy = "priority"
sessions = ["proj"]

[recovery]
delays_seconds = [1, 2]
spawn_missing = true

[notifications]
operator_target = "ops:0"

[notifications.webhook]
enabled = true
url = "https://example.com/hook"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENTWATCH_STRATEGY", "cached")
	t.Setenv("AGENTWATCH_POOL_SIZE", "9")
	t.Setenv("AGENTWATCH_CACHE", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Monitor.IntervalSeconds != 15 {
		t.Errorf("IntervalSeconds = %d, want 15", cfg.Monitor.IntervalSeconds)
	}
	if cfg.Monitor.Strategy != "cached" {
		t.Errorf("Strategy = %q, env should win", cfg.Monitor.Strategy)
	}
	if cfg.Pool.Size != 9 || cfg.Cache.Enabled {
		t.Errorf("env overrides not applied: pool=%d cache=%v", cfg.Pool.Size, cfg.Cache.Enabled)
	}
	if len(cfg.Recovery.DelaysSeconds) != 2 || !cfg.Recovery.SpawnMissing {
		t.Errorf("recovery = %+v", cfg.Recovery)
	}
	if cfg.Recovery.MaxAttempts != 3 {
		t.Errorf("unset field lost its default: MaxAttempts = %d", cfg.Recovery.MaxAttempts)
	}
	if cfg.Notifications.OperatorTarget != "ops:0" || cfg.Notifications.Webhook.URL == "" {
		t.Errorf("notifications = %+v", cfg.Notifications)
	}
	if len(cfg.Monitor.Sessions) != 1 || cfg.Monitor.Sessions[0] != "proj" {
		t.Errorf("Sessions = %v", cfg.Monitor.Sessions)
	}
}

func TestLoadBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[monitor\ninterval_seconds = "), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"interval", func(c *Config) { c.Monitor.IntervalSeconds = 0 }, "monitor.interval_seconds"},
		{"strategy", func(c *Config) { c.Monitor.Strategy = " " }, "monitor.strategy"},
		{"snapshots", func(c *Config) { c.Monitor.IdleSnapshots = 1 }, "monitor.idle_snapshots"},
		{"exclude glob", func(c *Config) { c.Monitor.ExcludeWindows = []string{"[bad"} }, "monitor.exclude_windows"},
		{"pool size", func(c *Config) { c.Pool.Size = 0 }, "pool.size"},
		{"reserved fraction", func(c *Config) { c.Priority.ReservedFraction = 1.5 }, "priority.reserved_fraction"},
		{"no delays", func(c *Config) { c.Recovery.DelaysSeconds = nil }, "recovery.delays_seconds"},
		{"webhook url", func(c *Config) { c.Notifications.Webhook.Enabled = true }, "notifications.webhook.url"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := Validate(cfg)
			if len(errs) == 0 {
				t.Fatal("expected validation error")
			}
			found := false
			for _, err := range errs {
				if !IsValidationError(err) {
					t.Errorf("%v is not a ValidationError", err)
				}
				if strings.HasPrefix(err.Error(), tt.field) {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for %s in %v", tt.field, errs)
			}
		})
	}
}

func TestPoolSizeIgnoredWhenDisabled(t *testing.T) {
	cfg := Default()
	cfg.Pool.Enabled = false
	cfg.Pool.Size = 0
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v", errs)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("AGENTWATCH_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != "/xdg/agentwatch/config.toml" {
		t.Errorf("DefaultPath() = %q", got)
	}
	t.Setenv("AGENTWATCH_CONFIG", "/etc/aw.toml")
	if got := DefaultPath(); got != "/etc/aw.toml" {
		t.Errorf("DefaultPath() = %q, env should win", got)
	}
}

func TestStatePaths(t *testing.T) {
	cfg := Default()
	cfg.Daemon.StateDir = "/var/aw"
	if cfg.PIDPath() != "/var/aw/agentwatch.pid" || cfg.LockPath() != "/var/aw/agentwatch.lock" {
		t.Errorf("paths: %s %s", cfg.PIDPath(), cfg.LockPath())
	}
	if cfg.HistoryPath() != "/var/aw/history.db" {
		t.Errorf("HistoryPath() = %s", cfg.HistoryPath())
	}
	cfg.History.Path = "/data/h.db"
	if cfg.HistoryPath() != "/data/h.db" {
		t.Errorf("HistoryPath() override = %s", cfg.HistoryPath())
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandHome(~/x) = %q", got)
	}
	if got := ExpandHome("/abs"); got != "/abs" {
		t.Errorf("ExpandHome(/abs) = %q", got)
	}
}

func TestCreateDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	got, err := CreateDefault(path)
	if err != nil {
		t.Fatalf("CreateDefault() error = %v", err)
	}
	if got != path {
		t.Errorf("CreateDefault() = %q", got)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("written defaults invalid: %v", errs)
	}
	if _, err := CreateDefault(path); err == nil {
		t.Error("expected error when file exists")
	}
}

func TestAsMapUsesTOMLNames(t *testing.T) {
	cfg := Default()
	cfg.Monitor.Strategy = "priority"
	m, err := AsMap(cfg)
	if err != nil {
		t.Fatal(err)
	}
	mon, ok := m["monitor"].(map[string]any)
	if !ok {
		t.Fatalf("monitor section = %T", m["monitor"])
	}
	if mon["strategy"] != "priority" {
		t.Errorf("monitor.strategy = %v", mon["strategy"])
	}
	if _, ok := m["rate_limit"]; !ok {
		t.Error("rate_limit section missing")
	}
}
