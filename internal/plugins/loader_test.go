package plugins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/logging"
	"github.com/Dicklesworthstone/agentwatch/internal/strategy"
)

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newLoader(dirs ...string) *Loader {
	l := NewLoader(dirs, strategy.NewRegistry(), nil)
	l.Logger = logging.Discard()
	return l
}

func TestLoadIsolatesBadPlugins(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "night.toml", `
name = "night-shift"
description = "priority strategy with a small budget"
base = "priority"
requires = ["cache"]
[params]
max_concurrency = 4
reserved_fraction = 0.75
`)
	write(t, dir, "steady.yaml", "name: steady\nbase: concurrent\nparams:\n  max_concurrency: 2\n")
	write(t, dir, "broken.toml", "name = \"broken\nbase = ")
	write(t, dir, "nobase.yml", "name: orphan\nbase: turbo\n")
	write(t, dir, "badparam.toml", "name = \"odd\"\nbase = \"sequential\"\n[params]\nmax_concurrency = 3\n")
	write(t, dir, "badcomp.toml", "name = \"gpu\"\nbase = \"sequential\"\nrequires = [\"gpu\"]\n")
	write(t, dir, "noname.yaml", "base: sequential\n")
	write(t, dir, "dup.yml", "name: steady\nbase: sequential\n")
	write(t, dir, "README.md", "not a plugin")

	l := newLoader(dir, filepath.Join(dir, "missing"))
	res := l.Load()

	if got := strings.Join(res.Names(), ","); got != "night-shift,steady" {
		t.Errorf("loaded = %s, want night-shift,steady", got)
	}
	if len(res.Errors) != 6 {
		for _, e := range res.Errors {
			t.Log(e)
		}
		t.Fatalf("errors = %d, want 6", len(res.Errors))
	}
	dup := false
	for _, e := range res.Errors {
		if e.Path == "" || e.Err == nil {
			t.Errorf("incomplete LoadError %+v", e)
		}
		if errors.Is(e, ErrDuplicateName) {
			dup = true
		}
	}
	if !dup {
		t.Error("duplicate name not reported")
	}

	s, err := l.Registry.New("night-shift")
	if err != nil {
		t.Fatalf("registry missing plugin: %v", err)
	}
	if s.Description() != "priority strategy with a small budget" {
		t.Errorf("Description() = %q", s.Description())
	}
	if !l.Registry.Has("steady") || l.Registry.Has("orphan") {
		t.Errorf("registry names = %v", l.Registry.Names())
	}
}

func TestLoadChecksHostComponents(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "fast.toml", "name = \"fast\"\nbase = \"cached\"\n")
	l := NewLoader([]string{dir}, strategy.NewRegistry(), &strategy.Components{})
	l.Logger = logging.Discard()

	res := l.Load()
	if len(res.Loaded) != 0 || len(res.Errors) != 1 {
		t.Fatalf("loaded %v errors %v", res.Names(), res.Errors)
	}
	if !errors.Is(res.Errors[0], strategy.ErrMissingComponents) {
		t.Errorf("error = %v, want missing components", res.Errors[0])
	}
}

func TestParseManifestYAMLUnknownField(t *testing.T) {
	path := write(t, t.TempDir(), "x.yaml", "name: x\nbase: sequential\nmode: fast\n")
	if _, err := ParseManifest(path); err == nil {
		t.Error("expected unknown field error")
	}
}

func TestReloadRemovesDeletedPlugins(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "steady.toml", "name = \"steady\"\nbase = \"concurrent\"\n")
	l := newLoader(dir)
	l.Load()
	if !l.Registry.Has("steady") {
		t.Fatal("plugin not loaded")
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	l.Load()
	if l.Registry.Has("steady") {
		t.Error("deleted plugin still registered")
	}
	if len(l.Last().Loaded) != 0 {
		t.Errorf("Last() = %+v", l.Last())
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	l := newLoader(dir)
	l.Debounce = 20 * time.Millisecond
	reloaded := make(chan Result, 4)
	l.OnReload = func(r Result) { reloaded <- r }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		write(t, dir, "steady.toml", "name = \"steady\"\nbase = \"concurrent\"\n")
		select {
		case r := <-reloaded:
			if len(r.Loaded) == 1 && l.Registry.Has("steady") {
				cancel()
				if err := <-done; err != nil {
					t.Errorf("Watch() error = %v", err)
				}
				return
			}
		case <-time.After(200 * time.Millisecond):
			// the watcher may not have been registered yet; write again
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestCheckDoesNotRegister(t *testing.T) {
	dir := t.TempDir()
	good := write(t, dir, "steady.yaml", "name: steady\nbase: concurrent\n")
	bad := write(t, dir, "turbo.toml", "name = \"turbo\"\nbase = \"warp\"\n")

	l := newLoader(dir)
	p, err := l.Check(good)
	if err != nil || p.Name != "steady" || p.Source != good {
		t.Fatalf("Check(good) = %+v, %v", p, err)
	}
	if l.Registry.Has("steady") {
		t.Error("Check registered the plugin")
	}

	_, err = l.Check(bad)
	var le *LoadError
	if !errors.As(err, &le) || le.Path != bad {
		t.Errorf("Check(bad) error = %v", err)
	}
}
