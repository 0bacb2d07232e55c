// Package plugins loads strategy plugin manifests from disk and keeps the
// strategy registry in sync with them.
package plugins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Dicklesworthstone/agentwatch/internal/config"
	"github.com/Dicklesworthstone/agentwatch/internal/strategy"
)

// DefaultDebounce collapses bursts of file events into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Manifest is the on-disk description of a strategy plugin.
type Manifest struct {
	Name        string         `toml:"name" yaml:"name"`
	Description string         `toml:"description" yaml:"description"`
	Base        string         `toml:"base" yaml:"base"`
	Requires    []string       `toml:"requires" yaml:"requires"`
	Params      map[string]any `toml:"params" yaml:"params"`
}

// LoadError reports a plugin that was skipped.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ErrDuplicateName is returned for a second manifest using a taken name.
var ErrDuplicateName = errors.New("duplicate plugin name")

// Result is the outcome of one load pass.
type Result struct {
	Loaded []strategy.Plugin
	Errors []*LoadError
}

// Names returns the loaded plugin names.
func (r Result) Names() []string {
	out := make([]string, len(r.Loaded))
	for i, p := range r.Loaded {
		out[i] = p.Name
	}
	return out
}

// Loader scans plugin directories. Invalid plugins are reported, never
// raised, and never stop the rest from loading.
type Loader struct {
	Dirs     []string
	Registry *strategy.Registry
	// Host is checked for the components each plugin needs; nil skips the check.
	Host     *strategy.Components
	Debounce time.Duration
	Logger   *slog.Logger
	// OnReload is called after every load pass triggered by Watch.
	OnReload func(Result)

	mu   sync.Mutex
	last Result
}

// NewLoader creates a loader for dirs.
func NewLoader(dirs []string, reg *strategy.Registry, host *strategy.Components) *Loader {
	expanded := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d = strings.TrimSpace(d); d != "" {
			expanded = append(expanded, config.ExpandHome(d))
		}
	}
	return &Loader{Dirs: expanded, Registry: reg, Host: host, Debounce: DefaultDebounce}
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// isManifest reports whether path has a manifest extension.
func isManifest(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml", ".yaml", ".yml":
		return true
	}
	return false
}

// ParseManifest reads one manifest file.
func ParseManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return m, fmt.Errorf("parse toml: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return m, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return m, fmt.Errorf("unsupported manifest type %q", filepath.Ext(path))
	}
	m.Name = strings.TrimSpace(m.Name)
	m.Base = strings.TrimSpace(m.Base)
	return m, nil
}

// files lists manifest paths across all dirs in a stable order. Missing
// directories are skipped.
func (l *Loader) files() ([]string, []*LoadError) {
	var paths []string
	var errs []*LoadError
	for _, dir := range l.Dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				errs = append(errs, &LoadError{Path: dir, Err: err})
			}
			continue
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !isManifest(e.Name()) {
				continue
			}
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, errs
}

// validate turns a manifest into a registrable plugin.
func (l *Loader) validate(m Manifest) (strategy.Plugin, error) {
	p := strategy.Plugin{Name: m.Name, Description: m.Description, Base: m.Base, Params: strategy.Params(m.Params)}
	if p.Name == "" {
		return p, errors.New("name is required")
	}
	if p.Base == "" {
		return p, errors.New("base is required")
	}
	for _, r := range m.Requires {
		c, ok := strategy.ParseComponent(r)
		if !ok {
			return p, fmt.Errorf("unknown component %q", r)
		}
		p.Requires = append(p.Requires, c)
	}
	if l.Registry != nil {
		if err := l.Registry.Validate(p); err != nil {
			return p, err
		}
		base, err := l.Registry.New(p.Base)
		if err != nil {
			return p, err
		}
		if l.Host != nil {
			needed := append(append([]strategy.Component(nil), base.Required()...), p.Requires...)
			if err := l.Host.Require(needed); err != nil {
				return p, err
			}
		}
	}
	return p, nil
}

// Check parses and validates one manifest without registering it.
func (l *Loader) Check(path string) (strategy.Plugin, error) {
	m, err := ParseManifest(path)
	if err != nil {
		return strategy.Plugin{}, &LoadError{Path: path, Err: err}
	}
	p, err := l.validate(m)
	if err != nil {
		return p, &LoadError{Path: path, Err: err}
	}
	p.Source = path
	return p, nil
}

// Load scans every directory, validates each manifest and replaces the
// registry's plugins with the valid ones.
func (l *Loader) Load() Result {
	paths, errs := l.files()
	res := Result{Errors: errs}
	seen := make(map[string]string)

	for _, path := range paths {
		m, err := ParseManifest(path)
		if err == nil {
			var p strategy.Plugin
			p, err = l.validate(m)
			if err == nil {
				if prev, dup := seen[p.Name]; dup {
					err = fmt.Errorf("%w %q (first defined in %s)", ErrDuplicateName, p.Name, prev)
				} else {
					seen[p.Name] = path
					p.Source = path
					res.Loaded = append(res.Loaded, p)
				}
			}
		}
		if err != nil {
			res.Errors = append(res.Errors, &LoadError{Path: path, Err: err})
		}
	}

	if l.Registry != nil {
		for _, err := range l.Registry.SetPlugins(res.Loaded) {
			res.Errors = append(res.Errors, &LoadError{Path: "registry", Err: err})
		}
	}
	sort.Slice(res.Loaded, func(i, j int) bool { return res.Loaded[i].Name < res.Loaded[j].Name })

	for _, e := range res.Errors {
		l.logger().Warn("[Plugins] plugin skipped", "path", e.Path, "error", e.Err)
	}
	l.logger().Info("[Plugins] loaded", "count", len(res.Loaded), "failed", len(res.Errors))

	l.mu.Lock()
	l.last = res
	l.mu.Unlock()
	return res
}

// Last returns the result of the most recent load.
func (l *Loader) Last() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Watch reloads plugins whenever a manifest changes, until ctx is done.
// Directories that do not exist are not watched.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create plugin watcher: %w", err)
	}
	defer w.Close()

	watched := 0
	for _, dir := range l.Dirs {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			continue
		}
		if err := w.Add(dir); err != nil {
			l.logger().Warn("[Plugins] cannot watch directory", "dir", dir, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		l.logger().Debug("[Plugins] no plugin directories to watch")
		<-ctx.Done()
		return nil
	}

	debounce := l.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isManifest(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			l.logger().Debug("[Plugins] manifest changed", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger().Warn("[Plugins] watcher error", "error", err)
		case <-timer.C:
			res := l.Load()
			if l.OnReload != nil {
				l.OnReload(res)
			}
		}
	}
}
