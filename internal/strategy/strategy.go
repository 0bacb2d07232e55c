package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/Dicklesworthstone/agentwatch/internal/monitor"
)

var (
	// ErrUnknownStrategy is returned for names with no registered factory.
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrMissingComponents is returned when the host lacks a required component.
	ErrMissingComponents = errors.New("required components missing")
	// ErrBadParams is returned when a factory rejects its parameters.
	ErrBadParams = errors.New("invalid strategy parameters")
)

// Strategy runs one monitoring cycle.
type Strategy interface {
	Name() string
	Description() string
	Required() []Component
	Execute(ctx context.Context, c *Components) (monitor.Status, error)
}

// Params are factory parameters, typically decoded from a plugin manifest.
type Params map[string]any

// Check rejects keys outside allowed.
func (p Params) Check(allowed ...string) error {
	ok := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		ok[a] = true
	}
	var bad []string
	for k := range p {
		if !ok[k] {
			bad = append(bad, k)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("%w: unknown parameter(s) %s", ErrBadParams, strings.Join(bad, ", "))
}

// Float returns a numeric parameter.
func (p Params) Float(key string) (float64, bool, error) {
	v, ok := p[key]
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case uint64:
		return float64(n), true, nil
	case float64:
		return n, true, nil
	case float32:
		return float64(n), true, nil
	}
	return 0, false, fmt.Errorf("%w: %s must be a number, got %T", ErrBadParams, key, v)
}

// Int returns a whole-number parameter.
func (p Params) Int(key string) (int, bool, error) {
	f, ok, err := p.Float(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	if f != math.Trunc(f) {
		return 0, false, fmt.Errorf("%w: %s must be a whole number, got %v", ErrBadParams, key, f)
	}
	return int(f), true, nil
}

// Factory builds a strategy registered under name.
type Factory func(name string, p Params) (Strategy, error)

// Info describes a registered strategy.
type Info struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description" yaml:"description"`
	Base        string      `json:"base,omitempty" yaml:"base,omitempty"`
	Source      string      `json:"source,omitempty" yaml:"source,omitempty"`
	Builtin     bool        `json:"builtin" yaml:"builtin"`
	Required    []Component `json:"required,omitempty" yaml:"required,omitempty"`
}

// Plugin is a named variant of a registered base strategy.
type Plugin struct {
	Name        string
	Description string
	Base        string
	Requires    []Component
	Params      Params
	Source      string
}

type entry struct {
	factory Factory
	info    Info
	params  Params
	extra   []Component
}

// Registry maps strategy names to factories. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]*entry)}
	for _, b := range builtins {
		s, _ := b.factory(b.name, nil)
		r.entries[b.name] = &entry{
			factory: b.factory,
			info:    Info{Name: b.name, Description: s.Description(), Builtin: true, Required: s.Required()},
		}
	}
	return r
}

// Register adds a factory. Names are unique.
func (r *Registry) Register(name string, f Factory) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("register strategy: empty name")
	}
	s, err := f(name, nil)
	if err != nil {
		return fmt.Errorf("register strategy %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("register strategy %s: already registered", name)
	}
	r.entries[name] = &entry{factory: f, info: Info{Name: name, Description: s.Description(), Required: s.Required()}}
	return nil
}

// Validate checks that p can be registered: the base exists and accepts
// the params, and the name does not shadow a non-plugin strategy.
func (r *Registry) Validate(p Plugin) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validateLocked(p)
}

func (r *Registry) validateLocked(p Plugin) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("plugin has no name")
	}
	if cur, ok := r.entries[p.Name]; ok && cur.info.Base == "" {
		return fmt.Errorf("plugin %s: name collides with a registered strategy", p.Name)
	}
	base, ok := r.entries[p.Base]
	if !ok || base.info.Base != "" {
		return fmt.Errorf("plugin %s: %w %q as base", p.Name, ErrUnknownStrategy, p.Base)
	}
	if _, err := base.factory(p.Name, p.Params); err != nil {
		return fmt.Errorf("plugin %s: %w", p.Name, err)
	}
	return nil
}

// SetPlugins replaces every plugin entry with plugins. Entries that fail
// validation are skipped and returned as errors.
func (r *Registry) SetPlugins(plugins []Plugin) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.entries {
		if e.info.Base != "" {
			delete(r.entries, name)
		}
	}
	var errs []error
	for _, p := range plugins {
		if err := r.validateLocked(p); err != nil {
			errs = append(errs, err)
			continue
		}
		base := r.entries[p.Base]
		s, _ := base.factory(p.Name, p.Params)
		desc := p.Description
		if desc == "" {
			desc = s.Description()
		}
		r.entries[p.Name] = &entry{
			factory: base.factory,
			params:  p.Params,
			extra:   append([]Component(nil), p.Requires...),
			info: Info{
				Name:        p.Name,
				Description: desc,
				Base:        p.Base,
				Source:      p.Source,
				Required:    union(s.Required(), p.Requires),
			},
		}
	}
	return errs
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// List describes every registered strategy, built-ins first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Builtin != out[j].Builtin {
			return out[i].Builtin
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// New builds the strategy registered as name.
func (r *Registry) New(name string) (Strategy, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownStrategy, name, strings.Join(r.Names(), ", "))
	}
	s, err := e.factory(name, e.params)
	if err != nil {
		return nil, err
	}
	if len(e.extra) > 0 || e.info.Base != "" {
		s = &pluginStrategy{Strategy: s, desc: e.info.Description, required: e.info.Required}
	}
	return s, nil
}

// Resolve builds name and checks c supplies what it needs.
func (r *Registry) Resolve(name string, c *Components) (Strategy, error) {
	s, err := r.New(name)
	if err != nil {
		return nil, err
	}
	if err := c.Require(s.Required()); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", name, err)
	}
	return s, nil
}

type pluginStrategy struct {
	Strategy
	desc     string
	required []Component
}

func (p *pluginStrategy) Description() string { return p.desc }

func (p *pluginStrategy) Required() []Component { return p.required }

func union(a, b []Component) []Component {
	seen := make(map[Component]bool)
	var out []Component
	for _, list := range [][]Component{a, b} {
		for _, c := range list {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}
