package strategy

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
	"github.com/Dicklesworthstone/agentwatch/internal/cache"
	"github.com/Dicklesworthstone/agentwatch/internal/monitor"
)

type builtin struct {
	name    string
	factory Factory
}

var builtins = []builtin{
	{"sequential", newSequential},
	{"concurrent", newConcurrent},
	{"cached", newCached},
	{"priority", newPriority},
}

// limitOr returns the strategy's own limit or the configured concurrency.
func limitOr(own int, c *Components) int {
	if own > 0 {
		return own
	}
	if n := c.config().Monitor.MaxConcurrency; n > 0 {
		return n
	}
	return 10
}

func concurrencyParam(p Params) (int, error) {
	n, ok, err := p.Int("max_concurrency")
	if err != nil {
		return 0, err
	}
	if ok && n < 1 {
		return 0, errBad("max_concurrency must be at least 1")
	}
	return n, nil
}

// Sequential checks one agent at a time.
type Sequential struct{ name string }

func newSequential(name string, p Params) (Strategy, error) {
	if err := p.Check(); err != nil {
		return nil, err
	}
	return &Sequential{name: name}, nil
}

func (s *Sequential) Name() string          { return s.name }
func (s *Sequential) Description() string   { return "checks agents one at a time in discovery order" }
func (s *Sequential) Required() []Component { return baseRequired }

func (s *Sequential) Execute(ctx context.Context, c *Components) (monitor.Status, error) {
	return runCycle(ctx, c, s.name, nil, func(ctx context.Context, cy *cycle, agents []agent.Info) {
		for _, info := range agents {
			if cy.expired() {
				return
			}
			cy.check(ctx, info)
		}
	})
}

// Concurrent checks agents in parallel up to a fixed limit.
type Concurrent struct {
	name  string
	limit int
}

func newConcurrent(name string, p Params) (Strategy, error) {
	if err := p.Check("max_concurrency"); err != nil {
		return nil, err
	}
	n, err := concurrencyParam(p)
	if err != nil {
		return nil, err
	}
	return &Concurrent{name: name, limit: n}, nil
}

func (s *Concurrent) Name() string          { return s.name }
func (s *Concurrent) Description() string   { return "checks agents in parallel, bounded by max_concurrency" }
func (s *Concurrent) Required() []Component { return baseRequired }

func (s *Concurrent) Execute(ctx context.Context, c *Components) (monitor.Status, error) {
	limit := limitOr(s.limit, c)
	return runCycle(ctx, c, s.name, nil, func(ctx context.Context, cy *cycle, agents []agent.Info) {
		var g errgroup.Group
		g.SetLimit(limit)
		for _, info := range agents {
			if cy.expired() {
				break
			}
			g.Go(func() error {
				if !cy.expired() {
					cy.check(ctx, info)
				}
				return nil
			})
		}
		_ = g.Wait()
	})
}

// Cached reads panes through the capture cache on top of the pool and
// bounds parallel checks with a weighted semaphore.
type Cached struct {
	name  string
	limit int
}

func newCached(name string, p Params) (Strategy, error) {
	if err := p.Check("max_concurrency"); err != nil {
		return nil, err
	}
	n, err := concurrencyParam(p)
	if err != nil {
		return nil, err
	}
	return &Cached{name: name, limit: n}, nil
}

func (s *Cached) Name() string        { return s.name }
func (s *Cached) Description() string { return "parallel checks served from the capture cache and connection pool" }
func (s *Cached) Required() []Component {
	return union(baseRequired, []Component{CompCache, CompPool})
}

// cachedMonitor layers the cache over the pool; idle snapshots bypass the cache.
func (s *Cached) cachedMonitor(c *Components) *monitor.Monitor {
	cfg := c.config()
	pooled := c.Pool.Mux()
	ttl := cache.MuxTTL{
		Capture: time.Duration(cfg.Cache.CaptureTTLMs) * time.Millisecond,
		List:    time.Duration(cfg.Cache.ListTTLMs) * time.Millisecond,
	}
	mon := monitor.New(c.Cache.Mux(pooled, ttl), pooled, c.Monitor.Options())
	mon.Logger = c.Logger
	return mon
}

func (s *Cached) Execute(ctx context.Context, c *Components) (monitor.Status, error) {
	if err := c.Require(s.Required()); err != nil {
		return monitor.Status{}, err
	}
	limit := limitOr(s.limit, c)
	return runCycle(ctx, c, s.name, s.cachedMonitor(c), func(ctx context.Context, cy *cycle, agents []agent.Info) {
		sem := semaphore.NewWeighted(int64(limit))
		var wg sync.WaitGroup
		for _, info := range agents {
			if cy.expired() || sem.Acquire(ctx, 1) != nil {
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				if !cy.expired() {
					cy.check(ctx, info)
				}
			}()
		}
		wg.Wait()
	})
}

// Priority checks the most important agents first. Part of the budget is
// reserved for agents scoring at or above the high threshold.
type Priority struct {
	name      string
	limit     int
	reserved  float64
	threshold float64
	hasRes    bool
	hasThresh bool
}

func newPriority(name string, p Params) (Strategy, error) {
	if err := p.Check("max_concurrency", "reserved_fraction", "high_threshold"); err != nil {
		return nil, err
	}
	n, err := concurrencyParam(p)
	if err != nil {
		return nil, err
	}
	s := &Priority{name: name, limit: n}
	if s.reserved, s.hasRes, err = p.Float("reserved_fraction"); err != nil {
		return nil, err
	}
	if s.hasRes && (s.reserved < 0 || s.reserved > 1) {
		return nil, errBad("reserved_fraction must be between 0 and 1")
	}
	if s.threshold, s.hasThresh, err = p.Float("high_threshold"); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Priority) Name() string { return s.name }
func (s *Priority) Description() string {
	return "ranks agents by role, crash history and last state; reserves budget for urgent ones"
}
func (s *Priority) Required() []Component { return baseRequired }

type ranked struct {
	info  agent.Info
	score float64
	high  bool
}

// rank orders agents by descending score, ties by target.
func (s *Priority) rank(c *Components, agents []agent.Info) []ranked {
	cfg := c.config().Priority
	threshold := cfg.HighThreshold
	if s.hasThresh {
		threshold = s.threshold
	}

	crashes := c.Tracker.CrashCounts()
	if c.History != nil {
		if hist, err := c.History.CrashCounts(c.now().Add(-24 * time.Hour)); err == nil {
			for t, n := range hist {
				if n > crashes[t] {
					crashes[t] = n
				}
			}
		} else {
			c.logger().Debug("[Strategy] crash history unavailable", "error", err)
		}
	}

	out := make([]ranked, len(agents))
	for i, info := range agents {
		score := cfg.RoleWeights[string(info.Role)]
		score += cfg.CrashWeight * float64(crashes[info.Target])
		if st, ok := c.Tracker.Get(info.Target); ok {
			score += cfg.StateWeights[string(st.State)]
		} else {
			score += cfg.StateWeights[string(agent.StateStarting)]
		}
		out[i] = ranked{info: info, score: score, high: score >= threshold}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].info.Target < out[j].info.Target
	})
	return out
}

// budget splits limit into the general share and the reserved share.
func budget(limit int, fraction float64) (general, reserved int) {
	reserved = int(math.Floor(float64(limit) * fraction))
	general = limit - reserved
	if general < 1 {
		general = 1
		reserved = limit - 1
	}
	return general, reserved
}

func (s *Priority) Execute(ctx context.Context, c *Components) (monitor.Status, error) {
	limit := limitOr(s.limit, c)
	fraction := c.config().Priority.ReservedFraction
	if s.hasRes {
		fraction = s.reserved
	}
	general, _ := budget(limit, fraction)

	return runCycle(ctx, c, s.name, nil, func(ctx context.Context, cy *cycle, agents []agent.Info) {
		total := semaphore.NewWeighted(int64(limit))
		normal := semaphore.NewWeighted(int64(general))
		var wg sync.WaitGroup
		for _, r := range s.rank(c, agents) {
			if cy.expired() {
				break
			}
			if !r.high {
				if normal.Acquire(ctx, 1) != nil {
					break
				}
			}
			if total.Acquire(ctx, 1) != nil {
				if !r.high {
					normal.Release(1)
				}
				break
			}
			wg.Add(1)
			go func(r ranked) {
				defer wg.Done()
				defer total.Release(1)
				if !r.high {
					defer normal.Release(1)
				}
				if !cy.expired() {
					cy.check(ctx, r.info)
				}
			}(r)
		}
		wg.Wait()
	})
}

func errBad(msg string) error {
	return &paramError{msg: msg}
}

type paramError struct{ msg string }

func (e *paramError) Error() string { return ErrBadParams.Error() + ": " + e.msg }
func (e *paramError) Unwrap() error { return ErrBadParams }
