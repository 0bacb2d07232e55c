// Package pool keeps a bounded set of reusable multiplexer handles so
// concurrent checks never run more tmux processes than the pool allows.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Dicklesworthstone/agentwatch/internal/tmux"
)

// ErrExhausted is returned when no handle frees up within the acquire timeout.
var ErrExhausted = errors.New("connection pool exhausted")

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("connection pool closed")

// Factory creates a new handle.
type Factory func(ctx context.Context) (tmux.Mux, error)

// Config bounds the pool.
type Config struct {
	Size           int
	MaxAge         time.Duration
	ProbeInterval  time.Duration
	AcquireTimeout time.Duration
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		Size:           5,
		MaxAge:         5 * time.Minute,
		ProbeInterval:  30 * time.Second,
		AcquireTimeout: 2 * time.Second,
	}
}

// Conn is one pooled handle.
type Conn struct {
	Mux        tmux.Mux
	ID         int
	CreatedAt  time.Time
	LastUsedAt time.Time
	lastProbe  time.Time
}

// Age returns how long the handle has existed.
func (c *Conn) Age(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	Size     int   `json:"size"`
	Open     int   `json:"open"`
	Idle     int   `json:"idle"`
	InUse    int   `json:"in_use"`
	Created  int64 `json:"created"`
	Recycled int64 `json:"recycled"`
	Waits    int64 `json:"waits"`
	Failures int64 `json:"failures"`
}

// Pool is a bounded set of reusable handles.
type Pool struct {
	cfg     Config
	factory Factory
	sem     *semaphore.Weighted
	Logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	idle   []*Conn
	open   int
	inUse  int
	nextID int
	closed bool
	stats  Stats
}

// New creates a pool and opens one handle to prove the factory works.
func New(ctx context.Context, cfg Config, factory Factory) (*Pool, error) {
	def := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		sem:     semaphore.NewWeighted(int64(cfg.Size)),
		now:     time.Now,
	}

	conn, err := p.create(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize pool: %w", err)
	}
	if err := conn.Mux.Ping(ctx); err != nil {
		return nil, fmt.Errorf("initialize pool: probe: %w", err)
	}
	conn.lastProbe = p.now()
	p.mu.Lock()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	return p, nil
}

func (p *Pool) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pool) create(ctx context.Context) (*Conn, error) {
	mux, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.stats.Failures++
		p.mu.Unlock()
		return nil, err
	}
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.open++
	p.stats.Created++
	return &Conn{Mux: mux, ID: p.nextID, CreatedAt: now, LastUsedAt: now}, nil
}

// Acquire checks out a handle, waiting up to the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if !p.sem.TryAcquire(1) {
		p.mu.Lock()
		p.stats.Waits++
		p.mu.Unlock()
		wctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		err := p.sem.Acquire(wctx, 1)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w after %s", ErrExhausted, p.cfg.AcquireTimeout)
		}
	}

	conn, err := p.checkout(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
	return conn, nil
}

// checkout pops a usable idle handle or creates a new one.
func (p *Pool) checkout(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if len(p.idle) == 0 {
			p.mu.Unlock()
			return p.create(ctx)
		}
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		now := p.now()
		if conn.Age(now) > p.cfg.MaxAge {
			p.discard(conn, "max_age")
			continue
		}
		if now.Sub(conn.lastProbe) >= p.cfg.ProbeInterval {
			if err := conn.Mux.Ping(ctx); err != nil {
				p.discard(conn, "probe_failed")
				continue
			}
			conn.lastProbe = now
		}
		return conn, nil
	}
}

func (p *Pool) discard(conn *Conn, reason string) {
	p.mu.Lock()
	p.open--
	p.stats.Recycled++
	p.mu.Unlock()
	p.logger().Debug("[Pool] recycle", "conn", conn.ID, "reason", reason)
}

// Release returns a handle. Unhealthy or aged handles are recycled.
func (p *Pool) Release(conn *Conn, healthy bool) {
	if conn == nil {
		return
	}
	now := p.now()
	conn.LastUsedAt = now

	p.mu.Lock()
	p.inUse--
	keep := healthy && !p.closed && conn.Age(now) <= p.cfg.MaxAge
	if keep {
		p.idle = append(p.idle, conn)
	}
	p.mu.Unlock()

	if !keep {
		reason := "unhealthy"
		if healthy {
			reason = "max_age"
		}
		p.discard(conn, reason)
	}
	p.sem.Release(1)
}

// Do runs fn with a checked-out handle. Timeouts mark the handle unhealthy.
func (p *Pool) Do(ctx context.Context, fn func(tmux.Mux) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(conn.Mux)
	healthy := !errors.Is(err, tmux.ErrTimeout) && !errors.Is(err, tmux.ErrCaptureTimeout)
	p.Release(conn, healthy)
	return err
}

// Stats returns current usage counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Size = p.cfg.Size
	s.Open = p.open
	s.Idle = len(p.idle)
	s.InUse = p.inUse
	return s
}

// Healthy probes one idle handle, reporting nil when the pool can serve.
func (p *Pool) Healthy(ctx context.Context) error {
	return p.Do(ctx, func(m tmux.Mux) error { return m.Ping(ctx) })
}

// Close drops idle handles and rejects further checkouts.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.open -= len(p.idle)
	p.idle = nil
}
