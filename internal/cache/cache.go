// Package cache is a TTL cache with tag invalidation, LRU eviction and
// single-flight loading. Stale entries are served while a background
// refresh runs.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Status describes the freshness of a cached value.
type Status int

const (
	Absent Status = iota
	Fresh
	Stale
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "absent"
	}
}

// Entry is one cached value.
type Entry struct {
	Key        string
	Value      any
	ExpiresAt  time.Time
	StaleUntil time.Time
	Tags       []string
}

// Status reports the entry's freshness at now.
func (e *Entry) Status(now time.Time) Status {
	switch {
	case now.Before(e.ExpiresAt):
		return Fresh
	case now.Before(e.StaleUntil):
		return Stale
	default:
		return Absent
	}
}

// Config sizes the cache.
type Config struct {
	MaxEntries    int
	DefaultTTL    time.Duration
	StaleTTL      time.Duration // how long an expired entry may still be served
	SweepInterval time.Duration
}

// DefaultConfig returns the cache defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:    512,
		DefaultTTL:    2 * time.Second,
		StaleTTL:      3 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// Stats counts cache activity.
type Stats struct {
	Entries     int     `json:"entries"`
	Hits        int64   `json:"hits"`
	StaleHits   int64   `json:"stale_hits"`
	Misses      int64   `json:"misses"`
	Fetches     int64   `json:"fetches"`
	Refreshes   int64   `json:"refreshes"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	HitRatio    float64 `json:"hit_ratio"`
}

// Fetcher loads a value for a key.
type Fetcher func(ctx context.Context) (any, error)

// Cache is safe for concurrent use.
type Cache struct {
	cfg    Config
	Logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List
	tags  map[string]map[string]struct{}
	stats Stats
}

// New creates a cache.
func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.StaleTTL < 0 {
		cfg.StaleTTL = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Cache{
		cfg:   cfg,
		now:   time.Now,
		items: make(map[string]*list.Element),
		lru:   list.New(),
		tags:  make(map[string]map[string]struct{}),
	}
}

func (c *Cache) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Get returns the value for key and its status. Absent entries return nil.
func (c *Cache) Get(key string) (any, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key string) (any, Status) {
	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, Absent
	}
	e := el.Value.(*Entry)
	switch st := e.Status(c.now()); st {
	case Fresh:
		c.stats.Hits++
		c.lru.MoveToFront(el)
		return e.Value, Fresh
	case Stale:
		c.stats.StaleHits++
		c.lru.MoveToFront(el)
		return e.Value, Stale
	default:
		c.removeLocked(el)
		c.stats.Expirations++
		c.stats.Misses++
		return nil, Absent
	}
}

// Set stores value under key. A zero ttl uses the default.
func (c *Cache) Set(key string, value any, ttl time.Duration, tags ...string) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.now()
	e := &Entry{
		Key:        key,
		Value:      value,
		ExpiresAt:  now.Add(ttl),
		StaleUntil: now.Add(ttl + c.cfg.StaleTTL),
		Tags:       tags,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	el := c.lru.PushFront(e)
	c.items[key] = el
	for _, tag := range tags {
		if c.tags[tag] == nil {
			c.tags[tag] = make(map[string]struct{})
		}
		c.tags[tag][key] = struct{}{}
	}
	for c.lru.Len() > c.cfg.MaxEntries {
		oldest := c.lru.Back()
		c.removeLocked(oldest)
		c.stats.Evictions++
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*Entry)
	c.lru.Remove(el)
	delete(c.items, e.Key)
	for _, tag := range e.Tags {
		if keys := c.tags[tag]; keys != nil {
			delete(keys, e.Key)
			if len(keys) == 0 {
				delete(c.tags, tag)
			}
		}
	}
}

// GetOrFetch returns a fresh value, serving stale values while a single
// background refresh runs. Concurrent misses for one key share one fetch.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, tags []string, fetch Fetcher) (any, error) {
	c.mu.Lock()
	v, st := c.getLocked(key)
	c.mu.Unlock()

	switch st {
	case Fresh:
		return v, nil
	case Stale:
		c.refresh(key, ttl, tags, fetch)
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		c.stats.Fetches++
		c.mu.Unlock()
		val, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, val, ttl, tags...)
		return val, nil
	})
	return res, err
}

// refresh reloads key in the background; concurrent refreshes collapse.
func (c *Cache) refresh(key string, ttl time.Duration, tags []string, fetch Fetcher) {
	ch := c.group.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.mu.Lock()
		c.stats.Refreshes++
		c.mu.Unlock()
		val, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, val, ttl, tags...)
		return val, nil
	})
	go func() {
		if r := <-ch; r.Err != nil {
			c.logger().Debug("[Cache] refresh_failed", "key", key, "error", r.Err)
		}
	}()
}

// Invalidate removes one key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// InvalidateTag removes every entry carrying tag and returns how many.
func (c *Cache) InvalidateTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.tags[tag]
	n := 0
	for key := range keys {
		if el, ok := c.items[key]; ok {
			c.removeLocked(el)
			n++
		}
	}
	delete(c.tags, tag)
	return n
}

// Len returns the number of stored entries, including stale ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Sweep drops entries past their stale window.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*Entry).Status(now) == Absent {
			c.removeLocked(el)
			c.stats.Expirations++
			n++
		}
		el = prev
	}
	return n
}

// Run sweeps expired entries until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger().Debug("[Cache] sweep", "expired", n)
			}
		}
	}
}

// Stats returns a copy of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len()
	if total := s.Hits + s.StaleHits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits+s.StaleHits) / float64(total)
	}
	return s
}
