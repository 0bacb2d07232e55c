// Package metrics collects counters, gauges and timers for the monitor and
// exports them as a human summary or in the Prometheus text format.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Labels qualify a metric series.
type Labels map[string]string

// key renders labels in sorted order so equal label sets share a series.
func (l Labels) key() string {
	if len(l) == 0 {
		return ""
	}
	names := make([]string, 0, len(l))
	for k := range l {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(escapeLabel(l[k]))
		b.WriteByte('"')
	}
	return b.String()
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	return strings.ReplaceAll(v, `"`, `\"`)
}

const maxTimerSamples = 10000

type series struct {
	name   string
	labels Labels
	value  float64
}

type gaugeFunc struct {
	name   string
	labels Labels
	fn     func() float64
}

type sample struct {
	at time.Time
	d  time.Duration
}

type timer struct {
	name    string
	labels  Labels
	samples []sample
	total   int64
	sum     time.Duration
}

// Collector is safe for concurrent use.
type Collector struct {
	window  time.Duration
	now     func() time.Time
	started time.Time

	mu         sync.Mutex
	help       map[string]string
	counters   map[string]*series
	gauges     map[string]*series
	gaugeFuncs map[string]*gaugeFunc
	timers     map[string]*timer

	registry *prometheus.Registry
}

// New creates a collector whose timers keep samples for window.
func New(window time.Duration) *Collector {
	if window <= 0 {
		window = time.Hour
	}
	c := &Collector{
		window:     window,
		now:        time.Now,
		help:       make(map[string]string),
		counters:   make(map[string]*series),
		gauges:     make(map[string]*series),
		gaugeFuncs: make(map[string]*gaugeFunc),
		timers:     make(map[string]*timer),
	}
	c.started = c.now()
	for name, h := range defaultHelp {
		c.help[name] = h
	}
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(exporter{c})
	return c
}

// Window returns the timer retention window.
func (c *Collector) Window() time.Duration { return c.window }

// Describe sets the help text for a metric name.
func (c *Collector) Describe(name, help string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.help[name] = help
}

func (c *Collector) helpText() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.help))
	for k, v := range c.help {
		out[k] = v
	}
	return out
}

func seriesKey(name string, labels Labels) string {
	return name + "{" + labels.key() + "}"
}

func copyLabels(l Labels) Labels {
	if len(l) == 0 {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Inc adds one to a counter.
func (c *Collector) Inc(name string, labels Labels) {
	c.Add(name, labels, 1)
}

// Add adds delta to a counter. Negative deltas are ignored.
func (c *Collector) Add(name string, labels Labels, delta float64) {
	if delta < 0 {
		return
	}
	k := seriesKey(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.counters[k]
	if !ok {
		s = &series{name: name, labels: copyLabels(labels)}
		c.counters[k] = s
	}
	s.value += delta
}

// Set sets a gauge.
func (c *Collector) Set(name string, labels Labels, v float64) {
	k := seriesKey(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.gauges[k]
	if !ok {
		s = &series{name: name, labels: copyLabels(labels)}
		c.gauges[k] = s
	}
	s.value = v
}

// GaugeFunc registers a gauge evaluated at export time.
func (c *Collector) GaugeFunc(name string, labels Labels, fn func() float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gaugeFuncs[seriesKey(name, labels)] = &gaugeFunc{name: name, labels: copyLabels(labels), fn: fn}
}

// Observe records one duration sample.
func (c *Collector) Observe(name string, labels Labels, d time.Duration) {
	k := seriesKey(name, labels)
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timers[k]
	if !ok {
		t = &timer{name: name, labels: copyLabels(labels)}
		c.timers[k] = t
	}
	t.samples = append(t.samples, sample{at: now, d: d})
	t.total++
	t.sum += d
	c.pruneLocked(t, now)
}

// Time starts a timer; calling the returned func records the elapsed time.
func (c *Collector) Time(name string, labels Labels) func() time.Duration {
	start := c.now()
	return func() time.Duration {
		d := c.now().Sub(start)
		c.Observe(name, labels, d)
		return d
	}
}

func (c *Collector) pruneLocked(t *timer, now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	if over := len(t.samples) - i - maxTimerSamples; over > 0 {
		i += over
	}
	if i > 0 {
		t.samples = append(t.samples[:0], t.samples[i:]...)
	}
}

// Counter returns the current value of a counter series.
func (c *Collector) Counter(name string, labels Labels) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.counters[seriesKey(name, labels)]; ok {
		return s.value
	}
	return 0
}

// Gauge returns the current value of a gauge series.
func (c *Collector) Gauge(name string, labels Labels) float64 {
	k := seriesKey(name, labels)
	c.mu.Lock()
	s, ok := c.gauges[k]
	gf, fok := c.gaugeFuncs[k]
	c.mu.Unlock()
	switch {
	case ok:
		return s.value
	case fok:
		return gf.fn()
	}
	return 0
}
