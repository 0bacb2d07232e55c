package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Value is one counter or gauge sample.
type Value struct {
	Name   string  `json:"name"`
	Labels Labels  `json:"labels,omitempty"`
	Value  float64 `json:"value"`
}

// TimerSummary aggregates the samples of one timer inside the window.
// Total and TotalSum cover every observation since start.
type TimerSummary struct {
	Name     string        `json:"name"`
	Labels   Labels        `json:"labels,omitempty"`
	Count    int           `json:"count"`
	Total    int64         `json:"total"`
	TotalSum time.Duration `json:"total_sum"`
	Sum      time.Duration `json:"sum"`
	Min      time.Duration `json:"min"`
	Max      time.Duration `json:"max"`
	Mean     time.Duration `json:"mean"`
	P50      time.Duration `json:"p50"`
	P90      time.Duration `json:"p90"`
	P99      time.Duration `json:"p99"`
}

// Snapshot is a consistent copy of every series.
type Snapshot struct {
	TakenAt  time.Time      `json:"taken_at"`
	Uptime   time.Duration  `json:"uptime"`
	Window   time.Duration  `json:"window"`
	Counters []Value        `json:"counters"`
	Gauges   []Value        `json:"gauges"`
	Timers   []TimerSummary `json:"timers"`
}

// Snapshot copies and aggregates the collector's state.
func (c *Collector) Snapshot() Snapshot {
	now := c.now()
	c.mu.Lock()
	snap := Snapshot{TakenAt: now, Uptime: now.Sub(c.started), Window: c.window}
	for _, s := range c.counters {
		snap.Counters = append(snap.Counters, Value{Name: s.name, Labels: s.labels, Value: s.value})
	}
	for _, s := range c.gauges {
		snap.Gauges = append(snap.Gauges, Value{Name: s.name, Labels: s.labels, Value: s.value})
	}
	funcs := make([]*gaugeFunc, 0, len(c.gaugeFuncs))
	for _, gf := range c.gaugeFuncs {
		funcs = append(funcs, gf)
	}
	for _, t := range c.timers {
		c.pruneLocked(t, now)
		snap.Timers = append(snap.Timers, summarize(t))
	}
	c.mu.Unlock()

	// Gauge funcs may take other locks; evaluate them outside ours.
	for _, gf := range funcs {
		snap.Gauges = append(snap.Gauges, Value{Name: gf.name, Labels: gf.labels, Value: gf.fn()})
	}

	sortValues(snap.Counters)
	sortValues(snap.Gauges)
	sort.Slice(snap.Timers, func(i, j int) bool {
		if snap.Timers[i].Name != snap.Timers[j].Name {
			return snap.Timers[i].Name < snap.Timers[j].Name
		}
		return snap.Timers[i].Labels.key() < snap.Timers[j].Labels.key()
	})
	return snap
}

func sortValues(vs []Value) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].Name != vs[j].Name {
			return vs[i].Name < vs[j].Name
		}
		return vs[i].Labels.key() < vs[j].Labels.key()
	})
}

func summarize(t *timer) TimerSummary {
	s := TimerSummary{Name: t.name, Labels: t.labels, Count: len(t.samples), Total: t.total, TotalSum: t.sum}
	if len(t.samples) == 0 {
		return s
	}
	ds := make([]time.Duration, len(t.samples))
	for i, smp := range t.samples {
		ds[i] = smp.d
		s.Sum += smp.d
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	s.Min = ds[0]
	s.Max = ds[len(ds)-1]
	s.Mean = s.Sum / time.Duration(len(ds))
	s.P50 = quantile(ds, 0.5)
	s.P90 = quantile(ds, 0.9)
	s.P99 = quantile(ds, 0.99)
	return s
}

// quantile uses the nearest-rank method on sorted samples.
func quantile(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func seriesName(name string, labels Labels, extra ...string) string {
	parts := make([]string, 0, 2)
	if k := labels.key(); k != "" {
		parts = append(parts, k)
	}
	parts = append(parts, extra...)
	if len(parts) == 0 {
		return name
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

// WriteSummary writes a human-readable report.
func (c *Collector) WriteSummary(w io.Writer) error {
	snap := c.Snapshot()
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "Uptime: %s (window %s)\n", strings.TrimSpace(humanize.RelTime(snap.TakenAt.Add(-snap.Uptime), snap.TakenAt, "", "")), snap.Window)
	if len(snap.Counters) > 0 {
		fmt.Fprintln(bw, "\nCounters:")
		for _, v := range snap.Counters {
			fmt.Fprintf(bw, "  %-60s %s\n", seriesName(trim(v.Name), v.Labels), humanize.Comma(int64(v.Value)))
		}
	}
	if len(snap.Gauges) > 0 {
		fmt.Fprintln(bw, "\nGauges:")
		for _, v := range snap.Gauges {
			fmt.Fprintf(bw, "  %-60s %s\n", seriesName(trim(v.Name), v.Labels), humanize.FtoaWithDigits(v.Value, 3))
		}
	}
	if len(snap.Timers) > 0 {
		fmt.Fprintln(bw, "\nTimers:")
		for _, t := range snap.Timers {
			fmt.Fprintf(bw, "  %-40s n=%-6s p50=%-10s p90=%-10s p99=%-10s max=%s\n",
				seriesName(trim(t.Name), t.Labels), humanize.Comma(int64(t.Count)),
				round(t.P50), round(t.P90), round(t.P99), round(t.Max))
		}
	}
	return bw.Flush()
}

func trim(name string) string {
	return strings.TrimPrefix(name, "agentwatch_")
}

func round(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond)
	default:
		return d
	}
}
