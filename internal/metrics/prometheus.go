package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

var quantiles = []float64{0.5, 0.9, 0.99}

// exporter adapts a Collector to the Prometheus client registry. It sends
// no descriptors, so the registry treats it as unchecked: series appear
// as they are first recorded.
type exporter struct {
	c *Collector
}

func (e exporter) Describe(chan<- *prometheus.Desc) {}

func (e exporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.c.Snapshot()
	help := e.c.helpText()
	desc := func(name string, labels Labels) (*prometheus.Desc, []string) {
		names, values := labelPairs(labels)
		h := help[name]
		if h == "" {
			h = name
		}
		return prometheus.NewDesc(name, h, names, nil), values
	}

	for _, v := range snap.Counters {
		d, values := desc(v.Name, v.Labels)
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v.Value, values...)
	}
	for _, v := range snap.Gauges {
		d, values := desc(v.Name, v.Labels)
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v.Value, values...)
	}
	for _, t := range snap.Timers {
		d, values := desc(t.Name, t.Labels)
		q := make(map[float64]float64, len(quantiles))
		for _, p := range quantiles {
			q[p] = math.NaN()
		}
		if t.Count > 0 {
			q[0.5], q[0.9], q[0.99] = t.P50.Seconds(), t.P90.Seconds(), t.P99.Seconds()
		}
		// Count and sum cover every observation; quantiles only the window.
		ch <- prometheus.MustNewConstSummary(d, uint64(t.Total), t.TotalSum.Seconds(), q, values...)
	}
}

func labelPairs(l Labels) ([]string, []string) {
	if len(l) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(l))
	for k := range l {
		names = append(names, k)
	}
	sort.Strings(names)
	values := make([]string, len(names))
	for i, k := range names {
		values[i] = l[k]
	}
	return names, values
}

// Handler serves the collector in any exposition format a scraper asks for.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WritePrometheus writes every series in the Prometheus text exposition format.
func (c *Collector) WritePrometheus(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
