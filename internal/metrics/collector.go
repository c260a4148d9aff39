// Package metrics keeps relay counters, gauges and histograms and renders
// them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates counters, gauges, and histograms.
type Collector struct {
	prefix    string
	startTime time.Time

	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	help       map[string]string
}

// NewCollector creates a collector whose metric names start with prefix.
func NewCollector(prefix string) *Collector {
	return &Collector{
		prefix:     prefix,
		startTime:  time.Now(),
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		help:       make(map[string]string),
	}
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }

func (c *Counter) Add(n int64) { c.value.Add(n) }

func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }

func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// seriesKey is name plus the rendered label set, e.g. `x_total{type="a"}`.
func seriesKey(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// Label renders one label pair with the value escaped.
func Label(name, value string) string {
	value = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(value)
	return fmt.Sprintf(`%s="%s"`, name, value)
}

// Counter returns or creates the counter series name{labels}.
func (c *Collector) Counter(name, help, labels string) *Counter {
	name = c.prefix + name
	key := seriesKey(name, labels)

	c.mu.RLock()
	ctr, ok := c.counters[key]
	c.mu.RUnlock()
	if ok {
		return ctr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[key]; ok {
		return ctr
	}
	ctr = &Counter{}
	c.counters[key] = ctr
	c.help[name] = help
	return ctr
}

// Gauge returns or creates the gauge series name{labels}.
func (c *Collector) Gauge(name, help, labels string) *Gauge {
	name = c.prefix + name
	key := seriesKey(name, labels)

	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gauges[key]; ok {
		return g
	}
	g := &Gauge{}
	c.gauges[key] = g
	c.help[name] = help
	return g
}

// Histogram returns or creates a histogram without labels.
func (c *Collector) Histogram(name, help string, bounds []float64) *Histogram {
	name = c.prefix + name

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.histograms[name]; ok {
		return h
	}
	bounds = append([]float64(nil), bounds...)
	sort.Float64s(bounds)
	h := &Histogram{bounds: bounds, buckets: make([]int64, len(bounds))}
	c.histograms[name] = h
	c.help[name] = help
	return h
}

// Handler renders all series in Prometheus text format.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

// WriteTo writes the exposition to w, series sorted by name.
func (c *Collector) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder

	uptime := c.prefix + "uptime_seconds"
	fmt.Fprintf(&sb, "# HELP %s Time since start in seconds\n", uptime)
	fmt.Fprintf(&sb, "# TYPE %s gauge\n", uptime)
	fmt.Fprintf(&sb, "%s %d\n", uptime, int64(c.Uptime().Seconds()))

	c.mu.RLock()
	counters := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v.Value()
	}
	gauges := make(map[string]int64, len(c.gauges))
	for k, v := range c.gauges {
		gauges[k] = v.Value()
	}
	hists := make(map[string]*Histogram, len(c.histograms))
	for k, v := range c.histograms {
		hists[k] = v
	}
	help := make(map[string]string, len(c.help))
	for k, v := range c.help {
		help[k] = v
	}
	c.mu.RUnlock()

	writeSeries(&sb, "counter", counters, help)
	writeSeries(&sb, "gauge", gauges, help)

	names := make([]string, 0, len(hists))
	for name := range hists {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := hists[name]
		h.mu.Lock()
		fmt.Fprintf(&sb, "# HELP %s %s\n", name, help[name])
		fmt.Fprintf(&sb, "# TYPE %s histogram\n", name)
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(&sb, "%s_bucket{le=\"%s\"} %d\n", name, bound, h.buckets[i])
		}
		if len(h.bounds) == 0 || !math.IsInf(h.bounds[len(h.bounds)-1], 1) {
			fmt.Fprintf(&sb, "%s_bucket{le=\"+Inf\"} %d\n", name, h.count)
		}
		fmt.Fprintf(&sb, "%s_count %d\n", name, h.count)
		fmt.Fprintf(&sb, "%s_sum %f\n", name, h.sum)
		h.mu.Unlock()
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func writeSeries(sb *strings.Builder, kind string, series map[string]int64, help map[string]string) {
	keys := make([]string, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	written := make(map[string]bool)
	for _, key := range keys {
		name, _, _ := strings.Cut(key, "{")
		if !written[name] {
			fmt.Fprintf(sb, "# HELP %s %s\n", name, help[name])
			fmt.Fprintf(sb, "# TYPE %s %s\n", name, kind)
			written[name] = true
		}
		fmt.Fprintf(sb, "%s %d\n", key, series[key])
	}
}
