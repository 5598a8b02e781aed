// Package prommetrics exports nsq connection metrics to Prometheus.
//
// Collectors are created on first use. Every metric name must always be used
// with the same label names, which holds for the series recorded by nsq.ConnMetrics.
package prommetrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/vitalvas/nsq"
)

// Config configures the Prometheus collector.
type Config struct {
	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collector.
type Option func(*Config)

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics implements nsq.Metrics on Prometheus vectors.
type Metrics struct {
	config  Config
	factory promauto.Factory

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	fallback   nsq.NoOpMetrics
}

// New creates a collector that registers its vectors with the configured registry.
func New(opts ...Option) *Metrics {
	config := Config{
		Buckets:  prometheus.DefBuckets,
		Registry: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}

	return &Metrics{
		config:     config,
		factory:    promauto.With(config.Registry),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// help derives a description from the metric name.
func help(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "nsq_"), "_", " ")
}

func labelNames(labels nsq.MetricLabels) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counter returns the counter for name and labels.
// A label set that does not match the first use of name yields a no-op counter.
func (m *Metrics) Counter(name string, labels nsq.MetricLabels) nsq.Counter {
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = m.factory.NewCounterVec(prometheus.CounterOpts{
			Name:        name,
			Help:        help(name),
			ConstLabels: m.config.ConstLabels,
		}, labelNames(labels))
		m.counters[name] = vec
	}
	m.mu.Unlock()

	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return m.fallback.Counter(name, labels)
	}
	return &counter{c: c}
}

// Gauge returns the gauge for name and labels.
func (m *Metrics) Gauge(name string, labels nsq.MetricLabels) nsq.Gauge {
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = m.factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        name,
			Help:        help(name),
			ConstLabels: m.config.ConstLabels,
		}, labelNames(labels))
		m.gauges[name] = vec
	}
	m.mu.Unlock()

	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return m.fallback.Gauge(name, labels)
	}
	return &gauge{g: g}
}

// Histogram returns the histogram for name and labels.
func (m *Metrics) Histogram(name string, labels nsq.MetricLabels) nsq.Histogram {
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = m.factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        name,
			Help:        help(name),
			ConstLabels: m.config.ConstLabels,
			Buckets:     m.config.Buckets,
		}, labelNames(labels))
		m.histograms[name] = vec
	}
	m.mu.Unlock()

	o, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return m.fallback.Histogram(name, labels)
	}
	return &histogram{h: o.(prometheus.Histogram)}
}

type counter struct {
	c prometheus.Counter
}

func (c *counter) Inc()              { c.c.Inc() }
func (c *counter) Add(delta float64) { c.c.Add(delta) }

func (c *counter) Value() float64 {
	var m dto.Metric
	if err := c.c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

type gauge struct {
	g prometheus.Gauge
}

func (g *gauge) Set(value float64) { g.g.Set(value) }
func (g *gauge) Inc()              { g.g.Inc() }
func (g *gauge) Dec()              { g.g.Dec() }
func (g *gauge) Add(delta float64) { g.g.Add(delta) }
func (g *gauge) Sub(delta float64) { g.g.Sub(delta) }

func (g *gauge) Value() float64 {
	var m dto.Metric
	if err := g.g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

type histogram struct {
	h prometheus.Histogram
}

func (h *histogram) Observe(value float64) { h.h.Observe(value) }

func (h *histogram) ObserveDuration(d time.Duration) { h.h.Observe(d.Seconds()) }

func (h *histogram) Count() uint64 {
	return h.snapshot().GetSampleCount()
}

func (h *histogram) Sum() float64 {
	return h.snapshot().GetSampleSum()
}

func (h *histogram) snapshot() *dto.Histogram {
	var m dto.Metric
	if err := h.h.Write(&m); err != nil {
		return nil
	}
	return m.GetHistogram()
}

var _ nsq.Metrics = (*Metrics)(nil)
