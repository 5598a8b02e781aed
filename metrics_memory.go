package nsq

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryMetrics keeps every series in process. It backs the tests and tools
// that read consumer statistics without running an exporter.
type MemoryMetrics struct {
	mu     sync.Mutex
	series map[string]*memorySeries
}

// NewMemoryMetrics creates an empty in-memory collector.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{series: make(map[string]*memorySeries)}
}

// seriesID joins the metric name with its labels sorted by name.
func seriesID(name string, labels MetricLabels) string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names)+1)
	parts = append(parts, name)
	for _, k := range names {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

func (m *MemoryMetrics) get(name string, labels MetricLabels) *memorySeries {
	id := seriesID(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.series[id]
	if !ok {
		s = &memorySeries{}
		m.series[id] = s
	}
	return s
}

// Counter returns the series name{labels}, creating it on first use.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return m.get(name, labels)
}

// Gauge returns the series name{labels}, creating it on first use.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return m.get(name, labels)
}

// Histogram returns the series name{labels}, creating it on first use.
func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	return m.get(name, labels)
}

// Has reports whether the series was ever touched.
func (m *MemoryMetrics) Has(name string, labels MetricLabels) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.series[seriesID(name, labels)]
	return ok
}

// Value reads a counter or gauge without creating it. Missing series read as zero.
func (m *MemoryMetrics) Value(name string, labels MetricLabels) float64 {
	m.mu.Lock()
	s := m.series[seriesID(name, labels)]
	m.mu.Unlock()

	if s == nil {
		return 0
	}
	return s.Value()
}

// ConsumerStats is a point-in-time view of the series of one subscription.
type ConsumerStats struct {
	Connected        bool
	Reconnects       uint64
	Heartbeats       uint64
	BytesReceived    uint64
	BytesSent        uint64
	MessagesReceived uint64
	MessagesFinished uint64
	MessagesRequeued uint64
	MessagesInFlight int64
	HandlerErrors    uint64
	HandlerPanics    uint64
	HandlerCalls     uint64
	HandlerTime      time.Duration
}

// Stats reads the series ConnMetrics writes for topic and channel.
func (m *MemoryMetrics) Stats(topic Topic, channel Channel) ConsumerStats {
	labels := MetricLabels{LabelTopic: string(topic), LabelChannel: string(channel)}
	count := func(name string) uint64 {
		return uint64(m.Value(name, labels))
	}

	stats := ConsumerStats{
		Connected:        m.Value(MetricConnected, labels) == 1,
		Reconnects:       count(MetricReconnects),
		Heartbeats:       count(MetricHeartbeats),
		BytesReceived:    count(MetricBytesReceived),
		BytesSent:        count(MetricBytesSent),
		MessagesReceived: count(MetricMessagesReceived),
		MessagesFinished: count(MetricMessagesFinished),
		MessagesRequeued: count(MetricMessagesRequeued),
		MessagesInFlight: int64(m.Value(MetricMessagesInFlight, labels)),
		HandlerErrors:    count(MetricHandlerErrors),
		HandlerPanics:    count(MetricHandlerPanics),
	}

	if m.Has(MetricHandlerDuration, labels) {
		h := m.get(MetricHandlerDuration, labels)
		stats.HandlerCalls = h.Count()
		stats.HandlerTime = time.Duration(h.Sum() * float64(time.Second))
	}

	return stats
}

// memorySeries serves as counter, gauge or histogram depending on which
// methods the caller uses. For a histogram, value holds the sum.
type memorySeries struct {
	mu    sync.Mutex
	value float64
	count uint64
}

func (s *memorySeries) Add(delta float64) {
	s.mu.Lock()
	s.value += delta
	s.mu.Unlock()
}

func (s *memorySeries) Set(value float64) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}

func (s *memorySeries) Inc()              { s.Add(1) }
func (s *memorySeries) Dec()              { s.Add(-1) }
func (s *memorySeries) Sub(delta float64) { s.Add(-delta) }

func (s *memorySeries) Value() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *memorySeries) Observe(value float64) {
	s.mu.Lock()
	s.value += value
	s.count++
	s.mu.Unlock()
}

func (s *memorySeries) ObserveDuration(d time.Duration) {
	s.Observe(d.Seconds())
}

func (s *memorySeries) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *memorySeries) Sum() float64 { return s.Value() }
