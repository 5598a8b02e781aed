package nsq

import (
	"time"
)

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics is the collector a Conn reports to. Implementations return the same
// series for the same name and label set; label names are the Label* constants.
// See MemoryMetrics and extensions/prommetrics.
type Metrics interface {
	Counter(name string, labels MetricLabels) Counter
	Gauge(name string, labels MetricLabels) Gauge
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter only goes up.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge holds a value that moves both ways, such as messages in flight.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Sub(delta float64)
	Value() float64
}

// Histogram records observations; ObserveDuration uses seconds.
type Histogram interface {
	Observe(value float64)
	ObserveDuration(d time.Duration)
	Count() uint64
	Sum() float64
}

// NoOpMetrics discards everything. It is used when no collector is configured.
type NoOpMetrics struct{}

func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter     { return noOpMetric{} }
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge         { return noOpMetric{} }
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram { return noOpMetric{} }

type noOpMetric struct{}

func (noOpMetric) Inc()                            {}
func (noOpMetric) Dec()                            {}
func (noOpMetric) Add(_ float64)                   {}
func (noOpMetric) Sub(_ float64)                   {}
func (noOpMetric) Set(_ float64)                   {}
func (noOpMetric) Value() float64                  { return 0 }
func (noOpMetric) Observe(_ float64)               {}
func (noOpMetric) ObserveDuration(_ time.Duration) {}
func (noOpMetric) Count() uint64                   { return 0 }
func (noOpMetric) Sum() float64                    { return 0 }

// Standard metric names for NSQ consumer connections.
const (
	// MetricConnected is 1 while a socket is live and handshaken.
	MetricConnected = "nsq_connected"

	// MetricReconnects is the total number of successful reconnections.
	MetricReconnects = "nsq_reconnects_total"

	// MetricFramesReceived is the total number of frames received.
	MetricFramesReceived = "nsq_frames_received_total"

	// MetricBytesReceived is the total bytes received in frames.
	MetricBytesReceived = "nsq_bytes_received_total"

	// MetricBytesSent is the total bytes written to nsqd.
	MetricBytesSent = "nsq_bytes_sent_total"

	// MetricHeartbeats is the total number of heartbeats answered.
	MetricHeartbeats = "nsq_heartbeats_total"

	// MetricMessagesReceived is the total number of messages received.
	MetricMessagesReceived = "nsq_messages_received_total"

	// MetricMessagesFinished is the total number of messages finished.
	MetricMessagesFinished = "nsq_messages_finished_total"

	// MetricMessagesRequeued is the total number of messages requeued.
	MetricMessagesRequeued = "nsq_messages_requeued_total"

	// MetricMessagesInFlight is the number of dispatched messages not yet finished or requeued.
	MetricMessagesInFlight = "nsq_messages_in_flight"

	// MetricHandlerDuration is the message handler latency.
	MetricHandlerDuration = "nsq_handler_duration_seconds"

	// MetricHandlerErrors is the total number of handler errors.
	MetricHandlerErrors = "nsq_handler_errors_total"

	// MetricHandlerPanics is the total number of recovered handler panics.
	MetricHandlerPanics = "nsq_handler_panics_total"
)

// Standard metric labels.
const (
	// LabelFrameType is the frame type label.
	LabelFrameType = "frame_type"

	// LabelTopic is the topic label.
	LabelTopic = "topic"

	// LabelChannel is the channel label.
	LabelChannel = "channel"
)

// ConnMetrics provides convenience methods for connection metrics.
// Every series carries the topic and channel labels of the connection.
type ConnMetrics struct {
	metrics Metrics
	topic   string
	channel string
}

// NewConnMetrics creates a new ConnMetrics instance.
func NewConnMetrics(m Metrics, topic Topic, channel Channel) *ConnMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &ConnMetrics{metrics: m, topic: string(topic), channel: string(channel)}
}

func (c *ConnMetrics) labels() MetricLabels {
	return MetricLabels{LabelTopic: c.topic, LabelChannel: c.channel}
}

// Connected records a completed handshake. Reconnections are counted separately.
func (c *ConnMetrics) Connected(reconnect bool) {
	c.metrics.Gauge(MetricConnected, c.labels()).Set(1)
	if reconnect {
		c.metrics.Counter(MetricReconnects, c.labels()).Inc()
	}
}

// Disconnected records the loss of the live socket.
func (c *ConnMetrics) Disconnected() {
	c.metrics.Gauge(MetricConnected, c.labels()).Set(0)
}

// FrameReceived records a received frame and its size.
func (c *ConnMetrics) FrameReceived(frameType FrameType, size int) {
	labels := c.labels()
	labels[LabelFrameType] = frameType.String()
	c.metrics.Counter(MetricFramesReceived, labels).Inc()
	c.metrics.Counter(MetricBytesReceived, c.labels()).Add(float64(size))
}

// BytesSent records bytes written to nsqd.
func (c *ConnMetrics) BytesSent(n int) {
	c.metrics.Counter(MetricBytesSent, c.labels()).Add(float64(n))
}

// Heartbeat records an answered heartbeat.
func (c *ConnMetrics) Heartbeat() {
	c.metrics.Counter(MetricHeartbeats, c.labels()).Inc()
}

// MessageReceived records a dispatched message.
func (c *ConnMetrics) MessageReceived() {
	c.metrics.Counter(MetricMessagesReceived, c.labels()).Inc()
	c.metrics.Gauge(MetricMessagesInFlight, c.labels()).Inc()
}

// MessageFinished records a finished message.
func (c *ConnMetrics) MessageFinished() {
	c.metrics.Counter(MetricMessagesFinished, c.labels()).Inc()
	c.metrics.Gauge(MetricMessagesInFlight, c.labels()).Dec()
}

// MessageRequeued records a requeued message.
func (c *ConnMetrics) MessageRequeued() {
	c.metrics.Counter(MetricMessagesRequeued, c.labels()).Inc()
	c.metrics.Gauge(MetricMessagesInFlight, c.labels()).Dec()
}

// HandlerDone records the latency and outcome of a handler invocation.
func (c *ConnMetrics) HandlerDone(d time.Duration, err error, panicked bool) {
	c.metrics.Histogram(MetricHandlerDuration, c.labels()).ObserveDuration(d)
	if panicked {
		c.metrics.Counter(MetricHandlerPanics, c.labels()).Inc()
		return
	}
	if err != nil {
		c.metrics.Counter(MetricHandlerErrors, c.labels()).Inc()
	}
}
