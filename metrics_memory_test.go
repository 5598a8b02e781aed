package nsq

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryMetricsSeries(t *testing.T) {
	labels := MetricLabels{LabelTopic: "orders", LabelChannel: "billing"}

	t.Run("same labels in any order share a series", func(t *testing.T) {
		mem := NewMemoryMetrics()
		mem.Counter(MetricHeartbeats, labels).Inc()
		mem.Counter(MetricHeartbeats, MetricLabels{LabelChannel: "billing", LabelTopic: "orders"}).Inc()

		assert.Equal(t, float64(2), mem.Value(MetricHeartbeats, labels))
	})

	t.Run("channels are kept apart", func(t *testing.T) {
		mem := NewMemoryMetrics()
		mem.Counter(MetricMessagesReceived, labels).Add(3)
		mem.Counter(MetricMessagesReceived, MetricLabels{LabelTopic: "orders", LabelChannel: "audit"}).Inc()

		assert.Equal(t, float64(3), mem.Value(MetricMessagesReceived, labels))
	})

	t.Run("reading does not create", func(t *testing.T) {
		mem := NewMemoryMetrics()

		assert.Zero(t, mem.Value(MetricReconnects, labels))
		assert.False(t, mem.Has(MetricReconnects, labels))

		mem.Gauge(MetricConnected, labels).Set(0)
		assert.True(t, mem.Has(MetricConnected, labels))
	})

	t.Run("gauge moves both ways", func(t *testing.T) {
		mem := NewMemoryMetrics()
		inFlight := mem.Gauge(MetricMessagesInFlight, labels)

		inFlight.Add(5)
		inFlight.Dec()
		inFlight.Sub(2)
		inFlight.Inc()
		assert.Equal(t, float64(3), inFlight.Value())
	})

	t.Run("histogram", func(t *testing.T) {
		mem := NewMemoryMetrics()
		h := mem.Histogram(MetricHandlerDuration, labels)

		h.ObserveDuration(250 * time.Millisecond)
		h.Observe(0.75)

		assert.Equal(t, uint64(2), h.Count())
		assert.InDelta(t, 1.0, h.Sum(), 1e-9)
	})
}

func TestMemoryMetricsStats(t *testing.T) {
	mem := NewMemoryMetrics()
	m := NewConnMetrics(mem, "orders", "billing")

	m.Connected(false)
	m.Disconnected()
	m.Connected(true)
	m.FrameReceived(FrameTypeMessage, 40)
	m.BytesSent(12)
	m.Heartbeat()
	for i := 0; i < 4; i++ {
		m.MessageReceived()
	}
	m.MessageFinished()
	m.MessageFinished()
	m.MessageRequeued()
	m.HandlerDone(100*time.Millisecond, nil, false)
	m.HandlerDone(300*time.Millisecond, errors.New("failed"), false)

	stats := mem.Stats("orders", "billing")
	assert.True(t, stats.Connected)
	assert.Equal(t, uint64(1), stats.Reconnects)
	assert.Equal(t, uint64(1), stats.Heartbeats)
	assert.Equal(t, uint64(40), stats.BytesReceived)
	assert.Equal(t, uint64(12), stats.BytesSent)
	assert.Equal(t, uint64(4), stats.MessagesReceived)
	assert.Equal(t, uint64(2), stats.MessagesFinished)
	assert.Equal(t, uint64(1), stats.MessagesRequeued)
	assert.Equal(t, int64(1), stats.MessagesInFlight)
	assert.Equal(t, uint64(1), stats.HandlerErrors)
	assert.Zero(t, stats.HandlerPanics)
	assert.Equal(t, uint64(2), stats.HandlerCalls)
	assert.InDelta(t, float64(400*time.Millisecond), float64(stats.HandlerTime), float64(time.Millisecond))

	assert.Equal(t, ConsumerStats{}, mem.Stats("orders", "audit"))
}

func TestMemoryMetricsConcurrentDispatch(t *testing.T) {
	mem := NewMemoryMetrics()
	m := NewConnMetrics(mem, "orders", "billing")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				m.MessageReceived()
				m.HandlerDone(time.Millisecond, nil, false)
				m.MessageFinished()
			}
		}()
	}
	wg.Wait()

	stats := mem.Stats("orders", "billing")
	assert.Equal(t, uint64(1000), stats.MessagesReceived)
	assert.Equal(t, uint64(1000), stats.MessagesFinished)
	assert.Equal(t, uint64(1000), stats.HandlerCalls)
	assert.Zero(t, stats.MessagesInFlight)
}
