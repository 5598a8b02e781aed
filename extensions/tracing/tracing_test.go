package tracing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitalvas/nsq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// recordingSpan keeps what the middleware sets on it.
type recordingSpan struct {
	noop.Span

	name   string
	config trace.SpanConfig
	code   codes.Code
	errs   []error
	ended  bool
}

func (s *recordingSpan) SetStatus(code codes.Code, _ string) { s.code = code }

func (s *recordingSpan) RecordError(err error, _ ...trace.EventOption) {
	s.errs = append(s.errs, err)
}

func (s *recordingSpan) End(_ ...trace.SpanEndOption) { s.ended = true }

func (s *recordingSpan) attribute(key string) (attribute.Value, bool) {
	for _, kv := range s.config.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

type recordingTracer struct {
	noop.Tracer

	mu    sync.Mutex
	spans []*recordingSpan
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	span := &recordingSpan{name: name, config: trace.NewSpanStartConfig(opts...)}

	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()

	return trace.ContextWithSpan(ctx, span), span
}

func testMessage() *nsq.Message {
	return &nsq.Message{
		ID:        nsq.MessageID{'0', 'a', '1', 'b', '2', 'c', '3', 'd', '4', 'e', '5', 'f', '6', '0', '7', '1'},
		Timestamp: 1700000000000000000,
		Attempts:  3,
		Body:      []byte("hello"),
	}
}

func TestMiddlewareRecordsSpan(t *testing.T) {
	tracer := &recordingTracer{}
	mw := Middleware(WithTracer(tracer), WithSubscription("orders", "billing"))

	var inner trace.Span
	handler := mw(func(ctx context.Context, _ *nsq.Message) error {
		inner = trace.SpanFromContext(ctx)
		return nil
	})

	require.NoError(t, handler(context.Background(), testMessage()))
	require.Len(t, tracer.spans, 1)

	span := tracer.spans[0]
	assert.Same(t, span, inner)
	assert.Equal(t, "orders process", span.name)
	assert.Equal(t, trace.SpanKindConsumer, span.config.SpanKind())
	assert.Equal(t, testMessage().Time(), span.config.Timestamp())
	assert.Equal(t, codes.Ok, span.code)
	assert.True(t, span.ended)

	tests := map[string]attribute.Value{
		"messaging.system":            attribute.StringValue("nsq"),
		"messaging.message.id":        attribute.StringValue("0a1b2c3d4e5f6071"),
		"messaging.message.body.size": attribute.IntValue(5),
		"messaging.nsq.attempts":      attribute.IntValue(3),
		"messaging.destination.name":  attribute.StringValue("orders"),
		"messaging.nsq.channel":       attribute.StringValue("billing"),
	}
	for key, expected := range tests {
		value, ok := span.attribute(key)
		require.True(t, ok, key)
		assert.Equal(t, expected, value, key)
	}
}

func TestMiddlewareRecordsError(t *testing.T) {
	tracer := &recordingTracer{}
	handlerErr := errors.New("boom")

	handler := Middleware(WithTracer(tracer))(func(_ context.Context, _ *nsq.Message) error {
		return handlerErr
	})

	err := handler(context.Background(), testMessage())
	assert.ErrorIs(t, err, handlerErr)

	require.Len(t, tracer.spans, 1)
	span := tracer.spans[0]
	assert.Equal(t, "nsq.process", span.name)
	assert.Equal(t, codes.Error, span.code)
	assert.Equal(t, []error{handlerErr}, span.errs)
	assert.True(t, span.ended)

	_, ok := span.attribute("messaging.destination.name")
	assert.False(t, ok)
}

func TestMiddlewareFilter(t *testing.T) {
	tracer := &recordingTracer{}
	mw := Middleware(WithTracer(tracer), WithFilter(func(msg *nsq.Message) bool {
		return msg.Attempts > 1
	}))

	called := 0
	handler := mw(func(_ context.Context, _ *nsq.Message) error {
		called++
		return nil
	})

	require.NoError(t, handler(context.Background(), &nsq.Message{Attempts: 1}))
	require.NoError(t, handler(context.Background(), &nsq.Message{Attempts: 2}))

	assert.Equal(t, 2, called)
	assert.Len(t, tracer.spans, 1)
}

func TestMiddlewareGlobalProvider(t *testing.T) {
	handler := Middleware(WithTracerName("test"))(func(_ context.Context, _ *nsq.Message) error {
		return nil
	})
	assert.NoError(t, handler(context.Background(), testMessage()))
}
