// Package tracing traces nsq message handlers with OpenTelemetry.
package tracing

import (
	"context"

	"github.com/vitalvas/nsq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// defaultTracerName is the instrumentation name used with the global provider.
const defaultTracerName = "github.com/vitalvas/nsq"

// Config configures the tracing middleware.
type Config struct {
	// Tracer overrides the tracer from the global provider.
	Tracer trace.Tracer

	// TracerName is the name of the tracer (default: "github.com/vitalvas/nsq").
	TracerName string

	// Topic and Channel are added to every span.
	Topic   nsq.Topic
	Channel nsq.Channel

	// Filter determines which messages to trace. If nil, all messages are traced.
	Filter func(msg *nsq.Message) bool
}

// Option configures the tracing middleware.
type Option func(*Config)

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Config) {
		c.Tracer = tracer
	}
}

// WithTracerName sets the tracer name used with the global provider.
func WithTracerName(name string) Option {
	return func(c *Config) {
		c.TracerName = name
	}
}

// WithSubscription records the topic and channel the handler consumes.
func WithSubscription(topic nsq.Topic, channel nsq.Channel) Option {
	return func(c *Config) {
		c.Topic = topic
		c.Channel = channel
	}
}

// WithFilter sets a filter function for messages.
func WithFilter(filter func(msg *nsq.Message) bool) Option {
	return func(c *Config) {
		c.Filter = filter
	}
}

// Middleware creates a consumer span around every handler invocation.
// Handler errors are recorded on the span and returned unchanged.
func Middleware(opts ...Option) nsq.Middleware {
	config := Config{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}

	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(config.TracerName)
	}

	spanName := "nsq.process"
	if config.Topic != "" {
		spanName = string(config.Topic) + " process"
	}

	return func(next nsq.Handler) nsq.Handler {
		return func(ctx context.Context, msg *nsq.Message) error {
			if config.Filter != nil && !config.Filter(msg) {
				return next(ctx, msg)
			}

			attrs := []attribute.KeyValue{
				attribute.String("messaging.system", "nsq"),
				attribute.String("messaging.operation", "process"),
				attribute.String("messaging.message.id", msg.ID.String()),
				attribute.Int("messaging.message.body.size", len(msg.Body)),
				attribute.Int("messaging.nsq.attempts", int(msg.Attempts)),
			}
			if config.Topic != "" {
				attrs = append(attrs, attribute.String("messaging.destination.name", string(config.Topic)))
			}
			if config.Channel != "" {
				attrs = append(attrs, attribute.String("messaging.nsq.channel", string(config.Channel)))
			}

			ctx, span := tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(attrs...),
				trace.WithTimestamp(msg.Time()),
			)
			defer span.End()

			err := next(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}

			span.SetStatus(codes.Ok, "")
			return nil
		}
	}
}
