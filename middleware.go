package nsq

import (
	"context"
	"fmt"
)

// Handler processes a single message. The handler is responsible for calling
// msg.Finish or msg.Requeue; a message left unacknowledged is redelivered by
// nsqd once its timeout expires.
type Handler func(ctx context.Context, msg *Message) error

// Middleware wraps a Handler with cross-cutting behaviour such as tracing.
type Middleware func(Handler) Handler

// Chain composes middleware so that the first one is the outermost.
func Chain(middleware ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(middleware) - 1; i >= 0; i-- {
			if middleware[i] != nil {
				next = middleware[i](next)
			}
		}
		return next
	}
}

// ConsumerInterceptor allows inspection and modification of messages after
// they are decoded but before they reach the handler. Interceptors are called
// in the order they are configured, and each receives the message returned by
// the previous one.
type ConsumerInterceptor interface {
	// OnConsume is called for every received message.
	// Return the (potentially modified) message to continue the chain,
	// or nil to drop it. A dropped message is not acknowledged.
	//
	// WARNING: The message is NOT a copy. Modifications will affect the original.
	OnConsume(msg *Message) *Message
}

// ConsumerInterceptorFunc adapts a function to ConsumerInterceptor.
type ConsumerInterceptorFunc func(msg *Message) *Message

// OnConsume calls f(msg).
func (f ConsumerInterceptorFunc) OnConsume(msg *Message) *Message {
	return f(msg)
}

// safelyApplyConsumerInterceptor applies an interceptor with panic recovery.
// If the interceptor panics, the original message is returned unchanged.
func safelyApplyConsumerInterceptor(logger Logger, interceptor ConsumerInterceptor, msg *Message) (result *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("consumer interceptor panic", LogFields{
				LogFieldMessageID: msg.ID.String(),
				LogFieldError:     fmt.Sprint(r),
			})
			result = msg
		}
	}()
	return interceptor.OnConsume(msg)
}

// applyConsumerInterceptors applies all interceptors in order.
// If any interceptor returns nil, the chain is broken and nil is returned.
func applyConsumerInterceptors(logger Logger, interceptors []ConsumerInterceptor, msg *Message) *Message {
	current := msg
	for _, interceptor := range interceptors {
		if current == nil {
			return nil
		}
		current = safelyApplyConsumerInterceptor(logger, interceptor, current)
	}
	return current
}
