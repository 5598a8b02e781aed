package router

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"

	"github.com/vitalvas/nsq"
)

// ErrNoRoute is returned by the router handler when no registration matches
// and no fallback is set. The message is left unacknowledged.
var ErrNoRoute = errors.New("router: no matching handler")

// jsonFieldMatcher holds a top-level JSON field name and a pattern for its value.
type jsonFieldMatcher struct {
	field   string
	pattern *regexp.Regexp
}

// Condition defines filtering criteria for message routing.
type Condition struct {
	bodyRegexp  *regexp.Regexp
	minAttempts *uint16
	maxAttempts *uint16
	jsonFields  []jsonFieldMatcher
	match       func(*nsq.Message) bool
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithBody filters messages by body regexp pattern.
func WithBody(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.bodyRegexp = pattern
	}
}

// WithMinAttempts matches messages delivered at least n times.
func WithMinAttempts(n uint16) ConditionOption {
	return func(c *Condition) {
		c.minAttempts = &n
	}
}

// WithMaxAttempts matches messages delivered at most n times.
func WithMaxAttempts(n uint16) ConditionOption {
	return func(c *Condition) {
		c.maxAttempts = &n
	}
}

// WithJSONField filters JSON bodies by a top-level field. The field value is
// compared in its string form; numbers and booleans use their JSON text.
// Can be called multiple times; all fields must match.
func WithJSONField(field string, pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.jsonFields = append(c.jsonFields, jsonFieldMatcher{field: field, pattern: pattern})
	}
}

// WithMatch adds an arbitrary predicate.
func WithMatch(fn func(*nsq.Message) bool) ConditionOption {
	return func(c *Condition) {
		c.match = fn
	}
}

// registration holds a handler with its conditions.
type registration struct {
	handler   nsq.Handler
	condition Condition
}

// Router dispatches messages to the first handler whose condition matches.
// A message is acknowledged at most once, so only one handler ever runs.
type Router struct {
	mu       sync.RWMutex
	handlers []registration
	fallback nsq.Handler
}

// New creates a new Router.
func New() *Router {
	return &Router{
		handlers: make([]registration, 0),
	}
}

// Handle registers a handler with optional conditions.
// Registrations are tried in order; a handler without conditions matches everything.
//
// Examples:
//
//	r.Handle(handler, WithBody(regexp.MustCompile(`^\{`)))
//	r.Handle(poison, WithMinAttempts(5))
//	r.Handle(handler, WithJSONField("type", regexp.MustCompile(`^order\.`)))
func (r *Router) Handle(handler nsq.Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{
		handler:   handler,
		condition: cond,
	})
	r.mu.Unlock()
}

// Fallback sets the handler used when nothing matches.
func (r *Router) Fallback(handler nsq.Handler) {
	r.mu.Lock()
	r.fallback = handler
	r.mu.Unlock()
}

// matches checks if a condition matches the message.
func (c *Condition) matches(msg *nsq.Message) bool {
	if c.minAttempts != nil && msg.Attempts < *c.minAttempts {
		return false
	}
	if c.maxAttempts != nil && msg.Attempts > *c.maxAttempts {
		return false
	}
	if c.bodyRegexp != nil && !c.bodyRegexp.Match(msg.Body) {
		return false
	}
	if len(c.jsonFields) > 0 && !c.matchJSONFields(msg.Body) {
		return false
	}
	if c.match != nil && !c.match(msg) {
		return false
	}
	return true
}

// matchJSONFields checks that every field matcher finds its field.
func (c *Condition) matchJSONFields(body []byte) bool {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return false
	}

	for _, matcher := range c.jsonFields {
		raw, ok := doc[matcher.field]
		if !ok {
			return false
		}

		value := string(raw)
		var s string
		if json.Unmarshal(raw, &s) == nil {
			value = s
		}
		if !matcher.pattern.MatchString(value) {
			return false
		}
	}
	return true
}

// Route dispatches a message to the first matching handler.
func (r *Router) Route(ctx context.Context, msg *nsq.Message) error {
	if msg == nil {
		return nil
	}

	r.mu.RLock()
	handler := r.fallback
	for _, reg := range r.handlers {
		if reg.condition.matches(msg) {
			handler = reg.handler
			break
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return ErrNoRoute
	}
	return handler(ctx, msg)
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers and the fallback.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = r.handlers[:0]
	r.fallback = nil
	r.mu.Unlock()
}

// Handler returns an nsq.Handler that routes every message.
// Use it as the handler passed to nsq.Connect.
func (r *Router) Handler() nsq.Handler {
	return r.Route
}
