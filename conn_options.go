package nsq

import (
	"time"

	"golang.org/x/time/rate"
)

// connOptions holds configuration for a Conn.
type connOptions struct {
	// Client identity sent in IDENTIFY
	consumer ConsumerOptions

	// Timeouts
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration

	// Limits
	maxFrameSize int32

	// Reconnect settings
	backoffStrategy BackoffStrategy
	reconnectLimit  rate.Limit
	reconnectBurst  int
	stableAfter     time.Duration

	// Transport
	dialer       Dialer
	proxyConfig  *ProxyConfig
	proxyFromEnv bool
	resolver     EndpointResolver

	// Observability
	logger  Logger
	metrics Metrics
	onEvent EventHandler

	// Message pipeline
	middleware   []Middleware
	interceptors []ConsumerInterceptor
}

// defaultConnOptions returns options with sensible defaults.
func defaultConnOptions() *connOptions {
	return &connOptions{
		consumer:         DefaultConsumerOptions(),
		dialTimeout:      5 * time.Second,
		handshakeTimeout: 5 * time.Second,
		writeTimeout:     5 * time.Second,
		maxFrameSize:     MaxFrameSizeDefault,
		backoffStrategy:  NoBackoff{},
		reconnectLimit:   rate.Inf,
		stableAfter:      5 * time.Second,
		logger:           NewNoOpLogger(),
	}
}

// Option configures a Conn.
type Option func(*connOptions)

// WithConsumerOptions sets the identity and tuning values sent in IDENTIFY.
// The options are copied.
func WithConsumerOptions(opts ConsumerOptions) Option {
	return func(o *connOptions) {
		o.consumer = opts
	}
}

// WithMaxInFlight sets the RDY count sent after every successful subscribe.
func WithMaxInFlight(n int) Option {
	return func(o *connOptions) {
		o.consumer.MaxInFlight = n
	}
}

// WithDialTimeout sets the timeout for establishing the TCP connection.
func WithDialTimeout(d time.Duration) Option {
	return func(o *connOptions) {
		o.dialTimeout = d
	}
}

// WithHandshakeTimeout bounds every read and write of the IDENTIFY/SUB exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *connOptions) {
		o.handshakeTimeout = d
	}
}

// WithWriteTimeout sets the deadline for a single command write.
// A write that times out is treated as a transport fault and retried on the next socket.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *connOptions) {
		o.writeTimeout = d
	}
}

// WithMaxFrameSize limits the size of incoming frames to prevent memory exhaustion.
// Zero or negative values disable the limit.
//
// Default: MaxFrameSizeDefault (1MB plus headers)
func WithMaxFrameSize(size int32) Option {
	return func(o *connOptions) {
		o.maxFrameSize = size
	}
}

// WithBackoffStrategy sets the delay policy between failed connection attempts.
// A nil strategy restores the default, which retries immediately.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(o *connOptions) {
		if strategy == nil {
			strategy = NoBackoff{}
		}
		o.backoffStrategy = strategy
	}
}

// WithBackoffResetAfter sets how long a session must stay up before the
// backoff attempt counter starts again from 1.
//
// Default: 5s
func WithBackoffResetAfter(d time.Duration) Option {
	return func(o *connOptions) {
		o.stableAfter = d
	}
}

// WithReconnectRateLimit caps how often dial attempts are made, independent of backoff.
// It protects nsqd from reconnect storms when many consumers lose a node at once.
func WithReconnectRateLimit(limit rate.Limit, burst int) Option {
	return func(o *connOptions) {
		o.reconnectLimit = limit
		o.reconnectBurst = burst
	}
}

// WithDialer sets a custom dialer. It takes precedence over proxy settings.
func WithDialer(dialer Dialer) Option {
	return func(o *connOptions) {
		o.dialer = dialer
	}
}

// WithProxy routes connections through an HTTP CONNECT or SOCKS5 proxy.
// Supported URL schemes: http, https, socks5.
func WithProxy(proxyURL string) Option {
	return WithProxyAuth(proxyURL, "", "")
}

// WithProxyAuth routes connections through an authenticated proxy.
func WithProxyAuth(proxyURL, username, password string) Option {
	return func(o *connOptions) {
		o.proxyConfig = &ProxyConfig{
			URL:      proxyURL,
			Username: username,
			Password: password,
		}
	}
}

// WithProxyFromEnvironment reads the proxy from ALL_PROXY or HTTP_PROXY,
// honouring NO_PROXY. An explicit WithProxy takes precedence.
func WithProxyFromEnvironment(enabled bool) Option {
	return func(o *connOptions) {
		o.proxyFromEnv = enabled
	}
}

// WithEndpointResolver sets a dynamic endpoint source, for example nsqlookupd.
// The resolver is called before each connection attempt; if it fails or returns
// nothing, the endpoint passed to Connect is used.
func WithEndpointResolver(resolver EndpointResolver) Option {
	return func(o *connOptions) {
		o.resolver = resolver
	}
}

// WithLogger sets the logger. The connection adds endpoint, topic and channel fields.
func WithLogger(logger Logger) Option {
	return func(o *connOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(o *connOptions) {
		o.metrics = metrics
	}
}

// OnEvent sets the event handler for connection lifecycle events and errors.
func OnEvent(handler EventHandler) Option {
	return func(o *connOptions) {
		o.onEvent = handler
	}
}

// WithMiddleware wraps the message handler. The first middleware is the outermost.
// Multiple calls append.
func WithMiddleware(middleware ...Middleware) Option {
	return func(o *connOptions) {
		o.middleware = append(o.middleware, middleware...)
	}
}

// WithConsumerInterceptors sets interceptors that run before the handler.
// Multiple calls append.
func WithConsumerInterceptors(interceptors ...ConsumerInterceptor) Option {
	return func(o *connOptions) {
		o.interceptors = append(o.interceptors, interceptors...)
	}
}

// applyOptions applies all options to the default options.
func applyOptions(opts ...Option) *connOptions {
	options := defaultConnOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}
