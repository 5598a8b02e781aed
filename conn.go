package nsq

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var heartbeatPayload = []byte("_heartbeat_")

const (
	defaultHeartbeatInterval = 30 * time.Second
	readBufferSize           = 16 * 1024
	closeWaitTimeout         = time.Second
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateDisposed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Conn is a consumer connection to a single nsqd.
//
// A background driver dials, performs the IDENTIFY/SUB handshake and reads
// frames until the connection is closed. Transport faults are recovered by
// reconnecting; callers writing through the connection wait for the next
// socket instead of failing.
type Conn struct {
	endpoint   Endpoint
	topic      Topic
	channel    Channel
	options    *connOptions
	logger     Logger
	metrics    *ConnMetrics
	dispatcher *dispatcher
	limiter    *rate.Limiter

	state      atomic.Int32
	closed     atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	driverDone chan struct{}
	ready      chan struct{}
	readyOnce  sync.Once

	errMu sync.Mutex
	err   error

	identify      atomic.Pointer[IdentifyResponse]
	maxInFlight   atomic.Int64 // -1 until known
	endpointIndex atomic.Uint32

	// connectMu serializes reconnect decisions. It is never held across IO.
	// attempt counts retries since the last session that stayed up.
	connectMu   sync.Mutex
	dialed      bool
	attempt     int
	connectedAt time.Time
	pending     net.Conn

	// swapMu guards the live socket together with its generation and the
	// signal closed when the next socket is published.
	swapMu     sync.Mutex
	sock       net.Conn
	generation uint64
	signal     chan struct{}

	writeMu sync.Mutex
}

// Connect validates its arguments and starts the connection in the background.
// It returns immediately; use WaitReady or Dial to wait for the handshake.
//
// endpoint may be zero when WithEndpointResolver is used.
func Connect(endpoint Endpoint, topic Topic, channel Channel, handler Handler, opts ...Option) (*Conn, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	if err := channel.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrNoHandler
	}

	options := applyOptions(opts...)
	if endpoint.Host == "" && options.resolver == nil {
		return nil, ErrNoEndpoint
	}

	logger := options.logger.WithFields(LogFields{
		LogFieldEndpoint: endpoint.String(),
		LogFieldTopic:    string(topic),
		LogFieldChannel:  string(channel),
	})
	metrics := NewConnMetrics(options.metrics, topic, channel)

	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		endpoint:   endpoint,
		topic:      topic,
		channel:    channel,
		options:    options,
		logger:     logger,
		metrics:    metrics,
		dispatcher: newDispatcher(handler, options.middleware, options.interceptors, logger, metrics),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		driverDone: make(chan struct{}),
		ready:      make(chan struct{}),
		signal:     make(chan struct{}),
	}

	if options.reconnectLimit != rate.Inf {
		c.limiter = rate.NewLimiter(options.reconnectLimit, max(options.reconnectBurst, 1))
	}

	c.maxInFlight.Store(-1)
	if options.consumer.MaxInFlight > 0 {
		c.maxInFlight.Store(int64(options.consumer.MaxInFlight))
	}

	go c.run()

	return c, nil
}

// Dial connects and waits for the first successful handshake.
// The connection is closed if the handshake fails fatally or ctx ends first.
func Dial(ctx context.Context, endpoint Endpoint, topic Topic, channel Channel, handler Handler, opts ...Option) (*Conn, error) {
	c, err := Connect(endpoint, topic, channel, handler, opts...)
	if err != nil {
		return nil, err
	}

	if err := c.WaitReady(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// WaitReady blocks until the first handshake completes.
// It returns the terminal error once the connection is disposed,
// ErrClosed if it was closed by the caller, or ctx.Err().
func (c *Conn) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		if !c.closed.Load() {
			return nil
		}
		return c.closedErr()
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// SetMaxInFlight sends RDY n. The count is remembered and sent again after
// every reconnect, since a new nsqd connection starts at zero.
// Values above the server's max_rdy_count are clamped.
func (c *Conn) SetMaxInFlight(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("invalid max in flight %d", n)
	}
	c.maxInFlight.Store(int64(n))
	return c.send(ctx, Ready(c.clampReady(n)), 0)
}

// SendCommand writes a command, waiting through reconnects if needed.
func (c *Conn) SendCommand(ctx context.Context, cmd *Command) error {
	return c.send(ctx, cmd, 0)
}

// Close disposes the connection. It is safe to call more than once.
// Running handlers are not cancelled; their acknowledgements become no-ops.
func (c *Conn) Close() error {
	c.dispose(nil)

	select {
	case <-c.driverDone:
	case <-time.After(closeWaitTimeout):
		c.logger.Warn("driver did not stop in time", nil)
	}

	return nil
}

// Drain waits until every dispatched handler has returned or ctx ends.
func (c *Conn) Drain(ctx context.Context) error {
	return c.dispatcher.wait(ctx)
}

// Done is closed when the connection is disposed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the cause that disposed the connection, or nil.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// IdentifyResponse returns the response of the most recent handshake.
func (c *Conn) IdentifyResponse() *IdentifyResponse {
	return c.identify.Load()
}

// Generation returns the number of sockets published so far.
func (c *Conn) Generation() uint64 {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()
	return c.generation
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// InFlight returns the number of handler invocations still running.
func (c *Conn) InFlight() int64 {
	return c.dispatcher.active.Load()
}

// Topic returns the subscribed topic.
func (c *Conn) Topic() Topic {
	return c.topic
}

// Channel returns the subscribed channel.
func (c *Conn) Channel() Channel {
	return c.channel
}

func (c *Conn) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) == StateDisposed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// emit sends an event to the event handler.
func (c *Conn) emit(event error) {
	if c.options.onEvent != nil {
		c.options.onEvent(c, event)
	}
}

// run is the driver: connect, handshake, read, and again after a fault.
func (c *Conn) run() {
	defer close(c.driverDone)

	for {
		sock, gen, err := c.establish()
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				c.dispose(err)
			}
			return
		}

		err = c.readLoop(sock, gen)
		if c.closed.Load() {
			return
		}
		if errors.Is(err, ErrProtocolViolation) {
			c.dispose(err)
			return
		}

		c.endSession()
		c.invalidate(sock, gen, err)
	}
}

// endSession forgets earlier retries once a session has stayed up long enough.
// A server that accepts the handshake and drops the client right away keeps
// the counter growing, so the backoff applies to it as to a refused dial.
func (c *Conn) endSession() {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if time.Since(c.connectedAt) >= c.options.stableAfter {
		c.attempt = 0
	}
}

// establish dials and handshakes until a socket is published, the connection
// is closed, or the handshake fails fatally.
func (c *Conn) establish() (net.Conn, uint64, error) {
	for {
		if c.closed.Load() {
			return nil, 0, ErrClosed
		}
		c.setState(StateConnecting)

		// Only the very first dial of the connection skips the backoff.
		c.connectMu.Lock()
		retry := c.dialed
		c.dialed = true
		if retry {
			c.attempt++
		}
		attempt := c.attempt
		c.connectMu.Unlock()

		var delay time.Duration
		if retry {
			delay = c.options.backoffStrategy.Backoff(attempt)
			c.emit(NewReconnectEvent(attempt, delay))
		}
		if err := c.sleep(delay); err != nil {
			return nil, 0, ErrClosed
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(c.ctx); err != nil {
				return nil, 0, ErrClosed
			}
		}

		sock, err := c.dial()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("dial failed", LogFields{
					LogFieldAttempt: attempt,
					LogFieldError:   err,
				})
			}
			continue
		}

		gen, err := c.handshake(sock)
		if err == nil {
			return sock, gen, nil
		}
		if errors.Is(err, ErrAuthRequired) || errors.Is(err, ErrProtocolViolation) {
			return nil, 0, NewHandshakeError(err)
		}
		if !c.closed.Load() {
			c.logger.Warn("handshake failed", LogFields{
				LogFieldAttempt: attempt,
				LogFieldError:   err,
			})
		}
	}
}

func (c *Conn) sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// nextEndpoint returns the next target using round-robin selection.
// It calls the resolver if configured, then falls back to the static endpoint.
func (c *Conn) nextEndpoint() (Endpoint, error) {
	var endpoints []Endpoint

	if c.options.resolver != nil {
		resolved, err := c.options.resolver(c.ctx)
		if err != nil {
			c.logger.Warn("endpoint resolver failed", LogFields{LogFieldError: err})
		} else {
			endpoints = resolved
		}
	}

	if len(endpoints) == 0 && c.endpoint.Host != "" {
		endpoints = []Endpoint{c.endpoint}
	}

	if len(endpoints) == 0 {
		return Endpoint{}, ErrNoEndpoint
	}

	index := c.endpointIndex.Add(1) - 1
	return endpoints[index%uint32(len(endpoints))], nil
}

// dialer returns the configured dialer, a proxy dialer, or plain TCP.
func (c *Conn) dialer(address string) (Dialer, error) {
	if c.options.dialer != nil {
		return c.options.dialer, nil
	}

	if c.options.proxyConfig != nil {
		return NewProxyDialer(
			c.options.proxyConfig.URL,
			c.options.proxyConfig.Username,
			c.options.proxyConfig.Password,
		)
	}

	if c.options.proxyFromEnv {
		proxyURL, err := ProxyFromEnvironment(address)
		if err != nil {
			return nil, err
		}
		if proxyURL != nil {
			return NewProxyDialer(proxyURL.String(), "", "")
		}
	}

	return &TCPDialer{Timeout: c.options.dialTimeout}, nil
}

// dial opens a socket and registers it as pending so Close can abort the handshake.
func (c *Conn) dial() (net.Conn, error) {
	target, err := c.nextEndpoint()
	if err != nil {
		return nil, err
	}
	address := target.String()

	dialer, err := c.dialer(address)
	if err != nil {
		return nil, fmt.Errorf("proxy configuration error: %w", err)
	}

	ctx := c.ctx
	if c.options.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.dialTimeout)
		defer cancel()
	}

	c.logger.Debug("dialing", LogFields{LogFieldEndpoint: address})

	sock, err := dialer.Dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.closed.Load() {
		sock.Close()
		return nil, ErrClosed
	}
	c.pending = sock

	return sock, nil
}

// dropPending closes the handshake socket unless Close already did.
func (c *Conn) dropPending(sock net.Conn) {
	c.connectMu.Lock()
	owned := c.pending == sock
	if owned {
		c.pending = nil
	}
	c.connectMu.Unlock()

	if owned {
		sock.Close()
	}
}

// handshake sends the magic, IDENTIFY, SUB and RDY, then publishes the socket.
func (c *Conn) handshake(sock net.Conn) (uint64, error) {
	c.setState(StateHandshaking)

	resp, err := c.negotiate(sock)
	if err != nil {
		c.dropPending(sock)
		return 0, err
	}

	c.connectMu.Lock()
	if c.pending != sock {
		c.connectMu.Unlock()
		return 0, ErrClosed
	}
	c.pending = nil
	c.connectedAt = time.Now()
	c.connectMu.Unlock()

	c.swapMu.Lock()
	if c.closed.Load() {
		c.swapMu.Unlock()
		sock.Close()
		return 0, ErrClosed
	}
	c.sock = sock
	c.generation++
	gen := c.generation
	close(c.signal)
	c.signal = make(chan struct{})
	c.swapMu.Unlock()

	c.identify.Store(resp)
	c.setState(StateReady)
	c.metrics.Connected(gen > 1)

	c.logger.Info("connected", LogFields{
		LogFieldEndpoint:   sock.RemoteAddr().String(),
		LogFieldGeneration: gen,
	})
	c.emit(NewConnectedEvent(gen, resp))

	c.readyOnce.Do(func() { close(c.ready) })

	return gen, nil
}

// negotiate runs the handshake exchange on a socket nobody else can see yet.
func (c *Conn) negotiate(sock net.Conn) (*IdentifyResponse, error) {
	if c.options.handshakeTimeout > 0 {
		sock.SetDeadline(time.Now().Add(c.options.handshakeTimeout))
		defer sock.SetDeadline(time.Time{})
	}

	identify, err := Identify(&c.options.consumer)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Write(MagicV2)
	identify.encode(&out)
	if err := c.writeHandshake(sock, out.Bytes()); err != nil {
		return nil, err
	}

	frame, err := ReadFrame(sock, c.options.maxFrameSize)
	if err != nil {
		return nil, err
	}
	c.metrics.FrameReceived(frame.Type, frameSizeLength+int(frame.Size()))

	if frame.Type != FrameTypeResult {
		return nil, fmt.Errorf("%w: IDENTIFY answered with %s frame %q", ErrProtocolViolation, frame.Type, frame.Data)
	}

	resp, err := ParseIdentifyResponse(frame.Data)
	if err != nil {
		return nil, err
	}
	if resp.AuthRequired {
		return nil, ErrAuthRequired
	}

	c.logger.Debug("identified", LogFields{"version": resp.Version, "max_rdy_count": resp.MaxRdyCount})

	out.Reset()
	Subscribe(c.topic, c.channel).encode(&out)
	if n := c.maxInFlight.Load(); n >= 0 {
		Ready(clampReady(int(n), resp)).encode(&out)
	}
	if err := c.writeHandshake(sock, out.Bytes()); err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *Conn) writeHandshake(sock net.Conn, data []byte) error {
	n, err := sock.Write(data)
	c.metrics.BytesSent(n)
	return err
}

func (c *Conn) clampReady(n int) int {
	return clampReady(n, c.identify.Load())
}

func clampReady(n int, resp *IdentifyResponse) int {
	if resp != nil && resp.MaxRdyCount > 0 && int64(n) > resp.MaxRdyCount {
		return int(resp.MaxRdyCount)
	}
	return n
}

// readTimeout allows one missed heartbeat before the socket is considered dead.
func (c *Conn) readTimeout() time.Duration {
	interval := c.options.consumer.HeartbeatInterval
	if interval < 0 {
		return 0
	}
	if interval == 0 {
		interval = defaultHeartbeatInterval
	}
	return 2 * interval
}

// readLoop reads frames from the published socket until it fails.
func (c *Conn) readLoop(sock net.Conn, gen uint64) error {
	reader := bufio.NewReaderSize(sock, readBufferSize)
	timeout := c.readTimeout()

	for {
		if timeout > 0 {
			sock.SetReadDeadline(time.Now().Add(timeout))
		}

		frame, err := ReadFrame(reader, c.options.maxFrameSize)
		if err != nil {
			return err
		}
		c.metrics.FrameReceived(frame.Type, frameSizeLength+int(frame.Size()))

		switch frame.Type {
		case FrameTypeResult:
			if bytes.Equal(frame.Data, heartbeatPayload) {
				// A failed NOP is a transport fault like a failed read.
				if err := c.answerHeartbeat(sock); err != nil {
					return fmt.Errorf("%w: %w", ErrHeartbeatFailed, err)
				}
				continue
			}
			c.logger.Debug("result frame", LogFields{
				LogFieldFrameType: frame.Type.String(),
				LogFieldBytes:     len(frame.Data),
				"result":          string(frame.Data),
			})

		case FrameTypeError:
			event := NewErrorFrameEvent(frame.Data)
			c.logger.Warn("error frame", LogFields{LogFieldError: event.Payload})
			c.emit(event)

		case FrameTypeMessage:
			msg, err := DecodeMessage(frame.Data)
			if err != nil {
				return err
			}
			msg.owner = c
			msg.generation = gen
			c.dispatcher.dispatch(msg)

		default:
			return fmt.Errorf("%w: %w: %d", ErrProtocolViolation, ErrUnknownFrameType, int32(frame.Type))
		}
	}
}

// answerHeartbeat writes NOP on the driver's own socket before the next read.
func (c *Conn) answerHeartbeat(sock net.Conn) error {
	if err := c.writeCommand(sock, Nop()); err != nil {
		return err
	}
	c.metrics.Heartbeat()
	c.logger.Debug("heartbeat answered", nil)
	return nil
}

// writeCommand writes a command to the socket with proper locking.
func (c *Conn) writeCommand(sock net.Conn, cmd *Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.options.writeTimeout > 0 {
		sock.SetWriteDeadline(time.Now().Add(c.options.writeTimeout))
		defer sock.SetWriteDeadline(time.Time{})
	}

	n, err := cmd.WriteTo(sock)
	c.metrics.BytesSent(int(n))
	return err
}

// send writes cmd to the live socket. When there is none, or the write fails,
// it waits for the next socket and tries again. A non-zero generation binds
// the write to that socket: errStaleGeneration is returned instead of retrying.
func (c *Conn) send(ctx context.Context, cmd *Command, generation uint64) error {
	for {
		if c.closed.Load() {
			return ErrClosed
		}

		c.swapMu.Lock()
		sock, gen, signal := c.sock, c.generation, c.signal
		c.swapMu.Unlock()

		if generation != 0 && (gen != generation || sock == nil) {
			return errStaleGeneration
		}

		if sock != nil {
			err := c.writeCommand(sock, cmd)
			if err == nil {
				return nil
			}

			c.logger.Debug("write failed", LogFields{
				LogFieldCommand:    cmd.Kind.String(),
				LogFieldGeneration: gen,
				LogFieldError:      err,
			})
			c.invalidate(sock, gen, err)

			if generation != 0 {
				return errStaleGeneration
			}
		}

		select {
		case <-signal:
		case <-c.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// invalidate retires sock if it is still the live socket of generation gen.
// Only the caller that retires a socket closes it.
func (c *Conn) invalidate(sock net.Conn, gen uint64, cause error) {
	c.swapMu.Lock()
	current := c.sock == sock && c.generation == gen
	if current {
		c.sock = nil
	}
	c.swapMu.Unlock()

	if !current {
		return
	}

	sock.Close()
	c.setState(StateDisconnected)
	c.metrics.Disconnected()

	if c.closed.Load() {
		return
	}

	c.logger.Warn("connection lost", LogFields{
		LogFieldGeneration: gen,
		LogFieldError:      cause,
	})
	c.emit(NewConnectionLostError(gen, cause))
}

// dispose moves the connection to its terminal state. The first call wins.
func (c *Conn) dispose(cause error) {
	if c.closed.Swap(true) {
		return
	}

	c.errMu.Lock()
	c.err = cause
	c.errMu.Unlock()

	c.state.Store(int32(StateDisposed))
	c.cancel()

	c.connectMu.Lock()
	pending := c.pending
	c.pending = nil
	c.connectMu.Unlock()

	if pending != nil {
		pending.Close()
	}

	c.swapMu.Lock()
	sock := c.sock
	c.sock = nil
	c.swapMu.Unlock()

	if sock != nil {
		sock.Close()
		c.metrics.Disconnected()
	}

	close(c.done)

	if cause != nil {
		c.logger.Error("connection disposed", LogFields{LogFieldError: cause})
		c.emit(cause)
		return
	}
	c.logger.Info("connection closed", nil)
}

// respond implements responder for messages delivered on this connection.
func (c *Conn) respond(ctx context.Context, cmd *Command, generation uint64) error {
	return c.send(ctx, cmd, generation)
}

func (c *Conn) messageResponded(requeued bool) {
	if requeued {
		c.metrics.MessageRequeued()
		return
	}
	c.metrics.MessageFinished()
}
