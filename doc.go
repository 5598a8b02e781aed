// Package nsq provides a consumer connection for the nsqd TCP protocol (V2).
//
// A Conn owns one subscription (topic and channel) on one nsqd instance and
// keeps it alive: it performs the IDENTIFY and SUB handshake, answers
// heartbeats, delivers messages to a handler and reconnects transparently
// when the socket fails.
//
// # Connecting
//
//	conn, err := nsq.Dial(ctx, nsq.Endpoint{Host: "127.0.0.1", Port: 4150},
//	    "orders", "billing",
//	    func(ctx context.Context, msg *nsq.Message) error {
//	        process(msg.Body)
//	        return msg.Finish(ctx)
//	    },
//	    nsq.WithMaxInFlight(100),
//	    nsq.WithBackoffStrategy(nsq.NewExponentialBackoff(100*time.Millisecond, 30*time.Second)),
//	)
//	defer conn.Close()
//
// Connect returns immediately and connects in the background; Dial also
// waits for the first handshake. Protocol violations and auth_required
// responses during the handshake are fatal and end the connection.
//
// # Messages
//
// Every message is handed to the handler on its own goroutine. Finish,
// Requeue and Touch route back to the connection the message arrived on.
// After a reconnect nsqd has already forgotten earlier deliveries, so
// acknowledging a message from a previous socket is a silent no-op.
//
// # Wire Format
//
// The frame codec and command encoder are exported for tools and tests:
//
//	frame, err := nsq.ReadFrame(r, nsq.MaxFrameSizeDefault)
//	_, err = nsq.Ready(10).WriteTo(w)
//
// # Observability
//
// Logging goes through the Logger interface (NoOpLogger by default,
// StdLogger, SlogLogger). Metrics go through the Metrics interface; the
// extensions/prommetrics package exports them to Prometheus and
// extensions/tracing wraps handlers in OpenTelemetry spans. Lifecycle
// events (ConnectedEvent, ConnectionLostError, ReconnectEvent,
// ErrorFrameEvent) are delivered to the OnEvent callback.
//
// # Discovery
//
// extensions/lookup queries nsqlookupd and can feed a connection through
// WithEndpointResolver.
package nsq
