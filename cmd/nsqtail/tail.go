package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitalvas/nsq"
	"github.com/vitalvas/nsq/extensions/lookup"
	"github.com/vitalvas/nsq/extensions/prommetrics"
	"github.com/vitalvas/nsq/extensions/tracing"
)

// tailer prints every message of one topic/channel until stopped.
type tailer struct {
	cfg       *Config
	logger    *slog.Logger
	nsqLogger nsq.Logger
	registry  *prometheus.Registry
	metrics   nsq.Metrics

	outMu sync.Mutex
	out   io.Writer

	printed atomic.Int64
	limit   chan struct{}
	once    sync.Once

	connsMu sync.Mutex
	conns   []*nsq.Conn
}

func newTailer(cfg *Config, out io.Writer, logger *slog.Logger, nsqLogger nsq.Logger) *tailer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &tailer{
		cfg:       cfg,
		logger:    logger,
		nsqLogger: nsqLogger,
		registry:  registry,
		metrics:   prommetrics.New(prommetrics.WithRegistry(registry)),
		out:       out,
		limit:     make(chan struct{}),
	}
}

// handle writes the body on its own line and finishes the message.
// Once the message limit is reserved, further messages go back to nsqd.
func (t *tailer) handle(ctx context.Context, msg *nsq.Message) error {
	n := t.printed.Add(1)
	if t.cfg.MaxMessages > 0 && n > int64(t.cfg.MaxMessages) {
		return msg.Requeue(ctx, 0)
	}

	t.outMu.Lock()
	_, err := fmt.Fprintf(t.out, "%s\n", msg.Body)
	t.outMu.Unlock()
	if err != nil {
		t.printed.Add(-1)
		return fmt.Errorf("write message: %w", err)
	}

	if err := msg.Finish(ctx); err != nil {
		return err
	}

	if t.cfg.MaxMessages > 0 && n == int64(t.cfg.MaxMessages) {
		t.once.Do(func() { close(t.limit) })
	}
	return nil
}

func (t *tailer) options() []nsq.Option {
	opts := []nsq.Option{
		nsq.WithLogger(t.nsqLogger),
		nsq.WithMaxInFlight(t.cfg.MaxInFlight),
		nsq.WithBackoffStrategy(nsq.NewExponentialBackoff(t.cfg.Backoff.Base, t.cfg.Backoff.Max)),
		nsq.WithMetrics(t.metrics),
		nsq.WithProxyFromEnvironment(true),
		nsq.OnEvent(t.onEvent),
	}
	if t.cfg.Tracing.Enabled {
		opts = append(opts, nsq.WithMiddleware(tracing.Middleware(
			tracing.WithTracerName("nsqtail"),
			tracing.WithSubscription(nsq.Topic(t.cfg.Topic), nsq.Channel(t.cfg.Channel)),
		)))
	}
	return opts
}

func (t *tailer) onEvent(_ *nsq.Conn, event error) {
	var reconnect *nsq.ReconnectEvent
	if errors.As(event, &reconnect) {
		t.logger.Debug("reconnecting", slog.Int("attempt", reconnect.Attempt), slog.Duration("delay", reconnect.Delay))
	}
}

// connect opens one connection per nsqd address, or a single lookupd driven connection.
func (t *tailer) connect() error {
	topic := nsq.Topic(t.cfg.Topic)
	channel := nsq.Channel(t.cfg.Channel)

	if len(t.cfg.Lookupd) > 0 {
		resolvers := make([]nsq.EndpointResolver, 0, len(t.cfg.Lookupd))
		for _, addr := range t.cfg.Lookupd {
			client := lookup.New(addr, lookup.WithLogger(t.nsqLogger))
			resolvers = append(resolvers, lookup.Resolver(client, topic))
		}

		var fallback nsq.Endpoint
		if len(t.cfg.Nsqd) > 0 {
			fallback, _ = nsq.ParseEndpoint(t.cfg.Nsqd[0])
		}

		opts := append(t.options(), nsq.WithEndpointResolver(mergeResolvers(resolvers)))
		return t.add(nsq.Connect(fallback, topic, channel, t.handle, opts...))
	}

	for _, addr := range t.cfg.Nsqd {
		endpoint, err := nsq.ParseEndpoint(addr)
		if err != nil {
			return err
		}
		if err := t.add(nsq.Connect(endpoint, topic, channel, t.handle, t.options()...)); err != nil {
			return err
		}
	}
	return nil
}

func (t *tailer) add(conn *nsq.Conn, err error) error {
	if err != nil {
		return err
	}
	t.connsMu.Lock()
	t.conns = append(t.conns, conn)
	t.connsMu.Unlock()
	return nil
}

// mergeResolvers asks every lookupd and returns the union of their producers.
func mergeResolvers(resolvers []nsq.EndpointResolver) nsq.EndpointResolver {
	return func(ctx context.Context) ([]nsq.Endpoint, error) {
		seen := make(map[nsq.Endpoint]struct{})
		var endpoints []nsq.Endpoint
		var errs []error

		for _, resolve := range resolvers {
			found, err := resolve(ctx)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, ep := range found {
				if _, ok := seen[ep]; !ok {
					seen[ep] = struct{}{}
					endpoints = append(endpoints, ep)
				}
			}
		}

		if len(endpoints) == 0 {
			return nil, errors.Join(errs...)
		}
		return endpoints, nil
	}
}

// ready reports whether any connection is subscribed.
func (t *tailer) ready() bool {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	for _, c := range t.conns {
		if c.State() == nsq.StateReady {
			return true
		}
	}
	return false
}

func (t *tailer) router() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !t.ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("OK"))
	})
	return r
}

// run blocks until ctx ends, the message limit is reached or every connection is disposed.
func (t *tailer) run(ctx context.Context) error {
	if t.cfg.Metrics.Listen != "" {
		server := &http.Server{
			Addr:              t.cfg.Metrics.Listen,
			Handler:           t.router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	if err := t.connect(); err != nil {
		t.close()
		return err
	}
	t.logger.Info("tailing", slog.String("topic", t.cfg.Topic), slog.String("channel", t.cfg.Channel))

	var err error
	select {
	case <-ctx.Done():
	case <-t.limit:
	case <-t.allDone():
		err = t.firstError()
	}

	t.close()
	return err
}

func (t *tailer) allDone() <-chan struct{} {
	t.connsMu.Lock()
	conns := append([]*nsq.Conn(nil), t.conns...)
	t.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, c := range conns {
			<-c.Done()
		}
		close(done)
	}()
	return done
}

func (t *tailer) firstError() error {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	for _, c := range t.conns {
		if err := c.Err(); err != nil {
			return err
		}
	}
	return nil
}

// close disposes every connection and waits briefly for running handlers.
func (t *tailer) close() {
	t.connsMu.Lock()
	conns := t.conns
	t.connsMu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range conns {
		if err := c.Drain(ctx); err != nil {
			t.logger.Warn("handlers still running", slog.Any("error", err))
			return
		}
	}
}
