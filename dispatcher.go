package nsq

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// dispatcher runs every message on its own goroutine so the read loop never
// waits on application code. Handler invocations are unordered.
type dispatcher struct {
	ctx          context.Context
	handler      Handler
	interceptors []ConsumerInterceptor
	logger       Logger
	metrics      *ConnMetrics

	wg     sync.WaitGroup
	active atomic.Int64
}

func newDispatcher(handler Handler, middleware []Middleware, interceptors []ConsumerInterceptor, logger Logger, metrics *ConnMetrics) *dispatcher {
	return &dispatcher{
		// Handlers outlive Close, so they never see the connection context.
		ctx:          context.Background(),
		handler:      Chain(middleware...)(handler),
		interceptors: interceptors,
		logger:       logger,
		metrics:      metrics,
	}
}

// dispatch schedules msg and returns immediately.
func (d *dispatcher) dispatch(msg *Message) {
	d.metrics.MessageReceived()
	d.wg.Add(1)
	d.active.Add(1)
	go d.run(msg)
}

func (d *dispatcher) run(msg *Message) {
	defer d.wg.Done()
	defer d.active.Add(-1)

	msg = applyConsumerInterceptors(d.logger, d.interceptors, msg)
	if msg == nil {
		return
	}

	start := time.Now()
	panicked, err := d.invoke(msg)
	elapsed := time.Since(start)
	d.metrics.HandlerDone(elapsed, err, panicked)

	if err != nil && !panicked {
		d.logger.Warn("message handler failed", LogFields{
			LogFieldMessageID: msg.ID.String(),
			LogFieldDuration:  elapsed,
			LogFieldError:     err,
		})
	}
}

func (d *dispatcher) invoke(msg *Message) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("handler panic: %v", r)
			d.logger.Error("message handler panic", LogFields{
				LogFieldMessageID: msg.ID.String(),
				LogFieldError:     err,
				"stack":           string(debug.Stack()),
			})
		}
	}()
	return false, d.handler(d.ctx, msg)
}

// wait blocks until all dispatched handlers have returned or ctx ends.
func (d *dispatcher) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
