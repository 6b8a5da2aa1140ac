// Package reporter accepts captured records into the durable queue and
// flushes them to the collector in batches, gated on connectivity and
// power.
//
// Data flow:
//
//	producer → Submit → mapper → queue → debounce timer → flush worker → transport
//
// A flush removes exactly the beacons of its batch from the queue when
// the collector answers 2xx. Every other outcome leaves the queue
// untouched; the beacons go out with the next flush, which is
// triggered by a later Submit, a connectivity change or, when enabled,
// the retry policy.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"beacon/internal/clock"
	"beacon/internal/config"
	"beacon/internal/metrics"
	"beacon/internal/model"
	"beacon/internal/netstatus"
	"beacon/internal/queue"
)

// Transport sends a batch request and returns the response status. It
// owns its own timeout; a timeout is reported as an error.
type Transport interface {
	Send(req *http.Request) (int, error)
}

// Mapper converts a record into its wire form.
type Mapper interface {
	Map(record model.Record) (model.WireBeacon, error)
}

// Result is the outcome of one flush attempt.
type Result struct {
	// Beacons are the beacons that were part of the attempt. Empty
	// when the attempt stopped at the gate or the queue was empty.
	Beacons []model.WireBeacon
	// Err is nil on success.
	Err error
}

// Success reports whether the attempt succeeded.
func (r Result) Success() bool {
	return r.Err == nil
}

// Options carries the optional collaborators of a Reporter.
type Options struct {
	// Connectivity defaults to a sensor that always reports
	// ConnectionOther.
	Connectivity netstatus.ConnectivitySensor
	// Power defaults to netstatus.AlwaysSafe.
	Power   netstatus.PowerSensor
	Clock   clock.Clock
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
	// Completion is called from the flush worker after every attempt.
	Completion func(Result)
}

// waiter receives the result of the first attempt numbered at least
// from.
type waiter struct {
	from uint64
	ch   chan Result
}

// Reporter owns the flush worker of one queue.
type Reporter struct {
	cfg          config.Config
	queue        *queue.Queue
	mapper       Mapper
	transport    Transport
	connectivity netstatus.ConnectivitySensor
	power        netstatus.PowerSensor
	clock        clock.Clock
	logger       *zap.SugaredLogger
	metrics      *metrics.Metrics
	compressor   compressFunc

	// retry is only touched by the worker goroutine.
	retry backoff.BackOff

	mu         sync.Mutex
	timer      clock.Timer
	retryTimer clock.Timer
	completion func(Result)
	attempts   uint64
	waiters    []waiter
	closed     bool

	unsubscribe func()
	trigger     chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a Reporter and starts its flush worker. Call Close to
// stop it.
func New(cfg config.Config, q *queue.Queue, mapper Mapper, transport Transport, opts Options) *Reporter {
	if opts.Connectivity == nil {
		opts.Connectivity = netstatus.NewStatic(netstatus.ConnectionOther)
	}
	if opts.Power == nil {
		opts.Power = netstatus.AlwaysSafe
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reporter{
		cfg:          cfg,
		queue:        q,
		mapper:       mapper,
		transport:    transport,
		connectivity: opts.Connectivity,
		power:        opts.Power,
		clock:        opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		retry:        newRetryPolicy(cfg.Retry, opts.Clock),
		completion:   opts.Completion,
		trigger:      make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	r.metrics.QueueLength(q.Len())

	r.unsubscribe = r.connectivity.Subscribe(func(c netstatus.ConnectionType) {
		if c == netstatus.ConnectionNone {
			return
		}
		r.logger.Debugf("Connection changed to %s, flushing queue", c)
		r.FlushQueue()
	})

	go r.run()
	return r
}

func newRetryPolicy(cfg config.RetryConfig, clk clock.Clock) backoff.BackOff {
	if !cfg.Enabled {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	b.MaxElapsedTime = cfg.MaxElapsedTime
	b.Clock = clk
	b.Reset()
	return b
}

// SetCompletion replaces the completion callback.
func (r *Reporter) SetCompletion(fn func(Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completion = fn
}

// Submit maps record, queues it and re-arms the flush timer. It never
// waits for the network. A record that cannot be mapped is dropped and
// reported with CodeMappingFailure; it would fail the same way on
// every retry.
func (r *Reporter) Submit(record model.Record) error {
	wire, err := r.mapper.Map(record)
	if err != nil {
		r.metrics.Dropped()
		r.logger.Warnf("Dropping beacon: %v", err)
		return newError(CodeMappingFailure, "failed to map beacon", err)
	}

	if err := r.queue.Add(wire); err != nil {
		r.logger.Errorf("Failed to queue beacon %s: %v", wire.ID, err)
		return err
	}
	r.metrics.Submitted()
	r.metrics.QueueLength(r.queue.Len())

	r.scheduleFlush()
	return nil
}

// scheduleFlush cancels any pending flush and schedules a new one after
// the transmission delay matching the current power state. A zero
// delay triggers the flush right away.
func (r *Reporter) scheduleFlush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	delay := r.delayFor()
	if delay == 0 {
		r.FlushQueue()
		return
	}
	r.logger.Debugf("Scheduling flush in %s", delay)
	r.timer = r.clock.AfterFunc(delay, r.FlushQueue)
}

// scheduleRetry arms the retry timer with the next backoff interval,
// unless the policy is exhausted or disabled.
func (r *Reporter) scheduleRetry() {
	next := r.retry.NextBackOff()
	if next == backoff.Stop {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.retryTimer != nil {
		r.retryTimer.Stop()
	}
	r.logger.Debugf("Retrying flush in %s", next)
	r.retryTimer = r.clock.AfterFunc(next, r.FlushQueue)
}

// FlushQueue requests a flush without waiting for it. Requests made
// while a flush is running are coalesced into one follow-up flush, so
// two batches are never in flight at once.
func (r *Reporter) FlushQueue() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// FlushAndWait requests a flush and waits for the first attempt that
// starts after the call. Its snapshot therefore includes every beacon
// submitted before FlushAndWait was called.
func (r *Reporter) FlushAndWait(ctx context.Context) (Result, error) {
	ch := make(chan Result, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Result{}, ErrClosed
	}
	r.waiters = append(r.waiters, waiter{from: r.attempts + 1, ch: ch})
	r.mu.Unlock()

	r.FlushQueue()
	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-r.done:
		return Result{}, ErrClosed
	}
}

// Close stops the timers and the flush worker, canceling an in-flight
// request. The queue is left open and intact.
func (r *Reporter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.retryTimer != nil {
		r.retryTimer.Stop()
	}
	r.mu.Unlock()

	r.unsubscribe()
	r.cancel()
	<-r.done
	return nil
}

func (r *Reporter) run() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.trigger:
			r.flush(r.ctx)
		}
	}
}

// flush performs one attempt: gate, snapshot, build, send, complete.
// Only the worker goroutine calls it.
func (r *Reporter) flush(ctx context.Context) {
	r.mu.Lock()
	r.attempts++
	attempt := r.attempts
	r.mu.Unlock()

	complete := func(beacons []model.WireBeacon, err error) {
		r.complete(attempt, beacons, err)
	}

	if err := r.checkGate(); err != nil {
		complete(nil, err)
		return
	}

	beacons := r.queue.Items()
	if len(beacons) == 0 {
		complete(nil, nil)
		return
	}
	r.logger.Debugf("Flushing %d beacons to %s", len(beacons), r.cfg.ReportingURL)

	req, err := r.newBatchRequest(ctx, beacons)
	if err != nil {
		complete(beacons, err)
		return
	}

	status, err := r.transport.Send(req)
	switch {
	case err != nil:
		complete(beacons, newError(CodeTransportFailure, "failed to send beacon batch", err))
	case status >= 200 && status <= 299:
		complete(beacons, nil)
	default:
		complete(beacons, newError(CodeInvalidResponse, fmt.Sprintf("invalid response status code: %d", status), nil))
	}
}

// checkGate evaluates the connectivity and power policy at flush time.
func (r *Reporter) checkGate() error {
	connection := r.connectivity.ConnectionType()
	if connection == netstatus.ConnectionNone {
		return newError(CodeOffline, "no connection available", nil)
	}
	if r.cfg.Suspends(config.SuspendOnCellular) && connection == netstatus.ConnectionCellular {
		return newError(CodeSuspendedByPolicy, "reporting suspended on cellular connection", nil)
	}
	if r.cfg.Suspends(config.SuspendOnLowBattery) && !r.power.SafeForNetworking() {
		return newError(CodeSuspendedByPolicy, "reporting suspended on low battery", nil)
	}
	return nil
}

// complete is the single exit of every flush attempt. It removes the
// batch from the queue on success only and always notifies the
// completion callback and waiters.
func (r *Reporter) complete(attempt uint64, beacons []model.WireBeacon, err error) {
	if err == nil {
		if removeErr := r.queue.Remove(beacons); removeErr != nil {
			err = fmt.Errorf("batch sent but not removed from queue: %w", removeErr)
			r.logger.Errorf("Failed to remove %d sent beacons: %v", len(beacons), removeErr)
		} else if len(beacons) > 0 {
			r.logger.Infof("Sent %d beacons", len(beacons))
		}
		r.retry.Reset()
	} else {
		r.logger.Warnf("Failed to send beacon batch: %v", err)
		if isResendable(err) {
			r.scheduleRetry()
		}
	}

	r.metrics.Flushed(outcome(err), len(beacons))
	r.metrics.QueueLength(r.queue.Len())

	result := Result{Beacons: beacons, Err: err}
	r.mu.Lock()
	completion := r.completion
	var ready []waiter
	pending := r.waiters[:0]
	for _, w := range r.waiters {
		if w.from <= attempt {
			ready = append(ready, w)
		} else {
			pending = append(pending, w)
		}
	}
	r.waiters = pending
	r.mu.Unlock()

	if completion != nil {
		completion(result)
	}
	for _, w := range ready {
		w.ch <- result
	}
}

// isResendable reports whether the retry policy applies to err. Gate
// failures wait for the next trigger instead.
func isResendable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrInvalidResponse)
}

// delayFor returns the transmission delay for the current power state.
func (r *Reporter) delayFor() time.Duration {
	if r.power.SafeForNetworking() {
		return r.cfg.TransmissionDelay
	}
	return r.cfg.TransmissionLowBatteryDelay
}
