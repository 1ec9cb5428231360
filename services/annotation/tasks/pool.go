// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Pool runs background tasks on a bounded number of workers.
//
// Description:
//
//	Submitted tasks wait in a bounded queue; a dispatcher hands them to
//	an errgroup limited to Config.Workers. Each task runs under its own
//	context, which ends when the task is cancelled through its Handle,
//	exceeds its timeout, loses its parent context, or the pool closes.
//	Every outcome is published on Results and returned by Handle.Wait.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Pool struct {
	cfg      Config
	logger   *slog.Logger
	reporter Reporter

	queue   chan *Handle
	results chan Result
	group   errgroup.Group

	base     context.Context
	shutdown context.CancelCauseFunc

	mu       sync.RWMutex
	closed   bool
	inFlight atomic.Int64

	dispatchDone chan struct{}
	closeOnce    sync.Once
}

// Option configures a Pool.
type Option func(*Pool)

// WithReporter sets the collaborator told about failed tasks.
func WithReporter(r Reporter) Option {
	return func(p *Pool) { p.reporter = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool and starts its dispatcher.
//
// Inputs:
//   - cfg: Pool configuration. Zero values use defaults.
//   - opts: Optional reporter and logger.
//
// Outputs:
//   - *Pool: The running pool. Close it when done.
//   - error: Non-nil if the configuration is invalid.
func NewPool(cfg Config, opts ...Option) (*Pool, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, shutdown := context.WithCancelCause(context.Background())
	p := &Pool{
		cfg:          cfg,
		logger:       slog.Default(),
		queue:        make(chan *Handle, cfg.QueueSize),
		results:      make(chan Result, cfg.QueueSize),
		base:         base,
		shutdown:     shutdown,
		dispatchDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "task_pool"))
	p.group.SetLimit(cfg.Workers)
	go p.dispatch()
	return p, nil
}

// SubmitOption configures one submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the pool's default timeout for one task. Zero
// disables the timeout.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

// Submit queues fn to run under a context derived from ctx.
//
// Description:
//
//	Submit blocks while the queue is full, until ctx ends. The task's
//	context is created immediately, so a timeout also covers time spent
//	waiting in the queue.
//
// Outputs:
//   - *Handle: Handle to cancel or wait for the task.
//   - error: ErrPoolClosed after Close; ErrQueueFull (wrapping the
//     context error) when ctx ended while waiting for room.
func (p *Pool) Submit(ctx context.Context, name string, fn Func, opts ...SubmitOption) (*Handle, error) {
	o := submitOptions{timeout: p.cfg.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	h := newHandle(ctx, name, fn, o.timeout)
	stop := context.AfterFunc(p.base, func() {
		h.cancel(&CancelledError{Reason: CancelReason{Type: CancelShutdown}})
	})
	h.stopShutdown = stop

	select {
	case p.queue <- h:
	case <-ctx.Done():
		h.release()
		return nil, fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
	case <-p.base.Done():
		h.release()
		return nil, ErrPoolClosed
	}
	tasksSubmitted.WithLabelValues(name).Inc()
	return h, nil
}

// Go is Submit for callers that only consume Results.
func (p *Pool) Go(ctx context.Context, name string, fn Func, opts ...SubmitOption) error {
	_, err := p.Submit(ctx, name, fn, opts...)
	return err
}

// Results delivers every task outcome in completion order. Results are
// dropped, and counted, when nobody drains the channel and its buffer is
// full. The channel is closed by Close.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// InFlight returns the number of running tasks.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Close cancels queued and running tasks with CancelShutdown, waits for
// them to finish and closes the result channel. It is safe to call more
// than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		// Cancel first so a Submit blocked on a full queue can return.
		p.shutdown(&CancelledError{Reason: CancelReason{Type: CancelShutdown}})

		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		<-p.dispatchDone
		_ = p.group.Wait()
		close(p.results)
		p.logger.Debug("task pool closed")
	})
}

func (p *Pool) dispatch() {
	defer close(p.dispatchDone)
	for h := range p.queue {
		p.group.Go(func() error {
			p.run(h)
			return nil
		})
	}
}

func (p *Pool) run(h *Handle) {
	defer h.release()
	if p.base.Err() != nil {
		h.cancel(&CancelledError{Reason: CancelReason{Type: CancelShutdown}})
	}

	res := Result{ID: h.id, Name: h.name, Started: time.Now()}
	if h.ctx.Err() != nil {
		res.Err = &CancelledError{Reason: reasonOf(h.ctx)}
	} else {
		p.inFlight.Add(1)
		tasksInFlight.Inc()
		res.Value, res.Err = safeCall(h.ctx, h.fn)
		tasksInFlight.Dec()
		p.inFlight.Add(-1)
		if res.Err != nil && h.ctx.Err() != nil {
			res.Err = &CancelledError{Reason: reasonOf(h.ctx)}
		}
	}
	res.Duration = time.Since(res.Started)

	taskDuration.WithLabelValues(h.name).Observe(res.Duration.Seconds())
	tasksFinished.WithLabelValues(h.name, outcomeOf(res)).Inc()

	switch {
	case res.Err == nil:
		p.logger.Debug("task finished",
			slog.String("task", h.name),
			slog.Duration("duration", res.Duration),
		)
	case res.Cancelled():
		p.logger.Debug("task cancelled",
			slog.String("task", h.name),
			slog.String("reason", res.Err.Error()),
		)
	default:
		p.logger.Warn("task failed",
			slog.String("task", h.name),
			slog.String("error", res.Err.Error()),
		)
		if p.reporter != nil {
			p.reporter.ReportError(h.name, res.Err)
		}
	}

	h.finish(res)
	select {
	case p.results <- res:
	default:
		resultsDropped.Inc()
		p.logger.Warn("task result dropped", slog.String("task", h.name))
	}
}

func safeCall(ctx context.Context, fn Func) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return fn(ctx)
}

// -----------------------------------------------------------------------------
// Handle
// -----------------------------------------------------------------------------

// Handle refers to one submitted task.
type Handle struct {
	id   uuid.UUID
	name string
	fn   Func

	ctx          context.Context
	cancel       context.CancelCauseFunc
	stopTimeout  context.CancelFunc
	stopShutdown func() bool

	done   chan struct{}
	result Result
}

func newHandle(parent context.Context, name string, fn Func, timeout time.Duration) *Handle {
	ctx, cancel := context.WithCancelCause(parent)
	h := &Handle{
		id:     uuid.New(),
		name:   name,
		fn:     fn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if timeout > 0 {
		ctx, h.stopTimeout = context.WithTimeoutCause(ctx, timeout, &CancelledError{
			Reason: CancelReason{Type: CancelTimeout, Message: fmt.Sprintf("timeout > %s", timeout)},
		})
	}
	h.ctx = ctx
	return h
}

// ID returns the task's unique ID.
func (h *Handle) ID() uuid.UUID { return h.id }

// Name returns the task name given to Submit.
func (h *Handle) Name() string { return h.name }

// Cancel asks the task to stop. It has no effect once the task finished.
func (h *Handle) Cancel() {
	h.cancel(&CancelledError{Reason: CancelReason{Type: CancelUser}})
}

// Done is closed when the task's result is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *Handle) finish(r Result) {
	h.result = r
	close(h.done)
}

func (h *Handle) release() {
	if h.stopShutdown != nil {
		h.stopShutdown()
	}
	if h.stopTimeout != nil {
		h.stopTimeout()
	}
	h.cancel(nil)
}
