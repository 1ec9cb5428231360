// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusClosed is returned by Flush once the bus has been closed and drained.
var ErrBusClosed = errors.New("change bus is closed")

// Handler processes one delivered record.
type Handler func(env *Envelope)

// Filter decides whether a subscription receives a record.
type Filter func(env *Envelope) bool

// Listener is implemented by anything that consumes change records.
type Listener interface {
	HandleChange(env *Envelope)
}

// Subscription represents a registered handler.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Handler processes matching records.
	Handler Handler

	// Filter determines which records to handle (nil = all records).
	Filter Filter

	// Kinds limits which variants to handle (nil = all kinds).
	Kinds []Kind
}

// Bus delivers change records to subscribers in emission order.
//
// Description:
//
//	Publish appends records to a FIFO queue and returns immediately. A
//	single dispatcher goroutine drains the queue and invokes every matching
//	subscription in registration order, so each record reaches each
//	listener exactly once and records are never reordered. A panicking
//	handler is recovered and logged; delivery continues with the next one.
//
//	The queue is not capped. Publish runs inside the forest commit, so
//	blocking there would stall listeners that read the forest, and
//	dropping would lose committed changes. A warning is logged instead
//	once the depth passes the high-water mark.
//
// Thread Safety: Bus is safe for concurrent use.
type Bus struct {
	mu   sync.Mutex
	cond *sync.Cond

	subs  map[string]*Subscription
	order []string

	queue     []*Envelope
	highWater int
	backlog   bool
	seq       uint64
	batch     uint64
	delivered uint64

	bulkOpen int

	history     []Envelope
	historySize int

	closed bool
	done   chan struct{}
	logger *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithHistorySize sets how many delivered records are retained.
func WithHistorySize(size int) BusOption {
	return func(b *Bus) {
		b.historySize = size
	}
}

// WithHighWater sets the queue depth above which a backlog warning is
// logged. Zero disables the warning.
func WithHighWater(depth int) BusOption {
	return func(b *Bus) {
		b.highWater = depth
	}
}

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates a bus and starts its dispatcher.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:        make(map[string]*Subscription),
		historySize: 256,
		highWater:   4096,
		done:        make(chan struct{}),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(slog.String("component", "change_bus"))
	b.cond = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// Subscribe registers a handler for records.
//
// Inputs:
//
//	handler - Function to call for each record.
//	kinds - Variants to subscribe to (none = all variants).
//
// Outputs:
//
//	string - Subscription ID for unsubscribing.
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) string {
	return b.SubscribeWithFilter(handler, nil, kinds...)
}

// SubscribeListener registers a Listener for every record.
func (b *Bus) SubscribeListener(l Listener, kinds ...Kind) string {
	return b.SubscribeWithFilter(l.HandleChange, nil, kinds...)
}

// SubscribeWithFilter registers a handler with a custom filter.
func (b *Bus) SubscribeWithFilter(handler Handler, filter Filter, kinds ...Kind) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Filter:  filter,
		Kinds:   kinds,
	}
	b.subs[sub.ID] = sub
	b.order = append(b.order, sub.ID)
	return sub.ID
}

// Unsubscribe removes a subscription. It reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	for i, sid := range b.order {
		if sid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Publish enqueues the records of one logical edit. Records keep their
// relative order and are never interleaved with another Publish call.
func (b *Bus) Publish(changes ...ChangeEvent) {
	b.PublishFrom(OriginLocal, changes...)
}

// PublishFrom is Publish with an explicit origin.
func (b *Bus) PublishFrom(origin Origin, changes ...ChangeEvent) {
	b.publish(origin, nil, changes)
}

// publish enqueues changes. When scope is non-nil its per-node records are
// counted on the scope and dropped.
func (b *Bus) publish(origin Origin, scope *Bulk, changes []ChangeEvent) {
	if len(changes) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.batch++
	now := time.Now()
	for _, c := range changes {
		if scope != nil && c.Kind().PerNode() {
			scope.suppressed++
			continue
		}
		b.seq++
		b.queue = append(b.queue, &Envelope{
			Seq:       b.seq,
			Batch:     b.batch,
			Origin:    origin,
			Timestamp: now,
			Change:    c,
		})
	}
	if b.highWater > 0 && !b.backlog && len(b.queue) > b.highWater {
		b.backlog = true
		b.logger.Warn("change queue above high-water mark",
			slog.Int("depth", len(b.queue)),
			slog.Int("high_water", b.highWater),
		)
	}
	b.cond.Broadcast()
}

// Bulk is an open bulk scope owned by one operation.
//
// Description:
//
//	Records published through the scope have their per-node variants
//	dropped; the operation announces its result with the final records
//	passed to End. Records published on the bus directly, including those
//	of concurrent edits on other neurons, are delivered as usual.
//
// Thread Safety: a Bulk is used by the goroutine that opened it.
type Bulk struct {
	bus        *Bus
	suppressed int
	ended      bool
}

// BeginBulk opens a bulk scope.
func (b *Bus) BeginBulk() *Bulk {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bulkOpen++
	return &Bulk{bus: b}
}

// PublishFrom enqueues the non per-node records of changes.
func (s *Bulk) PublishFrom(origin Origin, changes ...ChangeEvent) {
	s.bus.publish(origin, s, changes)
}

// End closes the scope, publishes the final records and returns the number
// of suppressed records. Calling End again does nothing.
func (s *Bulk) End(final ...ChangeEvent) int {
	if s.ended {
		return 0
	}
	s.ended = true
	b := s.bus
	b.mu.Lock()
	b.bulkOpen--
	n := s.suppressed
	b.mu.Unlock()

	b.Publish(final...)
	return n
}

// InBulk reports whether any bulk scope is open.
func (b *Bus) InBulk() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bulkOpen > 0
}

// Flush blocks until every record published before the call has been
// delivered, or ctx is done.
func (b *Bus) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	target := b.seq

	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	for b.delivered < target {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.closed && len(b.queue) == 0 {
			return ErrBusClosed
		}
		b.cond.Wait()
	}
	return nil
}

// Close stops accepting records, delivers what is queued, and waits for
// the dispatcher to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.cond.Broadcast()
	}
	b.mu.Unlock()
	<-b.done
}

// dispatch is the single delivery goroutine.
func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.cond.Broadcast()
			b.mu.Unlock()
			return
		}
		env := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		if b.backlog && len(b.queue) <= b.highWater/2 {
			b.backlog = false
			b.logger.Info("change queue drained", slog.Int("depth", len(b.queue)))
		}
		subs := make([]*Subscription, 0, len(b.order))
		for _, id := range b.order {
			subs = append(subs, b.subs[id])
		}
		b.mu.Unlock()

		for _, sub := range subs {
			if shouldHandle(sub, env) {
				b.safeInvokeHandler(sub, env)
			}
		}

		b.mu.Lock()
		b.delivered = env.Seq
		if b.historySize > 0 {
			if len(b.history) >= b.historySize {
				b.history = b.history[1:]
			}
			b.history = append(b.history, *env)
		}
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}

// safeInvokeHandler invokes a handler with panic recovery so one failing
// listener cannot starve the others.
func (b *Bus) safeInvokeHandler(sub *Subscription, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("change handler panicked",
				slog.String("subscription", sub.ID),
				slog.String("kind", env.Change.Kind().String()),
				slog.Uint64("seq", env.Seq),
				slog.Any("panic", r),
			)
		}
	}()
	sub.Handler(env)
}

func shouldHandle(sub *Subscription, env *Envelope) bool {
	if len(sub.Kinds) > 0 {
		match := false
		for _, k := range sub.Kinds {
			if k == env.Change.Kind() {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if sub.Filter != nil && !sub.Filter(env) {
		return false
	}
	return true
}

// History returns a copy of the most recently delivered records.
func (b *Bus) History() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Envelope, len(b.history))
	copy(out, b.history)
	return out
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// QueueLen returns the number of records waiting for delivery.
func (b *Bus) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Published returns the sequence number of the last enqueued record.
func (b *Bus) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
