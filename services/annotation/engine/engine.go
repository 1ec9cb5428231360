// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/events"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/spatial"
)

// Config holds the tunables of the edit algorithms.
type Config struct {
	// DefaultRadius is the radius given to new annotations.
	DefaultRadius float64

	// SplitAnchorDistance is the maximum displacement of the node
	// created by SplitAnchor, in microns.
	SplitAnchorDistance float64

	// MergeThresholdSquared is the largest squared distance at which two
	// annotations are merge candidates.
	MergeThresholdSquared float64

	// PathEndpointTolerance is how far an anchored path's first and last
	// points may lie from its endpoint annotations.
	PathEndpointTolerance float64

	// NeuronNamePrefix names neurons created without an explicit name.
	NeuronNamePrefix string

	// LockRetries bounds how often an edit re-resolves annotations whose
	// neuron changed while it waited for the lock.
	LockRetries int
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		DefaultRadius:         1.0,
		SplitAnchorDistance:   60.0,
		MergeThresholdSquared: 250.0,
		PathEndpointTolerance: 5.0,
		NeuronNamePrefix:      "Neuron",
		LockRetries:           3,
	}
}

// Persister receives every successful mutation before it is committed.
// A returned error aborts the commit and the in-memory tree is unchanged.
type Persister interface {
	SaveNeuron(ctx context.Context, state *model.NeuronState) error
	DeleteNeuron(ctx context.Context, id model.NeuronID) error
}

// Engine performs structural edits on workspaces.
//
// Description:
//
//	Every mutating operation follows the same path: resolve the neurons
//	involved, take their edit locks in ascending ID order, run the
//	ownership gate, validate preconditions and mutate a working copy,
//	hand the result to the Persister, then swap the working copies into
//	the forest. The spatial index update and the change records are
//	applied inside the same commit, so no reader sees a tree without its
//	index or records without their tree.
//
// Thread Safety:
//
//	Engine is stateless apart from its configuration and safe for
//	concurrent use. Edits on different neurons run in parallel; edits on
//	the same neuron are serialized.
type Engine struct {
	cfg       Config
	persister Persister
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithPersister sets the persistence collaborator.
func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persister = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an engine. Zero-valued config fields take their defaults.
func New(cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.DefaultRadius <= 0 {
		cfg.DefaultRadius = def.DefaultRadius
	}
	if cfg.SplitAnchorDistance <= 0 {
		cfg.SplitAnchorDistance = def.SplitAnchorDistance
	}
	if cfg.MergeThresholdSquared <= 0 {
		cfg.MergeThresholdSquared = def.MergeThresholdSquared
	}
	if cfg.PathEndpointTolerance <= 0 {
		cfg.PathEndpointTolerance = def.PathEndpointTolerance
	}
	if cfg.NeuronNamePrefix == "" {
		cfg.NeuronNamePrefix = def.NeuronNamePrefix
	}
	if cfg.LockRetries <= 0 {
		cfg.LockRetries = def.LockRetries
	}
	e := &Engine{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "edit_engine"))
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// =============================================================================
// Edit lifecycle
// =============================================================================

// scope lists what an edit touches.
type scope struct {
	annotations []model.AnnotationID
	neurons     []model.NeuronID

	// fresh are neuron IDs allocated by the edit itself. They are locked
	// but not resolved or gated.
	fresh []model.NeuronID

	ungated   bool
	noPersist bool
	origin    events.Origin

	// bulk, when set, receives the edit's records instead of the bus.
	bulk *events.Bulk
}

// edit is one in-flight operation holding its neurons' edit locks.
type edit struct {
	e      *Engine
	ws     *Workspace
	op     string
	ctx    context.Context
	span   trace.Span
	start  time.Time
	unlock func()

	tx      *model.Txn
	owners  []model.NeuronID
	events  []events.ChangeEvent
	persist bool
	origin  events.Origin
	bulk    *events.Bulk
}

// begin resolves, locks and gates the neurons of an edit.
func (e *Engine) begin(ctx context.Context, ws *Workspace, op string, sc scope) (*edit, error) {
	ctx, span := startEditSpan(ctx, op, ws.ID.String())
	ed := &edit{
		e:       e,
		ws:      ws,
		op:      op,
		ctx:     ctx,
		span:    span,
		start:   time.Now(),
		persist: !sc.noPersist,
		origin:  sc.origin,
		bulk:    sc.bulk,
	}
	if err := ctx.Err(); err != nil {
		return nil, ed.fail(fmt.Errorf("%w: %w", ErrCancelled, err))
	}
	if !sc.ungated && ws.ReadOnly.Load() {
		return nil, ed.fail(ErrReadOnly)
	}

	var resolved []model.NeuronID
	for attempt := 0; ; attempt++ {
		owners, err := resolve(ws.Forest, sc.annotations)
		if err != nil {
			return nil, ed.fail(err)
		}
		ids := append(append(append([]model.NeuronID(nil), owners...), sc.neurons...), sc.fresh...)
		unlock := ws.Forest.LockNeurons(ids...)
		if stillOwned(ws.Forest, sc.annotations, owners) {
			ed.unlock = unlock
			resolved = owners
			break
		}
		unlock()
		if attempt+1 >= e.cfg.LockRetries {
			return nil, ed.fail(ErrConcurrentEdit)
		}
	}

	seen := make(map[model.NeuronID]bool)
	for _, nid := range append(resolved, sc.neurons...) {
		if seen[nid] {
			continue
		}
		seen[nid] = true
		s, ok := ws.Forest.Neuron(nid)
		if !ok {
			return nil, ed.fail(neuronNotFound(nid))
		}
		if !sc.ungated && !ws.Owners.CheckOwnership(s.Owner) {
			return nil, ed.fail(fmt.Errorf("%w: neuron %d is owned by %s", ErrNotOwner, nid, s.Owner))
		}
		ed.owners = append(ed.owners, nid)
	}
	ed.tx = ws.Forest.Begin()
	return ed, nil
}

func resolve(f *model.Forest, anns []model.AnnotationID) ([]model.NeuronID, error) {
	out := make([]model.NeuronID, len(anns))
	for i, id := range anns {
		s, ok := f.NeuronOf(id)
		if !ok {
			return nil, annotationNotFound(id)
		}
		out[i] = s.ID
	}
	return out, nil
}

func stillOwned(f *model.Forest, anns []model.AnnotationID, owners []model.NeuronID) bool {
	for i, id := range anns {
		s, ok := f.NeuronOf(id)
		if !ok || s.ID != owners[i] {
			return false
		}
	}
	return true
}

// neuron returns the working copy of a neuron locked by begin.
func (ed *edit) neuron(id model.NeuronID) *model.NeuronState {
	w, _ := ed.tx.Neuron(id)
	return w
}

// annotation returns the working copy of an annotation and its neuron.
func (ed *edit) annotation(id model.AnnotationID) (*model.Annotation, *model.NeuronState, error) {
	s, ok := ed.ws.Forest.NeuronOf(id)
	if !ok {
		return nil, nil, annotationNotFound(id)
	}
	w, ok := ed.tx.Neuron(s.ID)
	if !ok {
		return nil, nil, annotationNotFound(id)
	}
	a, ok := w.Annotations[id]
	if !ok {
		return nil, nil, annotationNotFound(id)
	}
	return a, w, nil
}

// emit appends change records in the order listeners must see them.
func (ed *edit) emit(evs ...events.ChangeEvent) {
	ed.events = append(ed.events, evs...)
}

// fail releases the edit and returns err.
func (ed *edit) fail(err error) error {
	if ed.unlock != nil {
		ed.unlock()
		ed.unlock = nil
	}
	ed.finish(0, err)
	ed.e.logger.Debug("edit refused",
		slog.String("op", ed.op),
		slog.String("error", err.Error()),
	)
	return err
}

// abandon releases an edit that turned out to change nothing.
func (ed *edit) abandon() {
	ed.unlock()
	ed.unlock = nil
	ed.finish(0, nil)
}

func (ed *edit) finish(neurons int, err error) {
	emitted := 0
	if err == nil {
		emitted = len(ed.events)
	}
	setEditSpanResult(ed.span, neurons, emitted, err)
	ed.span.End()
	recordEditMetrics(ed.ctx, ed.op, time.Since(ed.start), neurons, emitted, err)
}

// commit persists and publishes the working copies.
//
// Description:
//
//	Cancellation is honoured up to this point; once the Persister has
//	accepted the change the commit is applied regardless. The forest
//	swap, spatial index update and bus enqueue happen under the forest
//	write lock.
func (ed *edit) commit() error {
	if err := ed.ctx.Err(); err != nil {
		return ed.fail(fmt.Errorf("%w: %w", ErrCancelled, err))
	}
	changes := ed.tx.Changes()
	if ed.persist && ed.e.persister != nil {
		for _, c := range changes {
			var err error
			if c.After == nil {
				err = ed.e.persister.DeleteNeuron(ed.ctx, c.Neuron)
			} else {
				err = ed.e.persister.SaveNeuron(ed.ctx, c.After)
			}
			if err != nil {
				ed.e.logger.Warn("persistence rejected edit",
					slog.String("op", ed.op),
					slog.Int64("neuron_id", int64(c.Neuron)),
					slog.String("error", err.Error()),
				)
				return ed.fail(fmt.Errorf("%w: neuron %d: %w", ErrPersistence, c.Neuron, err))
			}
		}
	}

	ws := ed.ws
	evs := ed.events
	origin := ed.origin
	bulk := ed.bulk
	ws.Forest.Commit(ed.tx, func(changes []model.Change) {
		removed, upserts := indexDiff(changes)
		ws.Index.Apply(removed, upserts)
		if bulk != nil {
			bulk.PublishFrom(origin, evs...)
		} else {
			ws.Bus.PublishFrom(origin, evs...)
		}
	})
	ed.unlock()
	ed.unlock = nil
	ed.finish(len(changes), nil)
	ed.e.logger.Debug("edit committed",
		slog.String("op", ed.op),
		slog.Int("neurons", len(changes)),
		slog.Int("events", len(evs)),
	)
	return nil
}

// indexDiff computes the spatial index update for a commit.
func indexDiff(changes []model.Change) ([]model.AnnotationID, []spatial.Entry) {
	var removed []model.AnnotationID
	var upserts []spatial.Entry
	for _, c := range changes {
		if c.Before != nil {
			for id := range c.Before.Annotations {
				if c.After == nil || c.After.Annotations[id] == nil {
					removed = append(removed, id)
				}
			}
		}
		if c.After == nil {
			continue
		}
		for id, a := range c.After.Annotations {
			var old *model.Annotation
			if c.Before != nil {
				old = c.Before.Annotations[id]
			}
			if old == nil || old.Pos != a.Pos {
				upserts = append(upserts, spatial.Entry{ID: id, NeuronID: c.After.ID, Pos: a.Pos})
			}
		}
	}
	return removed, upserts
}

// snap copies a working annotation for a change record.
func snap(a *model.Annotation) model.Annotation {
	return *a.Copy()
}
