// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package controller turns pointer and keyboard interaction into edits.
//
// Hover and drag preview are answered synchronously from the spatial
// index and never block. Everything that reaches the engine's persistence
// collaborator runs on a tasks.Pool; outcomes arrive on the pool's result
// channel and failures go to the pool's Reporter.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/engine"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/tasks"
)

// Config holds the interaction tunables.
type Config struct {
	// HoverK is how many nearest annotations a hover considers.
	HoverK int

	// HoverRadiusFactor scales an annotation's radius into its hover reach.
	HoverRadiusFactor float64

	// HoverPixelSlack is extra hover reach in screen pixels, so small
	// annotations stay reachable when zoomed out.
	HoverPixelSlack float64

	// MergeCandidateK is how many nearest annotations a drag considers
	// when looking for a merge partner.
	MergeCandidateK int

	// HoverRate and HoverBurst bound hover queries per second. A hover
	// over budget returns the previous result.
	HoverRate  float64
	HoverBurst int
}

// DefaultConfig returns the standard interaction tunables.
func DefaultConfig() Config {
	return Config{
		HoverK:            3,
		HoverRadiusFactor: 2.5,
		HoverPixelSlack:   10,
		MergeCandidateK:   20,
		HoverRate:         120,
		HoverBurst:        4,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	switch {
	case c.HoverK < 1:
		return fmt.Errorf("%w: hover k must be at least 1", ErrInvalidConfig)
	case c.MergeCandidateK < 1:
		return fmt.Errorf("%w: merge candidate k must be at least 1", ErrInvalidConfig)
	case c.HoverRadiusFactor < 0 || c.HoverPixelSlack < 0:
		return fmt.Errorf("%w: hover reach must not be negative", ErrInvalidConfig)
	case c.HoverRate <= 0 || c.HoverBurst < 1:
		return fmt.Errorf("%w: hover budget must be positive", ErrInvalidConfig)
	}
	return nil
}

// Selection keeps the next parent, the anchor new points attach to.
// *skeleton.Skeleton implements it.
type Selection interface {
	NextParent() (model.AnnotationID, bool)
	SetNextParent(id model.AnnotationID)
	SelectNeuron(st *model.NeuronState)
}

// Refiner adjusts a newly placed point, e.g. toward nearby image
// intensity. It may block and must honour ctx.
type Refiner interface {
	Refine(ctx context.Context, pos model.Vec3) (model.Vec3, error)
}

// RefinerFunc adapts a function to Refiner.
type RefinerFunc func(ctx context.Context, pos model.Vec3) (model.Vec3, error)

// Refine implements Refiner.
func (f RefinerFunc) Refine(ctx context.Context, pos model.Vec3) (model.Vec3, error) {
	return f(ctx, pos)
}

// Controller drives edits on one workspace.
//
// Description:
//
//	The controller holds interaction state (hover, drag, selected neuron)
//	and forwards edits to the engine. Edits that persist run as tasks on
//	the pool.
//
// Thread Safety:
//
//	Methods are meant to be called from one interactive goroutine but are
//	safe for concurrent use. Background tasks only touch the engine and
//	the Selection.
type Controller struct {
	cfg       Config
	eng       *engine.Engine
	ws        *engine.Workspace
	pool      *tasks.Pool
	sel       Selection
	confirmer Confirmer
	refiner   Refiner
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu     sync.Mutex
	hover  Hover
	drag   *dragState
	neuron model.NeuronID
	stats  HoverStats
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfirmer sets the collaborator asked before merges and
// multi-node deletes. Without one, merges proceed and deletes are
// refused.
func WithConfirmer(c Confirmer) Option {
	return func(ctl *Controller) { ctl.confirmer = c }
}

// WithRefiner sets the point refiner used by AppendVertex.
func WithRefiner(r Refiner) Option {
	return func(ctl *Controller) { ctl.refiner = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ctl *Controller) {
		if logger != nil {
			ctl.logger = logger
		}
	}
}

// New creates a controller for ws.
//
// Inputs:
//   - cfg: Interaction tunables. Validated.
//   - eng: The edit engine.
//   - ws: The workspace edited.
//   - pool: Pool the persisting edits run on.
//   - sel: Next-parent selection, usually the workspace's skeleton.
//
// Outputs:
//   - *Controller: Ready controller.
//   - error: ErrInvalidConfig, or a nil collaborator.
func New(cfg Config, eng *engine.Engine, ws *engine.Workspace, pool *tasks.Pool, sel Selection, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if eng == nil || ws == nil || pool == nil || sel == nil {
		return nil, fmt.Errorf("%w: engine, workspace, pool and selection are required", ErrInvalidConfig)
	}
	c := &Controller{
		cfg:     cfg,
		eng:     eng,
		ws:      ws,
		pool:    pool,
		sel:     sel,
		limiter: rate.NewLimiter(rate.Limit(cfg.HoverRate), cfg.HoverBurst),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "controller"), slog.String("workspace", ws.Name))
	return c, nil
}

// =============================================================================
// Selection and navigation
// =============================================================================

// SelectNeuron makes neuron the current neuron and moves the next parent
// into it.
func (c *Controller) SelectNeuron(neuron model.NeuronID) error {
	st, ok := c.ws.Forest.Neuron(neuron)
	if !ok {
		return &engine.NotFoundError{Kind: "neuron", ID: int64(neuron)}
	}
	c.mu.Lock()
	c.neuron = neuron
	c.mu.Unlock()
	c.sel.SelectNeuron(st)
	return nil
}

// SelectedNeuron returns the current neuron.
func (c *Controller) SelectedNeuron() (model.NeuronID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.neuron, c.neuron != model.NoNeuron
}

// SelectAnnotation makes id the next parent and its neuron current.
func (c *Controller) SelectAnnotation(id model.AnnotationID) error {
	_, st, ok := c.ws.Forest.Annotation(id)
	if !ok {
		return &engine.NotFoundError{Kind: "annotation", ID: int64(id)}
	}
	c.mu.Lock()
	c.neuron = st.ID
	c.mu.Unlock()
	c.sel.SetNextParent(id)
	return nil
}

// Navigate moves the next parent in direction dir and returns the new
// next parent.
func (c *Controller) Navigate(dir model.Direction) (model.AnnotationID, error) {
	cur, ok := c.sel.NextParent()
	if !ok {
		return model.NoAnnotation, ErrNoNextParent
	}
	_, st, ok := c.ws.Forest.Annotation(cur)
	if !ok {
		return model.NoAnnotation, &engine.NotFoundError{Kind: "annotation", ID: int64(cur)}
	}
	next, _ := st.Navigate(cur, dir)
	if next != cur {
		c.sel.SetNextParent(next)
	}
	return next, nil
}

// AppendVertex places a new annotation at pos as a task.
//
// Description:
//
//	With a next parent selected the annotation becomes its child;
//	otherwise it becomes a new root of the selected neuron. The point is
//	refined first when a Refiner is set. Once the change has been
//	delivered the new annotation becomes the next parent. The task's
//	result value is the new model.AnnotationID.
func (c *Controller) AppendVertex(ctx context.Context, pos model.Vec3) (*tasks.Handle, error) {
	parent, hasParent := c.sel.NextParent()
	neuron, hasNeuron := c.SelectedNeuron()
	if !hasParent && !hasNeuron {
		return nil, ErrNoNeuronSelected
	}
	return c.submit(ctx, "append_vertex", func(ctx context.Context) (any, error) {
		p := pos
		if c.refiner != nil {
			refined, err := c.refiner.Refine(ctx, pos)
			if err != nil {
				return nil, fmt.Errorf("refine point: %w", err)
			}
			p = refined
		}
		var id model.AnnotationID
		var err error
		if hasParent {
			id, err = c.eng.AddChild(ctx, c.ws, parent, p)
		} else {
			id, err = c.eng.AddRoot(ctx, c.ws, neuron, p)
		}
		if err != nil {
			return nil, err
		}
		c.selectWhenDelivered(ctx, id)
		return id, nil
	})
}

// selectWhenDelivered makes id the next parent once the bus has delivered
// the records that introduced it.
func (c *Controller) selectWhenDelivered(ctx context.Context, id model.AnnotationID) {
	if err := c.ws.Bus.Flush(ctx); err != nil {
		c.logger.Debug("next parent not updated",
			slog.Int64("annotation", int64(id)),
			slog.String("error", err.Error()),
		)
		return
	}
	c.sel.SetNextParent(id)
}
