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
	"math"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/events"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
)

// AddAnchoredPath stores a traced polyline between annotations a and b,
// replacing any existing path between them. The first and last points
// must lie within PathEndpointTolerance of the two endpoints, in either
// order.
func (e *Engine) AddAnchoredPath(ctx context.Context, ws *Workspace, a, b model.AnnotationID, points []model.Vec3) error {
	ed, err := e.begin(ctx, ws, "AddAnchoredPath", scope{annotations: []model.AnnotationID{a, b}})
	if err != nil {
		return err
	}
	aa, wa, err := ed.annotation(a)
	if err != nil {
		return ed.fail(err)
	}
	ab, wb, err := ed.annotation(b)
	if err != nil {
		return ed.fail(err)
	}
	if wa.ID != wb.ID || a == b {
		return ed.fail(fmt.Errorf("%w: %d and %d are not in one neuron", ErrPathMismatch, a, b))
	}
	if len(points) < 2 {
		return ed.fail(fmt.Errorf("%w: need at least two points", ErrPathMismatch))
	}

	tol := e.cfg.PathEndpointTolerance
	first, last := points[0], points[len(points)-1]
	pts := append([]model.Vec3(nil), points...)
	switch {
	case first.Dist(aa.Pos) <= tol && last.Dist(ab.Pos) <= tol:
	case first.Dist(ab.Pos) <= tol && last.Dist(aa.Pos) <= tol:
		reverse(pts)
	default:
		return ed.fail(ErrPathMismatch)
	}
	// Points run from the smaller endpoint to the larger one.
	if b < a {
		reverse(pts)
	}

	p := &model.AnchoredPath{Key: model.NewPathKey(a, b), Points: pts}
	wa.SetPath(p)
	ed.emit(events.AnchoredPathsChanged{NeuronID: wa.ID, Added: []model.AnchoredPath{*p}})
	return ed.commit()
}

// RemoveAnchoredPath deletes the anchored path between a and b.
func (e *Engine) RemoveAnchoredPath(ctx context.Context, ws *Workspace, a, b model.AnnotationID) error {
	ed, err := e.begin(ctx, ws, "RemoveAnchoredPath", scope{annotations: []model.AnnotationID{a}})
	if err != nil {
		return err
	}
	_, w, err := ed.annotation(a)
	if err != nil {
		return ed.fail(err)
	}
	if !w.RemovePath(a, b) {
		return ed.fail(&NotFoundError{Kind: "anchored path", ID: int64(b)})
	}
	ed.emit(events.AnchoredPathsChanged{NeuronID: w.ID, Removed: []model.PathKey{model.NewPathKey(a, b)}})
	return ed.commit()
}

func reverse(pts []model.Vec3) {
	for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
		pts[i], pts[j] = pts[j], pts[i]
	}
}

// =============================================================================
// Path tracing
// =============================================================================

// PathTracer computes a polyline between two points. Implementations must
// return ctx.Err() promptly once ctx is done.
type PathTracer interface {
	Trace(ctx context.Context, from, to model.Vec3) ([]model.Vec3, error)
}

// PathTracerFunc adapts a function to PathTracer.
type PathTracerFunc func(ctx context.Context, from, to model.Vec3) ([]model.Vec3, error)

// Trace implements PathTracer.
func (f PathTracerFunc) Trace(ctx context.Context, from, to model.Vec3) ([]model.Vec3, error) {
	return f(ctx, from, to)
}

// LinearTracer samples the straight segment between two points every Step
// microns. It stands in for an intensity-following tracer.
type LinearTracer struct {
	Step float64
}

// Trace implements PathTracer.
func (l LinearTracer) Trace(ctx context.Context, from, to model.Vec3) ([]model.Vec3, error) {
	step := l.Step
	if step <= 0 {
		step = 1
	}
	n := int(math.Ceil(from.Dist(to) / step))
	if n < 1 {
		n = 1
	}
	out := make([]model.Vec3, 0, n+1)
	for i := 0; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, from.Lerp(to, float64(i)/float64(n)))
	}
	return out, nil
}

// TracePath traces an anchored path between annotation a and b and stores
// it. Tracing runs without holding any edit lock and can be cancelled
// through ctx; a cancelled trace returns ErrCancelled and leaves the tree
// unchanged.
func (e *Engine) TracePath(ctx context.Context, ws *Workspace, a, b model.AnnotationID, tracer PathTracer) error {
	aa, sa, ok := ws.Forest.Annotation(a)
	if !ok {
		return annotationNotFound(a)
	}
	ab, _, ok := ws.Forest.Annotation(b)
	if !ok {
		return annotationNotFound(b)
	}
	if !ws.Owners.CheckOwnership(sa.Owner) {
		return fmt.Errorf("%w: neuron %d is owned by %s", ErrNotOwner, sa.ID, sa.Owner)
	}

	points, err := tracer.Trace(ctx, aa.Pos, ab.Pos)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
		}
		return fmt.Errorf("trace path %d-%d: %w", a, b, err)
	}
	return e.AddAnchoredPath(ctx, ws, a, b, points)
}
