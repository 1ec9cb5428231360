// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/engine"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/events"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/tasks"
)

// Decision is the user's answer to a merge prompt.
type Decision int

const (
	// DecisionCancel drops the drag; the annotation snaps back.
	DecisionCancel Decision = iota

	// DecisionMerge merges the dragged neurite into the candidate.
	DecisionMerge

	// DecisionMove moves the annotation without merging.
	DecisionMove
)

// String returns the string representation of the decision.
func (d Decision) String() string {
	switch d {
	case DecisionMerge:
		return "merge"
	case DecisionMove:
		return "move"
	default:
		return "cancel"
	}
}

// MergePrompt describes a merge awaiting confirmation.
type MergePrompt struct {
	Dragged       model.AnnotationID
	Candidate     model.AnnotationID
	DraggedName   string
	CandidateName string
}

// DeletePrompt describes a subtree delete awaiting confirmation.
type DeletePrompt struct {
	Root  model.AnnotationID
	Count int
}

// Confirmer asks the user before expensive or destructive edits.
type Confirmer interface {
	ConfirmMerge(ctx context.Context, p MergePrompt) Decision
	ConfirmDelete(ctx context.Context, p DeletePrompt) bool
}

// StaticConfirmer answers every prompt the same way.
type StaticConfirmer struct {
	Merge  Decision
	Delete bool
}

// ConfirmMerge implements Confirmer.
func (s StaticConfirmer) ConfirmMerge(context.Context, MergePrompt) Decision { return s.Merge }

// ConfirmDelete implements Confirmer.
func (s StaticConfirmer) ConfirmDelete(context.Context, DeletePrompt) bool { return s.Delete }

type dragState struct {
	id   model.AnnotationID
	from model.Vec3
	to   model.Vec3
}

// DragPreview is what the view shows while dragging.
type DragPreview struct {
	Pos model.Vec3

	// Candidate is the nearest merge partner, or NoAnnotation.
	Candidate model.AnnotationID

	// CanMerge reports whether dropping here would offer a merge.
	CanMerge bool
}

// DragOutcome says what EndDrag did.
type DragOutcome int

const (
	// DragCancelled means the user cancelled; AnnotationNotMoved was published.
	DragCancelled DragOutcome = iota

	// DragMoved means a move task was submitted.
	DragMoved

	// DragMerged means a merge task was submitted.
	DragMerged

	// DragRefused means the merge would have created a cycle.
	DragRefused
)

// DragResult is returned by EndDrag.
type DragResult struct {
	Outcome DragOutcome

	// Candidate is the merge partner that was considered, if any.
	Candidate model.AnnotationID

	// Handle is the submitted task for DragMoved and DragMerged.
	Handle *tasks.Handle
}

// BeginDrag starts dragging annotation id. The workspace must be writable
// and the acting subject must pass the ownership gate.
func (c *Controller) BeginDrag(id model.AnnotationID) error {
	a, st, ok := c.ws.Forest.Annotation(id)
	if !ok {
		return &engine.NotFoundError{Kind: "annotation", ID: int64(id)}
	}
	if c.ws.ReadOnly.Load() {
		return engine.ErrReadOnly
	}
	if !c.ws.Owners.CheckOwnership(st.Owner) {
		return fmt.Errorf("%w: neuron %d is owned by %s", engine.ErrNotOwner, st.ID, st.Owner)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drag != nil {
		return ErrDragInProgress
	}
	c.drag = &dragState{id: id, from: a.Pos, to: a.Pos}
	return nil
}

// DragTo updates the drag position and reports the merge candidate.
func (c *Controller) DragTo(pos model.Vec3) (DragPreview, error) {
	c.mu.Lock()
	d := c.drag
	if d != nil {
		d.to = pos
	}
	c.mu.Unlock()
	if d == nil {
		return DragPreview{}, ErrNoDrag
	}
	cand, ok := c.mergeCandidate(d.id, pos)
	return DragPreview{Pos: pos, Candidate: cand, CanMerge: ok}, nil
}

// CancelDrag abandons the drag and tells listeners the annotation did not
// move.
func (c *Controller) CancelDrag() {
	c.mu.Lock()
	d := c.drag
	c.drag = nil
	c.mu.Unlock()
	if d != nil {
		c.publishNotMoved(d)
	}
}

// EndDrag drops the dragged annotation at its last DragTo position.
//
// Description:
//
//	Without an eligible merge candidate the drop is a move. With one, a
//	drop onto the dragged annotation's own neurite is refused with a
//	*engine.CycleError before anything is asked. Otherwise the Confirmer
//	chooses between merging, moving and cancelling. A merge hangs the
//	dragged neurite off the candidate. Cancel and refusal publish
//	AnnotationNotMoved so views snap the annotation back.
//
// Outputs:
//   - DragResult: What happened, and the task for moves and merges.
//   - error: ErrNoDrag, a *engine.CycleError, or a submit error.
func (c *Controller) EndDrag(ctx context.Context) (DragResult, error) {
	c.mu.Lock()
	d := c.drag
	c.drag = nil
	c.mu.Unlock()
	if d == nil {
		return DragResult{}, ErrNoDrag
	}

	cand, ok := c.mergeCandidate(d.id, d.to)
	if !ok {
		return c.submitMove(ctx, d, model.NoAnnotation)
	}

	if err := c.checkCycle(d.id, cand); err != nil {
		c.publishNotMoved(d)
		c.logger.Info("merge refused", slog.Int64("annotation", int64(d.id)), slog.String("error", err.Error()))
		return DragResult{Outcome: DragRefused, Candidate: cand}, err
	}

	decision := DecisionMerge
	if c.confirmer != nil {
		decision = c.confirmer.ConfirmMerge(ctx, c.mergePrompt(d.id, cand))
	}
	switch decision {
	case DecisionMerge:
		h, err := c.submit(ctx, "merge_neurite", func(ctx context.Context) (any, error) {
			err := c.eng.MergeNeurite(ctx, c.ws, cand, d.id)
			if err != nil {
				c.publishNotMoved(d)
				return nil, err
			}
			c.selectWhenDelivered(ctx, d.id)
			return nil, nil
		})
		if err != nil {
			c.publishNotMoved(d)
			return DragResult{}, err
		}
		return DragResult{Outcome: DragMerged, Candidate: cand, Handle: h}, nil
	case DecisionMove:
		return c.submitMove(ctx, d, cand)
	default:
		c.publishNotMoved(d)
		return DragResult{Outcome: DragCancelled, Candidate: cand}, nil
	}
}

func (c *Controller) submitMove(ctx context.Context, d *dragState, cand model.AnnotationID) (DragResult, error) {
	h, err := c.submit(ctx, "move_annotation", func(ctx context.Context) (any, error) {
		return nil, c.eng.MoveAnnotation(ctx, c.ws, d.id, d.to)
	})
	if err != nil {
		c.publishNotMoved(d)
		return DragResult{}, err
	}
	return DragResult{Outcome: DragMoved, Candidate: cand, Handle: h}, nil
}

// mergeCandidate returns the annotation nearest to pos, other than id, on
// an interactable neuron, and whether it is close enough to merge with.
// The dragged annotation's neuron must be visible too.
func (c *Controller) mergeCandidate(id model.AnnotationID, pos model.Vec3) (model.AnnotationID, bool) {
	_, src, ok := c.ws.Forest.Annotation(id)
	if !ok {
		return model.NoAnnotation, false
	}
	for _, n := range c.ws.Index.Nearest(pos, c.cfg.MergeCandidateK) {
		if n.ID == id {
			continue
		}
		_, st, ok := c.ws.Forest.Annotation(n.ID)
		if !ok || !interactable(st) {
			continue
		}
		eligible := src.Visible && n.Pos.Dist2(pos) <= c.eng.Config().MergeThresholdSquared
		return n.ID, eligible
	}
	return model.NoAnnotation, false
}

// checkCycle refuses merging two annotations of one neurite.
func (c *Controller) checkCycle(a, b model.AnnotationID) error {
	_, sa, ok := c.ws.Forest.Annotation(a)
	if !ok {
		return &engine.NotFoundError{Kind: "annotation", ID: int64(a)}
	}
	_, sb, ok := c.ws.Forest.Annotation(b)
	if !ok {
		return &engine.NotFoundError{Kind: "annotation", ID: int64(b)}
	}
	if sa.ID != sb.ID {
		return nil
	}
	if anc, ok := sa.CommonAncestor(a, b); ok {
		return &engine.CycleError{Ancestor: anc, Pos: sa.Annotations[anc].Pos}
	}
	return nil
}

func (c *Controller) mergePrompt(dragged, cand model.AnnotationID) MergePrompt {
	p := MergePrompt{Dragged: dragged, Candidate: cand}
	if _, st, ok := c.ws.Forest.Annotation(dragged); ok {
		p.DraggedName = st.Name
	}
	if _, st, ok := c.ws.Forest.Annotation(cand); ok {
		p.CandidateName = st.Name
	}
	return p
}

func (c *Controller) publishNotMoved(d *dragState) {
	a, _, ok := c.ws.Forest.Annotation(d.id)
	if !ok {
		return
	}
	c.ws.Bus.Publish(events.AnnotationNotMoved{Annotation: *a.Copy(), Attempted: d.to})
}
