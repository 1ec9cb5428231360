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
	"math"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/events"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
)

// SplitAnchor interposes a new annotation between id and its parent.
//
// Description:
//
//	For a non-root annotation the new node is placed on the segment from
//	id toward its parent, SplitAnchorDistance away from id but never past
//	the midpoint. For a root with exactly one child the new node is
//	placed on the segment from the root toward that child, measured from
//	the root. The radius is interpolated at the same parameter. The
//	anchored path of the split segment is removed.
//
// Outputs:
//
//	model.AnnotationID - The new annotation.
//	error - ErrAmbiguousSplit for a root without exactly one child.
func (e *Engine) SplitAnchor(ctx context.Context, ws *Workspace, id model.AnnotationID) (model.AnnotationID, error) {
	ed, err := e.begin(ctx, ws, "SplitAnchor", scope{annotations: []model.AnnotationID{id}})
	if err != nil {
		return model.NoAnnotation, err
	}
	a, w, err := ed.annotation(id)
	if err != nil {
		return model.NoAnnotation, ed.fail(err)
	}

	// lower is the node that ends up below the new annotation.
	var lower, upper *model.Annotation
	reverse := false
	if a.IsRoot() {
		if len(a.Children) != 1 {
			return model.NoAnnotation, ed.fail(ErrAmbiguousSplit)
		}
		lower, upper = w.Annotations[a.Children[0]], a
		reverse = true
	} else {
		lower, upper = a, w.Annotations[a.ParentID]
	}

	t := 0.5
	if d := lower.Pos.Dist(upper.Pos); d > 0 {
		t = math.Min(e.cfg.SplitAnchorDistance/d, 0.5)
	}
	if reverse {
		t = 1 - t
	}
	n := &model.Annotation{
		ID:     ws.Forest.NextAnnotationID(),
		Pos:    lower.Pos.Lerp(upper.Pos, t),
		Radius: t*upper.Radius + (1-t)*lower.Radius,
	}
	w.Interpose(n, lower.ID)
	pathRemoved := w.RemovePath(lower.ID, upper.ID)

	ed.emit(
		events.AnnotationAdded{Annotation: snap(n)},
		events.AnnotationReparented{
			Annotation:     snap(lower),
			PreviousParent: upper.ID,
			PreviousNeuron: w.ID,
		},
	)
	if pathRemoved {
		ed.emit(events.AnchoredPathsChanged{
			NeuronID: w.ID,
			Removed:  []model.PathKey{model.NewPathKey(lower.ID, upper.ID)},
		})
	}
	if err := ed.commit(); err != nil {
		return model.NoAnnotation, err
	}
	return n.ID, nil
}

// RerootNeurite makes id the root of its neurite by reversing the parent
// chain from id to the former root.
func (e *Engine) RerootNeurite(ctx context.Context, ws *Workspace, id model.AnnotationID) error {
	ed, err := e.begin(ctx, ws, "RerootNeurite", scope{annotations: []model.AnnotationID{id}})
	if err != nil {
		return err
	}
	a, w, err := ed.annotation(id)
	if err != nil {
		return ed.fail(err)
	}
	if a.IsRoot() {
		return ed.fail(ErrAlreadyRoot)
	}
	w.Reroot(id)
	w.StripPredefinedNotes(id)
	ed.emit(events.NeuronChanged{Neuron: w})
	return ed.commit()
}

// SplitNeurite detaches id and its subtree from its parent. id becomes the
// root of a second neurite in the same neuron.
func (e *Engine) SplitNeurite(ctx context.Context, ws *Workspace, id model.AnnotationID) error {
	ed, err := e.begin(ctx, ws, "SplitNeurite", scope{annotations: []model.AnnotationID{id}})
	if err != nil {
		return err
	}
	a, w, err := ed.annotation(id)
	if err != nil {
		return ed.fail(err)
	}
	if a.IsRoot() {
		return ed.fail(ErrCannotSplitAtRoot)
	}
	parent := a.ParentID
	w.Detach(id)
	ed.emit(events.AnnotationReparented{Annotation: snap(a), PreviousParent: parent, PreviousNeuron: w.ID})
	if w.RemovePath(id, parent) {
		ed.emit(events.AnchoredPathsChanged{NeuronID: w.ID, Removed: []model.PathKey{model.NewPathKey(id, parent)}})
	}
	return ed.commit()
}

// TransferNeurite moves the whole neurite containing id into neuron dest.
// The source neuron is deleted when nothing is left in it. Transferring
// within one neuron is a no-op.
func (e *Engine) TransferNeurite(ctx context.Context, ws *Workspace, id model.AnnotationID, dest model.NeuronID) error {
	ed, err := e.begin(ctx, ws, "TransferNeurite", scope{
		annotations: []model.AnnotationID{id},
		neurons:     []model.NeuronID{dest},
	})
	if err != nil {
		return err
	}
	_, src, err := ed.annotation(id)
	if err != nil {
		return ed.fail(err)
	}
	if src.ID == dest {
		ed.abandon()
		return nil
	}
	dst := ed.neuron(dest)
	root, ok := src.RootOf(id)
	if !ok {
		return ed.fail(annotationNotFound(id))
	}
	src.MoveNeuriteTo(dst, root)

	ed.emit(events.NeuronChanged{Neuron: dst})
	ed.emitSourceAfterMove(src)
	return ed.commit()
}

// SplitAndTransfer splits the neurite at id (unless id is a root) and
// moves the part rooted at id into a newly created neuron owned by the
// acting subject. It returns the new neuron's ID.
func (e *Engine) SplitAndTransfer(ctx context.Context, ws *Workspace, id model.AnnotationID) (model.NeuronID, error) {
	nid := ws.Forest.NextNeuronID()
	ed, err := e.begin(ctx, ws, "SplitAndTransfer", scope{
		annotations: []model.AnnotationID{id},
		fresh:       []model.NeuronID{nid},
	})
	if err != nil {
		return model.NoNeuron, err
	}
	a, src, err := ed.annotation(id)
	if err != nil {
		return model.NoNeuron, ed.fail(err)
	}
	dst := ed.tx.CreateNeuron(nid, e.nextNeuronName(ws), ws.Owners.Acting())
	if !a.IsRoot() {
		parent := a.ParentID
		src.RemovePath(id, parent)
		src.Detach(id)
	}
	src.MoveNeuriteTo(dst, id)

	ed.emit(events.NeuronCreated{Neuron: dst})
	ed.emitSourceAfterMove(src)
	if err := ed.commit(); err != nil {
		return model.NoNeuron, err
	}
	return nid, nil
}

// emitSourceAfterMove deletes a neuron emptied by a move, or reports its
// new content.
func (ed *edit) emitSourceAfterMove(src *model.NeuronState) {
	if src.IsEmpty() {
		ed.tx.DeleteNeuron(src.ID)
		ed.emit(events.NeuronDeleted{NeuronID: src.ID})
		return
	}
	ed.emit(events.NeuronChanged{Neuron: src})
}

// =============================================================================
// Merging
// =============================================================================

// MergeNeurite connects the neurite of target to source: target's neurite
// is rerooted at target and target becomes a child of source. When the
// two are in different neurons the target neurite moves into source's
// neuron, and the emptied neuron is deleted.
//
// Outputs:
//
//	error - *CycleError (ErrWouldCreateCycle) when source and target are
//	        already connected; the tree is unchanged.
func (e *Engine) MergeNeurite(ctx context.Context, ws *Workspace, source, target model.AnnotationID) error {
	ed, err := e.begin(ctx, ws, "MergeNeurite", scope{annotations: []model.AnnotationID{source, target}})
	if err != nil {
		return err
	}
	if err := ed.merge(source, target); err != nil {
		return ed.fail(err)
	}
	return ed.commit()
}

// merge performs MergeNeurite on the working copies.
func (ed *edit) merge(source, target model.AnnotationID) error {
	_, sw, err := ed.annotation(source)
	if err != nil {
		return err
	}
	t, tw, err := ed.annotation(target)
	if err != nil {
		return err
	}
	if sw.ID == tw.ID {
		if anc, ok := sw.CommonAncestor(source, target); ok {
			return &CycleError{Ancestor: anc, Pos: sw.Annotations[anc].Pos}
		}
	}

	prevParent := t.ParentID
	tw.Reroot(target)
	if sw.ID != tw.ID {
		tw.MoveNeuriteTo(sw, target)
	}
	sw.Attach(target, source)

	for _, id := range []model.AnnotationID{source, target} {
		if sw.StripPredefinedNotes(id) {
			ed.emit(events.NoteChanged{NeuronID: sw.ID, AnnotationID: id})
		}
	}
	ed.emit(events.AnnotationReparented{
		Annotation:     snap(sw.Annotations[target]),
		PreviousParent: prevParent,
		PreviousNeuron: tw.ID,
	})
	if sw.ID != tw.ID {
		ed.emitSourceAfterMove(tw)
	}
	ed.emit(events.NeuronChanged{Neuron: sw})
	return nil
}

// CanMergeNeurite reports whether target is an eligible merge partner for
// source: distinct annotations, both neurons visible, and squared
// distance within MergeThresholdSquared. It reads committed state only and
// does not check for cycles.
func (e *Engine) CanMergeNeurite(ws *Workspace, source, target model.AnnotationID) bool {
	if source == target {
		return false
	}
	sa, sn, ok := ws.Forest.Annotation(source)
	if !ok {
		return false
	}
	ta, tn, ok := ws.Forest.Annotation(target)
	if !ok {
		return false
	}
	if !sn.Visible || !tn.Visible {
		return false
	}
	return sa.Pos.Dist2(ta.Pos) <= e.cfg.MergeThresholdSquared
}

// SmartMergeResult describes the merge SmartMerge performed.
type SmartMergeResult struct {
	// Source and Target are the endpoint pair that was merged.
	Source model.AnnotationID
	Target model.AnnotationID

	// NextParent is the endpoint of the absorbed neurite farthest from
	// Target, where tracing naturally continues.
	NextParent model.AnnotationID
}

// SmartMerge merges the neurites of a and b at their mutually closest
// endpoints instead of at a and b themselves.
//
// Description:
//
//	The endpoints of a neurite are its end nodes plus its root when the
//	root has at most one child. Every endpoint pair is compared and the
//	pair with the smallest squared distance wins, ties going to the
//	lowest IDs. The search is a brute-force scan over both endpoint sets.
//
// Outputs:
//
//	SmartMergeResult - The merged pair and the suggested next parent.
//	error - ErrSameNeurite when a and b are already connected.
func (e *Engine) SmartMerge(ctx context.Context, ws *Workspace, a, b model.AnnotationID) (SmartMergeResult, error) {
	ed, err := e.begin(ctx, ws, "SmartMerge", scope{annotations: []model.AnnotationID{a, b}})
	if err != nil {
		return SmartMergeResult{}, err
	}
	_, wa, err := ed.annotation(a)
	if err != nil {
		return SmartMergeResult{}, ed.fail(err)
	}
	_, wb, err := ed.annotation(b)
	if err != nil {
		return SmartMergeResult{}, ed.fail(err)
	}
	if wa.ID == wb.ID && wa.SameNeurite(a, b) {
		return SmartMergeResult{}, ed.fail(ErrSameNeurite)
	}

	ra, _ := wa.RootOf(a)
	rb, _ := wb.RootOf(b)
	endsA := wa.Endpoints(ra)
	endsB := wb.Endpoints(rb)

	res := SmartMergeResult{}
	best := math.Inf(1)
	for _, ea := range endsA {
		pa := wa.Annotations[ea].Pos
		for _, eb := range endsB {
			d := pa.Dist2(wb.Annotations[eb].Pos)
			if d < best || (d == best && (ea < res.Source || (ea == res.Source && eb < res.Target))) {
				best = d
				res.Source, res.Target = ea, eb
			}
		}
	}

	res.NextParent = res.Target
	far := -1.0
	tp := wb.Annotations[res.Target].Pos
	for _, eb := range endsB {
		if eb == res.Target {
			continue
		}
		if d := wb.Annotations[eb].Pos.Dist2(tp); d > far {
			far = d
			res.NextParent = eb
		}
	}

	if err := ed.merge(res.Source, res.Target); err != nil {
		return SmartMergeResult{}, ed.fail(err)
	}
	if err := ed.commit(); err != nil {
		return SmartMergeResult{}, err
	}
	return res, nil
}
