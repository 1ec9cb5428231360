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
	"errors"
	"math"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/events"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
)

// AddRoot creates a new neurite root in neuron at pos.
func (e *Engine) AddRoot(ctx context.Context, ws *Workspace, neuron model.NeuronID, pos model.Vec3) (model.AnnotationID, error) {
	ed, err := e.begin(ctx, ws, "AddRoot", scope{neurons: []model.NeuronID{neuron}})
	if err != nil {
		return model.NoAnnotation, err
	}
	w := ed.neuron(neuron)
	a := &model.Annotation{ID: ws.Forest.NextAnnotationID(), Pos: pos, Radius: e.cfg.DefaultRadius}
	w.Insert(a)
	ed.emit(events.AnnotationAdded{Annotation: snap(a)})
	if err := ed.commit(); err != nil {
		return model.NoAnnotation, err
	}
	return a.ID, nil
}

// AddChild creates a new annotation at pos under parent. A predefined
// note on the parent no longer applies and is removed.
func (e *Engine) AddChild(ctx context.Context, ws *Workspace, parent model.AnnotationID, pos model.Vec3) (model.AnnotationID, error) {
	ed, err := e.begin(ctx, ws, "AddChild", scope{annotations: []model.AnnotationID{parent}})
	if err != nil {
		return model.NoAnnotation, err
	}
	p, w, err := ed.annotation(parent)
	if err != nil {
		return model.NoAnnotation, ed.fail(err)
	}
	a := &model.Annotation{
		ID:       ws.Forest.NextAnnotationID(),
		Pos:      pos,
		Radius:   e.cfg.DefaultRadius,
		ParentID: p.ID,
	}
	w.Insert(a)
	ed.emit(events.AnnotationAdded{Annotation: snap(a)})
	if w.StripPredefinedNotes(p.ID) {
		ed.emit(events.NoteChanged{NeuronID: w.ID, AnnotationID: p.ID})
	}
	if err := ed.commit(); err != nil {
		return model.NoAnnotation, err
	}
	return a.ID, nil
}

// MoveAnnotation sets the coordinate of id. Anchored paths ending at id
// no longer match and are removed.
//
// A view may already show the annotation at pos while the move is in
// flight, so any failure after id has been found publishes
// AnnotationNotMoved with the committed position.
func (e *Engine) MoveAnnotation(ctx context.Context, ws *Workspace, id model.AnnotationID, pos model.Vec3) error {
	err := e.moveAnnotation(ctx, ws, id, pos)
	if err != nil && !errors.Is(err, ErrNotFound) {
		if a, _, ok := ws.Forest.Annotation(id); ok {
			ws.Bus.Publish(events.AnnotationNotMoved{Annotation: *a.Copy(), Attempted: pos})
		}
	}
	return err
}

func (e *Engine) moveAnnotation(ctx context.Context, ws *Workspace, id model.AnnotationID, pos model.Vec3) error {
	ed, err := e.begin(ctx, ws, "MoveAnnotation", scope{annotations: []model.AnnotationID{id}})
	if err != nil {
		return err
	}
	a, w, err := ed.annotation(id)
	if err != nil {
		return ed.fail(err)
	}
	from := a.Pos
	a.Pos = pos
	removed := w.RemovePathsTouching(id)
	ed.emit(events.AnnotationMoved{Annotation: snap(a), From: from})
	if len(removed) > 0 {
		ed.emit(events.AnchoredPathsChanged{NeuronID: w.ID, Removed: removed})
	}
	return ed.commit()
}

// RollbackMove restores an annotation to from after the domain layer
// reported that an already committed move failed to persist. It is not
// gated and not persisted again; listeners receive AnnotationNotMoved.
func (e *Engine) RollbackMove(ctx context.Context, ws *Workspace, id model.AnnotationID, from model.Vec3) error {
	ed, err := e.begin(ctx, ws, "RollbackMove", scope{
		annotations: []model.AnnotationID{id},
		ungated:     true,
		noPersist:   true,
		origin:      events.OriginRemote,
	})
	if err != nil {
		return err
	}
	a, _, err := ed.annotation(id)
	if err != nil {
		return ed.fail(err)
	}
	attempted := a.Pos
	a.Pos = from
	ed.emit(events.AnnotationNotMoved{Annotation: snap(a), Attempted: attempted})
	return ed.commit()
}

// SetRadius sets the radius of one annotation.
func (e *Engine) SetRadius(ctx context.Context, ws *Workspace, id model.AnnotationID, radius float64) error {
	if !validRadius(radius) {
		return ErrInvalidRadius
	}
	ed, err := e.begin(ctx, ws, "SetRadius", scope{annotations: []model.AnnotationID{id}})
	if err != nil {
		return err
	}
	a, w, err := ed.annotation(id)
	if err != nil {
		return ed.fail(err)
	}
	a.Radius = radius
	ed.emit(events.RadiusChanged{NeuronID: w.ID, IDs: []model.AnnotationID{id}, Radius: radius})
	return ed.commit()
}

// SetNeuronRadius sets the radius of every annotation of a neuron.
func (e *Engine) SetNeuronRadius(ctx context.Context, ws *Workspace, neuron model.NeuronID, radius float64) error {
	if !validRadius(radius) {
		return ErrInvalidRadius
	}
	ed, err := e.begin(ctx, ws, "SetNeuronRadius", scope{neurons: []model.NeuronID{neuron}})
	if err != nil {
		return err
	}
	w := ed.neuron(neuron)
	ids := w.AnnotationIDs()
	for _, id := range ids {
		w.Annotations[id].Radius = radius
	}
	ed.emit(events.RadiusChanged{NeuronID: neuron, IDs: ids, Radius: radius})
	return ed.commit()
}

func validRadius(r float64) bool {
	return r > 0 && !math.IsInf(r, 0) && !math.IsNaN(r)
}

// SetNote attaches a free-text note to id. An empty note removes it.
func (e *Engine) SetNote(ctx context.Context, ws *Workspace, id model.AnnotationID, note string) error {
	ed, err := e.begin(ctx, ws, "SetNote", scope{annotations: []model.AnnotationID{id}})
	if err != nil {
		return err
	}
	_, w, err := ed.annotation(id)
	if err != nil {
		return ed.fail(err)
	}
	w.SetNote(id, note)
	ed.emit(events.NoteChanged{NeuronID: w.ID, AnnotationID: id, Note: note})
	return ed.commit()
}

// DeleteLink removes a single annotation that has at most one child. The
// child, if any, is reparented to the removed node's parent. A root may
// only be removed when it has no children.
func (e *Engine) DeleteLink(ctx context.Context, ws *Workspace, id model.AnnotationID) error {
	ed, err := e.begin(ctx, ws, "DeleteLink", scope{annotations: []model.AnnotationID{id}})
	if err != nil {
		return err
	}
	a, w, err := ed.annotation(id)
	if err != nil {
		return ed.fail(err)
	}
	if len(a.Children) > 1 || (a.IsRoot() && len(a.Children) > 0) {
		return ed.fail(ErrNotALink)
	}

	parent := a.ParentID
	var child model.AnnotationID
	if len(a.Children) == 1 {
		child = a.Children[0]
	}
	removed := w.RemovePathsTouching(id)
	if child != model.NoAnnotation {
		w.Reparent(child, parent)
	}
	w.Remove(id)

	ed.emit(events.AnnotationsDeleted{NeuronID: w.ID, IDs: []model.AnnotationID{id}, ParentID: parent})
	if child != model.NoAnnotation {
		ed.emit(events.AnnotationReparented{
			Annotation:     snap(w.Annotations[child]),
			PreviousParent: id,
			PreviousNeuron: w.ID,
		})
	}
	if len(removed) > 0 {
		ed.emit(events.AnchoredPathsChanged{NeuronID: w.ID, Removed: removed})
	}
	return ed.commit()
}

// DeleteSubtree removes id and all of its descendants, together with
// their notes and every anchored path touching them. It returns the
// removed IDs in pre-order.
//
// Asking the user before removing more than one node is the caller's
// concern.
func (e *Engine) DeleteSubtree(ctx context.Context, ws *Workspace, id model.AnnotationID) ([]model.AnnotationID, error) {
	ed, err := e.begin(ctx, ws, "DeleteSubtree", scope{annotations: []model.AnnotationID{id}})
	if err != nil {
		return nil, err
	}
	a, w, err := ed.annotation(id)
	if err != nil {
		return nil, ed.fail(err)
	}
	ids := w.SubtreeList(id)
	gone := make(map[model.AnnotationID]bool, len(ids))
	for _, x := range ids {
		gone[x] = true
	}
	var removed []model.PathKey
	for _, k := range w.PathKeys() {
		if gone[k.A] || gone[k.B] {
			removed = append(removed, k)
		}
	}
	parent := a.ParentID
	w.Remove(ids...)

	ed.emit(events.AnnotationsDeleted{NeuronID: w.ID, IDs: ids, ParentID: parent})
	if len(removed) > 0 {
		ed.emit(events.AnchoredPathsChanged{NeuronID: w.ID, Removed: removed})
	}
	if err := ed.commit(); err != nil {
		return nil, err
	}
	return ids, nil
}
