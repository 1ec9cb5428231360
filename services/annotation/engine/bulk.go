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

	"github.com/AleutianAI/AleutianNeurite/services/annotation/events"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
)

// LoadWorkspace imports neurons supplied by the domain layer.
//
// Description:
//
//	The neurons are validated, checked for annotation IDs claimed twice,
//	and committed in one transaction inside a bulk scope of the bus.
//	Listeners receive no per-node records, only a final SpatialIndexReady
//	holding every loaded neuron once the index is populated. Loaded
//	neurons are not persisted again.
func (e *Engine) LoadWorkspace(ctx context.Context, ws *Workspace, neurons []*model.NeuronState) error {
	if err := checkImport(ws, neurons); err != nil {
		return err
	}
	ids := make([]model.NeuronID, len(neurons))
	for i, s := range neurons {
		ids[i] = s.ID
	}

	bulk := ws.Bus.BeginBulk()
	defer bulk.End()

	ed, err := e.begin(ctx, ws, "LoadWorkspace", scope{fresh: ids, ungated: true, noPersist: true, bulk: bulk})
	if err != nil {
		return err
	}
	states := make([]*model.NeuronState, len(neurons))
	for i, s := range neurons {
		c := s.Clone()
		ed.tx.PutNeuron(c)
		states[i] = c
		ed.emit(events.NeuronCreated{Neuron: c})
	}
	if err := ed.commit(); err != nil {
		return err
	}
	suppressed := bulk.End(events.SpatialIndexReady{Neurons: states})
	e.logger.Info("workspace loaded",
		slog.String("workspace", ws.Name),
		slog.Int("neurons", len(states)),
		slog.Int("annotations", ws.Forest.AnnotationCount()),
		slog.Int("suppressed_records", suppressed),
	)
	return nil
}

// ApplyRemoteNeuron reconciles a neuron changed by another editor. It is
// not gated or persisted; listeners receive one remote-origin
// NeuronCreated or NeuronChanged and rebuild the neuron wholesale.
//
// A state holding an annotation that another loaded neuron still owns is
// refused with ErrInvalidWorkspace. Changes that move annotations between
// neurons must be applied together through ReplaceNeurons, or source first.
func (e *Engine) ApplyRemoteNeuron(ctx context.Context, ws *Workspace, state *model.NeuronState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkspace, err)
	}
	ed, err := e.begin(ctx, ws, "ApplyRemoteNeuron", scope{
		fresh:     []model.NeuronID{state.ID},
		ungated:   true,
		noPersist: true,
		origin:    events.OriginRemote,
	})
	if err != nil {
		return err
	}
	if err := checkForeign(ws, []*model.NeuronState{state}, nil); err != nil {
		return ed.fail(err)
	}
	_, existed := ws.Forest.Neuron(state.ID)
	c := state.Clone()
	ed.tx.PutNeuron(c)
	if existed {
		ed.emit(events.NeuronChanged{Neuron: c})
	} else {
		ed.emit(events.NeuronCreated{Neuron: c})
	}
	return ed.commit()
}

// ApplyRemoteDelete reconciles a neuron deleted by another editor.
func (e *Engine) ApplyRemoteDelete(ctx context.Context, ws *Workspace, neuron model.NeuronID) error {
	ed, err := e.begin(ctx, ws, "ApplyRemoteDelete", scope{
		neurons:   []model.NeuronID{neuron},
		ungated:   true,
		noPersist: true,
		origin:    events.OriginRemote,
	})
	if err != nil {
		return err
	}
	ids := ed.neuron(neuron).AnnotationIDs()
	ed.tx.DeleteNeuron(neuron)
	ed.emit(events.NeuronDeleted{NeuronID: neuron, Annotations: ids})
	return ed.commit()
}

// ReplaceNeurons rewrites several neurons at once, e.g. after a bulk tree
// operation. Every existing neuron involved is gated. Listeners receive a
// single BulkNeuronsChanged. An annotation may move between neurons of the
// call, but not out of a neuron the call leaves untouched.
func (e *Engine) ReplaceNeurons(ctx context.Context, ws *Workspace, updated []*model.NeuronState, removed []model.NeuronID) error {
	if err := checkReplace(updated); err != nil {
		return err
	}
	var existing, fresh []model.NeuronID
	for _, s := range updated {
		if _, ok := ws.Forest.Neuron(s.ID); ok {
			existing = append(existing, s.ID)
		} else {
			fresh = append(fresh, s.ID)
		}
	}
	existing = append(existing, removed...)

	bulk := ws.Bus.BeginBulk()
	defer bulk.End()

	ed, err := e.begin(ctx, ws, "ReplaceNeurons", scope{neurons: existing, fresh: fresh, bulk: bulk})
	if err != nil {
		return err
	}
	if err := checkForeign(ws, updated, removed); err != nil {
		return ed.fail(err)
	}
	states := make([]*model.NeuronState, len(updated))
	for i, s := range updated {
		c := s.Clone()
		ed.tx.PutNeuron(c)
		states[i] = c
		ed.emit(events.NeuronChanged{Neuron: c})
	}
	for _, id := range removed {
		ed.tx.DeleteNeuron(id)
		ed.emit(events.NeuronDeleted{NeuronID: id})
	}
	if err := ed.commit(); err != nil {
		return err
	}
	bulk.End(events.BulkNeuronsChanged{Updated: states, Removed: removed})
	return nil
}

// checkImport validates neurons for LoadWorkspace.
func checkImport(ws *Workspace, neurons []*model.NeuronState) error {
	if err := checkReplace(neurons); err != nil {
		return err
	}
	for _, s := range neurons {
		if _, ok := ws.Forest.Neuron(s.ID); ok {
			return fmt.Errorf("%w: neuron %d is already loaded", ErrInvalidWorkspace, s.ID)
		}
		for id := range s.Annotations {
			if _, ok := ws.Forest.NeuronOf(id); ok {
				return fmt.Errorf("%w: annotation %d is already loaded", ErrInvalidWorkspace, id)
			}
		}
	}
	return nil
}

// checkForeign rejects annotations of states that are held by a neuron
// outside states and removed. The caller holds the locks of every neuron
// in both lists. Incoming IDs are reserved first so the allocator cannot
// hand them out while the edit is in flight.
func checkForeign(ws *Workspace, states []*model.NeuronState, removed []model.NeuronID) error {
	replaced := make(map[model.NeuronID]bool, len(states)+len(removed))
	for _, s := range states {
		replaced[s.ID] = true
	}
	for _, id := range removed {
		replaced[id] = true
	}
	for _, s := range states {
		for id := range s.Annotations {
			ws.Forest.ReserveAnnotationID(id)
			holder, ok := ws.Forest.NeuronOf(id)
			if ok && !replaced[holder.ID] {
				return fmt.Errorf("%w: annotation %d of neuron %d is held by neuron %d",
					ErrInvalidWorkspace, id, s.ID, holder.ID)
			}
		}
	}
	return nil
}

// checkReplace validates each state and rejects neuron or annotation IDs
// that appear twice.
func checkReplace(neurons []*model.NeuronState) error {
	seenNeuron := make(map[model.NeuronID]bool, len(neurons))
	seenAnn := make(map[model.AnnotationID]model.NeuronID)
	for _, s := range neurons {
		if s.ID == model.NoNeuron {
			return fmt.Errorf("%w: neuron without ID", ErrInvalidWorkspace)
		}
		if seenNeuron[s.ID] {
			return fmt.Errorf("%w: neuron %d appears twice", ErrInvalidWorkspace, s.ID)
		}
		seenNeuron[s.ID] = true
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%w: neuron %d: %w", ErrInvalidWorkspace, s.ID, err)
		}
		for id := range s.Annotations {
			if other, ok := seenAnn[id]; ok {
				return fmt.Errorf("%w: annotation %d is in neurons %d and %d", ErrInvalidWorkspace, id, other, s.ID)
			}
			seenAnn[id] = s.ID
		}
	}
	return nil
}
