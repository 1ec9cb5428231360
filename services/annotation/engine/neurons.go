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
	"regexp"
	"strconv"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/events"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
)

// CreateNeuron creates an empty neuron owned by the acting subject. An
// empty name is replaced by the next free "<prefix> N".
func (e *Engine) CreateNeuron(ctx context.Context, ws *Workspace, name string) (model.NeuronID, error) {
	nid := ws.Forest.NextNeuronID()
	ed, err := e.begin(ctx, ws, "CreateNeuron", scope{fresh: []model.NeuronID{nid}})
	if err != nil {
		return model.NoNeuron, err
	}
	if name == "" {
		name = e.nextNeuronName(ws)
	}
	w := ed.tx.CreateNeuron(nid, name, ws.Owners.Acting())
	ed.emit(events.NeuronCreated{Neuron: w})
	if err := ed.commit(); err != nil {
		return model.NoNeuron, err
	}
	return nid, nil
}

// DeleteNeuron removes a neuron together with all of its annotations.
func (e *Engine) DeleteNeuron(ctx context.Context, ws *Workspace, neuron model.NeuronID) error {
	ed, err := e.begin(ctx, ws, "DeleteNeuron", scope{neurons: []model.NeuronID{neuron}})
	if err != nil {
		return err
	}
	ids := ed.neuron(neuron).AnnotationIDs()
	ed.tx.DeleteNeuron(neuron)
	ed.emit(events.NeuronDeleted{NeuronID: neuron, Annotations: ids})
	return ed.commit()
}

// RenameNeuron changes a neuron's display name.
func (e *Engine) RenameNeuron(ctx context.Context, ws *Workspace, neuron model.NeuronID, name string) error {
	ed, err := e.begin(ctx, ws, "RenameNeuron", scope{neurons: []model.NeuronID{neuron}})
	if err != nil {
		return err
	}
	w := ed.neuron(neuron)
	w.Name = name
	ed.emit(events.NeuronChanged{Neuron: w})
	return ed.commit()
}

// SetNeuronVisibility shows or hides a neuron. Visibility is view-local:
// it is neither gated nor persisted.
func (e *Engine) SetNeuronVisibility(ctx context.Context, ws *Workspace, neuron model.NeuronID, visible bool) error {
	ed, err := e.begin(ctx, ws, "SetNeuronVisibility", scope{
		neurons:   []model.NeuronID{neuron},
		ungated:   true,
		noPersist: true,
	})
	if err != nil {
		return err
	}
	w := ed.neuron(neuron)
	if w.Visible == visible {
		ed.abandon()
		return nil
	}
	w.Visible = visible
	ed.emit(events.NeuronChanged{Neuron: w})
	return ed.commit()
}

// SetNeuronOwner hands a neuron to another owner.
func (e *Engine) SetNeuronOwner(ctx context.Context, ws *Workspace, neuron model.NeuronID, owner string) error {
	ed, err := e.begin(ctx, ws, "SetNeuronOwner", scope{neurons: []model.NeuronID{neuron}})
	if err != nil {
		return err
	}
	w := ed.neuron(neuron)
	w.Owner = owner
	ed.emit(events.NeuronChanged{Neuron: w})
	return ed.commit()
}

// RequestOwnership claims a neuron owned by the tracers group for the
// acting subject. Neurons owned by anyone else are refused with
// ErrNotOwner; their owner has to hand them over.
func (e *Engine) RequestOwnership(ctx context.Context, ws *Workspace, neuron model.NeuronID) error {
	ed, err := e.begin(ctx, ws, "RequestOwnership", scope{neurons: []model.NeuronID{neuron}, ungated: true})
	if err != nil {
		return err
	}
	w := ed.neuron(neuron)
	if w.Owner == ws.Owners.Acting() {
		ed.abandon()
		return nil
	}
	if !ws.Owners.CanRequestOwnership(w.Owner) {
		return ed.fail(fmt.Errorf("%w: neuron %d is owned by %s", ErrNotOwner, neuron, w.Owner))
	}
	w.Owner = ws.Owners.Acting()
	ed.emit(events.NeuronChanged{Neuron: w})
	return ed.commit()
}

// nextNeuronName returns "<prefix> N" with N one more than the largest
// number used by an existing neuron name of that form.
func (e *Engine) nextNeuronName(ws *Workspace) string {
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(e.cfg.NeuronNamePrefix) + `[ _]([0-9]+)$`)
	highest := 0
	for _, s := range ws.Forest.Neurons() {
		m := re.FindStringSubmatch(s.Name)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%s %d", e.cfg.NeuronNamePrefix, highest+1)
}
