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

import "sync"

// Handlers dispatches records to per-variant callbacks. Nil callbacks are
// no-ops, so a listener only fills in the variants it cares about.
type Handlers struct {
	AnnotationAdded      func(AnnotationAdded)
	AnnotationsDeleted   func(AnnotationsDeleted)
	AnnotationReparented func(AnnotationReparented)
	AnnotationMoved      func(AnnotationMoved)
	AnnotationNotMoved   func(AnnotationNotMoved)
	RadiusChanged        func(RadiusChanged)
	NoteChanged          func(NoteChanged)
	AnchoredPathsChanged func(AnchoredPathsChanged)
	NeuronCreated        func(NeuronCreated)
	NeuronDeleted        func(NeuronDeleted)
	NeuronChanged        func(NeuronChanged)
	BulkNeuronsChanged   func(BulkNeuronsChanged)
	SpatialIndexReady    func(SpatialIndexReady)
}

// HandleChange implements Listener.
func (h Handlers) HandleChange(env *Envelope) {
	switch ev := env.Change.(type) {
	case AnnotationAdded:
		if h.AnnotationAdded != nil {
			h.AnnotationAdded(ev)
		}
	case AnnotationsDeleted:
		if h.AnnotationsDeleted != nil {
			h.AnnotationsDeleted(ev)
		}
	case AnnotationReparented:
		if h.AnnotationReparented != nil {
			h.AnnotationReparented(ev)
		}
	case AnnotationMoved:
		if h.AnnotationMoved != nil {
			h.AnnotationMoved(ev)
		}
	case AnnotationNotMoved:
		if h.AnnotationNotMoved != nil {
			h.AnnotationNotMoved(ev)
		}
	case RadiusChanged:
		if h.RadiusChanged != nil {
			h.RadiusChanged(ev)
		}
	case NoteChanged:
		if h.NoteChanged != nil {
			h.NoteChanged(ev)
		}
	case AnchoredPathsChanged:
		if h.AnchoredPathsChanged != nil {
			h.AnchoredPathsChanged(ev)
		}
	case NeuronCreated:
		if h.NeuronCreated != nil {
			h.NeuronCreated(ev)
		}
	case NeuronDeleted:
		if h.NeuronDeleted != nil {
			h.NeuronDeleted(ev)
		}
	case NeuronChanged:
		if h.NeuronChanged != nil {
			h.NeuronChanged(ev)
		}
	case BulkNeuronsChanged:
		if h.BulkNeuronsChanged != nil {
			h.BulkNeuronsChanged(ev)
		}
	case SpatialIndexReady:
		if h.SpatialIndexReady != nil {
			h.SpatialIndexReady(ev)
		}
	}
}

// Recorder is a Listener that keeps every record it receives. It is meant
// for tests and diagnostics.
type Recorder struct {
	mu      sync.Mutex
	records []Envelope
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// HandleChange implements Listener.
func (r *Recorder) HandleChange(env *Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *env)
}

// Envelopes returns a copy of the recorded envelopes.
func (r *Recorder) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.records))
	copy(out, r.records)
	return out
}

// Changes returns the recorded change records in delivery order.
func (r *Recorder) Changes() []ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeEvent, len(r.records))
	for i, env := range r.records {
		out[i] = env.Change
	}
	return out
}

// Kinds returns the kinds of the recorded records in delivery order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.records))
	for i, env := range r.records {
		out[i] = env.Change.Kind()
	}
	return out
}

// Clear drops all recorded envelopes.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}
