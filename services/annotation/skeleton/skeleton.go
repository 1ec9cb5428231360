// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package skeleton keeps a render-side copy of the annotation forest.
//
// A Skeleton subscribes to the change bus and translates change records
// into anchors, edges and anchored paths that a viewer can draw without
// touching the model. It also owns the next-parent selection, the anchor
// that new points are appended to.
package skeleton

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/events"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
)

// Anchor is the drawable form of an annotation.
type Anchor struct {
	ID       model.AnnotationID
	NeuronID model.NeuronID
	ParentID model.AnnotationID
	Pos      model.Vec3
	Radius   float64
}

// Edge connects a parent anchor to its child.
type Edge struct {
	Parent model.AnnotationID
	Child  model.AnnotationID
}

// Path is a drawable anchored path.
type Path struct {
	NeuronID model.NeuronID
	Key      model.PathKey
	Points   []model.Vec3
}

// Skeleton is a bus listener holding the render model.
//
// Thread Safety:
//
//	Safe for concurrent use. Change records are applied by the bus
//	dispatcher; readers take a read lock.
type Skeleton struct {
	mu         sync.RWMutex
	anchors    map[model.AnnotationID]Anchor
	paths      map[model.NeuronID]map[model.PathKey][]model.Vec3
	hidden     map[model.NeuronID]bool
	nextParent model.AnnotationID
	version    uint64
	rebuilds   int

	onNextParent func(model.AnnotationID)
	logger       *slog.Logger
}

// Option configures a Skeleton.
type Option func(*Skeleton)

// WithNextParentListener registers a callback for next-parent changes.
// It is called without the skeleton's lock held.
func WithNextParentListener(fn func(model.AnnotationID)) Option {
	return func(s *Skeleton) { s.onNextParent = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Skeleton) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an empty skeleton.
func New(opts ...Option) *Skeleton {
	s := &Skeleton{
		anchors: make(map[model.AnnotationID]Anchor),
		paths:   make(map[model.NeuronID]map[model.PathKey][]model.Vec3),
		hidden:  make(map[model.NeuronID]bool),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "skeleton"))
	return s
}

// Attach subscribes the skeleton to bus and returns the subscription ID.
func (s *Skeleton) Attach(bus *events.Bus) string {
	return bus.SubscribeListener(s)
}

// HandleChange implements events.Listener.
func (s *Skeleton) HandleChange(env *events.Envelope) {
	s.mu.Lock()
	before := s.nextParent
	s.apply(env.Change)
	s.version++
	after := s.nextParent
	s.mu.Unlock()

	if after != before && s.onNextParent != nil {
		s.onNextParent(after)
	}
}

func (s *Skeleton) apply(c events.ChangeEvent) {
	switch ev := c.(type) {
	case events.AnnotationAdded:
		s.putAnchor(ev.Annotation)

	case events.AnnotationsDeleted:
		for _, id := range ev.IDs {
			s.removeAnchor(id)
			s.removePathsTouching(ev.NeuronID, id)
		}
		// Work usually continues where the deletion happened.
		if ev.ParentID != model.NoAnnotation {
			if _, ok := s.anchors[ev.ParentID]; ok {
				s.nextParent = ev.ParentID
			}
		}

	case events.AnnotationReparented:
		if ev.PreviousNeuron != ev.Annotation.NeuronID {
			s.removePathsTouching(ev.PreviousNeuron, ev.Annotation.ID)
		}
		s.putAnchor(ev.Annotation)

	case events.AnnotationMoved:
		s.putAnchor(ev.Annotation)

	case events.AnnotationNotMoved:
		s.putAnchor(ev.Annotation)

	case events.RadiusChanged:
		for _, id := range ev.IDs {
			if a, ok := s.anchors[id]; ok {
				a.Radius = ev.Radius
				s.anchors[id] = a
			}
		}

	case events.AnchoredPathsChanged:
		for _, k := range ev.Removed {
			delete(s.paths[ev.NeuronID], k)
		}
		if s.hidden[ev.NeuronID] {
			break
		}
		for _, p := range ev.Added {
			s.putPath(ev.NeuronID, p.Key, p.Points)
		}

	case events.NeuronCreated:
		s.addNeuron(ev.Neuron)

	case events.NeuronDeleted:
		s.removeNeuron(ev.NeuronID)

	case events.NeuronChanged:
		s.replaceNeuron(ev.Neuron)

	case events.BulkNeuronsChanged:
		for _, id := range ev.Removed {
			s.removeNeuron(id)
		}
		for _, st := range ev.Updated {
			s.replaceNeuron(st)
		}
		s.rebuilds++

	case events.SpatialIndexReady:
		s.anchors = make(map[model.AnnotationID]Anchor)
		s.paths = make(map[model.NeuronID]map[model.PathKey][]model.Vec3)
		s.hidden = make(map[model.NeuronID]bool)
		s.nextParent = model.NoAnnotation
		for _, st := range ev.Neurons {
			s.addNeuron(st)
		}
		s.rebuilds++
		s.logger.Info("skeleton rebuilt",
			slog.Int("neurons", len(ev.Neurons)),
			slog.Int("anchors", len(s.anchors)),
		)

	case events.NoteChanged:
		// Notes are not drawn.
	}
}

// putAnchor draws a, or erases it when its neuron is hidden.
func (s *Skeleton) putAnchor(a model.Annotation) {
	if s.hidden[a.NeuronID] {
		s.removeAnchor(a.ID)
		return
	}
	s.anchors[a.ID] = Anchor{
		ID:       a.ID,
		NeuronID: a.NeuronID,
		ParentID: a.ParentID,
		Pos:      a.Pos,
		Radius:   a.Radius,
	}
}

func (s *Skeleton) removeAnchor(id model.AnnotationID) {
	delete(s.anchors, id)
	if s.nextParent == id {
		s.nextParent = model.NoAnnotation
	}
}

func (s *Skeleton) putPath(nid model.NeuronID, k model.PathKey, pts []model.Vec3) {
	m, ok := s.paths[nid]
	if !ok {
		m = make(map[model.PathKey][]model.Vec3)
		s.paths[nid] = m
	}
	m[k] = append([]model.Vec3(nil), pts...)
}

func (s *Skeleton) removePathsTouching(nid model.NeuronID, id model.AnnotationID) {
	for k := range s.paths[nid] {
		if k.Touches(id) {
			delete(s.paths[nid], k)
		}
	}
}

// addNeuron draws every anchor of a neuron parents first, then its
// anchored paths. Hidden neurons are not drawn.
func (s *Skeleton) addNeuron(st *model.NeuronState) {
	if !st.Visible {
		s.hidden[st.ID] = true
		return
	}
	delete(s.hidden, st.ID)
	for _, root := range st.RootAnnotations() {
		for _, id := range st.SubtreeList(root) {
			s.putAnchor(*st.Annotations[id])
		}
	}
	for _, k := range st.PathKeys() {
		s.putPath(st.ID, k, st.Paths[k].Points)
	}
}

func (s *Skeleton) removeNeuron(nid model.NeuronID) {
	for id, a := range s.anchors {
		if a.NeuronID == nid {
			s.removeAnchor(id)
		}
	}
	delete(s.paths, nid)
	delete(s.hidden, nid)
}

// replaceNeuron applies a wholesale neuron change as delete-then-recreate,
// keeping the next parent when it survives.
func (s *Skeleton) replaceNeuron(st *model.NeuronState) {
	keep := s.nextParent
	s.removeNeuron(st.ID)
	s.addNeuron(st)
	if _, ok := s.anchors[keep]; ok {
		s.nextParent = keep
	}
}

// =============================================================================
// Next parent
// =============================================================================

// NextParent returns the anchor new points are appended to.
func (s *Skeleton) NextParent() (model.AnnotationID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextParent, s.nextParent != model.NoAnnotation
}

// SetNextParent selects id as next parent. Unknown IDs clear the selection.
func (s *Skeleton) SetNextParent(id model.AnnotationID) {
	s.mu.Lock()
	before := s.nextParent
	if _, ok := s.anchors[id]; ok {
		s.nextParent = id
	} else {
		s.nextParent = model.NoAnnotation
	}
	after := s.nextParent
	s.mu.Unlock()

	if after != before && s.onNextParent != nil {
		s.onNextParent(after)
	}
}

// SelectNeuron moves the next parent into a newly selected neuron. A next
// parent already inside the neuron is kept; an empty neuron clears it;
// otherwise the first end node of the first root is chosen.
func (s *Skeleton) SelectNeuron(st *model.NeuronState) {
	s.mu.RLock()
	cur := s.nextParent
	s.mu.RUnlock()

	if _, ok := st.Annotations[cur]; ok && cur != model.NoAnnotation {
		return
	}
	roots := st.RootAnnotations()
	if len(roots) == 0 {
		s.SetNextParent(model.NoAnnotation)
		return
	}
	if end, ok := st.FirstEnd(roots[0]); ok {
		s.SetNextParent(end)
	}
}

// =============================================================================
// Queries
// =============================================================================

// Anchor returns one anchor.
func (s *Skeleton) Anchor(id model.AnnotationID) (Anchor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anchors[id]
	return a, ok
}

// Anchors returns all anchors ordered by ID.
func (s *Skeleton) Anchors() []Anchor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Anchor, 0, len(s.anchors))
	for _, a := range s.anchors {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of anchors.
func (s *Skeleton) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.anchors)
}

// Edges returns every parent-child pair whose ends are both drawn,
// ordered by child ID.
func (s *Skeleton) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Edge
	for id, a := range s.anchors {
		if a.ParentID == model.NoAnnotation {
			continue
		}
		if _, ok := s.anchors[a.ParentID]; ok {
			out = append(out, Edge{Parent: a.ParentID, Child: id})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Child < out[j].Child })
	return out
}

// Paths returns the anchored paths of a neuron ordered by key.
func (s *Skeleton) Paths(nid model.NeuronID) []Path {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Path, 0, len(s.paths[nid]))
	for k, pts := range s.paths[nid] {
		out = append(out, Path{NeuronID: nid, Key: k, Points: append([]model.Vec3(nil), pts...)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.A != out[j].Key.A {
			return out[i].Key.A < out[j].Key.A
		}
		return out[i].Key.B < out[j].Key.B
	})
	return out
}

// Version increments with every applied change record.
func (s *Skeleton) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Rebuilds counts wholesale rebuilds from load and bulk records.
func (s *Skeleton) Rebuilds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rebuilds
}
