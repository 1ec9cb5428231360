// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

// Mutation primitives. These are only valid on working copies obtained
// from Txn.Neuron or Txn.CreateNeuron; callers validate preconditions
// before calling them, so none of them fail.

// Insert adds a to the neuron. If a.ParentID is set the annotation is
// appended to its parent's children, otherwise it is appended to Roots.
// The parent must already exist in the neuron.
func (s *NeuronState) Insert(a *Annotation) {
	a.NeuronID = s.ID
	s.Annotations[a.ID] = a
	if a.IsRoot() {
		s.Roots = append(s.Roots, a.ID)
		return
	}
	p := s.Annotations[a.ParentID]
	p.Children = append(p.Children, a.ID)
}

// Detach makes id a root of its own neurite. It is a no-op for roots.
func (s *NeuronState) Detach(id AnnotationID) {
	a := s.Annotations[id]
	if a.IsRoot() {
		return
	}
	if p, ok := s.Annotations[a.ParentID]; ok {
		p.removeChild(id)
	}
	a.ParentID = NoAnnotation
	s.Roots = append(s.Roots, id)
}

// Attach makes the root child a child of parent. child must be a root.
func (s *NeuronState) Attach(child, parent AnnotationID) {
	s.removeRoot(child)
	c := s.Annotations[child]
	c.ParentID = parent
	p := s.Annotations[parent]
	p.Children = append(p.Children, child)
}

// Reparent moves id from its current parent (or the root list) to parent.
func (s *NeuronState) Reparent(id, parent AnnotationID) {
	a := s.Annotations[id]
	if a.IsRoot() {
		s.removeRoot(id)
	} else if p, ok := s.Annotations[a.ParentID]; ok {
		p.removeChild(id)
	}
	a.ParentID = parent
	if parent == NoAnnotation {
		s.Roots = append(s.Roots, id)
		return
	}
	p := s.Annotations[parent]
	p.Children = append(p.Children, id)
}

// Interpose inserts a between child and child's parent. a takes child's
// slot in the parent's children, so sibling order is unchanged.
func (s *NeuronState) Interpose(a *Annotation, child AnnotationID) {
	c := s.Annotations[child]
	a.NeuronID = s.ID
	a.ParentID = c.ParentID
	a.Children = []AnnotationID{child}
	s.Annotations[a.ID] = a
	if p, ok := s.Annotations[c.ParentID]; ok {
		for i, id := range p.Children {
			if id == child {
				p.Children[i] = a.ID
				break
			}
		}
	}
	c.ParentID = a.ID
}

// Reroot reverses the parent chain from id up to its root so that id
// becomes the root. The new root takes the old root's slot in Roots.
// It is a no-op when id is already a root.
func (s *NeuronState) Reroot(id AnnotationID) {
	a := s.Annotations[id]
	if a.IsRoot() {
		return
	}
	chain := []AnnotationID{id}
	for cur := a; !cur.IsRoot(); {
		cur = s.Annotations[cur.ParentID]
		chain = append(chain, cur.ID)
	}
	oldRoot := chain[len(chain)-1]
	for i := 0; i < len(chain)-1; i++ {
		child := s.Annotations[chain[i]]
		parent := s.Annotations[chain[i+1]]
		parent.removeChild(child.ID)
		child.Children = append(child.Children, parent.ID)
	}
	for i := len(chain) - 1; i > 0; i-- {
		s.Annotations[chain[i]].ParentID = chain[i-1]
	}
	a.ParentID = NoAnnotation
	for i, r := range s.Roots {
		if r == oldRoot {
			s.Roots[i] = id
			return
		}
	}
	s.Roots = append(s.Roots, id)
}

// Remove deletes the given annotations together with their notes and any
// anchored path touching them. Links from surviving parents and the root
// list are cleaned up. Surviving children of a removed node are not
// reparented; callers reparent them first.
func (s *NeuronState) Remove(ids ...AnnotationID) {
	gone := make(map[AnnotationID]struct{}, len(ids))
	for _, id := range ids {
		gone[id] = struct{}{}
	}
	for _, id := range ids {
		a, ok := s.Annotations[id]
		if !ok {
			continue
		}
		if a.IsRoot() {
			s.removeRoot(id)
		} else if _, parentGone := gone[a.ParentID]; !parentGone {
			if p, ok := s.Annotations[a.ParentID]; ok {
				p.removeChild(id)
			}
		}
		delete(s.Annotations, id)
		delete(s.Notes, id)
	}
	for k := range s.Paths {
		_, ga := gone[k.A]
		_, gb := gone[k.B]
		if ga || gb {
			delete(s.Paths, k)
		}
	}
}

// RemovePathsTouching deletes every anchored path with id as an endpoint
// and returns the removed keys in sorted order.
func (s *NeuronState) RemovePathsTouching(id AnnotationID) []PathKey {
	var removed []PathKey
	for k := range s.Paths {
		if k.Touches(id) {
			removed = append(removed, k)
			delete(s.Paths, k)
		}
	}
	sortPathKeys(removed)
	return removed
}

// RemovePath deletes the anchored path between a and b.
func (s *NeuronState) RemovePath(a, b AnnotationID) bool {
	k := NewPathKey(a, b)
	if _, ok := s.Paths[k]; !ok {
		return false
	}
	delete(s.Paths, k)
	return true
}

// SetPath stores p, replacing any existing path with the same key.
func (s *NeuronState) SetPath(p *AnchoredPath) {
	s.Paths[p.Key] = p
}

// SetNote attaches note to id. An empty note removes it.
func (s *NeuronState) SetNote(id AnnotationID, note string) {
	if note == "" {
		delete(s.Notes, id)
		return
	}
	s.Notes[id] = note
}

// StripPredefinedNotes removes notes that are invalid once id has
// children or a new parent. It reports whether a note was removed.
func (s *NeuronState) StripPredefinedNotes(id AnnotationID) bool {
	n, ok := s.Notes[id]
	if !ok {
		return false
	}
	if n == NoteTracedEnd || n == NoteFutureBranch {
		delete(s.Notes, id)
		return true
	}
	return false
}

// MoveNeuriteTo moves the neurite rooted at root from s into dst,
// preserving its internal structure. Notes and anchored paths whose
// endpoints both lie inside the neurite travel with it. root must be a
// root of s. It returns the moved annotation IDs in pre-order.
func (s *NeuronState) MoveNeuriteTo(dst *NeuronState, root AnnotationID) []AnnotationID {
	ids := s.SubtreeList(root)
	in := make(map[AnnotationID]struct{}, len(ids))
	for _, id := range ids {
		in[id] = struct{}{}
	}
	s.removeRoot(root)
	for _, id := range ids {
		a := s.Annotations[id]
		delete(s.Annotations, id)
		a.NeuronID = dst.ID
		dst.Annotations[id] = a
		if n, ok := s.Notes[id]; ok {
			dst.Notes[id] = n
			delete(s.Notes, id)
		}
	}
	dst.Roots = append(dst.Roots, root)
	for k, p := range s.Paths {
		_, ia := in[k.A]
		_, ib := in[k.B]
		switch {
		case ia && ib:
			dst.Paths[k] = p
			delete(s.Paths, k)
		case ia || ib:
			delete(s.Paths, k)
		}
	}
	return ids
}

func (s *NeuronState) removeRoot(id AnnotationID) {
	for i, r := range s.Roots {
		if r == id {
			s.Roots = append(s.Roots[:i], s.Roots[i+1:]...)
			return
		}
	}
}
