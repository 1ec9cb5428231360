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

// SubtreeList returns id and all of its descendants in pre-order: every
// parent precedes its children and children follow insertion order.
// It returns nil if id is not in the neuron.
func (s *NeuronState) SubtreeList(id AnnotationID) []AnnotationID {
	if _, ok := s.Annotations[id]; !ok {
		return nil
	}
	var out []AnnotationID
	stack := []AnnotationID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, cur)
		children := s.Annotations[cur].Children
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return out
}

// RootAnnotations returns the roots of the neuron's neurites in the order
// they were created.
func (s *NeuronState) RootAnnotations() []AnnotationID {
	return append([]AnnotationID(nil), s.Roots...)
}

// ChildrenOrdered returns the children of id in insertion order.
func (s *NeuronState) ChildrenOrdered(id AnnotationID) []AnnotationID {
	a, ok := s.Annotations[id]
	if !ok {
		return nil
	}
	return append([]AnnotationID(nil), a.Children...)
}

// Parent returns the parent of id, or false for roots and unknown IDs.
func (s *NeuronState) Parent(id AnnotationID) (*Annotation, bool) {
	a, ok := s.Annotations[id]
	if !ok || a.IsRoot() {
		return nil, false
	}
	p, ok := s.Annotations[a.ParentID]
	return p, ok
}

// RootOf walks from id to the root of its neurite. The walk is bounded by
// the annotation count so a corrupted parent chain cannot loop forever.
func (s *NeuronState) RootOf(id AnnotationID) (AnnotationID, bool) {
	a, ok := s.Annotations[id]
	if !ok {
		return NoAnnotation, false
	}
	for steps := 0; !a.IsRoot(); steps++ {
		if steps > len(s.Annotations) {
			return NoAnnotation, false
		}
		a, ok = s.Annotations[a.ParentID]
		if !ok {
			return NoAnnotation, false
		}
	}
	return a.ID, true
}

// Depth returns the number of parent steps from id to its root; a root has
// depth 0.
func (s *NeuronState) Depth(id AnnotationID) (int, bool) {
	a, ok := s.Annotations[id]
	if !ok {
		return 0, false
	}
	depth := 0
	for !a.IsRoot() {
		if depth > len(s.Annotations) {
			return 0, false
		}
		a, ok = s.Annotations[a.ParentID]
		if !ok {
			return 0, false
		}
		depth++
	}
	return depth, true
}

// SameNeurite reports whether a and b belong to the same connected neurite.
func (s *NeuronState) SameNeurite(a, b AnnotationID) bool {
	ra, ok := s.RootOf(a)
	if !ok {
		return false
	}
	rb, ok := s.RootOf(b)
	return ok && ra == rb
}

// CommonAncestor returns the first annotation on b's rootward chain
// (b included) that is also on a's rootward chain (a included). It returns
// false when a and b are on different neurites.
func (s *NeuronState) CommonAncestor(a, b AnnotationID) (AnnotationID, bool) {
	if _, ok := s.Annotations[a]; !ok {
		return NoAnnotation, false
	}
	if _, ok := s.Annotations[b]; !ok {
		return NoAnnotation, false
	}
	seen := make(map[AnnotationID]struct{})
	for cur, steps := a, 0; steps <= len(s.Annotations); steps++ {
		seen[cur] = struct{}{}
		ann := s.Annotations[cur]
		if ann.IsRoot() {
			break
		}
		cur = ann.ParentID
	}
	for cur, steps := b, 0; steps <= len(s.Annotations); steps++ {
		if _, ok := seen[cur]; ok {
			return cur, true
		}
		ann := s.Annotations[cur]
		if ann.IsRoot() {
			break
		}
		cur = ann.ParentID
	}
	return NoAnnotation, false
}

// Endpoints returns the degree-one (or isolated) nodes of the neurite
// rooted at root in pre-order: every end node, plus the root itself when
// it has at most one child.
func (s *NeuronState) Endpoints(root AnnotationID) []AnnotationID {
	var out []AnnotationID
	for _, id := range s.SubtreeList(root) {
		a := s.Annotations[id]
		if a.IsEnd() || (a.IsRoot() && len(a.Children) <= 1) {
			out = append(out, id)
		}
	}
	return out
}

// FirstEnd returns the first end node reached by always following the
// first child from root.
func (s *NeuronState) FirstEnd(root AnnotationID) (AnnotationID, bool) {
	a, ok := s.Annotations[root]
	if !ok {
		return NoAnnotation, false
	}
	for !a.IsEnd() {
		a = s.Annotations[a.Children[0]]
	}
	return a.ID, true
}

// =============================================================================
// Navigation
// =============================================================================

// Direction selects a relative annotation for keyboard navigation.
type Direction int

const (
	// RootwardStep moves to the parent.
	RootwardStep Direction = iota

	// RootwardJump moves toward the root, stopping at the first branch or root.
	RootwardJump

	// EndwardStep moves to the first child.
	EndwardStep

	// EndwardJump follows first children, stopping at the first branch or end.
	EndwardJump

	// NextParallel moves to the next sibling branch at the nearest rootward branch.
	NextParallel

	// PrevParallel moves to the previous sibling branch at the nearest rootward branch.
	PrevParallel
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case RootwardStep:
		return "rootward_step"
	case RootwardJump:
		return "rootward_jump"
	case EndwardStep:
		return "endward_step"
	case EndwardJump:
		return "endward_jump"
	case NextParallel:
		return "next_parallel"
	case PrevParallel:
		return "prev_parallel"
	default:
		return "unknown"
	}
}

// Navigate returns the annotation reached from id in direction dir. When
// no move is possible the result is id itself.
func (s *NeuronState) Navigate(id AnnotationID, dir Direction) (AnnotationID, bool) {
	a, ok := s.Annotations[id]
	if !ok {
		return NoAnnotation, false
	}
	switch dir {
	case RootwardStep, RootwardJump:
		if a.IsRoot() {
			return id, true
		}
		a = s.Annotations[a.ParentID]
		if dir == RootwardStep {
			return a.ID, true
		}
		for !a.IsRoot() && !a.IsBranch() {
			a = s.Annotations[a.ParentID]
		}
		return a.ID, true

	case EndwardStep, EndwardJump:
		if a.IsEnd() {
			return id, true
		}
		a = s.Annotations[a.Children[0]]
		if dir == EndwardStep {
			return a.ID, true
		}
		for !a.IsEnd() && !a.IsBranch() {
			a = s.Annotations[a.Children[0]]
		}
		return a.ID, true

	case NextParallel, PrevParallel:
		if a.IsRoot() {
			if len(a.Children) <= 1 {
				return id, true
			}
			if dir == NextParallel {
				return a.Children[0], true
			}
			return a.Children[len(a.Children)-1], true
		}
		prev := a
		cur := s.Annotations[prev.ParentID]
		for !cur.IsBranch() && !cur.IsRoot() {
			prev = cur
			cur = s.Annotations[prev.ParentID]
		}
		if cur.IsRoot() && len(cur.Children) == 1 {
			return id, true
		}
		idx := 0
		for i, c := range cur.Children {
			if c == prev.ID {
				idx = i
				break
			}
		}
		n := len(cur.Children)
		offset := 1
		if dir == PrevParallel {
			offset = -1
		}
		return cur.Children[((idx+offset)%n+n)%n], true
	}
	return id, true
}
