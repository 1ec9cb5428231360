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

import (
	"errors"
	"fmt"
)

// ErrInvalidTree is wrapped by every structural validation failure.
var ErrInvalidTree = errors.New("invalid annotation tree")

// Validate checks the structural invariants of the neuron:
//   - every annotation points back to this neuron
//   - parent and child links are symmetric
//   - the root list holds exactly the parentless annotations, once each
//   - every parent chain reaches a root (no cycles)
//   - anchored paths reference existing annotations
func (s *NeuronState) Validate() error {
	childOf := make(map[AnnotationID]AnnotationID, len(s.Annotations))
	for id, a := range s.Annotations {
		if a.ID != id {
			return fmt.Errorf("%w: annotation key %d holds id %d", ErrInvalidTree, id, a.ID)
		}
		if a.NeuronID != s.ID {
			return fmt.Errorf("%w: annotation %d claims neuron %d, held by %d", ErrInvalidTree, id, a.NeuronID, s.ID)
		}
		for _, c := range a.Children {
			child, ok := s.Annotations[c]
			if !ok {
				return fmt.Errorf("%w: annotation %d lists missing child %d", ErrInvalidTree, id, c)
			}
			if child.ParentID != id {
				return fmt.Errorf("%w: child %d of %d points at parent %d", ErrInvalidTree, c, id, child.ParentID)
			}
			if prev, dup := childOf[c]; dup {
				return fmt.Errorf("%w: annotation %d is a child of both %d and %d", ErrInvalidTree, c, prev, id)
			}
			childOf[c] = id
		}
	}

	roots := make(map[AnnotationID]struct{}, len(s.Roots))
	for _, r := range s.Roots {
		a, ok := s.Annotations[r]
		if !ok {
			return fmt.Errorf("%w: root list holds missing annotation %d", ErrInvalidTree, r)
		}
		if !a.IsRoot() {
			return fmt.Errorf("%w: root list holds non-root %d", ErrInvalidTree, r)
		}
		if _, dup := roots[r]; dup {
			return fmt.Errorf("%w: root %d listed twice", ErrInvalidTree, r)
		}
		roots[r] = struct{}{}
	}

	for id, a := range s.Annotations {
		if a.IsRoot() {
			if _, ok := roots[id]; !ok {
				return fmt.Errorf("%w: root %d missing from root list", ErrInvalidTree, id)
			}
			continue
		}
		if p, ok := childOf[id]; !ok || p != a.ParentID {
			return fmt.Errorf("%w: annotation %d not listed by parent %d", ErrInvalidTree, id, a.ParentID)
		}
		if _, ok := s.RootOf(id); !ok {
			return fmt.Errorf("%w: parent chain of %d does not reach a root", ErrInvalidTree, id)
		}
	}

	for k := range s.Paths {
		if _, ok := s.Annotations[k.A]; !ok {
			return fmt.Errorf("%w: path %v references missing annotation %d", ErrInvalidTree, k, k.A)
		}
		if _, ok := s.Annotations[k.B]; !ok {
			return fmt.Errorf("%w: path %v references missing annotation %d", ErrInvalidTree, k, k.B)
		}
	}
	for id := range s.Notes {
		if _, ok := s.Annotations[id]; !ok {
			return fmt.Errorf("%w: note attached to missing annotation %d", ErrInvalidTree, id)
		}
	}
	return nil
}

// Validate checks every neuron plus the agreement between the owner index
// and the neuron contents.
func (f *Forest) Validate() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	total := 0
	for id, s := range f.neurons {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("neuron %d: %w", id, err)
		}
		for aid := range s.Annotations {
			if f.owners[aid] != id {
				return fmt.Errorf("%w: owner index maps %d to %d, held by %d", ErrInvalidTree, aid, f.owners[aid], id)
			}
		}
		total += len(s.Annotations)
	}
	if total != len(f.owners) {
		return fmt.Errorf("%w: owner index holds %d entries for %d annotations", ErrInvalidTree, len(f.owners), total)
	}
	return nil
}
