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
	"fmt"
	"sort"
)

// NeuronRecord is the flat, serializable form of a neuron exchanged with
// the persistence and import collaborators.
type NeuronRecord struct {
	ID          NeuronID           `json:"id" yaml:"id"`
	Name        string             `json:"name" yaml:"name"`
	Owner       string             `json:"owner" yaml:"owner"`
	Annotations []AnnotationRecord `json:"annotations" yaml:"annotations"`
	Paths       []PathRecord       `json:"paths,omitempty" yaml:"paths,omitempty"`
}

// AnnotationRecord is the serializable form of an annotation. Records are
// listed parents first so children keep their insertion order on import.
type AnnotationRecord struct {
	ID       AnnotationID `json:"id" yaml:"id"`
	ParentID AnnotationID `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Pos      Vec3         `json:"pos" yaml:"pos"`
	Radius   float64      `json:"radius" yaml:"radius"`
	Note     string       `json:"note,omitempty" yaml:"note,omitempty"`
}

// PathRecord is the serializable form of an anchored path.
type PathRecord struct {
	A      AnnotationID `json:"a" yaml:"a"`
	B      AnnotationID `json:"b" yaml:"b"`
	Points []Vec3       `json:"points" yaml:"points"`
}

// Record flattens the state. Annotations are emitted neurite by neurite
// in pre-order.
func (s *NeuronState) Record() NeuronRecord {
	rec := NeuronRecord{
		ID:          s.ID,
		Name:        s.Name,
		Owner:       s.Owner,
		Annotations: make([]AnnotationRecord, 0, len(s.Annotations)),
	}
	for _, root := range s.Roots {
		for _, id := range s.SubtreeList(root) {
			a := s.Annotations[id]
			rec.Annotations = append(rec.Annotations, AnnotationRecord{
				ID:       a.ID,
				ParentID: a.ParentID,
				Pos:      a.Pos,
				Radius:   a.Radius,
				Note:     s.Notes[id],
			})
		}
	}
	for _, k := range s.PathKeys() {
		p := s.Paths[k]
		rec.Paths = append(rec.Paths, PathRecord{A: k.A, B: k.B, Points: append([]Vec3(nil), p.Points...)})
	}
	return rec
}

// StateFromRecord rebuilds a NeuronState from its record and validates it.
// Annotations whose parent appears later in the record are still accepted;
// children are ordered by their position in the record.
func StateFromRecord(rec NeuronRecord) (*NeuronState, error) {
	s := NewNeuronState(rec.ID, rec.Name, rec.Owner)
	order := make(map[AnnotationID]int, len(rec.Annotations))
	for i, ar := range rec.Annotations {
		if ar.ID == NoAnnotation {
			return nil, fmt.Errorf("neuron %d: annotation at index %d has no id", rec.ID, i)
		}
		if _, dup := s.Annotations[ar.ID]; dup {
			return nil, fmt.Errorf("neuron %d: duplicate annotation %d", rec.ID, ar.ID)
		}
		order[ar.ID] = i
		s.Annotations[ar.ID] = &Annotation{
			ID:       ar.ID,
			NeuronID: rec.ID,
			Pos:      ar.Pos,
			Radius:   ar.Radius,
			ParentID: ar.ParentID,
		}
		if ar.Note != "" {
			s.Notes[ar.ID] = ar.Note
		}
	}
	for _, ar := range rec.Annotations {
		if ar.ParentID == NoAnnotation {
			s.Roots = append(s.Roots, ar.ID)
			continue
		}
		p, ok := s.Annotations[ar.ParentID]
		if !ok {
			return nil, fmt.Errorf("neuron %d: annotation %d references missing parent %d", rec.ID, ar.ID, ar.ParentID)
		}
		p.Children = append(p.Children, ar.ID)
	}
	for _, a := range s.Annotations {
		sort.SliceStable(a.Children, func(i, j int) bool { return order[a.Children[i]] < order[a.Children[j]] })
	}
	for _, pr := range rec.Paths {
		if _, ok := s.Annotations[pr.A]; !ok {
			return nil, fmt.Errorf("neuron %d: path references missing annotation %d", rec.ID, pr.A)
		}
		if _, ok := s.Annotations[pr.B]; !ok {
			return nil, fmt.Errorf("neuron %d: path references missing annotation %d", rec.ID, pr.B)
		}
		k := NewPathKey(pr.A, pr.B)
		pts := append([]Vec3(nil), pr.Points...)
		if k.A != pr.A {
			reverseVec3(pts)
		}
		s.Paths[k] = &AnchoredPath{Key: k, Points: pts}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func reverseVec3(pts []Vec3) {
	for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
		pts[i], pts[j] = pts[j], pts[i]
	}
}
