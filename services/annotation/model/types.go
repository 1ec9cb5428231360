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
	"math"
	"sort"
)

// AnnotationID identifies a point annotation within a forest.
type AnnotationID int64

// NeuronID identifies a neuron within a forest.
type NeuronID int64

// NoAnnotation is the zero AnnotationID. A root's ParentID is NoAnnotation.
const NoAnnotation AnnotationID = 0

// NoNeuron is the zero NeuronID.
const NoNeuron NeuronID = 0

// Predefined notes that only make sense on a node without children.
const (
	NoteTracedEnd    = "traced end"
	NoteFutureBranch = "future branch"
)

// =============================================================================
// Geometry
// =============================================================================

// Vec3 is a point in micron space.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Scale returns v * s.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Len returns the Euclidean length of v.
func (v Vec3) Len() float64 { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }

// Dist2 returns the squared Euclidean distance between v and o.
func (v Vec3) Dist2(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}

// Dist returns the Euclidean distance between v and o.
func (v Vec3) Dist(o Vec3) float64 { return math.Sqrt(v.Dist2(o)) }

// Lerp returns the point at parameter t on the segment from v to o.
// t = 0 yields v, t = 1 yields o.
func (v Vec3) Lerp(o Vec3, t float64) Vec3 {
	return v.Add(o.Sub(v).Scale(t))
}

// =============================================================================
// Annotation
// =============================================================================

// Annotation is a single traced point ("anchor") of a neuron skeleton.
//
// Annotations held by a committed NeuronState are immutable. Only the
// working copies handed out by a Txn may be modified.
type Annotation struct {
	ID       AnnotationID   `json:"id"`
	NeuronID NeuronID       `json:"neuron_id"`
	Pos      Vec3           `json:"pos"`
	Radius   float64        `json:"radius"`
	ParentID AnnotationID   `json:"parent_id,omitempty"`
	Children []AnnotationID `json:"children,omitempty"`
}

// IsRoot reports whether the annotation has no parent.
func (a *Annotation) IsRoot() bool { return a.ParentID == NoAnnotation }

// IsBranch reports whether the annotation has more than one child.
func (a *Annotation) IsBranch() bool { return len(a.Children) > 1 }

// IsEnd reports whether the annotation has no children.
func (a *Annotation) IsEnd() bool { return len(a.Children) == 0 }

// IsLink reports whether the annotation has a parent and at most one child.
func (a *Annotation) IsLink() bool { return !a.IsRoot() && len(a.Children) <= 1 }

// Copy returns a deep copy of the annotation.
func (a *Annotation) Copy() *Annotation {
	c := *a
	if a.Children != nil {
		c.Children = append([]AnnotationID(nil), a.Children...)
	}
	return &c
}

func (a *Annotation) removeChild(id AnnotationID) bool {
	for i, c := range a.Children {
		if c == id {
			a.Children = append(a.Children[:i], a.Children[i+1:]...)
			return true
		}
	}
	return false
}

// =============================================================================
// Anchored paths
// =============================================================================

// PathKey identifies an anchored path by its unordered endpoint pair.
// A is always the smaller identity.
type PathKey struct {
	A AnnotationID `json:"a"`
	B AnnotationID `json:"b"`
}

// NewPathKey returns the canonical key for the pair (a, b).
func NewPathKey(a, b AnnotationID) PathKey {
	if b < a {
		a, b = b, a
	}
	return PathKey{A: a, B: b}
}

// Touches reports whether id is one of the key's endpoints.
func (k PathKey) Touches(id AnnotationID) bool { return k.A == id || k.B == id }

// AnchoredPath is a traced polyline between two annotations. Points run
// from the annotation Key.A to the annotation Key.B.
type AnchoredPath struct {
	Key    PathKey `json:"key"`
	Points []Vec3  `json:"points"`
}

func (p *AnchoredPath) copyPath() *AnchoredPath {
	return &AnchoredPath{Key: p.Key, Points: append([]Vec3(nil), p.Points...)}
}

// =============================================================================
// Neuron state
// =============================================================================

// NeuronState is the full tree content of one neuron at a point in time.
//
// Committed states are never modified; readers may hold on to them without
// locking. Edits operate on clones obtained from a Txn.
type NeuronState struct {
	ID       NeuronID
	Name     string
	Owner    string
	Visible  bool
	ReadOnly bool

	// Version increments on every committed change.
	Version uint64

	Annotations map[AnnotationID]*Annotation
	Roots       []AnnotationID
	Paths       map[PathKey]*AnchoredPath
	Notes       map[AnnotationID]string
}

// NewNeuronState returns an empty, visible neuron.
func NewNeuronState(id NeuronID, name, owner string) *NeuronState {
	return &NeuronState{
		ID:          id,
		Name:        name,
		Owner:       owner,
		Visible:     true,
		Annotations: make(map[AnnotationID]*Annotation),
		Paths:       make(map[PathKey]*AnchoredPath),
		Notes:       make(map[AnnotationID]string),
	}
}

// Clone returns a deep copy suitable for editing.
func (s *NeuronState) Clone() *NeuronState {
	c := &NeuronState{
		ID:          s.ID,
		Name:        s.Name,
		Owner:       s.Owner,
		Visible:     s.Visible,
		ReadOnly:    s.ReadOnly,
		Version:     s.Version,
		Annotations: make(map[AnnotationID]*Annotation, len(s.Annotations)),
		Roots:       append([]AnnotationID(nil), s.Roots...),
		Paths:       make(map[PathKey]*AnchoredPath, len(s.Paths)),
		Notes:       make(map[AnnotationID]string, len(s.Notes)),
	}
	for id, a := range s.Annotations {
		c.Annotations[id] = a.Copy()
	}
	for k, p := range s.Paths {
		c.Paths[k] = p.copyPath()
	}
	for id, n := range s.Notes {
		c.Notes[id] = n
	}
	return c
}

// Len returns the number of annotations in the neuron.
func (s *NeuronState) Len() int { return len(s.Annotations) }

// IsEmpty reports whether the neuron holds no annotations.
func (s *NeuronState) IsEmpty() bool { return len(s.Annotations) == 0 }

// Annotation returns the annotation with the given ID.
func (s *NeuronState) Annotation(id AnnotationID) (*Annotation, bool) {
	a, ok := s.Annotations[id]
	return a, ok
}

// AnnotationIDs returns all annotation IDs in ascending order.
func (s *NeuronState) AnnotationIDs() []AnnotationID {
	ids := make([]AnnotationID, 0, len(s.Annotations))
	for id := range s.Annotations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Note returns the note attached to id, if any.
func (s *NeuronState) Note(id AnnotationID) (string, bool) {
	n, ok := s.Notes[id]
	return n, ok
}

// Path returns the anchored path between a and b, if any.
func (s *NeuronState) Path(a, b AnnotationID) (*AnchoredPath, bool) {
	p, ok := s.Paths[NewPathKey(a, b)]
	return p, ok
}

// PathKeys returns the keys of all anchored paths, sorted.
func (s *NeuronState) PathKeys() []PathKey {
	keys := make([]PathKey, 0, len(s.Paths))
	for k := range s.Paths {
		keys = append(keys, k)
	}
	sortPathKeys(keys)
	return keys
}

func sortPathKeys(keys []PathKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].A != keys[j].A {
			return keys[i].A < keys[j].A
		}
		return keys[i].B < keys[j].B
	})
}
