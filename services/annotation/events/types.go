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

import (
	"time"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
)

// Kind identifies a ChangeEvent variant.
type Kind int

const (
	KindAnnotationAdded Kind = iota
	KindAnnotationsDeleted
	KindAnnotationReparented
	KindAnnotationMoved
	KindAnnotationNotMoved
	KindRadiusChanged
	KindNoteChanged
	KindAnchoredPathsChanged
	KindNeuronCreated
	KindNeuronDeleted
	KindNeuronChanged
	KindBulkNeuronsChanged
	KindSpatialIndexReady
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindAnnotationAdded:
		return "annotation_added"
	case KindAnnotationsDeleted:
		return "annotations_deleted"
	case KindAnnotationReparented:
		return "annotation_reparented"
	case KindAnnotationMoved:
		return "annotation_moved"
	case KindAnnotationNotMoved:
		return "annotation_not_moved"
	case KindRadiusChanged:
		return "radius_changed"
	case KindNoteChanged:
		return "note_changed"
	case KindAnchoredPathsChanged:
		return "anchored_paths_changed"
	case KindNeuronCreated:
		return "neuron_created"
	case KindNeuronDeleted:
		return "neuron_deleted"
	case KindNeuronChanged:
		return "neuron_changed"
	case KindBulkNeuronsChanged:
		return "bulk_neurons_changed"
	case KindSpatialIndexReady:
		return "spatial_index_ready"
	default:
		return "unknown"
	}
}

// PerNode reports whether records of this kind describe a single edit and
// are therefore suppressed inside a bulk scope.
func (k Kind) PerNode() bool {
	return k != KindBulkNeuronsChanged && k != KindSpatialIndexReady
}

// ChangeEvent is the sum type of every record the bus carries. The
// unexported marker method closes the set to the variants below.
type ChangeEvent interface {
	Kind() Kind
	changeEvent()
}

// AnnotationAdded reports a newly created annotation.
type AnnotationAdded struct {
	Annotation model.Annotation
}

// AnnotationsDeleted reports annotations removed from a neuron. IDs are in
// pre-order; ParentID is the surviving parent of the removed subtree, or
// NoAnnotation when a root was removed.
type AnnotationsDeleted struct {
	NeuronID model.NeuronID
	IDs      []model.AnnotationID
	ParentID model.AnnotationID
}

// AnnotationReparented reports an annotation whose parent changed.
type AnnotationReparented struct {
	Annotation     model.Annotation
	PreviousParent model.AnnotationID
	PreviousNeuron model.NeuronID
}

// AnnotationMoved reports a committed coordinate change.
type AnnotationMoved struct {
	Annotation model.Annotation
	From       model.Vec3
}

// AnnotationNotMoved is a rollback signal: a move that a view may already
// be showing did not happen. Annotation holds the committed position.
type AnnotationNotMoved struct {
	Annotation model.Annotation
	Attempted  model.Vec3
}

// RadiusChanged reports new radii for the listed annotations.
type RadiusChanged struct {
	NeuronID model.NeuronID
	IDs      []model.AnnotationID
	Radius   float64
}

// NoteChanged reports a note set or removed. An empty Note means removed.
type NoteChanged struct {
	NeuronID     model.NeuronID
	AnnotationID model.AnnotationID
	Note         string
}

// AnchoredPathsChanged reports anchored paths added or removed.
type AnchoredPathsChanged struct {
	NeuronID model.NeuronID
	Added    []model.AnchoredPath
	Removed  []model.PathKey
}

// NeuronCreated reports a new neuron together with its initial content.
type NeuronCreated struct {
	Neuron *model.NeuronState
}

// NeuronDeleted reports a removed neuron and the annotations it held.
type NeuronDeleted struct {
	NeuronID    model.NeuronID
	Annotations []model.AnnotationID
}

// NeuronChanged replaces a neuron's representation wholesale. Listeners
// treat it as delete-then-recreate of that neuron.
type NeuronChanged struct {
	Neuron *model.NeuronState
}

// BulkNeuronsChanged closes a bulk operation. Updated holds the new
// states; Removed lists neurons that no longer exist.
type BulkNeuronsChanged struct {
	Updated []*model.NeuronState
	Removed []model.NeuronID
}

// SpatialIndexReady closes a workspace load. Neurons holds every loaded
// state; the spatial index is populated when it is delivered.
type SpatialIndexReady struct {
	Neurons []*model.NeuronState
}

func (AnnotationAdded) Kind() Kind      { return KindAnnotationAdded }
func (AnnotationsDeleted) Kind() Kind   { return KindAnnotationsDeleted }
func (AnnotationReparented) Kind() Kind { return KindAnnotationReparented }
func (AnnotationMoved) Kind() Kind      { return KindAnnotationMoved }
func (AnnotationNotMoved) Kind() Kind   { return KindAnnotationNotMoved }
func (RadiusChanged) Kind() Kind        { return KindRadiusChanged }
func (NoteChanged) Kind() Kind          { return KindNoteChanged }
func (AnchoredPathsChanged) Kind() Kind { return KindAnchoredPathsChanged }
func (NeuronCreated) Kind() Kind        { return KindNeuronCreated }
func (NeuronDeleted) Kind() Kind        { return KindNeuronDeleted }
func (NeuronChanged) Kind() Kind        { return KindNeuronChanged }
func (BulkNeuronsChanged) Kind() Kind   { return KindBulkNeuronsChanged }
func (SpatialIndexReady) Kind() Kind    { return KindSpatialIndexReady }

func (AnnotationAdded) changeEvent()      {}
func (AnnotationsDeleted) changeEvent()   {}
func (AnnotationReparented) changeEvent() {}
func (AnnotationMoved) changeEvent()      {}
func (AnnotationNotMoved) changeEvent()   {}
func (RadiusChanged) changeEvent()        {}
func (NoteChanged) changeEvent()          {}
func (AnchoredPathsChanged) changeEvent() {}
func (NeuronCreated) changeEvent()        {}
func (NeuronDeleted) changeEvent()        {}
func (NeuronChanged) changeEvent()        {}
func (BulkNeuronsChanged) changeEvent()   {}
func (SpatialIndexReady) changeEvent()    {}

// Origin tells listeners where a change came from.
type Origin int

const (
	// OriginLocal marks edits made through this process's engine.
	OriginLocal Origin = iota

	// OriginRemote marks reconciliation of another editor's changes.
	OriginRemote
)

// String returns the string representation of the origin.
func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Envelope wraps a ChangeEvent with delivery metadata.
type Envelope struct {
	// Seq is the bus-wide emission order, starting at 1.
	Seq uint64

	// Batch groups records published by one logical edit.
	Batch uint64

	Origin    Origin
	Timestamp time.Time
	Change    ChangeEvent
}
