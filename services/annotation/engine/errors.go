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
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/ownership"
)

// Sentinel errors for edit operations. Every refusal is detected before
// the working copy is committed, so a returned error never leaves a
// partial mutation behind.
var (
	// ErrNotFound is returned when a referenced annotation, neuron or
	// anchored path does not exist in the current tree.
	ErrNotFound = errors.New("not found")

	// ErrNotOwner is returned when the ownership gate refuses the edit.
	ErrNotOwner = ownership.ErrNotOwner

	// ErrNotALink is returned by DeleteLink for branches and for roots
	// that still have children.
	ErrNotALink = errors.New("annotation is not a link")

	// ErrAmbiguousSplit is returned by SplitAnchor for a root that does not
	// have exactly one child.
	ErrAmbiguousSplit = errors.New("split direction is ambiguous")

	// ErrAlreadyRoot is returned when rerooting at the current root.
	ErrAlreadyRoot = errors.New("annotation is already the root")

	// ErrCannotSplitAtRoot is returned when splitting a neurite at its root.
	ErrCannotSplitAtRoot = errors.New("cannot split a neurite at its root")

	// ErrWouldCreateCycle is returned when a merge would connect two nodes
	// that are already connected. Use errors.As with *CycleError to get
	// the common ancestor.
	ErrWouldCreateCycle = errors.New("merge would create a cycle")

	// ErrSameNeurite is returned by SmartMerge for two connected nodes.
	ErrSameNeurite = errors.New("annotations are on the same neurite")

	// ErrCancelled is returned when the context ends before the commit.
	// The tree is left unchanged.
	ErrCancelled = errors.New("edit cancelled")

	// ErrPersistence is returned when the persistence collaborator rejects
	// a commit. The in-memory tree is left unchanged.
	ErrPersistence = errors.New("persistence failed")

	// ErrInvalidRadius is returned for a radius that is not positive.
	ErrInvalidRadius = errors.New("radius must be positive")

	// ErrPathMismatch is returned when an anchored path's end points do
	// not match its endpoint annotations.
	ErrPathMismatch = errors.New("anchored path does not match its endpoints")

	// ErrConcurrentEdit is returned when an annotation keeps changing
	// neuron while the edit tries to lock it.
	ErrConcurrentEdit = errors.New("annotation changed neuron during edit")

	// ErrReadOnly is returned for edits on a read-only workspace.
	ErrReadOnly = errors.New("workspace is read-only")

	// ErrInvalidWorkspace is returned when imported neurons are malformed
	// or collide with each other.
	ErrInvalidWorkspace = errors.New("invalid workspace content")
)

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

// Unwrap returns ErrNotFound.
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func annotationNotFound(id model.AnnotationID) error {
	return &NotFoundError{Kind: "annotation", ID: int64(id)}
}

func neuronNotFound(id model.NeuronID) error {
	return &NotFoundError{Kind: "neuron", ID: int64(id)}
}

// CycleError reports a refused merge together with the common ancestor of
// the two annotations, for user orientation.
type CycleError struct {
	Ancestor model.AnnotationID
	Pos      model.Vec3
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("merge would create a cycle: common ancestor %d at (%.1f, %.1f, %.1f)",
		e.Ancestor, e.Pos.X, e.Pos.Y, e.Pos.Z)
}

// Unwrap returns ErrWouldCreateCycle.
func (e *CycleError) Unwrap() error { return ErrWouldCreateCycle }
