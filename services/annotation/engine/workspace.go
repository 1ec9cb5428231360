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
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/events"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/spatial"
)

// Gate is the ownership check consulted by every mutating edit.
// *ownership.Coordinator implements it.
type Gate interface {
	CheckOwnership(owner string) bool
	CanRequestOwnership(owner string) bool
	Acting() string
}

// Workspace is the explicit state an edit operates on: one forest, its
// spatial index, the bus its changes go to and the acting session's
// ownership gate. Several workspaces can live in one process.
type Workspace struct {
	ID     uuid.UUID
	Name   string
	Forest *model.Forest
	Index  *spatial.Index
	Bus    *events.Bus
	Owners Gate

	// ReadOnly refuses every gated edit while set.
	ReadOnly atomic.Bool
}

// WorkspaceOption configures NewWorkspace.
type WorkspaceOption func(*workspaceOptions)

type workspaceOptions struct {
	cellSize float64
	bus      *events.Bus
	logger   *slog.Logger
}

// WithCellSize sets the spatial index grid pitch.
func WithCellSize(size float64) WorkspaceOption {
	return func(o *workspaceOptions) { o.cellSize = size }
}

// WithBus uses an existing bus instead of creating one.
func WithBus(bus *events.Bus) WorkspaceOption {
	return func(o *workspaceOptions) { o.bus = bus }
}

// WithWorkspaceLogger sets the logger given to a newly created bus.
func WithWorkspaceLogger(logger *slog.Logger) WorkspaceOption {
	return func(o *workspaceOptions) { o.logger = logger }
}

// NewWorkspace creates an empty workspace gated by owners.
func NewWorkspace(name string, owners Gate, opts ...WorkspaceOption) (*Workspace, error) {
	o := workspaceOptions{cellSize: spatial.DefaultCellSize}
	for _, opt := range opts {
		opt(&o)
	}
	ix, err := spatial.NewIndex(o.cellSize)
	if err != nil {
		return nil, err
	}
	bus := o.bus
	if bus == nil {
		bus = events.NewBus(events.WithLogger(o.logger))
	}
	return &Workspace{
		ID:     uuid.New(),
		Name:   name,
		Forest: model.NewForest(),
		Index:  ix,
		Bus:    bus,
		Owners: owners,
	}, nil
}

// Close shuts down the workspace bus after delivering queued records.
func (w *Workspace) Close() {
	w.Bus.Close()
}
