// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controller

import "errors"

var (
	// ErrNoDrag is returned by DragTo and EndDrag without a drag in progress.
	ErrNoDrag = errors.New("no drag in progress")

	// ErrDragInProgress is returned by BeginDrag while another drag runs.
	ErrDragInProgress = errors.New("drag already in progress")

	// ErrNoNextParent is returned when an action needs a next parent and
	// none is selected.
	ErrNoNextParent = errors.New("no next parent selected")

	// ErrNoNeuronSelected is returned when a root is appended without a
	// selected neuron.
	ErrNoNeuronSelected = errors.New("no neuron selected")

	// ErrDeclined is returned when the user declined a confirmation.
	ErrDeclined = errors.New("declined by user")

	// ErrInvalidConfig is returned for unusable controller settings.
	ErrInvalidConfig = errors.New("invalid controller config")
)
