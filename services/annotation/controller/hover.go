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

import (
	"math"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
)

// Hover is the annotation under the pointer.
type Hover struct {
	ID       model.AnnotationID
	NeuronID model.NeuronID
	Distance float64
}

// HoverStats counts hover queries.
type HoverStats struct {
	Allowed  int64
	Rejected int64
}

// interactable reports whether annotations of st may be hovered or
// dragged onto.
func interactable(st *model.NeuronState) bool {
	return st.Visible && !st.ReadOnly
}

// Hover hit-tests the pointer at world position pos.
//
// Description:
//
//	The HoverK nearest annotations are considered, skipping hidden and
//	read-only neurons, and the closest one is accepted when its distance
//	is within HoverRadiusFactor times its radius plus HoverPixelSlack
//	pixels. A query over the hover budget is not run; the previous hover
//	is returned instead.
//
// Inputs:
//   - pos: Pointer position projected into micron space.
//   - pixelsPerUnit: Screen pixels per micron at the current zoom.
//
// Outputs:
//   - Hover: The hovered annotation.
//   - bool: False when nothing is hovered.
func (c *Controller) Hover(pos model.Vec3, pixelsPerUnit float64) (Hover, bool) {
	if !c.limiter.Allow() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stats.Rejected++
		return c.hover, c.hover.ID != model.NoAnnotation
	}

	h := c.hitTest(pos, pixelsPerUnit)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Allowed++
	c.hover = h
	return h, h.ID != model.NoAnnotation
}

func (c *Controller) hitTest(pos model.Vec3, pixelsPerUnit float64) Hover {
	best := Hover{Distance: math.Inf(1)}
	var radius float64
	for _, n := range c.ws.Index.Nearest(pos, c.cfg.HoverK) {
		a, st, ok := c.ws.Forest.Annotation(n.ID)
		if !ok || !interactable(st) {
			continue
		}
		if n.Distance < best.Distance {
			best = Hover{ID: a.ID, NeuronID: st.ID, Distance: n.Distance}
			radius = a.Radius
		}
	}
	if best.ID == model.NoAnnotation {
		return Hover{}
	}
	if radius <= 0 {
		radius = c.eng.Config().DefaultRadius
	}
	reach := c.cfg.HoverRadiusFactor * radius
	if pixelsPerUnit > 0 {
		reach += c.cfg.HoverPixelSlack / pixelsPerUnit
	}
	if best.Distance > reach {
		return Hover{}
	}
	return best
}

// CurrentHover returns the last hover result without querying.
func (c *Controller) CurrentHover() (Hover, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hover, c.hover.ID != model.NoAnnotation
}

// HoverStats returns hover query counters.
func (c *Controller) HoverStats() HoverStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
