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
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/engine"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/tasks"
)

// The methods below submit one engine edit each to the pool. The task's
// result value is noted per method; failures arrive as Result.Err and are
// passed to the pool's Reporter.

// SplitAnchor submits engine.SplitAnchor. The result value is the new
// model.AnnotationID.
func (c *Controller) SplitAnchor(ctx context.Context, id model.AnnotationID) (*tasks.Handle, error) {
	return c.submit(ctx, "split_anchor", func(ctx context.Context) (any, error) {
		return c.eng.SplitAnchor(ctx, c.ws, id)
	})
}

// RerootNeurite submits engine.RerootNeurite.
func (c *Controller) RerootNeurite(ctx context.Context, id model.AnnotationID) (*tasks.Handle, error) {
	return c.submit(ctx, "reroot_neurite", func(ctx context.Context) (any, error) {
		return nil, c.eng.RerootNeurite(ctx, c.ws, id)
	})
}

// SplitNeurite submits engine.SplitNeurite.
func (c *Controller) SplitNeurite(ctx context.Context, id model.AnnotationID) (*tasks.Handle, error) {
	return c.submit(ctx, "split_neurite", func(ctx context.Context) (any, error) {
		return nil, c.eng.SplitNeurite(ctx, c.ws, id)
	})
}

// DeleteLink submits engine.DeleteLink.
func (c *Controller) DeleteLink(ctx context.Context, id model.AnnotationID) (*tasks.Handle, error) {
	return c.submit(ctx, "delete_link", func(ctx context.Context) (any, error) {
		return nil, c.eng.DeleteLink(ctx, c.ws, id)
	})
}

// DeleteSubtree submits engine.DeleteSubtree. Removing more than one
// annotation needs the Confirmer's approval first; without approval it
// returns ErrDeclined and submits nothing. The result value is the
// removed []model.AnnotationID.
func (c *Controller) DeleteSubtree(ctx context.Context, id model.AnnotationID) (*tasks.Handle, error) {
	_, st, ok := c.ws.Forest.Annotation(id)
	if !ok {
		return nil, &engine.NotFoundError{Kind: "annotation", ID: int64(id)}
	}
	if n := len(st.SubtreeList(id)); n > 1 {
		if c.confirmer == nil || !c.confirmer.ConfirmDelete(ctx, DeletePrompt{Root: id, Count: n}) {
			c.logger.Info("subtree delete declined", slog.Int64("annotation", int64(id)), slog.Int("count", n))
			return nil, ErrDeclined
		}
	}
	return c.submit(ctx, "delete_subtree", func(ctx context.Context) (any, error) {
		return c.eng.DeleteSubtree(ctx, c.ws, id)
	})
}

// SmartMerge submits engine.SmartMerge and moves the next parent to the
// suggested endpoint afterwards. The result value is the
// engine.SmartMergeResult.
func (c *Controller) SmartMerge(ctx context.Context, a, b model.AnnotationID) (*tasks.Handle, error) {
	return c.submit(ctx, "smart_merge", func(ctx context.Context) (any, error) {
		res, err := c.eng.SmartMerge(ctx, c.ws, a, b)
		if err != nil {
			return nil, err
		}
		c.selectWhenDelivered(ctx, res.NextParent)
		return res, nil
	})
}

// TransferNeurite submits engine.TransferNeurite.
func (c *Controller) TransferNeurite(ctx context.Context, id model.AnnotationID, dest model.NeuronID) (*tasks.Handle, error) {
	return c.submit(ctx, "transfer_neurite", func(ctx context.Context) (any, error) {
		return nil, c.eng.TransferNeurite(ctx, c.ws, id, dest)
	})
}

// SplitAndTransfer submits engine.SplitAndTransfer. The result value is
// the new model.NeuronID.
func (c *Controller) SplitAndTransfer(ctx context.Context, id model.AnnotationID) (*tasks.Handle, error) {
	return c.submit(ctx, "split_and_transfer", func(ctx context.Context) (any, error) {
		return c.eng.SplitAndTransfer(ctx, c.ws, id)
	})
}

// SetRadius submits engine.SetRadius.
func (c *Controller) SetRadius(ctx context.Context, id model.AnnotationID, radius float64) (*tasks.Handle, error) {
	return c.submit(ctx, "set_radius", func(ctx context.Context) (any, error) {
		return nil, c.eng.SetRadius(ctx, c.ws, id, radius)
	})
}

// TracePath submits engine.TracePath. Cancelling the handle stops the
// tracer and leaves the tree unchanged.
func (c *Controller) TracePath(ctx context.Context, a, b model.AnnotationID, tracer engine.PathTracer) (*tasks.Handle, error) {
	return c.submit(ctx, "trace_path", func(ctx context.Context) (any, error) {
		return nil, c.eng.TracePath(ctx, c.ws, a, b, tracer)
	})
}

func (c *Controller) submit(ctx context.Context, name string, fn tasks.Func) (*tasks.Handle, error) {
	h, err := c.pool.Submit(ctx, name, fn)
	if err != nil {
		c.logger.Warn("edit not submitted", slog.String("task", name), slog.String("error", err.Error()))
		return nil, err
	}
	return h, nil
}
