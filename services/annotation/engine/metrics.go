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
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for edit operations.
var (
	tracer = otel.Tracer("aleutian.neurite.engine")
	meter  = otel.Meter("aleutian.neurite.engine")
)

// Metrics for edit operations.
var (
	editLatency    metric.Float64Histogram
	editTotal      metric.Int64Counter
	eventsEmitted  metric.Int64Counter
	neuronsTouched metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		editLatency, err = meter.Float64Histogram(
			"neurite_edit_duration_seconds",
			metric.WithDescription("Duration of structural edit operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		editTotal, err = meter.Int64Counter(
			"neurite_edit_total",
			metric.WithDescription("Total number of structural edit operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		eventsEmitted, err = meter.Int64Counter(
			"neurite_edit_events_total",
			metric.WithDescription("Change records emitted by committed edits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		neuronsTouched, err = meter.Int64Histogram(
			"neurite_edit_neurons_touched",
			metric.WithDescription("Number of neurons replaced per committed edit"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordEditMetrics records metrics for one edit.
func recordEditMetrics(ctx context.Context, op string, duration time.Duration, neurons, emitted int, err error) {
	if initErr := initMetrics(); initErr != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("success", err == nil),
		attribute.String("error_kind", errorKind(err)),
	)
	editLatency.Record(ctx, duration.Seconds(), attrs)
	editTotal.Add(ctx, 1, attrs)

	if err == nil {
		opAttr := metric.WithAttributes(attribute.String("op", op))
		eventsEmitted.Add(ctx, int64(emitted), opAttr)
		neuronsTouched.Record(ctx, int64(neurons), opAttr)
	}
}

// startEditSpan creates a span for an edit operation.
func startEditSpan(ctx context.Context, op, workspace string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine."+op,
		trace.WithAttributes(
			attribute.String("neurite.op", op),
			attribute.String("neurite.workspace", workspace),
		),
	)
}

// setEditSpanResult sets the result attributes on an edit span.
func setEditSpanResult(span trace.Span, neurons, emitted int, err error) {
	span.SetAttributes(
		attribute.Int("neurite.neurons_touched", neurons),
		attribute.Int("neurite.events", emitted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errorKind(err))
	}
}

// errorKind maps an edit error to a low-cardinality label.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrNotALink):
		return "not_a_link"
	case errors.Is(err, ErrAmbiguousSplit):
		return "ambiguous_split"
	case errors.Is(err, ErrAlreadyRoot):
		return "already_root"
	case errors.Is(err, ErrCannotSplitAtRoot):
		return "cannot_split_at_root"
	case errors.Is(err, ErrWouldCreateCycle):
		return "would_create_cycle"
	case errors.Is(err, ErrSameNeurite):
		return "same_neurite"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "other"
	}
}
