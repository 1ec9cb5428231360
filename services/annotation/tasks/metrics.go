// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// tasksSubmitted counts accepted submissions by task name
	tasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neurite_tasks_submitted_total",
		Help: "Total tasks submitted to the background pool",
	}, []string{"task"})

	// tasksFinished counts finished tasks by name and outcome
	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neurite_tasks_finished_total",
		Help: "Total finished tasks by outcome (ok, error, cancelled)",
	}, []string{"task", "outcome"})

	// taskDuration tracks task run time
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "neurite_task_duration_seconds",
		Help:    "Background task duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"task"})

	// tasksInFlight is the number of running tasks
	tasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neurite_tasks_in_flight",
		Help: "Number of background tasks currently running",
	})

	// resultsDropped counts results nobody drained from the result channel
	resultsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neurite_task_results_dropped_total",
		Help: "Task results dropped because the result channel was full",
	})
)

func outcomeOf(r Result) string {
	switch {
	case r.Err == nil:
		return "ok"
	case r.Cancelled():
		return "cancelled"
	default:
		return "error"
	}
}
