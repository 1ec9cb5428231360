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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrPoolClosed is returned when a task is submitted after Close.
	ErrPoolClosed = errors.New("task pool is closed")

	// ErrQueueFull is returned when the submission queue has no room and
	// the caller's context ends before a slot frees up.
	ErrQueueFull = errors.New("task queue is full")

	// ErrCancelled is wrapped by every CancelledError.
	ErrCancelled = errors.New("task cancelled")

	// ErrTaskPanicked is returned for a task whose function panicked.
	ErrTaskPanicked = errors.New("task panicked")

	// ErrInvalidConfig is returned when the pool configuration is invalid.
	ErrInvalidConfig = errors.New("invalid task pool configuration")
)

// -----------------------------------------------------------------------------
// Cancellation
// -----------------------------------------------------------------------------

// CancelType indicates why a task was cancelled.
type CancelType int

const (
	// CancelUser indicates Handle.Cancel was called.
	CancelUser CancelType = iota

	// CancelTimeout indicates the task exceeded its timeout.
	CancelTimeout

	// CancelParent indicates the context passed to Submit was cancelled.
	CancelParent

	// CancelShutdown indicates the pool was closed.
	CancelShutdown
)

// String returns the string representation of the cancel type.
func (t CancelType) String() string {
	switch t {
	case CancelUser:
		return "user"
	case CancelTimeout:
		return "timeout"
	case CancelParent:
		return "parent"
	case CancelShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// CancelReason describes why cancellation occurred.
type CancelReason struct {
	Type    CancelType
	Message string
}

// CancelledError is the error of a task that did not run to completion
// because its context ended.
type CancelledError struct {
	Reason CancelReason
}

func (e *CancelledError) Error() string {
	if e.Reason.Message == "" {
		return fmt.Sprintf("task cancelled (%s)", e.Reason.Type)
	}
	return fmt.Sprintf("task cancelled (%s): %s", e.Reason.Type, e.Reason.Message)
}

func (e *CancelledError) Unwrap() error { return ErrCancelled }

// reasonOf derives the cancel reason of a finished task context.
func reasonOf(ctx context.Context) CancelReason {
	cause := context.Cause(ctx)
	var ce *CancelledError
	switch {
	case errors.As(cause, &ce):
		return ce.Reason
	case errors.Is(cause, context.DeadlineExceeded):
		return CancelReason{Type: CancelTimeout}
	default:
		return CancelReason{Type: CancelParent, Message: fmt.Sprint(cause)}
	}
}

// -----------------------------------------------------------------------------
// Tasks and results
// -----------------------------------------------------------------------------

// Func is the body of a task. It must return promptly once ctx is done.
type Func func(ctx context.Context) (any, error)

// Result is the outcome of one task.
type Result struct {
	ID       uuid.UUID
	Name     string
	Value    any
	Err      error
	Started  time.Time
	Duration time.Duration
}

// Cancelled reports whether the task ended because of cancellation.
func (r Result) Cancelled() bool {
	return errors.Is(r.Err, ErrCancelled)
}

// Reporter receives the errors of failed tasks. Cancelled tasks are not
// reported.
type Reporter interface {
	ReportError(task string, err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(task string, err error)

// ReportError implements Reporter.
func (f ReporterFunc) ReportError(task string, err error) { f(task, err) }

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures a Pool.
type Config struct {
	// Workers is the number of tasks run concurrently. Default: 4.
	Workers int

	// QueueSize is the number of submitted tasks that may wait for a
	// worker, and the buffer of the result channel. Default: 64.
	QueueSize int

	// DefaultTimeout applies to tasks submitted without WithTimeout.
	// Zero means no timeout.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the standard pool configuration.
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 64}
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Workers == 0 {
		c.Workers = def.Workers
	}
	if c.QueueSize == 0 {
		c.QueueSize = def.QueueSize
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("%w: queue size must be at least 1, got %d", ErrInvalidConfig, c.QueueSize)
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("%w: default timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}
