// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ownership decides whether the acting session may edit a neuron.
//
// Ownership is derived, never stored: it is computed from the neuron's
// owner key, the acting subject's group roles and the session's transient
// temporary-admin flag. The gate is cooperative and single-process; it
// does not lock anything and does not stop a remote editor.
package ownership

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrNotOwner is returned when the ownership gate refuses an edit.
var ErrNotOwner = errors.New("acting subject does not own the neuron")

// DefaultTracersGroup is the group whose neurons any tracer may claim.
const DefaultTracersGroup = "group:mouselight"

// Role is a subject's role within a group.
type Role int

const (
	RoleNone Role = iota
	RoleReader
	RoleWriter
	RoleAdmin
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case RoleReader:
		return "reader"
	case RoleWriter:
		return "writer"
	case RoleAdmin:
		return "admin"
	default:
		return "none"
	}
}

// ParseRole converts a role name back to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "none", "":
		return RoleNone, nil
	case "reader":
		return RoleReader, nil
	case "writer":
		return RoleWriter, nil
	case "admin":
		return RoleAdmin, nil
	}
	return RoleNone, fmt.Errorf("unknown role %q", s)
}

// Subject is an acting identity with its group memberships.
type Subject struct {
	// Key identifies the user, e.g. "user:alice".
	Key string

	// Roles maps group keys to the subject's role in that group.
	Roles map[string]Role
}

// RoleIn returns the subject's role in group.
func (s Subject) RoleIn(group string) Role {
	return s.Roles[group]
}

// Directory resolves which group an owner belongs to.
type Directory interface {
	GroupOf(owner string) (group string, ok bool)
}

// StaticDirectory is a Directory backed by a fixed map.
type StaticDirectory map[string]string

// GroupOf implements Directory.
func (d StaticDirectory) GroupOf(owner string) (string, bool) {
	g, ok := d[owner]
	return g, ok
}

// =============================================================================
// Session
// =============================================================================

// Session holds "who is acting" for one user session.
//
// Thread Safety: Session is safe for concurrent use.
type Session struct {
	id        uuid.UUID
	mu        sync.RWMutex
	subject   Subject
	tempAdmin atomic.Bool
}

// NewSession starts a session for subject.
func NewSession(subject Subject) *Session {
	return &Session{id: uuid.New(), subject: subject}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Subject returns the acting subject.
func (s *Session) Subject() Subject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject
}

// SetSubject replaces the acting subject, e.g. after a role refresh.
func (s *Session) SetSubject(subject Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subject = subject
}

// SetTemporaryAdmin toggles session-scoped temporary admin status.
func (s *Session) SetTemporaryAdmin(on bool) { s.tempAdmin.Store(on) }

// TemporaryAdmin reports whether the session is temporary admin.
func (s *Session) TemporaryAdmin() bool { return s.tempAdmin.Load() }

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator is the ownership gate consulted by every mutating edit.
type Coordinator struct {
	session      *Session
	directory    Directory
	tracersGroup string
	logger       *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDirectory sets the owner-to-group directory.
func WithDirectory(d Directory) Option {
	return func(c *Coordinator) { c.directory = d }
}

// WithTracersGroup overrides the tracers group key.
func WithTracersGroup(group string) Option {
	return func(c *Coordinator) { c.tracersGroup = group }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator creates a gate for session.
func NewCoordinator(session *Session, opts ...Option) *Coordinator {
	c := &Coordinator{
		session:      session,
		directory:    StaticDirectory(nil),
		tracersGroup: DefaultTracersGroup,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "ownership"))
	return c
}

// Session returns the acting session.
func (c *Coordinator) Session() *Session { return c.session }

// Acting returns the key of the acting subject.
func (c *Coordinator) Acting() string { return c.session.Subject().Key }

// TracersGroup returns the tracers group key.
func (c *Coordinator) TracersGroup() string { return c.tracersGroup }

// CheckOwnership reports whether the acting subject may edit a neuron
// owned by owner.
//
// Description:
//
//	True when the session holds temporary admin, when the subject is the
//	owner, or when the subject is admin of the owner's group. The owner's
//	group is the owner itself for group keys, otherwise the directory
//	entry for the owner.
func (c *Coordinator) CheckOwnership(owner string) bool {
	if c.session.TemporaryAdmin() {
		return true
	}
	subject := c.session.Subject()
	if owner == subject.Key {
		return true
	}
	if subject.RoleIn(owner) >= RoleAdmin {
		return true
	}
	if group, ok := c.directory.GroupOf(owner); ok && subject.RoleIn(group) >= RoleAdmin {
		return true
	}
	c.logger.Debug("ownership check refused",
		slog.String("owner", owner),
		slog.String("subject", subject.Key),
	)
	return false
}

// Check is CheckOwnership returning ErrNotOwner on refusal.
func (c *Coordinator) Check(owner string) error {
	if c.CheckOwnership(owner) {
		return nil
	}
	return fmt.Errorf("%w: owned by %s", ErrNotOwner, owner)
}

// CanRequestOwnership reports whether the acting subject may claim a
// neuron owned by owner without asking anyone. Only neurons owned by the
// tracers group can be claimed this way.
func (c *Coordinator) CanRequestOwnership(owner string) bool {
	return owner == c.tracersGroup && owner != c.Acting()
}
