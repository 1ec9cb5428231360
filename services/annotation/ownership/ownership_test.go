// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ownership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckOwnership(t *testing.T) {
	dir := StaticDirectory{"user:u2": "group:lab", "user:u3": "group:other"}

	tests := []struct {
		name    string
		subject Subject
		owner   string
		want    bool
	}{
		{"owner", Subject{Key: "user:u1"}, "user:u1", true},
		{"stranger", Subject{Key: "user:u1"}, "user:u2", false},
		{"group admin over user", Subject{Key: "user:u1", Roles: map[string]Role{"group:lab": RoleAdmin}}, "user:u2", true},
		{"group writer is not elevated", Subject{Key: "user:u1", Roles: map[string]Role{"group:lab": RoleWriter}}, "user:u2", false},
		{"admin of another group", Subject{Key: "user:u1", Roles: map[string]Role{"group:lab": RoleAdmin}}, "user:u3", false},
		{"group-owned neuron", Subject{Key: "user:u1", Roles: map[string]Role{"group:lab": RoleAdmin}}, "group:lab", true},
		{"unknown owner", Subject{Key: "user:u1", Roles: map[string]Role{"group:lab": RoleAdmin}}, "user:nobody", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator(NewSession(tt.subject), WithDirectory(dir))
			assert.Equal(t, tt.want, c.CheckOwnership(tt.owner))
		})
	}
}

func TestCheckOwnership_TemporaryAdmin(t *testing.T) {
	s := NewSession(Subject{Key: "user:u1"})
	c := NewCoordinator(s)

	assert.False(t, c.CheckOwnership("user:u2"))
	s.SetTemporaryAdmin(true)
	assert.True(t, c.CheckOwnership("user:u2"))
	s.SetTemporaryAdmin(false)
	assert.False(t, c.CheckOwnership("user:u2"))
}

func TestCheck_WrapsErrNotOwner(t *testing.T) {
	c := NewCoordinator(NewSession(Subject{Key: "user:u1"}))
	require.NoError(t, c.Check("user:u1"))
	err := c.Check("user:u2")
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Contains(t, err.Error(), "user:u2")
}

func TestCanRequestOwnership(t *testing.T) {
	c := NewCoordinator(NewSession(Subject{Key: "user:u1"}), WithTracersGroup("group:tracers"))
	assert.True(t, c.CanRequestOwnership("group:tracers"))
	assert.False(t, c.CanRequestOwnership("user:u2"))
	assert.Equal(t, "group:tracers", c.TracersGroup())
}

func TestSession(t *testing.T) {
	s := NewSession(Subject{Key: "user:a"})
	other := NewSession(Subject{Key: "user:a"})
	assert.NotEqual(t, s.ID(), other.ID())

	s.SetSubject(Subject{Key: "user:b"})
	assert.Equal(t, "user:b", NewCoordinator(s).Acting())
}

func TestParseRole(t *testing.T) {
	for _, r := range []Role{RoleNone, RoleReader, RoleWriter, RoleAdmin} {
		got, err := ParseRole(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	_, err := ParseRole("owner")
	assert.Error(t, err)
}
