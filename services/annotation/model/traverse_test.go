// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildState creates a neuron from (id, parent) pairs in insertion order.
func buildState(t *testing.T, pairs ...[2]AnnotationID) *NeuronState {
	t.Helper()
	s := NewNeuronState(1, "test", "u1")
	for _, p := range pairs {
		s.Insert(&Annotation{ID: p[0], ParentID: p[1], Pos: Vec3{X: float64(p[0])}, Radius: 1})
	}
	require.NoError(t, s.Validate())
	return s
}

// branchy is:
//
//	1 ─ 2 ─ 3 ─ 4
//	        ├ 5 ─ 6
//	        └ 7
func branchy(t *testing.T) *NeuronState {
	return buildState(t,
		[2]AnnotationID{1, 0},
		[2]AnnotationID{2, 1},
		[2]AnnotationID{3, 2},
		[2]AnnotationID{4, 3},
		[2]AnnotationID{5, 3},
		[2]AnnotationID{6, 5},
		[2]AnnotationID{7, 3},
	)
}

func TestSubtreeList_PreOrderParentsFirst(t *testing.T) {
	s := branchy(t)

	assert.Equal(t, []AnnotationID{1, 2, 3, 4, 5, 6, 7}, s.SubtreeList(1))
	assert.Equal(t, []AnnotationID{5, 6}, s.SubtreeList(5))
	assert.Nil(t, s.SubtreeList(99))
}

func TestCommonAncestor(t *testing.T) {
	s := branchy(t)

	tests := []struct {
		name string
		a, b AnnotationID
		want AnnotationID
	}{
		{"ancestor and descendant", 1, 4, 1},
		{"descendant and ancestor", 4, 1, 1},
		{"siblings meet at branch", 4, 6, 3},
		{"same node", 5, 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.CommonAncestor(tt.a, tt.b)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("different neurites", func(t *testing.T) {
		s.Insert(&Annotation{ID: 10})
		_, ok := s.CommonAncestor(4, 10)
		assert.False(t, ok)
		assert.False(t, s.SameNeurite(4, 10))
		assert.True(t, s.SameNeurite(4, 6))
	})
}

func TestReroot_RoundTrip(t *testing.T) {
	s := branchy(t)
	parents := func() map[AnnotationID]AnnotationID {
		out := make(map[AnnotationID]AnnotationID)
		for id, a := range s.Annotations {
			out[id] = a.ParentID
		}
		return out
	}
	before := parents()

	s.Reroot(6)
	require.NoError(t, s.Validate())
	assert.Equal(t, []AnnotationID{6}, s.Roots)
	assert.True(t, s.Annotations[6].IsRoot())
	assert.Equal(t, AnnotationID(6), s.Annotations[5].ParentID)
	assert.Equal(t, AnnotationID(5), s.Annotations[3].ParentID)
	assert.Equal(t, AnnotationID(3), s.Annotations[2].ParentID)
	assert.Equal(t, AnnotationID(2), s.Annotations[1].ParentID)

	s.Reroot(1)
	require.NoError(t, s.Validate())
	assert.Equal(t, before, parents())
	assert.Equal(t, []AnnotationID{1}, s.Roots)
}

func TestEndpoints(t *testing.T) {
	s := branchy(t)
	assert.Equal(t, []AnnotationID{1, 4, 6, 7}, s.Endpoints(1))

	single := buildState(t, [2]AnnotationID{1, 0})
	assert.Equal(t, []AnnotationID{1}, single.Endpoints(1))
}

func TestDepth(t *testing.T) {
	s := branchy(t)
	for id, want := range map[AnnotationID]int{1: 0, 2: 1, 4: 3, 6: 4, 7: 3} {
		got, ok := s.Depth(id)
		require.True(t, ok)
		assert.Equal(t, want, got, "annotation %d", id)
	}
	_, ok := s.Depth(99)
	assert.False(t, ok)
}

func TestNavigate(t *testing.T) {
	s := branchy(t)

	tests := []struct {
		name string
		from AnnotationID
		dir  Direction
		want AnnotationID
	}{
		{"rootward step", 4, RootwardStep, 3},
		{"rootward jump stops at branch", 6, RootwardJump, 3},
		{"rootward jump reaches root", 3, RootwardJump, 1},
		{"rootward at root stays", 1, RootwardStep, 1},
		{"endward step", 1, EndwardStep, 2},
		{"endward jump stops at branch", 1, EndwardJump, 3},
		{"endward jump reaches end", 5, EndwardJump, 6},
		{"endward at end stays", 7, EndwardJump, 7},
		{"next parallel", 4, NextParallel, 5},
		{"next parallel from deeper link", 6, NextParallel, 7},
		{"next parallel wraps", 7, NextParallel, 4},
		{"prev parallel wraps", 4, PrevParallel, 7},
		{"parallel without branch stays", 2, NextParallel, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.Navigate(tt.from, tt.dir)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMoveNeuriteTo(t *testing.T) {
	src := branchy(t)
	src.SetNote(5, "check")
	src.SetPath(&AnchoredPath{Key: NewPathKey(5, 6), Points: []Vec3{{X: 5}, {X: 6}}})
	src.SetPath(&AnchoredPath{Key: NewPathKey(3, 5), Points: []Vec3{{X: 3}, {X: 5}}})
	src.Detach(5)

	dst := NewNeuronState(2, "dst", "u1")
	moved := src.MoveNeuriteTo(dst, 5)

	assert.Equal(t, []AnnotationID{5, 6}, moved)
	require.NoError(t, src.Validate())
	require.NoError(t, dst.Validate())
	assert.Equal(t, []AnnotationID{5}, dst.Roots)
	assert.Equal(t, NeuronID(2), dst.Annotations[6].NeuronID)
	assert.Equal(t, "check", dst.Notes[5])
	_, ok := dst.Path(5, 6)
	assert.True(t, ok)
	assert.Empty(t, src.Paths)
}

func TestStripPredefinedNotes(t *testing.T) {
	s := branchy(t)
	s.SetNote(4, NoteTracedEnd)
	s.SetNote(7, "keep me")

	assert.True(t, s.StripPredefinedNotes(4))
	assert.False(t, s.StripPredefinedNotes(7))
	_, ok := s.Note(4)
	assert.False(t, ok)

	s.SetNote(7, "")
	_, ok = s.Note(7)
	assert.False(t, ok)
}
