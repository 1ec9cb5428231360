// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package skeleton

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/engine"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/events"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/ownership"
)

type harness struct {
	t   *testing.T
	ctx context.Context
	ws  *engine.Workspace
	eng *engine.Engine
	sk  *Skeleton
}

func newHarness(t *testing.T, neurons ...*model.NeuronState) *harness {
	t.Helper()
	session := ownership.NewSession(ownership.Subject{Key: "user:u1"})
	ws, err := engine.NewWorkspace("skeleton", ownership.NewCoordinator(session))
	require.NoError(t, err)
	t.Cleanup(ws.Close)

	h := &harness{t: t, ctx: context.Background(), ws: ws, eng: engine.New(engine.DefaultConfig()), sk: New()}
	h.sk.Attach(ws.Bus)
	require.NoError(t, h.eng.LoadWorkspace(h.ctx, ws, neurons))
	h.flush()
	return h
}

func (h *harness) flush() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.ws.Bus.Flush(ctx))
}

// mirrors checks that the skeleton draws exactly the visible forest.
func (h *harness) mirrors() {
	h.t.Helper()
	h.flush()
	want := 0
	for _, st := range h.ws.Forest.Neurons() {
		if !st.Visible {
			continue
		}
		for id, a := range st.Annotations {
			want++
			got, ok := h.sk.Anchor(id)
			if assert.True(h.t, ok, "anchor %d", id) {
				assert.Equal(h.t, a.Pos, got.Pos, "anchor %d position", id)
				assert.Equal(h.t, a.ParentID, got.ParentID, "anchor %d parent", id)
				assert.Equal(h.t, st.ID, got.NeuronID, "anchor %d neuron", id)
				assert.Equal(h.t, a.Radius, got.Radius, "anchor %d radius", id)
			}
		}
		var keys []model.PathKey
		for _, p := range h.sk.Paths(st.ID) {
			keys = append(keys, p.Key)
		}
		assert.ElementsMatch(h.t, st.PathKeys(), keys, "paths of neuron %d", st.ID)
	}
	assert.Equal(h.t, want, h.sk.Len())
}

func line(nid model.NeuronID, first model.AnnotationID, xs ...float64) *model.NeuronState {
	s := model.NewNeuronState(nid, "line", "user:u1")
	parent := model.NoAnnotation
	for i, x := range xs {
		id := first + model.AnnotationID(i)
		s.Insert(&model.Annotation{ID: id, ParentID: parent, Pos: model.Vec3{X: x}, Radius: 1})
		parent = id
	}
	return s
}

func TestSkeleton_LoadRebuildsOnce(t *testing.T) {
	h := newHarness(t, line(1, 1, 0, 10, 20), line(2, 11, 100, 110))

	assert.Equal(t, 1, h.sk.Rebuilds())
	assert.Equal(t, uint64(1), h.sk.Version(), "one record for the whole load")
	assert.Equal(t, []Edge{{Parent: 1, Child: 2}, {Parent: 2, Child: 3}, {Parent: 11, Child: 12}}, h.sk.Edges())
	h.mirrors()
}

func TestSkeleton_FollowsEdits(t *testing.T) {
	h := newHarness(t, line(1, 1, 0, 10, 20), line(2, 11, 100, 110, 120))
	ctx := h.ctx

	c, err := h.eng.AddChild(ctx, h.ws, 3, model.Vec3{X: 30})
	require.NoError(t, err)
	require.NoError(t, h.eng.AddAnchoredPath(ctx, h.ws, 1, 2, []model.Vec3{{X: 0}, {X: 5}, {X: 10}}))
	_, err = h.eng.SplitAnchor(ctx, h.ws, 2)
	require.NoError(t, err)
	require.NoError(t, h.eng.MoveAnnotation(ctx, h.ws, 12, model.Vec3{X: 111, Y: 4}))
	require.NoError(t, h.eng.SetNeuronRadius(ctx, h.ws, 2, 3))
	h.mirrors()

	require.NoError(t, h.eng.RerootNeurite(ctx, h.ws, 13))
	require.NoError(t, h.eng.MergeNeurite(ctx, h.ws, c, 11))
	h.mirrors()
	_, ok := h.sk.Anchor(11)
	require.True(t, ok)

	_, err = h.eng.SplitAndTransfer(ctx, h.ws, 3)
	require.NoError(t, err)
	_, err = h.eng.DeleteSubtree(ctx, h.ws, 2)
	require.NoError(t, err)
	h.mirrors()
}

func TestSkeleton_HiddenNeuronsAreNotDrawn(t *testing.T) {
	h := newHarness(t, line(1, 1, 0, 10), line(2, 11, 100))

	require.NoError(t, h.eng.SetNeuronVisibility(h.ctx, h.ws, 2, false))
	h.mirrors()
	_, ok := h.sk.Anchor(11)
	assert.False(t, ok)

	// Edits on a hidden neuron stay off screen.
	child, err := h.eng.AddChild(h.ctx, h.ws, 11, model.Vec3{X: 110})
	require.NoError(t, err)
	require.NoError(t, h.eng.MoveAnnotation(h.ctx, h.ws, child, model.Vec3{X: 112}))
	require.NoError(t, h.eng.AddAnchoredPath(h.ctx, h.ws, 11, child, []model.Vec3{{X: 100}, {X: 112}}))
	h.mirrors()
	_, ok = h.sk.Anchor(child)
	assert.False(t, ok)
	assert.Empty(t, h.sk.Paths(2))
	assert.Equal(t, 2, h.sk.Len())

	require.NoError(t, h.eng.SetNeuronVisibility(h.ctx, h.ws, 2, true))
	h.mirrors()
	assert.Equal(t, 4, h.sk.Len())
	assert.Len(t, h.sk.Paths(2), 1)
}

func TestSkeleton_NextParent(t *testing.T) {
	var notified []model.AnnotationID
	session := ownership.NewSession(ownership.Subject{Key: "user:u1"})
	ws, err := engine.NewWorkspace("np", ownership.NewCoordinator(session))
	require.NoError(t, err)
	defer ws.Close()
	eng := engine.New(engine.DefaultConfig())
	sk := New(WithNextParentListener(func(id model.AnnotationID) { notified = append(notified, id) }))
	sk.Attach(ws.Bus)
	flush := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, ws.Bus.Flush(ctx))
	}

	branch := line(1, 1, 0, 10, 20)
	branch.Insert(&model.Annotation{ID: 9, ParentID: 1, Pos: model.Vec3{Y: 10}, Radius: 1})
	ctx := context.Background()
	require.NoError(t, eng.LoadWorkspace(ctx, ws, []*model.NeuronState{branch, line(2, 11, 100)}))
	flush()

	t.Run("selecting a neuron picks the first end of its first root", func(t *testing.T) {
		s, _ := ws.Forest.Neuron(1)
		sk.SelectNeuron(s)
		np, ok := sk.NextParent()
		require.True(t, ok)
		assert.Equal(t, model.AnnotationID(3), np)

		sk.SelectNeuron(s)
		np, _ = sk.NextParent()
		assert.Equal(t, model.AnnotationID(3), np, "kept when already inside the neuron")
	})

	t.Run("survives a wholesale neuron change", func(t *testing.T) {
		require.NoError(t, eng.RenameNeuron(ctx, ws, 1, "renamed"))
		flush()
		np, _ := sk.NextParent()
		assert.Equal(t, model.AnnotationID(3), np)
	})

	t.Run("deletion selects the surviving parent", func(t *testing.T) {
		require.NoError(t, eng.DeleteLink(ctx, ws, 3))
		flush()
		np, _ := sk.NextParent()
		assert.Equal(t, model.AnnotationID(2), np)
	})

	t.Run("unknown anchors clear the selection", func(t *testing.T) {
		sk.SetNextParent(999)
		_, ok := sk.NextParent()
		assert.False(t, ok)
	})

	assert.Equal(t, []model.AnnotationID{3, 2, model.NoAnnotation}, notified)
}

func TestSkeleton_BulkReplace(t *testing.T) {
	h := newHarness(t, line(1, 1, 0, 10), line(2, 11, 100))
	before := h.sk.Version()

	require.NoError(t, h.eng.ReplaceNeurons(h.ctx, h.ws,
		[]*model.NeuronState{line(1, 1, 0, 10, 20), line(3, 21, 300)},
		[]model.NeuronID{2}))
	h.mirrors()
	assert.Equal(t, before+1, h.sk.Version())
	assert.Equal(t, 2, h.sk.Rebuilds())
}

func TestSkeleton_RemoteChangeIsApplied(t *testing.T) {
	h := newHarness(t, line(1, 1, 0, 10))
	require.NoError(t, h.eng.ApplyRemoteNeuron(h.ctx, h.ws, line(1, 1, 0, 10, 20)))
	h.mirrors()
	require.NoError(t, h.eng.ApplyRemoteDelete(h.ctx, h.ws, 1))
	h.mirrors()
	assert.Zero(t, h.sk.Len())
}

// Records arriving for unknown anchors must not break the translator.
func TestSkeleton_ToleratesUnknownRecords(t *testing.T) {
	sk := New()
	sk.HandleChange(&events.Envelope{Change: events.RadiusChanged{IDs: []model.AnnotationID{5}, Radius: 2}})
	sk.HandleChange(&events.Envelope{Change: events.NeuronDeleted{NeuronID: 9}})
	sk.HandleChange(&events.Envelope{Change: events.AnchoredPathsChanged{NeuronID: 9, Removed: []model.PathKey{{A: 1, B: 2}}}})
	assert.Zero(t, sk.Len())
	assert.Equal(t, uint64(3), sk.Version())
}
