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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/engine"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/events"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/ownership"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/skeleton"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/tasks"
)

type reported struct {
	mu   sync.Mutex
	errs map[string]error
}

func (r *reported) ReportError(task string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[task] = err
}

func (r *reported) get(task string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[task]
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	ws       *engine.Workspace
	eng      *engine.Engine
	sk       *skeleton.Skeleton
	rec      *events.Recorder
	reported *reported
	ctl      *Controller
}

func newHarness(t *testing.T, cfg Config, neurons []*model.NeuronState, opts ...Option) *harness {
	t.Helper()
	session := ownership.NewSession(ownership.Subject{Key: "user:u1"})
	ws, err := engine.NewWorkspace("controller", ownership.NewCoordinator(session))
	require.NoError(t, err)
	t.Cleanup(ws.Close)

	rep := &reported{errs: make(map[string]error)}
	pool, err := tasks.NewPool(tasks.Config{Workers: 2, QueueSize: 16}, tasks.WithReporter(rep))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		ws:       ws,
		eng:      engine.New(engine.DefaultConfig()),
		sk:       skeleton.New(),
		rec:      events.NewRecorder(),
		reported: rep,
	}
	h.sk.Attach(ws.Bus)
	ws.Bus.SubscribeListener(h.rec)
	require.NoError(t, h.eng.LoadWorkspace(h.ctx, ws, neurons))
	h.flush()
	h.rec.Clear()

	h.ctl, err = New(cfg, h.eng, ws, pool, h.sk, opts...)
	require.NoError(t, err)
	return h
}

func (h *harness) flush() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.ws.Bus.Flush(ctx))
}

func (h *harness) wait(handle *tasks.Handle) tasks.Result {
	h.t.Helper()
	require.NotNil(h.t, handle)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := handle.Wait(ctx)
	require.NoError(h.t, err)
	h.flush()
	return res
}

func (h *harness) ann(id model.AnnotationID) (*model.Annotation, *model.NeuronState) {
	h.t.Helper()
	a, st, ok := h.ws.Forest.Annotation(id)
	require.True(h.t, ok, "annotation %d", id)
	return a, st
}

func (h *harness) nextParent() model.AnnotationID {
	id, _ := h.sk.NextParent()
	return id
}

func line(nid model.NeuronID, owner string, first model.AnnotationID, xs ...float64) *model.NeuronState {
	s := model.NewNeuronState(nid, "line", owner)
	parent := model.NoAnnotation
	for i, x := range xs {
		id := first + model.AnnotationID(i)
		s.Insert(&model.Annotation{ID: id, ParentID: parent, Pos: model.Vec3{X: x}, Radius: 1})
		parent = id
	}
	return s
}

func twoLines() []*model.NeuronState {
	return []*model.NeuronState{
		line(1, "user:u1", 1, 0, 10, 20),
		line(2, "user:u1", 11, 100, 110),
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"hover k", func(c *Config) { c.HoverK = 0 }},
		{"merge k", func(c *Config) { c.MergeCandidateK = 0 }},
		{"negative factor", func(c *Config) { c.HoverRadiusFactor = -1 }},
		{"no budget", func(c *Config) { c.HoverRate = 0 }},
		{"no burst", func(c *Config) { c.HoverBurst = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHover(t *testing.T) {
	h := newHarness(t, DefaultConfig(), twoLines())

	t.Run("within radius and pixel slack", func(t *testing.T) {
		got, ok := h.ctl.Hover(model.Vec3{X: 10.5}, 1)
		require.True(t, ok)
		assert.Equal(t, model.AnnotationID(2), got.ID)
		assert.Equal(t, model.NeuronID(1), got.NeuronID)
		assert.InDelta(t, 0.5, got.Distance, 1e-9)
	})

	t.Run("too far", func(t *testing.T) {
		_, ok := h.ctl.Hover(model.Vec3{X: 5, Y: 30}, 1)
		assert.False(t, ok)
		_, ok = h.ctl.CurrentHover()
		assert.False(t, ok)
	})

	t.Run("zoomed in shrinks the pixel slack", func(t *testing.T) {
		// reach = 2.5*1 + 10/100
		_, ok := h.ctl.Hover(model.Vec3{X: 12.5}, 100)
		assert.True(t, ok)
		_, ok = h.ctl.Hover(model.Vec3{X: 12.7}, 100)
		assert.False(t, ok)
	})

	t.Run("hidden neurons are skipped", func(t *testing.T) {
		require.NoError(t, h.eng.SetNeuronVisibility(h.ctx, h.ws, 2, false))
		_, ok := h.ctl.Hover(model.Vec3{X: 100}, 1)
		assert.False(t, ok)
		require.NoError(t, h.eng.SetNeuronVisibility(h.ctx, h.ws, 2, true))
		got, ok := h.ctl.Hover(model.Vec3{X: 100}, 1)
		require.True(t, ok)
		assert.Equal(t, model.AnnotationID(11), got.ID)
	})
}

func TestHover_OverBudgetReturnsPrevious(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HoverRate = 0.001
	cfg.HoverBurst = 1
	h := newHarness(t, cfg, twoLines())

	first, ok := h.ctl.Hover(model.Vec3{X: 20}, 1)
	require.True(t, ok)
	assert.Equal(t, model.AnnotationID(3), first.ID)

	second, ok := h.ctl.Hover(model.Vec3{X: 110}, 1)
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.Equal(t, HoverStats{Allowed: 1, Rejected: 1}, h.ctl.HoverStats())
}

func TestDrag_Move(t *testing.T) {
	h := newHarness(t, DefaultConfig(), twoLines())

	require.NoError(t, h.ctl.BeginDrag(3))
	assert.ErrorIs(t, h.ctl.BeginDrag(2), ErrDragInProgress)

	prev, err := h.ctl.DragTo(model.Vec3{X: 20, Y: 60})
	require.NoError(t, err)
	assert.False(t, prev.CanMerge)

	res, err := h.ctl.EndDrag(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, DragMoved, res.Outcome)
	require.NoError(t, h.wait(res.Handle).Err)

	a, _ := h.ann(3)
	assert.Equal(t, model.Vec3{X: 20, Y: 60}, a.Pos)
	assert.Equal(t, []events.Kind{events.KindAnnotationMoved}, h.rec.Kinds())

	_, err = h.ctl.DragTo(model.Vec3{})
	assert.ErrorIs(t, err, ErrNoDrag)
	_, err = h.ctl.EndDrag(h.ctx)
	assert.ErrorIs(t, err, ErrNoDrag)
}

func TestDrag_Gated(t *testing.T) {
	h := newHarness(t, DefaultConfig(), []*model.NeuronState{
		line(1, "user:u1", 1, 0, 10),
		line(2, "user:u2", 11, 100),
	})

	assert.ErrorIs(t, h.ctl.BeginDrag(11), engine.ErrNotOwner)
	assert.ErrorIs(t, h.ctl.BeginDrag(99), engine.ErrNotFound)

	h.ws.ReadOnly.Store(true)
	assert.ErrorIs(t, h.ctl.BeginDrag(1), engine.ErrReadOnly)
	h.ws.ReadOnly.Store(false)
	assert.NoError(t, h.ctl.BeginDrag(1))
}

func TestDrag_MergeOntoCandidate(t *testing.T) {
	var prompts []MergePrompt
	confirm := confirmFunc(func(p MergePrompt) Decision {
		prompts = append(prompts, p)
		return DecisionMerge
	})
	h := newHarness(t, DefaultConfig(), twoLines(), WithConfirmer(confirm))

	require.NoError(t, h.ctl.BeginDrag(11))
	prev, err := h.ctl.DragTo(model.Vec3{X: 21})
	require.NoError(t, err)
	assert.Equal(t, model.AnnotationID(3), prev.Candidate)
	assert.True(t, prev.CanMerge)

	res, err := h.ctl.EndDrag(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, DragMerged, res.Outcome)
	assert.Equal(t, model.AnnotationID(3), res.Candidate)
	require.NoError(t, h.wait(res.Handle).Err)

	require.Len(t, prompts, 1)
	assert.Equal(t, MergePrompt{Dragged: 11, Candidate: 3, DraggedName: "line", CandidateName: "line"}, prompts[0])

	a, st := h.ann(11)
	assert.Equal(t, model.AnnotationID(3), a.ParentID)
	assert.Equal(t, model.NeuronID(1), st.ID)
	_, ok := h.ws.Forest.Neuron(2)
	assert.False(t, ok, "absorbed neuron is deleted")
	assert.Equal(t, model.AnnotationID(11), h.nextParent())
	require.NoError(t, h.ws.Forest.Validate())
}

func TestDrag_CycleIsRefused(t *testing.T) {
	h := newHarness(t, DefaultConfig(), twoLines(), WithConfirmer(StaticConfirmer{Merge: DecisionMerge}))
	before := h.ws.Forest.Snapshot()

	require.NoError(t, h.ctl.BeginDrag(3))
	_, err := h.ctl.DragTo(model.Vec3{X: 11})
	require.NoError(t, err)

	res, err := h.ctl.EndDrag(h.ctx)
	var ce *engine.CycleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, model.AnnotationID(2), ce.Ancestor)
	assert.Equal(t, DragRefused, res.Outcome)
	assert.Nil(t, res.Handle)

	h.flush()
	assert.Equal(t, []events.Kind{events.KindAnnotationNotMoved}, h.rec.Kinds())
	assert.Equal(t, before, h.ws.Forest.Snapshot())
}

func TestDrag_Decisions(t *testing.T) {
	t.Run("cancel snaps back", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), twoLines(), WithConfirmer(StaticConfirmer{Merge: DecisionCancel}))
		require.NoError(t, h.ctl.BeginDrag(11))
		_, err := h.ctl.DragTo(model.Vec3{X: 21})
		require.NoError(t, err)
		res, err := h.ctl.EndDrag(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, DragCancelled, res.Outcome)
		assert.Nil(t, res.Handle)
		h.flush()
		assert.Equal(t, []events.Kind{events.KindAnnotationNotMoved}, h.rec.Kinds())
		a, _ := h.ann(11)
		assert.Equal(t, model.Vec3{X: 100}, a.Pos)
	})

	t.Run("move without merging", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), twoLines(), WithConfirmer(StaticConfirmer{Merge: DecisionMove}))
		require.NoError(t, h.ctl.BeginDrag(11))
		_, err := h.ctl.DragTo(model.Vec3{X: 21})
		require.NoError(t, err)
		res, err := h.ctl.EndDrag(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, DragMoved, res.Outcome)
		require.NoError(t, h.wait(res.Handle).Err)
		a, st := h.ann(11)
		assert.Equal(t, model.Vec3{X: 21}, a.Pos)
		assert.Equal(t, model.NeuronID(2), st.ID)
	})

	t.Run("explicit cancel", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), twoLines())
		require.NoError(t, h.ctl.BeginDrag(1))
		h.ctl.CancelDrag()
		h.flush()
		assert.Equal(t, []events.Kind{events.KindAnnotationNotMoved}, h.rec.Kinds())
		assert.NoError(t, h.ctl.BeginDrag(1))
	})
}

func TestNavigate(t *testing.T) {
	h := newHarness(t, DefaultConfig(), twoLines())

	_, err := h.ctl.Navigate(model.EndwardStep)
	assert.ErrorIs(t, err, ErrNoNextParent)

	require.NoError(t, h.ctl.SelectAnnotation(2))
	got, err := h.ctl.Navigate(model.EndwardStep)
	require.NoError(t, err)
	assert.Equal(t, model.AnnotationID(3), got)

	got, err = h.ctl.Navigate(model.RootwardJump)
	require.NoError(t, err)
	assert.Equal(t, model.AnnotationID(1), got)
	assert.Equal(t, model.AnnotationID(1), h.nextParent())

	nid, ok := h.ctl.SelectedNeuron()
	assert.True(t, ok)
	assert.Equal(t, model.NeuronID(1), nid)
}

func TestAppendVertex(t *testing.T) {
	lift := RefinerFunc(func(_ context.Context, p model.Vec3) (model.Vec3, error) {
		return p.Add(model.Vec3{Z: 1}), nil
	})
	h := newHarness(t, DefaultConfig(), twoLines(), WithRefiner(lift))

	_, err := h.ctl.AppendVertex(h.ctx, model.Vec3{X: 30})
	assert.ErrorIs(t, err, ErrNoNeuronSelected)

	require.NoError(t, h.ctl.SelectNeuron(1))
	assert.Equal(t, model.AnnotationID(3), h.nextParent())

	handle, err := h.ctl.AppendVertex(h.ctx, model.Vec3{X: 30})
	require.NoError(t, err)
	res := h.wait(handle)
	require.NoError(t, res.Err)
	id := res.Value.(model.AnnotationID)

	a, _ := h.ann(id)
	assert.Equal(t, model.AnnotationID(3), a.ParentID)
	assert.Equal(t, model.Vec3{X: 30, Z: 1}, a.Pos)
	assert.Equal(t, id, h.nextParent())

	t.Run("empty neuron gets a root", func(t *testing.T) {
		nid, err := h.eng.CreateNeuron(h.ctx, h.ws, "")
		require.NoError(t, err)
		h.flush()
		require.NoError(t, h.ctl.SelectNeuron(nid))
		_, ok := h.sk.NextParent()
		require.False(t, ok)

		handle, err := h.ctl.AppendVertex(h.ctx, model.Vec3{Y: 50})
		require.NoError(t, err)
		res := h.wait(handle)
		require.NoError(t, res.Err)
		root, st := h.ann(res.Value.(model.AnnotationID))
		assert.True(t, root.IsRoot())
		assert.Equal(t, nid, st.ID)
	})
}

func TestDeleteSubtree_NeedsConfirmation(t *testing.T) {
	t.Run("declined without a confirmer", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), twoLines())
		_, err := h.ctl.DeleteSubtree(h.ctx, 2)
		assert.ErrorIs(t, err, ErrDeclined)
		assert.Equal(t, 5, h.ws.Forest.AnnotationCount())

		handle, err := h.ctl.DeleteSubtree(h.ctx, 3)
		require.NoError(t, err, "a single node needs no confirmation")
		assert.Equal(t, []model.AnnotationID{3}, h.wait(handle).Value)
	})

	t.Run("confirmed", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), twoLines(), WithConfirmer(StaticConfirmer{Delete: true}))
		handle, err := h.ctl.DeleteSubtree(h.ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []model.AnnotationID{2, 3}, h.wait(handle).Value)
		assert.Equal(t, 3, h.ws.Forest.AnnotationCount())
	})
}

func TestSmartMerge_MovesNextParent(t *testing.T) {
	h := newHarness(t, DefaultConfig(), []*model.NeuronState{
		line(1, "user:u1", 1, 0, 10, 20),
		line(2, "user:u1", 11, 40, 50, 60),
	})
	handle, err := h.ctl.SmartMerge(h.ctx, 1, 12)
	require.NoError(t, err)
	res := h.wait(handle)
	require.NoError(t, res.Err)

	sm := res.Value.(engine.SmartMergeResult)
	assert.Equal(t, engine.SmartMergeResult{Source: 3, Target: 11, NextParent: 13}, sm)
	assert.Equal(t, model.AnnotationID(13), h.nextParent())
}

func TestEdits_FailuresAreReported(t *testing.T) {
	h := newHarness(t, DefaultConfig(), twoLines())

	handle, err := h.ctl.RerootNeurite(h.ctx, 1)
	require.NoError(t, err)
	res := h.wait(handle)
	assert.ErrorIs(t, res.Err, engine.ErrAlreadyRoot)
	assert.ErrorIs(t, h.reported.get("reroot_neurite"), engine.ErrAlreadyRoot)

	for name, submit := range map[string]func() (*tasks.Handle, error){
		"split_anchor":       func() (*tasks.Handle, error) { return h.ctl.SplitAnchor(h.ctx, 99) },
		"split_neurite":      func() (*tasks.Handle, error) { return h.ctl.SplitNeurite(h.ctx, 99) },
		"set_radius":         func() (*tasks.Handle, error) { return h.ctl.SetRadius(h.ctx, 99, 4) },
		"delete_link":        func() (*tasks.Handle, error) { return h.ctl.DeleteLink(h.ctx, 99) },
		"transfer_neurite":   func() (*tasks.Handle, error) { return h.ctl.TransferNeurite(h.ctx, 99, 1) },
		"split_and_transfer": func() (*tasks.Handle, error) { return h.ctl.SplitAndTransfer(h.ctx, 99) },
	} {
		handle, err := submit()
		require.NoError(t, err, name)
		assert.Equal(t, name, handle.Name())
		res := h.wait(handle)
		assert.ErrorIs(t, res.Err, engine.ErrNotFound, name)
	}
}

func TestTracePath_Cancel(t *testing.T) {
	h := newHarness(t, DefaultConfig(), twoLines())
	started := make(chan struct{})
	tracer := engine.PathTracerFunc(func(ctx context.Context, _, _ model.Vec3) ([]model.Vec3, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	handle, err := h.ctl.TracePath(h.ctx, 1, 2, tracer)
	require.NoError(t, err)
	<-started
	handle.Cancel()

	res := h.wait(handle)
	require.True(t, res.Cancelled())
	var ce *tasks.CancelledError
	require.True(t, errors.As(res.Err, &ce))
	assert.Equal(t, tasks.CancelUser, ce.Reason.Type)
	assert.Nil(t, h.reported.get("trace_path"), "cancellations are not reported")

	st, _ := h.ws.Forest.Neuron(1)
	assert.Empty(t, st.PathKeys())
}

type confirmFunc func(MergePrompt) Decision

func (f confirmFunc) ConfirmMerge(_ context.Context, p MergePrompt) Decision { return f(p) }
func (f confirmFunc) ConfirmDelete(context.Context, DeletePrompt) bool { return false }
