// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/engine"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/ownership"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// sample builds root 1 -> {2, 3} with a note and a path.
func sample(id model.NeuronID, first model.AnnotationID) *model.NeuronState {
	s := model.NewNeuronState(id, "sample", "user:u1")
	s.Insert(&model.Annotation{ID: first, Pos: model.Vec3{X: 1}, Radius: 1})
	s.Insert(&model.Annotation{ID: first + 1, ParentID: first, Pos: model.Vec3{X: 2}, Radius: 1.5})
	s.Insert(&model.Annotation{ID: first + 2, ParentID: first, Pos: model.Vec3{Y: 2}, Radius: 2})
	s.SetNote(first+1, model.NoteTracedEnd)
	s.SetPath(&model.AnchoredPath{
		Key:    model.NewPathKey(first, first+1),
		Points: []model.Vec3{{X: 1}, {X: 1.5}, {X: 2}},
	})
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Open(Config{InMemory: true, GCDiscardRatio: 2})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	want := sample(4, 10)

	require.NoError(t, s.SaveNeuron(ctx, want))
	got, err := s.LoadNeuron(ctx, 4)
	require.NoError(t, err)

	assert.Equal(t, want.Record(), got.Record())
	assert.Equal(t, []model.AnnotationID{11, 12}, got.Annotations[10].Children)
	note, ok := got.Note(11)
	require.True(t, ok)
	assert.Equal(t, model.NoteTracedEnd, note)
	assert.NoError(t, got.Validate())
}

func TestStore_SaveReplacesAndDeleteRemoves(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := sample(1, 1)
	require.NoError(t, s.SaveNeuron(ctx, st))
	_, err := s.LoadNeuron(ctx, 1)
	require.NoError(t, err)

	st.Name = "renamed"
	require.NoError(t, s.SaveNeuron(ctx, st))
	got, err := s.LoadNeuron(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	require.NoError(t, s.DeleteNeuron(ctx, 1))
	_, err = s.LoadNeuron(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.DeleteNeuron(ctx, 1), "deleting twice is fine")
}

func TestStore_LoadAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	states := []*model.NeuronState{sample(30, 300), sample(2, 20), sample(100, 1000)}
	require.NoError(t, s.SaveAll(ctx, states))

	got, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, model.NeuronID(2), got[0].ID)
	assert.Equal(t, model.NeuronID(30), got[1].ID)
	assert.Equal(t, model.NeuronID(100), got[2].ID)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStore_NamespacesAreSeparate(t *testing.T) {
	s := openTestStore(t)
	other := &Store{db: s.db, ns: "other", logger: s.logger}
	ctx := context.Background()

	require.NoError(t, s.SaveNeuron(ctx, sample(1, 1)))
	got, err := other.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_CorruptRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveNeuron(ctx, sample(1, 1)))
	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.neuronKey(2), []byte("{not json"))
	}))

	_, err := s.LoadNeuron(ctx, 2)
	assert.ErrorIs(t, err, ErrCorruptRecord)
	_, err = s.LoadAll(ctx)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestStore_ConcurrentLoads(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveNeuron(ctx, sample(7, 70)))

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := s.LoadNeuron(ctx, 7)
			if err == nil && st.Len() != 3 {
				err = assert.AnError
			}
			errs[i] = err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestStore_Meta(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadMeta(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	saved := WorkspaceMeta{Name: "mouse-1", Neurons: 3, SavedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, s.SaveMeta(ctx, saved))
	got, ok, err := s.LoadMeta(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, saved, got)
}

func TestStore_CancelledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.SaveNeuron(ctx, sample(1, 1)), context.Canceled)
	_, err := s.LoadNeuron(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestStore_AsEnginePersister checks that committed edits reach the store
// and that the stored workspace reloads into an identical forest.
func TestStore_AsEnginePersister(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	session := ownership.NewSession(ownership.Subject{Key: "user:u1"})
	ws, err := engine.NewWorkspace("persisted", ownership.NewCoordinator(session))
	require.NoError(t, err)
	defer ws.Close()
	eng := engine.New(engine.DefaultConfig(), engine.WithPersister(s))

	require.NoError(t, eng.LoadWorkspace(ctx, ws, []*model.NeuronState{sample(1, 1), sample(2, 10)}))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "loading does not write")

	_, err = eng.AddChild(ctx, ws, 2, model.Vec3{X: 3})
	require.NoError(t, err)
	require.NoError(t, eng.MergeNeurite(ctx, ws, 3, 10))

	stored, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1, "the absorbed neuron was deleted")
	live, ok := ws.Forest.Neuron(1)
	require.True(t, ok)
	assert.Equal(t, live.Record(), stored[0].Record())
}
