// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package spatial

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
)

func newTestIndex(t *testing.T, cell float64) *Index {
	t.Helper()
	ix, err := NewIndex(cell)
	require.NoError(t, err)
	return ix
}

func ids(ns []Neighbor) []model.AnnotationID {
	out := make([]model.AnnotationID, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func TestNewIndex_RejectsBadCellSize(t *testing.T) {
	_, err := NewIndex(0)
	assert.ErrorIs(t, err, ErrInvalidCellSize)
	_, err = NewIndex(-3)
	assert.ErrorIs(t, err, ErrInvalidCellSize)
}

func TestNearest_OrdersByDistanceThenID(t *testing.T) {
	ix := newTestIndex(t, 10)
	ix.Upsert(Entry{ID: 5, NeuronID: 1, Pos: model.Vec3{X: 1}})
	ix.Upsert(Entry{ID: 3, NeuronID: 1, Pos: model.Vec3{X: -1}})
	ix.Upsert(Entry{ID: 9, NeuronID: 2, Pos: model.Vec3{Y: 0.5}})
	ix.Upsert(Entry{ID: 1, NeuronID: 2, Pos: model.Vec3{Z: 40}})

	got := ix.Nearest(model.Vec3{}, 3)
	assert.Equal(t, []model.AnnotationID{9, 3, 5}, ids(got))
	assert.InDelta(t, 0.5, got[0].Distance, 1e-9)

	all := ix.Nearest(model.Vec3{}, 10)
	assert.Len(t, all, 4, "fewer than k only when the index is smaller")
	assert.Equal(t, model.AnnotationID(1), all[3].ID)

	assert.Nil(t, ix.Nearest(model.Vec3{}, 0))
}

func TestNearest_MatchesBruteForce(t *testing.T) {
	ix := newTestIndex(t, 7)
	rng := rand.New(rand.NewSource(42))
	var entries []Entry
	for i := 1; i <= 500; i++ {
		e := Entry{
			ID:       model.AnnotationID(i),
			NeuronID: model.NeuronID(i % 4),
			Pos: model.Vec3{
				X: rng.Float64()*400 - 200,
				Y: rng.Float64()*400 - 200,
				Z: rng.Float64()*50 - 25,
			},
		}
		entries = append(entries, e)
		ix.Upsert(e)
	}

	for q := 0; q < 50; q++ {
		pos := model.Vec3{X: rng.Float64()*600 - 300, Y: rng.Float64()*600 - 300, Z: rng.Float64()*100 - 50}
		k := 1 + rng.Intn(25)

		want := make([]Neighbor, 0, len(entries))
		for _, e := range entries {
			want = append(want, Neighbor{Entry: e, Distance: e.Pos.Dist(pos)})
		}
		sort.Slice(want, func(i, j int) bool {
			if want[i].Distance != want[j].Distance {
				return want[i].Distance < want[j].Distance
			}
			return want[i].ID < want[j].ID
		})

		got := ix.Nearest(pos, k)
		require.Len(t, got, k)
		assert.Equal(t, ids(want[:k]), ids(got), "query %d", q)
		for i := 1; i < len(got); i++ {
			assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
		}
	}
}

func TestUpsert_MovesAcrossCells(t *testing.T) {
	ix := newTestIndex(t, 10)
	ix.Upsert(Entry{ID: 1, Pos: model.Vec3{X: 1}})
	ix.Upsert(Entry{ID: 2, Pos: model.Vec3{X: 50}})

	ix.Upsert(Entry{ID: 1, Pos: model.Vec3{X: 95}})
	assert.Equal(t, 2, ix.Len())
	got := ix.Nearest(model.Vec3{X: 100}, 1)
	require.Len(t, got, 1)
	assert.Equal(t, model.AnnotationID(1), got[0].ID)

	ix.Remove(1)
	ix.Remove(77)
	assert.Equal(t, 1, ix.Len())
	_, ok := ix.Get(1)
	assert.False(t, ok)
}

func TestApply_BatchesUpdates(t *testing.T) {
	ix := newTestIndex(t, 5)
	ix.Rebuild([]Entry{{ID: 1}, {ID: 2, Pos: model.Vec3{X: 3}}})

	ix.Apply([]model.AnnotationID{1}, []Entry{{ID: 3, Pos: model.Vec3{Y: 2}}, {ID: 2, Pos: model.Vec3{X: 20}}})

	assert.Equal(t, 2, ix.Len())
	assert.Equal(t, []model.AnnotationID{3, 2}, ids(ix.Nearest(model.Vec3{}, 5)))
}

func TestWithin(t *testing.T) {
	ix := newTestIndex(t, 4)
	ix.Upsert(Entry{ID: 1, Pos: model.Vec3{X: 1}})
	ix.Upsert(Entry{ID: 2, Pos: model.Vec3{X: 3}})
	ix.Upsert(Entry{ID: 3, Pos: model.Vec3{X: 30}})

	assert.Equal(t, []model.AnnotationID{1, 2}, ids(ix.Within(model.Vec3{}, 3)))
	assert.Empty(t, ix.Within(model.Vec3{}, 0.5))
	assert.Nil(t, ix.Within(model.Vec3{}, -1))
}
