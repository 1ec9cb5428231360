// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
)

func newTestBus(t *testing.T, opts ...BusOption) *Bus {
	t.Helper()
	b := NewBus(opts...)
	t.Cleanup(b.Close)
	return b
}

func flush(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Flush(ctx))
}

func added(id model.AnnotationID) AnnotationAdded {
	return AnnotationAdded{Annotation: model.Annotation{ID: id, NeuronID: 1}}
}

func TestBus_DeliversInEmissionOrder(t *testing.T) {
	b := newTestBus(t)
	first := NewRecorder()
	second := NewRecorder()
	b.SubscribeListener(first)
	b.SubscribeListener(second)

	b.Publish(added(1), AnnotationReparented{Annotation: model.Annotation{ID: 1}})
	b.Publish(NeuronDeleted{NeuronID: 2})
	b.Publish(added(2))
	flush(t, b)

	want := []Kind{KindAnnotationAdded, KindAnnotationReparented, KindNeuronDeleted, KindAnnotationAdded}
	assert.Equal(t, want, first.Kinds())
	assert.Equal(t, want, second.Kinds())

	envs := first.Envelopes()
	for i, env := range envs {
		assert.Equal(t, uint64(i+1), env.Seq)
	}
	assert.Equal(t, envs[0].Batch, envs[1].Batch, "records of one publish share a batch")
	assert.NotEqual(t, envs[1].Batch, envs[2].Batch)
}

func TestBus_ConcurrentPublishersNeverInterleave(t *testing.T) {
	b := newTestBus(t)
	rec := NewRecorder()
	b.SubscribeListener(rec)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := model.AnnotationID(w*1000 + i)
				b.Publish(added(id), NoteChanged{AnnotationID: id})
			}
		}(w)
	}
	wg.Wait()
	flush(t, b)

	changes := rec.Changes()
	require.Len(t, changes, 800)
	for i := 0; i < len(changes); i += 2 {
		a, ok := changes[i].(AnnotationAdded)
		require.True(t, ok, "record %d", i)
		n, ok := changes[i+1].(NoteChanged)
		require.True(t, ok, "record %d", i+1)
		assert.Equal(t, a.Annotation.ID, n.AnnotationID)
	}
}

func TestBus_PanickingListenerDoesNotBlockOthers(t *testing.T) {
	b := newTestBus(t)
	b.Subscribe(func(*Envelope) { panic("boom") })
	rec := NewRecorder()
	b.SubscribeListener(rec)

	b.Publish(added(1))
	b.Publish(added(2))
	flush(t, b)

	assert.Len(t, rec.Kinds(), 2)
}

func TestBus_KindsAndFilter(t *testing.T) {
	b := newTestBus(t)

	onlyDeletes := NewRecorder()
	b.SubscribeListener(onlyDeletes, KindNeuronDeleted)

	var mu sync.Mutex
	var remote []uint64
	b.SubscribeWithFilter(func(env *Envelope) {
		mu.Lock()
		remote = append(remote, env.Seq)
		mu.Unlock()
	}, func(env *Envelope) bool { return env.Origin == OriginRemote })

	b.Publish(added(1), NeuronDeleted{NeuronID: 4})
	b.PublishFrom(OriginRemote, NeuronChanged{Neuron: model.NewNeuronState(5, "n", "u")})
	flush(t, b)

	assert.Equal(t, []Kind{KindNeuronDeleted}, onlyDeletes.Kinds())
	mu.Lock()
	assert.Equal(t, []uint64{3}, remote)
	mu.Unlock()
}

func TestBus_BulkSuppressesPerNodeRecords(t *testing.T) {
	b := newTestBus(t)
	rec := NewRecorder()
	b.SubscribeListener(rec)

	scope := b.BeginBulk()
	assert.True(t, b.InBulk())
	scope.PublishFrom(OriginLocal, NeuronCreated{Neuron: model.NewNeuronState(1, "a", "u")}, added(1))
	scope.PublishFrom(OriginLocal, added(2))
	n := scope.End(SpatialIndexReady{})
	assert.Equal(t, 0, scope.End(), "second End is a no-op")
	flush(t, b)

	assert.False(t, b.InBulk())
	assert.Equal(t, 3, n)
	assert.Equal(t, []Kind{KindSpatialIndexReady}, rec.Kinds())

	b.Publish(added(3))
	flush(t, b)
	assert.Equal(t, []Kind{KindSpatialIndexReady, KindAnnotationAdded}, rec.Kinds())
}

func TestBus_BulkScopeLeavesOtherPublishersAlone(t *testing.T) {
	b := newTestBus(t)
	rec := NewRecorder()
	b.SubscribeListener(rec)

	outer := b.BeginBulk()
	inner := b.BeginBulk()
	outer.PublishFrom(OriginLocal, added(1))
	b.Publish(added(10), NoteChanged{AnnotationID: 10})
	inner.PublishFrom(OriginLocal, added(2))

	assert.Equal(t, 1, inner.End(BulkNeuronsChanged{}))
	assert.True(t, b.InBulk(), "outer scope is still open")
	assert.Equal(t, 1, outer.End(SpatialIndexReady{}))
	flush(t, b)

	assert.Equal(t, []Kind{
		KindAnnotationAdded,
		KindNoteChanged,
		KindBulkNeuronsChanged,
		KindSpatialIndexReady,
	}, rec.Kinds())
}

func TestBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	rec := NewRecorder()
	id := b.SubscribeListener(rec)
	assert.Equal(t, 1, b.SubscriptionCount())

	b.Publish(added(1))
	flush(t, b)
	assert.True(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe(id))
	b.Publish(added(2))
	flush(t, b)

	assert.Len(t, rec.Kinds(), 1)
	assert.Equal(t, 0, b.SubscriptionCount())
}

func TestBus_FlushHonoursContext(t *testing.T) {
	b := newTestBus(t)
	release := make(chan struct{})
	b.Subscribe(func(*Envelope) { <-release })
	b.Publish(added(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Flush(ctx), context.DeadlineExceeded)

	close(release)
	flush(t, b)
}

func TestBus_HistoryIsBounded(t *testing.T) {
	b := newTestBus(t, WithHistorySize(2))
	for i := 1; i <= 5; i++ {
		b.Publish(added(model.AnnotationID(i)))
	}
	flush(t, b)

	h := b.History()
	require.Len(t, h, 2)
	assert.Equal(t, uint64(4), h[0].Seq)
	assert.Equal(t, uint64(5), h[1].Seq)
	assert.Equal(t, uint64(5), b.Published())
}

func TestBus_CloseDrainsQueue(t *testing.T) {
	b := NewBus()
	rec := NewRecorder()
	b.SubscribeListener(rec)
	b.Publish(added(1), added(2))
	b.Close()

	assert.Len(t, rec.Kinds(), 2)
	b.Publish(added(3))
	assert.NoError(t, b.Flush(context.Background()))
	assert.Len(t, rec.Kinds(), 2, "publish after close is dropped")
}

func TestHandlers_DispatchesByVariant(t *testing.T) {
	var movedFrom model.Vec3
	var deleted []model.AnnotationID
	h := Handlers{
		AnnotationMoved:    func(ev AnnotationMoved) { movedFrom = ev.From },
		AnnotationsDeleted: func(ev AnnotationsDeleted) { deleted = ev.IDs },
	}

	h.HandleChange(&Envelope{Change: AnnotationMoved{From: model.Vec3{X: 3}}})
	h.HandleChange(&Envelope{Change: AnnotationsDeleted{IDs: []model.AnnotationID{7, 8}}})
	h.HandleChange(&Envelope{Change: RadiusChanged{}})

	assert.Equal(t, model.Vec3{X: 3}, movedFrom)
	assert.Equal(t, []model.AnnotationID{7, 8}, deleted)
}

func TestKind_PerNode(t *testing.T) {
	assert.True(t, KindAnnotationAdded.PerNode())
	assert.True(t, KindNeuronChanged.PerNode())
	assert.False(t, KindBulkNeuronsChanged.PerNode())
	assert.False(t, KindSpatialIndexReady.PerNode())
	assert.Equal(t, "annotation_not_moved", KindAnnotationNotMoved.String())
}

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func TestBus_HighWaterWarning(t *testing.T) {
	out := &lockedBuffer{}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	b := newTestBus(t, WithHighWater(3), WithLogger(logger))

	release := make(chan struct{})
	var once sync.Once
	rec := NewRecorder()
	b.Subscribe(func(env *Envelope) {
		once.Do(func() { <-release })
		rec.HandleChange(env)
	})

	b.Publish(added(1))
	require.Eventually(t, func() bool { return b.QueueLen() == 0 }, 2*time.Second, 5*time.Millisecond)
	for id := model.AnnotationID(2); id <= 5; id++ {
		b.Publish(added(id))
	}
	assert.Equal(t, 4, b.QueueLen())
	assert.Contains(t, out.String(), "change queue above high-water mark")
	assert.Contains(t, out.String(), "depth=4")

	close(release)
	flush(t, b)
	assert.Len(t, rec.Kinds(), 5, "a backlog never drops records")
	assert.Contains(t, out.String(), "change queue drained")
}
