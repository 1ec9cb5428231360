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
	"sort"
	"sync"
	"sync/atomic"
)

// Forest holds every loaded neuron of a workspace.
//
// Description:
//
//	Neurons are stored as immutable NeuronState values keyed by ID, with a
//	secondary index from annotation ID to owning neuron. Writers clone the
//	states they touch into a Txn and swap them in with Commit; readers see
//	either the state before or after a commit, never a partial one.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Writers must additionally
//	serialize per neuron with LockNeurons.
type Forest struct {
	mu      sync.RWMutex
	neurons map[NeuronID]*NeuronState
	owners  map[AnnotationID]NeuronID

	editMu sync.Mutex
	edits  map[NeuronID]*sync.Mutex

	lastAnnotation atomic.Int64
	lastNeuron     atomic.Int64
}

// NewForest creates an empty forest.
func NewForest() *Forest {
	return &Forest{
		neurons: make(map[NeuronID]*NeuronState),
		owners:  make(map[AnnotationID]NeuronID),
		edits:   make(map[NeuronID]*sync.Mutex),
	}
}

// =============================================================================
// Identity allocation
// =============================================================================

// NextAnnotationID allocates a fresh annotation ID. IDs increase
// monotonically, which makes numeric order equal to creation order.
func (f *Forest) NextAnnotationID() AnnotationID {
	return AnnotationID(f.lastAnnotation.Add(1))
}

// NextNeuronID allocates a fresh neuron ID.
func (f *Forest) NextNeuronID() NeuronID {
	return NeuronID(f.lastNeuron.Add(1))
}

// ReserveAnnotationID ensures future allocations are greater than id.
func (f *Forest) ReserveAnnotationID(id AnnotationID) {
	reserve(&f.lastAnnotation, int64(id))
}

// ReserveNeuronID ensures future allocations are greater than id.
func (f *Forest) ReserveNeuronID(id NeuronID) {
	reserve(&f.lastNeuron, int64(id))
}

func reserve(counter *atomic.Int64, v int64) {
	for {
		cur := counter.Load()
		if cur >= v || counter.CompareAndSwap(cur, v) {
			return
		}
	}
}

// =============================================================================
// Reads
// =============================================================================

// Neuron returns the committed state of a neuron.
func (f *Forest) Neuron(id NeuronID) (*NeuronState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.neurons[id]
	return s, ok
}

// Neurons returns all committed neuron states ordered by ID.
func (f *Forest) Neurons() []*NeuronState {
	f.mu.RLock()
	out := make([]*NeuronState, 0, len(f.neurons))
	for _, s := range f.neurons {
		out = append(out, s)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NeuronOf returns the committed state of the neuron owning annotation id.
func (f *Forest) NeuronOf(id AnnotationID) (*NeuronState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	nid, ok := f.owners[id]
	if !ok {
		return nil, false
	}
	s, ok := f.neurons[nid]
	return s, ok
}

// Annotation returns a committed annotation and the state that holds it.
func (f *Forest) Annotation(id AnnotationID) (*Annotation, *NeuronState, bool) {
	s, ok := f.NeuronOf(id)
	if !ok {
		return nil, nil, false
	}
	a, ok := s.Annotations[id]
	if !ok {
		return nil, nil, false
	}
	return a, s, true
}

// Snapshot returns the committed state of every neuron. Because committed
// states are immutable, two snapshots compare equal with assert.Equal if
// and only if nothing was committed in between.
func (f *Forest) Snapshot() map[NeuronID]*NeuronState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[NeuronID]*NeuronState, len(f.neurons))
	for id, s := range f.neurons {
		out[id] = s
	}
	return out
}

// AnnotationCount returns the number of annotations across all neurons.
func (f *Forest) AnnotationCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.owners)
}

// NeuronCount returns the number of neurons.
func (f *Forest) NeuronCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.neurons)
}

// =============================================================================
// Per-neuron critical sections
// =============================================================================

// LockNeurons acquires the edit lock of every listed neuron in ascending
// ID order and returns a function that releases them. Duplicate IDs are
// ignored. Locks for neurons that do not exist yet are created on demand.
func (f *Forest) LockNeurons(ids ...NeuronID) (unlock func()) {
	uniq := make([]NeuronID, 0, len(ids))
	seen := make(map[NeuronID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	locks := make([]*sync.Mutex, len(uniq))
	f.editMu.Lock()
	for i, id := range uniq {
		m, ok := f.edits[id]
		if !ok {
			m = &sync.Mutex{}
			f.edits[id] = m
		}
		locks[i] = m
	}
	f.editMu.Unlock()

	for _, m := range locks {
		m.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// =============================================================================
// Transactions
// =============================================================================

// Change describes one neuron replaced by a commit. Before is nil for a
// created neuron and After is nil for a deleted one.
type Change struct {
	Neuron NeuronID
	Before *NeuronState
	After  *NeuronState
}

// Txn collects working copies of the neurons touched by one edit.
//
// A Txn is not safe for concurrent use. Callers hold the edit locks of
// every neuron they touch for the lifetime of the Txn.
type Txn struct {
	f       *Forest
	base    map[NeuronID]*NeuronState
	work    map[NeuronID]*NeuronState
	deleted map[NeuronID]bool
	order   []NeuronID
}

// Begin starts a transaction against the forest.
func (f *Forest) Begin() *Txn {
	return &Txn{
		f:       f,
		base:    make(map[NeuronID]*NeuronState),
		work:    make(map[NeuronID]*NeuronState),
		deleted: make(map[NeuronID]bool),
	}
}

// Forest returns the forest the transaction belongs to.
func (t *Txn) Forest() *Forest { return t.f }

// Neuron returns the working copy of a neuron, cloning the committed
// state on first access.
func (t *Txn) Neuron(id NeuronID) (*NeuronState, bool) {
	if t.deleted[id] {
		return nil, false
	}
	if w, ok := t.work[id]; ok {
		return w, true
	}
	s, ok := t.f.Neuron(id)
	if !ok {
		return nil, false
	}
	w := s.Clone()
	t.base[id] = s
	t.work[id] = w
	t.order = append(t.order, id)
	return w, true
}

// CreateNeuron adds a new neuron to the transaction.
func (t *Txn) CreateNeuron(id NeuronID, name, owner string) *NeuronState {
	w := NewNeuronState(id, name, owner)
	t.PutNeuron(w)
	return w
}

// PutNeuron installs s as the working copy of its neuron, replacing the
// committed content wholesale.
func (t *Txn) PutNeuron(s *NeuronState) {
	if _, ok := t.work[s.ID]; !ok {
		if base, exists := t.f.Neuron(s.ID); exists {
			t.base[s.ID] = base
			s.Version = base.Version
		}
		t.order = append(t.order, s.ID)
	}
	delete(t.deleted, s.ID)
	t.work[s.ID] = s
}

// DeleteNeuron marks a neuron and all of its annotations for removal.
func (t *Txn) DeleteNeuron(id NeuronID) {
	if _, ok := t.Neuron(id); !ok {
		return
	}
	t.deleted[id] = true
}

// Touched returns the IDs of neurons accessed by the transaction in
// first-access order.
func (t *Txn) Touched() []NeuronID {
	return append([]NeuronID(nil), t.order...)
}

// Changes returns the neuron replacements the transaction would commit.
func (t *Txn) Changes() []Change {
	out := make([]Change, 0, len(t.order))
	for _, id := range t.order {
		c := Change{Neuron: id, Before: t.base[id]}
		if !t.deleted[id] {
			c.After = t.work[id]
		}
		out = append(out, c)
	}
	return out
}

// Commit publishes the transaction. The hook, if non-nil, runs while the
// forest is still write-locked so derived structures (spatial index,
// change queue) update atomically with the tree.
func (f *Forest) Commit(t *Txn, hook func([]Change)) []Change {
	changes := t.Changes()

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, c := range changes {
		if c.Before == nil {
			continue
		}
		for id := range c.Before.Annotations {
			if f.owners[id] == c.Neuron {
				delete(f.owners, id)
			}
		}
	}
	for _, c := range changes {
		if c.After == nil {
			delete(f.neurons, c.Neuron)
			continue
		}
		c.After.Version++
		f.neurons[c.Neuron] = c.After
		f.ReserveNeuronID(c.Neuron)
		for id := range c.After.Annotations {
			f.owners[id] = c.Neuron
			f.ReserveAnnotationID(id)
		}
	}
	if hook != nil {
		hook(changes)
	}
	return changes
}
