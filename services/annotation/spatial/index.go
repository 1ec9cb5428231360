// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package spatial maps micron-space coordinates to point annotations.
//
// The index is a uniform grid hash: every annotation sits in the cell
// floor(pos / CellSize). Inserts, moves and removals touch a single map
// entry, so the index is kept current edit by edit instead of being
// rebuilt. Nearest-neighbour queries search outward shell by shell and
// stop once no unvisited cell can hold a closer point.
//
// Thread Safety:
//
//	Index is safe for concurrent use. Queries take a read lock; updates
//	take the write lock for the duration of one entry change.
package spatial

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
)

// DefaultCellSize is the grid pitch in microns.
const DefaultCellSize = 25.0

// ErrInvalidCellSize is returned when the grid pitch is not positive.
var ErrInvalidCellSize = errors.New("cell size must be positive")

// Entry is one indexed annotation.
type Entry struct {
	ID       model.AnnotationID
	NeuronID model.NeuronID
	Pos      model.Vec3
}

// Neighbor is a query result.
type Neighbor struct {
	Entry
	Distance float64
}

type cellKey struct{ x, y, z int64 }

// Index is a grid-hashed point index over all loaded annotations.
type Index struct {
	mu       sync.RWMutex
	cellSize float64
	cells    map[cellKey]map[model.AnnotationID]struct{}
	entries  map[model.AnnotationID]Entry
}

// NewIndex creates an empty index with the given cell size.
func NewIndex(cellSize float64) (*Index, error) {
	if cellSize <= 0 || math.IsNaN(cellSize) || math.IsInf(cellSize, 0) {
		return nil, ErrInvalidCellSize
	}
	return &Index{
		cellSize: cellSize,
		cells:    make(map[cellKey]map[model.AnnotationID]struct{}),
		entries:  make(map[model.AnnotationID]Entry),
	}, nil
}

// CellSize returns the grid pitch.
func (ix *Index) CellSize() float64 { return ix.cellSize }

// Len returns the number of indexed annotations.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Get returns the entry for id.
func (ix *Index) Get(id model.AnnotationID) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	return e, ok
}

// Upsert inserts e or moves the existing entry with the same ID.
func (ix *Index) Upsert(e Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.upsertLocked(e)
}

// Remove drops the entry for id. Unknown IDs are ignored.
func (ix *Index) Remove(id model.AnnotationID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
}

// Apply removes and upserts a batch of entries under one lock so queries
// never observe half of an edit.
func (ix *Index) Apply(removed []model.AnnotationID, upserts []Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range removed {
		ix.removeLocked(id)
	}
	for _, e := range upserts {
		ix.upsertLocked(e)
	}
}

// Rebuild replaces the whole content of the index.
func (ix *Index) Rebuild(entries []Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.cells = make(map[cellKey]map[model.AnnotationID]struct{})
	ix.entries = make(map[model.AnnotationID]Entry, len(entries))
	for _, e := range entries {
		ix.upsertLocked(e)
	}
}

func (ix *Index) upsertLocked(e Entry) {
	if old, ok := ix.entries[e.ID]; ok {
		if ix.keyOf(old.Pos) == ix.keyOf(e.Pos) {
			ix.entries[e.ID] = e
			return
		}
		ix.removeLocked(e.ID)
	}
	k := ix.keyOf(e.Pos)
	cell, ok := ix.cells[k]
	if !ok {
		cell = make(map[model.AnnotationID]struct{})
		ix.cells[k] = cell
	}
	cell[e.ID] = struct{}{}
	ix.entries[e.ID] = e
}

func (ix *Index) removeLocked(id model.AnnotationID) {
	e, ok := ix.entries[id]
	if !ok {
		return
	}
	k := ix.keyOf(e.Pos)
	if cell, ok := ix.cells[k]; ok {
		delete(cell, id)
		if len(cell) == 0 {
			delete(ix.cells, k)
		}
	}
	delete(ix.entries, id)
}

func (ix *Index) keyOf(p model.Vec3) cellKey {
	return cellKey{
		x: int64(math.Floor(p.X / ix.cellSize)),
		y: int64(math.Floor(p.Y / ix.cellSize)),
		z: int64(math.Floor(p.Z / ix.cellSize)),
	}
}

// =============================================================================
// Queries
// =============================================================================

// Nearest returns up to k annotations ordered by ascending distance from
// pos, ties broken by ascending ID. Fewer than k results are returned only
// when the index holds fewer than k annotations.
//
// Description:
//
//	Visits cubic shells of cells around the query cell. After shell s,
//	every unvisited point is at least s*CellSize away, so the search stops
//	once k candidates lie strictly inside that radius or every occupied
//	cell has been seen. When a shell would contain more cells than are
//	occupied, the remaining search falls back to a linear scan.
func (ix *Index) Nearest(pos model.Vec3, k int) []Neighbor {
	if k <= 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.entries) == 0 {
		return nil
	}

	center := ix.keyOf(pos)
	var found []Neighbor
	visited := 0
	for s := int64(0); ; s++ {
		if shellCells(s) > int64(len(ix.cells)) {
			return topK(ix.scanAll(pos), k)
		}
		ix.visitShell(center, s, func(cell map[model.AnnotationID]struct{}) {
			visited++
			for id := range cell {
				e := ix.entries[id]
				found = append(found, Neighbor{Entry: e, Distance: e.Pos.Dist(pos)})
			}
		})
		if visited == len(ix.cells) {
			break
		}
		if len(found) >= k {
			sortNeighbors(found)
			if found[k-1].Distance < float64(s)*ix.cellSize {
				break
			}
		}
	}
	return topK(found, k)
}

// Within returns every annotation whose distance from pos is at most r,
// ordered like Nearest.
func (ix *Index) Within(pos model.Vec3, r float64) []Neighbor {
	if r < 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	lo := ix.keyOf(model.Vec3{X: pos.X - r, Y: pos.Y - r, Z: pos.Z - r})
	hi := ix.keyOf(model.Vec3{X: pos.X + r, Y: pos.Y + r, Z: pos.Z + r})
	span := (hi.x - lo.x + 1) * (hi.y - lo.y + 1) * (hi.z - lo.z + 1)

	var out []Neighbor
	collect := func(id model.AnnotationID) {
		e := ix.entries[id]
		if d := e.Pos.Dist(pos); d <= r {
			out = append(out, Neighbor{Entry: e, Distance: d})
		}
	}
	if span > int64(len(ix.cells)) {
		for id := range ix.entries {
			collect(id)
		}
	} else {
		for x := lo.x; x <= hi.x; x++ {
			for y := lo.y; y <= hi.y; y++ {
				for z := lo.z; z <= hi.z; z++ {
					for id := range ix.cells[cellKey{x, y, z}] {
						collect(id)
					}
				}
			}
		}
	}
	sortNeighbors(out)
	return out
}

func (ix *Index) visitShell(c cellKey, s int64, fn func(map[model.AnnotationID]struct{})) {
	visit := func(x, y, z int64) {
		if cell, ok := ix.cells[cellKey{c.x + x, c.y + y, c.z + z}]; ok {
			fn(cell)
		}
	}
	if s == 0 {
		visit(0, 0, 0)
		return
	}
	for x := -s; x <= s; x++ {
		for y := -s; y <= s; y++ {
			if x == -s || x == s || y == -s || y == s {
				for z := -s; z <= s; z++ {
					visit(x, y, z)
				}
				continue
			}
			visit(x, y, -s)
			visit(x, y, s)
		}
	}
}

func (ix *Index) scanAll(pos model.Vec3) []Neighbor {
	out := make([]Neighbor, 0, len(ix.entries))
	for _, e := range ix.entries {
		out = append(out, Neighbor{Entry: e, Distance: e.Pos.Dist(pos)})
	}
	return out
}

// shellCells returns the number of cells on the surface of shell s.
func shellCells(s int64) int64 {
	if s == 0 {
		return 1
	}
	outer := 2*s + 1
	inner := 2*s - 1
	return outer*outer*outer - inner*inner*inner
}

func sortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Distance != ns[j].Distance {
			return ns[i].Distance < ns[j].Distance
		}
		return ns[i].ID < ns[j].ID
	})
}

func topK(ns []Neighbor, k int) []Neighbor {
	sortNeighbors(ns)
	if len(ns) > k {
		ns = ns[:k]
	}
	return ns
}
