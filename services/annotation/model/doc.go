// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model holds the in-memory point annotation forest.
//
// A workspace's neurons live in a Forest as immutable NeuronState values.
// Each state owns its annotations (an arena addressed by AnnotationID),
// the ordered root list of its neurites, anchored paths keyed by endpoint
// pair, and free-text notes. Reparenting and rerooting rewrite integer IDs
// only; no annotation holds a pointer to another.
//
// Edits follow a validate-then-commit cycle:
//
//	unlock := forest.LockNeurons(id)
//	defer unlock()
//	tx := forest.Begin()
//	n, _ := tx.Neuron(id)      // working copy
//	// ... validate, then mutate n ...
//	forest.Commit(tx, hook)    // atomic swap
//
// Abandoning a Txn leaves the forest untouched.
package model
