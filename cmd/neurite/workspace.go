// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/engine"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/ownership"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/persist"
)

// maxDocumentSize bounds workspace files read by import and watch.
const maxDocumentSize = 64 << 20

// document is the YAML exchange format of a workspace.
//
//	name: sample
//	neurons:
//	  - id: 1
//	    name: Neuron 1
//	    owner: group:mouselight
//	    annotations:
//	      - {id: 1, pos: {x: 0, y: 0, z: 0}, radius: 1}
//	      - {id: 2, parent_id: 1, pos: {x: 10, y: 0, z: 0}, radius: 1}
type document struct {
	Name    string               `yaml:"name"`
	Neurons []model.NeuronRecord `yaml:"neurons"`
}

// readDocument parses a workspace file into validated neuron states.
func readDocument(path string) (string, []*model.NeuronState, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("open workspace file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxDocumentSize+1))
	if err != nil {
		return "", nil, fmt.Errorf("read workspace file: %w", err)
	}
	if len(data) > maxDocumentSize {
		return "", nil, fmt.Errorf("%s exceeds %d bytes", path, maxDocumentSize)
	}
	return parseDocument(data)
}

func parseDocument(data []byte) (string, []*model.NeuronState, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return "", nil, fmt.Errorf("parse workspace file: %w", err)
	}
	states := make([]*model.NeuronState, 0, len(doc.Neurons))
	for _, rec := range doc.Neurons {
		st, err := model.StateFromRecord(rec)
		if err != nil {
			return "", nil, fmt.Errorf("workspace file: %w", err)
		}
		states = append(states, st)
	}
	return doc.Name, states, nil
}

// session bundles an open store with the workspace loaded from it.
type session struct {
	store *persist.Store
	eng   *engine.Engine
	ws    *engine.Workspace
}

// openSession opens the configured store and loads every stored neuron
// into a fresh workspace. attach runs before the load so listeners see
// the loaded neurons.
func (a *app) openSession(ctx context.Context, attach ...func(*engine.Workspace)) (*session, error) {
	store, err := persist.Open(a.cfg.StoreSettings(a.logger))
	if err != nil {
		return nil, err
	}
	s := &session{store: store}
	if err := s.load(ctx, a, attach); err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) load(ctx context.Context, a *app, attach []func(*engine.Workspace)) error {
	name := a.cfg.Storage.Namespace
	meta, ok, err := s.store.LoadMeta(ctx)
	if err != nil {
		return err
	}
	if ok && meta.Name != "" {
		name = meta.Name
	}

	gate := ownership.NewCoordinator(
		ownership.NewSession(ownership.Subject{Key: a.user}),
		ownership.WithTracersGroup(a.cfg.Ownership.TracersGroup),
		ownership.WithLogger(a.logger),
	)
	s.ws, err = engine.NewWorkspace(name, gate,
		engine.WithCellSize(a.cfg.Spatial.CellSize),
		engine.WithWorkspaceLogger(a.logger),
	)
	if err != nil {
		return err
	}
	for _, fn := range attach {
		fn(s.ws)
	}
	s.eng = engine.New(a.cfg.EngineSettings(), engine.WithPersister(s.store), engine.WithLogger(a.logger))

	states, err := s.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		return nil
	}
	return s.eng.LoadWorkspace(ctx, s.ws, states)
}

// saveMeta records the workspace name and size next to the neurons.
func (s *session) saveMeta(ctx context.Context) error {
	return s.store.SaveMeta(ctx, persist.WorkspaceMeta{
		Name:    s.ws.Name,
		Neurons: s.ws.Forest.NeuronCount(),
		SavedAt: time.Now().UTC(),
	})
}

func (s *session) close() error {
	if s.ws != nil {
		s.ws.Close()
	}
	return s.store.Close()
}
