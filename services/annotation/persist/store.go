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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/engine"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
)

var _ engine.Persister = (*Store)(nil)

// WorkspaceMeta is stored once per namespace next to the neuron records.
type WorkspaceMeta struct {
	Name    string    `json:"name"`
	Neurons int       `json:"neurons"`
	SavedAt time.Time `json:"saved_at"`
}

// Store persists neuron records in BadgerDB.
//
// Description:
//
//	Each neuron is one JSON-encoded model.NeuronRecord under the key
//	"<namespace>/neuron/<id>". Concurrent loads of the same neuron are
//	coalesced; LoadAll decodes records in parallel.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	ns     string
	logger *slog.Logger
	loads  singleflight.Group
}

// Open opens a store.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if the configuration is invalid or the database
//	        cannot be opened.
func Open(cfg Config) (*Store, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		ns:     cfg.Namespace,
		logger: logger.With(slog.String("component", "neuron_store")),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, s.logger)
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

func (s *Store) neuronPrefix() []byte {
	return []byte(s.ns + "/neuron/")
}

func (s *Store) neuronKey(id model.NeuronID) []byte {
	return strconv.AppendInt(s.neuronPrefix(), int64(id), 10)
}

func (s *Store) metaKey() []byte {
	return []byte(s.ns + "/meta")
}

// SaveNeuron implements engine.Persister.
func (s *Store) SaveNeuron(ctx context.Context, state *model.NeuronState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(state.Record())
	if err != nil {
		return fmt.Errorf("encode neuron %d: %w", state.ID, err)
	}
	key := s.neuronKey(state.ID)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return fmt.Errorf("save neuron %d: %w", state.ID, err)
	}
	s.loads.Forget(string(key))
	return nil
}

// DeleteNeuron implements engine.Persister. Deleting a missing record is
// not an error.
func (s *Store) DeleteNeuron(ctx context.Context, id model.NeuronID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := s.neuronKey(id)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}); err != nil {
		return fmt.Errorf("delete neuron %d: %w", id, err)
	}
	s.loads.Forget(string(key))
	return nil
}

// SaveAll writes many neurons in one batch, e.g. after an import.
func (s *Store) SaveAll(ctx context.Context, states []*model.NeuronState) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(st.Record())
		if err != nil {
			return fmt.Errorf("encode neuron %d: %w", st.ID, err)
		}
		if err := wb.Set(s.neuronKey(st.ID), data); err != nil {
			return fmt.Errorf("save neuron %d: %w", st.ID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush neuron batch: %w", err)
	}
	s.logger.Debug("neurons saved", slog.Int("count", len(states)))
	return nil
}

// LoadNeuron reads one neuron. Concurrent calls for the same neuron share
// a single read and receive the same state, which callers must not
// modify.
func (s *Store) LoadNeuron(ctx context.Context, id model.NeuronID) (*model.NeuronState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := s.neuronKey(id)
	v, err, _ := s.loads.Do(string(key), func() (interface{}, error) {
		var data []byte
		err := s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if err != nil {
				return err
			}
			data, err = item.ValueCopy(nil)
			return err
		})
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: neuron %d", ErrNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("load neuron %d: %w", id, err)
		}
		return decode(data)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.NeuronState), nil
}

// LoadAll reads every neuron of the namespace, ordered by ID.
//
// Description:
//
//	Raw records are collected in one read transaction and decoded by a
//	bounded errgroup. The first corrupt record aborts the load.
func (s *Store) LoadAll(ctx context.Context) ([]*model.NeuronState, error) {
	var raw [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.neuronPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			raw = append(raw, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan neurons: %w", err)
	}

	out := make([]*model.NeuronState, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, data := range raw {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			st, err := decode(data)
			if err != nil {
				return err
			}
			out[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	s.logger.Debug("neurons loaded", slog.Int("count", len(out)))
	return out, nil
}

// Count returns the number of stored neurons.
func (s *Store) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.neuronPrefix()
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// SaveMeta records workspace metadata.
func (s *Store) SaveMeta(ctx context.Context, meta WorkspaceMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode workspace meta: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.metaKey(), data)
	})
}

// LoadMeta returns the workspace metadata. ok is false when none was
// saved.
func (s *Store) LoadMeta(ctx context.Context) (meta WorkspaceMeta, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return meta, false, err
	}
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.metaKey())
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &meta)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return meta, false, nil
	}
	if err != nil {
		return meta, false, fmt.Errorf("load workspace meta: %w", err)
	}
	return meta, true, nil
}

func decode(data []byte) (*model.NeuronState, error) {
	var rec model.NeuronRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	st, err := model.StateFromRecord(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	return st, nil
}
