// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "neurite.yaml")
	require.NoError(t, os.WriteFile(path, []byte("controller: {hover_k: 4}\n"), 0o600))

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { got <- c }, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	// An invalid edit is ignored.
	require.NoError(t, os.WriteFile(path, []byte("controller: {hover_k: 0}\n"), 0o600))
	select {
	case c := <-got:
		t.Fatalf("invalid config delivered: %+v", c.Controller)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("controller: {hover_k: 7}\n"), 0o600))
	select {
	case c := <-got:
		assert.Equal(t, 7, c.Controller.HoverK)
	case <-time.After(3 * time.Second):
		t.Fatal("reload not delivered")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "neurite.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	got := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) { got <- c }, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600))
	select {
	case <-got:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(200 * time.Millisecond):
	}
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestNewWatcher_MissingDirectory(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "nope", "neurite.yaml"), nil)
	assert.Error(t, err)
}
