// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the annotation engine settings.
//
// Defaults are embedded in the binary. A user YAML file may override any
// subset of keys; the merged result is validated with struct tags before
// use. A Watcher reloads the user file when it changes.
//
// Thread Safety:
//
//	Config values are plain data. Load and Parse are safe for concurrent
//	use.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/controller"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/engine"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/persist"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/tasks"
)

// MaxFileSize is the largest user config file accepted (1MB).
const MaxFileSize = 1024 * 1024

//go:embed defaults.yaml
var defaultsYAML []byte

var (
	// ErrFileTooLarge is returned for config files above MaxFileSize.
	ErrFileTooLarge = errors.New("config file too large")

	// ErrInvalid is returned when the merged settings fail validation.
	ErrInvalid = errors.New("invalid config")
)

var validate = validator.New()

// Config is the full settings tree.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Spatial    SpatialConfig    `yaml:"spatial"`
	Controller ControllerConfig `yaml:"controller"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Ownership  OwnershipConfig  `yaml:"ownership"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// EngineConfig holds the edit algorithm tunables.
type EngineConfig struct {
	DefaultRadius         float64 `yaml:"default_radius" validate:"gt=0"`
	SplitAnchorDistance   float64 `yaml:"split_anchor_distance" validate:"gt=0"`
	MergeThresholdSquared float64 `yaml:"merge_threshold_squared" validate:"gt=0"`
	PathEndpointTolerance float64 `yaml:"path_endpoint_tolerance" validate:"gte=0"`
	NeuronNamePrefix      string  `yaml:"neuron_name_prefix" validate:"required,max=64"`
	LockRetries           int     `yaml:"lock_retries" validate:"gte=1,lte=100"`
}

// SpatialConfig holds the spatial index settings.
type SpatialConfig struct {
	CellSize float64 `yaml:"cell_size" validate:"gt=0"`
}

// ControllerConfig holds the interaction tunables.
type ControllerConfig struct {
	HoverK            int     `yaml:"hover_k" validate:"gte=1,lte=64"`
	HoverRadiusFactor float64 `yaml:"hover_radius_factor" validate:"gte=0"`
	HoverPixelSlack   float64 `yaml:"hover_pixel_slack" validate:"gte=0"`
	MergeCandidateK   int     `yaml:"merge_candidate_k" validate:"gte=1,lte=256"`
	HoverRate         float64 `yaml:"hover_rate" validate:"gt=0"`
	HoverBurst        int     `yaml:"hover_burst" validate:"gte=1"`
}

// TasksConfig holds the background pool settings.
type TasksConfig struct {
	Workers        int           `yaml:"workers" validate:"gte=1,lte=256"`
	QueueSize      int           `yaml:"queue_size" validate:"gte=1"`
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gte=0"`
}

// OwnershipConfig holds the ownership gate settings.
type OwnershipConfig struct {
	TracersGroup string `yaml:"tracers_group" validate:"required"`
}

// StorageConfig holds the persistence settings.
type StorageConfig struct {
	Path           string        `yaml:"path" validate:"required_unless=InMemory true"`
	InMemory       bool          `yaml:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes"`
	Namespace      string        `yaml:"namespace" validate:"required,max=64,excludesall=/"`
	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gt=0,lt=1"`
}

// LoggingConfig holds the logger settings.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns the embedded defaults.
func Default() (*Config, error) {
	return Parse(nil)
}

// Parse overlays data on the embedded defaults and validates the result.
// Keys unknown to Config are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := decodeInto(cfg, defaultsYAML); err != nil {
		return nil, fmt.Errorf("embedded defaults: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := decodeInto(cfg, data); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the user file at path and overlays it on the defaults. An
// empty path returns the defaults.
//
// Outputs:
//   - *Config: Validated settings.
//   - error: ErrFileTooLarge, a read or YAML error, or ErrInvalid.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	data, err := readLimited(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrFileTooLarge, path, MaxFileSize)
	}
	return data, nil
}

func decodeInto(cfg *Config, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalid, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// =============================================================================
// Conversions
// =============================================================================

// EngineSettings returns the engine tunables.
func (c *Config) EngineSettings() engine.Config {
	return engine.Config{
		DefaultRadius:         c.Engine.DefaultRadius,
		SplitAnchorDistance:   c.Engine.SplitAnchorDistance,
		MergeThresholdSquared: c.Engine.MergeThresholdSquared,
		PathEndpointTolerance: c.Engine.PathEndpointTolerance,
		NeuronNamePrefix:      c.Engine.NeuronNamePrefix,
		LockRetries:           c.Engine.LockRetries,
	}
}

// ControllerSettings returns the interaction tunables.
func (c *Config) ControllerSettings() controller.Config {
	return controller.Config{
		HoverK:            c.Controller.HoverK,
		HoverRadiusFactor: c.Controller.HoverRadiusFactor,
		HoverPixelSlack:   c.Controller.HoverPixelSlack,
		MergeCandidateK:   c.Controller.MergeCandidateK,
		HoverRate:         c.Controller.HoverRate,
		HoverBurst:        c.Controller.HoverBurst,
	}
}

// TaskSettings returns the background pool settings.
func (c *Config) TaskSettings() tasks.Config {
	return tasks.Config{
		Workers:        c.Tasks.Workers,
		QueueSize:      c.Tasks.QueueSize,
		DefaultTimeout: c.Tasks.DefaultTimeout,
	}
}

// StoreSettings returns the persistence settings. logger receives the
// store's internal log lines.
func (c *Config) StoreSettings(logger *slog.Logger) persist.Config {
	return persist.Config{
		Path:           c.Storage.Path,
		InMemory:       c.Storage.InMemory,
		SyncWrites:     c.Storage.SyncWrites,
		Namespace:      c.Storage.Namespace,
		Logger:         logger,
		GCInterval:     c.Storage.GCInterval,
		GCDiscardRatio: c.Storage.GCDiscardRatio,
	}
}
