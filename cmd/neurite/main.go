// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command neurite manages annotation workspaces stored in BadgerDB.
//
// Usage:
//
//	neurite import sample.yaml --store ./data
//	neurite stats --store ./data
//	neurite nearest 10 20 0 --k 5 --store ./data
//	neurite check --store ./data
//	neurite watch --store ./data --inbox ./incoming --metrics-addr :9090
//
// Settings come from the embedded defaults overlaid with --config. Logs
// go to stderr, as JSON when stderr is not a terminal.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNeurite/pkg/logging"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/config"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(stderr, styles.Error.Render("error: "+err.Error()))
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "neurite",
		Short:         "Inspect and maintain neuron annotation workspaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "YAML settings file overlaid on the defaults")
	flags.StringVar(&a.storePath, "store", "", "BadgerDB directory (overrides storage.path)")
	flags.StringVar(&a.namespace, "namespace", "", "workspace namespace inside the store")
	flags.StringVar(&a.user, "user", "user:neurite", "acting subject key")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides logging.level)")

	root.AddCommand(
		newImportCmd(a),
		newStatsCmd(a),
		newNearestCmd(a),
		newCheckCmd(a),
		newWatchCmd(a),
	)
	return root
}

// app carries the settings shared by every subcommand.
type app struct {
	configPath string
	storePath  string
	namespace  string
	user       string
	logLevel   string

	cfg    *config.Config
	log    *logging.Logger
	logger *slog.Logger
}

func (a *app) init(stderr io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.storePath != "" {
		cfg.Storage.Path = a.storePath
		cfg.Storage.InMemory = false
	}
	if a.namespace != "" {
		cfg.Storage.Namespace = a.namespace
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.log, err = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "neurite",
		JSON:    cfg.Logging.JSON || !isTerminal(stderr),
		Stderr:  stderr,
	})
	if err != nil {
		return err
	}
	a.logger = a.log.Slog()
	return nil
}

func (a *app) close() error {
	if a.log == nil {
		return nil
	}
	return a.log.Close()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
