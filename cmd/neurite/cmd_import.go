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
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
)

func newImportCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Load a YAML workspace file into the store",
		Long: `Import validates every neuron in FILE, checks that none of its neuron or
annotation IDs is already stored, and writes the neurons in one batch.
With --dry-run nothing is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name, states, err := readDocument(args[0])
			if err != nil {
				return err
			}
			if len(states) == 0 {
				return errors.New(args[0] + ": no neurons to import")
			}

			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.eng.LoadWorkspace(ctx, s.ws, states); err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			if name != "" {
				s.ws.Name = name
			}

			annotations := 0
			for _, st := range states {
				annotations += st.Len()
			}
			status := styles.Success.Render("imported")
			if dryRun {
				status = styles.Warning.Render("dry run, nothing written")
			} else {
				if a.cfg.Storage.InMemory {
					a.logger.Warn("storage is in memory, the import is discarded on exit")
				}
				if err := s.store.SaveAll(ctx, states); err != nil {
					return err
				}
				if err := s.saveMeta(ctx); err != nil {
					return err
				}
			}
			a.logger.Info("workspace imported",
				slog.String("file", args[0]),
				slog.Int("neurons", len(states)),
				slog.Int("annotations", annotations),
				slog.Bool("dry_run", dryRun),
			)

			fmt.Fprintln(cmd.OutOrStdout(), styles.Box.Render(
				styles.Title.Render(s.ws.Name)+"\n"+keyValues(
					[2]string{"neurons", strconv.Itoa(len(states))},
					[2]string{"annotations", strconv.Itoa(annotations)},
					[2]string{"stored total", strconv.Itoa(s.ws.Forest.NeuronCount())},
					[2]string{"status", status},
				),
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate without writing")
	return cmd
}
