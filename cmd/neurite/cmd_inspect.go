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
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNeurite/services/annotation/model"
)

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the stored workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			out := cmd.OutOrStdout()
			neurons := s.ws.Forest.Neurons()
			fmt.Fprintln(out, styles.Title.Render(s.ws.Name))
			fmt.Fprintln(out, keyValues(
				[2]string{"namespace", a.cfg.Storage.Namespace},
				[2]string{"neurons", strconv.Itoa(len(neurons))},
				[2]string{"annotations", strconv.Itoa(s.ws.Forest.AnnotationCount())},
			))
			if len(neurons) == 0 {
				return nil
			}
			fmt.Fprintln(out)

			rows := make([][]string, 0, len(neurons))
			for _, st := range neurons {
				ends := 0
				for _, root := range st.Roots {
					ends += len(st.Endpoints(root))
				}
				rows = append(rows, []string{
					strconv.FormatInt(int64(st.ID), 10),
					st.Name,
					st.Owner,
					strconv.Itoa(st.Len()),
					strconv.Itoa(len(st.Roots)),
					strconv.Itoa(ends),
					strconv.Itoa(len(st.Paths)),
				})
			}
			writeTable(out, []string{"ID", "NAME", "OWNER", "NODES", "NEURITES", "ENDS", "PATHS"}, rows)
			return nil
		},
	}
}

func newNearestCmd(a *app) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "nearest X Y Z",
		Short: "List the annotations closest to a point",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var coords [3]float64
			for i, arg := range args {
				v, err := strconv.ParseFloat(arg, 64)
				if err != nil {
					return fmt.Errorf("coordinate %q: %w", arg, err)
				}
				coords[i] = v
			}
			if k < 1 {
				return fmt.Errorf("--k must be at least 1, got %d", k)
			}

			s, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			pos := model.Vec3{X: coords[0], Y: coords[1], Z: coords[2]}
			hits := s.ws.Index.Nearest(pos, k)
			out := cmd.OutOrStdout()
			if len(hits) == 0 {
				fmt.Fprintln(out, styles.Muted.Render("no annotations"))
				return nil
			}
			rows := make([][]string, len(hits))
			for i, h := range hits {
				rows[i] = []string{
					strconv.FormatInt(int64(h.ID), 10),
					strconv.FormatInt(int64(h.NeuronID), 10),
					strconv.FormatFloat(h.Distance, 'f', 2, 64),
					fmt.Sprintf("(%g, %g, %g)", h.Pos.X, h.Pos.Y, h.Pos.Z),
				}
			}
			writeTable(out, []string{"ANNOTATION", "NEURON", "DISTANCE", "POSITION"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&k, "k", 5, "number of annotations to list")
	return cmd
}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the tree invariants of the stored workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.ws.Forest.Validate(); err != nil {
				return fmt.Errorf("workspace %s is inconsistent: %w", s.ws.Name, err)
			}
			if got, want := s.ws.Index.Len(), s.ws.Forest.AnnotationCount(); got != want {
				return fmt.Errorf("workspace %s: spatial index holds %d annotations, forest holds %d", s.ws.Name, got, want)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d neurons, %d annotations\n",
				styles.Success.Render("ok"), s.ws.Name, s.ws.Forest.NeuronCount(), s.ws.Forest.AnnotationCount())
			return nil
		},
	}
}
