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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNeurite/pkg/logging"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/config"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/engine"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/events"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/skeleton"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/tasks"
	"github.com/AleutianAI/AleutianNeurite/services/annotation/telemetry"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		inbox       string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Serve the workspace, logging every change until interrupted",
		Long: `Watch loads the stored workspace and logs every change record
published on its bus.

With --inbox, YAML workspace files written into the directory are
reconciled as remote changes and persisted. With --config, edits to the
settings file are reloaded. With --metrics-addr, Prometheus metrics are
served on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			w := &watchRun{app: a, out: cmd.OutOrStdout(), inbox: inbox, metricsAddr: metricsAddr}
			return w.run(ctx)
		},
	}
	cmd.Flags().StringVar(&inbox, "inbox", "", "directory of workspace files to reconcile as remote changes")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the /metrics endpoint, e.g. :9090")
	return cmd
}

// watchRun is one invocation of the watch command.
type watchRun struct {
	app         *app
	out         io.Writer
	inbox       string
	metricsAddr string

	session *session
	skel    *skeleton.Skeleton
	pool    *tasks.Pool
	logger  *slog.Logger
}

func (w *watchRun) run(ctx context.Context) error {
	a := w.app
	w.logger = a.logger.With(slog.String("component", "watch"))

	tcfg := telemetry.DefaultConfig()
	if w.metricsAddr == "" {
		tcfg.MetricExporter = telemetry.ExporterNone
	}
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			w.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	w.skel = skeleton.New(skeleton.WithLogger(a.logger))
	w.session, err = a.openSession(ctx, func(ws *engine.Workspace) {
		w.skel.Attach(ws.Bus)
		ws.Bus.Subscribe(w.logChange)
	})
	if err != nil {
		return err
	}
	defer w.session.close()

	w.pool, err = tasks.NewPool(a.cfg.TaskSettings(), tasks.WithLogger(a.logger))
	if err != nil {
		return err
	}
	defer w.pool.Close()
	go w.drainResults()

	if a.configPath != "" {
		cw, err := config.NewWatcher(a.configPath, w.applySettings, config.WithLogger(a.logger))
		if err != nil {
			return err
		}
		defer cw.Stop()
		go cw.Start(ctx)
	}

	if w.inbox != "" {
		iw, err := w.watchInbox()
		if err != nil {
			return err
		}
		defer iw.Close()
		go w.inboxLoop(ctx, iw)
	}

	if w.metricsAddr != "" {
		srv := &http.Server{Addr: w.metricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if err := w.session.ws.Bus.Flush(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	w.logger.Info("watching",
		slog.String("workspace", w.session.ws.Name),
		slog.Int("neurons", w.session.ws.Forest.NeuronCount()),
		slog.Int("anchors", w.skel.Len()),
		slog.String("inbox", w.inbox),
		slog.String("metrics_addr", w.metricsAddr),
	)
	fmt.Fprintln(w.out, styles.Muted.Render("watching "+w.session.ws.Name+", interrupt to stop"))

	<-ctx.Done()
	w.logger.Info("watch stopped",
		slog.Int("anchors", w.skel.Len()),
		slog.Uint64("skeleton_version", w.skel.Version()),
		slog.Uint64("changes", w.session.ws.Bus.Published()),
	)
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	if h := telemetry.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}
	return mux
}

// logChange logs one delivered change record.
func (w *watchRun) logChange(env *events.Envelope) {
	w.logger.Info("change",
		slog.Uint64("seq", env.Seq),
		slog.Uint64("batch", env.Batch),
		slog.String("kind", env.Change.Kind().String()),
		slog.String("origin", env.Origin.String()),
	)
}

// applySettings receives a reloaded settings file. Only the log level is
// applied live; the other sections take effect on the next start.
func (w *watchRun) applySettings(cfg *config.Config) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		w.logger.Warn("ignoring reloaded log level", slog.String("error", err.Error()))
		return
	}
	if level != w.app.log.Level() {
		w.app.log.SetLevel(level)
	}
	w.logger.Info("settings reloaded", slog.String("log_level", level.String()))
}

func (w *watchRun) drainResults() {
	for res := range w.pool.Results() {
		if res.Err != nil && !res.Cancelled() {
			w.logger.Warn("task failed",
				slog.String("task", res.Name),
				slog.String("error", res.Err.Error()),
			)
		}
	}
}

// =============================================================================
// Inbox
// =============================================================================

func (w *watchRun) watchInbox() (*fsnotify.Watcher, error) {
	if err := os.MkdirAll(w.inbox, 0750); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create inbox watcher: %w", err)
	}
	if err := fw.Add(w.inbox); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch inbox %s: %w", w.inbox, err)
	}
	return fw, nil
}

func (w *watchRun) inboxLoop(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if ext := strings.ToLower(filepath.Ext(ev.Name)); ext != ".yaml" && ext != ".yml" {
				continue
			}
			path := ev.Name
			if err := w.pool.Go(ctx, "apply_inbox", func(ctx context.Context) (any, error) {
				return nil, w.applyFile(ctx, path)
			}); err != nil && ctx.Err() == nil {
				w.logger.Warn("inbox file not queued", slog.String("file", path), slog.String("error", err.Error()))
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("inbox watcher error", slog.String("error", err.Error()))
		}
	}
}

// applyFile reconciles every neuron in path as a remote change and
// persists it. A file still being written fails to parse and is retried
// on its next write event.
func (w *watchRun) applyFile(ctx context.Context, path string) error {
	_, states, err := readDocument(path)
	if err != nil {
		return err
	}
	s := w.session
	for _, st := range states {
		if err := s.eng.ApplyRemoteNeuron(ctx, s.ws, st); err != nil {
			return fmt.Errorf("apply neuron %d: %w", st.ID, err)
		}
		if err := s.store.SaveNeuron(ctx, st); err != nil {
			return err
		}
		w.logger.Info("remote neuron applied",
			slog.String("file", filepath.Base(path)),
			slog.Int64("neuron", int64(st.ID)),
			slog.Int("annotations", st.Len()),
		)
	}
	return s.saveMeta(ctx)
}
