// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/okets/folder-mcp/internal/changedetector"
	"github.com/okets/folder-mcp/internal/config"
	"github.com/okets/folder-mcp/internal/controlbus"
	"github.com/okets/folder-mcp/internal/embedder"
	"github.com/okets/folder-mcp/internal/fmdm"
	"github.com/okets/folder-mcp/internal/lifecycle"
	"github.com/okets/folder-mcp/internal/metrics"
	"github.com/okets/folder-mcp/internal/registry"
	"github.com/okets/folder-mcp/internal/scheduler"
	"github.com/okets/folder-mcp/internal/watcher"
)

// pendingFingerprints holds the fingerprints one scan just computed until
// the matching embed task commits them, keyed by folder then relative
// path. Bridges folderScanner.Scan, which sees a whole folder's fresh
// fingerprints at once, and taskAdmitter.AdmitIndexing, which commits one
// document at a time as its embed completes.
type pendingFingerprints struct {
	mu sync.Mutex
	m  map[string]map[string]registry.DocumentFingerprint
}

func newPendingFingerprints() *pendingFingerprints {
	return &pendingFingerprints{m: make(map[string]map[string]registry.DocumentFingerprint)}
}

func (p *pendingFingerprints) set(folder string, fps map[string]registry.DocumentFingerprint) {
	p.mu.Lock()
	p.m[folder] = fps
	p.mu.Unlock()
}

func (p *pendingFingerprints) get(folder, relPath string) (registry.DocumentFingerprint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fps, ok := p.m[folder]
	if !ok {
		return registry.DocumentFingerprint{}, false
	}
	fp, ok := fps[relPath]
	return fp, ok
}

func (p *pendingFingerprints) drop(folder string) {
	p.mu.Lock()
	delete(p.m, folder)
	p.mu.Unlock()
}

// folderScanner adapts changedetector.Scan and the registry's persisted
// fingerprints to lifecycle.Scanner, so lifecycle.Folder never imports
// either package directly.
type folderScanner struct {
	reg     *registry.Registry
	modelID string
	pending *pendingFingerprints
}

func (s *folderScanner) Scan(ctx context.Context, folderPath string) ([]string, bool, error) {
	known, rebuilt, err := s.reg.LoadFingerprints(folderPath)
	if err != nil {
		return nil, false, fmt.Errorf("load fingerprints: %w", err)
	}
	changes, seen, err := changedetector.Scan(ctx, folderPath, s.modelID, changedetector.Always{}, known)
	if err != nil {
		return nil, false, fmt.Errorf("scan: %w", err)
	}

	var relPaths []string
	for _, c := range changes {
		if c.Kind == changedetector.Removed {
			if err := s.reg.ForgetDocument(folderPath, c.RelPath); err != nil {
				slog.Warn("forget removed document failed", "folder", folderPath, "path", c.RelPath, "err", err)
			}
			continue
		}
		relPaths = append(relPaths, c.RelPath)
	}
	s.pending.set(folderPath, seen)
	return relPaths, rebuilt, nil
}

// taskAdmitter adapts the scheduler and embedder pool to
// lifecycle.TaskAdmitter: each changed document becomes one
// EMBED_DOCUMENT task whose completion commits the document's fingerprint,
// satisfying registry.CommitDocument's documented ordering (the vector
// write — out of scope here — must fsync before the fingerprint commits;
// Embed standing in for that write is this daemon's approximation).
type taskAdmitter struct {
	sched   *scheduler.Scheduler
	pool    *embedder.Pool
	reg     *registry.Registry
	metrics *metrics.Registry
	pending *pendingFingerprints
}

func (a *taskAdmitter) AdmitIndexing(folderPath, modelID string, relPaths []string, onProgress func(done, total int)) error {
	total := len(relPaths)
	var mu sync.Mutex
	done := 0

	for _, rel := range relPaths {
		rel := rel
		task := &scheduler.Task{
			Kind:     scheduler.EmbedDocument,
			Priority: scheduler.Background,
			Folder:   folderPath,
			ModelID:  modelID,
			RelPath:  rel,
			Run: func(ctx context.Context) error {
				a.metrics.ObserveAdmit(scheduler.EmbedDocument, scheduler.Background)
				_, err := a.pool.Embed(ctx, modelID, embedder.Background, []string{rel})
				a.metrics.ObserveComplete(scheduler.EmbedDocument, scheduler.Background, err)
				if err == nil {
					if fp, ok := a.pending.get(folderPath, rel); ok {
						err = a.reg.CommitDocument(folderPath, fp)
					}
				}
				mu.Lock()
				done++
				d := done
				mu.Unlock()
				if onProgress != nil {
					onProgress(d, total)
				}
				return err
			},
		}
		if err := a.sched.Admit(task); err != nil {
			return err
		}
	}
	return nil
}

// managedFolder is one folder's live in-memory state: its lifecycle
// instance, its watcher, and the cancellation for its Serve goroutine.
type managedFolder struct {
	life   *lifecycle.Folder
	watch  *watcher.FolderWatch
	cancel context.CancelFunc
}

// daemon wires C1 (registry), C3 (watcher), C4 (scheduler), C5 (embedder
// pool), C6 (lifecycle) and C7 (FMDM broadcaster) together behind the two
// narrow seams C8 (control bus) depends on: controlbus.FolderManager and
// controlbus.Searcher.
type daemon struct {
	reg      *registry.Registry
	sched    *scheduler.Scheduler
	pool     *embedder.Pool
	met      *metrics.Registry
	snaps    *fmdm.Broadcaster
	pending  *pendingFingerprints
	clock    config.Clock
	debounce time.Duration

	mu      sync.Mutex
	folders map[string]*managedFolder
}

func newDaemon(reg *registry.Registry, sched *scheduler.Scheduler, pool *embedder.Pool, met *metrics.Registry, snaps *fmdm.Broadcaster, clock config.Clock, debounce time.Duration) *daemon {
	return &daemon{
		reg:      reg,
		sched:    sched,
		pool:     pool,
		met:      met,
		snaps:    snaps,
		pending:  newPendingFingerprints(),
		clock:    clock,
		debounce: debounce,
		folders:  make(map[string]*managedFolder),
	}
}

// AddFolder implements controlbus.FolderManager. It persists the folder
// via the registry, then — if not already running in this process —
// starts its lifecycle and file watch. Idempotent re-adds with the same
// model are a no-op on the in-memory side, matching registry.AddFolder's
// own idempotency.
func (d *daemon) AddFolder(ctx context.Context, path, modelID string) error {
	folder, err := d.reg.AddFolder(path, modelID)
	if err != nil {
		return controlBusError(err)
	}

	d.mu.Lock()
	_, running := d.folders[folder.Path]
	d.mu.Unlock()
	if running {
		return nil
	}

	if err := d.startFolder(folder.Path, modelID); err != nil {
		return &controlbus.Error{Kind: controlbus.Internal, Message: err.Error()}
	}
	return nil
}

func (d *daemon) startFolder(path, modelID string) error {
	osWatcher, err := watcher.NewOSWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	watch, err := watcher.New(path, osWatcher, d.clock, d.debounce)
	if err != nil {
		return fmt.Errorf("watch folder: %w", err)
	}

	scanner := &folderScanner{reg: d.reg, modelID: modelID, pending: d.pending}
	admitter := &taskAdmitter{sched: d.sched, pool: d.pool, reg: d.reg, metrics: d.met, pending: d.pending}
	life := lifecycle.New(path, modelID, scanner, admitter)

	folderCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.folders[path] = &managedFolder{life: life, watch: watch, cancel: cancel}
	d.mu.Unlock()

	go func() {
		for {
			select {
			case <-folderCtx.Done():
				return
			case <-watch.Dirty():
				life.MarkDirty()
			}
		}
	}()
	go func() {
		if err := life.Serve(folderCtx); err != nil && folderCtx.Err() == nil {
			slog.Error("folder lifecycle exited", "folder", path, "err", err)
		}
	}()
	go d.publishFolder(folderCtx, life)

	return nil
}

// publishFolder pushes life's View into the FMDM snapshot every time it
// changes noticeably, polling at a fixed interval rather than hooking
// lifecycle's internal event log directly — lifecycle.Folder exposes no
// change notification of its own beyond the events.Default log, and a
// cheap poll keeps this seam one-directional (C6 has no FMDM dependency).
func (d *daemon) publishFolder(ctx context.Context, life *lifecycle.Folder) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var last lifecycle.View
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v := life.View()
			if v == last {
				continue
			}
			last = v
			d.snaps.Update(func(prior fmdm.Snapshot) fmdm.Snapshot {
				prior.Folders = upsertFolderView(prior.Folders, v)
				return prior
			})
		}
	}
}

func notificationKindString(k lifecycle.NotificationKind) string {
	switch k {
	case lifecycle.Info:
		return "info"
	case lifecycle.Warning:
		return "warning"
	case lifecycle.NotificationError:
		return "error"
	default:
		return "none"
	}
}

func upsertFolderView(folders []fmdm.FolderView, v lifecycle.View) []fmdm.FolderView {
	fv := fmdm.FolderView{
		Path:     v.Path,
		ModelID:  v.ModelID,
		State:    fmdm.LifecycleState(v.State.String()),
		Progress: v.Progress,
	}
	if v.Notification.Kind != lifecycle.NoNotification {
		fv.Notification = &fmdm.NotificationView{Kind: notificationKindString(v.Notification.Kind), Message: v.Notification.Message}
	}
	for i, f := range folders {
		if f.Path == fv.Path {
			folders[i] = fv
			return folders
		}
	}
	return append(folders, fv)
}

// RemoveFolder implements controlbus.FolderManager. Removing an unmanaged
// folder is success (spec §6.1's idempotent not-present case).
func (d *daemon) RemoveFolder(ctx context.Context, path string) error {
	d.mu.Lock()
	mf, ok := d.folders[path]
	if ok {
		delete(d.folders, path)
	}
	d.mu.Unlock()

	if ok {
		mf.cancel()
		if err := mf.watch.Close(); err != nil {
			slog.Warn("close watcher failed", "folder", path, "err", err)
		}
		mf.life.Remove()
		d.pending.drop(path)
		d.snaps.Update(func(prior fmdm.Snapshot) fmdm.Snapshot {
			out := prior.Folders[:0]
			for _, f := range prior.Folders {
				if f.Path != path {
					out = append(out, f)
				}
			}
			prior.Folders = out
			return prior
		})
	}

	if err := d.reg.RemoveFolder(path); err != nil {
		return controlBusError(err)
	}
	return nil
}

// RouteSearch implements controlbus.Searcher by admitting an IMMEDIATE
// task. Search execution itself is out of scope (spec.md §1 Non-goals);
// admission alone produces the required side effect of pausing
// BACKGROUND work for the agent-active window (§4.4/§4.5).
func (d *daemon) RouteSearch(ctx context.Context, folderPath, query string, limit int) error {
	done := make(chan error, 1)
	task := &scheduler.Task{
		Kind:     scheduler.WriteResults,
		Priority: scheduler.Immediate,
		Folder:   folderPath,
		Run: func(context.Context) error {
			done <- nil
			return nil
		},
	}
	d.met.ObserveAdmit(scheduler.WriteResults, scheduler.Immediate)
	if err := d.sched.Admit(task); err != nil {
		return &controlbus.Error{Kind: controlbus.Internal, Message: err.Error()}
	}
	select {
	case <-done:
	case <-ctx.Done():
		return &controlbus.Error{Kind: controlbus.Internal, Message: ctx.Err().Error()}
	}
	return nil
}

// resumeFolders starts lifecycle/watch goroutines for every folder
// already recorded in the registry from a prior run, so a daemon restart
// picks indexing back up without requiring every folder to be re-added.
func (d *daemon) resumeFolders() error {
	existing, err := d.reg.ListFolders()
	if err != nil {
		return fmt.Errorf("list folders: %w", err)
	}
	for _, f := range existing {
		if err := d.startFolder(f.Path, f.ModelID); err != nil {
			slog.Error("resume folder failed", "folder", f.Path, "err", err)
		}
	}
	return nil
}

// controlBusError maps a registry failure onto the control bus's closed
// error taxonomy (§7), so daemon-internal sentinel errors never leak past
// the MCP boundary as opaque Internal errors when a more specific kind
// applies.
func controlBusError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrInvalidPath):
		return &controlbus.Error{Kind: controlbus.InvalidPath, Message: err.Error()}
	case errors.Is(err, registry.ErrAlreadyExists):
		return &controlbus.Error{Kind: controlbus.FolderAlreadyExists, Message: err.Error()}
	case errors.Is(err, registry.ErrNotFound):
		return nil
	default:
		return &controlbus.Error{Kind: controlbus.Internal, Message: err.Error()}
	}
}
