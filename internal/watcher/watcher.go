// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package watcher implements the file watcher (spec component C3): one
// recursive fsnotify watch per managed folder, debounced through an
// injectable clock so a burst of filesystem events collapses into a single
// "folder is dirty" signal.
//
// Grounded on Yakitrak-obsidian-cli's pkg/cache/service.go: the same
// Watcher interface seam (Add/Close/Events/Errors) so tests substitute a
// fake instead of touching the real filesystem, the same "mark dirty, let
// a separate consumer reconcile" split between the event-translating loop
// and the thing that acts on dirtiness, and the same stale/resync fallback
// for when native watches are unavailable. Unlike the teacher, debouncing
// here is driven entirely by config.Clock rather than a bare time.Timer,
// so it can be tested without real sleeps.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/okets/folder-mcp/internal/config"
)

// Watcher abstracts fsnotify so callers can substitute a fake.
type Watcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsNotifyWatcher struct {
	*fsnotify.Watcher
}

func (f *fsNotifyWatcher) Events() <-chan fsnotify.Event { return f.Watcher.Events }
func (f *fsNotifyWatcher) Errors() <-chan error          { return f.Watcher.Errors }

// NewOSWatcher opens a real fsnotify.Watcher.
func NewOSWatcher() (Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &fsNotifyWatcher{Watcher: w}, nil
}

// FolderWatch watches one managed folder and delivers a debounced "dirty"
// signal on Dirty() whenever the tree changes. The caller (lifecycle.Folder)
// treats every signal as "rescan needed" — FolderWatch does no diffing of
// its own, per §4.3: debounce/coalesce only, no fingerprinting.
type FolderWatch struct {
	root     string
	watcher  Watcher
	clock    config.Clock
	debounce time.Duration

	dirty chan struct{}
	stop  chan struct{}
	once  sync.Once
}

// New starts watching root recursively. debounce is the quiet period after
// the last event before Dirty() fires (filechange.debounceMs, §6.4).
func New(root string, w Watcher, clock config.Clock, debounce time.Duration) (*FolderWatch, error) {
	fw := &FolderWatch{
		root:     root,
		watcher:  w,
		clock:    clock,
		debounce: debounce,
		dirty:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	if err := fw.addTree(root); err != nil {
		return nil, err
	}
	go fw.run()
	return fw, nil
}

func (fw *FolderWatch) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.watcher.Add(path)
		}
		return nil
	})
}

// Dirty delivers a signal every time the debounce window closes after one
// or more filesystem changes. It never blocks the watcher's event loop —
// a pending signal is coalesced, matching the "at most one outstanding
// rescan request" contract lifecycle.Folder.MarkDirty expects.
func (fw *FolderWatch) Dirty() <-chan struct{} {
	return fw.dirty
}

// Close stops the watch loop and the underlying watcher.
func (fw *FolderWatch) Close() error {
	fw.once.Do(func() { close(fw.stop) })
	return fw.watcher.Close()
}

func (fw *FolderWatch) run() {
	var timer config.Timer
	var timerC <-chan time.Time

	resetTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = fw.clock.NewTimer(fw.debounce)
		timerC = timer.C()
	}

	for {
		select {
		case <-fw.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-fw.watcher.Events():
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = fw.addTree(ev.Name)
				}
			}
			resetTimer()
		case <-timerC:
			timerC = nil
			select {
			case fw.dirty <- struct{}{}:
			default:
			}
		case <-fw.watcher.Errors():
			// A watch error degrades to "assume dirty" rather than silently
			// missing changes; the next scan will re-establish ground truth.
			select {
			case fw.dirty <- struct{}{}:
			default:
			}
		}
	}
}
