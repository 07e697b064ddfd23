// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watcher

import (
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/okets/folder-mcp/internal/config"
)

type fakeWatcher struct {
	added  []string
	events chan fsnotify.Event
	errs   chan error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		events: make(chan fsnotify.Event, 8),
		errs:   make(chan error, 1),
	}
}

func (f *fakeWatcher) Add(name string) error        { f.added = append(f.added, name); return nil }
func (f *fakeWatcher) Close() error                 { close(f.events); return nil }
func (f *fakeWatcher) Events() <-chan fsnotify.Event { return f.events }
func (f *fakeWatcher) Errors() <-chan error          { return f.errs }

func TestDebounceCoalescesBurst(t *testing.T) {
	dir := t.TempDir()
	fw := newFakeWatcher()
	clock := config.NewFakeClock(time.Unix(0, 0))

	w, err := New(dir, fw, clock, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	for i := 0; i < 5; i++ {
		fw.events <- fsnotify.Event{Name: dir + "/a.txt", Op: fsnotify.Write}
	}

	// give run() a moment to drain the burst and arm the timer
	time.Sleep(20 * time.Millisecond)

	select {
	case <-w.Dirty():
		t.Fatal("dirty fired before debounce window elapsed")
	default:
	}

	clock.Advance(150 * time.Millisecond)

	select {
	case <-w.Dirty():
	case <-time.After(2 * time.Second):
		t.Fatal("dirty never fired after debounce window")
	}
}

func TestWatchErrorMarksDirty(t *testing.T) {
	dir := t.TempDir()
	fw := newFakeWatcher()
	clock := config.NewFakeClock(time.Unix(0, 0))

	w, err := New(dir, fw, clock, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	fw.errs <- fsnotify.ErrEventOverflow

	select {
	case <-w.Dirty():
	case <-time.After(2 * time.Second):
		t.Fatal("watch error did not mark folder dirty")
	}
}
