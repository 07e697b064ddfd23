// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/okets/folder-mcp/internal/config"
)

func TestAdmitAndRunBackgroundTask(t *testing.T) {
	s := New(2, 180*time.Second, config.RealClock{})
	defer s.Close()

	done := make(chan struct{})
	err := s.Admit(&Task{
		Kind:     ScanFolder,
		Priority: Background,
		Folder:   "/tmp/f1",
		Run: func(_ context.Context) error {
			close(done)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestScanEmbedMutualExclusion(t *testing.T) {
	s := New(4, 180*time.Second, config.RealClock{})
	defer s.Close()

	var mu sync.Mutex
	var scanRunning, overlap bool

	scanDone := make(chan struct{})
	embedDone := make(chan struct{})

	s.Admit(&Task{
		Kind: ScanFolder, Priority: Background, Folder: "f",
		Run: func(_ context.Context) error {
			mu.Lock()
			scanRunning = true
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			scanRunning = false
			mu.Unlock()
			close(scanDone)
			return nil
		},
	})
	s.Admit(&Task{
		Kind: EmbedDocument, Priority: Background, Folder: "f",
		Run: func(_ context.Context) error {
			mu.Lock()
			if scanRunning {
				overlap = true
			}
			mu.Unlock()
			close(embedDone)
			return nil
		},
	})

	<-scanDone
	<-embedDone
	if overlap {
		t.Fatal("embed ran concurrently with scan for the same folder")
	}
}

func TestImmediatePausesBackground(t *testing.T) {
	clock := config.NewFakeClock(time.Unix(0, 0))
	s := New(1, 5*time.Second, clock)
	defer s.Close()

	immediateDone := make(chan struct{})
	backgroundRan := make(chan struct{}, 1)

	s.Admit(&Task{
		Kind: ScanFolder, Priority: Background, Folder: "f",
		Run: func(_ context.Context) error {
			backgroundRan <- struct{}{}
			return nil
		},
	})
	// Let the background task run once before pausing.
	<-backgroundRan

	s.Admit(&Task{
		Priority: Immediate,
		Run: func(_ context.Context) error {
			close(immediateDone)
			return nil
		},
	})
	<-immediateDone

	s.Admit(&Task{
		Kind: ScanFolder, Priority: Background, Folder: "f",
		Run: func(_ context.Context) error {
			backgroundRan <- struct{}{}
			return nil
		},
	})

	select {
	case <-backgroundRan:
		t.Fatal("background task ran during agent-active window")
	case <-time.After(100 * time.Millisecond):
	}

	clock.Advance(6 * time.Second)

	select {
	case <-backgroundRan:
	case <-time.After(2 * time.Second):
		t.Fatal("background task did not resume after agent-active window")
	}
}

func TestCancelFolderDiscardsPending(t *testing.T) {
	s := New(1, 180*time.Second, config.RealClock{})
	defer s.Close()

	ran := make(chan *Task, 2)
	s.Admit(&Task{
		Kind: ScanFolder, Priority: Background, Folder: "f",
		Run: func(_ context.Context) error {
			time.Sleep(30 * time.Millisecond)
			ran <- nil
			return nil
		},
	})
	second := &Task{
		Kind: EmbedDocument, Priority: Background, Folder: "f",
		Run: func(_ context.Context) error {
			ran <- nil
			return nil
		},
	}
	s.Admit(second)

	s.CancelFolder("f")

	<-ran // the in-flight scan still completes
	select {
	case <-ran:
		t.Fatal("canceled folder's pending task should not have run")
	case <-time.After(100 * time.Millisecond):
	}
}
