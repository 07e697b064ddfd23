// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fmdm

import (
	"testing"
	"time"
)

func TestSubscribeDeliversCurrentSnapshotFirst(t *testing.T) {
	b := New()
	b.Update(func(prior Snapshot) Snapshot {
		prior.Daemon.PID = 42
		return prior
	})

	sub := b.Subscribe()
	select {
	case snap := <-sub.Next():
		if snap.Daemon.PID != 42 {
			t.Fatalf("expected PID 42, got %d", snap.Daemon.PID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribe did not deliver the current snapshot")
	}
}

func TestSlowSubscriberSeesOnlyLatest(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	<-sub.Next() // drain the initial empty snapshot

	for i := 1; i <= 5; i++ {
		i := i
		b.Update(func(prior Snapshot) Snapshot {
			prior.Daemon.PID = i
			return prior
		})
	}

	select {
	case snap := <-sub.Next():
		if snap.Daemon.PID != 5 {
			t.Fatalf("expected the coalesced latest snapshot (PID 5), got %d", snap.Daemon.PID)
		}
	case <-time.After(time.Second):
		t.Fatal("never received a snapshot")
	}

	select {
	case <-sub.Next():
		t.Fatal("expected no further buffered snapshot after draining the latest")
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	<-sub.Next()
	b.Unsubscribe(sub)

	b.Update(func(prior Snapshot) Snapshot {
		prior.Daemon.PID = 99
		return prior
	})

	select {
	case <-sub.Next():
		t.Fatal("unsubscribed client should not receive further snapshots")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleSubscribersSeeSameSequence(t *testing.T) {
	b := New()
	a := b.Subscribe()
	c := b.Subscribe()
	<-a.Next()
	<-c.Next()

	b.Update(func(prior Snapshot) Snapshot {
		prior.Daemon.PID = 7
		return prior
	})

	sa := <-a.Next()
	sc := <-c.Next()
	if sa.Daemon.PID != sc.Daemon.PID {
		t.Fatalf("subscribers diverged: %d vs %d", sa.Daemon.PID, sc.Daemon.PID)
	}
}
