// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package fmdm implements the FMDM broadcaster (spec component C7): the
// single authoritative Folder-Model Data Model snapshot, mutated only by
// C6 and observed by every client connected through the control bus.
//
// Adapted from internal/events.Logger's subscribe/unsubscribe/mutex
// shape, but the guarantee is different on purpose: events.Logger drops
// any event when a subscriber's buffer is full, with no "last value"
// promise; fmdm.Broadcaster instead keeps exactly one slot per
// subscriber and always overwrites it with the newest snapshot under
// lock, so a slow subscriber only ever loses *intermediate* snapshots and
// is guaranteed to eventually observe the final one in the sequence
// (§4.7's latest-wins coalescing with no final-snapshot loss).
package fmdm

import (
	"sync"
)

// LifecycleState mirrors lifecycle.State as a plain string so this
// package has no import-time dependency on internal/lifecycle; the
// daemon wiring converts at the publish call site.
type LifecycleState string

// FolderView is one folder's row in the snapshot.
type FolderView struct {
	Path         string
	ModelID      string
	State        LifecycleState
	Progress     int
	Notification *NotificationView
}

// NotificationView is the optional human-readable annotation on a folder.
type NotificationView struct {
	Kind    string
	Message string
}

// CuratedModel describes one model the daemon is willing to load.
type CuratedModel struct {
	ID        string
	Installed bool
	Type      string
}

// ClientView describes one connected control-bus client.
type ClientView struct {
	Kind string
}

// DaemonView carries process-level facts.
type DaemonView struct {
	PID       int
	StartedAt int64 // unix seconds, stamped by the caller (no time.Now() in this package)
}

// Snapshot is the full, immutable FMDM at a point in time.
type Snapshot struct {
	Folders       []FolderView
	CuratedModels []CuratedModel
	Daemon        DaemonView
	Clients       []ClientView
}

// Mutator produces the next snapshot from the current one. It must not
// retain or mutate prior after returning.
type Mutator func(prior Snapshot) Snapshot

type subscriber struct {
	id   int
	slot chan Snapshot // capacity 1; always holds only the newest snapshot
}

// Broadcaster holds the authoritative snapshot and fans it out in total
// order to every subscriber, never blocking on a slow one.
type Broadcaster struct {
	mu      sync.Mutex
	current Snapshot
	subs    map[int]*subscriber
	nextID  int
}

// New constructs a Broadcaster with an initial empty snapshot.
func New() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]*subscriber),
	}
}

// Update applies mutate to the current snapshot under an exclusive lock
// and pushes the result to every subscriber (§4.7 update).
func (b *Broadcaster) Update(mutate Mutator) Snapshot {
	b.mu.Lock()
	b.current = mutate(b.current)
	next := b.current
	for _, s := range b.subs {
		overwriteSlot(s.slot, next)
	}
	b.mu.Unlock()
	return next
}

// overwriteSlot keeps only the newest snapshot in a capacity-1 channel:
// drain any stale value, then push the new one. Never blocks.
func overwriteSlot(slot chan Snapshot, next Snapshot) {
	select {
	case <-slot:
	default:
	}
	slot <- next
}

// Subscription is a live handle a client polls for snapshots.
type Subscription struct {
	id   int
	slot chan Snapshot
	b    *Broadcaster
}

// Next blocks until a new snapshot is available, delivering the latest
// one if several were coalesced while the caller was away.
func (s *Subscription) Next() <-chan Snapshot {
	return s.slot
}

// Subscribe registers client and immediately delivers the current
// snapshot as its first value (§4.7 subscribe).
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &subscriber{id: b.nextID, slot: make(chan Snapshot, 1)}
	b.subs[s.id] = s
	s.slot <- b.current
	return &Subscription{id: s.id, slot: s.slot, b: b}
}

// Unsubscribe removes a subscription; it is safe to call more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
}

// Current returns the latest snapshot without subscribing.
func (b *Broadcaster) Current() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}
