// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package lifecycle implements the per-folder state machine (spec
// component C6): pending → scanning → ready → indexing → active → error →
// gone, composing the change detector, scheduler, and registry for one
// managed folder.
//
// Grounded on the teacher's internal/model/folderstate.go stateTracker:
// same mutex-guarded current/changed fields and "log a StateChanged event
// only on an actual transition" discipline, generalized from syncthing's
// four BEP sync states (idle/scanning/syncing/cleaning) to this daemon's
// seven-state lifecycle and extended with an explicit legality check,
// since an illegal transition here (unlike the teacher's commented-out
// check) is a programming error worth panicking on.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okets/folder-mcp/internal/events"
)

// State is one node of the folder lifecycle state machine.
type State int

const (
	Pending State = iota
	Scanning
	Ready
	Indexing
	Active
	Error
	Gone
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Scanning:
		return "scanning"
	case Ready:
		return "ready"
	case Indexing:
		return "indexing"
	case Active:
		return "active"
	case Error:
		return "error"
	case Gone:
		return "gone"
	default:
		return "unknown"
	}
}

// legalTransitions enumerates the edges in the §4.6 state diagram. A
// transition not listed here is a programming error.
var legalTransitions = map[State]map[State]bool{
	Pending:  {Scanning: true, Gone: true},
	Scanning: {Ready: true, Error: true, Gone: true},
	Ready:    {Indexing: true, Active: true, Gone: true},
	Indexing: {Active: true, Error: true, Gone: true},
	Active:   {Scanning: true, Gone: true},
	Error:    {Ready: true, Gone: true}, // retry (interactive)
	Gone:     {},
}

// NotificationKind classifies a folder's user-visible notification.
type NotificationKind int

const (
	NoNotification NotificationKind = iota
	Info
	Warning
	NotificationError
)

// Notification is the human-readable annotation attached to a folder in
// the states where one applies.
type Notification struct {
	Kind    NotificationKind
	Message string
}

// stateTracker is the mutex-guarded current/changed pair every Folder
// embeds, mirroring the teacher's type of the same name.
type stateTracker struct {
	folderPath string

	mut     sync.Mutex
	current State
	changed time.Time
	notif   Notification
	// progress is committed/total for the current INDEXING episode; it is
	// reset to 0 on every Scanning->Ready->Indexing cycle and must never
	// regress within one episode.
	progress int
}

func (s *stateTracker) setState(newState State) {
	s.mut.Lock()
	if newState != s.current {
		if !legalTransitions[s.current][newState] {
			s.mut.Unlock()
			panic(fmt.Sprintf("illegal folder transition %s -> %s", s.current, newState))
		}

		eventData := map[string]any{
			"folder": s.folderPath,
			"to":     newState.String(),
			"from":   s.current.String(),
		}
		if !s.changed.IsZero() {
			eventData["duration"] = time.Since(s.changed).Seconds()
		}

		s.current = newState
		s.changed = time.Now()
		if newState == Ready {
			s.progress = 0
		}
		if newState != Error {
			s.notif = Notification{}
		}

		s.mut.Unlock()
		events.Default.Log(events.FolderStateChanged, eventData)
		return
	}
	s.mut.Unlock()
}

func (s *stateTracker) getState() (current State, changed time.Time) {
	s.mut.Lock()
	current, changed = s.current, s.changed
	s.mut.Unlock()
	return
}

// setProgress updates the INDEXING progress percentage (0-100). Panics on
// regression within the same episode, matching the monotonicity invariant
// of §4.6/§8.
func (s *stateTracker) setProgress(pct int) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if pct < s.progress {
		panic(fmt.Sprintf("progress regressed from %d to %d", s.progress, pct))
	}
	s.progress = pct
}

func (s *stateTracker) setNotification(n Notification) {
	s.mut.Lock()
	s.notif = n
	s.mut.Unlock()
}

// View is an immutable snapshot of a Folder's lifecycle-visible fields,
// suitable for publishing to the FMDM broadcaster.
type View struct {
	Path         string
	ModelID      string
	State        State
	Progress     int
	Notification Notification
}

// Scanner and TaskAdmitter are the collaborators a Folder composes; they
// are interfaces so lifecycle can be tested without a real change
// detector, scheduler, or on-disk registry.
type Scanner interface {
	// Scan walks the folder, diffing against the registry's stored
	// fingerprints, and returns the relative paths that need embedding.
	// rebuilt reports that the folder's persisted fingerprints were lost
	// (state directory missing or corrupt) and every returned path is
	// being treated as newly added, not actually changed.
	Scan(ctx context.Context, folderPath string) (changed []string, rebuilt bool, err error)
}

type TaskAdmitter interface {
	AdmitIndexing(folderPath, modelID string, relPaths []string, onProgress func(done, total int)) error
}

// Folder is one managed folder's lifecycle instance. The daemon runs its
// Serve method in a dedicated goroutine.
type Folder struct {
	stateTracker

	Path    string
	ModelID string

	scanner  Scanner
	admitter TaskAdmitter

	dirty    chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// lastChangedMu guards lastChanged and rebuiltWarning, set by the
	// most recent successful scan. A retry from ERROR re-enters READY
	// and re-admits lastChanged rather than re-scanning (§4.6's "retry
	// (interactive)" edge goes ERROR->READY, not ERROR->SCANNING).
	lastChangedMu  sync.Mutex
	lastChanged    []string
	rebuiltWarning bool
}

// New constructs a Folder in the PENDING state. Scanning begins when Serve
// is run.
func New(path, modelID string, scanner Scanner, admitter TaskAdmitter) *Folder {
	f := &Folder{
		Path:     path,
		ModelID:  modelID,
		scanner:  scanner,
		admitter: admitter,
		dirty:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	f.stateTracker = stateTracker{folderPath: path, current: Pending}
	return f
}

// View returns the current lifecycle-visible snapshot.
func (f *Folder) View() View {
	state, _ := f.getState()
	f.mut.Lock()
	progress, notif := f.progress, f.notif
	f.mut.Unlock()
	return View{Path: f.Path, ModelID: f.ModelID, State: state, Progress: progress, Notification: notif}
}

// MarkDirty re-enters SCANNING from ACTIVE, coalescing repeated calls
// (spec §4.3/§4.6: watcher-dirty transitions an ACTIVE folder back to
// SCANNING; a debounced burst of file events collapses to one rescan).
func (f *Folder) MarkDirty() {
	select {
	case f.dirty <- struct{}{}:
	default:
	}
}

// Serve runs the folder's scan/index/watch cycle until ctx is canceled,
// satisfying suture.Service.
func (f *Folder) Serve(ctx context.Context) error {
	f.setState(Scanning)
	f.finishCycle(f.runScanAndIndex(ctx))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-f.dirty:
			switch cur, _ := f.getState(); cur {
			case Gone:
			case Error:
				// Retry reuses the already-enumerated work set instead
				// of re-scanning.
				f.setState(Ready)
				f.finishCycle(f.indexPending())
			default:
				f.setState(Scanning)
				f.finishCycle(f.runScanAndIndex(ctx))
			}
		}
	}
}

// finishCycle applies the outcome of a scan-and-index or retry-index
// attempt: ERROR with a notification on failure, ACTIVE otherwise. A scan
// that had to rebuild the folder's lost fingerprint state leaves a warning
// notification in place rather than the clean slate setState(Active) would
// otherwise leave, so the recovery is visible to the caller.
func (f *Folder) finishCycle(err error) {
	if err != nil {
		f.setNotification(Notification{Kind: NotificationError, Message: err.Error()})
		f.setState(Error)
		return
	}
	f.setState(Active)
	f.lastChangedMu.Lock()
	rebuilt := f.rebuiltWarning
	f.rebuiltWarning = false
	f.lastChangedMu.Unlock()
	if rebuilt {
		f.setNotification(Notification{Kind: Warning, Message: "folder state directory was missing or corrupt; rebuilt the index from a full rescan"})
	}
}

func (f *Folder) runScanAndIndex(ctx context.Context) error {
	changed, rebuilt, err := f.scanner.Scan(ctx, f.Path)
	if err != nil {
		return err
	}
	f.setState(Ready)
	f.lastChangedMu.Lock()
	f.lastChanged = changed
	f.rebuiltWarning = rebuilt
	f.lastChangedMu.Unlock()
	return f.indexPending()
}

// indexPending admits the cached work set from the last scan. Called
// both on the normal scan->index path and on a retry from ERROR.
func (f *Folder) indexPending() error {
	f.lastChangedMu.Lock()
	changed := f.lastChanged
	f.lastChangedMu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	f.setState(Indexing)
	return f.admitter.AdmitIndexing(f.Path, f.ModelID, changed, func(done, total int) {
		if total == 0 {
			return
		}
		f.setProgress(done * 100 / total)
	})
}

// Remove transitions the folder to GONE. The caller is responsible for
// removing it from the registry and deleting its state directory
// afterward; Remove only stops this instance's Serve loop.
func (f *Folder) Remove() {
	f.stopOnce.Do(func() { close(f.done) })
	f.mut.Lock()
	cur := f.current
	f.mut.Unlock()
	if cur != Gone {
		f.setState(Gone)
	}
}
