// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package registry

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/okets/folder-mcp/internal/timeutil"
)

// maxDBConns caps the connection pool of each opened database. SQLite in
// WAL mode admits one writer at a time, so the extra connections serve
// concurrent readers.
const maxDBConns = 4

var (
	// ErrAlreadyExists is returned by AddFolder for a path already tracked
	// under a different model than requested.
	ErrAlreadyExists = errors.New("folder already exists")
	// ErrInvalidPath is returned by AddFolder for a path that cannot be
	// resolved to an absolute, existing directory.
	ErrInvalidPath = errors.New("invalid folder path")
	// ErrNotFound is returned by RemoveFolder for an untracked path.
	ErrNotFound = errors.New("folder not found")
)

// Folder is one row of the global folder list.
type Folder struct {
	Path      string
	ModelID   string
	CreatedAt time.Time
}

// DocumentFingerprint is the content-derived identity of one file inside a
// folder's fingerprint table. Two fingerprints are equal iff their content
// hash and model ID match.
type DocumentFingerprint struct {
	RelPath     string
	ContentHash string
	Size        int64
	ModTime     time.Time
	ModelID     string
}

// Equal reports whether d and other were produced from the same content
// embedded with the same model, ignoring path, size and mtime.
func (d DocumentFingerprint) Equal(other DocumentFingerprint) bool {
	return d.ContentHash == other.ContentHash && d.ModelID == other.ModelID
}

// Registry is the persistent folder registry: the global folder list plus
// one lazily-opened fingerprint database per managed folder. stateDirName
// is the private-state-directory name (e.g. ".folder-mcp") created inside
// every managed folder; callers never reach into it directly — Registry
// treats it as the single opaque unit the contract requires.
type Registry struct {
	global       *baseDB
	stateDirName string

	mu      sync.Mutex
	folders map[string]*folderStore
}

// Open opens (creating if necessary) the global folder-list database at
// globalDBPath, which is typically the daemon's own config directory, not
// inside any managed folder.
func Open(globalDBPath, stateDirName string) (*Registry, error) {
	base, err := openBase(globalDBPath, maxDBConns)
	if err != nil {
		return nil, wrap(err)
	}
	return &Registry{
		global:       base,
		stateDirName: stateDirName,
		folders:      make(map[string]*folderStore),
	}, nil
}

// Close releases the global database and every open per-folder store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, fs := range r.folders {
		if err := fs.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.folders = nil
	if err := r.global.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ListFolders returns every tracked folder in insertion order.
func (r *Registry) ListFolders() ([]Folder, error) {
	var rows []struct {
		Path      string `db:"path"`
		ModelID   string `db:"model_id"`
		CreatedAt int64  `db:"created_at"`
	}
	if err := r.global.stmt(`
		SELECT path, model_id, created_at FROM folders
		ORDER BY created_at, path
	`).Select(&rows); err != nil {
		return nil, wrap(err)
	}
	out := make([]Folder, len(rows))
	for i, row := range rows {
		out[i] = Folder{
			Path:      row.Path,
			ModelID:   row.ModelID,
			CreatedAt: time.Unix(0, row.CreatedAt),
		}
	}
	return out, nil
}

// AddFolder records path as managed under modelID. Re-adding an existing
// path with the same model is idempotent and returns the existing row;
// re-adding with a different model returns ErrAlreadyExists.
func (r *Registry) AddFolder(path, modelID string) (Folder, error) {
	abs, err := resolveFolderPath(path)
	if err != nil {
		return Folder{}, ErrInvalidPath
	}

	r.global.updateLock.Lock()
	defer r.global.updateLock.Unlock()

	var existing struct {
		ModelID   string `db:"model_id"`
		CreatedAt int64  `db:"created_at"`
	}
	err = r.global.stmt(`
		SELECT model_id, created_at FROM folders WHERE path = ?
	`).Get(&existing, abs)
	switch {
	case err == nil && existing.ModelID == modelID:
		return Folder{Path: abs, ModelID: modelID, CreatedAt: time.Unix(0, existing.CreatedAt)}, nil
	case err == nil:
		return Folder{}, ErrAlreadyExists
	}

	nowNanos := timeutil.StrictlyMonotonicNanos()
	if _, err := r.global.stmt(`
		INSERT INTO folders (path, model_id, created_at) VALUES (?, ?, ?)
	`).Exec(abs, modelID, nowNanos); err != nil {
		return Folder{}, wrap(err)
	}
	if err := os.MkdirAll(filepath.Join(abs, r.stateDirName), 0o700); err != nil {
		return Folder{}, wrap(err)
	}
	return Folder{Path: abs, ModelID: modelID, CreatedAt: time.Unix(0, nowNanos)}, nil
}

// RemoveFolder drops path from the global list, closes its fingerprint
// store if open, and deletes its private state directory.
func (r *Registry) RemoveFolder(path string) error {
	abs, err := resolveFolderPath(path)
	if err != nil {
		abs = path
	}

	r.mu.Lock()
	if fs, ok := r.folders[abs]; ok {
		fs.db.Close() //nolint:errcheck
		delete(r.folders, abs)
	}
	r.mu.Unlock()

	r.global.updateLock.Lock()
	res, err := r.global.stmt(`DELETE FROM folders WHERE path = ?`).Exec(abs)
	r.global.updateLock.Unlock()
	if err != nil {
		return wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return wrap(os.RemoveAll(filepath.Join(abs, r.stateDirName)))
}

// folderStore wraps the per-folder fingerprint database.
type folderStore struct {
	db *baseDB
}

// folder returns the open fingerprint store for folderPath, opening it
// (and creating the state directory) on first use. If the state directory
// is missing or its database cannot be opened (deleted out from under the
// daemon, or corrupted), folder recreates the directory and opens a fresh,
// empty database rather than failing: the returned rebuilt flag tells the
// caller every fingerprint it now loads is absent, so the next scan must
// treat every on-disk document as newly added (spec §4.1 scenario 5).
func (r *Registry) folder(folderPath string) (fs *folderStore, rebuilt bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fs, ok := r.folders[folderPath]; ok {
		return fs, false, nil
	}
	stateDir := filepath.Join(folderPath, r.stateDirName)
	dbPath := filepath.Join(stateDir, "fingerprints.db")

	base, openErr := openBase(dbPath, maxDBConns)
	if openErr != nil {
		if rmErr := os.RemoveAll(stateDir); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, false, wrap(openErr)
		}
		if mkErr := os.MkdirAll(stateDir, 0o700); mkErr != nil {
			return nil, false, wrap(openErr)
		}
		rebuiltBase, err := openBase(dbPath, maxDBConns)
		if err != nil {
			return nil, false, wrap(err)
		}
		slog.Warn("folder state directory missing or corrupt, rebuilt from scratch", "folder", folderPath, "err", openErr)
		fs := &folderStore{db: rebuiltBase}
		r.folders[folderPath] = fs
		return fs, true, nil
	}

	fs = &folderStore{db: base}
	r.folders[folderPath] = fs
	return fs, false, nil
}

// LoadFingerprints returns every document fingerprint recorded for folder,
// keyed by relative path. Used by the change detector to diff a scan
// against the last known state without re-hashing unchanged files. The
// second return value reports whether the folder's state directory had to
// be rebuilt from scratch, in which case the (necessarily empty) map
// returned here does not mean "nothing ever recorded" but "recover by
// treating every on-disk document as added."
func (r *Registry) LoadFingerprints(folderPath string) (map[string]DocumentFingerprint, bool, error) {
	fs, rebuilt, err := r.folder(folderPath)
	if err != nil {
		return nil, false, err
	}
	var rows []struct {
		RelPath     string `db:"rel_path"`
		ContentHash string `db:"content_hash"`
		Size        int64  `db:"size"`
		MTime       int64  `db:"mtime"`
		ModelID     string `db:"model_id"`
	}
	if err := fs.db.stmt(`
		SELECT rel_path, content_hash, size, mtime, model_id FROM fingerprints
	`).Select(&rows); err != nil {
		return nil, false, wrap(err)
	}
	out := make(map[string]DocumentFingerprint, len(rows))
	for _, row := range rows {
		out[row.RelPath] = DocumentFingerprint{
			RelPath:     row.RelPath,
			ContentHash: row.ContentHash,
			Size:        row.Size,
			ModTime:     time.Unix(0, row.MTime),
			ModelID:     row.ModelID,
		}
	}
	return out, rebuilt, nil
}

// CommitDocument atomically upserts fp into folder's fingerprint table.
// Callers must invoke this only after the corresponding vector-store write
// has fsynced, so that on crash either the previous or the new fingerprint
// is observable, never a partial row.
func (r *Registry) CommitDocument(folderPath string, fp DocumentFingerprint) error {
	fs, _, err := r.folder(folderPath)
	if err != nil {
		return err
	}
	fs.db.updateLock.Lock()
	defer fs.db.updateLock.Unlock()
	_, err = fs.db.stmt(`
		INSERT INTO fingerprints (rel_path, content_hash, size, mtime, model_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (rel_path) DO UPDATE SET
			content_hash = excluded.content_hash,
			size         = excluded.size,
			mtime        = excluded.mtime,
			model_id     = excluded.model_id
	`).Exec(fp.RelPath, fp.ContentHash, fp.Size, fp.ModTime.UnixNano(), fp.ModelID)
	return wrap(err)
}

// ForgetDocument atomically deletes relPath's fingerprint from folder,
// called when the document is removed from disk or the folder is removed.
func (r *Registry) ForgetDocument(folderPath, relPath string) error {
	fs, _, err := r.folder(folderPath)
	if err != nil {
		return err
	}
	fs.db.updateLock.Lock()
	defer fs.db.updateLock.Unlock()
	_, err = fs.db.stmt(`DELETE FROM fingerprints WHERE rel_path = ?`).Exec(relPath)
	return wrap(err)
}

func resolveFolderPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", errors.New("not a directory")
	}
	return abs, nil
}
