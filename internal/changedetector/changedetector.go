// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package changedetector implements the change detector (spec component
// C2): walk a folder's tree, hash each file's content (reusing the stored
// hash when size and mtime are unchanged), and diff the result
// against the registry's stored fingerprints to produce an add/modify/
// remove work set for one scan.
//
// The matcher seam is modeled on internal/ignore.Matcher's Match(file)
// bool — an interface here rather than the teacher's concrete glob engine,
// since building an include/exclude language is out of scope; callers
// inject whatever matcher they have (or Always for none). Hashing uses
// cespare/xxhash/v2 streamed over a buffered reader, and paths are
// NFC-normalized with golang.org/x/text/unicode/norm before comparison,
// matching the normalization lib/api/api.go already uses in this pack for
// filenames, so visually-identical but byte-distinct paths don't appear
// as a spurious add+remove.
package changedetector

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/okets/folder-mcp/internal/registry"
)

// Matcher decides whether a relative path should be excluded from
// indexing.
type Matcher interface {
	Match(relPath string) (excluded bool)
}

// Always is a Matcher that never excludes anything.
type Always struct{}

func (Always) Match(string) bool { return false }

// ChangeKind classifies a document in the work set produced by Scan.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one document that needs attention after a scan.
type Change struct {
	RelPath string
	Kind    ChangeKind
}

// Scan walks folderPath, hashes every included file whose size or mtime
// differs from its entry in known (or that has no entry), and diffs the result
// against known, returning the documents that were added, modified, or
// removed since known was captured. known is typically the output of
// registry.Registry.LoadFingerprints for the same folder.
func Scan(ctx context.Context, folderPath, modelID string, matcher Matcher, known map[string]registry.DocumentFingerprint) ([]Change, map[string]registry.DocumentFingerprint, error) {
	if matcher == nil {
		matcher = Always{}
	}

	seen := make(map[string]registry.DocumentFingerprint, len(known))
	var changes []Change

	err := filepath.WalkDir(folderPath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, err := filepath.Rel(folderPath, path)
		if err != nil {
			return err
		}
		rel = norm.NFC.String(filepath.ToSlash(rel))
		if matcher.Match(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		// A file whose size and mtime both match its stored fingerprint keeps
		// the stored hash; any other file is hashed again.
		var hash string
		if prior, ok := known[rel]; ok && prior.Size == info.Size() && prior.ModTime.Equal(info.ModTime()) {
			hash = prior.ContentHash
		} else if hash, err = hashFile(path); err != nil {
			return fmt.Errorf("hash %s: %w", rel, err)
		}

		fp := registry.DocumentFingerprint{
			RelPath:     rel,
			ContentHash: hash,
			Size:        info.Size(),
			ModTime:     info.ModTime(),
			ModelID:     modelID,
		}
		seen[rel] = fp

		if prior, ok := known[rel]; !ok {
			changes = append(changes, Change{RelPath: rel, Kind: Added})
		} else if !prior.Equal(fp) {
			changes = append(changes, Change{RelPath: rel, Kind: Modified})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	for rel := range known {
		if _, ok := seen[rel]; !ok {
			changes = append(changes, Change{RelPath: rel, Kind: Removed})
		}
	}

	return changes, seen, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	r := bufio.NewReader(f)
	if _, err := r.WriteTo(h); err != nil {
		return "", err
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}
