// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package osutil_test

import (
	"path/filepath"
	"testing"

	"github.com/okets/folder-mcp/internal/osutil"
)

func TestExpandTildeHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := osutil.ExpandTilde("~")
	if err != nil {
		t.Fatal(err)
	}
	if got != home {
		t.Fatalf("ExpandTilde(~) = %q, want %q", got, home)
	}
}

func TestExpandTildePrefixedPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := osutil.ExpandTilde(filepath.Join("~", "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, "config.yaml"); got != want {
		t.Fatalf("ExpandTilde = %q, want %q", got, want)
	}
}

func TestExpandTildeLeavesOtherPathsAlone(t *testing.T) {
	got, err := osutil.ExpandTilde("/etc/folder-mcp/config.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.FromSlash("/etc/folder-mcp/config.yaml"); got != want {
		t.Fatalf("ExpandTilde = %q, want %q", got, want)
	}
}

func TestExpandTildeNoHomeSet(t *testing.T) {
	t.Setenv("HOME", "")
	t.Setenv("HomeDrive", "")
	t.Setenv("HomePath", "")
	t.Setenv("UserProfile", "")

	if _, err := osutil.ExpandTilde("~"); err != osutil.ErrNoHome {
		t.Fatalf("expected ErrNoHome, got %v", err)
	}
}
