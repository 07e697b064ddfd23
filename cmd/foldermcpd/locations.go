// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"os"
	"path/filepath"
	"runtime"
)

// locationEnum names one well-known daemon-owned path, the same indirection
// the teacher's cmd/syncthing/locations.go uses so a single table, rather
// than scattered filepath.Join calls, describes the daemon's on-disk
// footprint outside of any managed folder.
type locationEnum string

const (
	locConfigFile locationEnum = "configFile"
	locGlobalDB   locationEnum = "globalDB"
	locPIDFile    locationEnum = "pidFile"
	locPanicDir   locationEnum = "panicDir"
)

// defaultLocations resolves every locationEnum under the platform's
// configuration directory, mirroring the teacher's defaultConfigDir
// switch but trimmed to this daemon's footprint: one YAML config file, the
// global folder-registry database, a PID file, and the directory the
// monitor process writes panic-<timestamp>.log files into.
func defaultLocations() (map[locationEnum]string, error) {
	dir, err := defaultConfigDir()
	if err != nil {
		return nil, err
	}
	return map[locationEnum]string{
		locConfigFile: filepath.Join(dir, "config.yaml"),
		locGlobalDB:   filepath.Join(dir, "global.db"),
		locPIDFile:    filepath.Join(dir, "daemon.pid"),
		locPanicDir:   dir,
	}, nil
}

// defaultConfigDir returns the platform configuration directory for the
// daemon, honoring XDG_CONFIG_HOME on non-Darwin Unix the way the teacher
// does, and creates it if missing.
func defaultConfigDir() (string, error) {
	var dir string
	switch runtime.GOOS {
	case "windows":
		if p := os.Getenv("AppData"); p != "" {
			dir = filepath.Join(p, "folder-mcp")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, "Library", "Application Support", "folder-mcp")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			dir = filepath.Join(xdg, "folder-mcp")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			dir = filepath.Join(home, ".config", "folder-mcp")
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}
