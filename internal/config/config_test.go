// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := New()

	if cfg.StateDirName != "folder-mcp" {
		t.Errorf("StateDirName = %q", cfg.StateDirName)
	}
	if cfg.FileChange.DebounceMs != 1000 {
		t.Errorf("DebounceMs = %d", cfg.FileChange.DebounceMs)
	}
	if cfg.Worker.KeepAliveSeconds != 180 {
		t.Errorf("KeepAliveSeconds = %d", cfg.Worker.KeepAliveSeconds)
	}
	if cfg.Worker.AgentActiveSeconds != 180 {
		t.Errorf("AgentActiveSeconds = %d", cfg.Worker.AgentActiveSeconds)
	}
	if !cfg.Worker.AutoRestart {
		t.Error("AutoRestart should default to true")
	}
	if cfg.Worker.MaxRestartAttempts != 3 {
		t.Errorf("MaxRestartAttempts = %d", cfg.Worker.MaxRestartAttempts)
	}
	if cfg.Scheduler.MaxConcurrentTasks != 4 {
		t.Errorf("MaxConcurrentTasks = %d", cfg.Scheduler.MaxConcurrentTasks)
	}
	if cfg.Embedder.WorkerCount != 1 {
		t.Errorf("WorkerCount = %d", cfg.Embedder.WorkerCount)
	}
	if cfg.Embedder.Command != "folder-mcp-embedder" {
		t.Errorf("Command = %q", cfg.Embedder.Command)
	}
}

func TestEmbedderArgsListSplitsOnWhitespace(t *testing.T) {
	opts := EmbedderOptions{Args: "--model  /path/to/model --threads 4"}
	got := opts.ArgsList()
	want := []string{"--model", "/path/to/model", "--threads", "4"}
	if len(got) != len(want) {
		t.Fatalf("ArgsList() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ArgsList() = %v", got)
		}
	}
}

func TestReadYAMLOverridesOnlyMentionedFields(t *testing.T) {
	cfg, err := ReadYAML(strings.NewReader(`
fileChange:
  debounceMs: 2500
worker:
  keepAliveSeconds: 60
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.FileChange.DebounceMs != 2500 {
		t.Errorf("DebounceMs = %d", cfg.FileChange.DebounceMs)
	}
	if cfg.Worker.KeepAliveSeconds != 60 {
		t.Errorf("KeepAliveSeconds = %d", cfg.Worker.KeepAliveSeconds)
	}
	// Untouched fields keep their defaults.
	if cfg.Worker.AgentActiveSeconds != 180 {
		t.Errorf("AgentActiveSeconds = %d", cfg.Worker.AgentActiveSeconds)
	}
	if cfg.Scheduler.MaxConcurrentTasks != 4 {
		t.Errorf("MaxConcurrentTasks = %d", cfg.Scheduler.MaxConcurrentTasks)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/folder-mcp.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg != New() {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := New()
	if got, want := cfg.FileChange.Debounce(), 1000; int(got.Milliseconds()) != want {
		t.Errorf("Debounce() = %v", got)
	}
	if got, want := cfg.Worker.KeepAlive(), 180; int(got.Seconds()) != want {
		t.Errorf("KeepAlive() = %v", got)
	}
}
