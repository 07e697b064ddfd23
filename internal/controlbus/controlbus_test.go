// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package controlbus

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/okets/folder-mcp/internal/fmdm"
)

type fakeFolderManager struct {
	added   map[string]string
	addErr  error
	removed []string
	rmErr   error
}

func newFakeFolderManager() *fakeFolderManager {
	return &fakeFolderManager{added: make(map[string]string)}
}

func (f *fakeFolderManager) AddFolder(_ context.Context, path, modelID string) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added[path] = modelID
	return nil
}

func (f *fakeFolderManager) RemoveFolder(_ context.Context, path string) error {
	if f.rmErr != nil {
		return f.rmErr
	}
	f.removed = append(f.removed, path)
	return nil
}

type fakeSearcher struct {
	calls []string
	err   error
}

func (s *fakeSearcher) RouteSearch(_ context.Context, folderPath, query string, limit int) error {
	s.calls = append(s.calls, folderPath+":"+query)
	return s.err
}

func callReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func TestFolderAddSucceeds(t *testing.T) {
	fm := newFakeFolderManager()
	b := New("test", "v0", fm, &fakeSearcher{}, fmdm.New())

	res, err := b.folderAdd(context.Background(), callReq(map[string]any{"path": "/vault", "modelId": "m1"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}
	if fm.added["/vault"] != "m1" {
		t.Fatalf("folder not recorded: %+v", fm.added)
	}
}

func TestFolderAddMissingPathIsInvalidRequest(t *testing.T) {
	b := New("test", "v0", newFakeFolderManager(), &fakeSearcher{}, fmdm.New())

	res, err := b.folderAdd(context.Background(), callReq(map[string]any{"modelId": "m1"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected a tool error for a missing path")
	}
	assertErrorKind(t, res, InvalidRequest)
}

func TestFolderAddAlreadyExistsSurfacesKind(t *testing.T) {
	fm := newFakeFolderManager()
	fm.addErr = &Error{Kind: FolderAlreadyExists, Message: "different model"}
	b := New("test", "v0", fm, &fakeSearcher{}, fmdm.New())

	res, err := b.folderAdd(context.Background(), callReq(map[string]any{"path": "/vault", "modelId": "m2"}))
	if err != nil {
		t.Fatal(err)
	}
	assertErrorKind(t, res, FolderAlreadyExists)
}

func TestFolderRemoveSucceeds(t *testing.T) {
	fm := newFakeFolderManager()
	b := New("test", "v0", fm, &fakeSearcher{}, fmdm.New())

	res, err := b.folderRemove(context.Background(), callReq(map[string]any{"path": "/vault"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}
	if len(fm.removed) != 1 || fm.removed[0] != "/vault" {
		t.Fatalf("folder not recorded as removed: %+v", fm.removed)
	}
}

func TestFolderListReflectsSnapshot(t *testing.T) {
	snaps := fmdm.New()
	snaps.Update(func(prior fmdm.Snapshot) fmdm.Snapshot {
		prior.Folders = []fmdm.FolderView{{Path: "/vault", ModelID: "m1", State: "active", Progress: 100}}
		return prior
	})
	b := New("test", "v0", newFakeFolderManager(), &fakeSearcher{}, snaps)

	res, err := b.folderList(context.Background(), callReq(nil))
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, res)
	var folders []fmdm.FolderView
	if err := json.Unmarshal([]byte(text), &folders); err != nil {
		t.Fatalf("response was not valid JSON: %v (%s)", err, text)
	}
	if len(folders) != 1 || folders[0].Path != "/vault" {
		t.Fatalf("unexpected folder list: %+v", folders)
	}
}

func TestSearchRequestRoutesToSearcher(t *testing.T) {
	s := &fakeSearcher{}
	b := New("test", "v0", newFakeFolderManager(), s, fmdm.New())

	res, err := b.searchRequest(context.Background(), callReq(map[string]any{
		"folderPath": "/vault", "query": "invoices", "limit": float64(5),
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}
	if len(s.calls) != 1 || s.calls[0] != "/vault:invoices" {
		t.Fatalf("search was not routed: %+v", s.calls)
	}
}

func TestPingAlwaysSucceeds(t *testing.T) {
	b := New("test", "v0", newFakeFolderManager(), &fakeSearcher{}, fmdm.New())

	res, err := b.ping(context.Background(), callReq(nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}
}

func TestParseClientKindDefaultsToAutomation(t *testing.T) {
	if got := parseClientKind("interactive"); got != Interactive {
		t.Fatalf("expected interactive, got %s", got)
	}
	if got := parseClientKind("weird-client"); got != Automation {
		t.Fatalf("expected automation fallback, got %s", got)
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatalf("result had no text content: %+v", res)
	return ""
}

func assertErrorKind(t *testing.T, res *mcp.CallToolResult, want ErrorKind) {
	t.Helper()
	text := resultText(t, res)
	var got Error
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatalf("error payload was not valid JSON: %v (%s)", err, text)
	}
	if got.Kind != want {
		t.Fatalf("expected error kind %s, got %s (%s)", want, got.Kind, text)
	}
	if !strings.Contains(text, string(want)) {
		t.Fatalf("expected payload to mention kind %s: %s", want, text)
	}
}
