// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package controlbus implements the control bus (spec component C8): the
// surface AI coding agents and the CLI talk to. §6.1's message protocol is
// bound to the Model Context Protocol rather than a bespoke framed socket,
// since the stated audience already speaks MCP.
//
// Grounded on Yakitrak-obsidian-cli/pkg/mcp: register.go's one-tool-per-
// s.AddTool call style, resources.go's static-resource registration, and
// cmd/mcp.go's server construction and ServeStdio run loop. Unlike that
// teacher package, tool handlers here never reach into package-level
// globals — every dependency (folder management, search routing, the FMDM
// broadcaster) is constructor-injected, per spec.md §9's explicit-
// configuration guidance.
package controlbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/okets/folder-mcp/internal/fmdm"
)

// ErrorKind is the closed taxonomy of §7's control-bus-level errors.
type ErrorKind string

const (
	InvalidRequest      ErrorKind = "InvalidRequest"
	UnknownFolder       ErrorKind = "UnknownFolder"
	FolderAlreadyExists ErrorKind = "FolderAlreadyExists"
	InvalidPath         ErrorKind = "InvalidPath"
	ModelUnavailable    ErrorKind = "ModelUnavailable"
	WorkerUnavailable   ErrorKind = "WorkerUnavailable"
	IndexStoreCorrupt   ErrorKind = "IndexStoreCorrupt"
	Internal            ErrorKind = "Internal"
)

// Error is the typed error tool handlers return wrapped in an MCP tool
// error payload, rather than by closing the connection — an MCP server
// fields many independent tool calls, not one framed connection, so §7's
// "protocol violations close the connection" rule narrows here to
// malformed individual requests.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func asError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: Internal, Message: err.Error()}
}

// ClientKind mirrors §6.1's connection.init clientKind enum. mcp-go's
// initialize handshake carries a free-form client name in place of a
// dedicated clientKind field; unrecognized names are treated as automation
// clients rather than rejected, since closing the whole server on one
// unrecognized session would take down every other connected agent.
type ClientKind string

const (
	Interactive ClientKind = "interactive"
	CLI         ClientKind = "cli"
	Automation  ClientKind = "automation"
)

func parseClientKind(declared string) ClientKind {
	switch strings.ToLower(declared) {
	case string(Interactive):
		return Interactive
	case string(CLI):
		return CLI
	default:
		return Automation
	}
}

// FolderManager is the seam between the control bus and C1/C6: the daemon
// wiring implements it over registry.Registry and a map of live
// lifecycle.Folder instances, so this package never imports either.
type FolderManager interface {
	AddFolder(ctx context.Context, path, modelID string) error
	RemoveFolder(ctx context.Context, path string) error
}

// Searcher routes a search.request to C4 as an IMMEDIATE-priority task.
// Search execution itself is out of scope (spec.md §1 Non-goals); the
// control bus only needs to admit the request and let its priority effects
// (pausing BACKGROUND admission) take place.
type Searcher interface {
	RouteSearch(ctx context.Context, folderPath, query string, limit int) error
}

// Bus is the MCP-backed control bus. Construct with New, then run it as a
// suture.Service via Serve.
type Bus struct {
	srv    *server.MCPServer
	folder FolderManager
	search Searcher
	snaps  *fmdm.Broadcaster

	mu      sync.Mutex
	clients map[string]ClientKind
}

const fmdmResourceURI = "folder-mcp/fmdm"

// New constructs a Bus exposing folder_add, folder_remove, folder_list,
// search_request and ping tools, plus the FMDM snapshot as a readable and
// subscribable resource.
func New(name, version string, folder FolderManager, search Searcher, snaps *fmdm.Broadcaster) *Bus {
	b := &Bus{
		folder:  folder,
		search:  search,
		snaps:   snaps,
		clients: make(map[string]ClientKind),
	}

	hooks := &server.Hooks{}
	hooks.AddBeforeInitialize(func(ctx context.Context, id any, msg *mcp.InitializeRequest) {
		kind := parseClientKind(msg.Params.ClientInfo.Name)
		if session := server.ClientSessionFromContext(ctx); session != nil {
			b.mu.Lock()
			b.clients[session.SessionID()] = kind
			b.mu.Unlock()
		}
	})

	b.srv = server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, true),
		server.WithHooks(hooks),
	)

	b.registerTools()
	b.registerResources()

	return b
}

// Serve implements suture.Service: it runs the stdio transport until ctx
// is canceled, and in parallel forwards every FMDM publish as an MCP
// resource-updated notification (the daemon→client fmdm.update of §6.1).
func (b *Bus) Serve(ctx context.Context) error {
	sub := b.snaps.Subscribe()
	defer b.snaps.Unsubscribe(sub)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Next():
				b.srv.SendNotificationToAllClients("notifications/resources/updated", map[string]any{
					"uri": fmdmResourceURI,
				})
			}
		}
	}()

	stdio := server.NewStdioServer(b.srv)
	return stdio.Listen(ctx, nil, nil)
}

func (b *Bus) registerTools() {
	b.srv.AddTool(mcp.NewTool("folder_add",
		mcp.WithDescription("Add a folder to be indexed with the given model. Idempotent: re-adding the same path with the same model succeeds; a different model on an already-tracked path is an error."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path of the folder to manage")),
		mcp.WithString("modelId", mcp.Required(), mcp.Description("Embedding model to index this folder with")),
	), b.folderAdd)

	b.srv.AddTool(mcp.NewTool("folder_remove",
		mcp.WithDescription("Stop managing a folder and remove its private index state. Removing an untracked folder also succeeds, with the same reply as removing a tracked one."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path of the folder to stop managing")),
	), b.folderRemove)

	b.srv.AddTool(mcp.NewTool("folder_list",
		mcp.WithDescription("List every managed folder with its current lifecycle state, progress and notification, as reflected in the latest FMDM snapshot."),
	), b.folderList)

	b.srv.AddTool(mcp.NewTool("search_request",
		mcp.WithDescription("Route a search request against an indexed folder. Treated as IMMEDIATE priority: pauses background indexing work for the agent-active window. Search execution itself happens outside the core daemon."),
		mcp.WithString("folderPath", mcp.Required(), mcp.Description("Managed folder to search")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query text")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default left to the search executor)")),
	), b.searchRequest)

	b.srv.AddTool(mcp.NewTool("ping",
		mcp.WithDescription("Liveness check."),
	), b.ping)
}

func (b *Bus) registerResources() {
	res := mcp.Resource{
		URI:      fmdmResourceURI,
		Name:     "Folder-Model Data Model snapshot",
		MIMEType: "application/json",
	}
	b.srv.AddResource(res, func(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		body, err := json.Marshal(b.snaps.Current())
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{
			URI:      fmdmResourceURI,
			MIMEType: "application/json",
			Text:     string(body),
		}}, nil
	})
}

// requiredString extracts a required string argument, returning an
// InvalidRequest error if it is missing or of the wrong type — the same
// manual-assertion style as Yakitrak-obsidian-cli/pkg/mcp/tools.go's
// FilesTool, since the pinned mcp-go version here has no typed accessors.
func requiredString(args map[string]any, field string) (string, *Error) {
	v, ok := args[field].(string)
	if !ok || v == "" {
		return "", &Error{Kind: InvalidRequest, Message: fmt.Sprintf("%q is required and must be a string", field)}
	}
	return v, nil
}

func (b *Bus) folderAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, cerr := requiredString(args, "path")
	if cerr != nil {
		return toolError(cerr), nil
	}
	modelID, cerr := requiredString(args, "modelId")
	if cerr != nil {
		return toolError(cerr), nil
	}

	if err := b.folder.AddFolder(ctx, path, modelID); err != nil {
		return toolError(asError(err)), nil
	}
	return mcp.NewToolResultText(`{"ok":true}`), nil
}

func (b *Bus) folderRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, cerr := requiredString(args, "path")
	if cerr != nil {
		return toolError(cerr), nil
	}

	if err := b.folder.RemoveFolder(ctx, path); err != nil {
		return toolError(asError(err)), nil
	}
	return mcp.NewToolResultText(`{"ok":true}`), nil
}

func (b *Bus) folderList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap := b.snaps.Current()
	body, err := json.Marshal(snap.Folders)
	if err != nil {
		return toolError(&Error{Kind: Internal, Message: err.Error()}), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func (b *Bus) searchRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	folderPath, cerr := requiredString(args, "folderPath")
	if cerr != nil {
		return toolError(cerr), nil
	}
	query, cerr := requiredString(args, "query")
	if cerr != nil {
		return toolError(cerr), nil
	}
	limit := 0
	if f, ok := args["limit"].(float64); ok {
		limit = int(f)
	}

	if err := b.search.RouteSearch(ctx, folderPath, query, limit); err != nil {
		return toolError(asError(err)), nil
	}
	return mcp.NewToolResultText(`{"ok":true}`), nil
}

func (b *Bus) ping(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(`{"ok":true}`), nil
}

// toolError renders e as an MCP tool error whose text is e marshaled as
// JSON, so callers can recover the error kind by decoding that payload
// while the MCP session itself stays open (§4.8's narrowing of §7's protocol-
// violation/connection-close rule).
func toolError(e *Error) *mcp.CallToolResult {
	payload, _ := json.Marshal(e)
	return mcp.NewToolResultError(string(payload))
}
