// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes sift ingestion and status tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/sift/internal/apperr"
	"github.com/starford/sift/internal/index"
	"github.com/starford/sift/internal/models"
	"github.com/starford/sift/internal/storage"
	"github.com/starford/sift/internal/store"
)

// Server wraps the MCP server with sift tools.
type Server struct {
	mcp        *server.MCPServer
	backend    store.Backend
	indexer    *index.Indexer
	source     storage.Provider
	collection string
}

// New creates a new MCP server with all sift tools registered. Paths given to
// tools are relative to the source root.
func New(backend store.Backend, ix *index.Indexer, source storage.Provider, collection string) *Server {
	if collection == "" {
		collection = "dump"
	}
	s := &Server{backend: backend, indexer: ix, source: source, collection: collection}

	s.mcp = server.NewMCPServer(
		"sift",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("ingest_path",
		mcp.WithDescription("Ingest a file or directory under the source root. Re-ingesting "+
			"a file reconciles its records: unchanged records get a new version, vanished "+
			"records are flagged as removed."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path relative to the source root (empty string for the whole root)")),
	), s.ingestPath)

	s.mcp.AddTool(mcp.NewTool("list_sources",
		mcp.WithDescription("List all source files or the files in a specific folder."),
		mcp.WithString("folder", mcp.Description("Optional folder to list (empty for all)")),
	), s.listSources)

	s.mcp.AddTool(mcp.NewTool("stage_file",
		mcp.WithDescription("Download a spreadsheet or archive (http(s) or base64 data URI) into "+
			"the staged/ folder of the source root. Call ingest_path afterwards to process it."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data: URI")),
		mcp.WithString("filename", mcp.Description("Optional file name; derived from the URL when omitted")),
	), s.stageFile)

	s.mcp.AddTool(mcp.NewTool("get_stats",
		mcp.WithDescription("Estimated number of records in a collection."),
		mcp.WithString("collection", mcp.Description("Collection name (defaults to the configured one)")),
	), s.getStats)

	s.mcp.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Read a registered task: extractor identity, options and tags."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	), s.getTask)

	s.mcp.AddTool(mcp.NewTool("get_unit",
		mcp.WithDescription("Read a source unit with its outcome history."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Source unit id")),
	), s.getUnit)

	s.mcp.AddTool(mcp.NewTool("find_record",
		mcp.WithDescription("Look up a reconciled record and its provenance by key fields."),
		mcp.WithString("key", mcp.Required(), mcp.Description(`JSON object of key fields, e.g. {"id": 1}`)),
		mcp.WithString("collection", mcp.Description("Collection name (defaults to the configured one)")),
	), s.findRecord)

	s.mcp.AddTool(mcp.NewTool("get_options_contract",
		mcp.WithDescription("Returns the task options (parser.cfg) format. "+
			"Call this before writing an options file."),
	), s.getOptionsContract)

	// Resource: task options contract.
	s.mcp.AddResource(
		mcp.NewResource(OptionsContractURI, "Task Options Contract",
			mcp.WithResourceDescription("Format and recognised keys of the task options file."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readOptionsContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func lookupError(what, id string, err error) *mcp.CallToolResult {
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("%s not found: %s", what, id))
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) ingestPath(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	target := s.source.Root()
	if path != "" {
		f, err := s.source.Stat(path)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
		}
		target = f.Abs
	}
	if err := s.indexer.Run(ctx, target); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", apperr.Kind(err), err)), nil
	}
	if path == "" {
		path = "."
	}
	return mcp.NewToolResultText(fmt.Sprintf("ingested: %s", path)), nil
}

func (s *Server) listSources(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	folder := ""
	if f, err := req.RequireString("folder"); err == nil {
		folder = f
	}

	files, err := s.source.List(folder)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	return mcp.NewToolResultText(strings.Join(paths, "\n")), nil
}

func (s *Server) getStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := s.collection
	if c, err := req.RequireString("collection"); err == nil && c != "" {
		name = c
	}
	n, err := s.backend.Collection(name).EstimatedCount(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"collection": name, "count": n}), nil
}

func (s *Server) getTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	task, err := s.backend.GetTask(ctx, id)
	if err != nil {
		return lookupError("task", id, err), nil
	}
	return jsonResult(task), nil
}

func (s *Server) getUnit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	unit, err := s.backend.GetSourceUnit(ctx, id)
	if err != nil {
		return lookupError("unit", id, err), nil
	}
	return jsonResult(unit), nil
}

func (s *Server) findRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var key models.Record
	if err := json.Unmarshal([]byte(raw), &key); err != nil || len(key) == 0 {
		return mcp.NewToolResultError("key must be a non-empty JSON object"), nil
	}
	name := s.collection
	if c, err := req.RequireString("collection"); err == nil && c != "" {
		name = c
	}
	rec, err := s.backend.Collection(name).Find(ctx, key)
	if err != nil {
		return lookupError("record", raw, err), nil
	}
	return jsonResult(rec), nil
}

func (s *Server) getOptionsContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(OptionsContract), nil
}

func (s *Server) readOptionsContractResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      OptionsContractURI,
			MIMEType: "text/markdown",
			Text:     OptionsContract,
		},
	}, nil
}
