// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes the capture pipeline to LLM clients via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/catalog"
	"github.com/starford/ansuz/internal/gitsync"
	"github.com/starford/ansuz/internal/models"
)

const defaultRecentLimit = 10

// TaskQueue accepts captured notes for the pipeline worker.
type TaskQueue interface {
	Enqueue(task models.IngestionTask) error
}

// NoteCatalog reads saved-note bookkeeping.
type NoteCatalog interface {
	Recent(ctx context.Context, limit int) ([]catalog.NoteRow, error)
}

// SyncStatusSource reports the git sync state.
type SyncStatusSource interface {
	CurrentStatus(ctx context.Context) gitsync.Status
}

// Server wraps the MCP server with the capture tools. Tasks entering through
// it carry no chat id, so the pipeline skips chat notifications for them.
type Server struct {
	mcp     *server.MCPServer
	queue   TaskQueue
	catalog NoteCatalog
	sync    SyncStatusSource
}

// New creates an MCP server with all tools registered. catalog and sync may
// be nil; the matching tools then report that the data is unavailable.
func New(queue TaskQueue, cat NoteCatalog, sync SyncStatusSource) *Server {
	s := &Server{queue: queue, catalog: cat, sync: sync}

	s.mcp = server.NewMCPServer(
		"Ansuz",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("capture_note",
		mcp.WithDescription("Queue a text note for ingestion. The pipeline derives a title "+
			"and hashtags, files the note into the vault, and publishes it to the git remote."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Note content to capture")),
	), s.captureNote)

	s.mcp.AddTool(mcp.NewTool("list_recent_notes",
		mcp.WithDescription("List the most recently saved notes with titles, tags, and vault paths."),
		mcp.WithNumber("limit", mcp.Description("Maximum notes to return (default 10)")),
	), s.listRecentNotes)

	s.mcp.AddTool(mcp.NewTool("sync_status",
		mcp.WithDescription("Report the git synchronization state: last pull and push outcomes "+
			"and the number of notes still awaiting publish."),
	), s.syncStatus)

	// Resource: saved note format.
	s.mcp.AddResource(
		mcp.NewResource("ansuz://note-format", "Saved Note Format",
			mcp.WithResourceDescription("Layout of the note files the pipeline writes into the vault."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
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

func (s *Server) captureNote(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("text must not be empty"), nil
	}

	task := models.IngestionTask{
		Text:   text,
		SentAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(task); err != nil {
		if errors.Is(err, apperr.ErrQueueFull) {
			return mcp.NewToolResultError("ingestion queue is full, try again later"), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("queued for ingestion"), nil
}

func (s *Server) listRecentNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.catalog == nil {
		return mcp.NewToolResultError("note catalog is not available"), nil
	}

	limit := defaultRecentLimit
	if v, err := req.RequireFloat("limit"); err == nil && v > 0 {
		limit = int(v)
	}

	rows, err := s.catalog.Recent(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(rows) == 0 {
		return mcp.NewToolResultText("no notes saved yet"), nil
	}
	out, _ := json.MarshalIndent(rows, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) syncStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.sync == nil {
		return mcp.NewToolResultError("git sync is not available"), nil
	}
	st := s.sync.CurrentStatus(ctx)
	out, _ := json.MarshalIndent(st, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readNoteFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "ansuz://note-format",
			MIMEType: "text/markdown",
			Text:     NoteFormat,
		},
	}, nil
}
