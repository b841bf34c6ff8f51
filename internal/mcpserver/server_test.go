package mcpserver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/catalog"
	"github.com/starford/ansuz/internal/gitsync"
	"github.com/starford/ansuz/internal/models"
)

type fakeQueue struct {
	tasks []models.IngestionTask
	full  bool
}

func (f *fakeQueue) Enqueue(task models.IngestionTask) error {
	if f.full {
		return apperr.ErrQueueFull
	}
	f.tasks = append(f.tasks, task)
	return nil
}

type fakeCatalog struct {
	rows []catalog.NoteRow
}

func (f *fakeCatalog) Recent(_ context.Context, limit int) ([]catalog.NoteRow, error) {
	if limit <= 0 || limit > len(f.rows) {
		return f.rows, nil
	}
	return f.rows[:limit], nil
}

type fakeSyncStatus struct {
	status gitsync.Status
}

func (f *fakeSyncStatus) CurrentStatus(_ context.Context) gitsync.Status { return f.status }

func testServer(t *testing.T) (*Server, *fakeQueue, *fakeCatalog, *fakeSyncStatus) {
	t.Helper()
	q := &fakeQueue{}
	c := &fakeCatalog{}
	s := &fakeSyncStatus{}
	return New(q, c, s), q, c, s
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "capture_note":
		result, err = srv.captureNote(ctx, req)
	case "list_recent_notes":
		result, err = srv.listRecentNotes(ctx, req)
	case "sync_status":
		result, err = srv.syncStatus(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestCaptureNote(t *testing.T) {
	srv, q, _, _ := testServer(t)

	r := callTool(t, srv, "capture_note", map[string]interface{}{
		"text": "Remember the milk",
	})
	if r.IsError {
		t.Fatalf("capture failed: %s", resultText(r))
	}
	if len(q.tasks) != 1 {
		t.Fatalf("expected 1 queued task, got %d", len(q.tasks))
	}
	task := q.tasks[0]
	if task.Text != "Remember the milk" {
		t.Errorf("task text = %q", task.Text)
	}
	if task.ChatID != 0 {
		t.Errorf("captured task must carry no chat id, got %d", task.ChatID)
	}
	if task.SentAt.IsZero() {
		t.Error("task SentAt not set")
	}
}

func TestCaptureNote_BlankTextRejected(t *testing.T) {
	srv, q, _, _ := testServer(t)

	r := callTool(t, srv, "capture_note", map[string]interface{}{"text": "   "})
	if !r.IsError {
		t.Fatal("expected error for blank text")
	}
	if len(q.tasks) != 0 {
		t.Fatal("blank text must not be queued")
	}
}

func TestCaptureNote_QueueFull(t *testing.T) {
	srv, q, _, _ := testServer(t)
	q.full = true

	r := callTool(t, srv, "capture_note", map[string]interface{}{"text": "overflow"})
	if !r.IsError {
		t.Fatal("expected error when the queue is full")
	}
	if !strings.Contains(resultText(r), "full") {
		t.Errorf("unexpected message: %s", resultText(r))
	}
}

func TestListRecentNotes(t *testing.T) {
	srv, _, c, _ := testServer(t)
	c.rows = []catalog.NoteRow{
		{Path: "notes/Grocery List.md", Title: "Grocery List", Tags: []string{"#shopping"}, SavedAt: time.Now()},
		{Path: "notes/Sunset.md", Title: "Sunset", SavedAt: time.Now()},
	}

	r := callTool(t, srv, "list_recent_notes", map[string]interface{}{})
	text := resultText(r)
	if !strings.Contains(text, "Grocery List") || !strings.Contains(text, "#shopping") {
		t.Fatalf("listing missing rows:\n%s", text)
	}

	r = callTool(t, srv, "list_recent_notes", map[string]interface{}{"limit": float64(1)})
	text = resultText(r)
	if !strings.Contains(text, "Grocery List") || strings.Contains(text, "Sunset") {
		t.Fatalf("limit not applied:\n%s", text)
	}
}

func TestListRecentNotes_Empty(t *testing.T) {
	srv, _, _, _ := testServer(t)

	r := callTool(t, srv, "list_recent_notes", map[string]interface{}{})
	if resultText(r) != "no notes saved yet" {
		t.Fatalf("unexpected result: %q", resultText(r))
	}
}

func TestSyncStatus(t *testing.T) {
	srv, _, _, s := testServer(t)
	s.status = gitsync.Status{PendingCount: 3, LastPushError: "remote hung up"}

	r := callTool(t, srv, "sync_status", nil)
	text := resultText(r)
	if !strings.Contains(text, `"pending_count": 3`) || !strings.Contains(text, "remote hung up") {
		t.Fatalf("unexpected status:\n%s", text)
	}
}
