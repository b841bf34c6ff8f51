package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/starford/ansuz/internal/catalog"
	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/sse"
	"github.com/starford/ansuz/internal/testutil"
	"github.com/starford/ansuz/internal/vault"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeDownloader struct {
	media models.DownloadedMedia
	err   error
	calls int
}

func (f *fakeDownloader) Download(_ context.Context, _ models.MediaRef) (models.DownloadedMedia, error) {
	f.calls++
	if f.err != nil {
		return models.DownloadedMedia{}, f.err
	}
	return f.media, nil
}

type fakeReplies struct {
	messages []string
	chatIDs  []int64
	actions  int
	err      error
}

func (f *fakeReplies) SendMessage(_ context.Context, chatID int64, text string) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, text)
	f.chatIDs = append(f.chatIDs, chatID)
	return nil
}

func (f *fakeReplies) SendChatAction(_ context.Context, _ int64, _ string) error {
	f.actions++
	return nil
}

type fakeMeta struct {
	md        models.NoteMetadata
	err       error
	gotText   string
	gotImages int
}

func (f *fakeMeta) Generate(_ context.Context, text string, images []models.DownloadedMedia) (models.NoteMetadata, error) {
	f.gotText = text
	f.gotImages = len(images)
	if f.err != nil {
		return models.NoteMetadata{}, f.err
	}
	return f.md, nil
}

type fakeSync struct {
	paths    [][]string
	messages []string
	err      error
}

func (f *fakeSync) CommitAndPush(_ context.Context, paths []string, message string) error {
	if f.err != nil {
		return f.err
	}
	f.paths = append(f.paths, paths)
	f.messages = append(f.messages, message)
	return nil
}

type fakeCatalog struct {
	rows []catalog.NoteRow
	err  error
}

func (f *fakeCatalog) UpsertNote(_ context.Context, n catalog.NoteRow) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, n)
	return nil
}

type env struct {
	p       *Processor
	vault   *vault.Vault
	dl      *fakeDownloader
	replies *fakeReplies
	meta    *fakeMeta
	sync    *fakeSync
	catalog *fakeCatalog
}

func newEnv(t *testing.T) *env {
	t.Helper()
	v := testutil.TestVault(t)
	e := &env{
		vault:   v,
		dl:      &fakeDownloader{},
		replies: &fakeReplies{},
		meta:    &fakeMeta{md: models.NoteMetadata{Title: "Grocery List", Hashtags: []string{"#shopping", "#errands"}}},
		sync:    &fakeSync{},
		catalog: &fakeCatalog{},
	}
	e.p = New(Config{
		Vault:    v,
		Media:    e.dl,
		Replies:  e.replies,
		Metadata: e.meta,
		Sync:     e.sync,
		Catalog:  e.catalog,
		Log:      testLogger(),
	})
	return e
}

func textTask(text string) models.IngestionTask {
	return models.IngestionTask{
		ID:        "task-1",
		ChatID:    42,
		MessageID: 100,
		Text:      text,
		UserID:    7,
		Username:  "maria",
		SentAt:    time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func (e *env) readOnlyNote(t *testing.T) (string, string) {
	t.Helper()
	files, err := e.vault.ListNotes()
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected exactly one note, got %d", len(files))
	}
	data, err := e.vault.Read(files[0].RelPath)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return files[0].RelPath, string(data)
}

func TestProcess_TextNote(t *testing.T) {
	e := newEnv(t)

	if err := e.p.Process(context.Background(), textTask("Buy milk and eggs")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	rel, content := e.readOnlyNote(t)
	if filepath.Base(rel) != "Grocery List.md" {
		t.Fatalf("note file = %q, want Grocery List.md", rel)
	}
	if !strings.Contains(content, "Buy milk and eggs") {
		t.Fatalf("note body missing, content:\n%s", content)
	}
	if !strings.Contains(content, "#shopping #errands") {
		t.Fatalf("hashtags missing, content:\n%s", content)
	}

	if len(e.catalog.rows) != 1 {
		t.Fatalf("expected 1 catalog row, got %d", len(e.catalog.rows))
	}
	row := e.catalog.rows[0]
	if row.Path != rel || row.Title != "Grocery List" || row.ChatID != 42 || row.Username != "maria" {
		t.Fatalf("unexpected catalog row: %+v", row)
	}
	if row.Checksum != checksum.Sum([]byte(content)) {
		t.Fatal("catalog checksum does not match saved content")
	}

	if len(e.sync.messages) != 1 || e.sync.messages[0] != "Add note: Grocery List" {
		t.Fatalf("unexpected commit messages: %v", e.sync.messages)
	}
	if len(e.sync.paths[0]) != 1 {
		t.Fatalf("expected 1 committed path, got %v", e.sync.paths[0])
	}

	if e.replies.actions != 1 {
		t.Fatalf("expected 1 chat action, got %d", e.replies.actions)
	}
	if len(e.replies.messages) != 1 {
		t.Fatalf("expected 1 reply, got %v", e.replies.messages)
	}
	if !strings.Contains(e.replies.messages[0], "Grocery List") || !strings.Contains(e.replies.messages[0], "#shopping") {
		t.Fatalf("unexpected success reply: %q", e.replies.messages[0])
	}
}

func TestProcess_RecordsRowInSQLiteCatalog(t *testing.T) {
	e := newEnv(t)
	db := testutil.TestCatalog(t)
	e.p.catalog = db

	if err := e.p.Process(context.Background(), textTask("Real bookkeeping")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	rows, err := db.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Title != "Grocery List" || rows[0].Username != "maria" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
	if len(rows[0].Tags) != 2 || rows[0].Tags[0] != "#shopping" {
		t.Fatalf("tags = %v", rows[0].Tags)
	}
}

func TestProcess_PhotoNote(t *testing.T) {
	e := newEnv(t)
	e.dl.media = models.DownloadedMedia{Data: []byte("jpeg-bytes"), FileName: "photo.jpg", MIME: "image/jpeg"}

	task := textTask("Sunset at the pier")
	task.Media = &models.MediaRef{FileID: "f1", FileName: "photo.jpg", MIME: "image/jpeg", Kind: models.MediaPhoto}

	if err := e.p.Process(context.Background(), task); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if e.dl.calls != 1 {
		t.Fatalf("expected 1 download, got %d", e.dl.calls)
	}
	if e.meta.gotImages != 1 {
		t.Fatalf("expected image forwarded to metadata source, got %d", e.meta.gotImages)
	}

	_, content := e.readOnlyNote(t)
	if !strings.Contains(content, "photo.jpg") {
		t.Fatalf("asset embed missing, content:\n%s", content)
	}

	assets, err := os.ReadDir(filepath.Join(e.vault.Root(), "assets"))
	if err != nil {
		t.Fatalf("read assets dir: %v", err)
	}
	if len(assets) != 1 || !strings.HasSuffix(assets[0].Name(), "-photo.jpg") {
		t.Fatalf("unexpected assets dir contents: %v", assets)
	}

	if len(e.sync.paths) != 1 || len(e.sync.paths[0]) != 2 {
		t.Fatalf("expected note and asset committed together, got %v", e.sync.paths)
	}
	if e.catalog.rows[0].AssetPath == "" {
		t.Fatal("catalog row missing asset path")
	}
}

func TestProcess_DocumentNotForwardedToMetadata(t *testing.T) {
	e := newEnv(t)
	e.dl.media = models.DownloadedMedia{Data: []byte("%PDF-1.4"), FileName: "report.pdf", MIME: "application/pdf"}

	task := textTask("Quarterly report")
	task.Media = &models.MediaRef{FileID: "f2", FileName: "report.pdf", MIME: "application/pdf", Kind: models.MediaDocument}

	if err := e.p.Process(context.Background(), task); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if e.meta.gotImages != 0 {
		t.Fatalf("document should not reach the metadata source, got %d images", e.meta.gotImages)
	}
	if e.meta.gotText != "Quarterly report" {
		t.Fatalf("metadata text = %q", e.meta.gotText)
	}
}

func TestProcess_CaptionlessMediaDescribedToMetadata(t *testing.T) {
	e := newEnv(t)
	e.dl.media = models.DownloadedMedia{Data: []byte("jpeg-bytes"), FileName: "receipt.jpg", MIME: "image/jpeg"}

	task := textTask("")
	task.Media = &models.MediaRef{FileID: "f8", FileName: "receipt.jpg", MIME: "image/jpeg", Kind: models.MediaPhoto}

	if err := e.p.Process(context.Background(), task); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if e.meta.gotText != "Attached file: receipt.jpg" {
		t.Fatalf("metadata input = %q, want the file description", e.meta.gotText)
	}

	_, content := e.readOnlyNote(t)
	if strings.Contains(content, "Attached file:") {
		t.Fatal("the synthetic description must not leak into the note body")
	}
}

func TestProcess_DownloadFailureAborts(t *testing.T) {
	e := newEnv(t)
	e.dl.err = errors.New("getFile: file is too big")

	task := textTask("")
	task.Media = &models.MediaRef{FileID: "f3", Kind: models.MediaPhoto}

	err := e.p.Process(context.Background(), task)
	if err == nil {
		t.Fatal("expected error")
	}

	files, lerr := e.vault.ListNotes()
	if lerr != nil {
		t.Fatalf("ListNotes: %v", lerr)
	}
	if len(files) != 0 {
		t.Fatalf("no note should be saved, got %v", files)
	}
	if len(e.sync.messages) != 0 {
		t.Fatal("nothing should be committed")
	}
	if len(e.replies.messages) != 1 {
		t.Fatalf("expected exactly one failure reply, got %v", e.replies.messages)
	}
	if !strings.HasPrefix(e.replies.messages[0], "Failed to save your message:") ||
		!strings.Contains(e.replies.messages[0], "file is too big") {
		t.Fatalf("unexpected failure reply: %q", e.replies.messages[0])
	}
}

func TestProcess_FailurePublishesEvent(t *testing.T) {
	e := newEnv(t)
	e.dl.err = errors.New("getFile: gone")

	broker := sse.NewBroker(time.Second)
	defer broker.Close()
	events := broker.Subscribe()
	e.p.events = broker

	task := textTask("")
	task.Media = &models.MediaRef{FileID: "f9", Kind: models.MediaPhoto}
	if err := e.p.Process(context.Background(), task); err == nil {
		t.Fatal("expected error")
	}

	select {
	case frame := <-events:
		if !strings.Contains(string(frame), "event: task.failed") {
			t.Fatalf("unexpected frame: %s", frame)
		}
		if !strings.Contains(string(frame), "getFile: gone") {
			t.Fatalf("frame should carry the error: %s", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no task.failed event received")
	}
}

func TestProcess_MetadataFallback(t *testing.T) {
	e := newEnv(t)
	e.meta.err = errors.New("metadata: 3 attempts exhausted")

	if err := e.p.Process(context.Background(), textTask("Untaggable ramble")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	rel, content := e.readOnlyNote(t)
	if filepath.Base(rel) != "Uncategorized Note - 100.md" {
		t.Fatalf("note file = %q, want the fallback title", rel)
	}
	if !strings.Contains(content, "#uncategorized #ai-error") {
		t.Fatalf("fallback hashtags missing, content:\n%s", content)
	}

	if len(e.replies.messages) != 2 {
		t.Fatalf("expected warning and success replies, got %v", e.replies.messages)
	}
	if !strings.Contains(e.replies.messages[0], "uncategorized") {
		t.Fatalf("unexpected warning reply: %q", e.replies.messages[0])
	}
	if !strings.Contains(e.replies.messages[1], "Uncategorized Note - 100") {
		t.Fatalf("unexpected success reply: %q", e.replies.messages[1])
	}
}

func TestProcess_PublishFailureAfterSave(t *testing.T) {
	e := newEnv(t)
	e.sync.err = errors.New("git push: permission denied")

	err := e.p.Process(context.Background(), textTask("Keep me"))
	if err == nil {
		t.Fatal("expected error")
	}

	// The note survives on disk and in the catalog even though publishing
	// failed; only the user-facing outcome is an error.
	_, content := e.readOnlyNote(t)
	if !strings.Contains(content, "Keep me") {
		t.Fatal("note content lost")
	}
	if len(e.catalog.rows) != 1 {
		t.Fatalf("expected catalog row, got %d", len(e.catalog.rows))
	}
	if len(e.replies.messages) != 1 || !strings.Contains(e.replies.messages[0], "permission denied") {
		t.Fatalf("expected one failure reply, got %v", e.replies.messages)
	}
}

func TestProcess_ZeroChatIDSuppressesReplies(t *testing.T) {
	e := newEnv(t)
	task := textTask("Quiet save")
	task.ChatID = 0

	if err := e.p.Process(context.Background(), task); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if e.replies.actions != 0 || len(e.replies.messages) != 0 {
		t.Fatalf("no chat feedback expected, got actions=%d messages=%v", e.replies.actions, e.replies.messages)
	}

	e2 := newEnv(t)
	e2.dl.err = errors.New("boom")
	failing := textTask("")
	failing.ChatID = 0
	failing.Media = &models.MediaRef{FileID: "f4", Kind: models.MediaPhoto}

	if err := e2.p.Process(context.Background(), failing); err == nil {
		t.Fatal("expected error")
	}
	if len(e2.replies.messages) != 0 {
		t.Fatalf("no failure reply expected for chat 0, got %v", e2.replies.messages)
	}
}

func TestProcess_NameExhaustionUsesTimestampTitle(t *testing.T) {
	e := newEnv(t)
	e.meta.md = models.NoteMetadata{Title: "Taken"}

	notesDir := filepath.Join(e.vault.Root(), "notes")
	if err := os.WriteFile(filepath.Join(notesDir, "Taken.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed note: %v", err)
	}
	for i := 1; i <= 100; i++ {
		name := filepath.Join(notesDir, fmt.Sprintf("Taken-%d.md", i))
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatalf("seed note %d: %v", i, err)
		}
	}

	if err := e.p.Process(context.Background(), textTask("Overflow")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	files, err := e.vault.ListNotes()
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	var emergency string
	for _, f := range files {
		if strings.HasPrefix(filepath.Base(f.RelPath), "note-") {
			emergency = f.RelPath
		}
	}
	if emergency == "" {
		t.Fatalf("no timestamp-titled note found among %d files", len(files))
	}
	if e.catalog.rows[0].Path != emergency {
		t.Fatalf("catalog row path = %q, want %q", e.catalog.rows[0].Path, emergency)
	}
	if !strings.HasPrefix(e.sync.messages[0], "Add note: note-") {
		t.Fatalf("commit message = %q", e.sync.messages[0])
	}
}

func TestProcess_FailureReplyTruncated(t *testing.T) {
	e := newEnv(t)
	e.dl.err = errors.New(strings.Repeat("x", 400))

	task := textTask("")
	task.Media = &models.MediaRef{FileID: "f5", Kind: models.MediaPhoto}

	if err := e.p.Process(context.Background(), task); err == nil {
		t.Fatal("expected error")
	}

	reply := e.replies.messages[0]
	if !strings.HasSuffix(reply, "...") {
		t.Fatalf("truncated reply should end with ellipsis: %q", reply)
	}
	max := len("Failed to save your message: ") + maxErrorReplyLen + len("...")
	if len(reply) > max {
		t.Fatalf("reply length %d exceeds %d", len(reply), max)
	}
}

func TestCommitMessage(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Grocery List", "Add note: Grocery List"},
		{strings.Repeat("a", 50), "Add note: " + strings.Repeat("a", 50)},
		{strings.Repeat("a", 60), "Add note: " + strings.Repeat("a", 50) + "..."},
	}
	for _, tt := range tests {
		if got := commitMessage(tt.title); got != tt.want {
			t.Errorf("commitMessage(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}

	long := commitMessage(strings.Repeat("日", 30))
	if !utf8.ValidString(long) {
		t.Fatalf("commit message cut mid-rune: %q", long)
	}
	if !strings.HasSuffix(long, "...") {
		t.Fatalf("long multibyte title should be truncated: %q", long)
	}
}
