package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/checksum"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) record(kind, path, _ string) {
	l.mu.Lock()
	l.events = append(l.events, kind+":"+path)
	l.mu.Unlock()
}

func (l *eventLog) has(want string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == want {
			return true
		}
	}
	return false
}

func TestWatch_NewFileCataloged(t *testing.T) {
	db := openDB(t)
	v := tempVault(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var log eventLog
	go Watch(ctx, db, v, testLogger(), log.record)
	time.Sleep(100 * time.Millisecond)

	rel := writeVaultNote(t, v, "new.md", "fresh content\n")

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		cs, _ := db.Checksum(context.Background(), rel)
		return cs != ""
	}, "new file not cataloged by watcher")

	eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		return log.has("changed:" + rel)
	}, "expected changed callback for new file")
}

func TestWatch_UnchangedWriteSkipped(t *testing.T) {
	db := openDB(t)
	v := tempVault(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	content := "already recorded\n"
	rel := filepath.Join(v.NotesDir(), "same.md")
	if err := db.UpsertNote(ctx, NoteRow{
		Path:     rel,
		Title:    "same",
		Checksum: checksum.Sum([]byte(content)),
		SavedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	var log eventLog
	go Watch(ctx, db, v, testLogger(), log.record)
	time.Sleep(100 * time.Millisecond)

	writeVaultNote(t, v, "same.md", content)
	time.Sleep(400 * time.Millisecond)

	if log.has("changed:" + rel) {
		t.Error("write with matching checksum must not fire a change event")
	}
}

func TestWatch_DeleteRemoves(t *testing.T) {
	db := openDB(t)
	v := tempVault(t)

	rel := writeVaultNote(t, v, "del.md", "delete me\n")
	if err := Sweep(context.Background(), db, v, testLogger()); err != nil {
		t.Fatal(err)
	}
	if cs, _ := db.Checksum(context.Background(), rel); cs == "" {
		t.Fatal("precondition: file should be cataloged")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var log eventLog
	go Watch(ctx, db, v, testLogger(), log.record)
	time.Sleep(100 * time.Millisecond)

	if err := os.Remove(filepath.Join(v.Root(), rel)); err != nil {
		t.Fatal(err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		cs, _ := db.Checksum(context.Background(), rel)
		return cs == ""
	}, "deleted file still cataloged")

	eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		return log.has("removed:" + rel)
	}, "expected removed callback")
}

func TestWatch_RenameReconciles(t *testing.T) {
	db := openDB(t)
	v := tempVault(t)

	oldRel := writeVaultNote(t, v, "old.md", "moving soon\n")
	if err := Sweep(context.Background(), db, v, testLogger()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Watch(ctx, db, v, testLogger(), nil)
	time.Sleep(100 * time.Millisecond)

	newRel := filepath.Join(v.NotesDir(), "renamed.md")
	if err := os.Rename(filepath.Join(v.Root(), oldRel), filepath.Join(v.Root(), newRel)); err != nil {
		t.Fatal(err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		oldCS, _ := db.Checksum(context.Background(), oldRel)
		newCS, _ := db.Checksum(context.Background(), newRel)
		return oldCS == "" && newCS != ""
	}, "rename reconciliation failed")
}
