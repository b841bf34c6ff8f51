package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/vault"
)

const reconcileDelay = 200 * time.Millisecond

// EventCallback is called after a watcher-driven catalog change. kind is
// "changed" or "removed".
type EventCallback func(kind, path, title string)

// Watch starts an fsnotify watcher on the notes directory and keeps the
// catalog current until ctx is cancelled. It calls cb (if non-nil) after
// each successful catalog mutation.
//
// Writes whose content already matches the cataloged checksum are skipped,
// so files the ingestion pipeline just recorded do not echo back as change
// events. Rename events fire on the old path only; a short debounced
// reconciliation pass catches the file under its new name.
func Watch(ctx context.Context, db *DB, v *vault.Vault, log *slog.Logger, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog: start watcher: %w", err)
	}
	defer w.Close()

	notesRoot, err := v.Abs(v.NotesDir())
	if err != nil {
		return err
	}
	if err := addDirsRecursive(w, notesRoot); err != nil {
		return fmt.Errorf("catalog: watch notes dir: %w", err)
	}

	log.Info("catalog: watcher started", slog.String("root", notesRoot))

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time

	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(reconcileDelay)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(reconcileDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			log.Info("catalog: watcher stopped")
			return nil

		case <-reconcileCh:
			if err := reconcile(ctx, db, v, log, cb); err != nil {
				log.Warn("catalog: reconcile failed", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						log.Warn("catalog: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					} else {
						log.Debug("catalog: watching new dir", slog.String("path", absPath))
					}
					absorbDir(ctx, db, v, absPath, log, cb)
					continue
				}
			}

			if !strings.HasSuffix(absPath, ".md") {
				continue
			}
			rel, relErr := v.Rel(absPath)
			if relErr != nil {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if changed, title := catalogFile(ctx, db, v, rel, log); changed && cb != nil {
					cb("changed", rel, title)
				}

			case ev.Op&fsnotify.Remove != 0:
				if delErr := db.DeleteNote(ctx, rel); delErr != nil {
					log.Warn("catalog: delete failed", slog.String("path", rel), slog.String("error", delErr.Error()))
					continue
				}
				log.Debug("catalog: removed", slog.String("path", rel))
				if cb != nil {
					cb("removed", rel, "")
				}

			case ev.Op&fsnotify.Rename != 0:
				if delErr := db.DeleteNote(ctx, rel); delErr != nil {
					log.Warn("catalog: rename delete failed", slog.String("path", rel), slog.String("error", delErr.Error()))
				} else {
					log.Debug("catalog: rename old removed", slog.String("path", rel))
					if cb != nil {
						cb("removed", rel, "")
					}
				}
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error("catalog: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// catalogFile reads one note and upserts it unless the stored checksum
// already matches. Reports whether the catalog changed.
func catalogFile(ctx context.Context, db *DB, v *vault.Vault, rel string, log *slog.Logger) (bool, string) {
	data, err := v.Read(rel)
	if err != nil {
		log.Warn("catalog: read failed", slog.String("path", rel), slog.String("error", err.Error()))
		return false, ""
	}
	sum := checksum.Sum(data)
	if stored, _ := db.Checksum(ctx, rel); stored == sum {
		return false, ""
	}

	info, statErr := os.Stat(filepath.Join(v.Root(), rel))
	modTime := time.Now()
	if statErr == nil {
		modTime = info.ModTime()
	}
	row := rowFromFile(rel, data, sum, modTime)
	if err := db.UpsertNote(ctx, row); err != nil {
		log.Warn("catalog: upsert failed", slog.String("path", rel), slog.String("error", err.Error()))
		return false, ""
	}
	log.Debug("catalog: cataloged", slog.String("path", rel))
	return true, row.Title
}

// absorbDir catalogs any .md files found in a newly created directory.
func absorbDir(ctx context.Context, db *DB, v *vault.Vault, dirPath string, log *slog.Logger, cb EventCallback) {
	_ = filepath.WalkDir(dirPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".md") {
			return nil
		}
		rel, relErr := v.Rel(p)
		if relErr != nil {
			return nil
		}
		if changed, title := catalogFile(ctx, db, v, rel, log); changed && cb != nil {
			cb("changed", rel, title)
		}
		return nil
	})
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
