package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/note"
	"github.com/starford/ansuz/internal/vault"
)

// Sweep walks the vault and brings the catalog up to date: new or changed
// notes are parsed and upserted, rows whose files are gone are dropped. Run
// at startup, before the watcher takes over.
func Sweep(ctx context.Context, db *DB, v *vault.Vault, log *slog.Logger) error {
	return reconcile(ctx, db, v, log, nil)
}

func reconcile(ctx context.Context, db *DB, v *vault.Vault, log *slog.Logger, cb EventCallback) error {
	files, err := v.ListNotes()
	if err != nil {
		return fmt.Errorf("catalog: reconcile: %w", err)
	}
	known, err := db.AllChecksums(ctx)
	if err != nil {
		return err
	}

	disk := make(map[string]struct{}, len(files))
	for _, f := range files {
		disk[f.RelPath] = struct{}{}

		data, err := v.Read(f.RelPath)
		if err != nil {
			log.Warn("catalog: reconcile read failed", slog.String("path", f.RelPath), slog.String("error", err.Error()))
			continue
		}
		sum := checksum.Sum(data)
		if known[f.RelPath] == sum {
			continue
		}

		row := rowFromFile(f.RelPath, data, sum, f.ModTime)
		if err := db.UpsertNote(ctx, row); err != nil {
			log.Warn("catalog: reconcile upsert failed", slog.String("path", f.RelPath), slog.String("error", err.Error()))
			continue
		}
		log.Debug("catalog: cataloged", slog.String("path", f.RelPath))
		if cb != nil {
			cb("changed", f.RelPath, row.Title)
		}
	}

	for p := range known {
		if _, ok := disk[p]; ok {
			continue
		}
		if err := db.DeleteNote(ctx, p); err != nil {
			log.Warn("catalog: reconcile delete failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		log.Debug("catalog: dropped stale", slog.String("path", p))
		if cb != nil {
			cb("removed", p, "")
		}
	}
	return nil
}

// rowFromFile derives a catalog row for a note that appeared on disk outside
// the ingestion pipeline, for example via a git pull.
func rowFromFile(rel string, data []byte, sum string, modTime time.Time) NoteRow {
	info := note.Extract(data)
	savedAt := info.SavedAt
	if savedAt.IsZero() {
		savedAt = modTime
	}
	return NoteRow{
		Path:      rel,
		Title:     strings.TrimSuffix(filepath.Base(rel), ".md"),
		Checksum:  sum,
		Tags:      info.Tags,
		AssetPath: info.AssetPath,
		SavedAt:   savedAt.UTC(),
	}
}
