// Package catalog maintains the SQLite bookkeeping for the vault: which
// notes exist, their tags and provenance, and which paths still await a git
// publish.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	path       TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	checksum   TEXT NOT NULL DEFAULT '',
	tags       TEXT NOT NULL DEFAULT '[]',
	chat_id    INTEGER NOT NULL DEFAULT 0,
	username   TEXT NOT NULL DEFAULT '',
	asset_path TEXT NOT NULL DEFAULT '',
	saved_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_notes_saved_at ON notes(saved_at);

CREATE TABLE IF NOT EXISTS pending_publish (
	path     TEXT PRIMARY KEY,
	added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// DB wraps a sql.DB with catalog-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("catalog: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping reports whether the database is reachable. Used as a readiness probe.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// NoteRow represents a row in the notes table. Paths are vault-relative.
type NoteRow struct {
	Path      string    `json:"path"`
	Title     string    `json:"title"`
	Checksum  string    `json:"checksum,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	ChatID    int64     `json:"chat_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	AssetPath string    `json:"asset_path,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
}

// UpsertNote inserts or refreshes a note row. Provenance fields (chat,
// username, asset) are preserved when the incoming row leaves them empty, so
// a sweep over a note captured from chat does not erase where it came from.
func (db *DB) UpsertNote(ctx context.Context, n NoteRow) error {
	tagsJSON, _ := json.Marshal(n.Tags)
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO notes (path, title, checksum, tags, chat_id, username, asset_path, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title      = excluded.title,
			checksum   = excluded.checksum,
			tags       = excluded.tags,
			chat_id    = COALESCE(NULLIF(excluded.chat_id, 0), notes.chat_id),
			username   = COALESCE(NULLIF(excluded.username, ''), notes.username),
			asset_path = COALESCE(NULLIF(excluded.asset_path, ''), notes.asset_path),
			saved_at   = excluded.saved_at
	`, n.Path, n.Title, n.Checksum, string(tagsJSON), n.ChatID, n.Username, n.AssetPath, n.SavedAt)
	if err != nil {
		return fmt.Errorf("catalog: upsert note: %w", err)
	}
	return nil
}

// DeleteNote removes a note row and any pending-publish entry for it.
func (db *DB) DeleteNote(ctx context.Context, path string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, _ = tx.ExecContext(ctx, `DELETE FROM pending_publish WHERE path = ?`, path)
	_, _ = tx.ExecContext(ctx, `DELETE FROM notes WHERE path = ?`, path)

	return tx.Commit()
}

// Checksum returns the stored checksum for a note, or empty string if the
// path is unknown.
func (db *DB) Checksum(ctx context.Context, path string) (string, error) {
	var cs string
	err := db.conn.QueryRowContext(ctx, `SELECT checksum FROM notes WHERE path = ?`, path).Scan(&cs)
	if err != nil {
		return "", nil
	}
	return cs, nil
}

// AllChecksums returns path -> checksum for every cataloged note.
func (db *DB) AllChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT path, checksum FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("catalog: all checksums: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var p, cs string
		if err := rows.Scan(&p, &cs); err != nil {
			return nil, err
		}
		out[p] = cs
	}
	return out, rows.Err()
}

// Recent returns the newest notes first, capped at limit.
func (db *DB) Recent(ctx context.Context, limit int) ([]NoteRow, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT path, title, checksum, tags, chat_id, username, asset_path, saved_at
		FROM notes
		ORDER BY saved_at DESC, path DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: recent: %w", err)
	}
	defer rows.Close()

	var out []NoteRow
	for rows.Next() {
		var n NoteRow
		var tagsJSON string
		if err := rows.Scan(&n.Path, &n.Title, &n.Checksum, &tagsJSON, &n.ChatID, &n.Username, &n.AssetPath, &n.SavedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(tagsJSON), &n.Tags)
		out = append(out, n)
	}
	return out, rows.Err()
}

// Count returns the number of cataloged notes.
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog: count notes: %w", err)
	}
	return n, nil
}

// AddPending journals vault-relative paths that were written to disk but not
// yet pushed.
func (db *DB) AddPending(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO pending_publish (path) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("catalog: prepare pending insert: %w", err)
	}
	defer stmt.Close()
	for _, p := range paths {
		if _, err := stmt.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("catalog: insert pending: %w", err)
		}
	}
	return tx.Commit()
}

// Pending returns journaled paths in insertion order.
func (db *DB) Pending(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT path FROM pending_publish ORDER BY added_at, path`)
	if err != nil {
		return nil, fmt.Errorf("catalog: pending: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClearPending removes journal entries for paths that have been pushed.
func (db *DB) ClearPending(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM pending_publish WHERE path = ?`)
	if err != nil {
		return fmt.Errorf("catalog: prepare pending delete: %w", err)
	}
	defer stmt.Close()
	for _, p := range paths {
		if _, err := stmt.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("catalog: delete pending: %w", err)
		}
	}
	return tx.Commit()
}
