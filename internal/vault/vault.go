// Package vault writes notes and assets into the local working copy of the
// synced repository, resolving collision-free file names.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/starford/ansuz/internal/apperr"
)

// maxProbes caps the `-<n>` suffix attempts while resolving a note name.
const maxProbes = 100

// Vault is rooted at the repository clone. Notes and assets live in two
// subdirectories, both guaranteed to exist after New.
type Vault struct {
	root      string // absolute path to the repository clone
	notesDir  string // vault-relative
	assetsDir string // vault-relative
}

// New creates a Vault rooted at the given directory. The root must already
// exist (it is the synced clone); the notes and assets directories are
// created if missing.
func New(root, notesDir, assetsDir string) (*Vault, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("vault: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("vault: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault: root is not a directory: %s", abs)
	}
	v := &Vault{root: abs, notesDir: filepath.Clean(notesDir), assetsDir: filepath.Clean(assetsDir)}
	for _, dir := range []string{v.notesDir, v.assetsDir} {
		p, err := v.safePath(dir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return nil, fmt.Errorf("vault: ensure %s: %w", dir, err)
		}
	}
	return v, nil
}

// Root returns the absolute path of the repository clone.
func (v *Vault) Root() string { return v.root }

// NotesDir returns the vault-relative notes directory.
func (v *Vault) NotesDir() string { return v.notesDir }

// AssetsDir returns the vault-relative assets directory.
func (v *Vault) AssetsDir() string { return v.assetsDir }

// safePath resolves a relative path against the vault root and rejects any
// result that escapes it (directory traversal).
func (v *Vault) safePath(rel string) (string, error) {
	if rel == "" {
		return v.root, nil
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("vault: absolute paths not allowed: %s", rel)
	}
	joined := filepath.Join(v.root, cleaned)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("vault: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, v.root+string(os.PathSeparator)) && abs != v.root {
		return "", fmt.Errorf("vault: path escapes vault root: %s", rel)
	}
	return abs, nil
}

// Abs resolves a vault-relative path to an absolute one, rejecting escapes.
func (v *Vault) Abs(rel string) (string, error) {
	return v.safePath(rel)
}

// Rel converts an absolute path inside the vault to a vault-relative one.
func (v *Vault) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(v.root, abs)
	if err != nil {
		return "", fmt.Errorf("vault: relativize %s: %w", abs, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("vault: path outside vault: %s", abs)
	}
	return rel, nil
}

// SaveNote writes content under a unique file name derived from title and
// returns the absolute path. On collision it appends -1, -2, … up to 100
// probes, then fails with ErrNameExhausted; callers fall back to a
// timestamp-based emergency title rather than losing content.
func (v *Vault) SaveNote(title, content string) (string, error) {
	name := SanitizeTitle(title)
	dir, err := v.safePath(v.notesDir)
	if err != nil {
		return "", err
	}

	for n := 0; n <= maxProbes; n++ {
		fileName := name + ".md"
		if n > 0 {
			fileName = fmt.Sprintf("%s-%d.md", name, n)
		}
		abs := filepath.Join(dir, fileName)

		// O_EXCL claims the name atomically, so a probe and a write can
		// never race against another writer in the same directory.
		f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("vault: create note: %w", err)
		}
		if err := writeAndClose(f, []byte(content)); err != nil {
			_ = os.Remove(abs)
			return "", fmt.Errorf("vault: write note: %w", err)
		}
		return abs, nil
	}

	return "", fmt.Errorf("vault: resolve name for %q: %w", name, apperr.ErrNameExhausted)
}

// SaveAsset writes attachment bytes to the assets directory under a
// timestamp-prefixed name and returns the vault-relative path.
func (v *Vault) SaveAsset(data []byte, originalName string) (string, error) {
	fileName := assetFileName(originalName, time.Now())
	rel := filepath.Join(v.assetsDir, fileName)
	abs, err := v.safePath(rel)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".ansuz-tmp-*")
	if err != nil {
		return "", fmt.Errorf("vault: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := writeAndClose(tmp, data); err != nil {
		return "", fmt.Errorf("vault: write asset: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return "", fmt.Errorf("vault: rename asset: %w", err)
	}
	success = true
	return rel, nil
}

// Read returns the raw bytes of a vault file.
func (v *Vault) Read(rel string) ([]byte, error) {
	abs, err := v.safePath(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("vault: read %s: %w", rel, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("vault: read %s: %w", rel, err)
	}
	return data, nil
}

// NoteFile describes one Markdown file under the notes directory.
type NoteFile struct {
	RelPath string
	ModTime time.Time
}

// ListNotes walks the notes directory and returns every .md file.
func (v *Vault) ListNotes() ([]NoteFile, error) {
	base, err := v.safePath(v.notesDir)
	if err != nil {
		return nil, err
	}
	var out []NoteFile
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(v.root, p)
		out = append(out, NoteFile{RelPath: rel, ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vault: list notes: %w", err)
	}
	return out, nil
}

func writeAndClose(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
