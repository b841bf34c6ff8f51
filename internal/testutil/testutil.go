// Package testutil provides shared test helpers for setting up vaults and
// catalogs. Packages below these two (catalog, vault) build their own
// fixtures to avoid import cycles.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/starford/ansuz/internal/catalog"
	"github.com/starford/ansuz/internal/vault"
)

// TestCatalog creates a temporary SQLite catalog that is automatically cleaned up.
func TestCatalog(t *testing.T) *catalog.DB {
	t.Helper()
	db, err := catalog.Open(filepath.Join(t.TempDir(), "ansuz-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestVault creates a vault rooted in a temporary directory.
func TestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(t.TempDir(), "notes", "assets")
	if err != nil {
		t.Fatal(err)
	}
	return v
}
