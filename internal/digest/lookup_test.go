package digest

import (
	"os"
	"path/filepath"
	"testing"
)

const tablesYAML = `
employer_classes:
  acme: "boutique"
aum_buckets:
  - min: 0
    label: "small"
  - min: 100
    label: "large"
internal_patterns:
  - "internal:"
metro_areas:
  springfield: "Springfield metro"
`

func writeTables(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "tables.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLookupStoreLoadsFile(t *testing.T) {
	path := writeTables(t, t.TempDir(), tablesYAML)

	ls, err := NewLookupStore(path)
	if err != nil {
		t.Fatalf("NewLookupStore: %v", err)
	}

	tables := ls.Current()
	if tables.Version != 1 {
		t.Errorf("Version = %d, want 1", tables.Version)
	}
	if tables.EmployerClasses["acme"] != "boutique" {
		t.Errorf("EmployerClasses = %v", tables.EmployerClasses)
	}
	if tables.MetroAreas["springfield"] != "Springfield metro" {
		t.Errorf("MetroAreas = %v", tables.MetroAreas)
	}
}

func TestLookupStoreDefaultsWithoutPath(t *testing.T) {
	ls, err := NewLookupStore("")
	if err != nil {
		t.Fatalf("NewLookupStore: %v", err)
	}
	if len(ls.Current().AUMBuckets) == 0 {
		t.Error("compiled-in defaults missing AUM buckets")
	}
}

func TestLookupStoreReloadBumpsVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeTables(t, dir, tablesYAML)

	ls, err := NewLookupStore(path)
	if err != nil {
		t.Fatal(err)
	}

	writeTables(t, dir, tablesYAML)
	if err := ls.reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := ls.Current().Version; got != 2 {
		t.Errorf("Version after reload = %d, want 2", got)
	}
}

func TestLookupStoreBadEditKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writeTables(t, dir, tablesYAML)

	ls, err := NewLookupStore(path)
	if err != nil {
		t.Fatal(err)
	}

	writeTables(t, dir, "employer_classes: {}\naum_buckets: []\n")
	if err := ls.reload(); err == nil {
		t.Fatal("expected reload error for empty required sections")
	}

	tables := ls.Current()
	if tables.Version != 1 || tables.EmployerClasses["acme"] != "boutique" {
		t.Error("bad edit replaced the active tables")
	}
}

func TestLookupStoreMissingFile(t *testing.T) {
	if _, err := NewLookupStore(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing lookup file")
	}
}
