package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestLoadOrCreateID_CreatesAndReuses(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	first, err := LoadOrCreateID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateID() error = %v", err)
	}
	parsed, err := uuid.Parse(first)
	if err != nil {
		t.Fatalf("ID %q is not a UUID: %v", first, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("ID version = %d, want 7", parsed.Version())
	}

	second, err := LoadOrCreateID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("second call = %q, want persisted %q", second, first)
	}
}

func TestLoadOrCreateID_ExistingFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, IDFile), []byte("  sim-device-01\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := LoadOrCreateID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if id != "sim-device-01" {
		t.Errorf("id = %q, want sim-device-01", id)
	}
}

func TestLoadOrCreateID_EmptyFileRegenerates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, IDFile), []byte("\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := LoadOrCreateID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("regenerated id %q is not a UUID", id)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	id, err := Resolve(" configured-id ", dir)
	if err != nil || id != "configured-id" {
		t.Errorf("Resolve(configured) = %q, %v", id, err)
	}
	if _, err := os.Stat(filepath.Join(dir, IDFile)); !os.IsNotExist(err) {
		t.Error("configured ID should not touch the data dir")
	}

	id, err = Resolve("", dir)
	if err != nil || id == "" {
		t.Errorf("Resolve(empty) = %q, %v", id, err)
	}
}
