package dumpdir

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/open-edge-platform/firmware-extract/internal/firmware"
)

func TestAcquireSourceIsDir(t *testing.T) {
	dir := t.TempDir()

	dd, err := Acquire(dir, false)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if dd.Path != dir || dd.Lifecycle != SourceIsDir || dd.IsArchive {
		t.Errorf("unexpected DumpDir: %+v", dd)
	}
	if err := dd.Release(); err != nil {
		t.Errorf("Release returned error: %v", err)
	}
	if _, statErr := os.Stat(dir); statErr != nil {
		t.Errorf("source dir should survive Release: %v", statErr)
	}
}

func TestAcquireEphemeralRemovedOnRelease(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "fw.zip")
	if err := os.WriteFile(source, []byte("zip"), 0o644); err != nil {
		t.Fatalf("failed to write source: %v", err)
	}

	dd, err := Acquire(source, false)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if dd.Lifecycle != Ephemeral || !dd.IsArchive {
		t.Fatalf("expected an ephemeral archive DumpDir, got %+v", dd)
	}

	path := dd.Path
	if err := dd.Release(); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Errorf("ephemeral dump dir should be removed after Release")
	}
}

func TestAcquirePersistentNewThenResume(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "fw.zip")
	if err := os.WriteFile(source, []byte("zip"), 0o644); err != nil {
		t.Fatalf("failed to write source: %v", err)
	}

	dd, err := Acquire(source, true)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if dd.Lifecycle != PersistentNew {
		t.Fatalf("expected PersistentNew, got %v", dd.Lifecycle)
	}
	wantDir := filepath.Join(dir, "fw")
	if dd.Path != wantDir {
		t.Errorf("expected sibling dir %s, got %s", wantDir, dd.Path)
	}
	if err := dd.Release(); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if _, statErr := os.Stat(wantDir); statErr != nil {
		t.Errorf("persistent dir should survive Release: %v", statErr)
	}

	dd2, err := Acquire(source, true)
	if err != nil {
		t.Fatalf("second Acquire returned error: %v", err)
	}
	if dd2.Lifecycle != PersistentExisting {
		t.Errorf("expected PersistentExisting on resume, got %v", dd2.Lifecycle)
	}
}

func TestAcquirePersistentNewSiblingStripsOnlyLastExtension(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "fw.tar.gz")
	if err := os.WriteFile(source, []byte("tar.gz"), 0o644); err != nil {
		t.Fatalf("failed to write source: %v", err)
	}

	dd, err := Acquire(source, true)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	wantDir := filepath.Join(dir, "fw.tar")
	if dd.Path != wantDir {
		t.Errorf("expected sibling dir %s, got %s", wantDir, dd.Path)
	}
}

func TestAcquireUnexpectedFileType(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "fw.zip")
	if err := os.WriteFile(source, []byte("zip"), 0o644); err != nil {
		t.Fatalf("failed to write source: %v", err)
	}
	// Sibling path exists but is a regular file, not a directory.
	if err := os.WriteFile(filepath.Join(dir, "fw"), []byte("oops"), 0o644); err != nil {
		t.Fatalf("failed to write sibling file: %v", err)
	}

	_, err := Acquire(source, true)
	if !errors.Is(err, firmware.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestAcquireSourceMissing(t *testing.T) {
	_, err := Acquire(filepath.Join(t.TempDir(), "nope.zip"), false)
	if !errors.Is(err, firmware.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for missing source, got %v", err)
	}
}

func TestStubEmptyAndPartitionExists(t *testing.T) {
	dir := t.TempDir()
	if PartitionExists(dir, "system") {
		t.Fatal("expected system to not exist yet")
	}
	if err := StubEmpty(dir, "system"); err != nil {
		t.Fatalf("StubEmpty returned error: %v", err)
	}
	if !PartitionExists(dir, "system") {
		t.Error("expected system to exist after StubEmpty")
	}
}
