package toolrunner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/open-edge-platform/firmware-extract/internal/firmware"
)

func writeFakeTool(t *testing.T, dir, name, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool scripts require a POSIX shell")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write fake tool %s: %v", path, err)
	}
}

func TestResolveFindsAndCachesTool(t *testing.T) {
	ResetCache()
	dir := t.TempDir()
	writeFakeTool(t, dir, "faketool", "exit 0")
	t.Setenv("PATH", dir)

	path, err := Resolve("faketool")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("expected resolved path under %s, got %s", dir, path)
	}

	// Remove PATH entirely; the cached result should still be returned.
	t.Setenv("PATH", "")
	if cached, err := Resolve("faketool"); err != nil || cached != path {
		t.Errorf("expected cached resolution %s, got %s (err=%v)", path, cached, err)
	}
}

func TestResolveMissingToolIsConfigurationError(t *testing.T) {
	ResetCache()
	t.Setenv("PATH", t.TempDir())

	_, err := Resolve("does-not-exist-anywhere")
	if !errors.Is(err, firmware.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestRunParallelNonFatalReportsPerCommandFailure(t *testing.T) {
	ResetCache()
	dir := t.TempDir()
	writeFakeTool(t, dir, "ok", "exit 0")
	writeFakeTool(t, dir, "fail", "exit 1")
	t.Setenv("PATH", dir)

	batch := Batch{
		Cmds: []Cmd{
			{Tool: "ok", Label: "ok-one"},
			{Tool: "fail", Label: "fail-one"},
		},
		Fatal: false,
	}

	results, err := RunParallel(context.Background(), batch)
	if err != nil {
		t.Fatalf("non-fatal batch returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	byLabel := map[string]Result{}
	for _, r := range results {
		byLabel[r.Cmd.Label] = r
	}
	if byLabel["ok-one"].Err != nil {
		t.Errorf("expected ok-one to succeed, got %v", byLabel["ok-one"].Err)
	}
	if byLabel["fail-one"].Err == nil {
		t.Errorf("expected fail-one to fail")
	}
}

func TestRunParallelFatalAbortsOnFirstFailure(t *testing.T) {
	ResetCache()
	dir := t.TempDir()
	writeFakeTool(t, dir, "fail", "exit 3")
	t.Setenv("PATH", dir)

	batch := Batch{
		Cmds:  []Cmd{{Tool: "fail", Label: "fail-one"}},
		Fatal: true,
	}

	_, err := RunParallel(context.Background(), batch)
	if !errors.Is(err, firmware.ErrFormat) {
		t.Fatalf("expected ErrFormat for a fatal batch failure, got %v", err)
	}
}
