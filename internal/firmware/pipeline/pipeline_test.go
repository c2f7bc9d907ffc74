package pipeline

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/open-edge-platform/firmware-extract/internal/firmware"
	"github.com/open-edge-platform/firmware-extract/internal/firmware/dumpdir"
	"github.com/open-edge-platform/firmware-extract/internal/firmware/toolrunner"
)

// writeFakeOtaExtractor installs a stand-in for the payload extractor on
// PATH: it "succeeds" (mkdir's the partition) for every name in
// knownPartitions and fails for everything else, mimicking the probing
// behavior the real tool exhibits against a container that doesn't
// contain a given partition.
func writeFakeOtaExtractor(t *testing.T, dir string, knownPartitions ...string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool scripts require a POSIX shell")
	}

	script := "#!/bin/sh\nset -e\noutdir=\"\"\npart=\"\"\nwhile [ $# -gt 0 ]; do\n  case \"$1\" in\n    --output-dir) outdir=\"$2\"; shift 2 ;;\n    --partitions) part=\"$2\"; shift 2 ;;\n    *) shift ;;\n  esac\ndone\ncase \" " + joinSpace(knownPartitions) + " \" in\n  *\" $part \"*) mkdir -p \"$outdir/$part\"; exit 0 ;;\n  *) exit 1 ;;\nesac\n"

	path := filepath.Join(dir, "ota_extractor")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake ota_extractor: %v", err)
	}
}

func joinSpace(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

func writeZipWithPayload(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create("payload.bin")
	if err != nil {
		t.Fatalf("failed to create payload.bin entry: %v", err)
	}
	if _, err := w.Write([]byte("CrAUfakepayloadcontents")); err != nil {
		t.Fatalf("failed to write payload.bin contents: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
}

func TestRunPayloadOnlyScenario(t *testing.T) {
	toolrunner.ResetCache()
	toolDir := t.TempDir()
	writeFakeOtaExtractor(t, toolDir, "system", "vendor", "product")
	t.Setenv("PATH", toolDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	workDir := t.TempDir()
	archivePath := filepath.Join(workDir, "fw.zip")
	writeZipWithPayload(t, archivePath)

	ctx := firmware.NewExtractionContext()
	ctx.RequestedPartitions = []string{"system", "vendor", "product"}

	dd, err := dumpdir.Acquire(archivePath, false)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	defer dd.Release()

	if err := Run(context.Background(), ctx, dd); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	for _, p := range ctx.RequestedPartitions {
		if !dumpdir.PartitionExists(dd.Path, p) {
			t.Errorf("expected partition directory for %s", p)
		}
	}
	if _, err := os.Stat(filepath.Join(dd.Path, "payload.bin")); !os.IsNotExist(err) {
		t.Errorf("expected payload.bin to be deleted after extraction")
	}
}

func TestRunStubsUnproducedPartitions(t *testing.T) {
	toolrunner.ResetCache()
	toolDir := t.TempDir()
	writeFakeOtaExtractor(t, toolDir, "system")
	t.Setenv("PATH", toolDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	workDir := t.TempDir()
	archivePath := filepath.Join(workDir, "fw.zip")
	writeZipWithPayload(t, archivePath)

	ctx := firmware.NewExtractionContext()
	ctx.RequestedPartitions = []string{"system", "missing_partition"}

	dd, err := dumpdir.Acquire(archivePath, false)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	defer dd.Release()

	if err := Run(context.Background(), ctx, dd); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if !dumpdir.PartitionExists(dd.Path, "missing_partition") {
		t.Errorf("expected missing_partition to be stubbed as an empty directory")
	}
	entries, err := os.ReadDir(filepath.Join(dd.Path, "missing_partition"))
	if err != nil {
		t.Fatalf("failed to read stub dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected stub directory to be empty, got %v", entries)
	}
}

func TestPruneCompletedSkipsExistingPartitions(t *testing.T) {
	dir := t.TempDir()
	if err := dumpdir.StubEmpty(dir, "system"); err != nil {
		t.Fatalf("StubEmpty returned error: %v", err)
	}

	got := PruneCompleted(dir, []string{"system", "vendor"})
	if len(got) != 1 || got[0] != "vendor" {
		t.Errorf("expected only vendor to remain, got %v", got)
	}
}
