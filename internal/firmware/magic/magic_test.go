package magic

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/open-edge-platform/firmware-extract/internal/firmware"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestClassifyFileByMagic(t *testing.T) {
	dir := t.TempDir()

	payload := writeFile(t, dir, "payload.bin", []byte("CrAUsomefakepayloaddata"))
	sparseRaw := writeFile(t, dir, "system.img", sparseRawMagic)

	erofsBuf := make([]byte, 1024+len(erofsMagic))
	copy(erofsBuf[1024:], erofsMagic)
	erofs := writeFile(t, dir, "vendor.img", erofsBuf)

	ext4Buf := make([]byte, 1080+len(ext4Magic))
	copy(ext4Buf[1080:], ext4Magic)
	ext4 := writeFile(t, dir, "product.img", ext4Buf)

	superBuf := make([]byte, 4096+len(superMagic))
	copy(superBuf[4096:], superMagic)
	super := writeFile(t, dir, "super.img", superBuf)

	unknown := writeFile(t, dir, "mystery.bin", []byte("nope"))

	cases := []struct {
		path string
		want firmware.PartitionFormat
	}{
		{payload, firmware.FormatPayloadBin},
		{sparseRaw, firmware.FormatSparseRawChunk},
		{erofs, firmware.FormatEROFS},
		{ext4, firmware.FormatEXT4},
		{super, firmware.FormatSuperImg},
		{unknown, firmware.FormatUnknown},
	}

	for _, c := range cases {
		got, err := ClassifyFile(c.path)
		if err != nil {
			t.Fatalf("ClassifyFile(%s) error: %v", c.path, err)
		}
		if got != c.want {
			t.Errorf("ClassifyFile(%s) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestClassifyFileByExtension(t *testing.T) {
	dir := t.TempDir()
	brotli := writeFile(t, dir, "system.new.dat.br", []byte("whatever"))
	sparseData := writeFile(t, dir, "system.new.dat", []byte("whatever"))

	if got, _ := ClassifyFile(brotli); got != firmware.FormatBrotli {
		t.Errorf("expected brotli, got %v", got)
	}
	if got, _ := ClassifyFile(sparseData); got != firmware.FormatSparseData {
		t.Errorf("expected sparse data, got %v", got)
	}
}

func TestFindFilesFiltersByWantedPartition(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "system.img", sparseRawMagic)
	writeFile(t, dir, "vendor.img", sparseRawMagic)
	writeFile(t, dir, "odm.img", []byte("not sparse raw at all"))

	got, err := FindSparseRaw(dir, []string{"system"})
	if err != nil {
		t.Fatalf("FindSparseRaw error: %v", err)
	}
	if len(got) != 1 || filepath.Base(got[0]) != "system.img" {
		t.Fatalf("expected only system.img, got %v", got)
	}
}

func TestFindFilesNilWantedMatchesEverything(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.new.dat.br", nil)
	writeFile(t, dir, "b.new.dat.br", nil)

	got, err := FindBrotli(dir, nil)
	if err != nil {
		t.Fatalf("FindBrotli error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 brotli files, got %d: %v", len(got), got)
	}
}

func TestClassifyFileShortFileIsUnknown(t *testing.T) {
	dir := t.TempDir()
	short := writeFile(t, dir, "tiny.img", []byte{0x01, 0x02})

	got, err := ClassifyFile(short)
	if err != nil {
		t.Fatalf("unexpected error for short file: %v", err)
	}
	if got != firmware.FormatUnknown {
		t.Errorf("expected unknown for short file, got %v", got)
	}
}
