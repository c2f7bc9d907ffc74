// Package magic classifies files inside a dump directory by magic bytes
// or, for a couple of extension-only formats, by name. This is C1 in the
// design: pure I/O plus byte comparison, where an unrecognised file is
// simply reported unknown rather than treated as an error.
package magic

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-edge-platform/firmware-extract/internal/firmware"
	"github.com/open-edge-platform/firmware-extract/internal/firmware/partition"
)

const (
	brotliSuffix     = ".new.dat.br"
	sparseDataSuffix = ".new.dat"
)

// Magic byte sequences, little-endian per spec.md §4.1.
var (
	sparseRawMagic = []byte{0x3A, 0xFF, 0x26, 0xED} // LE 0xED26FF3A @ offset 0
	erofsMagic     = []byte{0xE2, 0xE1, 0xF5, 0xE0} // LE 0xE0F5E1E2 @ offset 1024
	ext4Magic      = []byte{0x53, 0xEF}             // LE 0xEF53 @ offset 1080
	payloadMagic   = []byte("CrAU")                 // @ offset 0
	superMagic     = []byte{0x67, 0x44, 0x6C, 0x61}  // LE 0x616C4467 @ offset 4096
)

// ClassifyFile identifies the container format of a single regular file.
// The first table hit wins; ties cannot occur because the two entries
// sharing offset 0 (payload and sparse-raw) have different magic bytes
// and every other entry has its own offset. A file that matches nothing
// is FormatUnknown, not an error.
func ClassifyFile(path string) (firmware.PartitionFormat, error) {
	name := filepath.Base(path)
	if strings.HasSuffix(name, brotliSuffix) {
		return firmware.FormatBrotli, nil
	}
	if strings.HasSuffix(name, sparseDataSuffix) {
		return firmware.FormatSparseData, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return firmware.FormatUnknown, err
	}
	defer f.Close()

	checks := []struct {
		offset int64
		magic  []byte
		format firmware.PartitionFormat
	}{
		{0, payloadMagic, firmware.FormatPayloadBin},
		{0, sparseRawMagic, firmware.FormatSparseRawChunk},
		{1024, erofsMagic, firmware.FormatEROFS},
		{1080, ext4Magic, firmware.FormatEXT4},
		{4096, superMagic, firmware.FormatSuperImg},
	}

	for _, c := range checks {
		ok, err := matchAt(f, c.offset, c.magic)
		if err != nil {
			return firmware.FormatUnknown, err
		}
		if ok {
			return c.format, nil
		}
	}
	return firmware.FormatUnknown, nil
}

func matchAt(r io.ReaderAt, offset int64, magic []byte) (bool, error) {
	buf := make([]byte, len(magic))
	n, err := r.ReadAt(buf, offset)
	if err != nil {
		// A file shorter than the probe offset simply doesn't match;
		// this is not a scanner error.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return n == len(magic), nil
}

// FindFiles scans dir for regular files whose partition (file name up to
// the first '.') or whose exact file name is in wanted, then narrows by
// an optional extension suffix and/or magic-byte probe. A nil wanted
// disables the name filter entirely. This mirrors the original
// find_files helper used by every find_<format>_paths wrapper below.
func FindFiles(dir string, wanted []string, ext string, offset int64, magic []byte) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var wantedSet map[string]struct{}
	if wanted != nil {
		wantedSet = make(map[string]struct{}, len(wanted))
		for _, w := range wanted {
			wantedSet[w] = struct{}{}
		}
	}

	var out []string
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		name := e.Name()

		if wantedSet != nil {
			_, byPartition := wantedSet[partition.FileToPartition(name)]
			_, byName := wantedSet[name]
			if !byPartition && !byName {
				continue
			}
		}

		if ext != "" && !strings.HasSuffix(name, ext) {
			continue
		}

		full := filepath.Join(dir, name)
		if magic != nil {
			ok, err := matchAtPath(full, offset, magic)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}

		out = append(out, full)
	}
	return out, nil
}

func matchAtPath(path string, offset int64, magic []byte) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	return matchAt(f, offset, magic)
}

// FindSparseRaw finds sparse-raw images (and super.img, which is also a
// sparse-raw container before desparsification) among wanted partitions.
func FindSparseRaw(dir string, wanted []string) ([]string, error) {
	return FindFiles(dir, wanted, "", 0, sparseRawMagic)
}

// FindEROFS finds EROFS filesystem images among wanted partitions.
func FindEROFS(dir string, wanted []string) ([]string, error) {
	return FindFiles(dir, wanted, "", 1024, erofsMagic)
}

// FindEXT4 finds EXT4 filesystem images among wanted partitions.
func FindEXT4(dir string, wanted []string) ([]string, error) {
	return FindFiles(dir, wanted, "", 1080, ext4Magic)
}

// FindPayload finds the OTA payload container. wanted is normally just
// []string{"payload.bin"}.
func FindPayload(dir string, wanted []string) ([]string, error) {
	return FindFiles(dir, wanted, "", 0, payloadMagic)
}

// FindSuperImg finds the super partition container. wanted is normally
// just []string{"super.img"}.
func FindSuperImg(dir string, wanted []string) ([]string, error) {
	return FindFiles(dir, wanted, "", 4096, superMagic)
}

// FindBrotli finds brotli-wrapped sparse-data files among wanted
// partitions.
func FindBrotli(dir string, wanted []string) ([]string, error) {
	return FindFiles(dir, wanted, brotliSuffix, 0, nil)
}

// FindSparseData finds sparse-data (.new.dat) files among wanted
// partitions.
func FindSparseData(dir string, wanted []string) ([]string, error) {
	return FindFiles(dir, wanted, sparseDataSuffix, 0, nil)
}
