// Package unpack streams selected members out of an outer archive (ZIP
// or TAR in its plain/gzip/xz flavors) into a dump directory, flattening
// every member path to its basename. This is C5 in the design.
package unpack

import (
	"archive/tar"
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"

	"github.com/open-edge-platform/firmware-extract/internal/firmware"
	"github.com/open-edge-platform/firmware-extract/internal/firmware/partition"
	"github.com/open-edge-platform/firmware-extract/internal/utils/logger"
)

var log = logger.Logger()

// zipWorkers bounds the concurrent-copy fan-out for ZIP extraction.
const zipWorkers = 4

// Select implements the member-filtering policy of spec.md §4.5: a
// member is kept if extract_all is set, or its basename is in the
// file-level allowlist, or its derived partition (or its raw basename)
// is in the combined partition allowlist, or its basename matches any
// registered extract_fn pattern. Callers that need the "seek alternates"
// expansion (spec.md §4.5, a partition only reachable via
// partition.AlternatePathMap) must pass a ctx whose partitions were
// already widened by expandAlternatePartitions — Select itself only
// ever checks ctx.CombinedPartitions() as given.
func Select(basename string, ctx *firmware.ExtractionContext) bool {
	if ctx.ExtractAll {
		return true
	}
	if containsString(ctx.CombinedFiles(), basename) {
		return true
	}

	combined := ctx.CombinedPartitions()
	part := partition.FileToPartition(basename)
	if containsString(combined, part) || containsString(combined, basename) {
		return true
	}

	for pattern := range ctx.ExtractFns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if matchesAnchored(re, basename) {
			return true
		}
	}
	return false
}

// matchesAnchored reports whether re matches name starting at position 0,
// mirroring Python's re.match (anchored at the start, not required to
// consume the whole string) rather than Go's MatchString (matches
// anywhere in the string).
func matchesAnchored(re *regexp.Regexp, name string) bool {
	loc := re.FindStringIndex(name)
	return loc != nil && loc[0] == 0
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// expandAlternatePartitions implements spec.md §4.5's "seek alternates"
// iteration, mirroring the original's filter_files/find_alternate_partitions
// while-loop: partition-only matching repeats against
// partition.FindAlternates-discovered names until no further alternate is
// found, widening the partition set a member can match against beyond
// ctx.CombinedPartitions() alone. It returns a derived context whose
// ExtraPartitions carries every partition discovered this way, leaving ctx
// itself untouched.
func expandAlternatePartitions(ctx *firmware.ExtractionContext, basenames []string) *firmware.ExtractionContext {
	if ctx.ExtractAll {
		return ctx
	}

	current := ctx.CombinedPartitions()
	discovered := append([]string(nil), current...)
	found := make(map[string]struct{}, len(current))

	for len(current) > 0 {
		for _, name := range basenames {
			if containsString(current, name) {
				found[name] = struct{}{}
				continue
			}
			p := partition.FileToPartition(name)
			if containsString(current, p) {
				found[p] = struct{}{}
			}
		}

		next := partition.FindAlternates(current, found)
		if len(next) == 0 {
			break
		}
		discovered = append(discovered, next...)
		current = next
	}

	derived := *ctx
	derived.ExtraPartitions = dedupeStrings(append(append([]string(nil), ctx.ExtraPartitions...), discovered...))
	return &derived
}

// Extract dispatches archivePath by extension into destDir, applying
// Select against ctx. Unrecognised extensions are a
// firmware.ErrConfiguration (spec.md §4.5's "unexpected file type").
func Extract(ctx context.Context, archivePath, destDir string, extractCtx *firmware.ExtractionContext) error {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(archivePath, destDir, extractCtx)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(archivePath, destDir, extractCtx)
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return extractTarXz(archivePath, destDir, extractCtx)
	case strings.HasSuffix(lower, ".tar"):
		return extractTarPlain(archivePath, destDir, extractCtx)
	default:
		return fmt.Errorf("%w: unexpected archive file type: %s", firmware.ErrConfiguration, archivePath)
	}
}

func extractZip(archivePath, destDir string, ctx *firmware.ExtractionContext) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip %s: %w", archivePath, err)
	}
	defer r.Close()

	basenames := make([]string, 0, len(r.File))
	for _, f := range r.File {
		if !f.FileInfo().IsDir() {
			basenames = append(basenames, filepath.Base(f.Name))
		}
	}
	derived := expandAlternatePartitions(ctx, basenames)

	var selected []*zip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		base := filepath.Base(f.Name)
		if Select(base, derived) {
			selected = append(selected, f)
		}
	}

	log.Infof("extracting %d/%d members from %s", len(selected), len(r.File), archivePath)

	bar := progressbar.Default(int64(len(selected)), "unpacking "+filepath.Base(archivePath))

	jobs := make(chan *zip.File)
	errs := make(chan error, len(selected))
	var wg sync.WaitGroup
	for i := 0; i < zipWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				if err := copyZipMember(f, destDir); err != nil {
					errs <- err
					continue
				}
				_ = bar.Add(1)
			}
		}()
	}

	for _, f := range selected {
		jobs <- f
	}
	close(jobs)
	wg.Wait()
	close(errs)

	for err := range errs {
		return err
	}
	return nil
}

func copyZipMember(f *zip.File, destDir string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open zip member %s: %w", f.Name, err)
	}
	defer rc.Close()

	dst := filepath.Join(destDir, filepath.Base(f.Name))
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode().Perm()|0o200)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("failed to copy zip member %s: %w", f.Name, err)
	}
	return nil
}

func extractTarPlain(archivePath, destDir string, ctx *firmware.ExtractionContext) error {
	open := func() (io.ReadCloser, error) { return os.Open(archivePath) }
	return extractTarGeneric(archivePath, open, destDir, ctx)
}

func extractTarGz(archivePath, destDir string, ctx *firmware.ExtractionContext) error {
	open := func() (io.ReadCloser, error) {
		f, err := os.Open(archivePath)
		if err != nil {
			return nil, err
		}
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return gzipReadCloser{gz, f}, nil
	}
	return extractTarGeneric(archivePath, open, destDir, ctx)
}

func extractTarXz(archivePath, destDir string, ctx *firmware.ExtractionContext) error {
	open := func() (io.ReadCloser, error) {
		f, err := os.Open(archivePath)
		if err != nil {
			return nil, err
		}
		xr, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return xzReadCloser{xr, f}, nil
	}
	return extractTarGeneric(archivePath, open, destDir, ctx)
}

// gzipReadCloser closes both the gzip stream and the underlying file.
type gzipReadCloser struct {
	*gzip.Reader
	f *os.File
}

func (g gzipReadCloser) Close() error {
	gErr := g.Reader.Close()
	fErr := g.f.Close()
	if gErr != nil {
		return gErr
	}
	return fErr
}

// xzReadCloser pairs an xz.Reader (which has no Close of its own) with
// the underlying file it reads from.
type xzReadCloser struct {
	*xz.Reader
	f *os.File
}

func (x xzReadCloser) Close() error {
	return x.f.Close()
}

// extractTarGeneric implements spec.md §4.5's two-phase filtering for
// streamed (non-seekable) tar containers: a first pass reads every
// member's name to compute the alternate-expanded partition set
// (expandAlternatePartitions needs the full archive member list up
// front, same as the original's filter_extract_file_paths), then a
// second pass re-opens the stream and copies the selected members.
func extractTarGeneric(archivePath string, open func() (io.ReadCloser, error), destDir string, ctx *firmware.ExtractionContext) error {
	namesRC, err := open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", archivePath, err)
	}
	basenames, err := collectTarNames(tar.NewReader(namesRC))
	namesRC.Close()
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", archivePath, err)
	}
	derived := expandAlternatePartitions(ctx, basenames)

	rc, err := open()
	if err != nil {
		return fmt.Errorf("failed to reopen %s: %w", archivePath, err)
	}
	defer rc.Close()
	return copyTarStream(tar.NewReader(rc), destDir, derived)
}

func collectTarNames(tr *tar.Reader) ([]string, error) {
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		names = append(names, filepath.Base(hdr.Name))
	}
	return names, nil
}

func copyTarStream(tr *tar.Reader, destDir string, ctx *firmware.ExtractionContext) error {
	var selectedCount, totalCount int
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		totalCount++

		base := filepath.Base(hdr.Name)
		if !Select(base, ctx) {
			continue
		}
		selectedCount++

		dst := filepath.Join(destDir, base)
		mode := os.FileMode(hdr.Mode).Perm() | 0o200
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", dst, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("failed to copy tar entry %s: %w", hdr.Name, err)
		}
		out.Close()
	}
	log.Infof("extracted %d/%d tar entries", selectedCount, totalCount)
	return nil
}
