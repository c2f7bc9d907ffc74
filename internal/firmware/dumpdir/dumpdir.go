// Package dumpdir implements the acquisition matrix that turns a
// caller-supplied source (a directory or an archive file) into a scoped
// working directory; a source that does not exist is a configuration
// error. This is C4 in the design.
package dumpdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/open-edge-platform/firmware-extract/internal/firmware"
	"github.com/open-edge-platform/firmware-extract/internal/utils/logger"
)

var log = logger.Logger()

// Lifecycle tags a DumpDir's release semantics.
type Lifecycle int

const (
	// SourceIsDir: the source itself was a directory; never removed.
	SourceIsDir Lifecycle = iota
	// Ephemeral: an unnamed temp dir created for a one-shot extraction;
	// removed on Release.
	Ephemeral
	// PersistentNew: a named sibling directory created fresh for
	// keep_dump=true; left on disk after Release.
	PersistentNew
	// PersistentExisting: a named sibling directory that already
	// existed (resume mode); left on disk after Release.
	PersistentExisting
)

// DumpDir is the scoped directory handed to every later pipeline stage.
type DumpDir struct {
	Path      string
	Lifecycle Lifecycle
	// IsArchive is true when Source names a file that still needs C5 to
	// stream members out of it; false when the source was already a
	// directory.
	IsArchive bool
	Source    string
}

// Release implements the scoped-resource contract: ephemeral
// directories are removed unconditionally; every other lifecycle is
// left in place (persistent dirs specifically so a later resumed run
// can reuse them, per spec.md §4.4's resume semantics).
func (d *DumpDir) Release() error {
	if d.Lifecycle != Ephemeral {
		return nil
	}
	if err := os.RemoveAll(d.Path); err != nil {
		return fmt.Errorf("failed to remove ephemeral dump dir %s: %w", d.Path, err)
	}
	return nil
}

// Acquire resolves source into a DumpDir per the matrix in spec.md
// §4.4. keepDump only matters when source is a file: it decides
// between a disposable temp directory and a persistent sibling
// directory (new or reused, depending on whether that sibling already
// exists).
func Acquire(source string, keepDump bool) (*DumpDir, error) {
	info, err := os.Stat(source)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: source not found: %s", firmware.ErrConfiguration, source)
		}
		return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
	}

	if info.IsDir() {
		log.Debugf("dump dir: source %s is already a directory", source)
		return &DumpDir{Path: source, Lifecycle: SourceIsDir, IsArchive: false, Source: source}, nil
	}

	if !keepDump {
		tmp, err := os.MkdirTemp("", "firmware-extract-"+uuid.NewString())
		if err != nil {
			return nil, fmt.Errorf("failed to create ephemeral dump dir: %w", err)
		}
		log.Debugf("dump dir: created ephemeral %s for %s", tmp, source)
		return &DumpDir{Path: tmp, Lifecycle: Ephemeral, IsArchive: true, Source: source}, nil
	}

	sibling := siblingDir(source)
	siblingInfo, err := os.Stat(sibling)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(sibling, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persistent dump dir %s: %w", sibling, err)
		}
		log.Debugf("dump dir: created persistent %s for %s", sibling, source)
		return &DumpDir{Path: sibling, Lifecycle: PersistentNew, IsArchive: true, Source: source}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to stat sibling dir %s: %w", sibling, err)
	case !siblingInfo.IsDir():
		return nil, fmt.Errorf("%w: unexpected file type at %s", firmware.ErrConfiguration, sibling)
	default:
		log.Debugf("dump dir: resuming existing %s for %s", sibling, source)
		return &DumpDir{Path: sibling, Lifecycle: PersistentExisting, IsArchive: true, Source: source}, nil
	}
}

// siblingDir strips source's final extension, joining the result back
// onto its parent directory: "foo/bar.tar.gz" becomes "foo/bar.tar",
// matching the original's os.path.splitext (which strips only the last
// extension component, not every dot-delimited suffix).
func siblingDir(source string) string {
	dir := filepath.Dir(source)
	base := filepath.Base(source)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, base)
}

// PartitionExists reports whether dir already has a directory entry for
// partition, used by the pipeline's resume pruning (C6 entry) to decide
// whether a requested partition's work is already done.
func PartitionExists(dir, partition string) bool {
	info, err := os.Stat(filepath.Join(dir, partition))
	return err == nil && info.IsDir()
}

// StubEmpty materialises partition as an empty directory inside dir.
// Called when a requested partition was never produced by any stage,
// so that resumed runs (PartitionExists) treat it as already handled
// rather than retrying indefinitely.
func StubEmpty(dir, partition string) error {
	path := filepath.Join(dir, partition)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to stub empty partition dir %s: %w", path, err)
	}
	return nil
}
