// Package firmware holds the data model shared by every stage of the
// partition extraction pipeline: the ExtractionContext the caller builds,
// and the PartitionArtefact and ChunkSet record types. The magic scanner
// and the pipeline work on plain file paths and do not construct these
// records.
package firmware

import "errors"

// Sentinel errors distinguishing the error kinds named in the design:
// ConfigurationError, FormatError and HookError are fatal; ProbeMiss and
// MissingPartition are not errors at all (they are recorded and logged,
// respectively) so they have no sentinel here.
var (
	// ErrConfiguration marks a missing helper binary, an unknown source
	// file type, or an unexpected non-directory at an expected directory
	// slot.
	ErrConfiguration = errors.New("firmware: configuration error")
	// ErrFormat marks a recognised container whose decoder exited
	// non-zero during a fatal-batching stage.
	ErrFormat = errors.New("firmware: format error")
	// ErrHook marks an unhandled error raised by a user-supplied
	// extract-fn hook.
	ErrHook = errors.New("firmware: hook error")
)

// DefaultRequestedPartitions is the default partition set materialised
// when the caller does not specify one.
var DefaultRequestedPartitions = []string{"odm", "product", "system", "system_ext", "vendor"}

// HookFn is a user-supplied callback invoked for every dump-dir file whose
// basename matches a registered pattern. It returns the path of a file it
// consumed (which the hook runner then deletes once scanning completes)
// and whether it consumed one at all.
type HookFn func(ctx *ExtractionContext, filePath, dumpDir string) (consumed string, ok bool)

// ExtractionContext lives for one extract run. It is built by the caller
// (the CLI or an embedding program) and is never mutated by the pipeline
// in place — see Augmented.
type ExtractionContext struct {
	// RequestedPartitions is the ordered, deduplicated set of partition
	// names the caller wants materialised as directories.
	RequestedPartitions []string
	// FirmwarePartitions are additional partitions to unpack from
	// payload-style containers without requiring a top-level directory.
	FirmwarePartitions []string
	// ExtraPartitions is an internal accumulator the pipeline uses to
	// steer intermediate stages (e.g. "super"). Callers may seed it but
	// the pipeline only ever appends to its own derived copy.
	ExtraPartitions []string
	// FirmwareFiles, FactoryFiles and ExtraFiles are exact member names
	// (as opposed to partition-prefixed names) of interest when
	// unpacking the outer archive.
	FirmwareFiles []string
	FactoryFiles  []string
	ExtraFiles    []string
	// ExtractFns maps a regular-expression pattern to the hooks invoked
	// for files whose basename matches it.
	ExtractFns map[string][]HookFn
	// ExtractAll, when true, makes the archive unpacker copy every
	// member regardless of the filters above.
	ExtractAll bool
	// KeepDump governs dump-directory lifecycle: see the dumpdir package.
	KeepDump bool
}

// NewExtractionContext builds a context with the default requested
// partition set and an empty ExtractFns map.
func NewExtractionContext() *ExtractionContext {
	return &ExtractionContext{
		RequestedPartitions: append([]string(nil), DefaultRequestedPartitions...),
		ExtractFns:          make(map[string][]HookFn),
	}
}

// Normalize deduplicates every partition/file slice in place, preserving
// first-seen order. Callers should call this once after populating a
// context by hand (NewExtractionContext's default is already normalized).
func (c *ExtractionContext) Normalize() {
	c.RequestedPartitions = dedupe(c.RequestedPartitions)
	c.FirmwarePartitions = dedupe(c.FirmwarePartitions)
	c.ExtraPartitions = dedupe(c.ExtraPartitions)
	c.FirmwareFiles = dedupe(c.FirmwareFiles)
	c.FactoryFiles = dedupe(c.FactoryFiles)
	c.ExtraFiles = dedupe(c.ExtraFiles)
}

// Augmented returns a shallow copy of c with the pipeline's start-of-run
// bookkeeping applied (C6 stage 1): "super" is added to ExtraPartitions
// and "payload.bin" to ExtraFiles, steering the archive unpacker and
// preventing it from over-filtering those members. The caller-visible
// context passed to Augmented is left untouched, matching the "mutated
// in place -> explicit phases" design note.
func (c *ExtractionContext) Augmented() *ExtractionContext {
	derived := *c
	derived.ExtraPartitions = dedupe(append(append([]string(nil), c.ExtraPartitions...), "super"))
	derived.ExtraFiles = dedupe(append(append([]string(nil), c.ExtraFiles...), "payload.bin"))
	derived.RequestedPartitions = append([]string(nil), c.RequestedPartitions...)
	derived.FirmwarePartitions = append([]string(nil), c.FirmwarePartitions...)
	derived.FirmwareFiles = append([]string(nil), c.FirmwareFiles...)
	derived.FactoryFiles = append([]string(nil), c.FactoryFiles...)
	return &derived
}

// CombinedPartitions returns the union of requested, firmware and extra
// partitions, as used by the archive unpacker's filter policy and the
// payload/super probe loops.
func (c *ExtractionContext) CombinedPartitions() []string {
	return dedupe(concat(c.RequestedPartitions, c.FirmwarePartitions, c.ExtraPartitions))
}

// CombinedFiles returns the union of the three exact-name file allowlists.
func (c *ExtractionContext) CombinedFiles() []string {
	return dedupe(concat(c.FirmwareFiles, c.FactoryFiles, c.ExtraFiles))
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func concat(slices ...[]string) []string {
	var total int
	for _, s := range slices {
		total += len(s)
	}
	out := make([]string, 0, total)
	for _, s := range slices {
		out = append(out, s...)
	}
	return out
}

// PartitionFormat identifies the container format a file was classified
// as by the magic scanner (C1).
type PartitionFormat int

const (
	FormatUnknown PartitionFormat = iota
	FormatPayloadBin
	FormatSuperImg
	FormatSparseRawChunk
	FormatBrotli
	FormatSparseData
	FormatEROFS
	FormatEXT4
	FormatDirectory
)

// String renders the format the way log lines and diagnostics do.
func (f PartitionFormat) String() string {
	switch f {
	case FormatPayloadBin:
		return "payload_bin"
	case FormatSuperImg:
		return "super_img"
	case FormatSparseRawChunk:
		return "sparse_raw_chunk"
	case FormatBrotli:
		return "brotli"
	case FormatSparseData:
		return "sparse_data"
	case FormatEROFS:
		return "erofs"
	case FormatEXT4:
		return "ext4"
	case FormatDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// PartitionArtefact describes one classified file: its path, the
// partition it belongs to and its container format. It is never
// persisted; the magic scanner itself returns formats and paths rather
// than PartitionArtefact values.
type PartitionArtefact struct {
	Path      string
	Partition string
	Format    PartitionFormat
}

// ChunkSet groups the sparse-raw chunks of a single partition, ordered by
// integer chunk index. The pipeline's stage 5 groups chunks in a local
// map keyed by output name and does not build ChunkSet values.
type ChunkSet struct {
	Partition string
	Chunks    []string // already sorted ascending by chunk index
}
