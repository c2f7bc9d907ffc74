// Package pipeline implements the fourteen-stage extraction pipeline
// (C6): it drives C1 (magic), C2 (tool runner), C3 (partition
// resolver), C5 (archive unpacker), C7 (layout) and C8 (hooks) in the
// fixed order spec.md §4.6 requires.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/open-edge-platform/firmware-extract/internal/firmware"
	"github.com/open-edge-platform/firmware-extract/internal/firmware/dumpdir"
	"github.com/open-edge-platform/firmware-extract/internal/firmware/hooks"
	"github.com/open-edge-platform/firmware-extract/internal/firmware/layout"
	"github.com/open-edge-platform/firmware-extract/internal/firmware/magic"
	"github.com/open-edge-platform/firmware-extract/internal/firmware/partition"
	"github.com/open-edge-platform/firmware-extract/internal/firmware/toolrunner"
	"github.com/open-edge-platform/firmware-extract/internal/firmware/unpack"
	"github.com/open-edge-platform/firmware-extract/internal/utils/logger"
)

var log = logger.Logger()

const (
	toolSimg2Img     = "simg2img"
	toolLpunpack     = "lpunpack"
	toolBrotli       = "brotli"
	toolSdat2Img     = "sdat2img"
	toolOtaExtractor = "ota_extractor"
	toolFsckErofs    = "fsck.erofs"
	toolDebugfs      = "debugfs"

	payloadBinName     = "payload.bin"
	superImgName       = "super.img"
	superPartitionName = "super"
	sparseChunkSuffix  = "_sparsechunk"
)

// PruneCompleted drops every partition from requested whose directory
// already exists inside dumpDirPath, implementing the resume semantics
// of spec.md §4.4: a repeated invocation with keep_dump=true should not
// redo partitions a previous run already produced.
func PruneCompleted(dumpDirPath string, requested []string) []string {
	out := make([]string, 0, len(requested))
	for _, p := range requested {
		if dumpdir.PartitionExists(dumpDirPath, p) {
			log.Debugf("pipeline: skipping already-extracted partition %s", p)
			continue
		}
		out = append(out, p)
	}
	return out
}

// Run executes the full pipeline against an already-acquired dump
// directory, in the fixed stage order of spec.md §4.6.
func Run(ctx context.Context, extractCtx *firmware.ExtractionContext, dd *dumpdir.DumpDir) error {
	// Stage 1: augment context.
	aug := extractCtx.Augmented()
	dumpDir := dd.Path

	// Stage 2: unpack the outer archive, if the source was a file.
	if dd.IsArchive {
		log.Infof("pipeline: extracting archive %s into %s", dd.Source, dumpDir)
		if err := unpack.Extract(ctx, dd.Source, dumpDir, aug); err != nil {
			return err
		}
	}

	// Stage 3: run extract-fn hooks, pass 1.
	if err := hooks.Run(aug, dumpDir); err != nil {
		return err
	}

	// Stage 4: payload.bin.
	payloadPaths, err := magic.FindPayload(dumpDir, []string{payloadBinName})
	if err != nil {
		return fmt.Errorf("failed to scan for %s: %w", payloadBinName, err)
	}
	if len(payloadPaths) > 0 {
		if len(payloadPaths) != 1 {
			return fmt.Errorf("%w: expected exactly one %s, found %d", firmware.ErrFormat, payloadBinName, len(payloadPaths))
		}
		if err := extractPayloadBin(ctx, aug, payloadPaths[0], dumpDir); err != nil {
			return err
		}
		if err := os.Remove(payloadPaths[0]); err != nil {
			return fmt.Errorf("failed to delete %s: %w", payloadPaths[0], err)
		}
	}

	// Stage 5: sparse raw.
	sparseRawWanted := dedupeStrings(append(append([]string(nil), aug.RequestedPartitions...), superPartitionName))
	sparseRawPaths, err := magic.FindSparseRaw(dumpDir, sparseRawWanted)
	if err != nil {
		return fmt.Errorf("failed to scan for sparse raw images: %w", err)
	}
	if len(sparseRawPaths) > 0 {
		if err := extractSparseRawImgs(ctx, sparseRawPaths, dumpDir); err != nil {
			return err
		}
	}

	// Stage 6: super.img.
	superPaths, err := magic.FindSuperImg(dumpDir, []string{superImgName})
	if err != nil {
		return fmt.Errorf("failed to scan for %s: %w", superImgName, err)
	}
	if len(superPaths) > 0 {
		if len(superPaths) != 1 {
			return fmt.Errorf("%w: expected exactly one %s, found %d", firmware.ErrFormat, superImgName, len(superPaths))
		}
		if err := extractSuperImg(ctx, aug, superPaths[0], dumpDir); err != nil {
			return err
		}
		if err := os.Remove(superPaths[0]); err != nil {
			return fmt.Errorf("failed to delete %s: %w", superPaths[0], err)
		}
	}

	// Stage 7: refine requested_partitions.
	refined, err := refineRequestedPartitions(dumpDir, aug.RequestedPartitions)
	if err != nil {
		return err
	}

	// Stage 8: brotli.
	brotliPaths, err := magic.FindBrotli(dumpDir, refined)
	if err != nil {
		return fmt.Errorf("failed to scan for brotli images: %w", err)
	}
	if len(brotliPaths) > 0 {
		if err := extractBrotliImgs(ctx, brotliPaths, dumpDir); err != nil {
			return err
		}
	}

	// Stage 9: sparse data merge.
	sparseDataPaths, err := magic.FindSparseData(dumpDir, refined)
	if err != nil {
		return fmt.Errorf("failed to scan for sparse data images: %w", err)
	}
	if len(sparseDataPaths) > 0 {
		if err := extractSparseDataImgs(ctx, sparseDataPaths, dumpDir); err != nil {
			return err
		}
	}

	// Stage 10: EROFS.
	erofsPaths, err := magic.FindEROFS(dumpDir, refined)
	if err != nil {
		return fmt.Errorf("failed to scan for EROFS images: %w", err)
	}
	if len(erofsPaths) > 0 {
		if err := extractEROFS(ctx, erofsPaths, dumpDir); err != nil {
			return err
		}
	}

	// Stage 11: EXT4.
	ext4Paths, err := magic.FindEXT4(dumpDir, refined)
	if err != nil {
		return fmt.Errorf("failed to scan for EXT4 images: %w", err)
	}
	if len(ext4Paths) > 0 {
		if err := extractEXT4(ctx, ext4Paths, dumpDir); err != nil {
			return err
		}
	}

	// Stage 12: extract-fn hooks, pass 2.
	if err := hooks.Run(aug, dumpDir); err != nil {
		return err
	}

	// Stage 13: layout normalization.
	if err := layout.Normalize(dumpDir); err != nil {
		return err
	}

	// Stage 14: stub any partition the caller asked for but that never
	// materialised, so a resumed run does not retry it forever.
	for _, p := range extractCtx.RequestedPartitions {
		if dumpdir.PartitionExists(dumpDir, p) {
			continue
		}
		log.Warnf("pipeline: partition %s was not extracted, stubbing empty directory", p)
		if err := dumpdir.StubEmpty(dumpDir, p); err != nil {
			return err
		}
	}

	return nil
}

// extractPayloadBin runs the payload extractor, probing every
// candidate name in aug.RequestedPartitions ∪ aug.FirmwarePartitions and
// iterating with find_alternates until the wanted set stabilises.
func extractPayloadBin(ctx context.Context, aug *firmware.ExtractionContext, payloadPath, dumpDir string) error {
	wanted := dedupeStrings(append(append([]string(nil), aug.RequestedPartitions...), aug.FirmwarePartitions...))

	return probeUntilStable(ctx, wanted, func(p string) toolrunner.Cmd {
		return toolrunner.Cmd{
			Tool:  toolOtaExtractor,
			Args:  []string{"--payload", payloadPath, "--output-dir", dumpDir, "--partitions", p},
			Label: p,
		}
	})
}

// probeUntilStable repeats a non-fatal batch over successively
// discovered alternate names until find_alternates makes no further
// progress, per spec.md §4.3.
func probeUntilStable(ctx context.Context, wanted []string, buildCmd func(name string) toolrunner.Cmd) error {
	current := wanted
	found := make(map[string]struct{})

	for len(current) > 0 {
		cmds := make([]toolrunner.Cmd, len(current))
		for i, p := range current {
			cmds[i] = buildCmd(p)
		}

		results, err := toolrunner.RunParallel(ctx, toolrunner.Batch{Cmds: cmds, Fatal: false})
		if err != nil {
			return err
		}

		for _, r := range results {
			if r.Err == nil {
				found[r.Cmd.Label] = struct{}{}
			}
		}

		current = partition.FindAlternates(current, found)
	}
	return nil
}

func partitionChunkIndex(path string) (int, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return 0, fmt.Errorf("chunk path %s has no numeric suffix", path)
	}
	return strconv.Atoi(strings.TrimPrefix(ext, "."))
}

// extractSparseRawImgs groups sparse-raw chunk files by the partition
// image they belong to, renaming lone single-chunk files to
// "<name>_sparsechunk.0" first, then converts each group to a raw image
// with simg2img in one fatal batch, finally deleting every chunk.
func extractSparseRawImgs(ctx context.Context, filePaths []string, outputDir string) error {
	groups := make(map[string][]string)
	groupOrder := make([]string, 0)
	var allChunks []string

	for _, fp := range filePaths {
		name := filepath.Base(fp)
		ext := filepath.Ext(name)
		baseName := strings.TrimSuffix(name, ext)

		var outputName, chunkPath string
		if strings.HasSuffix(baseName, sparseChunkSuffix) {
			outputName = strings.TrimSuffix(baseName, sparseChunkSuffix)
			chunkPath = fp
		} else {
			outputName = name
			chunkPath = fp + sparseChunkSuffix + ".0"
			if err := os.Rename(fp, chunkPath); err != nil {
				return fmt.Errorf("failed to rename sparse chunk %s: %w", fp, err)
			}
		}

		if _, ok := groups[outputName]; !ok {
			groupOrder = append(groupOrder, outputName)
		}
		groups[outputName] = append(groups[outputName], chunkPath)
		allChunks = append(allChunks, chunkPath)
	}

	cmds := make([]toolrunner.Cmd, 0, len(groupOrder))
	for _, outputName := range groupOrder {
		chunks := groups[outputName]
		sort.Slice(chunks, func(i, j int) bool {
			ii, _ := partitionChunkIndex(chunks[i])
			jj, _ := partitionChunkIndex(chunks[j])
			return ii < jj
		})

		outputPath := filepath.Join(outputDir, outputName)
		args := append(append([]string(nil), chunks...), outputPath)
		cmds = append(cmds, toolrunner.Cmd{Tool: toolSimg2Img, Args: args, Label: outputName})
	}

	if _, err := toolrunner.RunParallel(ctx, toolrunner.Batch{Cmds: cmds, Fatal: true}); err != nil {
		return err
	}

	for _, chunk := range allChunks {
		if err := os.Remove(chunk); err != nil {
			return fmt.Errorf("failed to delete sparse chunk %s: %w", chunk, err)
		}
	}
	return nil
}

// extractSuperImg unpacks every candidate partition at both slot
// suffixes via lpunpack, non-fatal per candidate, then renames
// successfully unpacked slotted images to their unslotted form. Two
// distinct slots resolving to the same partition name is an invariant
// violation.
func extractSuperImg(ctx context.Context, aug *firmware.ExtractionContext, superPath, outputDir string) error {
	current := append([]string(nil), aug.RequestedPartitions...)
	slots := []string{"", "_a"}

	for len(current) > 0 {
		cmds := make([]toolrunner.Cmd, 0, len(current)*len(slots))
		for _, p := range current {
			for _, slot := range slots {
				slotName := p + slot
				cmds = append(cmds, toolrunner.Cmd{
					Tool:  toolLpunpack,
					Args:  []string{"--partition", slotName, superPath, outputDir},
					Label: slotName,
				})
			}
		}

		results, err := toolrunner.RunParallel(ctx, toolrunner.Batch{Cmds: cmds, Fatal: false})
		if err != nil {
			return err
		}

		found := make(map[string]struct{})
		seenUnslotted := make(map[string]struct{})
		for _, r := range results {
			if r.Err != nil {
				continue
			}
			slotName := r.Cmd.Label
			p := partition.Unslot(slotName)
			if _, dup := seenUnslotted[p]; dup {
				return fmt.Errorf("%w: duplicate partition %q unpacked from super image at two slots", firmware.ErrFormat, p)
			}
			seenUnslotted[p] = struct{}{}
			found[p] = struct{}{}

			if p != slotName {
				oldPath := filepath.Join(outputDir, slotName+".img")
				newPath := filepath.Join(outputDir, p+".img")
				if err := os.Rename(oldPath, newPath); err != nil {
					return fmt.Errorf("failed to rename unpacked super partition %s: %w", oldPath, err)
				}
			}
		}

		current = partition.FindAlternates(current, found)
	}
	return nil
}

func extractBrotliImgs(ctx context.Context, filePaths []string, outputDir string) error {
	cmds := make([]toolrunner.Cmd, len(filePaths))
	for i, fp := range filePaths {
		name := filepath.Base(fp)
		outputName := strings.TrimSuffix(name, filepath.Ext(name))
		outputPath := filepath.Join(outputDir, outputName)
		cmds[i] = toolrunner.Cmd{Tool: toolBrotli, Args: []string{"-d", fp, "-o", outputPath}, Label: name}
	}

	if _, err := toolrunner.RunParallel(ctx, toolrunner.Batch{Cmds: cmds, Fatal: true}); err != nil {
		return err
	}

	for _, fp := range filePaths {
		if err := os.Remove(fp); err != nil {
			return fmt.Errorf("failed to delete brotli input %s: %w", fp, err)
		}
	}
	return nil
}

func extractSparseDataImgs(ctx context.Context, filePaths []string, outputDir string) error {
	const (
		sparseDataExt  = ".new.dat"
		transferListExt = ".transfer.list"
	)

	cmds := make([]toolrunner.Cmd, len(filePaths))
	transferPaths := make([]string, len(filePaths))
	for i, fp := range filePaths {
		base := strings.TrimSuffix(fp, sparseDataExt)
		transferPath := base + transferListExt
		transferPaths[i] = transferPath

		imgName := filepath.Base(base) + ".img"
		outputPath := filepath.Join(outputDir, imgName)

		cmds[i] = toolrunner.Cmd{
			Tool:  toolSdat2Img,
			Args:  []string{transferPath, fp, outputPath},
			Label: filepath.Base(base),
		}
	}

	if _, err := toolrunner.RunParallel(ctx, toolrunner.Batch{Cmds: cmds, Fatal: true}); err != nil {
		return err
	}

	for i, fp := range filePaths {
		if err := os.Remove(fp); err != nil {
			return fmt.Errorf("failed to delete sparse data input %s: %w", fp, err)
		}
		if err := os.Remove(transferPaths[i]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete transfer list %s: %w", transferPaths[i], err)
		}
	}
	return nil
}

func extractEROFS(ctx context.Context, filePaths []string, outputDir string) error {
	cmds := make([]toolrunner.Cmd, len(filePaths))
	for i, fp := range filePaths {
		name := filepath.Base(fp)
		partitionName := strings.TrimSuffix(name, filepath.Ext(name))
		partitionOutputDir := filepath.Join(outputDir, partitionName)
		if err := os.MkdirAll(partitionOutputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", partitionOutputDir, err)
		}
		cmds[i] = toolrunner.Cmd{Tool: toolFsckErofs, Args: []string{"--extract=" + partitionOutputDir, fp}, Label: name}
	}

	if _, err := toolrunner.RunParallel(ctx, toolrunner.Batch{Cmds: cmds, Fatal: true}); err != nil {
		return err
	}

	for _, fp := range filePaths {
		if err := os.Remove(fp); err != nil {
			return fmt.Errorf("failed to delete EROFS input %s: %w", fp, err)
		}
	}
	return nil
}

func extractEXT4(ctx context.Context, filePaths []string, outputDir string) error {
	cmds := make([]toolrunner.Cmd, len(filePaths))
	for i, fp := range filePaths {
		name := filepath.Base(fp)
		partitionName := strings.TrimSuffix(name, filepath.Ext(name))
		partitionOutputDir := filepath.Join(outputDir, partitionName)
		if err := os.MkdirAll(partitionOutputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", partitionOutputDir, err)
		}
		cmds[i] = toolrunner.Cmd{
			Tool:  toolDebugfs,
			Args:  []string{"-R", "rdump / " + partitionOutputDir, fp},
			Label: name,
		}
	}

	if _, err := toolrunner.RunParallel(ctx, toolrunner.Batch{Cmds: cmds, Fatal: true}); err != nil {
		return err
	}

	for _, fp := range filePaths {
		if err := os.Remove(fp); err != nil {
			return fmt.Errorf("failed to delete EXT4 input %s: %w", fp, err)
		}
	}
	return nil
}

// refineRequestedPartitions re-scans dumpDir and drops any requested
// partition whose artefact (under its own name or via file_to_partition
// / alternates) is not present as a regular file, so later stages don't
// chase names the container never produced.
func refineRequestedPartitions(dumpDir string, requested []string) ([]string, error) {
	entries, err := os.ReadDir(dumpDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan dump dir %s: %w", dumpDir, err)
	}

	var fileNames []string
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		fileNames = append(fileNames, e.Name())
	}

	current := append([]string(nil), requested...)
	found := make(map[string]struct{})

	for len(current) > 0 {
		progressed := false
		for _, name := range fileNames {
			if containsString(current, name) {
				if _, ok := found[name]; !ok {
					found[name] = struct{}{}
					progressed = true
				}
				continue
			}
			p := partition.FileToPartition(name)
			if containsString(current, p) {
				if _, ok := found[p]; !ok {
					found[p] = struct{}{}
					progressed = true
				}
			}
		}

		next := partition.FindAlternates(current, found)
		if len(next) == 0 {
			break
		}
		current = next
		_ = progressed
	}

	out := make([]string, 0, len(requested))
	for _, p := range requested {
		if _, ok := found[p]; ok {
			out = append(out, p)
		}
	}
	return out, nil
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
