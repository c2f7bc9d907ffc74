package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/firmware-extract/internal/config"
	"github.com/open-edge-platform/firmware-extract/internal/firmware"
	"github.com/open-edge-platform/firmware-extract/internal/firmware/dumpdir"
	"github.com/open-edge-platform/firmware-extract/internal/firmware/pipeline"
	"github.com/open-edge-platform/firmware-extract/internal/utils/logger"
)

var (
	flagPartitions      string
	flagExtraPartitions string
	flagAll             bool
	flagManifest        string
	flagKeepDump        bool
	flagResume          bool
)

// createExtractCommand builds the single "extract" subcommand matching
// the fixed CLI contract: a positional source plus the flags below.
func createExtractCommand() *cobra.Command {
	extractCmd := &cobra.Command{
		Use:   "extract [flags] [SOURCE]",
		Short: "Extracts requested partitions from a firmware archive or directory",
		Long: `Extract unpacks an Android firmware source (a zip/tar archive, or an
already-unpacked directory) into a dump directory, producing one
subdirectory per requested partition.`,
		Args: cobra.MaximumNArgs(1),
		RunE: executeExtract,
	}

	extractCmd.Flags().StringVar(&flagPartitions, "partitions", "",
		"Comma-separated list of partitions to extract (default: odm,product,system,system_ext,vendor)")
	extractCmd.Flags().StringVar(&flagExtraPartitions, "extra-partitions", "",
		"Comma-separated list of additional partitions to steer intermediate stages")
	extractCmd.Flags().BoolVar(&flagAll, "all", false,
		"Extract every archive member regardless of the partition/file allowlist")
	extractCmd.Flags().StringVar(&flagManifest, "manifest", "",
		"Path to an optional YAML ExtractionManifest")
	extractCmd.Flags().BoolVar(&flagKeepDump, "keep-dump", false,
		"Keep the dump directory as a persistent sibling of SOURCE instead of a temp dir")
	extractCmd.Flags().BoolVar(&flagResume, "resume", false,
		"Skip partitions whose directory already exists in the dump directory")

	return extractCmd
}

func executeExtract(cmd *cobra.Command, args []string) error {
	log := logger.Logger()

	source := "adb"
	if len(args) > 0 {
		source = args[0]
	}
	if source == "adb" {
		return fmt.Errorf("%w: pulling partitions from a connected device is not supported; pass a file or directory path", firmware.ErrConfiguration)
	}

	ctx := firmware.NewExtractionContext()
	if flagPartitions != "" {
		ctx.RequestedPartitions = splitCSV(flagPartitions)
	}
	ctx.ExtraPartitions = splitCSV(flagExtraPartitions)
	ctx.ExtractAll = flagAll
	ctx.KeepDump = flagKeepDump
	ctx.Normalize()

	if flagManifest != "" {
		manifest, err := config.Load(flagManifest)
		if err != nil {
			return err
		}
		if err := manifest.ApplyTo(ctx, nil); err != nil {
			return err
		}
	}

	dd, err := dumpdir.Acquire(source, ctx.KeepDump)
	if err != nil {
		return err
	}
	defer func() {
		if err := dd.Release(); err != nil {
			log.Warnf("failed to release dump dir: %v", err)
		}
	}()

	if flagResume {
		ctx.RequestedPartitions = pipeline.PruneCompleted(dd.Path, ctx.RequestedPartitions)
	}

	log.Infof("extracting %s into %s (partitions: %s)", source, dd.Path, strings.Join(ctx.RequestedPartitions, ","))

	if err := pipeline.Run(cmd.Context(), ctx, dd); err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	log.Infof("extraction complete: %s", dd.Path)
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
