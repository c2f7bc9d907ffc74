// Package layout applies the post-extraction directory-layout fixups:
// System-as-Root flattening and alternate-partition relocation. This is
// C7 in the design, invoked once as pipeline stage 13.
package layout

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/open-edge-platform/firmware-extract/internal/firmware/partition"
	"github.com/open-edge-platform/firmware-extract/internal/utils/logger"
)

var log = logger.Logger()

// Normalize runs both fixups against dumpDir, in the fixed order
// required by spec.md §4.7: System-as-Root first, then alternate
// relocation in partition.AlternatePathOrder.
func Normalize(dumpDir string) error {
	if err := flattenSystemAsRoot(dumpDir); err != nil {
		return err
	}
	return relocateAlternates(dumpDir)
}

// flattenSystemAsRoot renames dump_dir/system -> dump_dir/system_root
// then dump_dir/system_root/system -> dump_dir/system, when a
// System-as-Root layout (system/system/ nested under system/) is
// detected.
func flattenSystemAsRoot(dumpDir string) error {
	system := filepath.Join(dumpDir, "system")
	nested := filepath.Join(system, "system")

	info, err := os.Stat(nested)
	if err != nil || !info.IsDir() {
		return nil
	}

	systemRoot := filepath.Join(dumpDir, "system_root")
	if err := os.Rename(system, systemRoot); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", system, systemRoot, err)
	}
	if err := os.Rename(filepath.Join(systemRoot, "system"), system); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", filepath.Join(systemRoot, "system"), system, err)
	}
	log.Debugf("layout: flattened system-as-root into %s and %s", system, systemRoot)
	return nil
}

// relocateAlternates moves an alternate-path partition up to its real
// partition slot whenever the real slot is absent and the alternate is
// present, processed in the fixed map order.
func relocateAlternates(dumpDir string) error {
	for _, p := range partition.AlternatePathOrder {
		alt := partition.AlternatePathMap[p]
		pPath := filepath.Join(dumpDir, p)
		altPath := filepath.Join(dumpDir, alt)

		if _, err := os.Stat(pPath); err == nil {
			continue
		}
		info, err := os.Stat(altPath)
		if err != nil || !info.IsDir() {
			continue
		}

		if err := os.Rename(altPath, pPath); err != nil {
			return fmt.Errorf("failed to relocate %s to %s: %w", altPath, pPath, err)
		}
		log.Debugf("layout: relocated alternate %s to %s", altPath, pPath)
	}
	return nil
}
