// Package partition resolves partition names from file names: stripping
// the leading dot-delimited component, discovering alternate on-disk
// locations, and stripping A/B slot suffixes. This is C3 in the design.
package partition

import "strings"

// AlternatePathMap is the fixed map of a partition's historical residence
// inside another partition's tree, keyed by partition name. The value's
// first path component is the "alternate partition" that must be present
// (or produced) before the alternate path itself can be relocated.
var AlternatePathMap = map[string]string{
	"product":    "system/product",
	"system_ext": "system/system_ext",
	"vendor":     "system/vendor",
	"odm":        "vendor/odm",
}

// AlternatePathOrder is AlternatePathMap's fixed iteration order, since Go
// map iteration is randomised and the layout normalizer's relocation must
// be deterministic (spec.md §4.7: "Processing order is the fixed map
// order.").
var AlternatePathOrder = []string{"product", "system_ext", "vendor", "odm"}

// FileToPartition returns the substring of name before its first '.'.
func FileToPartition(name string) string {
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		return name[:idx]
	}
	return name
}

// Unslot drops a trailing "_a" or "_b" slot suffix from name.
func Unslot(name string) string {
	if strings.HasSuffix(name, "_a") || strings.HasSuffix(name, "_b") {
		return name[:len(name)-2]
	}
	return name
}

// FindAlternates implements the fixed-point step of the design's
// "find_alternates" loop: for every wanted partition not yet found, if it
// has an alternate whose first path component is not already in
// wanted-or-found, that first component is added to the returned set.
//
// Callers repeat: augmented := FindAlternates(wanted, found); if
// len(augmented) == 0, stop; otherwise add augmented to wanted and retry
// the peel step. Termination is guaranteed because the partition
// namespace is finite and every iteration either produces a partition or
// considers a name not previously considered (spec.md §4.3, invariant 5
// in spec.md §8).
func FindAlternates(wanted []string, found map[string]struct{}) []string {
	consider := make(map[string]struct{}, len(wanted))
	for _, w := range wanted {
		consider[w] = struct{}{}
	}

	var discovered []string
	seenDiscovered := make(map[string]struct{})
	for _, p := range wanted {
		if _, ok := found[p]; ok {
			continue
		}
		alt, ok := AlternatePathMap[p]
		if !ok {
			continue
		}
		first := firstComponent(alt)
		if _, ok := consider[first]; ok {
			continue
		}
		if _, ok := found[first]; ok {
			continue
		}
		if _, ok := seenDiscovered[first]; ok {
			continue
		}
		seenDiscovered[first] = struct{}{}
		discovered = append(discovered, first)
	}
	return discovered
}

func firstComponent(alternatePath string) string {
	if idx := strings.IndexByte(alternatePath, '/'); idx >= 0 {
		return alternatePath[:idx]
	}
	return alternatePath
}
