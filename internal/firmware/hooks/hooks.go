// Package hooks dispatches user-supplied extract-fn callbacks against
// the files currently in a dump directory. This is C8 in the design; it
// runs twice per pipeline invocation (stage 3 and stage 12).
package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/open-edge-platform/firmware-extract/internal/firmware"
	"github.com/open-edge-platform/firmware-extract/internal/utils/logger"
)

var log = logger.Logger()

// Run scans dumpDir once per registered pattern in ctx.ExtractFns,
// invoking every callback registered for a pattern against every
// matching basename, in sorted pattern order for reproducible logging.
// A callback's consumed path is recorded, not deleted immediately —
// deletions only happen once the whole scan completes, so an earlier
// callback's cleanup can never perturb a later callback's directory
// listing. A panicking hook is converted into a firmware.ErrHook rather
// than crashing the run.
func Run(ctx *firmware.ExtractionContext, dumpDir string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: hook panicked: %v", firmware.ErrHook, r)
		}
	}()

	if len(ctx.ExtractFns) == 0 {
		return nil
	}

	patterns := make([]string, 0, len(ctx.ExtractFns))
	for p := range ctx.ExtractFns {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	toDelete := make([]string, 0)
	seen := make(map[string]struct{})

	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: invalid hook pattern %q: %v", firmware.ErrHook, pattern, err)
		}

		entries, err := os.ReadDir(dumpDir)
		if err != nil {
			return fmt.Errorf("failed to scan dump dir %s: %w", dumpDir, err)
		}

		for _, e := range entries {
			if !matchesAnchored(re, e.Name()) {
				continue
			}
			path := filepath.Join(dumpDir, e.Name())
			for _, fn := range ctx.ExtractFns[pattern] {
				consumed, ok := fn(ctx, path, dumpDir)
				if !ok {
					continue
				}
				if _, dup := seen[consumed]; dup {
					continue
				}
				seen[consumed] = struct{}{}
				toDelete = append(toDelete, consumed)
			}
		}
	}

	for _, path := range toDelete {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete consumed file %s: %w", path, err)
		}
		log.Debugf("hook consumed and removed %s", path)
	}
	return nil
}

// matchesAnchored reports whether re matches name starting at position 0,
// mirroring Python's re.match (anchored at the start, not required to
// consume the whole string) rather than Go's MatchString (matches
// anywhere in the string).
func matchesAnchored(re *regexp.Regexp, name string) bool {
	loc := re.FindStringIndex(name)
	return loc != nil && loc[0] == 0
}
