// Package toolrunner resolves and invokes the external helper binaries
// (simg2img, lpunpack, brotli, sdat2img, ...) the extraction pipeline
// shells out to. This is C2 in the design: tool-path resolution is
// cached process-wide, and a batch of commands runs either as
// fatal-on-first-failure or as a best-effort probe whose failures are
// recorded rather than propagated.
package toolrunner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/open-edge-platform/firmware-extract/internal/firmware"
	"github.com/open-edge-platform/firmware-extract/internal/utils/logger"
)

var log = logger.Logger()

var (
	resolveMu    sync.Mutex
	resolveCache = make(map[string]string)
)

// Resolve finds the absolute path of a named helper binary, searching
// PATH plus /usr/sbin (some distros keep partition tools there out of
// the default PATH), and caches the result process-wide. An unresolved
// name is a firmware.ErrConfiguration, matching the original's
// executable_path raising on a missing tool rather than deferring the
// failure to exec time.
func Resolve(name string) (string, error) {
	resolveMu.Lock()
	defer resolveMu.Unlock()

	if p, ok := resolveCache[name]; ok {
		return p, nil
	}

	searchPath := os.Getenv("PATH") + string(os.PathListSeparator) + "/usr/sbin"
	p, err := exec.LookPath(prefixedPath(name, searchPath))
	if err != nil {
		return "", fmt.Errorf("%w: failed to find executable path for %q", firmware.ErrConfiguration, name)
	}

	resolveCache[name] = p
	return p, nil
}

// prefixedPath lets exec.LookPath search an augmented PATH without
// mutating the process environment: LookPath consults os.Getenv("PATH")
// directly for a bare name, so a name containing no path separator is
// looked up manually against searchPath instead.
func prefixedPath(name, searchPath string) string {
	if strings.ContainsRune(name, os.PathSeparator) {
		return name
	}
	for _, dir := range strings.Split(searchPath, string(os.PathListSeparator)) {
		if dir == "" {
			continue
		}
		candidate := dir + string(os.PathSeparator) + name
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return name
}

// ResetCache clears the resolution cache. Exposed for tests that stub
// PATH between cases.
func ResetCache() {
	resolveMu.Lock()
	defer resolveMu.Unlock()
	resolveCache = make(map[string]string)
}

// Cmd is one helper-binary invocation: the tool name (resolved via
// Resolve), its arguments, and an optional label used purely for
// diagnostics (typically the partition or file the command concerns).
type Cmd struct {
	Tool  string
	Args  []string
	Label string
}

// Result is the outcome of running one Cmd.
type Result struct {
	Cmd    Cmd
	Output string
	Err    error
}

// Batch is a set of commands dispatched together. Fatal selects the
// batching semantics from spec.md §4.2: a fatal batch aborts the whole
// run on the first non-zero exit (wrapping firmware.ErrFormat); a
// non-fatal batch runs every command to completion and reports
// per-command failures in the returned Results without returning an
// error itself (the ProbeMiss case).
type Batch struct {
	Cmds  []Cmd
	Fatal bool
}

// RunCmd resolves and runs a single command, returning its combined
// output.
func RunCmd(ctx context.Context, c Cmd) (string, error) {
	path, err := Resolve(c.Tool)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, path, c.Args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s %s: %w: %s", c.Tool, strings.Join(c.Args, " "), err, out.String())
	}
	return out.String(), nil
}

// RunParallel dispatches every command in batch concurrently and waits
// for all of them. For a fatal batch, the first error encountered
// (wrapped as firmware.ErrFormat) is returned once every goroutine has
// finished; for a non-fatal batch, RunParallel never returns an error —
// callers inspect each Result.Err instead (a "probe miss", not an
// error, per spec.md §7).
func RunParallel(ctx context.Context, batch Batch) ([]Result, error) {
	results := make([]Result, len(batch.Cmds))

	var wg sync.WaitGroup
	wg.Add(len(batch.Cmds))
	for i, c := range batch.Cmds {
		go func(i int, c Cmd) {
			defer wg.Done()
			out, err := RunCmd(ctx, c)
			results[i] = Result{Cmd: c, Output: out, Err: err}
			if err != nil {
				if batch.Fatal {
					log.Errorf("tool run failed: %v", err)
				} else {
					log.Debugf("tool probe miss for %s: %v", c.Label, err)
				}
			}
		}(i, c)
	}
	wg.Wait()

	if batch.Fatal {
		for _, r := range results {
			if r.Err != nil {
				return results, fmt.Errorf("%w: %v", firmware.ErrFormat, r.Err)
			}
		}
	}
	return results, nil
}
