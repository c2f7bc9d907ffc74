// Package config loads the optional ExtractionManifest that lets a
// scripted invocation describe an extraction run declaratively instead
// of via flags alone. The CLI works from flags without a manifest;
// the manifest exists for repeatable runs.
package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/open-edge-platform/firmware-extract/internal/firmware"
	"github.com/open-edge-platform/firmware-extract/internal/utils/logger"
)

var log = logger.Logger()

//go:embed schema/extraction_manifest.schema.json
var schemaFS embed.FS

const schemaPath = "schema/extraction_manifest.schema.json"

// HookRef names a hook registered in code (hooks themselves cannot be
// expressed in YAML) plus the basename pattern it should run against.
type HookRef struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Name    string `yaml:"name" json:"name"`
}

// ExtractionManifest is the on-disk shape of a YAML extraction
// manifest, mirroring firmware.ExtractionContext's fields (all except
// ExtraFiles, which has no manifest key) plus the hook-reference
// indirection.
type ExtractionManifest struct {
	Partitions         []string  `yaml:"partitions" json:"partitions"`
	ExtraPartitions    []string  `yaml:"extraPartitions" json:"extraPartitions"`
	FirmwarePartitions []string  `yaml:"firmwarePartitions" json:"firmwarePartitions"`
	FirmwareFiles      []string  `yaml:"firmwareFiles" json:"firmwareFiles"`
	FactoryFiles       []string  `yaml:"factoryFiles" json:"factoryFiles"`
	ExtractAll         bool      `yaml:"extractAll" json:"extractAll"`
	KeepDump           bool      `yaml:"keepDump" json:"keepDump"`
	Hooks              []HookRef `yaml:"hooks" json:"hooks"`
}

// Load reads, schema-validates and parses an ExtractionManifest file.
func Load(path string) (*ExtractionManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("%w: manifest %s failed schema validation: %v", firmware.ErrConfiguration, path, err)
	}

	var m ExtractionManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to parse manifest %s: %v", firmware.ErrConfiguration, path, err)
	}

	log.Debugf("config: loaded manifest %s (%d partitions, %d hooks)", path, len(m.Partitions), len(m.Hooks))
	return &m, nil
}

// validate re-marshals the YAML document to JSON (YAML is a superset of
// JSON but jsonschema/v5 only consumes JSON-shaped data) and runs it
// against the embedded schema.
func validate(yamlDoc []byte) error {
	jsonDoc, err := sigsyaml.YAMLToJSON(yamlDoc)
	if err != nil {
		return fmt.Errorf("failed to convert manifest to JSON for validation: %w", err)
	}

	schemaBytes, err := schemaFS.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read embedded schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(jsonDoc, &doc); err != nil {
		return fmt.Errorf("failed to parse manifest JSON: %w", err)
	}

	return schema.Validate(doc)
}

// ApplyTo merges a manifest's fields into an ExtractionContext the
// caller already built from flags: every list field becomes the union of
// the context's entries followed by the manifest's new entries, and the
// boolean fields are OR-ed. Manifest partitions are added to the
// context's requested set (including the default set); they do not
// replace it.
func (m *ExtractionManifest) ApplyTo(ctx *firmware.ExtractionContext, registry map[string]firmware.HookFn) error {
	if len(m.Partitions) > 0 {
		ctx.RequestedPartitions = mergeStringSlices(ctx.RequestedPartitions, m.Partitions)
	}
	ctx.ExtraPartitions = mergeStringSlices(ctx.ExtraPartitions, m.ExtraPartitions)
	ctx.FirmwarePartitions = mergeStringSlices(ctx.FirmwarePartitions, m.FirmwarePartitions)
	ctx.FirmwareFiles = mergeStringSlices(ctx.FirmwareFiles, m.FirmwareFiles)
	ctx.FactoryFiles = mergeStringSlices(ctx.FactoryFiles, m.FactoryFiles)
	ctx.ExtractAll = ctx.ExtractAll || m.ExtractAll
	ctx.KeepDump = ctx.KeepDump || m.KeepDump

	for _, h := range m.Hooks {
		fn, ok := registry[h.Name]
		if !ok {
			return fmt.Errorf("%w: manifest references unknown hook %q", firmware.ErrConfiguration, h.Name)
		}
		ctx.ExtractFns[h.Pattern] = append(ctx.ExtractFns[h.Pattern], fn)
	}

	ctx.Normalize()
	return nil
}

// mergeStringSlices unions two string slices, preserving the order of
// defaultSlice followed by any new entries in userSlice, and dropping
// duplicates.
func mergeStringSlices(defaultSlice, userSlice []string) []string {
	seen := make(map[string]struct{}, len(defaultSlice)+len(userSlice))
	out := make([]string, 0, len(defaultSlice)+len(userSlice))
	for _, s := range append(append([]string(nil), defaultSlice...), userSlice...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
