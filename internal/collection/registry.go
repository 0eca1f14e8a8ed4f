package collection

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/zenbu-io/nytloader/internal/config"
)

const (
	// DefaultConfigPath is where the registry is read from when LOADER_CONFIG_PATH is unset.
	DefaultConfigPath = "loader.yaml"

	// ConfigPathEnvVar overrides the registry location.
	ConfigPathEnvVar = "LOADER_CONFIG_PATH"

	// DataDirEnvVar overrides data_dir from the registry file.
	DataDirEnvVar = "LOADER_DATA_DIR"

	defaultInputExt   = "json"
	defaultLockSubDir = "locks"
)

// ErrInvalidRegistry is returned when the registry file cannot be read or parsed.
var ErrInvalidRegistry = errors.New("invalid collection registry")

type (
	// Registry is the validated set of collection specs plus shared directories.
	Registry struct {
		DataDir string
		LockDir string
		// LogsDir is empty when file logging is disabled.
		LogsDir string
		specs   []*Spec
	}

	//nolint:tagliatelle // snake_case keys match the fetch jobs' YAML files
	registryFile struct {
		DataDir     string              `yaml:"data_dir"`
		LockSubDir  string              `yaml:"lock_sub_dir"`
		LogsSubDir  string              `yaml:"logs_sub_dir"`
		Collections map[string]specFile `yaml:"collections"`
	}

	//nolint:tagliatelle // snake_case keys match the fetch jobs' YAML files
	specFile struct {
		CollName         string         `yaml:"coll_name"`
		InputExt         string         `yaml:"input_ext"`
		InputSubDir      string         `yaml:"input_sub_dir"`
		ProcessingSubDir string         `yaml:"processing_sub_dir"`
		FailedSubDir     string         `yaml:"failed_sub_dir"`
		ProcessedSubDir  string         `yaml:"processed_sub_dir"`
		PayloadPath      []string       `yaml:"payload_path"`
		UnwindKey        string         `yaml:"unwind_key"`
		Fields           []FieldMapping `yaml:"fields"`
		KeptField        []string       `yaml:"kept_field"`
		OutputField      []string       `yaml:"output_field"`
		KeyFields        []string       `yaml:"key_fields"`
	}
)

// LoadRegistry reads, resolves and validates the registry at path.
//
// Unlike optional configuration, every problem here is fatal: a loader without
// a trustworthy field mapping would silently mis-map records.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRegistry, err)
	}

	return ParseRegistry(data, config.GetEnvStr(DataDirEnvVar, ""))
}

// LoadRegistryFromEnv loads the registry from LOADER_CONFIG_PATH or loader.yaml.
func LoadRegistryFromEnv() (*Registry, error) {
	return LoadRegistry(config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath))
}

// ParseRegistry builds a Registry from YAML. A non-empty dataDir overrides data_dir.
func ParseRegistry(data []byte, dataDir string) (*Registry, error) {
	var raw registryFile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRegistry, err)
	}

	if dataDir != "" {
		raw.DataDir = dataDir
	}

	if raw.DataDir == "" {
		return nil, fmt.Errorf("%w: data_dir is required", ErrInvalidRegistry)
	}

	if len(raw.Collections) == 0 {
		return nil, fmt.Errorf("%w: no collections declared", ErrInvalidRegistry)
	}

	reg := &Registry{
		DataDir: raw.DataDir,
		LockDir: resolve(raw.DataDir, orDefault(raw.LockSubDir, defaultLockSubDir)),
	}

	if raw.LogsSubDir != "" {
		reg.LogsDir = resolve(raw.DataDir, raw.LogsSubDir)
	}

	names := make([]string, 0, len(raw.Collections))
	for name := range raw.Collections {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		spec, err := raw.Collections[name].toSpec(name, raw.DataDir)
		if err != nil {
			return nil, err
		}

		if err := spec.Validate(); err != nil {
			return nil, err
		}

		reg.specs = append(reg.specs, spec)
	}

	if err := checkDisjointLayouts(reg.specs); err != nil {
		return nil, err
	}

	return reg, nil
}

// checkDisjointLayouts rejects any directory claimed by more than one collection.
func checkDisjointLayouts(specs []*Spec) error {
	owners := make(map[string]string, len(specs)*4)

	for _, spec := range specs {
		for _, dir := range spec.Layout.Dirs() {
			clean := filepath.Clean(dir)

			if owner, taken := owners[clean]; taken {
				return fmt.Errorf("%w: directory %q is shared by collections %s and %s",
					ErrInvalidSpec, clean, owner, spec.Name)
			}

			owners[clean] = spec.Name
		}
	}

	return nil
}

func (f specFile) toSpec(name, dataDir string) (*Spec, error) {
	fields := f.Fields

	hasLegacy := len(f.KeptField) > 0 || len(f.OutputField) > 0
	if hasLegacy && len(fields) > 0 {
		return nil, fmt.Errorf("%w: %s: use either fields or kept_field/output_field, not both", ErrInvalidSpec, name)
	}

	if hasLegacy {
		var err error

		fields, err = FieldMappingsFromLists(f.KeptField, f.OutputField)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	return &Spec{
		Name:     name,
		Target:   orDefault(f.CollName, name),
		InputExt: orDefault(f.InputExt, defaultInputExt),
		Layout: Layout{
			Input:      resolve(dataDir, orDefault(f.InputSubDir, filepath.Join(name, "input"))),
			Processing: resolve(dataDir, orDefault(f.ProcessingSubDir, filepath.Join(name, "processing"))),
			Failed:     resolve(dataDir, orDefault(f.FailedSubDir, filepath.Join(name, "failed"))),
			Processed:  resolve(dataDir, orDefault(f.ProcessedSubDir, filepath.Join(name, "processed"))),
		},
		PayloadPath: f.PayloadPath,
		UnwindKey:   f.UnwindKey,
		Fields:      fields,
		KeyFields:   f.KeyFields,
	}, nil
}

// Specs returns the collection specs ordered by name.
func (r *Registry) Specs() []*Spec {
	return r.specs
}

// Get returns the spec registered under name.
func (r *Registry) Get(name string) (*Spec, bool) {
	for _, s := range r.specs {
		if s.Name == name {
			return s, true
		}
	}

	return nil, false
}

// Select narrows the registry to the named collections. An empty list keeps all of them.
func (r *Registry) Select(names []string) ([]*Spec, error) {
	if len(names) == 0 {
		return r.specs, nil
	}

	selected := make([]*Spec, 0, len(names))

	for _, name := range names {
		spec, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown collection %q", ErrInvalidRegistry, name)
		}

		selected = append(selected, spec)
	}

	return selected, nil
}

func resolve(base, dir string) string {
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}

	return filepath.Join(base, dir)
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}

	return value
}
