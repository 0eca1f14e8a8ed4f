// Package collection holds the static per-collection load configuration: where batch
// files live, where the record array sits inside a raw document, how records unwind,
// and which source fields are kept under which output names.
package collection

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidSpec is returned when a collection spec violates its invariants.
	// It is a startup-fatal configuration error, never a per-file error.
	ErrInvalidSpec = errors.New("invalid collection spec")

	// ErrFieldListMismatch is returned when legacy kept_field/output_field lists differ in length.
	ErrFieldListMismatch = errors.New("kept_field and output_field lengths differ")
)

// FieldMapping copies the raw record value at Source into the output record under Output.
type FieldMapping struct {
	Source string `yaml:"source"`
	Output string `yaml:"output"`
}

// Spec describes how one collection is loaded.
type Spec struct {
	// Name is the registry key; it also scopes the collection's lock.
	Name string
	// Target is the document store collection written to.
	Target string
	// InputExt is the batch file extension without the leading dot.
	InputExt string
	Layout   Layout
	// PayloadPath is the ordered key sequence locating the record array in a raw document.
	PayloadPath []string
	// UnwindKey, when set, names an array field exploded into one record per element.
	UnwindKey string
	Fields    []FieldMapping
	// KeyFields are output field names whose values form the natural upsert key.
	KeyFields []string
}

// FieldMappingsFromLists pairs parallel kept/output lists positionally.
func FieldMappingsFromLists(kept, output []string) ([]FieldMapping, error) {
	if len(kept) != len(output) {
		return nil, fmt.Errorf("%w: %w: %d kept vs %d output",
			ErrInvalidSpec, ErrFieldListMismatch, len(kept), len(output))
	}

	fields := make([]FieldMapping, len(kept))
	for i := range kept {
		fields[i] = FieldMapping{Source: kept[i], Output: output[i]}
	}

	return fields, nil
}

// Validate checks every invariant of the spec. The returned error wraps ErrInvalidSpec.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidSpec)
	}

	if strings.TrimSpace(s.Target) == "" {
		return fmt.Errorf("%w: %s: target collection is empty", ErrInvalidSpec, s.Name)
	}

	if strings.TrimSpace(s.InputExt) == "" || strings.ContainsAny(s.InputExt, `/\*?`) {
		return fmt.Errorf("%w: %s: invalid input extension %q", ErrInvalidSpec, s.Name, s.InputExt)
	}

	if len(s.PayloadPath) == 0 {
		return fmt.Errorf("%w: %s: payload path is empty", ErrInvalidSpec, s.Name)
	}

	for i, segment := range s.PayloadPath {
		if segment == "" {
			return fmt.Errorf("%w: %s: payload path segment %d is empty", ErrInvalidSpec, s.Name, i)
		}
	}

	if err := s.validateFields(); err != nil {
		return err
	}

	if err := s.validateKeyFields(); err != nil {
		return err
	}

	if err := s.Layout.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidSpec, s.Name, err)
	}

	return nil
}

func (s *Spec) validateFields() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: %s: no fields declared", ErrInvalidSpec, s.Name)
	}

	sources := make(map[string]bool, len(s.Fields))
	outputs := make(map[string]bool, len(s.Fields))

	for i, f := range s.Fields {
		if f.Source == "" || f.Output == "" {
			return fmt.Errorf("%w: %s: field %d has an empty source or output name", ErrInvalidSpec, s.Name, i)
		}

		if sources[f.Source] {
			return fmt.Errorf("%w: %s: source field %q mapped twice", ErrInvalidSpec, s.Name, f.Source)
		}

		if outputs[f.Output] {
			return fmt.Errorf("%w: %s: output field %q declared twice", ErrInvalidSpec, s.Name, f.Output)
		}

		sources[f.Source] = true
		outputs[f.Output] = true
	}

	return nil
}

func (s *Spec) validateKeyFields() error {
	if len(s.KeyFields) == 0 {
		return fmt.Errorf("%w: %s: key fields are required for idempotent upserts", ErrInvalidSpec, s.Name)
	}

	outputs := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		outputs[f.Output] = true
	}

	for _, k := range s.KeyFields {
		if !outputs[k] {
			return fmt.Errorf("%w: %s: key field %q is not an output field", ErrInvalidSpec, s.Name, k)
		}
	}

	return nil
}

// OutputFields returns the output field names in declaration order.
func (s *Spec) OutputFields() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Output
	}

	return out
}

// Pattern returns the glob matching this collection's batch files.
func (s *Spec) Pattern() string {
	return "*." + s.InputExt
}

// Matches reports whether a file name carries the collection's input extension.
func (s *Spec) Matches(name string) bool {
	ok, err := filepath.Match(s.Pattern(), name)

	return err == nil && ok
}
