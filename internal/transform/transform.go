// Package transform turns a raw batch document into normalized output records.
//
// The payload is located by walking the collection's payload path. Each raw record
// may be unwound on an array field, then projected through the collection's field
// mapping so every output record has exactly the declared output fields.
package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/zenbu-io/nytloader/internal/collection"
)

// ErrMalformedPayload is returned when a document does not have the shape the
// collection spec declares. The whole file is routed to failed.
var ErrMalformedPayload = errors.New("malformed payload")

const keySeparator = "|"

// keyEscaper makes the joined compound key unambiguous.
var keyEscaper = strings.NewReplacer(`\`, `\\`, keySeparator, `\`+keySeparator)

type (
	// Document is one output record body: output field name → value.
	Document map[string]any

	// Record is a normalized output record ready for upsert.
	Record struct {
		// Key is the natural key built from the spec's key fields. It is empty when a
		// key field is null, and such a record cannot be stored.
		Key string
		Doc Document
	}

	rawRecord = map[string]any
)

// Decode parses a raw batch document. Numbers are kept as json.Number so they reach
// the store unchanged.
func Decode(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %w", ErrMalformedPayload, err)
	}

	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON document", ErrMalformedPayload)
	}

	return doc, nil
}

// DecodeBytes is Decode over an in-memory document.
func DecodeBytes(data []byte) (any, error) {
	return Decode(bytes.NewReader(data))
}

// Transform validates doc against spec and returns the sequence of output records.
//
// All shape checks run before Transform returns, so a malformed document produces an
// error and no records at all. The returned sequence is a pure function of doc and
// spec: ranging over it again yields the same records.
func Transform(doc any, spec *collection.Spec) (iter.Seq[Record], error) {
	raws, err := rawRecords(doc, spec)
	if err != nil {
		return nil, err
	}

	return func(yield func(Record) bool) {
		for _, raw := range raws {
			if spec.UnwindKey == "" {
				if !yield(project(raw, spec)) {
					return
				}

				continue
			}

			for _, element := range raw[spec.UnwindKey].([]any) {
				if !yield(project(unwind(raw, spec.UnwindKey, element), spec)) {
					return
				}
			}
		}
	}, nil
}

// Count returns how many records Transform would produce for doc.
func Count(doc any, spec *collection.Spec) (int, error) {
	raws, err := rawRecords(doc, spec)
	if err != nil {
		return 0, err
	}

	if spec.UnwindKey == "" {
		return len(raws), nil
	}

	n := 0
	for _, raw := range raws {
		n += len(raw[spec.UnwindKey].([]any))
	}

	return n, nil
}

// Payload walks the payload path through doc.
func Payload(doc any, path []string) (any, error) {
	current := doc

	for i, key := range path {
		container, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s is %s, not an object",
				ErrMalformedPayload, strings.Join(path[:i], "."), kind(current))
		}

		next, ok := container[key]
		if !ok {
			return nil, fmt.Errorf("%w: key %q missing at %s",
				ErrMalformedPayload, key, strings.Join(path[:i+1], "."))
		}

		current = next
	}

	return current, nil
}

// rawRecords resolves the payload and checks every raw record, including unwind arrays.
func rawRecords(doc any, spec *collection.Spec) ([]rawRecord, error) {
	payload, err := Payload(doc, spec.PayloadPath)
	if err != nil {
		return nil, err
	}

	var raws []rawRecord

	switch p := payload.(type) {
	case []any:
		raws = make([]rawRecord, 0, len(p))

		for i, element := range p {
			raw, ok := element.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: payload element %d is %s, not an object",
					ErrMalformedPayload, i, kind(element))
			}

			raws = append(raws, raw)
		}
	case map[string]any:
		// A single object payload (bestseller overview "results") is one raw record.
		raws = []rawRecord{p}
	default:
		return nil, fmt.Errorf("%w: payload at %s is %s, not a list",
			ErrMalformedPayload, strings.Join(spec.PayloadPath, "."), kind(payload))
	}

	if spec.UnwindKey == "" {
		return raws, nil
	}

	for i, raw := range raws {
		value, ok := raw[spec.UnwindKey]
		if !ok {
			return nil, fmt.Errorf("%w: record %d has no %q to unwind", ErrMalformedPayload, i, spec.UnwindKey)
		}

		if _, ok := value.([]any); !ok {
			return nil, fmt.Errorf("%w: record %d field %q is %s, not a list",
				ErrMalformedPayload, i, spec.UnwindKey, kind(value))
		}
	}

	return raws, nil
}

// unwind builds the record emitted for one element of raw[key]: every other field is
// duplicated, key holds the element, and an object element's fields are overlaid.
func unwind(raw rawRecord, key string, element any) rawRecord {
	out := make(rawRecord, len(raw)+1)

	for k, v := range raw {
		if k != key {
			out[k] = v
		}
	}

	if fields, ok := element.(map[string]any); ok {
		for k, v := range fields {
			out[k] = v
		}
	}

	out[key] = element

	return out
}

// project copies raw[Source] to Output for every mapping. Missing fields become nil.
func project(raw rawRecord, spec *collection.Spec) Record {
	doc := make(Document, len(spec.Fields))

	for _, f := range spec.Fields {
		doc[f.Output] = raw[f.Source]
	}

	return Record{Key: naturalKey(doc, spec.KeyFields), Doc: doc}
}

func naturalKey(doc Document, keyFields []string) string {
	parts := make([]string, len(keyFields))

	for i, k := range keyFields {
		v := doc[k]
		if v == nil {
			return ""
		}

		switch tv := v.(type) {
		case string:
			parts[i] = tv
		case json.Number:
			parts[i] = tv.String()
		default:
			data, err := json.Marshal(tv)
			if err != nil {
				return ""
			}

			parts[i] = string(data)
		}
	}

	if len(parts) == 1 {
		return parts[0]
	}

	for i, part := range parts {
		parts[i] = keyEscaper.Replace(part)
	}

	return strings.Join(parts, keySeparator)
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "an object"
	case []any:
		return "a list"
	case string:
		return "a string"
	case json.Number, float64:
		return "a number"
	case bool:
		return "a boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}
