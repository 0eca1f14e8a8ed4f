package collection

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryYAML = `
data_dir: /data
lock_sub_dir: run/locks
collections:
  books:
    coll_name: nyt_books
    payload_path: [results]
    unwind_key: lists
    key_fields: [published_date, list_id]
    kept_field: [published_date, list_id, list_name]
    output_field: [published_date, list_id, name]
  articles:
    input_ext: jsn
    input_sub_dir: /abs/articles/in
    payload_path: [response, docs]
    key_fields: [nyt_id]
    fields:
      - { source: abstract, output: abstract }
      - { source: _id, output: nyt_id }
`

func TestParseRegistry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reg, err := ParseRegistry([]byte(registryYAML), "")
	require.NoError(t, err)

	assert.Equal(t, "/data", reg.DataDir)
	assert.Equal(t, "/data/run/locks", reg.LockDir)
	assert.Empty(t, reg.LogsDir)

	specs := reg.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "articles", specs[0].Name, "specs are ordered by name")
	assert.Equal(t, "books", specs[1].Name)

	articles := specs[0]
	assert.Equal(t, "articles", articles.Target, "target defaults to the collection name")
	assert.Equal(t, "jsn", articles.InputExt)
	assert.Equal(t, "/abs/articles/in", articles.Layout.Input)
	assert.Equal(t, "/data/articles/processing", articles.Layout.Processing)
	assert.Equal(t, "/data/articles/failed", articles.Layout.Failed)
	assert.Equal(t, "/data/articles/processed", articles.Layout.Processed)

	books, ok := reg.Get("books")
	require.True(t, ok)
	assert.Equal(t, "nyt_books", books.Target)
	assert.Equal(t, "json", books.InputExt)
	assert.Equal(t, "lists", books.UnwindKey)
	assert.Equal(t, []FieldMapping{
		{Source: "published_date", Output: "published_date"},
		{Source: "list_id", Output: "list_id"},
		{Source: "list_name", Output: "name"},
	}, books.Fields)
}

func TestParseRegistry_DataDirOverride(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reg, err := ParseRegistry([]byte(registryYAML), "/override")
	require.NoError(t, err)

	assert.Equal(t, "/override/run/locks", reg.LockDir)

	books, _ := reg.Get("books")
	assert.Equal(t, "/override/books/input", books.Layout.Input)
}

func TestParseRegistry_Errors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{
			name:    "invalid yaml",
			yaml:    "collections: [unclosed",
			wantErr: ErrInvalidRegistry,
		},
		{
			name:    "missing data_dir",
			yaml:    "collections:\n  a:\n    payload_path: [x]\n",
			wantErr: ErrInvalidRegistry,
		},
		{
			name:    "no collections",
			yaml:    "data_dir: /data\n",
			wantErr: ErrInvalidRegistry,
		},
		{
			name:    "unknown key",
			yaml:    "data_dir: /data\nwaiting_for: 10\ncollections: {}\n",
			wantErr: ErrInvalidRegistry,
		},
		{
			name: "parallel list length mismatch",
			yaml: `
data_dir: /data
collections:
  articles:
    payload_path: [response, docs]
    key_fields: [abstract]
    kept_field: [abstract, web_url, _id]
    output_field: [abstract, web_url]
`,
			wantErr: ErrFieldListMismatch,
		},
		{
			name: "both field forms",
			yaml: `
data_dir: /data
collections:
  articles:
    payload_path: [response, docs]
    key_fields: [abstract]
    fields: [{ source: abstract, output: abstract }]
    kept_field: [abstract]
    output_field: [abstract]
`,
			wantErr: ErrInvalidSpec,
		},
		{
			name: "key field not declared",
			yaml: `
data_dir: /data
collections:
  articles:
    payload_path: [response, docs]
    key_fields: [nyt_id]
    fields: [{ source: abstract, output: abstract }]
`,
			wantErr: ErrInvalidSpec,
		},
		{
			name: "collections sharing directories",
			yaml: `
data_dir: /data
collections:
  articles:
    payload_path: [response, docs]
    key_fields: [nyt_id]
    fields: [{ source: _id, output: nyt_id }]
    input_sub_dir: shared/in
    processing_sub_dir: shared/proc
  archive:
    payload_path: [response, docs]
    key_fields: [nyt_id]
    fields: [{ source: _id, output: nyt_id }]
    input_sub_dir: shared/in
    processing_sub_dir: shared/proc
`,
			wantErr: ErrInvalidSpec,
		},
		{
			name: "one collection's failed dir is another's input",
			yaml: `
data_dir: /data
collections:
  articles:
    payload_path: [response, docs]
    key_fields: [nyt_id]
    fields: [{ source: _id, output: nyt_id }]
    failed_sub_dir: handoff
  books:
    payload_path: [results]
    key_fields: [nyt_id]
    fields: [{ source: _id, output: nyt_id }]
    input_sub_dir: ./handoff/
`,
			wantErr: ErrInvalidSpec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := ParseRegistry([]byte(tt.yaml), "")
			require.Error(t, err)
			assert.Nil(t, reg)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadRegistry_MissingFileIsFatal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRegistry)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRegistry_ShippedConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv(DataDirEnvVar, t.TempDir())

	reg, err := LoadRegistry("../../configs/loader.yaml")
	require.NoError(t, err)

	articles, ok := reg.Get("articles")
	require.True(t, ok)
	assert.Equal(t, []string{"response", "docs"}, articles.PayloadPath)
	assert.Contains(t, articles.OutputFields(), "nyt_id")

	books, ok := reg.Get("books")
	require.True(t, ok)
	assert.Equal(t, "lists", books.UnwindKey)
	assert.NotEmpty(t, reg.LogsDir)
}

func TestRegistrySelect(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reg, err := ParseRegistry([]byte(registryYAML), "")
	require.NoError(t, err)

	all, err := reg.Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := reg.Select([]string{"books"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "books", one[0].Name)

	_, err = reg.Select([]string{"prices"})
	assert.ErrorIs(t, err, ErrInvalidRegistry)
}
