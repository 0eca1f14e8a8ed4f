package loader_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zenbu-io/nytloader/internal/collection"
	"github.com/zenbu-io/nytloader/internal/loader"
	"github.com/zenbu-io/nytloader/internal/lock"
	"github.com/zenbu-io/nytloader/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func layoutIn(dir string) collection.Layout {
	return collection.Layout{
		Input:      filepath.Join(dir, "input"),
		Processing: filepath.Join(dir, "processing"),
		Failed:     filepath.Join(dir, "failed"),
		Processed:  filepath.Join(dir, "processed"),
	}
}

func articlesSpec(t *testing.T, dataDir string) *collection.Spec {
	t.Helper()

	spec := &collection.Spec{
		Name:        "articles",
		Target:      "articles",
		InputExt:    "json",
		Layout:      layoutIn(filepath.Join(dataDir, "articles")),
		PayloadPath: []string{"response", "docs"},
		Fields: []collection.FieldMapping{
			{Source: "abstract", Output: "abstract"},
			{Source: "web_url", Output: "web_url"},
			{Source: "_id", Output: "nyt_id"},
		},
		KeyFields: []string{"nyt_id"},
	}
	require.NoError(t, spec.Validate())

	return spec
}

func booksSpec(t *testing.T, dataDir string) *collection.Spec {
	t.Helper()

	spec := &collection.Spec{
		Name:        "books",
		Target:      "books",
		InputExt:    "json",
		Layout:      layoutIn(filepath.Join(dataDir, "books")),
		PayloadPath: []string{"results"},
		UnwindKey:   "lists",
		Fields: []collection.FieldMapping{
			{Source: "published_date", Output: "published_date"},
			{Source: "list_id", Output: "list_id"},
			{Source: "list_name", Output: "list_name"},
		},
		KeyFields: []string{"published_date", "list_id"},
	}
	require.NoError(t, spec.Validate())

	return spec
}

func writeBatch(t *testing.T, dir, name, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func filesIn(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}

	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}

	sort.Strings(names)

	return names
}

type fixture struct {
	dataDir string
	locks   *lock.Manager
	store   *storage.MemoryStore
}

func newFixture(t *testing.T, opts ...storage.MemoryStoreOption) *fixture {
	t.Helper()

	dataDir := t.TempDir()

	locks, err := lock.NewManager(filepath.Join(dataDir, "locks"), lock.WithLogger(quietLogger()))
	require.NoError(t, err)

	return &fixture{
		dataDir: dataDir,
		locks:   locks,
		store:   storage.NewMemoryStore(opts...),
	}
}

func (f *fixture) pipeline(t *testing.T, opts ...loader.PipelineOption) *loader.Pipeline {
	t.Helper()

	p, err := loader.NewPipeline(f.locks, f.store, append([]loader.PipelineOption{loader.WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)

	return p
}

// recordingPublisher keeps every published outcome.
type recordingPublisher struct {
	mu       sync.Mutex
	outcomes []loader.Outcome
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, o *loader.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.outcomes = append(p.outcomes, *o)

	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

// countingStore counts Upsert calls and batch sizes around a MemoryStore.
type countingStore struct {
	*storage.MemoryStore

	mu      sync.Mutex
	batches []int
	onWrite func()
}

func (s *countingStore) Upsert(ctx context.Context, batch *loader.Batch) ([]error, error) {
	s.mu.Lock()
	s.batches = append(s.batches, len(batch.Records))
	hook := s.onWrite
	s.mu.Unlock()

	if hook != nil {
		hook()
	}

	return s.MemoryStore.Upsert(ctx, batch)
}

func (s *countingStore) calls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int(nil), s.batches...)
}
