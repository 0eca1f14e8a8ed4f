package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenbu-io/nytloader/internal/batch"
	"github.com/zenbu-io/nytloader/internal/loader"
	"github.com/zenbu-io/nytloader/internal/transform"
)

func record(key string, fields map[string]any) transform.Record {
	return transform.Record{Key: key, Doc: fields}
}

func TestMemoryStore_UpsertLatestWins(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryStore()

	errs, err := store.Upsert(ctx, &loader.Batch{
		Target:  "articles",
		Records: []transform.Record{record("a", map[string]any{"v": 1}), record("b", map[string]any{"v": 1})},
	})
	require.NoError(t, err)
	assert.Equal(t, []error{nil, nil}, errs)

	_, err = store.Upsert(ctx, &loader.Batch{
		Target:  "articles",
		Records: []transform.Record{record("a", map[string]any{"v": 2})},
	})
	require.NoError(t, err)

	n, err := store.Count(ctx, "articles")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	doc, ok, err := store.Document(ctx, "articles", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, doc["v"])

	_, ok, err = store.Document(ctx, "books", "a")
	require.NoError(t, err)
	assert.False(t, ok, "targets are independent")
}

func TestMemoryStore_CopiesDocuments(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryStore()
	fields := map[string]any{"v": "original"}

	_, err := store.Upsert(ctx, &loader.Batch{Target: "t", Records: []transform.Record{record("k", fields)}})
	require.NoError(t, err)

	fields["v"] = "mutated"

	doc, _, err := store.Document(ctx, "t", "k")
	require.NoError(t, err)
	assert.Equal(t, "original", doc["v"])

	doc["v"] = "mutated again"

	doc, _, err = store.Document(ctx, "t", "k")
	require.NoError(t, err)
	assert.Equal(t, "original", doc["v"])
}

func TestMemoryStore_FailureInjection(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	errBoom := errors.New("boom")

	t.Run("record failures leave other records written", func(t *testing.T) {
		store := NewMemoryStore(WithRecordFailures(func(_ string, r transform.Record) error {
			if r.Key == "bad" {
				return errBoom
			}

			return nil
		}))

		errs, err := store.Upsert(ctx, &loader.Batch{
			Target:  "t",
			Records: []transform.Record{record("good", nil), record("bad", nil), record("also-good", nil)},
		})
		require.NoError(t, err)
		assert.NoError(t, errs[0])
		assert.ErrorIs(t, errs[1], errBoom)
		assert.NoError(t, errs[2])

		n, _ := store.Count(ctx, "t")
		assert.Equal(t, 2, n)
	})

	t.Run("batch failure writes nothing", func(t *testing.T) {
		store := NewMemoryStore(WithBatchFailures(func(*loader.Batch) error { return errBoom }))

		_, err := store.Upsert(ctx, &loader.Batch{Target: "t", Records: []transform.Record{record("k", nil)}})
		require.ErrorIs(t, err, errBoom)

		n, _ := store.Count(ctx, "t")
		assert.Zero(t, n)
	})

	t.Run("cancelled context", func(t *testing.T) {
		store := NewMemoryStore()

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := store.Upsert(cancelled, &loader.Batch{Target: "t", Records: []transform.Record{record("k", nil)}})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryStore_Outcomes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.RecordOutcome(ctx, &loader.Outcome{File: "a.json", State: batch.StateProcessed}))
	require.NoError(t, store.RecordOutcome(ctx, &loader.Outcome{File: "b.json", State: batch.StateFailed}))

	outcomes := store.Outcomes()
	require.Len(t, outcomes, 2)
	assert.Equal(t, "a.json", outcomes[0].File)
	assert.Equal(t, batch.StateFailed, outcomes[1].State)

	assert.NoError(t, store.HealthCheck(ctx))
	assert.NoError(t, store.Close())
}

func TestMemoryStore_ConcurrentUpserts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewMemoryStore()

	const writers = 8

	var wg sync.WaitGroup

	for i := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			records := []transform.Record{
				record("shared", map[string]any{"writer": i}),
				record(string(rune('a'+i)), map[string]any{"writer": i}),
			}

			_, err := store.Upsert(ctx, &loader.Batch{Target: "t", Records: records})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	n, err := store.Count(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, writers+1, n)
}
