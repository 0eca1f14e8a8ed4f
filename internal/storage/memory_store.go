package storage

import (
	"context"
	"maps"
	"sync"

	"github.com/zenbu-io/nytloader/internal/loader"
	"github.com/zenbu-io/nytloader/internal/transform"
)

var _ loader.Store = (*MemoryStore)(nil)

type (
	// MemoryStore provides thread-safe in-memory document storage for dry runs and tests.
	MemoryStore struct {
		// docs maps target collection → natural key → document
		docs     map[string]map[string]transform.Document
		outcomes []loader.Outcome
		// failRecord and failBatch inject write failures
		failRecord func(target string, record transform.Record) error
		failBatch  func(batch *loader.Batch) error
		// mutex protects concurrent access to docs and outcomes
		mutex sync.RWMutex
	}

	// MemoryStoreOption configures a MemoryStore.
	MemoryStoreOption func(*MemoryStore)
)

// WithRecordFailures makes Upsert fail every record for which fn returns an error.
func WithRecordFailures(fn func(target string, record transform.Record) error) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.failRecord = fn
	}
}

// WithBatchFailures makes Upsert fail a whole batch when fn returns an error.
func WithBatchFailures(fn func(batch *loader.Batch) error) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.failBatch = fn
	}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		docs: make(map[string]map[string]transform.Document),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Upsert implements loader.Store.
func (s *MemoryStore) Upsert(ctx context.Context, batch *loader.Batch) ([]error, error) {
	errs := make([]error, len(batch.Records))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.failBatch != nil {
		if err := s.failBatch(batch); err != nil {
			return nil, err
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	target, ok := s.docs[batch.Target]
	if !ok {
		target = make(map[string]transform.Document)
		s.docs[batch.Target] = target
	}

	for i, record := range batch.Records {
		if s.failRecord != nil {
			if err := s.failRecord(batch.Target, record); err != nil {
				errs[i] = err

				continue
			}
		}

		// Store a copy to prevent external modification
		target[record.Key] = maps.Clone(record.Doc)
	}

	return errs, nil
}

// RecordOutcome implements loader.Store.
func (s *MemoryStore) RecordOutcome(_ context.Context, outcome *loader.Outcome) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.outcomes = append(s.outcomes, *outcome)

	return nil
}

// HealthCheck implements loader.Store; an in-memory store is always healthy.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Close implements loader.Store.
func (s *MemoryStore) Close() error {
	return nil
}

// Document returns a copy of the stored document for (target, key).
func (s *MemoryStore) Document(_ context.Context, target, key string) (map[string]any, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	doc, ok := s.docs[target][key]
	if !ok {
		return nil, false, nil
	}

	return maps.Clone(doc), true, nil
}

// Count returns the number of documents in target.
func (s *MemoryStore) Count(_ context.Context, target string) (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.docs[target]), nil
}

// Outcomes returns the ledger entries recorded so far, oldest first.
func (s *MemoryStore) Outcomes() []loader.Outcome {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]loader.Outcome(nil), s.outcomes...)
}
