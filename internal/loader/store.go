// Package loader moves batch files through the claim, transform, write and finalize
// pipeline for each configured collection.
//
// This package defines the Store and Publisher interfaces the pipeline needs. Concrete
// document stores live in internal/storage and notification sinks in internal/notify.
package loader

import (
	"context"

	"github.com/zenbu-io/nytloader/internal/transform"
)

type (
	// Store persists output records and the per-file run ledger.
	//
	// Upserts are keyed by (Batch.Target, Record.Key): writing the same key twice leaves
	// one document holding the latest values.
	Store interface {
		// Upsert writes every record of the batch independently.
		//
		// Returns (errs, err) where:
		//   - errs: one entry per record, nil when that record was stored
		//   - err: non-nil when the batch stopped early (connection lost, context
		//     cancelled). errs then still has one entry per record, nil only for records
		//     committed before the stop. A nil errs means nothing is known to be stored.
		Upsert(ctx context.Context, batch *Batch) ([]error, error)

		// RecordOutcome appends a finalized file to the run ledger.
		RecordOutcome(ctx context.Context, outcome *Outcome) error

		// HealthCheck verifies the backend is reachable.
		HealthCheck(ctx context.Context) error

		Close() error
	}

	// Publisher announces finalized files to downstream consumers.
	Publisher interface {
		Publish(ctx context.Context, outcome *Outcome) error
		Close() error
	}

	// Batch is a group of records bound for one target collection.
	Batch struct {
		// Target is the store collection name.
		Target string
		// SourceFile is the batch file the records came from.
		SourceFile string
		Records    []transform.Record
	}
)
