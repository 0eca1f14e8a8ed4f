package loader

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"golang.org/x/time/rate"

	"github.com/zenbu-io/nytloader/internal/collection"
	"github.com/zenbu-io/nytloader/internal/transform"
)

// ErrMissingKey is recorded for output records whose natural key has a null component.
var ErrMissingKey = errors.New("record has no natural key")

type (
	// Writer upserts output records into a Store in fixed-size batches.
	Writer struct {
		store     Store
		batchSize int
		limiter   *rate.Limiter
		logger    *slog.Logger
	}

	// WriterOption configures a Writer.
	WriterOption func(*Writer)
)

// WithBatchSize sets the number of records sent per Upsert call.
func WithBatchSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithRateLimit throttles writes to rps records per second. Zero disables throttling.
func WithRateLimit(rps float64) WriterOption {
	return func(w *Writer) {
		if rps > 0 {
			w.limiter = rate.NewLimiter(rate.Limit(rps), 0)
		}
	}
}

// WithWriterLogger sets the logger used for per-record failures.
func WithWriterLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWriter returns a Writer for store.
func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:     store,
		batchSize: defaultBatchSize,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.limiter != nil {
		w.limiter.SetBurst(w.batchSize)
	}

	return w
}

// Write stores every record of records for spec and reports the counts.
//
// Records are written independently: a failed record or batch is counted and the
// remaining batches are still attempted. Records already written stay written and
// count as succeeded even when their batch stopped early.
func (w *Writer) Write(
	ctx context.Context,
	spec *collection.Spec,
	sourceFile string,
	records iter.Seq[transform.Record],
) WriteResult {
	var result WriteResult

	pending := make([]transform.Record, 0, w.batchSize)

	for record := range records {
		if record.Key == "" {
			result.Attempted++
			result.Failed++

			w.logger.Warn("Record rejected",
				slog.String("collection", spec.Name),
				slog.String("file", sourceFile),
				slog.String("error", fmt.Errorf("%w: key fields %v", ErrMissingKey, spec.KeyFields).Error()),
			)

			continue
		}

		pending = append(pending, record)

		if len(pending) == w.batchSize {
			result.Add(w.flush(ctx, spec, sourceFile, pending))
			pending = pending[:0]
		}
	}

	if len(pending) > 0 {
		result.Add(w.flush(ctx, spec, sourceFile, pending))
	}

	return result
}

func (w *Writer) flush(
	ctx context.Context,
	spec *collection.Spec,
	sourceFile string,
	records []transform.Record,
) WriteResult {
	n := len(records)
	result := WriteResult{Attempted: n}

	if w.limiter != nil {
		if err := w.limiter.WaitN(ctx, n); err != nil {
			result.Failed = n
			w.logBatchFailure(spec, sourceFile, n, err)

			return result
		}
	}

	batch := &Batch{
		Target:     spec.Target,
		SourceFile: sourceFile,
		Records:    slices.Clone(records),
	}

	errs, err := w.store.Upsert(ctx, batch)
	if len(errs) != n {
		if err == nil {
			err = fmt.Errorf("store returned %d results for %d records", len(errs), n)
		}

		result.Failed = n
		w.logBatchFailure(spec, sourceFile, n, err)

		return result
	}

	if err != nil {
		w.logBatchFailure(spec, sourceFile, n, err)
	}

	for i, recordErr := range errs {
		if recordErr == nil {
			result.Succeeded++

			continue
		}

		result.Failed++

		// Records the batch never reached are covered by the batch failure log.
		if err != nil && recordErr == err {
			continue
		}

		w.logger.Warn("Record write failed",
			slog.String("collection", spec.Name),
			slog.String("file", sourceFile),
			slog.String("key", records[i].Key),
			slog.String("error", recordErr.Error()),
		)
	}

	return result
}

func (w *Writer) logBatchFailure(spec *collection.Spec, sourceFile string, n int, err error) {
	w.logger.Error("Batch write failed",
		slog.String("collection", spec.Name),
		slog.String("file", sourceFile),
		slog.Int("records", n),
		slog.String("error", err.Error()),
	)
}
