package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zenbu-io/nytloader/internal/batch"
	"github.com/zenbu-io/nytloader/internal/collection"
	"github.com/zenbu-io/nytloader/internal/lock"
	"github.com/zenbu-io/nytloader/internal/transform"
)

// ErrNoStore is returned when a pipeline is built without a store.
var ErrNoStore = errors.New("pipeline requires a store")

type (
	// Pipeline runs one pass over a collection: lock, recover, claim, transform,
	// write, finalize.
	Pipeline struct {
		locks     *lock.Manager
		store     Store
		publisher Publisher
		scanner   *batch.Scanner
		writer    *Writer
		router    *Router
		logger    *slog.Logger
		now       func() time.Time
	}

	// PipelineOption configures a Pipeline.
	PipelineOption func(*Pipeline)
)

// WithPublisher sets the sink notified of every finalized file.
func WithPublisher(p Publisher) PipelineOption {
	return func(pl *Pipeline) {
		if p != nil {
			pl.publisher = p
		}
	}
}

// WithWriter replaces the default Writer.
func WithWriter(w *Writer) PipelineOption {
	return func(pl *Pipeline) {
		if w != nil {
			pl.writer = w
		}
	}
}

// WithLogger sets the pipeline logger; the scanner and router share it.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(pl *Pipeline) {
		if l != nil {
			pl.logger = l
		}
	}
}

// NewPipeline wires a Pipeline over locks and store.
func NewPipeline(locks *lock.Manager, store Store, opts ...PipelineOption) (*Pipeline, error) {
	if locks == nil {
		return nil, errors.New("pipeline requires a lock manager")
	}

	if store == nil {
		return nil, ErrNoStore
	}

	p := &Pipeline{
		locks:     locks,
		store:     store,
		logger:    slog.Default(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.writer == nil {
		p.writer = NewWriter(store, WithWriterLogger(p.logger))
	}

	p.scanner = batch.NewScanner(p.logger)
	p.router = NewRouter(p.logger)

	return p, nil
}

// Run makes one pass over spec under the collection lock.
//
// lock.ErrAlreadyRunning is returned as is, with nothing touched. Per-file problems
// never abort the pass; they are reflected in the Summary. When ctx is cancelled the
// file in flight still finalizes and files not yet started go back to input.
func (p *Pipeline) Run(ctx context.Context, spec *collection.Spec) (*Summary, error) {
	start := p.now()
	summary := &Summary{RunID: uuid.NewString(), Collection: spec.Name}

	err := p.locks.WithLock(ctx, spec.Name, func(ctx context.Context) error {
		return p.pass(ctx, spec, summary)
	})

	summary.Elapsed = p.now().Sub(start)

	if err != nil {
		return nil, err
	}

	p.logger.Info("Collection run complete", slog.Any("summary", summary))

	return summary, nil
}

func (p *Pipeline) pass(ctx context.Context, spec *collection.Spec, summary *Summary) error {
	if err := spec.Layout.Ensure(); err != nil {
		return fmt.Errorf("%s: %w", spec.Name, err)
	}

	recovered, err := p.scanner.RecoverClaimed(spec)
	if err != nil {
		return err
	}

	claimed, err := p.scanner.ClaimPending(spec)
	if err != nil {
		return err
	}

	summary.Recovered = len(recovered)
	summary.Claimed = len(claimed)

	files := append(recovered, claimed...)

	for i, f := range files {
		if ctx.Err() != nil {
			p.requeue(spec, files[i:], summary)

			break
		}

		summary.add(p.process(context.WithoutCancel(ctx), spec, f, summary.RunID))
	}

	return nil
}

// process transforms and writes one claimed file, then finalizes it. It always
// returns an Outcome.
func (p *Pipeline) process(ctx context.Context, spec *collection.Spec, f *batch.File, runID string) *Outcome {
	outcome := &Outcome{
		RunID:      runID,
		Collection: spec.Name,
		File:       f.Name,
		State:      f.State,
		StartedAt:  p.now().UTC(),
	}

	cause := p.load(ctx, spec, f, outcome)
	p.router.Finalize(f, outcome, cause)

	if err := p.store.RecordOutcome(ctx, outcome); err != nil {
		p.logger.Error("Failed to record run ledger entry",
			slog.String("collection", spec.Name),
			slog.String("file", f.Name),
			slog.String("error", err.Error()),
		)
	}

	if p.publisher == nil {
		return outcome
	}

	if err := p.publisher.Publish(ctx, outcome); err != nil {
		p.logger.Warn("Failed to publish outcome",
			slog.String("collection", spec.Name),
			slog.String("file", f.Name),
			slog.String("error", err.Error()),
		)
	}

	return outcome
}

// load returns the file-level error, if any; per-record failures land in outcome.Result.
func (p *Pipeline) load(ctx context.Context, spec *collection.Spec, f *batch.File, outcome *Outcome) error {
	data, err := f.Read()
	if err != nil {
		return err
	}

	outcome.Fingerprint = batch.Fingerprint(data)

	doc, err := transform.DecodeBytes(data)
	if err != nil {
		return err
	}

	records, err := transform.Transform(doc, spec)
	if err != nil {
		return err
	}

	outcome.Result = p.writer.Write(ctx, spec, f.Name, records)

	return nil
}

func (p *Pipeline) requeue(spec *collection.Spec, files []*batch.File, summary *Summary) {
	p.logger.Info("Stop requested, re-queuing unstarted files",
		slog.String("collection", spec.Name),
		slog.Int("files", len(files)),
	)

	for _, f := range files {
		if err := p.scanner.Requeue(f); err != nil {
			p.logger.Warn("Could not re-queue file, it will be resumed on the next run",
				slog.String("collection", spec.Name),
				slog.String("file", f.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		summary.Requeued++
	}
}

// RunAll runs every spec concurrently, one goroutine per collection, and returns the
// summaries in spec order. A collection already running elsewhere is skipped and its
// slot left nil. Other collection errors are joined.
func (p *Pipeline) RunAll(ctx context.Context, specs []*collection.Spec) ([]*Summary, error) {
	summaries := make([]*Summary, len(specs))
	errs := make([]error, len(specs))

	var g errgroup.Group

	for i, spec := range specs {
		g.Go(func() error {
			summary, err := p.Run(ctx, spec)

			switch {
			case errors.Is(err, lock.ErrAlreadyRunning):
				p.logger.Info("Collection already being loaded, skipping",
					slog.String("collection", spec.Name),
					slog.String("reason", err.Error()),
				)
			case err != nil:
				errs[i] = fmt.Errorf("collection %s: %w", spec.Name, err)
			default:
				summaries[i] = summary
			}

			return nil
		})
	}

	_ = g.Wait()

	return summaries, errors.Join(errs...)
}
