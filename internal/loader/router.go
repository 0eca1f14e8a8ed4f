package loader

import (
	"errors"
	"log/slog"
	"time"

	"github.com/zenbu-io/nytloader/internal/batch"
)

// Router moves a finished batch file to its terminal directory.
type Router struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewRouter returns a Router logging to logger.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{logger: logger, now: time.Now}
}

// Finalize routes f to processed when cause is nil and every record was written,
// and to failed otherwise. It fills in outcome's State, Error and FinishedAt.
//
// If the move fails the file stays in processing with State claimed; it is logged
// for the operator and never retried automatically.
func (r *Router) Finalize(f *batch.File, outcome *Outcome, cause error) {
	target := batch.StateProcessed
	if cause != nil || !outcome.Result.OK() {
		target = batch.StateFailed
	}

	if cause != nil {
		outcome.Error = cause.Error()
	}

	moveErr := f.Move(target)
	outcome.State = f.State
	outcome.FinishedAt = r.now().UTC()

	attrs := []any{
		slog.String("run_id", outcome.RunID),
		slog.String("collection", outcome.Collection),
		slog.String("file", outcome.File),
		slog.Any("records", outcome.Result),
		slog.Duration("elapsed", outcome.Elapsed()),
	}

	if moveErr != nil {
		outcome.Error = errors.Join(cause, moveErr).Error()

		r.logger.Error("Batch file stuck in processing",
			append(attrs,
				slog.String("target", string(target)),
				slog.String("error", moveErr.Error()),
				slog.Bool("operator_action_required", true),
			)...,
		)

		return
	}

	if target == batch.StateFailed {
		if cause != nil {
			attrs = append(attrs, slog.String("error", cause.Error()))
		}

		r.logger.Warn("Batch file failed", attrs...)

		return
	}

	r.logger.Info("Batch file processed", attrs...)
}
