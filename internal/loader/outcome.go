package loader

import (
	"log/slog"
	"time"

	"github.com/zenbu-io/nytloader/internal/batch"
)

type (
	// WriteResult counts the records of one batch file by write outcome.
	WriteResult struct {
		Attempted int `json:"attempted"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	}

	// Outcome is the finalized record of one batch file, written to the run ledger and
	// published to subscribers.
	Outcome struct {
		RunID       string      `json:"run_id"`      //nolint: tagliatelle
		Collection  string      `json:"collection"`
		File        string      `json:"file"`
		State       batch.State `json:"state"`
		Result      WriteResult `json:"result"`
		Fingerprint string      `json:"fingerprint,omitempty"`
		Error       string      `json:"error,omitempty"`
		StartedAt   time.Time   `json:"started_at"`  //nolint: tagliatelle
		FinishedAt  time.Time   `json:"finished_at"` //nolint: tagliatelle
	}

	// Summary totals one collection run.
	Summary struct {
		RunID      string
		Collection string
		Claimed    int
		Recovered  int
		Processed  int
		Failed     int
		// Requeued files were claimed but returned to input because the run was stopped.
		Requeued int
		// Stuck files could not be moved to a terminal directory and need an operator.
		Stuck   int
		Records WriteResult
		Elapsed time.Duration
	}
)

// OK reports whether every attempted record was written.
func (r WriteResult) OK() bool {
	return r.Failed == 0
}

// Add accumulates other into r.
func (r *WriteResult) Add(other WriteResult) {
	r.Attempted += other.Attempted
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
}

// LogValue implements slog.LogValuer.
func (r WriteResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("attempted", r.Attempted),
		slog.Int("succeeded", r.Succeeded),
		slog.Int("failed", r.Failed),
	)
}

// Elapsed is the wall time spent on the file.
func (o *Outcome) Elapsed() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// HasFailures reports whether any file of the run ended in failed or stuck in processing.
func (s *Summary) HasFailures() bool {
	return s.Failed > 0 || s.Stuck > 0
}

func (s *Summary) add(o *Outcome) {
	s.Records.Add(o.Result)

	switch o.State {
	case batch.StateProcessed:
		s.Processed++
	case batch.StateFailed:
		s.Failed++
	default:
		s.Stuck++
	}
}

// LogValue implements slog.LogValuer.
func (s *Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("run_id", s.RunID),
		slog.String("collection", s.Collection),
		slog.Int("claimed", s.Claimed),
		slog.Int("recovered", s.Recovered),
		slog.Int("processed", s.Processed),
		slog.Int("failed", s.Failed),
		slog.Int("requeued", s.Requeued),
		slog.Int("stuck", s.Stuck),
		slog.Any("records", s.Records),
		slog.Duration("elapsed", s.Elapsed),
	)
}
