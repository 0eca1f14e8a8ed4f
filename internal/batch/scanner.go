package batch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/zenbu-io/nytloader/internal/collection"
)

// Scanner discovers batch files and claims them for processing.
type Scanner struct {
	logger *slog.Logger
}

// NewScanner returns a Scanner logging to logger.
func NewScanner(logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scanner{logger: logger}
}

// ClaimPending moves every pending file of spec into processing, in lexicographic
// name order, and returns the files it claimed.
//
// A file that cannot be moved (vanished, name already taken in processing) is
// skipped with a warning. Only a failure to list the input directory is an error.
func (s *Scanner) ClaimPending(spec *collection.Spec) ([]*File, error) {
	names, err := list(spec, spec.Layout.Input)
	if err != nil {
		return nil, fmt.Errorf("scan %s input: %w", spec.Name, err)
	}

	claimed := make([]*File, 0, len(names))

	for _, name := range names {
		f, err := NewFile(spec.Layout, name, StatePending)
		if err != nil {
			return nil, err
		}

		if err := f.Move(StateClaimed); err != nil {
			reason := "move failed"

			switch {
			case errors.Is(err, fs.ErrNotExist):
				reason = "file vanished"
			case errors.Is(err, ErrDestinationExists):
				reason = "name already in processing"
			}

			s.logger.Warn("Skipping batch file",
				slog.String("collection", spec.Name),
				slog.String("file", name),
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)

			continue
		}

		claimed = append(claimed, f)
	}

	return claimed, nil
}

// RecoverClaimed returns files left in processing by an interrupted run so they can
// be resumed. They are never copied back to input.
func (s *Scanner) RecoverClaimed(spec *collection.Spec) ([]*File, error) {
	names, err := list(spec, spec.Layout.Processing)
	if err != nil {
		return nil, fmt.Errorf("scan %s processing: %w", spec.Name, err)
	}

	recovered := make([]*File, 0, len(names))

	for _, name := range names {
		f, err := NewFile(spec.Layout, name, StateClaimed)
		if err != nil {
			return nil, err
		}

		s.logger.Warn("Resuming batch file left in processing",
			slog.String("collection", spec.Name),
			slog.String("file", name),
		)

		recovered = append(recovered, f)
	}

	return recovered, nil
}

// Requeue returns a claimed file that was never started to input.
func (s *Scanner) Requeue(f *File) error {
	if err := f.Move(StatePending); err != nil {
		return err
	}

	s.logger.Info("Re-queued batch file", slog.String("file", f.Name))

	return nil
}

// list returns the regular, non-hidden files of dir matching spec's extension,
// sorted by name.
func list(spec *collection.Spec, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()

		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") || !spec.Matches(name) {
			continue
		}

		names = append(names, name)
	}

	return names, nil
}
