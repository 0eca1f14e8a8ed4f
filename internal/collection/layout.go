package collection

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const dirPerm = 0o755

// Layout holds the four sibling directories a batch file moves through.
type Layout struct {
	Input      string
	Processing string
	Failed     string
	Processed  string
}

// Dirs returns the directories in lifecycle order.
func (l Layout) Dirs() []string {
	return []string{l.Input, l.Processing, l.Failed, l.Processed}
}

// Validate checks that all four directories are set and distinct.
func (l Layout) Validate() error {
	seen := make(map[string]bool, 4)

	for _, dir := range l.Dirs() {
		if dir == "" {
			return errors.New("layout directory is empty")
		}

		clean := filepath.Clean(dir)
		if seen[clean] {
			return fmt.Errorf("layout directory %q used for more than one state", clean)
		}

		seen[clean] = true
	}

	return nil
}

// Ensure creates any missing layout directory.
func (l Layout) Ensure() error {
	for _, dir := range l.Dirs() {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return nil
}
