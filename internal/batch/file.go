package batch

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/zenbu-io/nytloader/internal/collection"
)

// ErrDestinationExists is returned when a no-clobber move finds the name already taken.
var ErrDestinationExists = errors.New("destination already exists")

// File is a batch file at its current location.
type File struct {
	Name   string
	Path   string
	State  State
	layout collection.Layout
}

// NewFile describes a file named name sitting in the directory of state.
func NewFile(layout collection.Layout, name string, state State) (*File, error) {
	dir, err := state.Dir(layout)
	if err != nil {
		return nil, err
	}

	return &File{
		Name:   name,
		Path:   filepath.Join(dir, name),
		State:  state,
		layout: layout,
	}, nil
}

// Move renames the file into the directory of state to and updates it in place.
//
// Claims and re-queues never overwrite an existing file. Terminal moves replace a
// same-named file left there by an earlier run, since the operator re-queued it.
func (f *File) Move(to State) error {
	if err := ValidateTransition(f.State, to); err != nil {
		return err
	}

	dir, err := to.Dir(f.layout)
	if err != nil {
		return err
	}

	dest := filepath.Join(dir, f.Name)

	if to.IsTerminal() {
		err = renameReplace(f.Path, dest)
	} else {
		err = renameNoReplace(f.Path, dest)
	}

	if err != nil {
		return fmt.Errorf("move %s %s → %s: %w", f.Name, f.State, to, err)
	}

	f.Path = dest
	f.State = to

	return nil
}
