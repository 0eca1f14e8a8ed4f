// Package batch tracks raw batch files through their directory-backed lifecycle.
//
// Every file lives in exactly one of four directories and its location is its state:
//
//	input (Pending) → processing (Claimed) → processed (Processed) | failed (Failed)
//
// A claimed file that was never started may go back to Pending. Processed and Failed
// are terminal: only an operator moves files out of them.
package batch

import (
	"errors"
	"fmt"

	"github.com/zenbu-io/nytloader/internal/collection"
)

// State is the lifecycle state of a batch file.
type State string

const (
	StatePending   State = "pending"
	StateClaimed   State = "claimed"
	StateProcessed State = "processed"
	StateFailed    State = "failed"
)

var (
	// ErrInvalidTransition indicates a move the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid batch state transition")

	// ErrTerminalStateImmutable indicates an attempt to move a file out of a terminal directory.
	ErrTerminalStateImmutable = errors.New("terminal batch state is immutable")
)

// IsTerminal reports whether the state can only be left by operator action.
func (s State) IsTerminal() bool {
	return s == StateProcessed || s == StateFailed
}

// Dir returns the layout directory backing the state.
func (s State) Dir(l collection.Layout) (string, error) {
	switch s {
	case StatePending:
		return l.Input, nil
	case StateClaimed:
		return l.Processing, nil
	case StateProcessed:
		return l.Processed, nil
	case StateFailed:
		return l.Failed, nil
	default:
		return "", fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, s)
	}
}

// ValidateTransition checks a move between states.
//
// Valid transitions:
//   - Pending → Claimed (claim)
//   - Claimed → Processed | Failed (finalize)
//   - Claimed → Pending (re-queue of a claimed file that was never started)
func ValidateTransition(from, to State) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s", ErrTerminalStateImmutable, from, to)
	}

	switch {
	case from == StatePending && to == StateClaimed:
		return nil
	case from == StateClaimed && (to == StateProcessed || to == StateFailed || to == StatePending):
		return nil
	default:
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
}
