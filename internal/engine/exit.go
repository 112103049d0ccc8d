package engine

import "sync/atomic"

// Process exit codes.
const (
	ExitComplete   = 0
	ExitError      = 1
	ExitIncomplete = 2
)

// ExitTracker accumulates failure flags across the session. Flags are
// set and never cleared, so the final code is independent of the order
// in which outcomes arrive.
type ExitTracker struct {
	hasError      atomic.Bool
	hasIncomplete atomic.Bool
}

// NoteError records that a task or the engine itself failed.
func (x *ExitTracker) NoteError() {
	x.hasError.Store(true)
}

// NoteIncomplete records that a task ended without finishing its work.
func (x *ExitTracker) NoteIncomplete() {
	x.hasIncomplete.Store(true)
}

// Code reduces the accumulated flags to the process exit code.
func (x *ExitTracker) Code() int {
	if x.hasError.Load() {
		return ExitError
	}
	if x.hasIncomplete.Load() {
		return ExitIncomplete
	}
	return ExitComplete
}
