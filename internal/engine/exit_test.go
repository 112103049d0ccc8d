package engine

import "testing"

func TestExitTracker_Codes(t *testing.T) {
	var clean ExitTracker
	if clean.Code() != ExitComplete {
		t.Fatalf("clean code = %d", clean.Code())
	}

	var incomplete ExitTracker
	incomplete.NoteIncomplete()
	if incomplete.Code() != ExitIncomplete {
		t.Fatalf("incomplete code = %d", incomplete.Code())
	}

	var failed ExitTracker
	failed.NoteError()
	if failed.Code() != ExitError {
		t.Fatalf("error code = %d", failed.Code())
	}
}

func TestExitTracker_ErrorWinsRegardlessOfOrder(t *testing.T) {
	var a ExitTracker
	a.NoteError()
	a.NoteIncomplete()

	var b ExitTracker
	b.NoteIncomplete()
	b.NoteError()

	if a.Code() != ExitError || b.Code() != ExitError {
		t.Fatalf("codes = %d, %d; want %d", a.Code(), b.Code(), ExitError)
	}
}

func TestExitTracker_Idempotent(t *testing.T) {
	var x ExitTracker
	x.NoteIncomplete()
	first := x.Code()
	second := x.Code()
	if first != second {
		t.Fatalf("codes differ: %d then %d", first, second)
	}
	x.NoteIncomplete()
	if x.Code() != first {
		t.Fatalf("code changed after repeated flag: %d", x.Code())
	}
}
