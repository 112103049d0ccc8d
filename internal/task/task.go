// Package task defines the task entity, its lifecycle state machine, and
// the classification hint used when judging executor outcomes.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is a task lifecycle state.
type State string

const (
	StateQueued           State = "QUEUED"
	StateRunning          State = "RUNNING"
	StateAwaitingResponse State = "AWAITING_RESPONSE"
	StateComplete         State = "COMPLETE"
	StateIncomplete       State = "INCOMPLETE"
	StateError            State = "ERROR"
)

// allowedTransitions encodes the lifecycle state machine. The QUEUED entries
// under RUNNING and AWAITING_RESPONSE cover restart recovery and the
// answer-without-live-waiter requeue path.
var allowedTransitions = map[State]map[State]struct{}{
	StateQueued: {
		StateRunning: {},
	},
	StateRunning: {
		StateComplete:         {},
		StateIncomplete:       {},
		StateError:            {},
		StateAwaitingResponse: {},
		StateQueued:           {}, // Crash recovery requeue.
	},
	StateAwaitingResponse: {
		StateRunning: {},
		StateQueued:  {}, // Answer delivered after restart, no live waiter.
		StateError:   {},
	},
}

// ValidTransition reports whether from -> to is a legal lifecycle move.
func ValidTransition(from, to State) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// Terminal reports whether s is a terminal state.
func Terminal(s State) bool {
	switch s {
	case StateComplete, StateIncomplete, StateError:
		return true
	}
	return false
}

// Type classifies what kind of work a task describes. An information
// request that modifies no files is still a success; an implementation
// task that modifies no files is suspicious and downgraded to incomplete.
type Type string

const (
	TypeImplementation Type = "implementation"
	TypeInformation    Type = "information"
	TypeReport         Type = "report"
)

var informationPrefixes = []string{
	"what", "why", "how", "when", "where", "who", "which",
	"explain", "describe", "show", "tell",
}

var reportKeywords = []string{
	"report", "summarize", "summarise", "summary", "analyze", "analysis", "review",
}

// Classify guesses the task type from its description. The heuristic is
// deliberately coarse; it only influences how a "no file changes" outcome
// is judged, never whether the task runs.
func Classify(description string) Type {
	lower := strings.ToLower(strings.TrimSpace(description))
	for _, kw := range reportKeywords {
		if strings.Contains(lower, kw) {
			return TypeReport
		}
	}
	first, _, _ := strings.Cut(lower, " ")
	first = strings.TrimRight(first, "?,:")
	for _, p := range informationPrefixes {
		if first == p {
			return TypeInformation
		}
	}
	if strings.HasSuffix(lower, "?") {
		return TypeInformation
	}
	return TypeImplementation
}

// Task is one unit of user-submitted work tracked from QUEUED to a
// terminal state.
type Task struct {
	ID          string
	Description string
	Type        Type
	State       State

	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	ResultStatus  string
	ErrorMessage  string
	FilesModified []string
	Summary       string

	ClarificationQuestion string
	ClarificationReason   string
	ClarificationAnswer   string
}

// New builds a QUEUED task with a time-ordered id.
func New(description string) *Task {
	return &Task{
		ID:          NewID(),
		Description: description,
		Type:        Classify(description),
		State:       StateQueued,
		QueuedAt:    time.Now().UTC(),
	}
}

// NewID returns a time-ordered unique task id. UUIDv7 keeps ids sortable
// by creation time, which matters for FIFO recovery ordering.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Clone returns a copy sharing no mutable state with the original, safe
// to read without coordination.
func (t *Task) Clone() *Task {
	c := *t
	c.FilesModified = append([]string(nil), t.FilesModified...)
	return &c
}

// Transition moves the task to a new state, enforcing the state machine.
func (t *Task) Transition(to State) error {
	if !ValidTransition(t.State, to) {
		return fmt.Errorf("invalid transition %s -> %s for task %s", t.State, to, t.ID)
	}
	t.State = to
	return nil
}

// Elapsed returns how long the task has been (or was) in flight.
func (t *Task) Elapsed(now time.Time) time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	end := now
	if !t.CompletedAt.IsZero() {
		end = t.CompletedAt
	}
	return end.Sub(t.StartedAt)
}

// Marker returns the single-character state marker used by task listings.
func (t *Task) Marker() string {
	switch t.State {
	case StateQueued:
		return "·"
	case StateRunning:
		return ">"
	case StateAwaitingResponse:
		return "?"
	case StateComplete:
		return "v"
	case StateError:
		return "!"
	case StateIncomplete:
		return "~"
	}
	return " "
}
