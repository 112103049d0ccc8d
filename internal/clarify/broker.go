// Package clarify implements the rendezvous between a running task that
// needs a human answer and the command surface that delivers one.
package clarify

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrSlotOccupied is returned when a clarification is requested while
// another is already outstanding. Single-worker discipline means this
// should never happen in practice.
var ErrSlotOccupied = errors.New("clarification already pending")

// Pending describes the outstanding clarification, if any.
type Pending struct {
	TaskID   string
	Question string
	Reason   string
}

// Broker is a single-slot mailbox. RequestClarification parks the
// executor invocation on the slot's reply channel; DeliverAnswer sends
// into it. At most one clarification is outstanding at a time.
type Broker struct {
	mu   sync.Mutex
	slot *pendingSlot
}

type pendingSlot struct {
	info  Pending
	reply chan string
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{}
}

// Waiter is a reserved slot whose answer has not yet been awaited.
type Waiter struct {
	broker *Broker
	slot   *pendingSlot
}

// Reserve claims the slot for a task. The task becomes answerable via
// DeliverAnswer immediately; the caller awaits the answer separately.
// Reserving before publishing the awaiting state means an answer can
// never race past a waiter that is about to park.
func (b *Broker) Reserve(taskID, question, reason string) (*Waiter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.slot != nil {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrSlotOccupied)
	}
	slot := &pendingSlot{
		info:  Pending{TaskID: taskID, Question: question, Reason: reason},
		reply: make(chan string, 1),
	}
	b.slot = slot
	return &Waiter{broker: b, slot: slot}, nil
}

// Await blocks until an answer is delivered or the context expires.
func (w *Waiter) Await(ctx context.Context) (string, error) {
	select {
	case answer := <-w.slot.reply:
		return answer, nil
	case <-ctx.Done():
		w.broker.mu.Lock()
		if w.broker.slot == w.slot {
			w.broker.slot = nil
		}
		w.broker.mu.Unlock()
		return "", ctx.Err()
	}
}

// RequestClarification blocks until an answer is delivered or the context
// expires. Called from inside a running task's executor invocation.
func (b *Broker) RequestClarification(ctx context.Context, taskID, question, reason string) (string, error) {
	w, err := b.Reserve(taskID, question, reason)
	if err != nil {
		return "", err
	}
	return w.Await(ctx)
}

// DeliverAnswer resolves the outstanding clarification. Returns false if
// nothing is pending, or if taskID is non-empty and does not match the
// pending task. Fail-closed: a false return means no state was touched.
func (b *Broker) DeliverAnswer(taskID, answer string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.slot == nil {
		return false
	}
	if taskID != "" && b.slot.info.TaskID != taskID {
		return false
	}
	b.slot.reply <- answer
	b.slot = nil
	return true
}

// Outstanding returns the pending clarification, or false if none exists.
func (b *Broker) Outstanding() (Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.slot == nil {
		return Pending{}, false
	}
	return b.slot.info, true
}
