// Package sequencer turns raw input lines into a strictly ordered stream
// of logical inputs: command lines dispatch immediately, multi-line
// buffers flush as one input, and a single drain goroutine guarantees
// that side effects happen in submission order even when piped input
// outruns processing.
package sequencer

import (
	"strings"
	"sync"
)

const defaultQueueDepth = 256

// Options control dispatch behavior.
type Options struct {
	// CommandPrefix marks lines dispatched immediately as commands.
	// Defaults to "/".
	CommandPrefix string
	// Interactive is false for piped input; every non-empty line then
	// dispatches immediately since no blank-line terminator is
	// guaranteed.
	Interactive bool
	// MultiLine accumulates non-command lines until a blank line.
	MultiLine bool
}

// Sequencer owns the FIFO input queue and the multi-line buffer.
type Sequencer struct {
	opts    Options
	handler func(input string)

	mu     sync.Mutex
	buffer []string
	closed bool

	queue chan string
	wg    sync.WaitGroup
}

// New creates a sequencer delivering logical inputs to handler, one at a
// time, in submission order.
func New(opts Options, handler func(input string)) *Sequencer {
	if opts.CommandPrefix == "" {
		opts.CommandPrefix = "/"
	}
	s := &Sequencer{
		opts:    opts,
		handler: handler,
		queue:   make(chan string, defaultQueueDepth),
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

func (s *Sequencer) drain() {
	defer s.wg.Done()
	for input := range s.queue {
		s.handler(input)
	}
}

// Submit feeds one raw line. Safe to call from a single reader goroutine.
func (s *Sequencer) Submit(rawLine string) {
	line := strings.TrimRight(rawLine, "\r\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, s.opts.CommandPrefix):
		// A pending multi-line buffer is an earlier logical input; it
		// must land before the command.
		s.flushLocked()
		s.queue <- trimmed

	case trimmed == "":
		s.flushLocked()

	case !s.opts.Interactive:
		s.queue <- trimmed

	case s.opts.MultiLine:
		s.buffer = append(s.buffer, line)

	default:
		s.queue <- trimmed
	}
}

// flushLocked emits the accumulated buffer as one logical input.
// Caller holds s.mu.
func (s *Sequencer) flushLocked() {
	if len(s.buffer) == 0 {
		return
	}
	input := strings.TrimSpace(strings.Join(s.buffer, "\n"))
	s.buffer = nil
	if input != "" {
		s.queue <- input
	}
}

// Close flushes any buffered input and waits for the queue to drain.
func (s *Sequencer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.flushLocked()
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}
