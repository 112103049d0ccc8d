// Package shell is the interactive command surface: it reads raw lines,
// sequences them, and dispatches commands or natural-language tasks
// against the engine. Every command returns a structured result so the
// caller can fail closed.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskshell/internal/bus"
	"github.com/basket/taskshell/internal/engine"
	"github.com/basket/taskshell/internal/sequencer"
)

// Stable error codes for command failures.
const (
	ErrUnknownCommand   = "E101"
	ErrMissingArgument  = "E102"
	ErrNothingToRespond = "E107"
)

// CmdError is a command failure with a stable short code.
type CmdError struct {
	Code    string
	Message string
}

// Result is the outcome of one logical input.
type Result struct {
	Success bool
	Error   *CmdError
}

func ok() Result {
	return Result{Success: true}
}

func fail(code, message string) Result {
	return Result{Success: false, Error: &CmdError{Code: code, Message: message}}
}

// Options configure the shell.
type Options struct {
	CommandPrefix string
	Interactive   bool
	MultiLine     bool
	// PersistModel, when set, writes a /model change back to config.
	PersistModel func(model string) error
}

// Shell dispatches logical inputs against the engine.
type Shell struct {
	engine *engine.Engine
	bus    *bus.Bus
	logger *slog.Logger
	opts   Options
	render *renderer

	outMu sync.Mutex
	out   io.Writer

	exitOnce sync.Once
	exitCh   chan struct{}
}

// New builds a shell over the engine. eventBus may be nil.
func New(eng *engine.Engine, eventBus *bus.Bus, out io.Writer, logger *slog.Logger, opts Options) *Shell {
	if opts.CommandPrefix == "" {
		opts.CommandPrefix = "/"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Shell{
		engine: eng,
		bus:    eventBus,
		logger: logger,
		opts:   opts,
		render: newRenderer(opts.Interactive),
		out:    out,
		exitCh: make(chan struct{}),
	}
}

// ExitRequested is closed once /exit has been accepted.
func (s *Shell) ExitRequested() <-chan struct{} {
	return s.exitCh
}

func (s *Shell) requestExit() {
	s.exitOnce.Do(func() { close(s.exitCh) })
}

// Run reads raw lines from r until EOF, /exit, or context cancellation.
// Lines flow through the sequencer so side effects happen in submission
// order even when piped input arrives faster than tasks are processed.
func (s *Shell) Run(ctx context.Context, r io.Reader) {
	seq := sequencer.New(sequencer.Options{
		CommandPrefix: s.opts.CommandPrefix,
		Interactive:   s.opts.Interactive,
		MultiLine:     s.opts.MultiLine,
	}, func(input string) {
		s.Dispatch(input)
	})

	var notifyCancel context.CancelFunc
	if s.bus != nil {
		var notifyCtx context.Context
		notifyCtx, notifyCancel = context.WithCancel(ctx)
		go s.watchEvents(notifyCtx)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-s.exitCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	if s.opts.Interactive {
		s.printf("%s\n", s.render.banner())
		s.prompt()
	}

loop:
	for {
		select {
		case line, open := <-lines:
			if !open {
				break loop
			}
			seq.Submit(line)
			if s.opts.Interactive {
				s.prompt()
			}
		case <-s.exitCh:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	seq.Close()
	if notifyCancel != nil {
		notifyCancel()
	}
}

func (s *Shell) prompt() {
	s.printf("> ")
}

// Dispatch handles one logical input: a command line or a task
// description.
func (s *Shell) Dispatch(input string) Result {
	input = strings.TrimSpace(input)
	if input == "" {
		return ok()
	}

	var result Result
	if strings.HasPrefix(input, s.opts.CommandPrefix) {
		result = s.handleCommand(input)
	} else {
		t := s.engine.Enqueue(input)
		s.printf("%s\n", s.render.enqueued(t))
		result = ok()
	}

	if result.Error != nil {
		s.printf("%s\n", s.render.cmdError(result.Error))
		s.logger.Warn("command failed", "code", result.Error.Code, "message", result.Error.Message)
	}
	return result
}

func (s *Shell) handleCommand(input string) Result {
	body := strings.TrimPrefix(input, s.opts.CommandPrefix)
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return fail(ErrUnknownCommand, "empty command")
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "tasks":
		return s.cmdTasks()
	case "logs":
		return s.cmdLogs(args)
	case "respond":
		return s.cmdRespond(body)
	case "model":
		return s.cmdModel(args)
	case "session":
		return s.cmdSession()
	case "help":
		s.printf("%s\n", s.render.help(s.opts.CommandPrefix))
		return ok()
	case "exit", "quit":
		s.requestExit()
		return ok()
	default:
		return fail(ErrUnknownCommand, fmt.Sprintf("unknown command %s%s (try %shelp)", s.opts.CommandPrefix, cmd, s.opts.CommandPrefix))
	}
}

func (s *Shell) cmdTasks() Result {
	tasks := s.engine.Tasks().List()
	s.printf("%s\n", s.render.taskList(tasks, time.Now()))
	return ok()
}

func (s *Shell) cmdLogs(args []string) Result {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return fail(ErrMissingArgument, fmt.Sprintf("logs wants a line count, got %q", args[0]))
		}
		limit = n
	}
	events, err := s.engine.Events(context.Background(), limit)
	if err != nil {
		return fail(ErrMissingArgument, fmt.Sprintf("read task history: %v", err))
	}
	s.printf("%s\n", s.render.eventLog(events))
	return ok()
}

// cmdRespond parses "respond [taskId] <text>". The id may be omitted
// when exactly one task is awaiting a response.
func (s *Shell) cmdRespond(body string) Result {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(body), "respond"))
	if rest == "" {
		return fail(ErrMissingArgument, "respond needs an answer: /respond [taskId] <text>")
	}

	taskID := ""
	answer := rest
	first, remainder, found := strings.Cut(rest, " ")
	if found && s.engine.Tasks().Find(first) != nil {
		taskID = first
		answer = strings.TrimSpace(remainder)
	}
	if answer == "" {
		return fail(ErrMissingArgument, "respond needs an answer: /respond [taskId] <text>")
	}

	if !s.engine.Respond(taskID, answer) {
		return fail(ErrNothingToRespond, "nothing to respond to")
	}
	s.printf("%s\n", s.render.answered(taskID))
	return ok()
}

func (s *Shell) cmdModel(args []string) Result {
	if len(args) == 0 {
		s.printf("model: %s\n", orDefault(s.engine.Session().Model, "(default)"))
		return ok()
	}
	model := args[0]
	s.engine.SetModel(model)
	if s.opts.PersistModel != nil {
		if err := s.opts.PersistModel(model); err != nil {
			s.logger.Warn("persist model failed", "error", err.Error())
		}
	}
	s.printf("model set to %s\n", model)
	return ok()
}

func (s *Shell) cmdSession() Result {
	sess := s.engine.Session()
	s.printf("%s\n", s.render.session(sess, s.engine.Tasks().Len()))
	return ok()
}

// watchEvents surfaces async task lifecycle notices on the terminal
// while the operator is doing something else.
func (s *Shell) watchEvents(ctx context.Context) {
	sub := s.bus.Subscribe("task.")
	defer s.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-sub.Ch():
			if !open {
				return
			}
			if notice := s.render.notice(event); notice != "" {
				s.printf("%s\n", notice)
				if s.opts.Interactive {
					s.prompt()
				}
			}
		}
	}
}

func (s *Shell) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
