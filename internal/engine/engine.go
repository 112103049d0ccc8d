// Package engine is the task orchestration core: it owns the session,
// the task store, the single worker loop, and the clarification and
// recovery paths.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskshell/internal/bus"
	"github.com/basket/taskshell/internal/clarify"
	"github.com/basket/taskshell/internal/executor"
	otelPkg "github.com/basket/taskshell/internal/otel"
	"github.com/basket/taskshell/internal/persistence"
	"github.com/basket/taskshell/internal/shared"
	"github.com/basket/taskshell/internal/task"
)

// Session identifies one shell run and its task pointers.
type Session struct {
	ID            string
	ProjectPath   string
	Model         string
	CurrentTaskID string
	LastTaskID    string
	StartedAt     time.Time
}

// Config carries the engine's collaborators. Store, Bus, Logger, Tracer,
// and Metrics may be nil; the engine degrades to in-memory-only operation.
type Config struct {
	ProjectPath string
	Model       string
	Store       *persistence.Store
	Bus         *bus.Bus
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *otelPkg.Metrics
}

// Engine owns the task store and session and drives the worker loop.
// Everything else holds a reference to the engine, never the reverse.
type Engine struct {
	session Session
	tasks   *TaskStore
	broker  *clarify.Broker
	runner  executor.Runner
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	exit    *ExitTracker

	// mu guards session pointers and the worker-active flag. The
	// handoff between an exiting worker and a concurrent enqueue
	// happens entirely under this lock.
	mu           sync.Mutex
	workerActive bool
	wg           sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an engine with a fresh session.
func New(runner executor.Runner, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		session: Session{
			ID:          uuid.NewString(),
			ProjectPath: cfg.ProjectPath,
			Model:       cfg.Model,
			StartedAt:   time.Now().UTC(),
		},
		tasks:   NewTaskStore(),
		broker:  clarify.New(),
		runner:  runner,
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
		exit:    &ExitTracker{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Session returns a copy of the current session record.
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// SetModel changes the model used for subsequent executor invocations.
func (e *Engine) SetModel(model string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Model = model
}

// Tasks exposes the task store for the command surface (read paths).
func (e *Engine) Tasks() *TaskStore {
	return e.tasks
}

// Start persists the session row and recovers unfinished work from a
// previous run. Call once before accepting input.
func (e *Engine) Start(ctx context.Context) error {
	if e.store != nil {
		err := e.store.EnsureSession(ctx, persistence.SessionRecord{
			ID:          e.session.ID,
			ProjectPath: e.session.ProjectPath,
			Model:       e.session.Model,
		})
		if err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
	}
	if err := e.recover(ctx); err != nil {
		return err
	}
	return nil
}

// Enqueue creates a QUEUED task from the description and wakes the
// worker. The returned task is a snapshot; the worker may already be
// mutating the live record by the time this returns.
func (e *Engine) Enqueue(description string) *task.Task {
	t := task.New(description)
	snap := t.Clone()
	e.tasks.Append(t)
	e.persistTask(snap)
	e.appendEvent(snap, "enqueued", "", task.StateQueued, "")
	e.publish(bus.TopicTaskEnqueued, bus.TaskStateChangedEvent{TaskID: snap.ID, NewState: string(snap.State)})
	e.logger.Info("task enqueued", "task_id", snap.ID, "task_type", string(snap.Type))
	if e.metrics != nil {
		e.metrics.TasksEnqueued.Add(e.ctx, 1)
	}
	e.ensureWorker()
	return snap
}

// ensureWorker starts the worker goroutine unless one is already
// running. An idle worker exits rather than spinning; it is restarted
// here on the next enqueue.
func (e *Engine) ensureWorker() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workerActive {
		return
	}
	e.workerActive = true
	e.wg.Add(1)
	go e.worker()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		next := e.tasks.NextQueued()
		if next == nil || e.ctx.Err() != nil {
			e.workerActive = false
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		e.runTask(next)
	}
}

func (e *Engine) runTask(t *task.Task) {
	traceID := shared.NewTraceID()

	e.mu.Lock()
	e.session.CurrentTaskID = t.ID
	sess := e.session
	e.mu.Unlock()

	ctx := shared.WithTraceID(e.ctx, traceID)
	ctx = shared.WithTaskID(ctx, t.ID)
	ctx = shared.WithSessionID(ctx, sess.ID)

	if e.tracer != nil {
		var span trace.Span
		ctx, span = otelPkg.StartSpan(ctx, e.tracer, "task.run",
			otelPkg.AttrTaskID.String(t.ID),
			otelPkg.AttrTaskType.String(string(t.Type)),
			otelPkg.AttrSessionID.String(sess.ID),
		)
		defer span.End()
	}

	var prevState task.State
	e.tasks.Update(t, func(live *task.Task) {
		prevState = live.State
		live.State = task.StateRunning
		live.StartedAt = time.Now().UTC()
	})
	e.persistTask(t)
	e.persistSessionPointers(ctx)
	e.appendEvent(t, "transition", prevState, task.StateRunning, traceID)
	e.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: t.ID, OldState: string(prevState), NewState: string(task.StateRunning)})
	e.logger.Info("task started", "task_id", t.ID, "trace_id", traceID)

	req := executor.Request{
		TaskID:              t.ID,
		Description:         t.Description,
		Model:               sess.Model,
		ProjectPath:         sess.ProjectPath,
		ClarificationAnswer: t.ClarificationAnswer,
	}
	outcome, err := e.runner.Run(ctx, req, &taskClarifier{engine: e, task: t, traceID: traceID})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			if snap := e.tasks.Find(t.ID); snap != nil && snap.State == task.StateAwaitingResponse {
				// Shutdown cancelled an invocation parked on a
				// clarification. The task stays AWAITING_RESPONSE in the
				// store and is recovered by the next session.
				e.logger.Info("task left awaiting response at shutdown", "task_id", t.ID, "trace_id", traceID)
				return
			}
		}
		e.finishTask(t, task.StateError, traceID, func() {
			t.ErrorMessage = err.Error()
			t.ResultStatus = "error"
		})
		e.logger.Error("task failed", "task_id", t.ID, "trace_id", traceID, "error", err.Error())
		return
	}

	outcome = executor.Judge(outcome, t.Type)
	switch outcome.Kind {
	case executor.OutcomeComplete:
		e.finishTask(t, task.StateComplete, traceID, func() {
			t.ResultStatus = "complete"
			t.FilesModified = outcome.FilesModified
			t.Summary = outcome.Summary
		})
		e.logger.Info("task complete", "task_id", t.ID, "trace_id", traceID, "files_modified", len(outcome.FilesModified))

	case executor.OutcomeIncomplete:
		if question, ok := clarificationShaped(outcome.Reasons); ok {
			// The executor surfaced a question as an incomplete result
			// instead of suspending. Park the task awaiting an answer;
			// /respond will requeue it with the answer folded in.
			e.setAwaiting(t, question, joinReasons(outcome.Reasons), traceID)
			return
		}
		e.finishTask(t, task.StateIncomplete, traceID, func() {
			t.ResultStatus = "incomplete"
			t.ErrorMessage = joinReasons(outcome.Reasons)
			t.Summary = outcome.Summary
		})
		e.logger.Warn("task incomplete", "task_id", t.ID, "trace_id", traceID, "reasons", joinReasons(outcome.Reasons))

	case executor.OutcomeError:
		e.finishTask(t, task.StateError, traceID, func() {
			t.ResultStatus = "error"
			t.ErrorMessage = outcome.Message
		})
		e.logger.Error("task failed", "task_id", t.ID, "trace_id", traceID, "error", outcome.Message)
	}
}

// finishTask applies a terminal transition, moves the session pointers,
// updates exit flags, and syncs state out.
func (e *Engine) finishTask(t *task.Task, to task.State, traceID string, apply func()) {
	var prevState task.State
	var transitionErr error
	e.tasks.Update(t, func(live *task.Task) {
		prevState = live.State
		if transitionErr = live.Transition(to); transitionErr != nil {
			return
		}
		apply()
		live.CompletedAt = time.Now().UTC()
	})
	if transitionErr != nil {
		// A terminal transition from RUNNING can only fail if state was
		// corrupted elsewhere; record it rather than crash.
		e.logger.Error("terminal transition rejected", "task_id", t.ID, "error", transitionErr.Error())
		e.exit.NoteError()
		return
	}

	e.mu.Lock()
	e.session.LastTaskID = t.ID
	e.session.CurrentTaskID = ""
	e.mu.Unlock()

	switch to {
	case task.StateError:
		e.exit.NoteError()
	case task.StateIncomplete:
		e.exit.NoteIncomplete()
	}

	if e.metrics != nil {
		e.metrics.TaskOutcomes.Add(e.ctx, 1, metric.WithAttributes(otelPkg.AttrOutcome.String(string(to))))
		if !t.StartedAt.IsZero() {
			e.metrics.TaskDuration.Record(e.ctx, t.CompletedAt.Sub(t.StartedAt).Seconds())
		}
	}

	e.persistTask(t)
	e.persistSessionPointers(e.ctx)
	e.appendEvent(t, "transition", prevState, to, traceID)
	e.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: t.ID, OldState: string(prevState), NewState: string(to)})
	topic := bus.TopicTaskCompleted
	if to != task.StateComplete {
		topic = bus.TopicTaskFailed
	}
	e.publish(topic, bus.TaskDoneEvent{
		TaskID:        t.ID,
		State:         string(to),
		ErrorMessage:  t.ErrorMessage,
		FilesModified: t.FilesModified,
	})
}

// setAwaiting parks a running task on a clarification question. The task
// is not terminal, so last_task_id does not advance.
func (e *Engine) setAwaiting(t *task.Task, question, reason, traceID string) {
	var prevState task.State
	var transitionErr error
	var snap *task.Task
	e.tasks.Update(t, func(live *task.Task) {
		prevState = live.State
		if transitionErr = live.Transition(task.StateAwaitingResponse); transitionErr != nil {
			return
		}
		live.ClarificationQuestion = question
		live.ClarificationReason = reason
		snap = live.Clone()
	})
	if transitionErr != nil {
		e.logger.Error("awaiting transition rejected", "task_id", t.ID, "error", transitionErr.Error())
		return
	}

	e.mu.Lock()
	e.session.CurrentTaskID = ""
	e.mu.Unlock()

	// The task is answerable the moment the store lock releases, so
	// persist the snapshot, not the live record.
	e.persistTask(snap)
	e.persistSessionPointers(e.ctx)
	e.appendEvent(snap, "clarification_requested", prevState, task.StateAwaitingResponse, traceID)
	e.publish(bus.TopicTaskAwaitingResponse, bus.TaskAwaitingEvent{TaskID: t.ID, Question: question, Reason: reason})
	if e.metrics != nil {
		e.metrics.Clarifications.Add(e.ctx, 1)
	}
	e.logger.Info("task awaiting response", "task_id", t.ID, "trace_id", traceID, "question", question)
}

// taskClarifier adapts the broker to the executor's Clarifier interface
// for one running task. Requesting suspends the invocation; the answer
// flips the task back to RUNNING before the invocation resumes.
type taskClarifier struct {
	engine  *Engine
	task    *task.Task
	traceID string
}

func (c *taskClarifier) RequestClarification(ctx context.Context, question, reason string) (string, error) {
	e := c.engine
	t := c.task

	waiter, err := e.broker.Reserve(t.ID, question, reason)
	if err != nil {
		return "", err
	}
	e.setAwaiting(t, question, reason, c.traceID)

	answer, err := waiter.Await(ctx)
	if err != nil {
		return "", err
	}

	var prevState task.State
	var transitionErr error
	e.tasks.Update(t, func(live *task.Task) {
		prevState = live.State
		if transitionErr = live.Transition(task.StateRunning); transitionErr != nil {
			return
		}
		live.ClarificationAnswer = answer
		live.ClarificationQuestion = ""
		live.ClarificationReason = ""
	})
	if transitionErr != nil {
		return "", fmt.Errorf("resume after answer: %w", transitionErr)
	}

	e.mu.Lock()
	e.session.CurrentTaskID = t.ID
	e.mu.Unlock()

	e.persistTask(t)
	e.persistSessionPointers(e.ctx)
	e.appendEvent(t, "clarification_answered", prevState, task.StateRunning, c.traceID)
	e.publish(bus.TopicTaskAnswered, bus.TaskStateChangedEvent{TaskID: t.ID, OldState: string(prevState), NewState: string(task.StateRunning)})
	e.logger.Info("task resumed", "task_id", t.ID, "trace_id", c.traceID)
	return answer, nil
}

// Respond delivers a clarification answer. taskID may be empty when
// exactly one task is awaiting. Returns false if nothing matched;
// fail-closed, no state is touched on a false return.
func (e *Engine) Respond(taskID, answer string) bool {
	awaiting := e.tasks.FindAwaitingResponse()

	// An omitted task id is only unambiguous when exactly one task is
	// awaiting, whether or not it has a live waiter.
	if taskID == "" && len(awaiting) != 1 {
		return false
	}

	// Live path: a suspended executor invocation is parked on the broker.
	if e.broker.DeliverAnswer(taskID, answer) {
		return true
	}

	// Requeue path: the task is AWAITING_RESPONSE with no live waiter
	// (typically recovered after a restart). Attach the answer and
	// requeue; the worker re-invokes the executor from scratch with the
	// answer folded into the prompt.
	var target *task.Task
	if taskID == "" {
		target = awaiting[0]
	} else {
		for _, t := range awaiting {
			if t.ID == taskID {
				target = t
				break
			}
		}
		if target == nil {
			return false
		}
	}

	var prevState task.State
	var transitionErr error
	var snap *task.Task
	e.tasks.Update(target, func(live *task.Task) {
		prevState = live.State
		if transitionErr = live.Transition(task.StateQueued); transitionErr != nil {
			return
		}
		live.ClarificationAnswer = answer
		snap = live.Clone()
	})
	if transitionErr != nil {
		e.logger.Error("requeue transition rejected", "task_id", target.ID, "error", transitionErr.Error())
		return false
	}
	e.persistTask(snap)
	e.appendEvent(snap, "clarification_requeued", prevState, task.StateQueued, "")
	e.publish(bus.TopicTaskAnswered, bus.TaskStateChangedEvent{TaskID: snap.ID, OldState: string(prevState), NewState: string(task.StateQueued)})
	e.logger.Info("task requeued with answer", "task_id", snap.ID)
	e.ensureWorker()
	return true
}

// PendingClarification reports the live outstanding clarification.
func (e *Engine) PendingClarification() (clarify.Pending, bool) {
	return e.broker.Outstanding()
}

// recover reloads unfinished work from a previous run. RUNNING items are
// downgraded to QUEUED; AWAITING_RESPONSE and terminal items are kept
// verbatim.
func (e *Engine) recover(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	items, err := e.store.LoadAllQueueItems(ctx)
	if err != nil {
		return fmt.Errorf("load persisted queue: %w", err)
	}

	requeued := 0
	for _, item := range items {
		if item.SessionID == e.session.ID {
			continue
		}
		t := taskFromItem(item)
		if t == nil {
			e.logger.Warn("skipping persisted item with unknown status", "task_id", item.TaskID, "status", item.Status)
			continue
		}
		if t.State == task.StateRunning {
			t.State = task.StateQueued
			t.StartedAt = time.Time{}
			requeued++
			e.persistTask(t)
			e.appendEvent(t, "recovery_requeued", task.StateRunning, task.StateQueued, "")
		}
		e.tasks.Append(t)
	}
	if requeued > 0 {
		e.logger.Info("recovered interrupted tasks", "requeued", requeued)
	}
	return nil
}

// Kick wakes the worker if any queued work exists. Called after Start so
// recovered tasks begin running.
func (e *Engine) Kick() {
	if e.tasks.NextQueued() != nil {
		e.ensureWorker()
	}
}

func taskFromItem(item persistence.QueueItem) *task.Task {
	state := task.State(item.Status)
	switch state {
	case task.StateQueued, task.StateRunning, task.StateAwaitingResponse,
		task.StateComplete, task.StateIncomplete, task.StateError:
	default:
		return nil
	}
	t := &task.Task{
		ID:                    item.TaskID,
		Description:           item.Prompt,
		Type:                  task.Type(item.TaskType),
		State:                 state,
		QueuedAt:              item.QueuedAt,
		ErrorMessage:          item.Error,
		Summary:               item.Summary,
		FilesModified:         item.FilesModified,
		ClarificationQuestion: item.ClarificationQuestion,
		ClarificationReason:   item.ClarificationContext,
		ClarificationAnswer:   item.ClarificationAnswer,
	}
	if item.StartedAt != nil {
		t.StartedAt = *item.StartedAt
	}
	if item.CompletedAt != nil {
		t.CompletedAt = *item.CompletedAt
	}
	return t
}

// Drain waits for the worker to finish all QUEUED and RUNNING work.
// Tasks parked in AWAITING_RESPONSE are not waited on; they stay
// persisted for a future session, and parking does not count against
// the exit code.
func (e *Engine) Drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		if e.drained() {
			e.logger.Info("engine drained")
			break
		}
		if time.Now().After(deadline) {
			e.logger.Warn("engine drain timeout", "timeout", timeout.String())
			e.exit.NoteError()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	e.cancel()
	e.wg.Wait()
	e.persistSessionPointers(context.Background())
}

// drained reports whether shutdown can proceed: the worker has gone
// idle, or the only live work is an invocation parked on a
// clarification question. Cancellation unwinds a parked invocation
// without marking its task terminal.
func (e *Engine) drained() bool {
	e.mu.Lock()
	active := e.workerActive
	e.mu.Unlock()
	if !active {
		return true
	}
	_, parked := e.broker.Outstanding()
	return parked
}

// ExitCode reduces accumulated outcome flags to the process exit code.
func (e *Engine) ExitCode() int {
	return e.exit.Code()
}

// NoteEngineFailure records an unrecoverable engine-level fault (for
// example a persistence failure during shutdown).
func (e *Engine) NoteEngineFailure(err error) {
	if err == nil {
		return
	}
	e.logger.Error("engine failure", "error", err.Error())
	e.exit.NoteError()
}

// Events returns recent task history rows for /logs. limit <= 0 means
// everything.
func (e *Engine) Events(ctx context.Context, limit int) ([]persistence.TaskEvent, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.ListTaskEvents(ctx, e.session.ID, limit)
}

// persistTask mirrors the task to durable storage. Fire-and-forget:
// failures are logged and never affect in-memory state.
func (e *Engine) persistTask(t *task.Task) {
	if e.store == nil {
		return
	}
	item := persistence.QueueItem{
		TaskID:                t.ID,
		SessionID:             e.session.ID,
		Prompt:                t.Description,
		TaskType:              string(t.Type),
		Status:                string(t.State),
		Error:                 t.ErrorMessage,
		Summary:               t.Summary,
		FilesModified:         t.FilesModified,
		ClarificationQuestion: t.ClarificationQuestion,
		ClarificationContext:  t.ClarificationReason,
		ClarificationAnswer:   t.ClarificationAnswer,
		QueuedAt:              t.QueuedAt,
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		item.StartedAt = &started
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		item.CompletedAt = &completed
	}
	if err := e.store.SaveQueueItem(e.ctx, item); err != nil {
		e.logger.Error("persist task failed", "task_id", t.ID, "error", err.Error())
	}
}

func (e *Engine) persistSessionPointers(ctx context.Context) {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	sessionID, current, last := e.session.ID, e.session.CurrentTaskID, e.session.LastTaskID
	e.mu.Unlock()
	if err := e.store.UpdateSessionPointers(ctx, sessionID, current, last); err != nil {
		e.logger.Error("persist session pointers failed", "session_id", sessionID, "error", err.Error())
	}
}

func (e *Engine) appendEvent(t *task.Task, eventType string, from, to task.State, traceID string) {
	if e.store == nil {
		return
	}
	payload := "{}"
	if t.ClarificationQuestion != "" || t.ErrorMessage != "" || len(t.FilesModified) > 0 {
		raw, err := json.Marshal(map[string]any{
			"question": t.ClarificationQuestion,
			"error":    t.ErrorMessage,
			"files":    t.FilesModified,
		})
		if err == nil {
			payload = string(raw)
		}
	}
	event := persistence.TaskEvent{
		TaskID:    t.ID,
		SessionID: e.session.ID,
		TraceID:   traceID,
		EventType: eventType,
		StateFrom: string(from),
		StateTo:   string(to),
		Payload:   payload,
	}
	if err := e.store.AppendTaskEvent(e.ctx, event); err != nil {
		e.logger.Error("append task event failed", "task_id", t.ID, "error", err.Error())
	}
}

func (e *Engine) publish(topic string, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}

const clarificationPrefix = "needs clarification: "

// clarificationShaped detects an incomplete reason that is actually a
// question the operator can answer.
func clarificationShaped(reasons []string) (string, bool) {
	for _, r := range reasons {
		if len(r) > len(clarificationPrefix) && r[:len(clarificationPrefix)] == clarificationPrefix {
			return r[len(clarificationPrefix):], true
		}
	}
	return "", false
}

func joinReasons(reasons []string) string {
	switch len(reasons) {
	case 0:
		return ""
	case 1:
		return reasons[0]
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}
