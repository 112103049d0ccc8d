package shell

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskshell/internal/bus"
	"github.com/basket/taskshell/internal/engine"
	"github.com/basket/taskshell/internal/persistence"
	"github.com/basket/taskshell/internal/task"
)

// renderer formats command output. Styled output is used on a live
// terminal; piped mode prints plain text.
type renderer struct {
	styled bool

	headerStyle   lipgloss.Style
	dimStyle      lipgloss.Style
	errorStyle    lipgloss.Style
	questionStyle lipgloss.Style
	markerStyles  map[task.State]lipgloss.Style
}

func newRenderer(styled bool) *renderer {
	return &renderer{
		styled:        styled,
		headerStyle:   lipgloss.NewStyle().Bold(true),
		dimStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		errorStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		questionStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true),
		markerStyles: map[task.State]lipgloss.Style{
			task.StateQueued:           lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
			task.StateRunning:          lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
			task.StateAwaitingResponse: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			task.StateComplete:         lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
			task.StateError:            lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
			task.StateIncomplete:       lipgloss.NewStyle().Foreground(lipgloss.Color("178")),
		},
	}
}

func (r *renderer) style(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

func (r *renderer) banner() string {
	return r.style(r.headerStyle, "taskshell") + r.style(r.dimStyle, " — describe a task, or /help for commands")
}

func (r *renderer) enqueued(t *task.Task) string {
	return fmt.Sprintf("queued %s %s", shortID(t.ID), r.style(r.dimStyle, t.Description))
}

func (r *renderer) answered(taskID string) string {
	if taskID == "" {
		return "answer delivered"
	}
	return fmt.Sprintf("answer delivered to %s", shortID(taskID))
}

func (r *renderer) cmdError(cmdErr *CmdError) string {
	return r.style(r.errorStyle, fmt.Sprintf("error %s: %s", cmdErr.Code, cmdErr.Message))
}

func (r *renderer) taskList(tasks []*task.Task, now time.Time) string {
	if len(tasks) == 0 {
		return r.style(r.dimStyle, "no tasks yet")
	}
	var b strings.Builder
	for i, t := range tasks {
		marker := t.Marker()
		if style, okStyle := r.markerStyles[t.State]; okStyle {
			marker = r.style(style, marker)
		}
		fmt.Fprintf(&b, "%d. [%s] %s %s %s", i+1, marker, shortID(t.ID), t.Description, string(t.State))
		if elapsed := t.Elapsed(now); elapsed > 0 {
			fmt.Fprintf(&b, " %s", r.style(r.dimStyle, fmt.Sprintf("(%s)", elapsed.Round(time.Second))))
		}
		if t.State == task.StateAwaitingResponse && t.ClarificationQuestion != "" {
			fmt.Fprintf(&b, "\n     %s", r.style(r.questionStyle, "? "+t.ClarificationQuestion))
		}
		if t.State == task.StateError && t.ErrorMessage != "" {
			fmt.Fprintf(&b, "\n     %s", r.style(r.errorStyle, t.ErrorMessage))
		}
		if i < len(tasks)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (r *renderer) eventLog(events []persistence.TaskEvent) string {
	if len(events) == 0 {
		return r.style(r.dimStyle, "no task history")
	}
	var b strings.Builder
	for i, ev := range events {
		ts := ev.CreatedAt.Local().Format("15:04:05")
		transition := ev.StateTo
		if ev.StateFrom != "" {
			transition = ev.StateFrom + " -> " + ev.StateTo
		}
		fmt.Fprintf(&b, "%s %s %s %s",
			r.style(r.dimStyle, ts), shortID(ev.TaskID), ev.EventType, transition)
		if i < len(events)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (r *renderer) session(sess engine.Session, taskCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s\n", sess.ID)
	fmt.Fprintf(&b, "  project: %s\n", orDefault(sess.ProjectPath, "(none)"))
	fmt.Fprintf(&b, "  model:   %s\n", orDefault(sess.Model, "(default)"))
	fmt.Fprintf(&b, "  tasks:   %d", taskCount)
	if sess.CurrentTaskID != "" {
		fmt.Fprintf(&b, "\n  running: %s", shortID(sess.CurrentTaskID))
	}
	if sess.LastTaskID != "" {
		fmt.Fprintf(&b, "\n  last:    %s", shortID(sess.LastTaskID))
	}
	return b.String()
}

func (r *renderer) help(prefix string) string {
	lines := []string{
		r.style(r.headerStyle, "commands"),
		fmt.Sprintf("  %stasks              list tasks and their states", prefix),
		fmt.Sprintf("  %slogs [n]           show recent task history", prefix),
		fmt.Sprintf("  %srespond [id] TEXT  answer a clarification question", prefix),
		fmt.Sprintf("  %smodel [name]       show or change the executor model", prefix),
		fmt.Sprintf("  %ssession            show session details", prefix),
		fmt.Sprintf("  %sexit               finish queued work and quit", prefix),
		"",
		"anything else is queued as a task for the executor",
	}
	return strings.Join(lines, "\n")
}

// notice formats an async lifecycle event, or returns "" for events that
// should not interrupt the operator.
func (r *renderer) notice(event bus.Event) string {
	switch payload := event.Payload.(type) {
	case bus.TaskAwaitingEvent:
		return fmt.Sprintf("task %s needs input: %s\n%s",
			shortID(payload.TaskID),
			r.style(r.questionStyle, payload.Question),
			r.style(r.dimStyle, "answer with /respond <text>"))
	case bus.TaskDoneEvent:
		switch task.State(payload.State) {
		case task.StateComplete:
			suffix := ""
			if n := len(payload.FilesModified); n > 0 {
				suffix = fmt.Sprintf(" (%d files)", n)
			}
			return fmt.Sprintf("task %s complete%s", shortID(payload.TaskID), suffix)
		case task.StateError:
			return r.style(r.errorStyle, fmt.Sprintf("task %s failed: %s", shortID(payload.TaskID), payload.ErrorMessage))
		case task.StateIncomplete:
			return fmt.Sprintf("task %s incomplete: %s", shortID(payload.TaskID), payload.ErrorMessage)
		}
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
