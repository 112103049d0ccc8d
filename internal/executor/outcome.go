// Package executor defines the boundary to the external code-generation
// executor: the request/outcome contract, a tolerant adapter for raw
// executor responses, and a subprocess-backed runner.
package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/taskshell/internal/task"
)

// OutcomeKind tags the closed set of executor outcomes.
type OutcomeKind string

const (
	OutcomeComplete   OutcomeKind = "complete"
	OutcomeIncomplete OutcomeKind = "incomplete"
	OutcomeError      OutcomeKind = "error"
)

// Outcome is the engine-side view of an executor run. Exactly the fields
// for its Kind are meaningful; the rest are zero.
type Outcome struct {
	Kind          OutcomeKind
	FilesModified []string
	Summary       string
	Reasons       []string
	Message       string
}

// Complete builds a successful outcome.
func Complete(filesModified []string, summary string) Outcome {
	return Outcome{Kind: OutcomeComplete, FilesModified: filesModified, Summary: summary}
}

// Incomplete builds an outcome for work the executor could not finish.
func Incomplete(reasons ...string) Outcome {
	return Outcome{Kind: OutcomeIncomplete, Reasons: reasons}
}

// Errored builds a failure outcome.
func Errored(message string) Outcome {
	return Outcome{Kind: OutcomeError, Message: message}
}

// ClarificationRequest is the executor asking for human input mid-task.
type ClarificationRequest struct {
	Question string
	Context  string
}

// rawResult accepts the field spellings observed across executor versions.
// This adapter is the only place that heterogeneity is tolerated.
type rawResult struct {
	Status        string   `json:"status"`
	Result        string   `json:"result"`
	Success       *bool    `json:"success"`
	Summary       string   `json:"summary"`
	Output        string   `json:"output"`
	FilesModified []string `json:"files_modified"`
	FilesAlt      []string `json:"filesModified"`
	Files         []string `json:"files"`
	Reasons       []string `json:"reasons"`
	ReasonsAlt    []string `json:"incomplete_reasons"`
	Reason        string   `json:"reason"`
	Error         string   `json:"error"`
	Message       string   `json:"message"`
	Clarification *struct {
		Question string `json:"question"`
		Context  string `json:"context"`
	} `json:"clarification"`
	Question string `json:"question"`
}

// ParseResult converts a raw executor response into an Outcome, or a
// ClarificationRequest if the executor is asking rather than answering.
func ParseResult(data []byte) (Outcome, *ClarificationRequest, error) {
	var raw rawResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return Outcome{}, nil, fmt.Errorf("parse executor result: %w", err)
	}

	if raw.Clarification != nil && raw.Clarification.Question != "" {
		return Outcome{}, &ClarificationRequest{
			Question: raw.Clarification.Question,
			Context:  raw.Clarification.Context,
		}, nil
	}
	if raw.Question != "" {
		return Outcome{}, &ClarificationRequest{Question: raw.Question, Context: raw.Reason}, nil
	}

	files := raw.FilesModified
	if len(files) == 0 {
		files = raw.FilesAlt
	}
	if len(files) == 0 {
		files = raw.Files
	}
	reasons := raw.Reasons
	if len(reasons) == 0 {
		reasons = raw.ReasonsAlt
	}
	if len(reasons) == 0 && raw.Reason != "" {
		reasons = []string{raw.Reason}
	}
	summary := raw.Summary
	if summary == "" {
		summary = raw.Output
	}
	if summary == "" {
		summary = raw.Result
	}

	status := strings.ToLower(strings.TrimSpace(raw.Status))
	switch status {
	case "complete", "completed", "success", "succeeded", "done":
		return Complete(files, summary), nil, nil
	case "incomplete", "partial":
		return Outcome{Kind: OutcomeIncomplete, Reasons: reasons, Summary: summary}, nil, nil
	case "error", "failed", "failure":
		msg := raw.Error
		if msg == "" {
			msg = raw.Message
		}
		if msg == "" {
			msg = "executor reported failure"
		}
		return Errored(msg), nil, nil
	}

	if raw.Error != "" {
		return Errored(raw.Error), nil, nil
	}
	if raw.Success != nil {
		if *raw.Success {
			return Complete(files, summary), nil, nil
		}
		return Outcome{Kind: OutcomeIncomplete, Reasons: reasons, Summary: summary}, nil, nil
	}
	if len(reasons) > 0 {
		return Outcome{Kind: OutcomeIncomplete, Reasons: reasons, Summary: summary}, nil, nil
	}
	if summary != "" || len(files) > 0 {
		return Complete(files, summary), nil, nil
	}
	return Outcome{}, nil, fmt.Errorf("executor result has no recognizable status")
}

// Judge adjusts an outcome using the task's type hint. An implementation
// task that completes with no file changes is downgraded to incomplete;
// information requests and reports legitimately modify nothing.
func Judge(outcome Outcome, taskType task.Type) Outcome {
	if outcome.Kind != OutcomeComplete {
		return outcome
	}
	if len(outcome.FilesModified) == 0 && taskType == task.TypeImplementation {
		return Outcome{
			Kind:    OutcomeIncomplete,
			Reasons: []string{"executor reported success but modified no files"},
			Summary: outcome.Summary,
		}
	}
	return outcome
}
