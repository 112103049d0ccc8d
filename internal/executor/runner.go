package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/taskshell/internal/shared"
)

const (
	defaultRunTimeout = 10 * time.Minute
	maxStderrCapture  = 4 * 1024
	maxClarifyRounds  = 3
)

// Request carries everything a runner needs for one executor invocation.
type Request struct {
	TaskID      string
	Description string
	Model       string
	ProjectPath string

	// ClarificationAnswer is set on the requeue path: the task was
	// answered while no executor invocation was live, so the answer is
	// folded into the prompt instead of resuming a suspension point.
	ClarificationAnswer string
}

// Clarifier lets a runner suspend mid-invocation awaiting a human answer.
type Clarifier interface {
	RequestClarification(ctx context.Context, question, reason string) (string, error)
}

// Runner performs code generation for one task.
type Runner interface {
	Run(ctx context.Context, req Request, clarifier Clarifier) (Outcome, error)
}

// CLIRunner invokes a coding-agent CLI as a subprocess. The CLI is
// expected to print a single JSON result object on stdout. A
// clarification-shaped result suspends via the Clarifier and re-invokes
// the CLI with the answer appended to the prompt.
type CLIRunner struct {
	Command string
	Args    []string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewCLIRunner builds a runner around the given CLI command.
func NewCLIRunner(command string, args []string, logger *slog.Logger) *CLIRunner {
	return &CLIRunner{
		Command: command,
		Args:    args,
		Timeout: defaultRunTimeout,
		Logger:  logger,
	}
}

func (r *CLIRunner) Run(ctx context.Context, req Request, clarifier Clarifier) (Outcome, error) {
	prompt := req.Description
	if req.ClarificationAnswer != "" {
		prompt = fmt.Sprintf("%s\n\nAdditional context from the user: %s", prompt, req.ClarificationAnswer)
	}

	for round := 0; round < maxClarifyRounds; round++ {
		data, err := r.invoke(ctx, req, prompt)
		if err != nil {
			return Outcome{}, err
		}

		outcome, clarification, err := ParseResult(data)
		if err != nil {
			return Outcome{}, err
		}
		if clarification == nil {
			return outcome, nil
		}
		if clarifier == nil {
			return Incomplete(fmt.Sprintf("needs clarification: %s", clarification.Question)), nil
		}

		answer, err := clarifier.RequestClarification(ctx, clarification.Question, clarification.Context)
		if err != nil {
			return Outcome{}, fmt.Errorf("await clarification: %w", err)
		}
		prompt = fmt.Sprintf("%s\n\nQuestion: %s\nAnswer: %s", prompt, clarification.Question, answer)
	}
	return Incomplete("clarification limit reached without a final result"), nil
}

func (r *CLIRunner) invoke(ctx context.Context, req Request, prompt string) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, r.Args...)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(runCtx, r.Command, args...)
	if req.ProjectPath != "" {
		cmd.Dir = req.ProjectPath
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	started := time.Now()
	runErr := cmd.Run()
	if r.Logger != nil {
		r.Logger.Debug("executor invocation finished",
			"task_id", req.TaskID,
			"duration_ms", time.Since(started).Milliseconds(),
			"exit_err", runErr != nil)
	}

	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("executor timed out after %s", timeout)
		}
		stderr := errBuf.String()
		if len(stderr) > maxStderrCapture {
			stderr = stderr[:maxStderrCapture] + "... (truncated)"
		}
		stderr = strings.TrimSpace(shared.Redact(stderr))
		if stderr != "" {
			return nil, fmt.Errorf("executor failed: %v: %s", runErr, stderr)
		}
		return nil, fmt.Errorf("executor failed: %w", runErr)
	}

	payload := extractJSON(outBuf.Bytes())
	if payload == nil {
		return nil, fmt.Errorf("executor produced no JSON result")
	}
	return payload, nil
}

// extractJSON finds the last JSON object in CLI output. Agent CLIs often
// emit progress lines before the final result object.
func extractJSON(out []byte) []byte {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}' {
		return trimmed
	}
	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) > 1 && line[0] == '{' && line[len(line)-1] == '}' {
			return line
		}
	}
	return nil
}
