package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeCLI writes a shell script that emits the given stdout and exits 0.
func fakeCLI(t *testing.T, stdout string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\ncat <<'EOF'\n" + stdout + "\nEOF\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}
	return path
}

type scriptedClarifier struct {
	answer string
	asked  []string
}

func (c *scriptedClarifier) RequestClarification(_ context.Context, question, _ string) (string, error) {
	c.asked = append(c.asked, question)
	return c.answer, nil
}

func TestCLIRunner_CompleteResult(t *testing.T) {
	cli := fakeCLI(t, `progress: reading files
{"status":"complete","files_modified":["README.md"],"summary":"wrote readme"}`)

	r := NewCLIRunner(cli, nil, nil)
	outcome, err := r.Run(t.Context(), Request{TaskID: "t1", Description: "create README.md"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != OutcomeComplete {
		t.Fatalf("kind = %s", outcome.Kind)
	}
	if len(outcome.FilesModified) != 1 || outcome.FilesModified[0] != "README.md" {
		t.Fatalf("files = %v", outcome.FilesModified)
	}
}

func TestCLIRunner_NonZeroExit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken-agent")
	script := "#!/bin/sh\necho 'auth failure' >&2\nexit 3\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}

	r := NewCLIRunner(path, nil, nil)
	_, err := r.Run(t.Context(), Request{TaskID: "t1", Description: "do work"}, nil)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "auth failure") {
		t.Fatalf("stderr not captured: %v", err)
	}
}

func TestCLIRunner_NoJSON(t *testing.T) {
	cli := fakeCLI(t, "just some chatter, no result object")
	r := NewCLIRunner(cli, nil, nil)
	if _, err := r.Run(t.Context(), Request{Description: "x"}, nil); err == nil {
		t.Fatal("expected error when no JSON is produced")
	}
}

func TestCLIRunner_ClarificationWithoutClarifier(t *testing.T) {
	cli := fakeCLI(t, `{"clarification":{"question":"Where?","context":"path"}}`)
	r := NewCLIRunner(cli, nil, nil)
	outcome, err := r.Run(t.Context(), Request{Description: "create the spec file"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != OutcomeIncomplete {
		t.Fatalf("kind = %s, want incomplete", outcome.Kind)
	}
	if len(outcome.Reasons) == 0 || !strings.Contains(outcome.Reasons[0], "Where?") {
		t.Fatalf("reasons = %v", outcome.Reasons)
	}
}

func TestCLIRunner_ClarificationRoundTrip(t *testing.T) {
	// The fake distinguishes rounds by whether the answer already appears
	// in the prompt argument.
	path := filepath.Join(t.TempDir(), "asking-agent")
	script := `#!/bin/sh
case "$*" in
  *docs/spec.md*) echo '{"status":"complete","files_modified":["docs/spec.md"]}' ;;
  *) echo '{"clarification":{"question":"Where should the file be saved?"}}' ;;
esac
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}

	clarifier := &scriptedClarifier{answer: "docs/spec.md"}
	r := NewCLIRunner(path, nil, nil)
	outcome, err := r.Run(t.Context(), Request{TaskID: "t1", Description: "create the spec file"}, clarifier)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Kind != OutcomeComplete {
		t.Fatalf("kind = %s", outcome.Kind)
	}
	if len(clarifier.asked) != 1 || clarifier.asked[0] != "Where should the file be saved?" {
		t.Fatalf("asked = %v", clarifier.asked)
	}
}

func TestCLIRunner_Timeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slow-agent")
	script := "#!/bin/sh\nsleep 5\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}

	r := NewCLIRunner(path, nil, nil)
	r.Timeout = 100 * time.Millisecond
	_, err := r.Run(t.Context(), Request{Description: "x"}, nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
}
