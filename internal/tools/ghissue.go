package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// ghIssueReadonlySubcommands are `gh issue` sub-commands that never mutate
// state. "create", "close", "reopen", "edit", "lock", "unlock", "transfer",
// "delete", "pin", "unpin" all require acceptance.
var ghIssueReadonlySubcommands = map[string]bool{
	"list": true, "view": true, "status": true,
}

// GhIssueInput is the input schema for the GhIssue tool.
type GhIssueInput struct {
	Subcommand string `json:"subcommand"`
	Args       string `json:"args,omitempty"`
	Repo       string `json:"repo,omitempty"`
}

// GhIssueTool wraps `gh issue` sub-commands. It is grounded on BashTool's
// subprocess pattern, scoped to the `gh issue` surface so readonly
// classification can key off the sub-command name directly.
type GhIssueTool struct {
	workDir string
}

// NewGhIssueTool creates a tool that invokes `gh issue` in workDir.
func NewGhIssueTool(workDir string) *GhIssueTool {
	return &GhIssueTool{workDir: workDir}
}

func (t *GhIssueTool) Name() string { return "GhIssue" }

func (t *GhIssueTool) Description() string {
	return `Runs a "gh issue" sub-command against the GitHub CLI. Use for reading or managing GitHub issues (list, view, create, close, comment). Read-only sub-commands (list, view, status) do not require approval; sub-commands that create or modify an issue do.`
}

func (t *GhIssueTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
"properties": {
"subcommand": {"type": "string", "description": "gh issue sub-command, e.g. \"list\", \"view\", \"create\", \"comment\""},
"args": {"type": "string", "description": "Additional CLI arguments, space-separated"},
"repo": {"type": "string", "description": "Target repository as OWNER/REPO, defaults to the current repo"}
  },
  "required": ["subcommand"],
"additionalProperties": false
}`)
}

func (t *GhIssueTool) buildArgs(in GhIssueInput) []string {
	args := []string{"issue", in.Subcommand}
	if in.Args != "" {
		args = append(args, strings.Fields(in.Args)...)
	}
	if in.Repo != "" {
		args = append(args, "--repo", in.Repo)
	}
	return args
}

func (t *GhIssueTool) RequiresAcceptance(_ context.Context, input json.RawMessage) bool {
	var in GhIssueInput
	if err := json.Unmarshal(input, &in); err != nil {
		return true
	}
	return !ghIssueReadonlySubcommands[in.Subcommand]
}

func (t *GhIssueTool) Validate(_ context.Context, input json.RawMessage) error {
	var in GhIssueInput
	if err := json.Unmarshal(input, &in); err != nil {
		return fmt.Errorf("parsing GhIssue input: %w", err)
	}
	if in.Subcommand == "" {
		return fmt.Errorf("subcommand is required")
	}
	return nil
}

func (t *GhIssueTool) QueueDescription(_ context.Context, input json.RawMessage, out io.Writer) error {
	var in GhIssueInput
	json.Unmarshal(input, &in)
	_, err := fmt.Fprintf(out, "$ gh %s\n", strings.Join(t.buildArgs(in), " "))
	return err
}

func (t *GhIssueTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in GhIssueInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("parsing GhIssue input: %w", err)
	}
	if in.Subcommand == "" {
		return "Error: subcommand is required", nil
	}

	cmdCtx, cancel := context.WithTimeout(ctx, bashDefaultTimeout)
	defer cancel()

	args := t.buildArgs(in)
	cmd := exec.CommandContext(cmdCtx, "gh", args...)
	cmd.Dir = t.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var result strings.Builder
	if stdout.Len() > 0 {
		result.Write(stdout.Bytes())
	}
	if stderr.Len() > 0 {
		if result.Len() > 0 {
			result.WriteString("\n")
		}
		result.WriteString(stderr.String())
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			result.WriteString("\nCommand timed out")
			return result.String(), nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.WriteString(fmt.Sprintf("\nExit code: %d", exitErr.ExitCode()))
			return result.String(), nil
		}
		return "", fmt.Errorf("executing gh CLI: %w", err)
	}

	output := result.String()
	if output == "" {
		output = "(no output)"
	}
	return truncateToolResponse(output), nil
}
