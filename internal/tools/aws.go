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

// awsReadonlyVerbs are AWS CLI sub-commands that never mutate state.
// Anything else (create-*, delete-*, put-*, update-*, terminate-*, run-*)
// requires acceptance before it runs.
var awsReadonlyVerbs = map[string]bool{
	"describe": true, "list": true, "get": true, "head": true,
	"lookup": true, "search": true, "check": true, "test": true,
	"simulate": true, "validate": true, "estimate": true,
}

// isReadonlyAWSCall reports whether args (the words following "aws") look
// like a read-only call by inspecting the sub-command verb, e.g.
// "ec2 describe-instances" -> "describe-instances" -> "describe" readonly,
// "ec2 terminate-instances" -> "terminate" not readonly.
func isReadonlyAWSCall(args []string) bool {
	if len(args) < 2 {
		return true
	}
	subcommand := args[1]
	verb := subcommand
	if idx := strings.IndexByte(subcommand, '-'); idx > 0 {
		verb = subcommand[:idx]
	}
	return awsReadonlyVerbs[verb]
}

// UseAwsInput is the input schema for the UseAws tool.
type UseAwsInput struct {
	Service   string `json:"service"`
	Operation string `json:"operation"`
	Args      string `json:"args,omitempty"`
	Region    string `json:"region,omitempty"`
	Profile   string `json:"profile,omitempty"`
}

// UseAwsTool shells out to the installed `aws` CLI. It is grounded on
// BashTool's subprocess/timeout/truncation pattern, scoped to a single
// binary so its readonly classification can be verb-based instead of
// command-string-based.
type UseAwsTool struct {
	workDir string
}

// NewUseAwsTool creates a tool that invokes the AWS CLI in workDir.
func NewUseAwsTool(workDir string) *UseAwsTool {
	return &UseAwsTool{workDir: workDir}
}

func (t *UseAwsTool) Name() string { return "UseAws" }

func (t *UseAwsTool) Description() string {
	return `Makes an AWS CLI call with the specified service, operation, and parameters. Use for inspecting or modifying AWS resources via the installed aws CLI. Read-only operations (describe-*, list-*, get-*) do not require approval; mutating operations do.`
}

func (t *UseAwsTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
"properties": {
"service": {"type": "string", "description": "AWS service name, e.g. \"ec2\" or \"s3\""},
"operation": {"type": "string", "description": "Operation/sub-command, e.g. \"describe-instances\""},
"args": {"type": "string", "description": "Additional CLI arguments, space-separated"},
"region": {"type": "string", "description": "AWS region override"},
"profile": {"type": "string", "description": "Named AWS CLI profile to use"}
  },
  "required": ["service", "operation"],
"additionalProperties": false
}`)
}

// buildArgs assembles the argv for the "aws" binary from in.
func (t *UseAwsTool) buildArgs(in UseAwsInput) []string {
	args := []string{in.Service, in.Operation}
	if in.Args != "" {
		args = append(args, strings.Fields(in.Args)...)
	}
	if in.Region != "" {
		args = append(args, "--region", in.Region)
	}
	if in.Profile != "" {
		args = append(args, "--profile", in.Profile)
	}
	return args
}

func (t *UseAwsTool) RequiresAcceptance(_ context.Context, input json.RawMessage) bool {
	var in UseAwsInput
	if err := json.Unmarshal(input, &in); err != nil {
		return true
	}
	return !isReadonlyAWSCall(t.buildArgs(in))
}

func (t *UseAwsTool) Validate(_ context.Context, input json.RawMessage) error {
	var in UseAwsInput
	if err := json.Unmarshal(input, &in); err != nil {
		return fmt.Errorf("parsing UseAws input: %w", err)
	}
	if in.Service == "" {
		return fmt.Errorf("service is required")
	}
	if in.Operation == "" {
		return fmt.Errorf("operation is required")
	}
	return nil
}

func (t *UseAwsTool) QueueDescription(_ context.Context, input json.RawMessage, out io.Writer) error {
	var in UseAwsInput
	json.Unmarshal(input, &in)
	_, err := fmt.Fprintf(out, "$ aws %s\n", strings.Join(t.buildArgs(in), " "))
	return err
}

func (t *UseAwsTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in UseAwsInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("parsing UseAws input: %w", err)
	}
	if in.Service == "" || in.Operation == "" {
		return "Error: service and operation are required", nil
	}

	cmdCtx, cancel := context.WithTimeout(ctx, bashDefaultTimeout)
	defer cancel()

	args := t.buildArgs(in)
	cmd := exec.CommandContext(cmdCtx, "aws", args...)
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
		return "", fmt.Errorf("executing aws CLI: %w", err)
	}

	output := result.String()
	if output == "" {
		output = "(no output)"
	}
	return truncateToolResponse(output), nil
}
