package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// ThinkingInput is the input schema for the Thinking tool.
type ThinkingInput struct {
	Thought string `json:"thought"`
}

// ThinkingTool gives the model a place to reason out loud between tool
// calls without performing any action, the way a human leaves a comment in
// a scratch buffer before committing to a plan. It is grounded on
// ExitPlanModeTool: both are signal-only tools with no filesystem or
// process side effects, just a structured acknowledgement.
type ThinkingTool struct{}

// NewThinkingTool creates a new Thinking tool.
func NewThinkingTool() *ThinkingTool {
	return &ThinkingTool{}
}

func (t *ThinkingTool) Name() string { return "Thinking" }

func (t *ThinkingTool) Description() string {
	return `Records a reasoning step without taking any action. Use this to think through a problem, weigh options, or plan before calling another tool; the thought is not executed or interpreted, just recorded in the transcript.`
}

func (t *ThinkingTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
"properties": {
"thought": {"type": "string", "description": "The reasoning to record"}
  },
  "required": ["thought"],
"additionalProperties": false
}`)
}

func (t *ThinkingTool) RequiresAcceptance(_ context.Context, _ json.RawMessage) bool {
	return false
}

func (t *ThinkingTool) Validate(_ context.Context, input json.RawMessage) error {
	var in ThinkingInput
	if err := json.Unmarshal(input, &in); err != nil {
		return fmt.Errorf("parsing Thinking input: %w", err)
	}
	if in.Thought == "" {
		return fmt.Errorf("thought is required")
	}
	return nil
}

// QueueDescription writes nothing: a thought has no plan to preview before
// acceptance, and RequiresAcceptance is always false anyway.
func (t *ThinkingTool) QueueDescription(_ context.Context, _ json.RawMessage, _ io.Writer) error {
	return nil
}

func (t *ThinkingTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var in ThinkingInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("parsing Thinking input: %w", err)
	}
	return "Noted.", nil
}
