package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/qterm-cli/qterm/internal/api"
)

func TestComposeUserTurn(t *testing.T) {
	if got := composeUserTurn(nil, "hi"); got != "hi" {
		t.Errorf("no preamble: %q", got)
	}

	got := composeUserTurn([]string{"context files", "hook output\n"}, "do it")
	want := "<system-reminder>\ncontext files\n</system-reminder>\n\n" +
		"<system-reminder>\nhook output\n</system-reminder>\n\ndo it"
	if got != want {
		t.Errorf("composed turn = %q, want %q", got, want)
	}
	if !strings.HasSuffix(got, "do it") {
		t.Error("literal prompt must come last")
	}
}

func TestResolvePreambleConcurrentAndOrdered(t *testing.T) {
	// The slower context-file resolver must still come first in the
	// output, and the two must actually overlap.
	start := time.Now()
	loop := NewLoop(LoopConfig{
		ResolveContextFiles: func(ctx context.Context) (string, error) {
			time.Sleep(80 * time.Millisecond)
			return "files", nil
		},
		ResolvePromptHooks: func(ctx context.Context) (string, error) {
			time.Sleep(20 * time.Millisecond)
			return "hooks", nil
		},
	})

	blocks := loop.resolvePreamble(context.Background())
	elapsed := time.Since(start)

	if len(blocks) != 2 || blocks[0] != "files" || blocks[1] != "hooks" {
		t.Fatalf("blocks = %v", blocks)
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("resolvers did not run concurrently (took %s)", elapsed)
	}
}

func TestResolvePreambleDropsFailuresAndEmpty(t *testing.T) {
	loop := NewLoop(LoopConfig{
		ResolveContextFiles: func(ctx context.Context) (string, error) {
			return "", errors.New("glob failed")
		},
		ResolvePromptHooks: func(ctx context.Context) (string, error) {
			return "hooks", nil
		},
	})
	blocks := loop.resolvePreamble(context.Background())
	if len(blocks) != 1 || blocks[0] != "hooks" {
		t.Fatalf("blocks = %v", blocks)
	}

	loop = NewLoop(LoopConfig{})
	if blocks := loop.resolvePreamble(context.Background()); len(blocks) != 0 {
		t.Errorf("no resolvers should yield no blocks, got %v", blocks)
	}
}

func TestRecoverStreamFailurePersistsPartialTurn(t *testing.T) {
	loop := NewLoop(LoopConfig{})

	eos := &api.UnexpectedToolUseEOSError{Message: api.AssembledMessage{
		ID:   "abc123xyz",
		Text: "working on it",
		ToolUses: []api.ToolUse{
			{ID: "T1", Name: "execute_bash", Args: []byte(`{"key":"<too large>"}`)},
		},
	}}

	err := loop.recoverStreamFailure(nil, eos)
	if err == nil {
		t.Fatal("recovery must surface the error")
	}
	if !errors.Is(err, api.ErrUnexpectedToolUseEOS) {
		t.Errorf("error should wrap the EOS sentinel, got %v", err)
	}

	msgs := loop.History().Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 persisted assistant turn, got %d", len(msgs))
	}
	var blocks []api.ContentBlock
	if err := json.Unmarshal(msgs[0].Content, &blocks); err != nil {
		t.Fatalf("decoding persisted blocks: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected text + tool_use blocks, got %v", blocks)
	}
	if blocks[0].Type != api.ContentTypeText || blocks[0].Text != "working on it" {
		t.Errorf("text block = %+v", blocks[0])
	}
	if blocks[1].Type != api.ContentTypeToolUse || blocks[1].ID != "T1" {
		t.Errorf("tool block = %+v", blocks[1])
	}
}

func TestRecoverStreamFailureTimeoutWithPartial(t *testing.T) {
	loop := NewLoop(LoopConfig{})

	partial := &api.MessageResponse{Content: []api.ContentBlock{
		{Type: api.ContentTypeText, Text: "half an answer"},
	}}
	cause := &api.StreamTimeoutError{Duration: 61 * time.Second, Cause: errors.New("read: connection reset")}

	err := loop.recoverStreamFailure(partial, cause)
	if err == nil {
		t.Fatal("recovery must surface the error")
	}
	var wrapped *api.StreamTimeoutError
	if !errors.As(err, &wrapped) {
		t.Errorf("error should keep the timeout type, got %v", err)
	}
	msgs := loop.History().Messages()
	if len(msgs) != 1 {
		t.Fatalf("partial turn not persisted: %v", msgs)
	}
	var blocks []api.ContentBlock
	if err := json.Unmarshal(msgs[0].Content, &blocks); err != nil {
		t.Fatalf("decoding persisted blocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Text != "half an answer" {
		t.Errorf("persisted blocks = %v", blocks)
	}
}

func TestRecoverStreamFailureOtherErrorsPassThrough(t *testing.T) {
	loop := NewLoop(LoopConfig{})
	err := loop.recoverStreamFailure(nil, errors.New("boom"))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v", err)
	}
	if loop.History().Len() != 0 {
		t.Error("plain errors must not write history")
	}
}
