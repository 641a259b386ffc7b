package hooks

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestExecutorRunsAndCachesConversationStartHooks(t *testing.T) {
	exec := NewExecutor()
	var progress bytes.Buffer
	exec.Progress = &WriterProgressSink{W: &progress}

	hooks := []Hook{
		{Name: "test1", Trigger: TriggerConversationStart, Command: "echo test1", IsGlobal: true},
		{Name: "test2", Trigger: TriggerConversationStart, Command: "echo test2", IsGlobal: true},
	}

	results := exec.Run(context.Background(), TriggerConversationStart, hooks)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Hook.Name != "test1" || results[0].Output != "test1\n" {
		t.Errorf("first result = (%q, %q)", results[0].Hook.Name, results[0].Output)
	}
	if results[1].Hook.Name != "test2" || results[1].Output != "test2\n" {
		t.Errorf("second result = (%q, %q)", results[1].Hook.Name, results[1].Output)
	}
	if progress.Len() == 0 {
		t.Error("first run should report progress")
	}

	// Second run: both hooks cached, same results, no progress output.
	progress.Reset()
	results = exec.Run(context.Background(), TriggerConversationStart, hooks)
	if len(results) != 2 || results[0].Output != "test1\n" || results[1].Output != "test2\n" {
		t.Fatalf("cached run returned %v", results)
	}
	if progress.Len() != 0 {
		t.Errorf("cached run wrote progress: %q", progress.String())
	}
}

func TestExecutorTimeoutOmitsHook(t *testing.T) {
	exec := NewExecutor()
	hooks := []Hook{
		{Name: "slow", Trigger: TriggerPerPrompt, Command: "sleep 2", TimeoutMs: 100},
	}
	results := exec.Run(context.Background(), TriggerPerPrompt, hooks)
	if len(results) != 0 {
		t.Fatalf("timed-out hook should be omitted, got %v", results)
	}
}

func TestExecutorFailedHookOmitted(t *testing.T) {
	exec := NewExecutor()
	hooks := []Hook{
		{Name: "bad", Trigger: TriggerPerPrompt, Command: "exit 3"},
		{Name: "good", Trigger: TriggerPerPrompt, Command: "echo ok"},
	}
	results := exec.Run(context.Background(), TriggerPerPrompt, hooks)
	if len(results) != 1 || results[0].Hook.Name != "good" || results[0].Output != "ok\n" {
		t.Fatalf("expected only the succeeding hook, got %v", results)
	}
}

func TestExecutorTTLExpiry(t *testing.T) {
	exec := NewExecutor()
	now := time.Now()
	exec.now = func() time.Time { return now }

	counter := filepath.Join(t.TempDir(), "count")
	hooks := []Hook{{
		Name:            "counted",
		Trigger:         TriggerPerPrompt,
		Command:         fmt.Sprintf("echo run >> %s; wc -l < %s | tr -d ' '", counter, counter),
		CacheTTLSeconds: 1,
	}}

	run := func() string {
		t.Helper()
		results := exec.Run(context.Background(), TriggerPerPrompt, hooks)
		if len(results) != 1 {
			t.Fatalf("expected 1 result, got %d", len(results))
		}
		return results[0].Output
	}

	if out := run(); out != "1\n" {
		t.Fatalf("first run = %q", out)
	}
	// Within the TTL: cached, command not re-run.
	now = now.Add(500 * time.Millisecond)
	if out := run(); out != "1\n" {
		t.Fatalf("cached run = %q", out)
	}
	// Past the TTL: re-run.
	now = now.Add(700 * time.Millisecond)
	if out := run(); out != "2\n" {
		t.Fatalf("post-expiry run = %q", out)
	}
}

func TestExecutorPreservesInputOrder(t *testing.T) {
	exec := NewExecutor()
	hooks := []Hook{
		{Name: "slow", Trigger: TriggerPerPrompt, Command: "sleep 0.2; echo slow"},
		{Name: "fast", Trigger: TriggerPerPrompt, Command: "echo fast"},
	}
	results := exec.Run(context.Background(), TriggerPerPrompt, hooks)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Hook.Name != "slow" || results[1].Hook.Name != "fast" {
		t.Errorf("results out of input order: %q, %q", results[0].Hook.Name, results[1].Hook.Name)
	}
}

func TestExecutorSkipsDisabledAndOtherTriggers(t *testing.T) {
	exec := NewExecutor()
	hooks := []Hook{
		{Name: "off", Trigger: TriggerPerPrompt, Command: "echo off", Disabled: true},
		{Name: "start", Trigger: TriggerConversationStart, Command: "echo start"},
		{Name: "on", Trigger: TriggerPerPrompt, Command: "echo on"},
	}
	results := exec.Run(context.Background(), TriggerPerPrompt, hooks)
	if len(results) != 1 || results[0].Hook.Name != "on" {
		t.Fatalf("expected only the enabled per-prompt hook, got %v", results)
	}
}

func TestExecutorTruncatesOutput(t *testing.T) {
	exec := NewExecutor()
	hooks := []Hook{
		{Name: "big", Trigger: TriggerPerPrompt, Command: "echo abcdefgh", MaxOutputBytes: 4},
	}
	results := exec.Run(context.Background(), TriggerPerPrompt, hooks)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	want := "abcd" + truncationMarker
	if results[0].Output != want {
		t.Errorf("output = %q, want %q", results[0].Output, want)
	}
}

func TestExecutorProfileCacheIndependentOfGlobal(t *testing.T) {
	exec := NewExecutor()
	counter := filepath.Join(t.TempDir(), "count")
	cmd := fmt.Sprintf("echo run >> %s; wc -l < %s | tr -d ' '", counter, counter)
	profileHook := []Hook{{Name: "h", Trigger: TriggerConversationStart, Command: cmd}}
	globalHook := []Hook{{Name: "h", Trigger: TriggerConversationStart, Command: cmd, IsGlobal: true}}

	if out := exec.Run(context.Background(), TriggerConversationStart, profileHook); out[0].Output != "1\n" {
		t.Fatalf("profile run = %q", out[0].Output)
	}
	// Same name, global namespace: a separate cache slot, so the command runs again.
	if out := exec.Run(context.Background(), TriggerConversationStart, globalHook); out[0].Output != "2\n" {
		t.Fatalf("global run = %q", out[0].Output)
	}

	exec.ClearProfileCache()
	if out := exec.Run(context.Background(), TriggerConversationStart, profileHook); out[0].Output != "3\n" {
		t.Fatalf("post-clear profile run = %q", out[0].Output)
	}
	// Global entry survives the profile cache clear.
	if out := exec.Run(context.Background(), TriggerConversationStart, globalHook); out[0].Output != "2\n" {
		t.Fatalf("global cached run = %q", out[0].Output)
	}
}
