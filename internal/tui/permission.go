package tui

import (
	"context"
	"encoding/json"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/qterm-cli/qterm/internal/config"
)

// consentRequestMsg asks the model to collect a y/n decision for a tool
// call. The dispatcher's goroutine blocks on Reply until the user answers.
type consentRequestMsg struct {
	Tool    string
	Summary string
	Reply   chan bool
}

// consentRelay bridges the tool dispatcher's permission interfaces to the
// program. Rules are evaluated first via the wrapped handler; only
// ask/passthrough outcomes reach the user.
type consentRelay struct {
	program *tea.Program
	rules   *config.RuleBasedPermissionHandler
}

func newConsentRelay(p *tea.Program, rules *config.RuleBasedPermissionHandler) *consentRelay {
	return &consentRelay{program: p, rules: rules}
}

// CheckPermission delegates to the rule handler; with no rules configured
// every call falls through to the interactive prompt.
func (c *consentRelay) CheckPermission(toolName string, input json.RawMessage) config.PermissionResult {
	if c.rules == nil {
		return config.PermissionResult{Behavior: config.BehaviorPassthrough}
	}
	return c.rules.CheckPermission(toolName, input)
}

// GetPermissionContext exposes the session permission context so /tools
// and mode switches operate on the same state the rules use.
func (c *consentRelay) GetPermissionContext() *config.ToolPermissionContext {
	if c.rules == nil {
		return nil
	}
	return c.rules.GetPermissionContext()
}

// RequestPermission blocks the calling goroutine on the user's decision.
func (c *consentRelay) RequestPermission(ctx context.Context, toolName string, input json.RawMessage) (bool, error) {
	if c.program == nil {
		return false, nil
	}
	reply := make(chan bool, 1)
	c.program.Send(consentRequestMsg{
		Tool:    toolName,
		Summary: toolCallSummary(toolName, input),
		Reply:   reply,
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case allowed := <-reply:
		return allowed, nil
	}
}
