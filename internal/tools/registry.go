// Package tools implements the built-in tool set for the qterm CLI.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/qterm-cli/qterm/internal/api"
	"github.com/qterm-cli/qterm/internal/config"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is the interface that all built-in tools implement.
type Tool interface {
	// Name returns the tool name as sent to the API (e.g. "Bash", "FileRead").
	Name() string

	// Description returns a human-readable description for the API.
	Description() string

	// InputSchema returns the JSON Schema for the tool's input parameters.
	InputSchema() json.RawMessage

	// Validate fails fast on malformed arguments, nonexistent paths, or
	// disallowed commands. It must be called, and must succeed, before
	// any acceptance prompt is shown.
	Validate(ctx context.Context, input json.RawMessage) error

	// RequiresAcceptance returns true if this tool call needs user
	// approval before Execute runs.
	RequiresAcceptance(ctx context.Context, input json.RawMessage) bool

	// QueueDescription writes a human-readable plan (a path, a diff, a
	// command line) describing what Execute will do, before the
	// acceptance prompt is shown.
	QueueDescription(ctx context.Context, input json.RawMessage, out io.Writer) error

	// Execute runs the tool with the given JSON input and returns the text result.
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// MaxToolResponseSize caps a tool's text output; content beyond this is
// truncated with an in-band marker. Image/binary results bypass this.
const MaxToolResponseSize = 100_000

// truncateToolResponse caps text at MaxToolResponseSize bytes, appending a
// visible marker so the truncation is reported in-band rather than silent.
func truncateToolResponse(text string) string {
	if isImageResult(text) || len(text) <= MaxToolResponseSize {
		return text
	}
	return text[:MaxToolResponseSize] + "\n... (output truncated)"
}

// isImageResult reports whether text is a tool result encoding an image
// block (see FileReadTool.readImage), which bypasses truncation.
func isImageResult(text string) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return false
	}
	return probe.Type == "image"
}

// schemaCache holds one compiled JSON Schema per tool name, built once and
// reused across every Execute call for that tool.
var schemaCache sync.Map

// compileToolSchema compiles and caches the JSON Schema a tool declares in
// InputSchema, keyed by tool name so each tool only compiles its schema once.
func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(name); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	schemaCache.Store(name, compiled)
	return compiled, nil
}

// validateAgainstSchema checks input against the tool's declared JSON
// Schema before any tool-specific Validate runs.
func validateAgainstSchema(name string, rawSchema json.RawMessage, input json.RawMessage) error {
	schema, err := compileToolSchema(name, rawSchema)
	if err != nil {
		return fmt.Errorf("compiling schema for %s: %w", name, err)
	}

	var decoded interface{}
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("decoding input for %s: %w", name, err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("input for %s does not match schema: %w", name, err)
	}
	return nil
}

// PermissionHandler prompts the user for tool execution permission.
type PermissionHandler interface {
	// RequestPermission asks the user whether to allow a tool call.
	// It returns true if the user approves.
	RequestPermission(ctx context.Context, toolName string, input json.RawMessage) (bool, error)
}

// RichPermissionHandler is an extended permission handler that returns
// detailed permission results including decision reasons and suggestions.
// If the handler implements this interface, the registry will use it for
// richer permission checking.
type RichPermissionHandler interface {
	PermissionHandler
	// CheckPermission evaluates permission rules and returns a rich result.
	CheckPermission(toolName string, input json.RawMessage) config.PermissionResult
}

// PermissionContextProvider gives access to the session-level permission context.
type PermissionContextProvider interface {
	GetPermissionContext() *config.ToolPermissionContext
}

// Registry holds registered tools and dispatches execution.
// It implements conversation.ToolExecutor.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	order      []string // preserves registration order
	permission PermissionHandler
	trust      *TrustState
}

// NewRegistry creates a new tool registry.
func NewRegistry(permission PermissionHandler) *Registry {
	return &Registry{
		tools:      make(map[string]Tool),
		permission: permission,
		trust:      NewTrustState(),
	}
}

// Trust returns the per-conversation tool trust table.
func (r *Registry) Trust() *TrustState {
	return r.trust
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// HasTool returns true if the named tool is registered.
func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Execute runs the named tool with the given JSON input. It validates the
// input first (before any acceptance prompt, per the tool contract), then
// checks permissions and queues a human-readable description if required.
func (r *Registry) Execute(ctx context.Context, name string, input []byte) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	perm := r.permission
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	rawInput := json.RawMessage(input)

	if err := validateAgainstSchema(name, tool.InputSchema(), rawInput); err != nil {
		return fmt.Sprintf("Error: %v", err), err
	}

	if err := tool.Validate(ctx, rawInput); err != nil {
		return fmt.Sprintf("Error: %v", err), err
	}

	// Check permission if needed. A trusted tool skips the prompt entirely;
	// trust is resolved here so pending patterns bind on first sighting.
	if tool.RequiresAcceptance(ctx, rawInput) && !r.trust.IsTrusted(name) && perm != nil {
		// queueDescription prints the tool's plan (path, diff, command line)
		// to the UI before blocking on consent, per the tool contract.
		queueDescription := func() {
			var desc strings.Builder
			if err := tool.QueueDescription(ctx, rawInput, &desc); err == nil && desc.Len() > 0 {
				fmt.Print(desc.String())
			}
		}
		// Try rich permission check first.
		if rph, ok := perm.(RichPermissionHandler); ok {
			result := rph.CheckPermission(name, rawInput)
			switch result.Behavior {
			case config.BehaviorAllow:
				// Permission granted by rules — proceed.
			case config.BehaviorDeny:
				msg := "Permission denied."
				if result.Message != "" {
					msg = result.Message
				}
				return msg, fmt.Errorf("permission denied")
			default:
				// BehaviorAsk or BehaviorPassthrough — fall back to interactive prompt.
				queueDescription()
				allowed, err := perm.RequestPermission(ctx, name, rawInput)
				if err != nil {
					return "", fmt.Errorf("permission check: %w", err)
				}
				if !allowed {
					return "Permission denied by user.", fmt.Errorf("permission denied")
				}
			}
		} else {
			// Simple permission handler.
			queueDescription()
			allowed, err := perm.RequestPermission(ctx, name, rawInput)
			if err != nil {
				return "", fmt.Errorf("permission check: %w", err)
			}
			if !allowed {
				return "Permission denied by user.", fmt.Errorf("permission denied")
			}
		}
	}

	result, err := tool.Execute(ctx, rawInput)
	if err != nil {
		return result, err
	}
	return result, nil
}

// LastPermissionResult returns the most recent rich permission result for
// a tool execution, if the handler supports it. Returns nil otherwise.
func (r *Registry) LastPermissionResult(name string, input json.RawMessage) *config.PermissionResult {
	r.mu.RLock()
	perm := r.permission
	r.mu.RUnlock()

	if rph, ok := perm.(RichPermissionHandler); ok {
		result := rph.CheckPermission(name, input)
		return &result
	}
	return nil
}

// GetPermissionContext returns the session-level permission context, if
// the handler supports it.
func (r *Registry) GetPermissionContext() *config.ToolPermissionContext {
	r.mu.RLock()
	perm := r.permission
	r.mu.RUnlock()

	if pcp, ok := perm.(PermissionContextProvider); ok {
		return pcp.GetPermissionContext()
	}
	return nil
}

// SetPermissionHandler replaces the permission handler at runtime.
// The argument is interface{} to avoid import cycles with the tui package;
// it must implement PermissionHandler.
func (r *Registry) SetPermissionHandler(h interface{}) {
	if ph, ok := h.(PermissionHandler); ok {
		r.mu.Lock()
		r.permission = ph
		r.mu.Unlock()
	}
}

// SetProgram forwards the Bubble Tea program handle to every registered
// tool that renders through it (AskUser, TodoWrite).
func (r *Registry) SetProgram(p *tea.Program) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type programSetter interface {
		SetProgram(p *tea.Program)
	}
	for _, t := range r.tools {
		if ps, ok := t.(programSetter); ok {
			ps.SetProgram(p)
		}
	}
}

// Definitions returns API tool definitions for all registered tools,
// in registration order.
func (r *Registry) Definitions() []api.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]api.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, api.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}
