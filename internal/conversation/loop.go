package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/qterm-cli/qterm/internal/api"
	"github.com/qterm-cli/qterm/internal/config"
)

// ToolExecutor executes tool calls and returns results.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input []byte) (string, error)
	HasTool(name string) bool
}

// Loop is the main agentic conversation loop.
type Loop struct {
	client         *api.Client
	history        *History
	system         []api.SystemBlock
	tools          []api.ToolDefinition
	toolExec       ToolExecutor
	handler        api.StreamHandler
	compactor      *Compactor
	onTurnComplete func(history *History)
	fastMode        bool       // when true, sends speed:"fast" on eligible models
	contextMessage  string     // <system-reminder> context prepended to messages
	thinkingEnabled *bool      // nil = default enabled; overridden by settings toggle

	// thinkingOverride, when set, is sent verbatim instead of the config
	// derived from the settings toggle.
	thinkingOverride *api.ThinkingConfig

	// maxTurns caps API round-trips per SendMessage; 0 means unlimited.
	maxTurns int

	// Per-prompt preamble resolvers. Both run concurrently before each
	// user turn; their output is rendered into <system-reminder> blocks
	// ahead of the user's literal prompt, never mixed into it.
	resolveContextFiles func(ctx context.Context) (string, error)
	resolvePromptHooks  func(ctx context.Context) (string, error)
}

// LoopConfig configures the agentic loop.
type LoopConfig struct {
	Client         *api.Client
	System         []api.SystemBlock
	Tools          []api.ToolDefinition
	ToolExec       ToolExecutor
	Handler        api.StreamHandler
	History        *History               // if non-nil, resume from this history
	Compactor      *Compactor             // if non-nil, enables auto-compaction
	OnTurnComplete func(history *History)  // called after each API round-trip
	ContextMessage  string                 // <system-reminder> context prepended to messages
	ThinkingEnabled *bool                  // nil = default enabled; settings toggle overrides

	// ResolveContextFiles renders the matched context file set for the
	// next user turn; nil disables. ResolvePromptHooks renders per-prompt
	// hook output the same way. They run concurrently.
	ResolveContextFiles func(ctx context.Context) (string, error)
	ResolvePromptHooks  func(ctx context.Context) (string, error)
}

// NewLoop creates a new agentic conversation loop.
func NewLoop(cfg LoopConfig) *Loop {
	history := cfg.History
	if history == nil {
		history = NewHistory()
	}
	return &Loop{
		client:          cfg.Client,
		history:         history,
		system:          cfg.System,
		tools:           cfg.Tools,
		toolExec:        cfg.ToolExec,
		handler:         cfg.Handler,
		compactor:       cfg.Compactor,
		onTurnComplete:  cfg.OnTurnComplete,
		contextMessage:  cfg.ContextMessage,
		thinkingEnabled: cfg.ThinkingEnabled,

		resolveContextFiles: cfg.ResolveContextFiles,
		resolvePromptHooks:  cfg.ResolvePromptHooks,
	}
}

// History returns the loop's conversation history.
func (l *Loop) History() *History {
	return l.history
}

// ToolExecutor returns the loop's tool executor; may be nil. Callers that
// need richer capabilities (trust table, permission context) type-assert
// on the returned value.
func (l *Loop) ToolExecutor() ToolExecutor {
	return l.toolExec
}

// SetHandler replaces the stream handler. This allows the TUI to inject
// its own handler after the loop is created.
func (l *Loop) SetHandler(h api.StreamHandler) {
	l.handler = h
}

// SetModel changes the model used for subsequent API calls.
func (l *Loop) SetModel(model string) {
	l.client.SetModel(model)
}

// FastMode returns whether fast mode is enabled.
func (l *Loop) FastMode() bool {
	return l.fastMode
}

// SetFastMode enables or disables fast mode.
func (l *Loop) SetFastMode(on bool) {
	l.fastMode = on
}

// ThinkingEnabled reports whether extended thinking is active for this loop.
// The Q_DISABLE_THINKING env var is a hard kill switch; absent that, the
// settings toggle (nil = enabled) decides.
func (l *Loop) ThinkingEnabled() bool {
	if os.Getenv("Q_DISABLE_THINKING") != "" {
		return false
	}
	return l.thinkingEnabled == nil || *l.thinkingEnabled
}

// SetThinkingEnabled replaces the settings-driven thinking toggle, e.g. after
// the config panel changes it.
func (l *Loop) SetThinkingEnabled(enabled *bool) {
	l.thinkingEnabled = enabled
}

// SetThinking pins an explicit thinking config (from the --thinking and
// --effort flags), overriding the settings-derived one.
func (l *Loop) SetThinking(cfg *api.ThinkingConfig) {
	l.thinkingOverride = cfg
}

// SetMaxTurns caps the number of API round-trips per SendMessage, for
// non-interactive runs. Zero means unlimited.
func (l *Loop) SetMaxTurns(n int) {
	l.maxTurns = n
}

// buildThinkingConfig returns the thinking config to send for model, or nil
// if thinking is disabled or unsupported. MAX_THINKING_TOKENS, when set,
// pins an explicit budget even on models that would otherwise use the
// adaptive (budget-less) mode.
func (l *Loop) buildThinkingConfig(model string) *api.ThinkingConfig {
	if l.thinkingOverride != nil {
		return l.thinkingOverride
	}
	if !l.ThinkingEnabled() || !api.SupportsThinking(model) {
		return nil
	}
	if raw := os.Getenv("MAX_THINKING_TOKENS"); raw != "" {
		if budget, err := strconv.Atoi(raw); err == nil {
			return api.ThinkingEnabled(budget)
		}
	}
	if api.SupportsAdaptiveThinking(model) {
		return api.ThinkingAdaptive()
	}
	return api.ThinkingEnabled(api.DefaultMaxTokens - 1)
}

// SetPermissionHandler replaces the permission handler on the tool executor.
// This is a no-op if the executor doesn't support it.
func (l *Loop) SetPermissionHandler(h interface{}) {
	type permSetter interface {
		SetPermissionHandler(h interface{})
	}
	if ps, ok := l.toolExec.(permSetter); ok {
		ps.SetPermissionHandler(h)
	}
}

// GetPermissionContext returns the session-level permission context from the
// tool executor, if it supports it. Returns nil otherwise.
func (l *Loop) GetPermissionContext() *config.ToolPermissionContext {
	type permCtxGetter interface {
		GetPermissionContext() *config.ToolPermissionContext
	}
	if pg, ok := l.toolExec.(permCtxGetter); ok {
		return pg.GetPermissionContext()
	}
	return nil
}

// SendMessage sends a user message and runs the agentic loop until a
// response stops for a reason other than tool use (normally "end_turn"),
// or the max-turns cap is reached.
func (l *Loop) SendMessage(ctx context.Context, userMessage string) error {
	l.history.AddUserMessage(composeUserTurn(l.resolvePreamble(ctx), userMessage))
	return l.run(ctx)
}

// resolvePreamble runs the context-file and per-prompt-hook resolvers
// concurrently and returns their rendered blocks: context files first,
// then hook output. A resolver error or empty result drops its block.
func (l *Loop) resolvePreamble(ctx context.Context) []string {
	type result struct {
		idx  int
		text string
	}
	resolvers := []func(context.Context) (string, error){
		l.resolveContextFiles,
		l.resolvePromptHooks,
	}

	ch := make(chan result, len(resolvers))
	launched := 0
	for i, resolve := range resolvers {
		if resolve == nil {
			continue
		}
		launched++
		go func(idx int, fn func(context.Context) (string, error)) {
			text, err := fn(ctx)
			if err != nil {
				text = ""
			}
			ch <- result{idx: idx, text: text}
		}(i, resolve)
	}

	blocks := make([]string, len(resolvers))
	for i := 0; i < launched; i++ {
		r := <-ch
		blocks[r.idx] = r.text
	}

	var out []string
	for _, b := range blocks {
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}

// composeUserTurn renders preamble blocks as <system-reminder> sections
// ahead of the user's literal prompt.
func composeUserTurn(preamble []string, prompt string) string {
	if len(preamble) == 0 {
		return prompt
	}
	var b strings.Builder
	for _, block := range preamble {
		b.WriteString("<system-reminder>\n")
		b.WriteString(block)
		if !strings.HasSuffix(block, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("</system-reminder>\n\n")
	}
	b.WriteString(prompt)
	return b.String()
}

// Compact triggers manual context compaction.
func (l *Loop) Compact(ctx context.Context) error {
	if l.compactor == nil {
		return fmt.Errorf("compaction not configured")
	}
	return l.compactor.Compact(ctx, l.history)
}

// Clear resets the conversation history to empty, starting a fresh conversation.
func (l *Loop) Clear() {
	l.history.SetMessages(nil)
}

// SetOnTurnComplete replaces the turn-complete callback. This is used by
// /clear to point the callback at the new session after clearing.
func (l *Loop) SetOnTurnComplete(fn func(history *History)) {
	l.onTurnComplete = fn
}

func (l *Loop) run(ctx context.Context) error {
	turns := 0
	for {
		if l.maxTurns > 0 && turns >= l.maxTurns {
			return fmt.Errorf("reached max turns (%d)", l.maxTurns)
		}
		turns++

		msgs := l.history.Messages()

		// Prepend the context message (project memory, current date) if configured.
		// The context message is a user message containing <system-reminder>
		// blocks with agentsMd and currentDate; gitStatus is in the system prompt.
		if l.contextMessage != "" {
			contextMsg := api.NewTextMessage(api.RoleUser, l.contextMessage)
			msgs = append([]api.Message{contextMsg}, msgs...)
		}

		system := l.system
		tools := l.tools

		// Apply prompt caching if enabled for the current model.
		// This adds cache_control breakpoints to system blocks, tool
		// definitions, and the last ~2 conversation messages so the API
		// can serve cached prefixes instead of reprocessing everything.
		if CachingEnabled(l.client.Model()) {
			system, tools, msgs = ApplyPromptCaching(system, tools, msgs)
		}

		req := &api.CreateMessageRequest{
			Messages: msgs,
			System:   system,
			Tools:    tools,
		}

		// Apply fast mode: add speed:"fast" when enabled on an eligible model.
		if l.fastMode && api.IsOpus46Model(l.client.Model()) {
			req.Speed = "fast"
		}

		req.Thinking = l.buildThinkingConfig(l.client.Model())

		resp, err := l.client.CreateMessageStream(ctx, req, l.handler)
		if err != nil {
			return l.recoverStreamFailure(resp, err)
		}

		if resp == nil {
			return fmt.Errorf("no response received")
		}

		// Add assistant response to history.
		l.history.AddAssistantResponse(resp.Content)

		// Check for auto-compaction after each API response.
		if l.compactor != nil && l.compactor.ShouldCompact(resp.Usage) {
			if err := l.compactor.Compact(ctx, l.history); err != nil {
				// Log but don't fail the loop.
				log.Printf("Warning: compaction failed: %v", err)
			}
		}

		// Check if we need to execute tools.
		if resp.StopReason != api.StopReasonToolUse {
			// No tool calls - conversation turn is done.
			l.notifyTurnComplete()
			return nil
		}

		// Execute tool calls and collect results.
		var toolResults []api.ContentBlock
		for _, block := range resp.Content {
			if block.Type != api.ContentTypeToolUse {
				continue
			}

			if l.toolExec == nil || !l.toolExec.HasTool(block.Name) {
				result := MakeToolResult(block.ID,
					fmt.Sprintf("Tool %q is not available.", block.Name), true)
				toolResults = append(toolResults, result)
				continue
			}

			output, execErr := l.toolExec.Execute(ctx, block.Name, block.Input)

			if execErr != nil {
				// If tool returned output along with an error, use the output.
				msg := output
				if msg == "" {
					msg = fmt.Sprintf("Error executing tool: %v", execErr)
				}
				result := MakeToolResult(block.ID, msg, true)
				toolResults = append(toolResults, result)
			} else {
				result := MakeToolResult(block.ID, output, false)
				toolResults = append(toolResults, result)
			}
		}

		if len(toolResults) == 0 {
			// Stop reason was tool_use but no tool blocks found - shouldn't happen.
			return fmt.Errorf("stop_reason was tool_use but no tool_use blocks found")
		}

		l.history.AddToolResults(toolResults)
		l.notifyTurnComplete()
		// Loop back to call API again with tool results.
	}
}

// recoverStreamFailure persists the partial assistant turn carried by a
// stream timeout or an unexpected mid-tool-use EOS, so the history stays
// well-formed, then surfaces the error without retrying. The user decides
// whether to resend.
func (l *Loop) recoverStreamFailure(partial *api.MessageResponse, err error) error {
	var timeoutErr *api.StreamTimeoutError
	var eosErr *api.UnexpectedToolUseEOSError
	switch {
	case errors.As(err, &eosErr):
		l.history.AddAssistantResponse(assembledToBlocks(eosErr.Message))
		l.notifyTurnComplete()
		return fmt.Errorf("response ended mid-tool-use; partial turn saved, send again to retry: %w", err)
	case errors.As(err, &timeoutErr):
		if partial != nil && len(partial.Content) > 0 {
			l.history.AddAssistantResponse(partial.Content)
			l.notifyTurnComplete()
		}
		return fmt.Errorf("stream timed out after %s; send again to retry: %w", timeoutErr.Duration.Round(time.Second), err)
	default:
		return fmt.Errorf("API call: %w", err)
	}
}

// assembledToBlocks converts a parser-assembled message into history
// content blocks.
func assembledToBlocks(msg api.AssembledMessage) []api.ContentBlock {
	var blocks []api.ContentBlock
	if msg.Text != "" {
		blocks = append(blocks, api.ContentBlock{Type: api.ContentTypeText, Text: msg.Text})
	}
	for _, tu := range msg.ToolUses {
		blocks = append(blocks, api.ContentBlock{
			Type:  api.ContentTypeToolUse,
			ID:    tu.ID,
			Name:  tu.Name,
			Input: tu.Args,
		})
	}
	return blocks
}

func (l *Loop) notifyTurnComplete() {
	if l.onTurnComplete != nil {
		l.onTurnComplete(l.history)
	}
}

// PrintStreamHandler is a basic StreamHandler that prints text to stdout.
type PrintStreamHandler struct{}

func (h *PrintStreamHandler) OnMessageStart(msg api.MessageResponse) {}

func (h *PrintStreamHandler) OnContentBlockStart(index int, block api.ContentBlock) {}

func (h *PrintStreamHandler) OnTextDelta(index int, text string) {
	fmt.Print(text)
}

func (h *PrintStreamHandler) OnThinkingDelta(index int, thinking string) {}

func (h *PrintStreamHandler) OnSignatureDelta(index int, signature string) {}

func (h *PrintStreamHandler) OnInputJSONDelta(index int, partialJSON string) {}

func (h *PrintStreamHandler) OnContentBlockStop(index int) {}

func (h *PrintStreamHandler) OnMessageDelta(delta api.MessageDeltaBody, usage *api.Usage) {}

func (h *PrintStreamHandler) OnMessageStop() {
	fmt.Println()
}

func (h *PrintStreamHandler) OnError(err error) {
	fmt.Fprintf(os.Stderr, "\nStream error: %v\n", err)
}

// ToolAwareStreamHandler extends PrintStreamHandler with tool call display.
// It accumulates tool input JSON from deltas and shows a summary when the
// tool call block is complete.
type ToolAwareStreamHandler struct {
	toolNames map[int]string
	jsonBufs  map[int][]byte
}

func (h *ToolAwareStreamHandler) OnMessageStart(msg api.MessageResponse) {}

func (h *ToolAwareStreamHandler) OnContentBlockStart(index int, block api.ContentBlock) {
	if block.Type == api.ContentTypeToolUse {
		if h.toolNames == nil {
			h.toolNames = make(map[int]string)
			h.jsonBufs = make(map[int][]byte)
		}
		h.toolNames[index] = block.Name
		h.jsonBufs[index] = nil
	}
}

func (h *ToolAwareStreamHandler) OnTextDelta(index int, text string) {
	fmt.Print(text)
}

func (h *ToolAwareStreamHandler) OnThinkingDelta(index int, thinking string) {}

func (h *ToolAwareStreamHandler) OnSignatureDelta(index int, signature string) {}

func (h *ToolAwareStreamHandler) OnInputJSONDelta(index int, partialJSON string) {
	if h.jsonBufs != nil {
		h.jsonBufs[index] = append(h.jsonBufs[index], []byte(partialJSON)...)
	}
}

func (h *ToolAwareStreamHandler) OnContentBlockStop(index int) {
	if name, ok := h.toolNames[index]; ok {
		assembled := json.RawMessage(h.jsonBufs[index])
		fmt.Printf("\n[tool: %s]", name)
		summary := toolInputSummary(name, assembled)
		if summary != "" {
			fmt.Printf(" %s", summary)
		}
		fmt.Println()
		delete(h.toolNames, index)
		delete(h.jsonBufs, index)
	}
}

func (h *ToolAwareStreamHandler) OnMessageDelta(delta api.MessageDeltaBody, usage *api.Usage) {
}

func (h *ToolAwareStreamHandler) OnMessageStop() {
	fmt.Println()
}

func (h *ToolAwareStreamHandler) OnError(err error) {
	fmt.Fprintf(os.Stderr, "\nStream error: %v\n", err)
}

// toolInputSummary produces a short description from assembled tool input JSON.
func toolInputSummary(name string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(input, &m); err != nil {
		return ""
	}

	extractString := func(key string) string {
		v, ok := m[key]
		if !ok {
			return ""
		}
		var s string
		json.Unmarshal(v, &s)
		return s
	}

	switch name {
	case "Bash":
		if s := extractString("command"); s != "" {
			if len(s) > 200 {
				s = s[:197] + "..."
			}
			return fmt.Sprintf("$ %s", s)
		}
	case "FileRead":
		if s := extractString("file_path"); s != "" {
			return s
		}
	case "FileEdit":
		if s := extractString("file_path"); s != "" {
			return s
		}
	case "FileWrite":
		if s := extractString("file_path"); s != "" {
			return s
		}
	case "Glob":
		if s := extractString("pattern"); s != "" {
			return s
		}
	case "Grep":
		if s := extractString("pattern"); s != "" {
			return fmt.Sprintf("/%s/", s)
		}
	case "Agent":
		if s := extractString("description"); s != "" {
			return s
		}
	case "TodoWrite":
		return "updating task list"
	case "AskUserQuestion":
		return "asking user"
	case "WebFetch":
		if s := extractString("url"); s != "" {
			return s
		}
	case "WebSearch":
		if s := extractString("query"); s != "" {
			return fmt.Sprintf("searching: %s", s)
		}
	case "NotebookEdit":
		if s := extractString("notebook_path"); s != "" {
			return s
		}
	case "ExitPlanMode":
		return "plan ready"
	case "Config":
		if s := extractString("setting"); s != "" {
			return s
		}
	case "EnterWorktree":
		return "creating worktree"
	case "TaskOutput":
		if s := extractString("task_id"); s != "" {
			return fmt.Sprintf("reading task %s", s)
		}
	case "TaskStop":
		return "stopping task"
	}
	return ""
}
