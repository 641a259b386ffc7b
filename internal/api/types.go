// Package api implements the Q Messages API client.
package api

import (
	"encoding/json"
	"strings"
)

// Model identifiers, organized by generation. The "5" generation is the
// current default; "4" and "3" remain selectable for cost/latency tradeoffs.
const (
	ModelMini3     = "qterm-mini-3-20241022"
	ModelStandard4 = "qterm-standard-4-20250514"
	ModelLarge4    = "qterm-large-4-20250514"
	ModelMini4     = "qterm-mini-4-20251001"
	ModelStandard5 = "qterm-standard-5"
	ModelLarge5    = "qterm-large-5"
)

// Friendly model name mapping. Aliases always resolve to the current
// generation; pin a full model ID directly to target an older one.
var ModelAliases = map[string]string{
	"opus":   ModelLarge5,
	"sonnet": ModelStandard5,
	"haiku":  ModelMini4,
}

// ModelOption describes a model available for selection.
type ModelOption struct {
	Alias       string // short name: "opus", "sonnet", "haiku"
	ID          string // full model ID
	DisplayName string // human-readable: "Opus 4.6", "Sonnet 4.6", "Haiku 4.5"
	Description string // brief capability note
}

// AvailableModels is the ordered list of models shown in the /model picker.
var AvailableModels = []ModelOption{
	{Alias: "sonnet", ID: ModelStandard5, DisplayName: "Sonnet 4.6", Description: "Best for everyday tasks (default)"},
	{Alias: "opus", ID: ModelLarge5, DisplayName: "Opus 4.6", Description: "Most capable for complex work"},
	{Alias: "haiku", ID: ModelMini4, DisplayName: "Haiku 4.5", Description: "Fastest for quick answers"},
}

// thinkingCapableModels lists the model-ID substrings (case-insensitive)
// that support extended thinking at all.
var thinkingCapableModels = []string{
	"qterm-large-5", "qterm-standard-5",
	"qterm-large-4-20250514", "qterm-standard-4-20250514",
}

// adaptiveThinkingModels lists the substrings that support the adaptive
// (budget-less) thinking mode introduced in the 4.6 generation.
var adaptiveThinkingModels = []string{
	"qterm-large-5", "qterm-standard-5",
}

// SupportsThinking reports whether model supports extended thinking at all.
func SupportsThinking(model string) bool {
	m := strings.ToLower(model)
	for _, substr := range thinkingCapableModels {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// SupportsAdaptiveThinking reports whether model supports the adaptive
// thinking mode (no explicit budget_tokens required).
func SupportsAdaptiveThinking(model string) bool {
	m := strings.ToLower(model)
	for _, substr := range adaptiveThinkingModels {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// IsOpus46Model reports whether model is the large-5 ("Opus 4.6"-equivalent)
// generation, identified by full model ID rather than alias.
func IsOpus46Model(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "qterm-large-5")
}

// ThinkingConfig controls extended thinking for a request.
type ThinkingConfig struct {
	Type         string `json:"type"` // "adaptive", "enabled", or "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// ThinkingAdaptive returns a thinking config that lets the model choose its
// own budget. Only supported on SupportsAdaptiveThinking models.
func ThinkingAdaptive() *ThinkingConfig {
	return &ThinkingConfig{Type: "adaptive"}
}

// ThinkingEnabled returns a thinking config with an explicit token budget.
func ThinkingEnabled(budgetTokens int) *ThinkingConfig {
	return &ThinkingConfig{Type: "enabled", BudgetTokens: budgetTokens}
}

// ThinkingDisabled returns a thinking config that turns extended thinking off.
func ThinkingDisabled() *ThinkingConfig {
	return &ThinkingConfig{Type: "disabled"}
}

// FastModeModelAlias is the model alias fast mode switches to when the
// current model doesn't support it.
const FastModeModelAlias = "opus"

// FastModeDisplayName names the model family that supports fast mode, for
// user-facing copy.
const FastModeDisplayName = "Opus 4.6"

// Beta header values gated behind specific request fields.
const (
	FastModeBeta         = "fast-mode-2025-06-25"
	AdaptiveThinkingBeta = "adaptive-thinking-2025-05-14"
)

// ModelDisplayName returns a friendly display name for a model ID or alias.
func ModelDisplayName(model string) string {
	for _, opt := range AvailableModels {
		if model == opt.ID || model == opt.Alias {
			return opt.DisplayName
		}
	}
	return model
}

// ResolveModelAlias resolves a model alias to its full ID. If the input
// is not a known alias, it is returned as-is (assumed to be a full model ID).
func ResolveModelAlias(input string) string {
	if resolved, ok := ModelAliases[input]; ok {
		return resolved
	}
	return input
}

// Role constants for messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block type constants.
const (
	ContentTypeText      = "text"
	ContentTypeImage     = "image"
	ContentTypeToolUse   = "tool_use"
	ContentTypeToolResult = "tool_result"
)

// Stop reason constants.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
	StopReasonStopSeq   = "stop_sequence"
)

// CreateMessageRequest is the request body for POST /v1/messages.
type CreateMessageRequest struct {
	Model     string            `json:"model"`
	MaxTokens int               `json:"max_tokens"`
	Messages  []Message         `json:"messages"`
	System    []SystemBlock     `json:"system,omitempty"`
	Tools     []ToolDefinition  `json:"tools,omitempty"`
	Stream    bool              `json:"stream,omitempty"`
	Metadata  *RequestMetadata  `json:"metadata,omitempty"`
	StopSeqs  []string          `json:"stop_sequences,omitempty"`
	Temp      *float64          `json:"temperature,omitempty"`
	TopP      *float64          `json:"top_p,omitempty"`
	TopK      *int              `json:"top_k,omitempty"`
	Speed     string            `json:"speed,omitempty"`
	Thinking  *ThinkingConfig   `json:"thinking,omitempty"`
	Betas     []string          `json:"betas,omitempty"`
}

// RequestMetadata holds metadata sent with API requests.
type RequestMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// SystemBlock is a system prompt block (text or cache control).
type SystemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text,omitempty"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// CacheControl instructs the API to cache certain content.
type CacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// Message is a single conversation message.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []ContentBlock
}

// NewTextMessage creates a simple text message.
func NewTextMessage(role, text string) Message {
	content, _ := json.Marshal(text)
	return Message{Role: role, Content: content}
}

// NewBlockMessage creates a message with content blocks.
func NewBlockMessage(role string, blocks []ContentBlock) Message {
	content, _ := json.Marshal(blocks)
	return Message{Role: role, Content: content}
}

// ContentBlock is a union type for text, image, tool_use, and tool_result blocks.
type ContentBlock struct {
	Type string `json:"type"`

	// Text block fields.
	Text string `json:"text,omitempty"`

	// Image block fields.
	Source *ImageSource `json:"source,omitempty"`

	// Tool use block fields.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result block fields.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // string or []ContentBlock
	IsError   bool            `json:"is_error,omitempty"`

	// Cache control for any block.
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// ImageSource holds image data for image content blocks.
type ImageSource struct {
	Type      string `json:"type"`       // "base64"
	MediaType string `json:"media_type"` // e.g. "image/png"
	Data      string `json:"data"`
}

// ToolDefinition is sent to the API to describe an available tool.
type ToolDefinition struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	CacheControl *CacheControl   `json:"cache_control,omitempty"`
}

// MessageResponse is the full (non-streaming) response from the Messages API.
type MessageResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // "message"
	Role         string         `json:"role"` // "assistant"
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens              int  `json:"input_tokens"`
	OutputTokens             int  `json:"output_tokens"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     *int `json:"cache_read_input_tokens,omitempty"`
}

// APIError represents an error response from the API.
type APIError struct {
	Type    string        `json:"type"`
	Error   APIErrorBody  `json:"error"`
}

// APIErrorBody is the error detail.
type APIErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
