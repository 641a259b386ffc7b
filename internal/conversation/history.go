package conversation

import (
	"encoding/json"

	"github.com/qterm-cli/qterm/internal/api"
)

// History manages conversation messages for the agentic loop.
type History struct {
	messages []api.Message
}

// NewHistory creates an empty conversation history.
func NewHistory() *History {
	return &History{}
}

// NewHistoryFrom creates a history pre-populated with a copy of messages,
// e.g. when resuming a saved session. The copy keeps later mutations of
// the caller's slice from leaking into the history.
func NewHistoryFrom(messages []api.Message) *History {
	copied := make([]api.Message, len(messages))
	copy(copied, messages)
	return &History{messages: copied}
}

// Messages returns the current message list.
func (h *History) Messages() []api.Message {
	return h.messages
}

// AddUserMessage appends a user text message.
func (h *History) AddUserMessage(text string) {
	h.messages = append(h.messages, api.NewTextMessage(api.RoleUser, text))
}

// AddAssistantResponse appends the assistant's response (with content blocks).
func (h *History) AddAssistantResponse(blocks []api.ContentBlock) {
	h.messages = append(h.messages, api.NewBlockMessage(api.RoleAssistant, blocks))
}

// AddToolResults appends tool result blocks as a user message.
func (h *History) AddToolResults(results []api.ContentBlock) {
	h.messages = append(h.messages, api.NewBlockMessage(api.RoleUser, results))
}

// SetMessages replaces the message list. Passing nil clears the history.
func (h *History) SetMessages(messages []api.Message) {
	h.messages = messages
}

// ReplaceRange replaces messages[start:end] with the given replacement,
// e.g. swapping compacted turns for their summary. An out-of-bounds or
// inverted range is a no-op.
func (h *History) ReplaceRange(start, end int, replacement []api.Message) {
	if start < 0 || end > len(h.messages) || start > end {
		return
	}
	rest := append([]api.Message{}, h.messages[end:]...)
	h.messages = append(h.messages[:start], append(replacement, rest...)...)
}

// Len returns the number of messages.
func (h *History) Len() int {
	return len(h.messages)
}

// MakeToolResult creates a tool_result content block.
func MakeToolResult(toolUseID string, content string, isError bool) api.ContentBlock {
	contentJSON, _ := json.Marshal(content)
	return api.ContentBlock{
		Type:      api.ContentTypeToolResult,
		ToolUseID: toolUseID,
		Content:   contentJSON,
		IsError:   isError,
	}
}
