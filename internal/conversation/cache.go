package conversation

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/qterm-cli/qterm/internal/api"
)

// Prompt caching marks stable request prefixes so the service can reuse
// them across turns. The API allows four breakpoints per request; we
// spend them as one on the system prompt, one on the tool definitions,
// and one on each of the last two messages, so a follow-up turn only
// pays fresh input tokens for what actually changed.

var ephemeralCache = &api.CacheControl{Type: "ephemeral"}

// cachingKillSwitches maps a model-family substring to the environment
// variable that disables caching for that family alone.
var cachingKillSwitches = map[string]string{
	"qterm-mini":     "DISABLE_PROMPT_CACHING_MINI",
	"qterm-standard": "DISABLE_PROMPT_CACHING_STANDARD",
	"qterm-large":    "DISABLE_PROMPT_CACHING_LARGE",
}

// CachingEnabled reports whether prompt caching applies for model.
// DISABLE_PROMPT_CACHING turns it off everywhere; each model family has
// its own kill switch on top.
func CachingEnabled(model string) bool {
	if envBool("DISABLE_PROMPT_CACHING") {
		return false
	}
	id := strings.ToLower(model)
	for family, envVar := range cachingKillSwitches {
		if strings.Contains(id, family) && envBool(envVar) {
			return false
		}
	}
	return true
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "1" || strings.EqualFold(v, "true")
}

// ApplyPromptCaching returns copies of the request's three cacheable
// surfaces with breakpoints placed. Inputs are never mutated.
func ApplyPromptCaching(system []api.SystemBlock, tools []api.ToolDefinition, msgs []api.Message) ([]api.SystemBlock, []api.ToolDefinition, []api.Message) {
	if n := len(system); n > 0 {
		system = append([]api.SystemBlock(nil), system...)
		system[n-1].CacheControl = ephemeralCache
	}
	if n := len(tools); n > 0 {
		tools = append([]api.ToolDefinition(nil), tools...)
		tools[n-1].CacheControl = ephemeralCache
	}
	if n := len(msgs); n > 0 {
		msgs = append([]api.Message(nil), msgs...)
		start := n - 2
		if start < 0 {
			start = 0
		}
		for i := start; i < n; i++ {
			msgs[i] = cacheMessage(msgs[i])
		}
	}
	return system, tools, msgs
}

// cacheMessage returns msg with a breakpoint on its last cacheable
// content block. Thinking blocks can't carry cache_control, so the
// breakpoint lands on the last block that isn't one; plain-string
// content is promoted to a text block first.
func cacheMessage(msg api.Message) api.Message {
	var blocks []api.ContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		var text string
		if err := json.Unmarshal(msg.Content, &text); err != nil {
			return msg
		}
		blocks = []api.ContentBlock{{Type: api.ContentTypeText, Text: text}}
	} else if len(blocks) > 0 {
		blocks = append([]api.ContentBlock(nil), blocks...)
	}

	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].Type == "thinking" || blocks[i].Type == "redacted_thinking" {
			continue
		}
		blocks[i].CacheControl = ephemeralCache
		content, err := json.Marshal(blocks)
		if err != nil {
			return msg
		}
		return api.Message{Role: msg.Role, Content: content}
	}
	return msg
}
