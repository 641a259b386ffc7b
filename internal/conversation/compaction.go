package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qterm-cli/qterm/internal/api"
)

const (
	// compactionThreshold is the input-token level (live plus cached) at
	// which the next turn triggers compaction, kept below the context
	// window so the summarized history still fits with a fresh response.
	compactionThreshold = 150_000

	// compactionKeepRecent is the minimum number of trailing messages
	// that survive compaction verbatim.
	compactionKeepRecent = 4
)

// summarizerSystem instructs the summarization call. The summary replaces
// everything before the kept tail, so it must carry enough state for the
// model to keep working: decisions, touched files, command results, and
// whatever task is mid-flight.
const summarizerSystem = `Condense the conversation above into a briefing a coding assistant can resume from. Record, in this order:
1. What the user is trying to accomplish and any constraints they stated.
2. Decisions made so far and why.
3. Files read, created, or edited, with paths.
4. Commands run and any output or errors that still matter.
5. The exact state of the task in progress.
Omit pleasantries and dead ends that no longer affect the work.`

// Compactor keeps the conversation inside the context window by replacing
// older turns with a model-written summary.
type Compactor struct {
	Client         *api.Client
	MaxInputTokens int
	PreserveRecent int
}

// NewCompactor creates a compactor with the default threshold and tail.
func NewCompactor(client *api.Client) *Compactor {
	return &Compactor{
		Client:         client,
		MaxInputTokens: compactionThreshold,
		PreserveRecent: compactionKeepRecent,
	}
}

// ShouldCompact reports whether the last response's usage puts the next
// request over the threshold. Cached input counts: a cache hit still
// occupies the window.
func (c *Compactor) ShouldCompact(usage api.Usage) bool {
	total := usage.InputTokens
	if usage.CacheReadInputTokens != nil {
		total += *usage.CacheReadInputTokens
	}
	if usage.CacheCreationInputTokens != nil {
		total += *usage.CacheCreationInputTokens
	}
	return total >= c.MaxInputTokens
}

// Compact summarizes everything before the kept tail and swaps it for a
// single summary message. The split is moved back to a user message so a
// tool_use and its results are never separated across the boundary.
func (c *Compactor) Compact(ctx context.Context, history *History) error {
	msgs := history.Messages()
	split := splitPoint(msgs, c.PreserveRecent)
	if split <= 0 {
		return nil
	}

	summary, err := c.summarize(ctx, msgs[:split])
	if err != nil {
		return fmt.Errorf("summarizing %d messages: %w", split, err)
	}

	history.ReplaceRange(0, split, []api.Message{
		api.NewTextMessage(api.RoleUser, "[Conversation summary]\n"+summary),
	})
	return nil
}

// splitPoint picks where the summarized prefix ends: at most
// len(msgs)-keep, walked back to the nearest user message that does not
// carry tool results, so the kept tail starts a well-formed turn.
func splitPoint(msgs []api.Message, keep int) int {
	split := len(msgs) - keep
	if split < 0 {
		return 0
	}
	for ; split > 0; split-- {
		if msgs[split].Role != api.RoleUser {
			continue
		}
		var blocks []api.ContentBlock
		_ = json.Unmarshal(msgs[split].Content, &blocks)
		if len(blocks) == 0 || blocks[0].Type != api.ContentTypeToolResult {
			break
		}
	}
	return split
}

// summarize asks the model for the replacement briefing.
func (c *Compactor) summarize(ctx context.Context, msgs []api.Message) (string, error) {
	request := make([]api.Message, 0, len(msgs)+1)
	request = append(request, msgs...)
	request = append(request, api.NewTextMessage(api.RoleUser,
		"Summarize the conversation above per your instructions."))

	resp, err := c.Client.CreateMessageStream(ctx, &api.CreateMessageRequest{
		Messages: request,
		System:   []api.SystemBlock{{Type: "text", Text: summarizerSystem}},
	}, discardStream{})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", fmt.Errorf("empty summarization response")
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == api.ContentTypeText && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("summarization response had no text")
	}
	return strings.Join(parts, "\n"), nil
}

// discardStream drops streaming events; the summarization call only needs
// the assembled response.
type discardStream struct{}

func (discardStream) OnMessageStart(api.MessageResponse)                {}
func (discardStream) OnContentBlockStart(int, api.ContentBlock)         {}
func (discardStream) OnTextDelta(int, string)                           {}
func (discardStream) OnThinkingDelta(int, string)                       {}
func (discardStream) OnSignatureDelta(int, string)                      {}
func (discardStream) OnInputJSONDelta(int, string)                      {}
func (discardStream) OnContentBlockStop(int)                            {}
func (discardStream) OnMessageDelta(api.MessageDeltaBody, *api.Usage)   {}
func (discardStream) OnMessageStop()                                    {}
func (discardStream) OnError(error)                                     {}
