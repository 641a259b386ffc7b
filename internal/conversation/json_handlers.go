package conversation

import (
	"encoding/json"
	"io"

	"github.com/qterm-cli/qterm/internal/api"
)

// jsonEmitter implements api.StreamHandler for print mode's two
// machine-readable output formats. In streaming mode every wire event
// except signature deltas is written immediately as one NDJSON line;
// otherwise events are folded
// into an assembled message that is written once at message stop.
type jsonEmitter struct {
	enc       *json.Encoder
	streaming bool

	// Assembly state, used only when buffering a whole turn.
	blocks     map[int]*api.ContentBlock
	order      []int
	model      string
	stopReason string
	usage      api.Usage
}

// NewJSONStreamHandler returns a handler for --output-format json: the
// whole assistant turn as a single JSON object on one line.
func NewJSONStreamHandler(w io.Writer) api.StreamHandler {
	return &jsonEmitter{enc: json.NewEncoder(w), blocks: make(map[int]*api.ContentBlock)}
}

// NewStreamJSONStreamHandler returns a handler for --output-format
// stream-json: one JSON line per wire event as it arrives.
func NewStreamJSONStreamHandler(w io.Writer) api.StreamHandler {
	return &jsonEmitter{enc: json.NewEncoder(w), streaming: true, blocks: make(map[int]*api.ContentBlock)}
}

// event writes one NDJSON line. Encode appends the newline itself; write
// errors are dropped, since print-mode output has no error channel.
func (e *jsonEmitter) event(kind string, fields map[string]any) {
	line := map[string]any{"type": kind}
	for k, v := range fields {
		line[k] = v
	}
	_ = e.enc.Encode(line)
}

// block returns the in-progress content block for index, creating a text
// block on first touch.
func (e *jsonEmitter) block(index int) *api.ContentBlock {
	b, ok := e.blocks[index]
	if !ok {
		b = &api.ContentBlock{Type: api.ContentTypeText}
		e.blocks[index] = b
		e.order = append(e.order, index)
	}
	return b
}

func (e *jsonEmitter) OnMessageStart(msg api.MessageResponse) {
	if e.streaming {
		e.event("message_start", map[string]any{"message": msg})
		return
	}
	e.model = msg.Model
	e.usage = msg.Usage
}

func (e *jsonEmitter) OnContentBlockStart(index int, blk api.ContentBlock) {
	if e.streaming {
		e.event("content_block_start", map[string]any{"index": index, "content_block": blk})
		return
	}
	if blk.Type == api.ContentTypeToolUse {
		b := e.block(index)
		b.Type = api.ContentTypeToolUse
		b.ID = blk.ID
		b.Name = blk.Name
	}
}

func (e *jsonEmitter) OnTextDelta(index int, text string) {
	if e.streaming {
		e.event("text_delta", map[string]any{"index": index, "text": text})
		return
	}
	e.block(index).Text += text
}

func (e *jsonEmitter) OnThinkingDelta(index int, thinking string) {
	// Thinking is surfaced on the stream but is not part of the turn's
	// content, so buffered output omits it.
	if e.streaming {
		e.event("thinking_delta", map[string]any{"index": index, "thinking": thinking})
	}
}

func (e *jsonEmitter) OnSignatureDelta(index int, signature string) {}

func (e *jsonEmitter) OnInputJSONDelta(index int, partialJSON string) {
	if e.streaming {
		e.event("input_json_delta", map[string]any{"index": index, "partial_json": partialJSON})
		return
	}
	b := e.block(index)
	b.Input = append(b.Input, partialJSON...)
}

func (e *jsonEmitter) OnContentBlockStop(index int) {
	if e.streaming {
		e.event("content_block_stop", map[string]any{"index": index})
	}
}

func (e *jsonEmitter) OnMessageDelta(delta api.MessageDeltaBody, usage *api.Usage) {
	if e.streaming {
		fields := map[string]any{"delta": delta}
		if usage != nil {
			fields["usage"] = usage
		}
		e.event("message_delta", fields)
		return
	}
	if delta.StopReason != "" {
		e.stopReason = delta.StopReason
	}
	if usage != nil {
		e.usage.OutputTokens = usage.OutputTokens
	}
}

func (e *jsonEmitter) OnMessageStop() {
	if e.streaming {
		e.event("message_stop", nil)
		return
	}
	content := make([]api.ContentBlock, 0, len(e.order))
	for _, index := range e.order {
		b := e.blocks[index]
		if b.Type == api.ContentTypeText && b.Text == "" {
			continue
		}
		content = append(content, *b)
	}
	e.event("message", map[string]any{
		"role":        "assistant",
		"model":       e.model,
		"content":     content,
		"stop_reason": e.stopReason,
		"usage": map[string]any{
			"input_tokens":  e.usage.InputTokens,
			"output_tokens": e.usage.OutputTokens,
		},
	})
}

func (e *jsonEmitter) OnError(err error) {
	e.event("error", map[string]any{"error": err.Error()})
}
