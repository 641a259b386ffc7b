package api

import (
	"context"
	"fmt"
	"io"
)

// sseItem is one item carried over the SSEEventSource's internal channel:
// either a translated SourceEvent or a terminal error.
type sseItem struct {
	ev  SourceEvent
	err error
}

// blockState tracks the content-block kind currently open at an SSE index,
// so later delta/stop events for that index can be translated correctly.
type blockState struct {
	kind string // "text", "tool_use", "code_reference", or "" for anything else
	id   string
	name string
}

// SSEEventSource adapts the the SSE wire format (parsed by
// ParseSSEStream) into the EventSource vocabulary a ResponseParser
// consumes. The old callback-based StreamHandler and this pull-based
// adapter share the same SSE framing code in streaming.go; only the
// event vocabulary on top differs.
type SSEEventSource struct {
	items chan sseItem
}

// NewSSEEventSource starts reading r in a background goroutine and returns
// a source a ResponseParser can pull from. The goroutine exits once r is
// exhausted or ParseSSEStream returns an error.
func NewSSEEventSource(r io.Reader) *SSEEventSource {
	s := &SSEEventSource{items: make(chan sseItem, 16)}
	go s.run(r)
	return s
}

func (s *SSEEventSource) run(r io.Reader) {
	defer close(s.items)
	h := &sseAdapterHandler{items: s.items, blocks: make(map[int]*blockState)}
	if err := ParseSSEStream(r, h); err != nil {
		s.items <- sseItem{err: err}
	}
}

// Next implements EventSource.
func (s *SSEEventSource) Next(ctx context.Context) (SourceEvent, bool, error) {
	select {
	case item, open := <-s.items:
		if !open {
			return SourceEvent{}, false, nil
		}
		if item.err != nil {
			return SourceEvent{}, false, item.err
		}
		return item.ev, true, nil
	case <-ctx.Done():
		return SourceEvent{}, false, ctx.Err()
	}
}

// sseAdapterHandler implements StreamHandler, translating each SSE
// callback into a SourceEvent pushed onto the shared channel.
type sseAdapterHandler struct {
	items  chan<- sseItem
	blocks map[int]*blockState
}

func (h *sseAdapterHandler) send(ev SourceEvent) { h.items <- sseItem{ev: ev} }

func (h *sseAdapterHandler) OnMessageStart(msg MessageResponse) {
	h.send(SourceEvent{Kind: SourceMessageMetadata, ConversationID: msg.ID})
}

func (h *sseAdapterHandler) OnContentBlockStart(index int, block ContentBlock) {
	switch block.Type {
	case "tool_use":
		h.blocks[index] = &blockState{kind: "tool_use", id: block.ID, name: block.Name}
		h.send(SourceEvent{Kind: SourceToolUse, ToolUseID: block.ID, ToolUseName: block.Name})
	case "code_reference":
		h.blocks[index] = &blockState{kind: "code_reference"}
		h.send(SourceEvent{Kind: SourceCodeReference})
	default:
		h.blocks[index] = &blockState{kind: "text"}
	}
}

func (h *sseAdapterHandler) OnTextDelta(index int, text string) {
	h.send(SourceEvent{Kind: SourceAssistantText, Text: text})
}

func (h *sseAdapterHandler) OnThinkingDelta(index int, thinking string) {
	// Thinking blocks are not part of the assembled assistant turn.
}

func (h *sseAdapterHandler) OnSignatureDelta(index int, signature string) {}

func (h *sseAdapterHandler) OnInputJSONDelta(index int, partialJSON string) {
	b, ok := h.blocks[index]
	if !ok || b.kind != "tool_use" {
		return
	}
	h.send(SourceEvent{Kind: SourceToolUse, ToolUseID: b.id, ToolUseName: b.name, InputChunk: partialJSON})
}

func (h *sseAdapterHandler) OnContentBlockStop(index int) {
	b, ok := h.blocks[index]
	if ok && b.kind == "tool_use" {
		h.send(SourceEvent{Kind: SourceToolUse, ToolUseID: b.id, ToolUseName: b.name, Stop: true})
	}
	delete(h.blocks, index)
}

func (h *sseAdapterHandler) OnMessageDelta(delta MessageDeltaBody, usage *Usage) {}

func (h *sseAdapterHandler) OnMessageStop() {}

func (h *sseAdapterHandler) OnError(err error) {
	h.send(SourceEvent{Kind: SourceInvalidState, Reason: "api_error", Message: fmt.Sprint(err)})
}

var _ StreamHandler = (*sseAdapterHandler)(nil)
