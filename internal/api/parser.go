package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"time"
)

// streamTimeoutThreshold is how long a single underlying recv may block
// before its error is rewrapped as a StreamTimeoutError.
const streamTimeoutThreshold = 59 * time.Second

// toolUseEOSGrace is how long a tool-use may sit unparseable after the
// stream ends before a synthetic placeholder is substituted.
const toolUseEOSGrace = 30 * time.Second

// SourceEventKind identifies the shape of a raw event pulled off the
// transport, before the Response Parser has assembled it into a
// ResponseEvent.
type SourceEventKind int

const (
	SourceAssistantText SourceEventKind = iota
	SourceToolUse
	SourceMessageMetadata
	SourceInvalidState
	SourceCodeReference
	SourceOther
)

// SourceEvent is one raw event yielded by an EventSource. Only the fields
// relevant to Kind are populated.
type SourceEvent struct {
	Kind SourceEventKind

	Text string // SourceAssistantText

	ToolUseID   string // SourceToolUse
	ToolUseName string
	InputChunk  string
	Stop        bool

	ConversationID string // SourceMessageMetadata

	Reason  string // SourceInvalidState
	Message string
}

// EventSource yields the raw event sequence a ResponseParser consumes. Next
// returns ok=false (with a nil error) when the upstream has closed cleanly;
// it returns an error when the transport itself failed.
type EventSource interface {
	Next(ctx context.Context) (ev SourceEvent, ok bool, err error)
}

// ResponseEventKind identifies which case of ResponseEvent is populated.
type ResponseEventKind int

const (
	RespAssistantText ResponseEventKind = iota
	RespToolUseStart
	RespToolUse
	RespEndStream
)

// ToolUse is a complete, parsed tool invocation emitted by the parser.
type ToolUse struct {
	ID   string
	Name string
	Args json.RawMessage
}

// AssembledMessage is the full assistant turn assembled by the parser,
// delivered with the terminal RespEndStream event.
type AssembledMessage struct {
	ID       string
	Text     string
	ToolUses []ToolUse
}

// ResponseEvent is one output of ResponseParser.recv.
type ResponseEvent struct {
	Kind ResponseEventKind

	Text string // RespAssistantText

	ToolUseStartName string // RespToolUseStart

	ToolUse *ToolUse // RespToolUse

	Message *AssembledMessage // RespEndStream
}

// parsingToolUse tracks the in-progress tool-use currently being assembled.
type parsingToolUse struct {
	id      string
	name    string
	buf     []byte
	start   time.Time
	stopped bool
}

// ResponseParser converts a raw EventSource into the ResponseEvent sequence
// described for the assistant message stream: assistant text forwarded as
// it arrives, tool-use boundaries surfaced as they are recognized, and a
// terminal EndStream carrying the assembled turn.
//
// The state space is intentionally small: idle, or parsing a single
// tool-use. A buffered one-event peek lets the parser look one event ahead
// (for the CodeReference text-drop rule and for detecting the end of a
// tool-use's input chunks) without a generator/coroutine abstraction.
type ResponseParser struct {
	source EventSource

	peek    SourceEvent
	peekOK  bool
	peekErr error
	peekSet bool

	messageID     string
	assistantText []byte
	toolUses      []ToolUse
	parsing       *parsingToolUse
}

// NewResponseParser creates a parser pulling from source. messageID is a
// random 9-character alphanumeric id stamped onto the assembled message.
func NewResponseParser(source EventSource) *ResponseParser {
	return &ResponseParser{
		source:    source,
		messageID: randomAlphanumeric(9),
	}
}

// fetch pulls the next raw event, timing the underlying call so a recv that
// blocks past streamTimeoutThreshold has its error rewrapped.
func (p *ResponseParser) fetch(ctx context.Context) (SourceEvent, bool, error) {
	started := time.Now()
	ev, ok, err := p.source.Next(ctx)
	if err != nil {
		if elapsed := time.Since(started); elapsed >= streamTimeoutThreshold {
			return SourceEvent{}, false, &StreamTimeoutError{Duration: elapsed, Cause: err}
		}
		return SourceEvent{}, false, err
	}
	return ev, ok, nil
}

// take returns the next event, consuming a buffered peek if one is set.
func (p *ResponseParser) take(ctx context.Context) (SourceEvent, bool, error) {
	if p.peekSet {
		ev, ok, err := p.peek, p.peekOK, p.peekErr
		p.peekSet = false
		p.peek = SourceEvent{}
		p.peekErr = nil
		if err != nil {
			return SourceEvent{}, false, err
		}
		return ev, ok, nil
	}
	return p.fetch(ctx)
}

// peekAhead buffers the next event (if not already buffered) and returns it
// without consuming it.
func (p *ResponseParser) peekAhead(ctx context.Context) (SourceEvent, bool, error) {
	if !p.peekSet {
		ev, ok, err := p.fetch(ctx)
		p.peek = ev
		p.peekOK = ok
		p.peekErr = err
		p.peekSet = true
		if err != nil {
			return SourceEvent{}, false, err
		}
		return ev, ok, nil
	}
	if p.peekErr != nil {
		return SourceEvent{}, false, p.peekErr
	}
	return p.peek, p.peekOK, nil
}

// pushBack re-buffers an already-fetched event as the peek, for when a
// tool-use-assembly loop discovers the next event doesn't belong to it.
func (p *ResponseParser) pushBack(ev SourceEvent) {
	p.peek = ev
	p.peekOK = true
	p.peekErr = nil
	p.peekSet = true
}

// Recv produces the next ResponseEvent. Callers should keep calling Recv
// until a RespEndStream (or an error) is returned.
func (p *ResponseParser) Recv(ctx context.Context) (ResponseEvent, error) {
	if p.parsing != nil {
		return p.recvToolUse(ctx)
	}
	return p.recvNext(ctx)
}

// recvToolUse consumes consecutive ToolUse events for the in-progress id,
// stopping on stop=true or a non-matching next event, then attempts to
// parse the assembled input as JSON.
func (p *ResponseParser) recvToolUse(ctx context.Context) (ResponseEvent, error) {
	streamEnded := false
	if !p.parsing.stopped {
		for {
			ev, ok, err := p.take(ctx)
			if err != nil {
				return ResponseEvent{}, err
			}
			if !ok {
				streamEnded = true
				break
			}
			if ev.Kind != SourceToolUse || ev.ToolUseID != p.parsing.id {
				p.pushBack(ev)
				break
			}
			p.parsing.buf = append(p.parsing.buf, ev.InputChunk...)
			if ev.Stop {
				break
			}
		}
	}

	var args json.RawMessage
	parseErr := json.Unmarshal(p.parsing.buf, &args)
	if parseErr == nil {
		tu := ToolUse{ID: p.parsing.id, Name: p.parsing.name, Args: args}
		p.toolUses = append(p.toolUses, tu)
		p.parsing = nil
		return ResponseEvent{Kind: RespToolUse, ToolUse: &tu}, nil
	}

	if streamEnded && time.Since(p.parsing.start) > toolUseEOSGrace {
		placeholder := ToolUse{
			ID:   p.parsing.id,
			Name: p.parsing.name,
			Args: json.RawMessage(`{"key":"<too large>"}`),
		}
		p.toolUses = append(p.toolUses, placeholder)
		msg := p.assembledMessage()
		p.parsing = nil
		return ResponseEvent{}, &UnexpectedToolUseEOSError{Message: msg}
	}
	return ResponseEvent{}, parseErr
}

// recvNext consumes assistant text, tool-use starts and ignorable events
// until one produces a forwardable ResponseEvent or the stream ends.
func (p *ResponseParser) recvNext(ctx context.Context) (ResponseEvent, error) {
	for {
		ev, ok, err := p.take(ctx)
		if err != nil {
			return ResponseEvent{}, err
		}
		if !ok {
			return ResponseEvent{Kind: RespEndStream, Message: p.assembledMessagePtr()}, nil
		}

		switch ev.Kind {
		case SourceAssistantText:
			next, nextOK, nextErr := p.peekAhead(ctx)
			if nextErr != nil {
				return ResponseEvent{}, nextErr
			}
			if nextOK && next.Kind == SourceCodeReference {
				// License-attribution artifact: drop the text, keep looping.
				continue
			}
			p.assistantText = append(p.assistantText, ev.Text...)
			return ResponseEvent{Kind: RespAssistantText, Text: ev.Text}, nil

		case SourceInvalidState:
			// logged by the caller if desired; the parser just continues.
			continue

		case SourceToolUse:
			p.parsing = &parsingToolUse{id: ev.ToolUseID, name: ev.ToolUseName, start: time.Now()}
			if ev.InputChunk != "" {
				p.parsing.buf = append(p.parsing.buf, ev.InputChunk...)
			}
			// A zero-input tool use can be fully described in its first
			// event; recvToolUse finishes it on the next call without
			// re-entering the collection loop.
			p.parsing.stopped = ev.Stop
			return ResponseEvent{Kind: RespToolUseStart, ToolUseStartName: ev.ToolUseName}, nil

		default:
			// MessageMetadata, CodeReference seen without preceding text,
			// and any other known-but-irrelevant event: ignored.
			continue
		}
	}
}

func (p *ResponseParser) assembledMessage() AssembledMessage {
	return AssembledMessage{
		ID:       p.messageID,
		Text:     string(p.assistantText),
		ToolUses: append([]ToolUse(nil), p.toolUses...),
	}
}

func (p *ResponseParser) assembledMessagePtr() *AssembledMessage {
	m := p.assembledMessage()
	return &m
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomAlphanumeric returns an n-character random alphanumeric string. A
// rand.Read failure degrades to the alphabet's first character repeated;
// a message id collision has no correctness impact.
func randomAlphanumeric(n int) string {
	buf := make([]byte, n)
	out := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		for i := range out {
			out[i] = alphanumeric[0]
		}
		return string(out)
	}
	for i, c := range buf {
		out[i] = alphanumeric[int(c)%len(alphanumeric)]
	}
	return string(out)
}
