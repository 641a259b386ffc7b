package tui

import (
	"encoding/json"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/qterm-cli/qterm/internal/api"
)

// Messages the relay feeds into the program. The model only needs four
// facts about a turn in flight: text arrived, a tool call completed,
// token usage moved, something broke.

type streamTextMsg struct {
	Text string
}

type toolCallMsg struct {
	Name    string
	Summary string
}

type usageMsg struct {
	Input  int
	Output int
}

type streamErrMsg struct {
	Err error
}

// turnDoneMsg is sent by the submit command when the whole agentic turn
// (including tool round trips) finishes.
type turnDoneMsg struct {
	Err error
}

// streamRelay adapts the loop's StreamHandler callbacks into program
// messages. Tool input JSON is assembled per block index so the finished
// call can be shown as one line.
type streamRelay struct {
	program   *tea.Program
	toolNames map[int]string
	toolInput map[int][]byte
}

func newStreamRelay(p *tea.Program) *streamRelay {
	return &streamRelay{
		program:   p,
		toolNames: make(map[int]string),
		toolInput: make(map[int][]byte),
	}
}

func (r *streamRelay) OnMessageStart(msg api.MessageResponse) {
	r.program.Send(usageMsg{Input: msg.Usage.InputTokens})
}

func (r *streamRelay) OnContentBlockStart(index int, block api.ContentBlock) {
	if block.Type == api.ContentTypeToolUse {
		r.toolNames[index] = block.Name
		r.toolInput[index] = nil
	}
}

func (r *streamRelay) OnTextDelta(index int, text string) {
	r.program.Send(streamTextMsg{Text: text})
}

func (r *streamRelay) OnThinkingDelta(index int, thinking string) {}

func (r *streamRelay) OnSignatureDelta(index int, signature string) {}

func (r *streamRelay) OnInputJSONDelta(index int, partialJSON string) {
	if _, ok := r.toolNames[index]; ok {
		r.toolInput[index] = append(r.toolInput[index], partialJSON...)
	}
}

func (r *streamRelay) OnContentBlockStop(index int) {
	name, ok := r.toolNames[index]
	if !ok {
		return
	}
	summary := toolCallSummary(name, r.toolInput[index])
	delete(r.toolNames, index)
	delete(r.toolInput, index)
	r.program.Send(toolCallMsg{Name: name, Summary: summary})
}

func (r *streamRelay) OnMessageDelta(delta api.MessageDeltaBody, usage *api.Usage) {
	if usage != nil {
		r.program.Send(usageMsg{Output: usage.OutputTokens})
	}
}

func (r *streamRelay) OnMessageStop() {}

func (r *streamRelay) OnError(err error) {
	r.program.Send(streamErrMsg{Err: err})
}

// toolCallSummary pulls the one argument worth showing for a completed
// tool call: a command line, a path, a pattern. Unknown tools show
// nothing rather than raw JSON.
func toolCallSummary(name string, input []byte) string {
	var args map[string]json.RawMessage
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	str := func(key string) string {
		var s string
		json.Unmarshal(args[key], &s)
		return s
	}

	var summary string
	switch name {
	case "Bash":
		summary = "$ " + str("command")
	case "FileRead", "FileEdit", "FileWrite":
		summary = str("file_path")
	case "Glob", "Grep":
		summary = str("pattern")
	case "WebFetch":
		summary = str("url")
	case "WebSearch":
		summary = str("query")
	case "UseAws":
		summary = "aws " + str("service") + " " + str("operation")
	}
	if len(summary) > 120 {
		summary = summary[:117] + "..."
	}
	return summary
}
