package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/qterm-cli/qterm/internal/store"
	"io"
	"strings"
	"time"
)

// KnowledgeInput is the input schema for the Knowledge tool.
type KnowledgeInput struct {
	Action  string `json:"action"`
	Content string `json:"content,omitempty"`
	Tags    string `json:"tags,omitempty"`
	Query   string `json:"query,omitempty"`
	ID      int64  `json:"id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

const knowledgeDefaultLimit = 20

// KnowledgeTool persists and recalls short notes in the store's knowledge
// table, letting the model carry facts forward across sessions the way a
// human developer jots things in a scratch file. It is grounded on
// Store's history log (AppendHistory/HistoryBySession): same
// append-then-query shape, new table.
type KnowledgeTool struct {
	store *store.Store
}

// NewKnowledgeTool creates a Knowledge tool backed by st.
func NewKnowledgeTool(st *store.Store) *KnowledgeTool {
	return &KnowledgeTool{store: st}
}

func (t *KnowledgeTool) Name() string { return "Knowledge" }

func (t *KnowledgeTool) Description() string {
	return `Remembers and recalls short notes across sessions: facts about the project, decisions made, or context worth not re-deriving. Actions: "remember" (save a note), "recall" (search notes), "list" (most recent notes), "forget" (delete a note by id).`
}

func (t *KnowledgeTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
"properties": {
"action": {"type": "string", "enum": ["remember", "recall", "list", "forget"]},
"content": {"type": "string", "description": "Note text, required for \"remember\""},
"tags": {"type": "string", "description": "Space-separated tags, optional for \"remember\""},
"query": {"type": "string", "description": "Search text, required for \"recall\""},
"id": {"type": "integer", "description": "Note id, required for \"forget\""},
"limit": {"type": "integer", "description": "Max results for \"recall\"/\"list\", default 20"}
  },
  "required": ["action"],
"additionalProperties": false
}`)
}

func (t *KnowledgeTool) RequiresAcceptance(_ context.Context, _ json.RawMessage) bool {
	return false
}

func (t *KnowledgeTool) Validate(_ context.Context, input json.RawMessage) error {
	var in KnowledgeInput
	if err := json.Unmarshal(input, &in); err != nil {
		return fmt.Errorf("parsing Knowledge input: %w", err)
	}
	switch in.Action {
	case "remember":
		if strings.TrimSpace(in.Content) == "" {
			return fmt.Errorf("content is required for action \"remember\"")
		}
	case "recall":
		if strings.TrimSpace(in.Query) == "" {
			return fmt.Errorf("query is required for action \"recall\"")
		}
	case "list":
		// No required fields.
	case "forget":
		if in.ID == 0 {
			return fmt.Errorf("id is required for action \"forget\"")
		}
	default:
		return fmt.Errorf("unknown action %q", in.Action)
	}
	return nil
}

func (t *KnowledgeTool) QueueDescription(_ context.Context, input json.RawMessage, out io.Writer) error {
	var in KnowledgeInput
	json.Unmarshal(input, &in)
	var line string
	switch in.Action {
	case "remember":
		line = fmt.Sprintf("Remember: %s\n", in.Content)
	case "recall":
		line = fmt.Sprintf("Recall notes matching %q\n", in.Query)
	case "list":
		line = "List recent notes\n"
	case "forget":
		line = fmt.Sprintf("Forget note #%d\n", in.ID)
	default:
		line = "Knowledge operation\n"
	}
	_, err := fmt.Fprint(out, line)
	return err
}

func (t *KnowledgeTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in KnowledgeInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("parsing Knowledge input: %w", err)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = knowledgeDefaultLimit
	}

	switch in.Action {
	case "remember":
		id, err := t.store.AddKnowledgeEntry(ctx, in.Content, in.Tags, time.Now().Unix())
		if err != nil {
			return "", fmt.Errorf("saving note: %w", err)
		}
		return fmt.Sprintf("Remembered as note #%d", id), nil

	case "recall":
		entries, err := t.store.SearchKnowledgeEntries(ctx, in.Query, limit)
		if err != nil {
			return "", fmt.Errorf("searching notes: %w", err)
		}
		return truncateToolResponse(formatKnowledgeEntries(entries)), nil

	case "list":
		entries, err := t.store.ListKnowledgeEntries(ctx, limit)
		if err != nil {
			return "", fmt.Errorf("listing notes: %w", err)
		}
		return truncateToolResponse(formatKnowledgeEntries(entries)), nil

	case "forget":
		if err := t.store.DeleteKnowledgeEntry(ctx, in.ID); err != nil {
			return "", fmt.Errorf("deleting note: %w", err)
		}
		return fmt.Sprintf("Forgot note #%d", in.ID), nil

	default:
		return "", fmt.Errorf("unknown action %q", in.Action)
	}
}

func formatKnowledgeEntries(entries []store.KnowledgeEntry) string {
	if len(entries) == 0 {
		return "(no notes found)"
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "#%d", e.ID)
		if e.Tags != "" {
			fmt.Fprintf(&b, " [%s]", e.Tags)
		}
		fmt.Fprintf(&b, ": %s\n", e.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
