package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/store"
	"github.com/praxislabs/conductor/internal/tracing"
)

const searchResultLimit = 10
const searchSnippetLen = 200

// ConversationSearchTool searches persisted messages across conversations.
type ConversationSearchTool struct {
	Messages store.MessageStore
}

func (t *ConversationSearchTool) Name() string { return "conversation_search" }

func (t *ConversationSearchTool) Description() string {
	return "Search previously persisted conversation messages by text. Use to recall earlier discussions or results."
}

func (t *ConversationSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Text to search for",
			},
			"conversation_id": map[string]interface{}{
				"type":        "string",
				"description": "Restrict to one conversation (optional)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *ConversationSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}

	opts := store.SearchOpts{Limit: searchResultLimit}
	if raw, ok := args["conversation_id"].(string); ok && raw != "" {
		id, err := parseUUID(raw)
		if err != nil {
			return ErrorResult(fmt.Sprintf("invalid conversation id: %s", raw))
		}
		opts.ConversationID = &id
	}

	msgs, err := t.Messages.Search(ctx, query, opts)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search failed: %v", err)).WithError(err)
	}
	if len(msgs) == 0 {
		return SilentResult("No matching messages found.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d matching message(s):\n", len(msgs))
	for _, m := range msgs {
		snippet := tracing.Truncate(m.Content, searchSnippetLen)
		fmt.Fprintf(&b, "- [%s] (%s, conversation %s) %s\n",
			m.CreatedAt.Format("2006-01-02 15:04"), m.Role, m.ConversationID, snippet)
	}
	return SilentResult(strings.TrimRight(b.String(), "\n"))
}

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(s))
}
