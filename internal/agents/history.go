package agents

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/providers"
	"github.com/praxislabs/conductor/internal/store"
)

const historyLoadLimit = 100

// loadLLMHistory loads the LLM-visible history for a conversation: user and
// assistant rows only, excluding every event row (delegation, task_run,
// tool_event, error) and anything with the tool role. Tool results reach the
// model inline within a turn, never as history rows. The window keeps the
// newest rows, returned in chronological order.
func loadLLMHistory(ctx context.Context, messages store.MessageStore, convID uuid.UUID) ([]providers.Message, error) {
	rows, err := messages.FindByConversation(ctx, convID, store.MessageQuery{Limit: historyLoadLimit, Descending: true})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	history := make([]providers.Message, 0, len(rows))
	for i := range rows {
		m := &rows[i]
		if m.IsEvent() {
			continue
		}
		switch m.Role {
		case store.RoleUser, store.RoleAssistant:
			history = append(history, providers.Message{Role: m.Role, Content: m.Content})
		}
	}
	return sanitizeHistory(history), nil
}

// sanitizeHistory repairs tool_use/tool_result pairing so a truncated or
// filtered history never breaks a provider: assistant tool calls with no
// following results are stripped of their calls, and orphan tool rows are
// dropped.
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for i, m := range msgs {
		switch {
		case m.Role == "tool":
			// Keep only when the previous kept message requested this call.
			if n := len(out); n > 0 && hasToolCall(out[n-1], m.ToolCallID) {
				out = append(out, m)
			}
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			if allCallsAnswered(msgs[i+1:], m.ToolCalls) {
				out = append(out, m)
			} else {
				m.ToolCalls = nil
				if m.Content != "" {
					out = append(out, m)
				}
			}
		default:
			out = append(out, m)
		}
	}
	return out
}

func hasToolCall(m providers.Message, callID string) bool {
	if m.Role != "assistant" {
		return false
	}
	for _, tc := range m.ToolCalls {
		if tc.ID == callID {
			return true
		}
	}
	return false
}

func allCallsAnswered(rest []providers.Message, calls []providers.ToolCall) bool {
	answered := make(map[string]bool)
	for _, m := range rest {
		if m.Role == "tool" {
			answered[m.ToolCallID] = true
		}
	}
	for _, tc := range calls {
		if !answered[tc.ID] {
			return false
		}
	}
	return true
}
