package agents

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/praxislabs/conductor/internal/bus"
	"github.com/praxislabs/conductor/internal/providers"
	"github.com/praxislabs/conductor/internal/store"
	"github.com/praxislabs/conductor/internal/tracing"
)

const namingTimeout = 20 * time.Second

const namingPrompt = `Generate a short title (3 to 6 words) for a conversation that starts like this. Reply with the title only, no quotes.`

// maybeAutoName kicks off background titling once a conversation has enough
// messages. Fires at most once per conversation; its usage is a separate
// background call, never counted into any turn.
func (s *Supervisor) maybeAutoName(conv *store.Conversation) {
	if conv.WellKnown || conv.ManuallyNamed {
		return
	}
	if s.messageCount(conv.ID) < AutoNameThreshold {
		return
	}
	if _, fired := s.named.LoadOrStore(conv.ID, struct{}{}); fired {
		return
	}
	go s.autoName(conv)
}

func (s *Supervisor) autoName(conv *store.Conversation) {
	ctx, cancel := context.WithTimeout(context.Background(), namingTimeout)
	defer cancel()

	rows, err := s.Stores.Messages.FindByConversation(ctx, conv.ID, store.MessageQuery{Limit: AutoNameThreshold * 2})
	if err != nil {
		slog.Warn("auto-name: history load failed", "conversation", conv.ID, "error", err)
		return
	}
	var b strings.Builder
	for i := range rows {
		m := &rows[i]
		if m.IsEvent() || (m.Role != store.RoleUser && m.Role != store.RoleAssistant) {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(tracing.Truncate(m.Content, 300))
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return
	}

	resp, err := s.namer.Chat(ctx, providers.ChatRequest{
		Model: s.namerModel,
		Messages: []providers.Message{
			{Role: store.RoleSystem, Content: namingPrompt},
			{Role: store.RoleUser, Content: b.String()},
		},
		Options: map[string]interface{}{"max_tokens": 32},
	})
	if err != nil {
		slog.Warn("auto-name: model call failed", "conversation", conv.ID, "error", err)
		return
	}

	title := strings.Trim(strings.TrimSpace(resp.Content), `"'`)
	if title == "" {
		return
	}
	title = tracing.Truncate(title, titlePreviewLen)

	// Re-check: the user may have renamed the conversation meanwhile.
	current, err := s.Stores.Conversations.FindByID(ctx, conv.ID)
	if err != nil || current.ManuallyNamed {
		return
	}
	if err := s.Stores.Conversations.Update(ctx, conv.ID, store.ConversationPatch{Title: &title}); err != nil {
		slog.Warn("auto-name: update failed", "conversation", conv.ID, "error", err)
		return
	}
	current.Title = title
	s.broadcast(bus.EventConversationUpdated, current)
	slog.Info("conversation auto-named", "conversation", conv.ID, "title", title)
}
