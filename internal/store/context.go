package store

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	ctxKeyAgentID ctxKey = iota
	ctxKeyConversationID
	ctxKeyTurnID
	ctxKeyCallerID
)

// WithAgentID attaches the executing agent's id to the context so tools and
// stores can scope their work without extra plumbing.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ctxKeyAgentID, agentID)
}

// AgentIDFromContext returns the agent id, or "".
func AgentIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyAgentID).(string)
	return id
}

// WithConversationID attaches the conversation id for the current turn.
func WithConversationID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKeyConversationID, id)
}

// ConversationIDFromContext returns the conversation id, or uuid.Nil.
func ConversationIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxKeyConversationID).(uuid.UUID)
	return id
}

// WithTurnID attaches the turn id for the current turn.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, ctxKeyTurnID, turnID)
}

// TurnIDFromContext returns the turn id, or "".
func TurnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyTurnID).(string)
	return id
}

// WithCallerID attaches the "{agentId}:{conversationId}" caller tag used to
// route tool events back to the subscribing turn.
func WithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, ctxKeyCallerID, callerID)
}

// CallerIDFromContext returns the caller id, or "".
func CallerIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyCallerID).(string)
	return id
}
