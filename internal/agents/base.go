// Package agents implements the orchestration core: the supervisor that owns
// conversation and turn lifecycle, worker specialists spawned by delegation,
// and the front-door router that selects a supervisor per conversation.
package agents

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/channel"
	"github.com/praxislabs/conductor/internal/events"
	"github.com/praxislabs/conductor/internal/providers"
	"github.com/praxislabs/conductor/internal/store"
	"github.com/praxislabs/conductor/internal/tools"
	"github.com/praxislabs/conductor/internal/tracing"
)

// Identity names one agent instance.
type Identity struct {
	ID    string
	Type  string
	Name  string
	Emoji string
}

func (id Identity) event() events.AgentIdentity {
	return events.AgentIdentity{ID: id.ID, Name: id.Name, Emoji: id.Emoji}
}

// Capabilities bound what an agent may do.
type Capabilities struct {
	CanSpawnAgents bool
	// AllowedTools is the tool allow-list; empty means unrestricted.
	// Supports wildcards like "web_*".
	AllowedTools []string
	Skills       []string
}

// BaseAgent carries the shared state and write paths of every agent.
type BaseAgent struct {
	Identity     Identity
	Capabilities Capabilities

	Provider  providers.Provider
	Model     string
	MaxTokens int

	Runner    *tools.Runner
	Events    *events.Service
	Stores    *store.Stores
	Collector *tracing.Collector

	sink channel.Sink
}

// RegisterChannel binds the outbound sink. Subclasses wire their own message
// handlers on top.
func (a *BaseAgent) RegisterChannel(sink channel.Sink) {
	a.sink = sink
}

// Sink returns the bound channel sink, or nil.
func (a *BaseAgent) Sink() channel.Sink {
	return a.sink
}

// CallerID returns the (agentId, conversationId) tag used to route tool
// events when concurrent turns share one tool runner.
func (a *BaseAgent) CallerID(convID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", a.Identity.ID, convID)
}

// SaveAssistantMessage is the canonical write path for assistant output. It
// persists via the event funnel and returns the stored row.
func (a *BaseAgent) SaveAssistantMessage(ctx context.Context, content string, convID uuid.UUID, turnID string, opts events.AssistantOpts) (*store.Message, error) {
	return a.Events.EmitAssistantMessage(ctx, content, convID, a.Identity.event(), turnID, opts)
}

// SendMessage persists an assistant message and, when the sink is bound,
// delivers it as a single-chunk stream.
func (a *BaseAgent) SendMessage(ctx context.Context, content string, convID uuid.UUID, turnID string, opts events.AssistantOpts) error {
	if _, err := a.SaveAssistantMessage(ctx, content, convID, turnID, opts); err != nil {
		return err
	}
	if a.sink != nil {
		streamID := store.GenNewID().String()
		a.sink.SendStreamStart(streamID, channel.StreamInfo{
			AgentID:        a.Identity.ID,
			AgentName:      a.Identity.Name,
			AgentEmoji:     a.Identity.Emoji,
			ConversationID: convID,
		})
		a.sink.SendStreamChunk(streamID, content, convID)
		a.sink.SendStreamEnd(streamID, channel.StreamEnd{Citations: opts.Citations, Usage: opts.Usage})
	}
	return nil
}

// effectiveTools intersects the agent's allow-list with an extra per-turn
// restriction (task_run allowedTools).
func (a *BaseAgent) effectiveTools(extra []string) []string {
	return tools.IntersectAllowLists(a.Capabilities.AllowedTools, extra)
}
