// Package events implements the message-event funnel: the only authorized
// path for persisting structured events (tool calls, delegations, task runs,
// errors) and broadcasting them to subscribed channels.
//
// Every emission persists a message row first and broadcasts second, so
// observers never see an event that is not durable. Persisting the same
// event id twice is a no-op, making emission idempotent under retries.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/bus"
	"github.com/praxislabs/conductor/internal/store"
	"github.com/praxislabs/conductor/internal/tools"
	"github.com/praxislabs/conductor/internal/tracing"
)

// eventNamespace derives deterministic message ids from (event id, kind) so
// a re-delivered tool event maps to the same row.
var eventNamespace = uuid.MustParse("9a2f41dc-5ba8-4f10-b584-0d6ef3c10d55")

const contentPreviewLen = 500

// AgentIdentity tags emitted rows with the producing agent.
type AgentIdentity struct {
	ID    string
	Name  string
	Emoji string
}

// Service persists and broadcasts structured events.
type Service struct {
	stores *store.Stores
	events bus.EventPublisher
}

// NewService creates the funnel over stores and the event publisher.
func NewService(stores *store.Stores, events bus.EventPublisher) *Service {
	return &Service{stores: stores, events: events}
}

// EmitToolEvent persists and broadcasts one tool event. Events whose
// CallerID does not equal wantCallerID are dropped; this is the guard that
// keeps concurrent turns sharing one tool runner from echoing into each
// other's conversations. Idempotent by (event id, kind).
func (s *Service) EmitToolEvent(ctx context.Context, ev tools.Event, convID uuid.UUID, agent AgentIdentity, turnID, wantCallerID string) error {
	if ev.CallerID != wantCallerID {
		return nil
	}

	content := ""
	switch ev.Kind {
	case tools.EventToolCall:
		content = fmt.Sprintf("Calling %s", ev.ToolName)
	case tools.EventToolResult:
		content = tracing.Truncate(ev.Output, contentPreviewLen)
	default:
		return fmt.Errorf("events: unknown tool event kind %q", ev.Kind)
	}

	msg := &store.Message{
		ID:             uuid.NewSHA1(eventNamespace, []byte(ev.ID+":"+ev.Kind)),
		ConversationID: convID,
		TurnID:         turnID,
		Role:           store.RoleTool,
		Content:        content,
		Metadata: store.MessageMetadata{
			Type:       store.TypeToolEvent,
			AgentID:    agent.ID,
			AgentName:  agent.Name,
			AgentEmoji: agent.Emoji,
			ToolName:   ev.ToolName,
			ToolCallID: ev.ID,
			EventKind:  ev.Kind,
			IsError:    ev.IsError,
		},
		CreatedAt: time.Now().UTC(),
	}
	return s.persistAndBroadcast(ctx, msg)
}

// DelegationParams describes one delegation for the audit row.
type DelegationParams struct {
	WorkerType string
	WorkerID   string
	WorkerName string
	Mission    string
	Rationale  string
}

// EmitDelegationEvent persists exactly one delegation row per delegation.
func (s *Service) EmitDelegationEvent(ctx context.Context, p DelegationParams, convID uuid.UUID, agent AgentIdentity, turnID string) error {
	msg := &store.Message{
		ID:             store.GenNewID(),
		ConversationID: convID,
		TurnID:         turnID,
		Role:           store.RoleSystem,
		Content:        fmt.Sprintf("Delegated to %s: %s", p.WorkerType, tracing.Truncate(p.Mission, contentPreviewLen)),
		Metadata: store.MessageMetadata{
			Type:       store.TypeDelegation,
			AgentID:    agent.ID,
			AgentName:  agent.Name,
			AgentEmoji: agent.Emoji,
			Mission:    p.Mission,
			WorkerType: p.WorkerType,
			Rationale:  p.Rationale,
		},
		CreatedAt: time.Now().UTC(),
	}
	return s.persistAndBroadcast(ctx, msg)
}

// TaskRunParams describes a scheduled task firing.
type TaskRunParams struct {
	TaskID       string
	TaskName     string
	Content      string
	AllowedTools []string
}

// EmitTaskRunEvent persists the synthetic task_run user message and returns
// it. The message id doubles as the pre-allocated turn id unless the caller
// supplies one in p via the returned message's TurnID.
func (s *Service) EmitTaskRunEvent(ctx context.Context, p TaskRunParams, convID uuid.UUID) (*store.Message, error) {
	id := store.GenNewID()
	msg := &store.Message{
		ID:             id,
		ConversationID: convID,
		TurnID:         id.String(),
		Role:           store.RoleUser,
		Content:        p.Content,
		Metadata: store.MessageMetadata{
			Type:         store.TypeTaskRun,
			AllowedTools: p.AllowedTools,
			TaskID:       p.TaskID,
			TaskName:     p.TaskName,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.persistAndBroadcast(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// EmitErrorEvent surfaces a sanitized error to the channel. Full details go
// to the log only.
func (s *Service) EmitErrorEvent(ctx context.Context, err error, convID uuid.UUID, agent AgentIdentity, turnID string) {
	slog.Error("turn failed", "conversation", convID, "turn", turnID, "agent", agent.ID, "error", err)
	msg := &store.Message{
		ID:             store.GenNewID(),
		ConversationID: convID,
		TurnID:         turnID,
		Role:           store.RoleSystem,
		Content:        "Something went wrong while processing this request.",
		Metadata: store.MessageMetadata{
			Type:       store.TypeError,
			AgentID:    agent.ID,
			AgentName:  agent.Name,
			AgentEmoji: agent.Emoji,
			IsError:    true,
		},
		CreatedAt: time.Now().UTC(),
	}
	if perr := s.persistAndBroadcast(ctx, msg); perr != nil {
		slog.Error("failed to persist error event", "conversation", convID, "error", perr)
	}
}

// AssistantOpts carries optional metadata for an assistant row.
type AssistantOpts struct {
	Citations []store.Citation
	Usage     *store.Usage
}

// EmitAssistantMessage persists and broadcasts a final assistant message.
// This is the canonical write path for all assistant output.
func (s *Service) EmitAssistantMessage(ctx context.Context, content string, convID uuid.UUID, agent AgentIdentity, turnID string, opts AssistantOpts) (*store.Message, error) {
	msg := &store.Message{
		ID:             store.GenNewID(),
		ConversationID: convID,
		TurnID:         turnID,
		Role:           store.RoleAssistant,
		Content:        content,
		Metadata: store.MessageMetadata{
			AgentID:    agent.ID,
			AgentName:  agent.Name,
			AgentEmoji: agent.Emoji,
			Citations:  opts.Citations,
			Usage:      opts.Usage,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.persistAndBroadcast(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// EmitUserMessage persists and broadcasts an ingress user message when the
// front door has not already done so. Idempotent on the message id.
func (s *Service) EmitUserMessage(ctx context.Context, msg *store.Message) error {
	return s.persistAndBroadcast(ctx, msg)
}

func (s *Service) persistAndBroadcast(ctx context.Context, msg *store.Message) error {
	if msg.ConversationID == uuid.Nil {
		return fmt.Errorf("events: message %s has no conversation id", msg.ID)
	}
	if err := s.stores.Messages.Create(ctx, msg); err != nil {
		return fmt.Errorf("events: persist message: %w", err)
	}
	if s.events != nil {
		s.events.Broadcast(bus.Event{Name: bus.EventMessage, Payload: msg})
	}
	return nil
}
