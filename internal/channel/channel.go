// Package channel defines the sink contract between agents and whatever
// surface delivers their output, plus a bus-backed sink used by the gateway.
package channel

import (
	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/bus"
	"github.com/praxislabs/conductor/internal/store"
)

// StreamInfo opens a stream with the producing agent's identity.
type StreamInfo struct {
	AgentID        string    `json:"agentId"`
	AgentName      string    `json:"agentName"`
	AgentEmoji     string    `json:"agentEmoji,omitempty"`
	ConversationID uuid.UUID `json:"conversationId"`
}

// StreamEnd closes a stream with the turn's accumulated usage and citations.
type StreamEnd struct {
	Citations []store.Citation `json:"citations,omitempty"`
	Usage     *store.Usage     `json:"usage,omitempty"`
}

// Sink is the outbound surface agents write to. Implementations must be safe
// for concurrent use across turns.
type Sink interface {
	SendStreamStart(streamID string, info StreamInfo)
	SendStreamChunk(streamID, text string, conversationID uuid.UUID)
	SendStreamEnd(streamID string, end StreamEnd)
	SendError(title, sanitizedDetails string, conversationID uuid.UUID)
	// Broadcast publishes a conversation lifecycle notification.
	Broadcast(event bus.Event)
	// OnMessage registers the ingress handler. A later call replaces it.
	OnMessage(handler bus.MessageHandler)
}

// StreamStartPayload is the broadcast payload for a stream_start event.
type StreamStartPayload struct {
	StreamID string     `json:"streamId"`
	Info     StreamInfo `json:"info"`
}

// StreamChunkPayload is the broadcast payload for a stream_chunk event.
type StreamChunkPayload struct {
	StreamID       string    `json:"streamId"`
	Text           string    `json:"text"`
	ConversationID uuid.UUID `json:"conversationId"`
}

// StreamEndPayload is the broadcast payload for a stream_end event.
type StreamEndPayload struct {
	StreamID string    `json:"streamId"`
	End      StreamEnd `json:"end"`
}

// ErrorPayload is the broadcast payload for an error event.
type ErrorPayload struct {
	Title          string    `json:"title"`
	Details        string    `json:"details,omitempty"`
	ConversationID uuid.UUID `json:"conversationId"`
}
