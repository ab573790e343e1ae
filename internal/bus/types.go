// Package bus provides the in-process plumbing between channels, the message
// router, and the agents: an inbound message queue, a broadcast event bus, a
// TTL dedupe cache, and the delegation result board.
package bus

import (
	"github.com/praxislabs/conductor/internal/store"
)

// Event is a server-side event broadcast to subscribers (gateway clients,
// channel sinks, tests).
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Event names for conversation lifecycle notifications.
const (
	EventConversationCreated = "conversation_created"
	EventConversationUpdated = "conversation_updated"
	EventStreamStart         = "stream_start"
	EventStreamChunk         = "stream_chunk"
	EventStreamEnd           = "stream_end"
	EventMessage             = "message"
	EventError               = "error"
)

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. Agents and the
// gateway depend on this rather than the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageHandler handles one inbound message from the front door.
type MessageHandler func(msg *store.Message)

// TaskStatus values carried on a task result.
const (
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// TaskResult is the terminal report a worker delivers to its parent. The
// worker resolves the board entry before HandleDelegatedTask returns; the
// delegating turn selects on it alongside status updates.
type TaskResult struct {
	AgentID   string
	Result    string
	Status    string // TaskCompleted or TaskFailed
	Error     string
	Citations []store.Citation
}

// WorkerStarted is the status a worker reports when it begins its mission.
const WorkerStarted = "started"

// StatusUpdate is a non-terminal lifecycle report a worker sends to its
// parent over the result board while the mission is running.
type StatusUpdate struct {
	AgentID  string
	ParentID string
	Status   string
}
