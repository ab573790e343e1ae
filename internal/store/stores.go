package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row does not exist (or is soft-deleted).
var ErrNotFound = errors.New("store: not found")

// ConversationStore manages conversation rows.
type ConversationStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// FindRecent returns the most recently updated, non-deleted, non-wellknown
	// conversation touched within the window, or ErrNotFound.
	FindRecent(ctx context.Context, window time.Duration) (*Conversation, error)
	FindAll(ctx context.Context, opts ListOpts) ([]Conversation, error)
	Create(ctx context.Context, c *Conversation) error
	Update(ctx context.Context, id uuid.UUID, patch ConversationPatch) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

// MessageStore manages append-only message rows.
type MessageStore interface {
	// Create persists a message. Inserting an id that already exists is a
	// no-op, which makes event emission idempotent under retries.
	Create(ctx context.Context, m *Message) error
	FindByID(ctx context.Context, id uuid.UUID) (*Message, error)
	FindByConversation(ctx context.Context, convID uuid.UUID, q MessageQuery) ([]Message, error)
	Search(ctx context.Context, query string, opts SearchOpts) ([]Message, error)
	CountByConversation(ctx context.Context, convID uuid.UUID) (int, error)
	DeleteByConversation(ctx context.Context, convID uuid.UUID) error
}

// TodoStore manages plan items keyed by turn id.
type TodoStore interface {
	Create(ctx context.Context, t *TurnTodo) error
	FindByTurn(ctx context.Context, turnID string) ([]TurnTodo, error)
	CountByStatus(ctx context.Context, turnID string) (map[string]int, error)
	Update(ctx context.Context, id uuid.UUID, patch TodoPatch) error
}

// TaskStore manages scheduled tasks.
type TaskStore interface {
	FindEnabled(ctx context.Context) ([]ScheduledTask, error)
	FindByID(ctx context.Context, id uuid.UUID) (*ScheduledTask, error)
	Create(ctx context.Context, t *ScheduledTask) error
	// MarkRun records a completed tick: lastRun and the next due time.
	MarkRun(ctx context.Context, id uuid.UUID, lastRun time.Time, nextRun *time.Time) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

// TraceStore persists traces and spans.
type TraceStore interface {
	CreateTrace(ctx context.Context, t *TraceData) error
	FinishTrace(ctx context.Context, id uuid.UUID, status, errMsg, outputPreview string) error
	GetTraceByID(ctx context.Context, id uuid.UUID) (*TraceData, error)
	CreateSpan(ctx context.Context, s *SpanData) error
	FinishSpan(ctx context.Context, id uuid.UUID, status, errMsg string, endTime time.Time) error
	GetSpanByID(ctx context.Context, id uuid.UUID) (*SpanData, error)
}

// SignalStore is the watermarked append table for auxiliary signals.
type SignalStore interface {
	Append(ctx context.Context, s *Signal) (int64, error)
	// ListAfter returns signals with Seq > watermark, oldest first.
	ListAfter(ctx context.Context, watermark int64, limit int) ([]Signal, error)
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Conversations ConversationStore
	Messages      MessageStore
	Todos         TodoStore
	Tasks         TaskStore
	Traces        TraceStore
	Signals       SignalStore
}
