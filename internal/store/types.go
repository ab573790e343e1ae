package store

import (
	"time"

	"github.com/google/uuid"
)

// GenNewID returns a new time-ordered UUID for persisted rows.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message metadata types. Rows with a non-empty type are kernel events,
// not conversation turns, and are filtered out of the LLM-visible history.
const (
	TypeDelegation = "delegation"
	TypeTaskRun    = "task_run"
	TypeToolEvent  = "tool_event"
	TypeError      = "error"
)

// Conversation channel tags used for supervisor routing.
const (
	ChannelTagWeb              = "web"
	ChannelTagMission          = "mission"
	ChannelTagPillar           = "pillar"
	ChannelTagPillarTodo       = "pillar-todo"
	ChannelTagMetricCollection = "metric-collection"
)

// Conversation is a linear sequence of messages. Well-known conversations
// have reserved ids, cannot be renamed or deleted, and only accept task_run
// traffic from users' perspective.
type Conversation struct {
	ID            uuid.UUID  `json:"id"`
	Title         string     `json:"title"`
	ChannelTag    string     `json:"channelTag,omitempty"`
	ManuallyNamed bool       `json:"manuallyNamed,omitempty"`
	WellKnown     bool       `json:"wellKnown,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
}

// ConversationPatch is a partial update for a conversation.
// Nil fields are left untouched.
type ConversationPatch struct {
	Title         *string
	ChannelTag    *string
	ManuallyNamed *bool
	Touch         bool // bump UpdatedAt even if nothing else changed
}

// Citation is a source reference collected from tool output.
type Citation struct {
	URL     string `json:"url,omitempty"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	ToolUse string `json:"toolUse,omitempty"` // tool call id that produced it
}

// Usage tracks token consumption for one model call or one whole turn.
type Usage struct {
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	Model            string `json:"model,omitempty"`
	LatencyMS        int    `json:"latencyMs,omitempty"`
}

// Attachment records file metadata carried on a message. Payloads are never
// stored on the message row.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	SizeHint int64  `json:"sizeHint,omitempty"`
}

// MessageMetadata is the structured metadata blob on a message row.
type MessageMetadata struct {
	Type         string       `json:"type,omitempty"` // "", delegation, task_run, tool_event, error
	AgentID      string       `json:"agentId,omitempty"`
	AgentName    string       `json:"agentName,omitempty"`
	AgentEmoji   string       `json:"agentEmoji,omitempty"`
	Command      string       `json:"command,omitempty"` // agent command trigger, when present on ingress
	AllowedTools []string     `json:"allowedTools,omitempty"`
	Citations    []Citation   `json:"citations,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`

	// Tool event fields (Type == TypeToolEvent).
	ToolName   string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	EventKind  string `json:"eventKind,omitempty"` // "call" or "result"
	IsError    bool   `json:"isError,omitempty"`

	// Delegation fields (Type == TypeDelegation).
	Mission    string `json:"mission,omitempty"`
	WorkerType string `json:"workerType,omitempty"`
	Rationale  string `json:"rationale,omitempty"`

	// Task run fields (Type == TypeTaskRun).
	TaskID   string `json:"taskId,omitempty"`
	TaskName string `json:"taskName,omitempty"`
}

// Message is one append-only row in a conversation. Every row carries its
// conversation id; assistant rows additionally carry the turn id and the
// emitting agent's identity in metadata.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversationId"`
	TurnID         string          `json:"turnId,omitempty"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Metadata       MessageMetadata `json:"metadata"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// IsEvent reports whether the row is a kernel event rather than a turn.
func (m *Message) IsEvent() bool {
	switch m.Metadata.Type {
	case TypeDelegation, TypeTaskRun, TypeToolEvent, TypeError:
		return true
	}
	return false
}

// MessageQuery selects messages from one conversation.
type MessageQuery struct {
	Limit  int
	Offset int
	// Descending orders newest-first, so Limit keeps the most recent rows.
	Descending bool
	// Cursor is an exclusive (createdAt, id) lower bound for keyset pagination.
	CursorCreatedAt *time.Time
	CursorID        *uuid.UUID
}

// SearchOpts bounds a full-text message search.
type SearchOpts struct {
	ConversationID *uuid.UUID
	Limit          int
}

// ListOpts bounds a conversation listing.
type ListOpts struct {
	Limit          int
	IncludeDeleted bool
}

// Turn todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
	TodoCancelled  = "cancelled"
)

// TurnTodo is a plan item scoped to one turn.
type TurnTodo struct {
	ID          uuid.UUID  `json:"id"`
	TurnID      string     `json:"turnId"`
	Title       string     `json:"title"`
	AgentType   string     `json:"agentType,omitempty"`
	Status      string     `json:"status"`
	Outcome     string     `json:"outcome,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// TodoPatch is a partial update for a turn todo.
type TodoPatch struct {
	Status      *string
	Outcome     *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TaskConfig is the JSON config blob on a scheduled task.
type TaskConfig struct {
	Description    string     `json:"description,omitempty"`
	AllowedTools   []string   `json:"allowedTools,omitempty"`
	ConversationID *uuid.UUID `json:"conversationId,omitempty"` // usually a well-known id
}

// ScheduledTask is a cron-cadence background job. A due task produces a
// synthetic task_run message with a pre-allocated turn id.
type ScheduledTask struct {
	ID      uuid.UUID  `json:"id"`
	Name    string     `json:"name"`
	Cadence string     `json:"cadence"` // cron expression
	Config  TaskConfig `json:"config"`
	Enabled bool       `json:"enabled"`
	LastRun *time.Time `json:"lastRun,omitempty"`
	NextRun *time.Time `json:"nextRun,omitempty"`
}

// Trace and span statuses.
const (
	TraceRunning = "running"
	TraceOK      = "ok"
	TraceError   = "error"
)

// Span types.
const (
	SpanTypeAgent    = "agent"
	SpanTypeLLMCall  = "llm_call"
	SpanTypeToolCall = "tool_call"
)

// TraceData is one persisted trace, covering a whole turn.
type TraceData struct {
	ID             uuid.UUID  `json:"id"`
	TurnID         string     `json:"turnId,omitempty"`
	ConversationID uuid.UUID  `json:"conversationId,omitempty"`
	AgentID        string     `json:"agentId,omitempty"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	InputPreview   string     `json:"inputPreview,omitempty"`
	OutputPreview  string     `json:"outputPreview,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// SpanData is one persisted span within a trace.
type SpanData struct {
	ID            uuid.UUID  `json:"id"`
	TraceID       uuid.UUID  `json:"traceId"`
	ParentSpanID  *uuid.UUID `json:"parentSpanId,omitempty"`
	SpanType      string     `json:"spanType"`
	Name          string     `json:"name"`
	AgentID       string     `json:"agentId,omitempty"`
	Status        string     `json:"status"`
	Model         string     `json:"model,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	InputTokens   int        `json:"inputTokens,omitempty"`
	OutputTokens  int        `json:"outputTokens,omitempty"`
	ToolName      string     `json:"toolName,omitempty"`
	ToolCallID    string     `json:"toolCallId,omitempty"`
	InputPreview  string     `json:"inputPreview,omitempty"`
	OutputPreview string     `json:"outputPreview,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	DurationMS    int        `json:"durationMs,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Signal is one row in the watermarked append table for auxiliary
// conversation signals (lifecycle notifications, naming updates). Seq is
// assigned by the store and strictly increases.
type Signal struct {
	Seq            int64     `json:"seq"`
	ConversationID uuid.UUID `json:"conversationId"`
	Kind           string    `json:"kind"`
	Payload        string    `json:"payload,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
