// Package tools implements the shared tool runtime: a process-wide registry
// of executable tools, batch execution with event fan-out, and allow-list
// filtering for per-agent tool exposure.
package tools

import (
	"context"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/providers"
	"github.com/praxislabs/conductor/internal/store"
)

// Tool is one executable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-schema parameter object for the LLM.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent to the LLM
	ForUser string `json:"for_user,omitempty"` // content shown to the user
	Silent  bool   `json:"silent"`             // suppress user message
	IsError bool   `json:"is_error"`           // marks error
	Err     error  `json:"-"`                  // internal error (not serialized)

	// Citations collected by tools that surface external sources.
	Citations []store.Citation `json:"-"`

	// Usage holds token usage from tools that make internal LLM calls.
	Usage    *providers.Usage `json:"-"`
	Provider string           `json:"-"`
	Model    string           `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

func (r *Result) WithCitations(cs ...store.Citation) *Result {
	r.Citations = append(r.Citations, cs...)
	return r
}

// RequestMeta carries turn correlation into tool execution and out on the
// emitted events.
type RequestMeta struct {
	TraceID        uuid.UUID
	ConversationID uuid.UUID
	TurnID         string
	AgentID        string
}

// Request is one pending tool call within a batch.
type Request struct {
	CallID   string
	Name     string
	Input    map[string]interface{}
	CallerID string
	Meta     RequestMeta
}

// ExecResult is the outcome of one request in a batch, in request order.
type ExecResult struct {
	CallID   string
	ToolName string
	Success  bool
	Output   string
	Error    string
}

// BatchResult aggregates a batch execution.
type BatchResult struct {
	Results   []ExecResult
	Citations []store.Citation
}

// Event kinds emitted around tool execution.
const (
	EventToolCall   = "call"
	EventToolResult = "result"
)

// Event is one observable step of tool execution, routed to subscribers by
// CallerID.
type Event struct {
	ID       string // call id; (ID, Kind) identifies the event
	Kind     string // EventToolCall or EventToolResult
	CallerID string
	ToolName string
	Input    map[string]interface{}
	Output   string
	IsError  bool
	Meta     RequestMeta
}

// Listener observes tool events. Listeners receive every event and must
// filter by CallerID themselves.
type Listener func(Event)
