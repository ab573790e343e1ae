// Package tracing records traces and spans for agent turns.
//
// A trace covers one whole turn; spans cover the root agent run, each LLM
// call, and each tool call. Spans are persisted through store.TraceStore and
// optionally mirrored to an OpenTelemetry tracer for export.
package tracing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/praxislabs/conductor/internal/store"
)

const previewLimit = 500

// TraceMeta describes a trace being opened.
type TraceMeta struct {
	TurnID         string
	ConversationID uuid.UUID
	AgentID        string
	Name           string
	InputPreview   string
}

// SpanMeta describes a span being opened.
type SpanMeta struct {
	TraceID      uuid.UUID
	ParentSpanID uuid.UUID
	SpanType     string // store.SpanTypeAgent, SpanTypeLLMCall, SpanTypeToolCall
	Name         string
	AgentID      string
	Model        string
	Provider     string
	ToolName     string
	ToolCallID   string
	InputPreview string
}

// SpanEnd carries completion data for an emitted span.
type SpanEnd struct {
	InputTokens   int
	OutputTokens  int
	OutputPreview string
	Err           error
}

// Collector opens and closes traces/spans, persisting through the trace
// store. A nil *Collector is safe to call and does nothing, so callers do
// not need to guard every emission site.
type Collector struct {
	traces store.TraceStore
	tracer oteltrace.Tracer

	mu        sync.Mutex
	otelSpans map[uuid.UUID]oteltrace.Span
}

// NewCollector creates a collector persisting through traces. tracer may be
// nil when OTLP export is disabled.
func NewCollector(traces store.TraceStore, tracer oteltrace.Tracer) *Collector {
	return &Collector{
		traces:    traces,
		tracer:    tracer,
		otelSpans: make(map[uuid.UUID]oteltrace.Span),
	}
}

// StartTrace opens a trace and returns its id.
func (c *Collector) StartTrace(ctx context.Context, meta TraceMeta) uuid.UUID {
	if c == nil {
		return uuid.Nil
	}
	id := store.GenNewID()
	now := time.Now().UTC()
	t := &store.TraceData{
		ID:             id,
		TurnID:         meta.TurnID,
		ConversationID: meta.ConversationID,
		AgentID:        meta.AgentID,
		Name:           meta.Name,
		Status:         store.TraceRunning,
		InputPreview:   Truncate(meta.InputPreview, previewLimit),
		StartTime:      now,
		CreatedAt:      now,
	}
	if err := c.traces.CreateTrace(ctx, t); err != nil {
		slog.Warn("tracing: failed to create trace", "error", err)
		return uuid.Nil
	}
	return id
}

// EndTrace closes a trace. Safe to call with uuid.Nil.
func (c *Collector) EndTrace(ctx context.Context, id uuid.UUID, status, errMsg, outputPreview string) {
	if c == nil || id == uuid.Nil {
		return
	}
	if err := c.traces.FinishTrace(ctx, id, status, errMsg, Truncate(outputPreview, previewLimit)); err != nil {
		slog.Warn("tracing: failed to finish trace", "trace", id, "error", err)
	}
}

// StartSpan opens a span and returns its id.
func (c *Collector) StartSpan(ctx context.Context, meta SpanMeta) uuid.UUID {
	if c == nil || meta.TraceID == uuid.Nil {
		return uuid.Nil
	}
	id := store.GenNewID()
	now := time.Now().UTC()
	s := &store.SpanData{
		ID:           id,
		TraceID:      meta.TraceID,
		SpanType:     meta.SpanType,
		Name:         meta.Name,
		AgentID:      meta.AgentID,
		Status:       store.TraceRunning,
		Model:        meta.Model,
		Provider:     meta.Provider,
		ToolName:     meta.ToolName,
		ToolCallID:   meta.ToolCallID,
		InputPreview: Truncate(meta.InputPreview, previewLimit),
		StartTime:    now,
		CreatedAt:    now,
	}
	if meta.ParentSpanID != uuid.Nil {
		parent := meta.ParentSpanID
		s.ParentSpanID = &parent
	}
	if err := c.traces.CreateSpan(ctx, s); err != nil {
		slog.Warn("tracing: failed to create span", "error", err)
		return uuid.Nil
	}
	if c.tracer != nil {
		_, otelSpan := c.tracer.Start(ctx, meta.Name, oteltrace.WithAttributes(
			attribute.String("conductor.span_type", meta.SpanType),
			attribute.String("conductor.agent_id", meta.AgentID),
		))
		c.mu.Lock()
		c.otelSpans[id] = otelSpan
		c.mu.Unlock()
	}
	return id
}

// EndSpan closes a span, recording error status if err is non-nil.
func (c *Collector) EndSpan(ctx context.Context, id uuid.UUID, err error) {
	if c == nil || id == uuid.Nil {
		return
	}
	status := store.TraceOK
	errMsg := ""
	if err != nil {
		status = store.TraceError
		errMsg = Truncate(err.Error(), previewLimit)
	}
	if ferr := c.traces.FinishSpan(ctx, id, status, errMsg, time.Now().UTC()); ferr != nil {
		slog.Warn("tracing: failed to finish span", "span", id, "error", ferr)
	}
	if c.tracer != nil {
		c.mu.Lock()
		otelSpan, ok := c.otelSpans[id]
		delete(c.otelSpans, id)
		c.mu.Unlock()
		if ok {
			if err != nil {
				otelSpan.SetStatus(codes.Error, errMsg)
			}
			otelSpan.End()
		}
	}
}

// EmitSpan records a fully-formed span in one shot. Used for LLM and tool
// spans whose timing is known only after the call completes.
func (c *Collector) EmitSpan(ctx context.Context, s store.SpanData) {
	if c == nil || s.TraceID == uuid.Nil {
		return
	}
	if s.ID == uuid.Nil {
		s.ID = store.GenNewID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.EndTime != nil && s.DurationMS == 0 {
		s.DurationMS = int(s.EndTime.Sub(s.StartTime).Milliseconds())
	}
	if err := c.traces.CreateSpan(ctx, &s); err != nil {
		slog.Warn("tracing: failed to emit span", "error", err)
	}
	if c.tracer != nil {
		_, otelSpan := c.tracer.Start(ctx, s.Name,
			oteltrace.WithTimestamp(s.StartTime),
			oteltrace.WithAttributes(
				attribute.String("conductor.span_type", s.SpanType),
				attribute.String("conductor.agent_id", s.AgentID),
				attribute.Int("conductor.input_tokens", s.InputTokens),
				attribute.Int("conductor.output_tokens", s.OutputTokens),
			))
		if s.Status == store.TraceError {
			otelSpan.SetStatus(codes.Error, s.Error)
		}
		if s.EndTime != nil {
			otelSpan.End(oteltrace.WithTimestamp(*s.EndTime))
		} else {
			otelSpan.End()
		}
	}
}

// GetTraceByID reads back a persisted trace.
func (c *Collector) GetTraceByID(ctx context.Context, id uuid.UUID) (*store.TraceData, error) {
	return c.traces.GetTraceByID(ctx, id)
}

// GetSpanByID reads back a persisted span.
func (c *Collector) GetSpanByID(ctx context.Context, id uuid.UUID) (*store.SpanData, error) {
	return c.traces.GetSpanByID(ctx, id)
}

// Truncate shortens s to maxLen bytes without cutting a multi-byte rune.
func Truncate(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
