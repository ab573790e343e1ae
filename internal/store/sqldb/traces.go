package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/store"
)

type traceStore struct {
	db *DB
}

const traceCols = "id, turn_id, conversation_id, agent_id, name, status, input_preview, output_preview, error, start_time, end_time, created_at"

const spanCols = "id, trace_id, parent_span_id, span_type, name, agent_id, status, model, provider, input_tokens, output_tokens, tool_name, tool_call_id, input_preview, output_preview, error, start_time, end_time, duration_ms, created_at"

func scanTrace(row interface{ Scan(...interface{}) error }) (*store.TraceData, error) {
	var t store.TraceData
	var id, convID string
	var endTime sql.NullTime
	if err := row.Scan(&id, &t.TurnID, &convID, &t.AgentID, &t.Name, &t.Status,
		&t.InputPreview, &t.OutputPreview, &t.Error, &t.StartTime, &endTime, &t.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("bad trace id %q: %w", id, err)
	}
	if convID != "" {
		if t.ConversationID, err = uuid.Parse(convID); err != nil {
			return nil, fmt.Errorf("bad trace conversation id %q: %w", convID, err)
		}
	}
	if endTime.Valid {
		v := endTime.Time
		t.EndTime = &v
	}
	return &t, nil
}

func scanSpan(row interface{ Scan(...interface{}) error }) (*store.SpanData, error) {
	var s store.SpanData
	var id, traceID string
	var parentID sql.NullString
	var endTime sql.NullTime
	if err := row.Scan(&id, &traceID, &parentID, &s.SpanType, &s.Name, &s.AgentID, &s.Status,
		&s.Model, &s.Provider, &s.InputTokens, &s.OutputTokens, &s.ToolName, &s.ToolCallID,
		&s.InputPreview, &s.OutputPreview, &s.Error, &s.StartTime, &endTime, &s.DurationMS, &s.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("bad span id %q: %w", id, err)
	}
	if s.TraceID, err = uuid.Parse(traceID); err != nil {
		return nil, fmt.Errorf("bad span trace id %q: %w", traceID, err)
	}
	if parentID.Valid && parentID.String != "" {
		parsed, err := uuid.Parse(parentID.String)
		if err != nil {
			return nil, fmt.Errorf("bad parent span id %q: %w", parentID.String, err)
		}
		s.ParentSpanID = &parsed
	}
	if endTime.Valid {
		v := endTime.Time
		s.EndTime = &v
	}
	return &s, nil
}

func (s *traceStore) CreateTrace(ctx context.Context, t *store.TraceData) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	convID := ""
	if t.ConversationID != uuid.Nil {
		convID = t.ConversationID.String()
	}
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		"INSERT INTO traces ("+traceCols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		t.ID.String(), t.TurnID, convID, t.AgentID, t.Name, t.Status,
		t.InputPreview, t.OutputPreview, t.Error, t.StartTime, t.EndTime, t.CreatedAt)
	return err
}

func (s *traceStore) FinishTrace(ctx context.Context, id uuid.UUID, status, errMsg, outputPreview string) error {
	res, err := s.db.ExecContext(ctx, s.db.rebind(
		"UPDATE traces SET status = ?, error = ?, output_preview = ?, end_time = ? WHERE id = ?"),
		status, errMsg, outputPreview, time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *traceStore) GetTraceByID(ctx context.Context, id uuid.UUID) (*store.TraceData, error) {
	row := s.db.QueryRowContext(ctx, s.db.rebind(
		"SELECT "+traceCols+" FROM traces WHERE id = ?"), id.String())
	t, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return t, err
}

func (s *traceStore) CreateSpan(ctx context.Context, sp *store.SpanData) error {
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = time.Now().UTC()
	}
	var parentID interface{}
	if sp.ParentSpanID != nil {
		parentID = sp.ParentSpanID.String()
	}
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		"INSERT INTO spans ("+spanCols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		sp.ID.String(), sp.TraceID.String(), parentID, sp.SpanType, sp.Name, sp.AgentID, sp.Status,
		sp.Model, sp.Provider, sp.InputTokens, sp.OutputTokens, sp.ToolName, sp.ToolCallID,
		sp.InputPreview, sp.OutputPreview, sp.Error, sp.StartTime, sp.EndTime, sp.DurationMS, sp.CreatedAt)
	return err
}

func (s *traceStore) FinishSpan(ctx context.Context, id uuid.UUID, status, errMsg string, endTime time.Time) error {
	row := s.db.QueryRowContext(ctx, s.db.rebind(
		"SELECT start_time FROM spans WHERE id = ?"), id.String())
	var start time.Time
	if err := row.Scan(&start); err != nil {
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return err
	}
	duration := int(endTime.Sub(start).Milliseconds())
	if duration < 0 {
		duration = 0
	}
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		"UPDATE spans SET status = ?, error = ?, end_time = ?, duration_ms = ? WHERE id = ?"),
		status, errMsg, endTime, duration, id.String())
	return err
}

func (s *traceStore) GetSpanByID(ctx context.Context, id uuid.UUID) (*store.SpanData, error) {
	row := s.db.QueryRowContext(ctx, s.db.rebind(
		"SELECT "+spanCols+" FROM spans WHERE id = ?"), id.String())
	sp, err := scanSpan(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return sp, err
}
