package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/bus"
	"github.com/praxislabs/conductor/internal/events"
	"github.com/praxislabs/conductor/internal/providers"
	"github.com/praxislabs/conductor/internal/registry"
	"github.com/praxislabs/conductor/internal/store"
	"github.com/praxislabs/conductor/internal/tracing"
)

// Worker states.
const (
	workerIdle    = "idle"
	workerWorking = "working"
	workerFailed  = "failed"
)

const workerHistorySnippet = 6

// Worker is a single-mission specialist spawned by delegation. It runs the
// same bounded tool loop as the supervisor but can never delegate further,
// and it must resolve its result board entry before HandleDelegatedTask
// returns.
type Worker struct {
	BaseAgent

	Template registry.Template
	Results  *bus.ResultBoard
	ParentID string

	MaxIter     int
	Temperature float64

	state atomic.Value // workerIdle, workerWorking, workerFailed
}

// State returns the worker's lifecycle state.
func (w *Worker) State() string {
	if s, ok := w.state.Load().(string); ok {
		return s
	}
	return workerIdle
}

// HandleDelegatedTask executes the mission and resolves the result board
// entry for this worker. It never returns before the result is delivered.
func (w *Worker) HandleDelegatedTask(ctx context.Context, original *store.Message, mission string, convID uuid.UUID, turnID string) {
	w.state.Store(workerWorking)

	// Report the start to the delegating turn so the parent can observe the
	// worker before the terminal result lands.
	w.Results.Update(bus.StatusUpdate{
		AgentID:  w.Identity.ID,
		ParentID: w.ParentID,
		Status:   bus.WorkerStarted,
	})

	if w.sink != nil {
		w.sink.Broadcast(bus.Event{Name: "worker_status", Payload: map[string]string{
			"workerId": w.Identity.ID,
			"parentId": w.ParentID,
			"status":   "started",
		}})
	}

	result, citations, err := w.runMission(ctx, original, mission, convID, turnID)
	if err != nil {
		w.state.Store(workerFailed)
		slog.Warn("worker mission failed", "worker", w.Identity.ID, "turn", turnID, "error", err)
		w.Results.Resolve(bus.TaskResult{
			AgentID: w.Identity.ID,
			Status:  bus.TaskFailed,
			Error:   err.Error(),
		})
		return
	}

	w.state.Store(workerIdle)
	w.Results.Resolve(bus.TaskResult{
		AgentID:   w.Identity.ID,
		Result:    result,
		Status:    bus.TaskCompleted,
		Citations: citations,
	})
}

func (w *Worker) runMission(ctx context.Context, original *store.Message, mission string, convID uuid.UUID, turnID string) (string, []store.Citation, error) {
	ctx = store.WithAgentID(ctx, w.Identity.ID)
	ctx = store.WithConversationID(ctx, convID)
	ctx = store.WithTurnID(ctx, turnID)

	// Nest the worker's spans under the delegating turn's trace.
	if w.Collector != nil {
		ctx = tracing.WithCollector(ctx, w.Collector)
		spanID := w.Collector.StartSpan(ctx, tracing.SpanMeta{
			TraceID:      tracing.TraceIDFromContext(ctx),
			ParentSpanID: tracing.ParentSpanIDFromContext(ctx),
			SpanType:     store.SpanTypeAgent,
			Name:         "worker " + w.Identity.Type,
			AgentID:      w.Identity.ID,
			InputPreview: mission,
		})
		defer func() { w.Collector.EndSpan(ctx, spanID, nil) }()
		if spanID != uuid.Nil {
			ctx = tracing.WithParentSpanID(ctx, spanID)
		}
	}

	history, err := w.missionHistory(ctx, original, convID)
	if err != nil {
		slog.Warn("worker history load failed", "worker", w.Identity.ID, "error", err)
		history = nil
	}

	prompt := buildSystemPrompt(w.Identity, w.Capabilities, nil, w.Template.SystemPrompt, w.Capabilities.AllowedTools)

	out, err := w.runToolLoop(ctx, loopInput{
		Conv:         &store.Conversation{ID: convID},
		TurnID:       turnID,
		SystemPrompt: prompt,
		History:      history,
		UserContent:  mission,
		AllowList:    w.Capabilities.AllowedTools,
		MaxIter:      w.MaxIter,
		MaxIterPlan:  w.MaxIter, // workers have no plan extension
		Temperature:  w.Temperature,
	})
	if err != nil {
		return "", nil, err
	}
	if out.Content == "" {
		return "", nil, fmt.Errorf("worker produced no output")
	}

	// Persist the worker's final message under its own identity. The stream
	// already delivered the text when a channel is bound.
	if _, serr := w.SaveAssistantMessage(ctx, out.Content, convID, turnID, events.AssistantOpts{
		Citations: out.Citations,
		Usage:     &out.Usage,
	}); serr != nil {
		slog.Warn("worker failed to persist final message", "worker", w.Identity.ID, "error", serr)
	}

	return out.Content, out.Citations, nil
}

// missionHistory builds the small context snippet the worker sees: the last
// few user/assistant rows before the delegating message.
func (w *Worker) missionHistory(ctx context.Context, original *store.Message, convID uuid.UUID) ([]providers.Message, error) {
	full, err := loadLLMHistory(ctx, w.Stores.Messages, convID)
	if err != nil {
		return nil, err
	}
	if len(full) > workerHistorySnippet {
		full = full[len(full)-workerHistorySnippet:]
	}
	// Drop the delegating message itself; the mission restates it.
	if original != nil && len(full) > 0 {
		last := full[len(full)-1]
		if last.Role == store.RoleUser && last.Content == original.Content {
			full = full[:len(full)-1]
		}
	}
	return full, nil
}
