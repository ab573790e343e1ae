package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/channel"
	"github.com/praxislabs/conductor/internal/events"
	"github.com/praxislabs/conductor/internal/providers"
	"github.com/praxislabs/conductor/internal/store"
	"github.com/praxislabs/conductor/internal/tools"
	"github.com/praxislabs/conductor/internal/tracing"
)

// Virtual tool names intercepted by the loop instead of the shared runner.
const (
	toolDelegate     = "delegate"
	toolDelegateTodo = "delegate_todo"
)

// delegationHooks let the supervisor plug worker spawning into the loop.
// Workers run the loop with nil hooks and therefore never see the delegate
// tools.
type delegationHooks struct {
	// onDelegate spawns a worker for a delegate call and returns its textual
	// output. The loop has already closed the stream and unsubscribed from
	// tool events when this runs.
	onDelegate func(ctx context.Context, args map[string]interface{}) (string, []store.Citation, error)
	// onDelegateTodo does the same for one plan item.
	onDelegateTodo func(ctx context.Context, todo *store.TurnTodo, args map[string]interface{}) (string, []store.Citation, error)
}

// loopInput is the per-turn input for the streaming tool loop. Everything
// here lives on the turn's stack; the loop never stores state on the agent.
type loopInput struct {
	Conv         *store.Conversation
	TurnID       string
	SystemPrompt string
	History      []providers.Message
	UserContent  string
	AllowList    []string
	MaxIter      int
	MaxIterPlan  int
	Temperature  float64
	Hooks        *delegationHooks
}

// loopOutput is what one completed loop produced.
type loopOutput struct {
	Content    string
	Iterations int
	Usage      store.Usage
	Citations  []store.Citation
}

// runToolLoop drives the bounded streaming tool loop: model call, streamed
// chunks, tool dispatch, optional delegation, until the model stops calling
// tools or the iteration cap is reached. The cap extends to MaxIterPlan
// while any plan item is pending or in progress.
func (a *BaseAgent) runToolLoop(ctx context.Context, in loopInput) (out *loopOutput, err error) {
	convID := in.Conv.ID
	callerID := a.CallerID(convID)

	var fullResponse strings.Builder
	var collectedSources []store.Citation
	turnUsage := store.Usage{Model: a.Model}

	// Tool events from the shared runner are re-emitted through the event
	// funnel tagged with this turn. Subscription is dropped around
	// delegation so a worker's tool activity is not double-emitted.
	subscribe := func() func() {
		return a.Runner.OnToolEvent(func(ev tools.Event) {
			if eerr := a.Events.EmitToolEvent(ctx, ev, convID, a.Identity.event(), in.TurnID, callerID); eerr != nil {
				slog.Warn("failed to emit tool event", "tool", ev.ToolName, "error", eerr)
			}
		})
	}
	unsubscribe := subscribe()
	defer func() { unsubscribe() }()

	streamID := ""
	openStream := func() {
		streamID = store.GenNewID().String()
		if a.sink != nil {
			a.sink.SendStreamStart(streamID, channel.StreamInfo{
				AgentID:        a.Identity.ID,
				AgentName:      a.Identity.Name,
				AgentEmoji:     a.Identity.Emoji,
				ConversationID: convID,
			})
		}
	}
	closeStream := func(end channel.StreamEnd) {
		if a.sink != nil && streamID != "" {
			a.sink.SendStreamEnd(streamID, end)
		}
		streamID = ""
	}
	defer func() {
		if err != nil {
			closeStream(channel.StreamEnd{})
		}
	}()
	openStream()

	// Delegation hands the channel to the worker. Flush the stream and
	// persist whatever prefix the user already saw, so the worker's own
	// output does not interleave with it; drop the tool-event subscription
	// so the worker's tool activity is not double-emitted.
	suspendForWorker := func() {
		closeStream(channel.StreamEnd{Usage: &turnUsage})
		if prefix := strings.TrimSpace(fullResponse.String()); prefix != "" {
			if _, serr := a.SaveAssistantMessage(ctx, prefix, convID, in.TurnID, events.AssistantOpts{}); serr != nil {
				slog.Warn("failed to persist streamed prefix", "error", serr)
			}
			fullResponse.Reset()
		}
		unsubscribe()
	}
	resumeAfterWorker := func() {
		unsubscribe = subscribe()
		openStream()
	}

	messages := []providers.Message{{Role: store.RoleSystem, Content: in.SystemPrompt}}
	messages = append(messages, in.History...)
	messages = append(messages, providers.Message{Role: store.RoleUser, Content: in.UserContent})

	allowList := in.AllowList
	systemPrompt := in.SystemPrompt
	maxIter := in.MaxIter
	planMode := false

	iteration := 0
	for iteration < maxIter {
		iteration++
		messages[0] = providers.Message{Role: store.RoleSystem, Content: systemPrompt}

		toolDefs := a.Runner.ToolsForLLM(allowList)
		if in.Hooks != nil && a.Capabilities.CanSpawnAgents {
			toolDefs = append(toolDefs, a.delegateToolDefs(allowList)...)
		}

		slog.Debug("loop iteration", "agent", a.Identity.ID, "turn", in.TurnID,
			"iteration", iteration, "messages", len(messages), "tools", len(toolDefs))

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    a.Model,
			Options: map[string]interface{}{
				"max_tokens":  a.MaxTokens,
				"temperature": in.Temperature,
			},
		}

		llmStart := time.Now().UTC()
		resp, cerr := a.Provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
			if chunk.Content != "" && a.sink != nil {
				a.sink.SendStreamChunk(streamID, chunk.Content, convID)
			}
		})
		a.emitLLMSpan(ctx, llmStart, iteration, resp, cerr)
		if cerr != nil {
			return nil, fmt.Errorf("model call failed (iteration %d): %w", iteration, cerr)
		}

		if resp.Usage != nil {
			turnUsage.PromptTokens += resp.Usage.PromptTokens
			turnUsage.CompletionTokens += resp.Usage.CompletionTokens
			turnUsage.TotalTokens += resp.Usage.TotalTokens
		}
		turnUsage.LatencyMS += int(time.Since(llmStart).Milliseconds())
		fullResponse.WriteString(resp.Content)

		if len(resp.ToolCalls) == 0 {
			break
		}

		messages = append(messages, providers.Message{
			Role:      store.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		var plain []providers.ToolCall
		var delegateCall, delegateTodoCall *providers.ToolCall
		for i := range resp.ToolCalls {
			tc := &resp.ToolCalls[i]
			switch tc.Name {
			case toolDelegate:
				if delegateCall == nil {
					delegateCall = tc
				} else {
					messages = append(messages, toolFailureMsg(tc.ID, "only one delegation per batch is allowed"))
				}
			case toolDelegateTodo:
				if delegateTodoCall == nil {
					delegateTodoCall = tc
				} else {
					messages = append(messages, toolFailureMsg(tc.ID, "only one plan item may be delegated at a time"))
				}
			default:
				plain = append(plain, *tc)
			}
		}

		if len(plain) > 0 {
			requests := make([]tools.Request, 0, len(plain))
			meta := tools.RequestMeta{
				TraceID:        tracing.TraceIDFromContext(ctx),
				ConversationID: convID,
				TurnID:         in.TurnID,
				AgentID:        a.Identity.ID,
			}
			for _, tc := range plain {
				requests = append(requests, a.Runner.CreateRequest(tc.ID, tc.Name, tc.Arguments, callerID, meta))
			}
			batchStart := time.Now().UTC()
			batch := a.Runner.ExecuteBatch(ctx, requests)
			collectedSources = append(collectedSources, batch.Citations...)
			for _, res := range batch.Results {
				a.emitToolSpan(ctx, batchStart, res)
				content := res.Output
				if !res.Success {
					content = res.Error
					slog.Warn("tool error", "agent", a.Identity.ID, "tool", res.ToolName,
						"error", tracing.Truncate(res.Error, 200))
				}
				messages = append(messages, providers.Message{
					Role:       store.RoleTool,
					Content:    content,
					ToolCallID: res.CallID,
				})
			}
		}

		if delegateCall != nil && in.Hooks != nil && in.Hooks.onDelegate != nil {
			suspendForWorker()
			output, cits, derr := in.Hooks.onDelegate(ctx, delegateCall.Arguments)
			resumeAfterWorker()

			if derr != nil {
				slog.Warn("delegation failed, falling back to direct answer",
					"agent", a.Identity.ID, "turn", in.TurnID, "error", derr)
				messages = append(messages, toolFailureMsg(delegateCall.ID,
					"Delegation was not possible. Answer the request directly yourself."))
			} else {
				collectedSources = append(collectedSources, cits...)
				messages = append(messages, providers.Message{
					Role:       store.RoleTool,
					Content:    output,
					ToolCallID: delegateCall.ID,
				})
			}
		}

		if delegateTodoCall != nil && in.Hooks != nil && in.Hooks.onDelegateTodo != nil {
			suspendForWorker()
			result, cits, derr := a.runDelegateTodo(ctx, in, delegateTodoCall)
			resumeAfterWorker()

			if derr != nil {
				messages = append(messages, toolFailureMsg(delegateTodoCall.ID, derr.Error()))
			} else {
				collectedSources = append(collectedSources, cits...)
				messages = append(messages, providers.Message{
					Role:       store.RoleTool,
					Content:    result,
					ToolCallID: delegateTodoCall.ID,
				})
			}

			// Rebuild the context around the remaining plan.
			todos, terr := a.Stores.Todos.FindByTurn(ctx, in.TurnID)
			if terr != nil {
				slog.Warn("failed to reload plan items", "turn", in.TurnID, "error", terr)
			}
			if hasOpenTodos(todos) {
				systemPrompt = buildSimplifiedPlanPrompt(todos)
				allowList = planTools
				planMode = true
			} else if planMode {
				systemPrompt = in.SystemPrompt
				allowList = in.AllowList
				planMode = false
				messages = append(messages, providers.Message{
					Role:    store.RoleAssistant,
					Content: "All plan items are done:\n" + tools.RenderTodoList(todos) + "\nNow synthesize the final answer for the user.",
				})
			}
		}

		// Extend the cap while the plan is open.
		if maxIter < in.MaxIterPlan {
			if counts, cerr := a.Stores.Todos.CountByStatus(ctx, in.TurnID); cerr == nil {
				if counts[store.TodoPending] > 0 || counts[store.TodoInProgress] > 0 {
					maxIter = in.MaxIterPlan
				}
			}
		}
	}

	content := strings.TrimSpace(fullResponse.String())
	closeStream(channel.StreamEnd{
		Citations: correlateCitations(collectedSources, content),
		Usage:     &turnUsage,
	})

	return &loopOutput{
		Content:    content,
		Iterations: iteration,
		Usage:      turnUsage,
		Citations:  correlateCitations(collectedSources, content),
	}, nil
}

// runDelegateTodo drives one plan item through its status transitions around
// the worker dispatch.
func (a *BaseAgent) runDelegateTodo(ctx context.Context, in loopInput, tc *providers.ToolCall) (string, []store.Citation, error) {
	idStr, _ := tc.Arguments["id"].(string)
	todoID, err := uuid.Parse(strings.TrimSpace(idStr))
	if err != nil {
		return "", nil, fmt.Errorf("invalid plan item id: %q", idStr)
	}
	todos, err := a.Stores.Todos.FindByTurn(ctx, in.TurnID)
	if err != nil {
		return "", nil, fmt.Errorf("load plan items: %w", err)
	}
	var todo *store.TurnTodo
	for i := range todos {
		if todos[i].ID == todoID {
			todo = &todos[i]
			break
		}
	}
	if todo == nil {
		return "", nil, fmt.Errorf("plan item %s not found in this turn", todoID)
	}
	if todo.Status != store.TodoPending {
		return "", nil, fmt.Errorf("plan item %q is %s, not pending", todo.Title, todo.Status)
	}

	now := time.Now().UTC()
	inProgress := store.TodoInProgress
	if err := a.Stores.Todos.Update(ctx, todo.ID, store.TodoPatch{Status: &inProgress, StartedAt: &now}); err != nil {
		return "", nil, fmt.Errorf("mark plan item in progress: %w", err)
	}

	output, cits, derr := in.Hooks.onDelegateTodo(ctx, todo, tc.Arguments)

	done := time.Now().UTC()
	if derr != nil {
		cancelled := store.TodoCancelled
		outcome := "failed: " + tracing.Truncate(derr.Error(), 200)
		if uerr := a.Stores.Todos.Update(ctx, todo.ID, store.TodoPatch{Status: &cancelled, Outcome: &outcome, CompletedAt: &done}); uerr != nil {
			slog.Warn("failed to mark plan item failed", "todo", todo.ID, "error", uerr)
		}
		return "", nil, fmt.Errorf("plan item %q failed: %w", todo.Title, derr)
	}

	completed := store.TodoCompleted
	outcome := tracing.Truncate(output, 500)
	if uerr := a.Stores.Todos.Update(ctx, todo.ID, store.TodoPatch{Status: &completed, Outcome: &outcome, CompletedAt: &done}); uerr != nil {
		slog.Warn("failed to mark plan item completed", "todo", todo.ID, "error", uerr)
	}
	return output, cits, nil
}

func hasOpenTodos(todos []store.TurnTodo) bool {
	for _, t := range todos {
		if t.Status == store.TodoPending || t.Status == store.TodoInProgress {
			return true
		}
	}
	return false
}

func toolFailureMsg(callID, msg string) providers.Message {
	return providers.Message{Role: store.RoleTool, Content: msg, ToolCallID: callID}
}

// correlateCitations keeps sources that plausibly back the final text: those
// whose URL or title appear in the response, or all of them when the
// response references none explicitly.
func correlateCitations(sources []store.Citation, response string) []store.Citation {
	if len(sources) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var matched, unique []store.Citation
	for _, c := range sources {
		key := c.URL + "|" + c.Title
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, c)
		if (c.URL != "" && strings.Contains(response, c.URL)) ||
			(c.Title != "" && strings.Contains(response, c.Title)) {
			matched = append(matched, c)
		}
	}
	if len(matched) > 0 {
		return matched
	}
	return unique
}

// emitLLMSpan records one model call on the active trace.
func (a *BaseAgent) emitLLMSpan(ctx context.Context, start time.Time, iteration int, resp *providers.ChatResponse, callErr error) {
	collector := tracing.CollectorFromContext(ctx)
	if collector == nil {
		return
	}
	end := time.Now().UTC()
	span := store.SpanData{
		TraceID:   tracing.TraceIDFromContext(ctx),
		SpanType:  store.SpanTypeLLMCall,
		Name:      fmt.Sprintf("llm call %d", iteration),
		AgentID:   a.Identity.ID,
		Status:    store.TraceOK,
		Model:     a.Model,
		Provider:  a.Provider.Name(),
		StartTime: start,
		EndTime:   &end,
	}
	if parent := tracing.ParentSpanIDFromContext(ctx); parent != uuid.Nil {
		span.ParentSpanID = &parent
	}
	if callErr != nil {
		span.Status = store.TraceError
		span.Error = tracing.Truncate(callErr.Error(), 500)
	} else if resp != nil {
		span.OutputPreview = tracing.Truncate(resp.Content, 500)
		if resp.Usage != nil {
			span.InputTokens = resp.Usage.PromptTokens
			span.OutputTokens = resp.Usage.CompletionTokens
		}
	}
	collector.EmitSpan(ctx, span)
}

// emitToolSpan records one tool execution on the active trace.
func (a *BaseAgent) emitToolSpan(ctx context.Context, start time.Time, res tools.ExecResult) {
	collector := tracing.CollectorFromContext(ctx)
	if collector == nil {
		return
	}
	end := time.Now().UTC()
	span := store.SpanData{
		TraceID:       tracing.TraceIDFromContext(ctx),
		SpanType:      store.SpanTypeToolCall,
		Name:          res.ToolName,
		AgentID:       a.Identity.ID,
		Status:        store.TraceOK,
		ToolName:      res.ToolName,
		ToolCallID:    res.CallID,
		OutputPreview: tracing.Truncate(res.Output, 500),
		StartTime:     start,
		EndTime:       &end,
	}
	if parent := tracing.ParentSpanIDFromContext(ctx); parent != uuid.Nil {
		span.ParentSpanID = &parent
	}
	if !res.Success {
		span.Status = store.TraceError
		span.Error = tracing.Truncate(res.Error, 500)
	}
	collector.EmitSpan(ctx, span)
}

// delegateToolDefs returns the virtual delegation tool definitions allowed
// by the current allow-list.
func (a *BaseAgent) delegateToolDefs(allowList []string) []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	if tools.MatchAllowList(allowList, toolDelegate) {
		defs = append(defs, delegateToolDef())
	}
	if tools.MatchAllowList(allowList, toolDelegateTodo) {
		defs = append(defs, delegateTodoToolDef())
	}
	return defs
}
