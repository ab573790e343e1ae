package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/bus"
	"github.com/praxislabs/conductor/internal/channel"
	"github.com/praxislabs/conductor/internal/events"
	"github.com/praxislabs/conductor/internal/providers"
	"github.com/praxislabs/conductor/internal/registry"
	"github.com/praxislabs/conductor/internal/store"
	"github.com/praxislabs/conductor/internal/tools"
	"github.com/praxislabs/conductor/internal/tracing"
)

func delegateToolDef() providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name: toolDelegate,
			Description: "Delegate a self-contained mission to a specialist worker agent. " +
				"The worker sees only the mission text and a short history snippet, so state the mission fully.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"type": map[string]interface{}{
						"type":        "string",
						"description": "Specialist type, e.g. researcher, writer, analyst",
					},
					"mission": map[string]interface{}{
						"type":        "string",
						"description": "Complete description of what the worker must accomplish",
					},
					"custom_name": map[string]interface{}{
						"type":        "string",
						"description": "Display name override for the worker (optional)",
					},
					"custom_emoji": map[string]interface{}{
						"type":        "string",
						"description": "Emoji override for the worker (optional)",
					},
					"rationale": map[string]interface{}{
						"type":        "string",
						"description": "Why this mission is being delegated (optional)",
					},
				},
				"required": []string{"type", "mission"},
			},
		},
	}
}

func delegateTodoToolDef() providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name: toolDelegateTodo,
			Description: "Delegate one pending plan item to a worker. " +
				"Work through plan items one at a time, in order.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id": map[string]interface{}{
						"type":        "string",
						"description": "Plan item id from create_todo/list_todo",
					},
					"mission": map[string]interface{}{
						"type":        "string",
						"description": "Extra context for the worker beyond the item title (optional)",
					},
				},
				"required": []string{"id"},
			},
		},
	}
}

// Assignment is one tracked delegation.
type Assignment struct {
	ID          string
	WorkerID    string
	Description string
	AssignedBy  string
	Status      string // pending, running, completed, failed
	CreatedAt   time.Time
}

// DelegateManager spawns workers, tracks assignments, and collects their
// results through the result board. One manager per supervisor.
type DelegateManager struct {
	Parent    Identity
	Registry  *registry.Registry
	Results   *bus.ResultBoard
	Events    *events.Service
	Stores    *store.Stores
	Runner    *tools.Runner
	Collector *tracing.Collector

	Provider    providers.Provider
	Model       string
	MaxTokens   int
	Temperature float64
	MaxIter     int

	Sink channel.Sink

	active sync.Map // workerID -> *Worker
	tasks  sync.Map // assignmentID -> *Assignment
}

// DelegationRequest is one delegation, parsed from the delegate tool call or
// synthesized from a command trigger or plan item.
type DelegationRequest struct {
	Type        string
	Mission     string
	CustomName  string
	CustomEmoji string
	Rationale   string

	Original *store.Message
	ConvID   uuid.UUID
	TurnID   string
}

func parseDelegationArgs(args map[string]interface{}) (DelegationRequest, error) {
	req := DelegationRequest{}
	req.Type, _ = args["type"].(string)
	req.Mission, _ = args["mission"].(string)
	req.CustomName, _ = args["custom_name"].(string)
	req.CustomEmoji, _ = args["custom_emoji"].(string)
	req.Rationale, _ = args["rationale"].(string)
	if strings.TrimSpace(req.Type) == "" {
		return req, fmt.Errorf("delegation requires a specialist type")
	}
	if strings.TrimSpace(req.Mission) == "" {
		return req, fmt.Errorf("delegation requires a mission")
	}
	return req, nil
}

// HandleDelegation spawns a worker for req and blocks until its task result
// arrives. Returns the worker's textual output and citations.
func (dm *DelegateManager) HandleDelegation(ctx context.Context, req DelegationRequest) (string, []store.Citation, error) {
	identity, tmpl := dm.workerIdentity(req)

	slog.Info("delegation started",
		"parent", dm.Parent.ID, "worker", identity.ID, "type", identity.Type,
		"conversation", req.ConvID, "turn", req.TurnID)

	if err := dm.Events.EmitDelegationEvent(ctx, events.DelegationParams{
		WorkerType: identity.Type,
		WorkerID:   identity.ID,
		WorkerName: identity.Name,
		Mission:    req.Mission,
		Rationale:  req.Rationale,
	}, req.ConvID, events.AgentIdentity{ID: dm.Parent.ID, Name: dm.Parent.Name, Emoji: dm.Parent.Emoji}, req.TurnID); err != nil {
		return "", nil, fmt.Errorf("emit delegation event: %w", err)
	}

	assignment := &Assignment{
		ID:          store.GenNewID().String(),
		WorkerID:    identity.ID,
		Description: req.Mission,
		AssignedBy:  dm.Parent.ID,
		Status:      "pending",
		CreatedAt:   time.Now().UTC(),
	}
	dm.tasks.Store(assignment.ID, assignment)

	handle, err := dm.Results.Open(identity.ID)
	if err != nil {
		return "", nil, fmt.Errorf("open result entry: %w", err)
	}
	defer handle.Cancel()

	worker := dm.newWorker(identity, tmpl)
	dm.active.Store(identity.ID, worker)
	dm.Registry.TrackInstance(registry.Instance{
		AgentID:  identity.ID,
		Type:     identity.Type,
		ParentID: dm.Parent.ID,
		TurnID:   req.TurnID,
	})
	defer func() {
		dm.active.Delete(identity.ID)
		dm.Registry.UntrackInstance(identity.ID)
	}()

	go worker.HandleDelegatedTask(ctx, req.Original, req.Mission, req.ConvID, req.TurnID)

	// Consume lifecycle updates until the terminal result lands. The worker
	// reports WorkerStarted over the board before its first model call.
	var result bus.TaskResult
await:
	for {
		select {
		case u := <-handle.Updates():
			if u.Status == bus.WorkerStarted {
				assignment.Status = "running"
			}
		case result = <-handle.Result():
			break await
		case <-ctx.Done():
			handle.Cancel()
			assignment.Status = "failed"
			return "", nil, fmt.Errorf("await worker result: %w", ctx.Err())
		}
	}

	if result.Status == bus.TaskFailed {
		assignment.Status = "failed"
		slog.Warn("delegation failed", "worker", identity.ID, "error", result.Error)
		return "", nil, fmt.Errorf("worker %s failed: %s", identity.ID, result.Error)
	}

	assignment.Status = "completed"
	slog.Info("delegation completed", "worker", identity.ID, "result_len", len(result.Result))
	return result.Result, result.Citations, nil
}

// workerIdentity builds the worker's identity from its template, applying
// overrides, or a generic worker identity for unknown types.
func (dm *DelegateManager) workerIdentity(req DelegationRequest) (Identity, registry.Template) {
	tmpl, ok := dm.Registry.Template(req.Type)
	if !ok {
		tmpl = registry.Template{
			Type:        req.Type,
			Name:        "Worker",
			Emoji:       "🤖",
			Description: "general-purpose worker",
		}
	}
	id := Identity{
		ID:    fmt.Sprintf("%s-%s", tmpl.Type, shortID()),
		Type:  tmpl.Type,
		Name:  tmpl.Name,
		Emoji: tmpl.Emoji,
	}
	if req.CustomName != "" {
		id.Name = req.CustomName
	}
	if req.CustomEmoji != "" {
		id.Emoji = req.CustomEmoji
	}
	return id, tmpl
}

func (dm *DelegateManager) newWorker(identity Identity, tmpl registry.Template) *Worker {
	w := &Worker{
		BaseAgent: BaseAgent{
			Identity: identity,
			Capabilities: Capabilities{
				CanSpawnAgents: false,
				AllowedTools:   tmpl.AllowedTools,
				Skills:         tmpl.Skills,
			},
			Provider:  dm.Provider,
			Model:     dm.Model,
			MaxTokens: dm.MaxTokens,
			Runner:    dm.Runner,
			Events:    dm.Events,
			Stores:    dm.Stores,
			Collector: dm.Collector,
		},
		Template:    tmpl,
		Results:     dm.Results,
		ParentID:    dm.Parent.ID,
		MaxIter:     dm.MaxIter,
		Temperature: dm.Temperature,
	}
	// Collapsed worker types stay silent on the channel; their output still
	// reaches the parent through the task result.
	if dm.Sink != nil && !tmpl.CollapseByDefault {
		w.RegisterChannel(dm.Sink)
	}
	return w
}

// ActiveWorkers snapshots currently running workers.
func (dm *DelegateManager) ActiveWorkers() []string {
	var ids []string
	dm.active.Range(func(k, _ interface{}) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

func shortID() string {
	return store.GenNewID().String()[:8]
}
