package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/praxislabs/conductor/internal/store"
)

// Plan tools let the model build and inspect a per-turn todo list. The turn
// id comes from the request context; the delegate_todo transition itself is
// driven by the supervisor, not by these tools.

// CreateTodoTool creates pending plan items for the current turn.
type CreateTodoTool struct {
	Todos store.TodoStore
}

func (t *CreateTodoTool) Name() string { return "create_todo" }

func (t *CreateTodoTool) Description() string {
	return "Create plan items for a multi-step task. Each item should be a self-contained sub-goal, optionally naming the specialist agent type to handle it."
}

func (t *CreateTodoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"items": map[string]interface{}{
				"type":        "array",
				"description": "Plan items, in execution order",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"title":      map[string]interface{}{"type": "string"},
						"agent_type": map[string]interface{}{"type": "string"},
					},
					"required": []string{"title"},
				},
			},
		},
		"required": []string{"items"},
	}
}

func (t *CreateTodoTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	turnID := store.TurnIDFromContext(ctx)
	if turnID == "" {
		return ErrorResult("no active turn")
	}
	rawItems, _ := args["items"].([]interface{})
	if len(rawItems) == 0 {
		return ErrorResult("items is required")
	}

	created := 0
	for _, raw := range rawItems {
		item, _ := raw.(map[string]interface{})
		title, _ := item["title"].(string)
		if strings.TrimSpace(title) == "" {
			continue
		}
		agentType, _ := item["agent_type"].(string)
		todo := &store.TurnTodo{
			ID:        store.GenNewID(),
			TurnID:    turnID,
			Title:     title,
			AgentType: agentType,
			Status:    store.TodoPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := t.Todos.Create(ctx, todo); err != nil {
			return ErrorResult(fmt.Sprintf("failed to create todo: %v", err)).WithError(err)
		}
		created++
	}
	if created == 0 {
		return ErrorResult("no valid items")
	}
	return SilentResult(fmt.Sprintf("Created %d plan item(s). Use delegate_todo to work through them one at a time.", created))
}

// ListTodoTool renders the current turn's plan with statuses.
type ListTodoTool struct {
	Todos store.TodoStore
}

func (t *ListTodoTool) Name() string { return "list_todo" }

func (t *ListTodoTool) Description() string {
	return "List the current turn's plan items and their statuses."
}

func (t *ListTodoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListTodoTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	turnID := store.TurnIDFromContext(ctx)
	if turnID == "" {
		return ErrorResult("no active turn")
	}
	todos, err := t.Todos.FindByTurn(ctx, turnID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list todos: %v", err)).WithError(err)
	}
	if len(todos) == 0 {
		return SilentResult("No plan items for this turn.")
	}
	return SilentResult(RenderTodoList(todos))
}

// CancelTodoTool cancels a pending plan item by id.
type CancelTodoTool struct {
	Todos store.TodoStore
}

func (t *CancelTodoTool) Name() string { return "cancel_todo" }

func (t *CancelTodoTool) Description() string {
	return "Cancel a pending plan item that is no longer needed."
}

func (t *CancelTodoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Plan item id",
			},
		},
		"required": []string{"id"},
	}
}

func (t *CancelTodoTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	idStr, _ := args["id"].(string)
	id, err := parseUUID(idStr)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid todo id: %s", idStr))
	}
	status := store.TodoCancelled
	now := time.Now().UTC()
	if err := t.Todos.Update(ctx, id, store.TodoPatch{Status: &status, CompletedAt: &now}); err != nil {
		return ErrorResult(fmt.Sprintf("failed to cancel todo: %v", err)).WithError(err)
	}
	return SilentResult("Cancelled.")
}

// RenderTodoList renders todos as a status bullet list for the model.
func RenderTodoList(todos []store.TurnTodo) string {
	var b strings.Builder
	for _, todo := range todos {
		marker := " "
		switch todo.Status {
		case store.TodoInProgress:
			marker = ">"
		case store.TodoCompleted:
			marker = "x"
		case store.TodoCancelled:
			marker = "-"
		}
		fmt.Fprintf(&b, "[%s] %s (id: %s, status: %s)", marker, todo.Title, todo.ID, todo.Status)
		if todo.Outcome != "" {
			fmt.Fprintf(&b, ", outcome: %s", todo.Outcome)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
