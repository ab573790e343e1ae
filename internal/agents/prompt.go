package agents

import (
	"fmt"
	"strings"

	"github.com/praxislabs/conductor/internal/registry"
	"github.com/praxislabs/conductor/internal/store"
	"github.com/praxislabs/conductor/internal/tools"
)

// System prompt assembly. The base prompt is composed with conditional
// sections gated on the effective tool allow-list, so an agent that cannot
// delegate never sees delegation instructions.

const basePromptTemplate = `You are %s (%s), an assistant agent.

Answer directly when you can. Use tools when they genuinely help. Keep
responses focused; do not narrate tool use.`

const delegationSection = `
## Delegation

You may delegate self-contained missions to specialist workers with the
delegate tool. Available specialist types:
%s
Delegate when a mission benefits from a focused specialist. State the mission
fully; the worker sees only the mission text and a short history snippet.`

const planningSection = `
## Planning

For multi-step requests, create a plan first with create_todo, then work
through items one at a time with delegate_todo. Each item should be a
self-contained sub-goal. Use list_todo to review progress and cancel_todo to
drop items that became unnecessary.`

// simplifiedPlanPrompt replaces the full system prompt between plan-item
// delegations: the model only has to pick the next pending item.
const simplifiedPlanPrompt = `You are working through a plan. Current items:

%s

Pick the next pending item and delegate it with delegate_todo. If every item
is completed or cancelled, summarize the outcomes instead.`

// buildSystemPrompt composes the full prompt for one agent.
func buildSystemPrompt(id Identity, caps Capabilities, reg *registry.Registry, templatePrompt string, allowList []string) string {
	var b strings.Builder

	if templatePrompt != "" {
		b.WriteString(templatePrompt)
	} else {
		fmt.Fprintf(&b, basePromptTemplate, id.Name, id.Type)
	}

	if caps.CanSpawnAgents && reg != nil {
		var types strings.Builder
		for _, typ := range reg.Types() {
			t, _ := reg.Template(typ)
			fmt.Fprintf(&types, "- %s: %s\n", t.Type, t.Description)
		}
		fmt.Fprintf(&b, delegationSection, types.String())
	}

	if tools.MatchAllowList(allowList, "create_todo") && caps.CanSpawnAgents {
		b.WriteString(planningSection)
	}

	if len(caps.Skills) > 0 {
		fmt.Fprintf(&b, "\n## Skills\n\nYou have these skills available: %s.\n", strings.Join(caps.Skills, ", "))
	}

	return b.String()
}

// buildSimplifiedPlanPrompt renders the pick-next-item prompt with current
// todo states.
func buildSimplifiedPlanPrompt(todos []store.TurnTodo) string {
	return fmt.Sprintf(simplifiedPlanPrompt, tools.RenderTodoList(todos))
}

// planTools is the narrowed allow-list used between plan-item delegations.
var planTools = []string{"delegate_todo", "list_todo", "cancel_todo", "create_todo"}
