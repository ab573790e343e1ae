// Package registry holds agent templates and tracks live agent instances.
// Templates are plain value records: identity, tool and skill allow-lists,
// command triggers, and delegation metadata. Behavior stays in the agents
// package; the registry is data only.
package registry

import (
	"sort"
	"sync"
)

// Template describes one agent type.
type Template struct {
	Type        string // stable identifier, e.g. "researcher"
	Name        string
	Emoji       string
	Description string // shown to the model when choosing a delegate

	SystemPrompt string
	AllowedTools []string // empty = no restriction; supports wildcards like "web_*"
	Skills       []string

	// Command triggers route a matching metadata command straight to this
	// template without a model call.
	CommandTriggers []string

	// WorkflowID hints at a well-known pipeline (deep-research, self-coding).
	WorkflowID string

	// CollapseByDefault suppresses the worker's channel-visible final message;
	// its output still reaches the parent through the task result.
	CollapseByDefault bool
}

// Instance is one live agent tracked by the registry.
type Instance struct {
	AgentID  string
	Type     string
	ParentID string
	TurnID   string
}

// Registry stores templates and live instances. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
	commands  map[string]string // trigger -> template type

	instances sync.Map // agentID -> Instance
}

// New creates a registry seeded with the given templates.
func New(templates ...Template) *Registry {
	r := &Registry{
		templates: make(map[string]Template),
		commands:  make(map[string]string),
	}
	for _, t := range templates {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a template and indexes its command triggers.
func (r *Registry) Register(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Type] = t
	for _, trigger := range t.CommandTriggers {
		r.commands[trigger] = t.Type
	}
}

// Template returns the template for agentType.
func (r *Registry) Template(agentType string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[agentType]
	return t, ok
}

// TemplateForCommand resolves a command trigger to its template.
func (r *Registry) TemplateForCommand(command string) (Template, bool) {
	r.mu.RLock()
	typ, ok := r.commands[command]
	r.mu.RUnlock()
	if !ok {
		return Template{}, false
	}
	return r.Template(typ)
}

// Types returns all registered template types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.templates))
	for typ := range r.templates {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// TrackInstance records a live agent.
func (r *Registry) TrackInstance(inst Instance) {
	r.instances.Store(inst.AgentID, inst)
}

// UntrackInstance removes a live agent.
func (r *Registry) UntrackInstance(agentID string) {
	r.instances.Delete(agentID)
}

// LiveInstances snapshots all tracked agents.
func (r *Registry) LiveInstances() []Instance {
	var out []Instance
	r.instances.Range(func(_, v interface{}) bool {
		out = append(out, v.(Instance))
		return true
	})
	return out
}
