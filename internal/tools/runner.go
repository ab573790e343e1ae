package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/praxislabs/conductor/internal/providers"
	"github.com/praxislabs/conductor/internal/store"
)

// Runner is the process-wide tool runtime shared by all agents. Event
// listeners are filtered by callerId on the subscriber side; the runner
// itself delivers every event to every listener.
type Runner struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	listeners map[int]Listener
	nextSub   int
}

// NewRunner creates an empty runner.
func NewRunner() *Runner {
	return &Runner{
		tools:     make(map[string]Tool),
		listeners: make(map[int]Listener),
	}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Runner) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool, or nil.
func (r *Runner) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
func (r *Runner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnToolEvent subscribes listener to all tool events. Returns an
// unsubscribe func.
func (r *Runner) OnToolEvent(listener Listener) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = listener
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Runner) emit(ev Event) {
	r.mu.RLock()
	ls := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.mu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}

// CreateRequest builds a request for one model-issued tool call.
func (r *Runner) CreateRequest(callID, name string, input map[string]interface{}, callerID string, meta RequestMeta) Request {
	return Request{
		CallID:   callID,
		Name:     name,
		Input:    input,
		CallerID: callerID,
		Meta:     meta,
	}
}

// ExecuteBatch runs all requests concurrently and returns results in
// request order, plus all citations the tools surfaced. Unknown tools and
// tool panics become failed results; ExecuteBatch itself never errors.
func (r *Runner) ExecuteBatch(ctx context.Context, requests []Request) BatchResult {
	out := BatchResult{Results: make([]ExecResult, len(requests))}
	if len(requests) == 0 {
		return out
	}

	type indexed struct {
		idx       int
		res       ExecResult
		citations []store.Citation
	}
	ch := make(chan indexed, len(requests))

	for i, req := range requests {
		r.emit(Event{
			ID:       req.CallID,
			Kind:     EventToolCall,
			CallerID: req.CallerID,
			ToolName: req.Name,
			Input:    req.Input,
			Meta:     req.Meta,
		})
		go func(idx int, req Request) {
			res := r.executeOne(ctx, req)
			var cits []store.Citation
			output := res.ForLLM
			if res.Err != nil && output == "" {
				output = res.Err.Error()
			}
			er := ExecResult{
				CallID:   req.CallID,
				ToolName: req.Name,
				Success:  !res.IsError && res.Err == nil,
				Output:   output,
			}
			if !er.Success {
				er.Error = output
			} else {
				cits = res.Citations
			}
			r.emit(Event{
				ID:       req.CallID,
				Kind:     EventToolResult,
				CallerID: req.CallerID,
				ToolName: req.Name,
				Output:   er.Output,
				IsError:  !er.Success,
				Meta:     req.Meta,
			})
			ch <- indexed{idx: idx, res: er, citations: cits}
		}(i, req)
	}

	for range requests {
		item := <-ch
		out.Results[item.idx] = item.res
		out.Citations = append(out.Citations, item.citations...)
	}
	return out
}

func (r *Runner) executeOne(ctx context.Context, req Request) (res *Result) {
	tool := r.Get(req.Name)
	if tool == nil {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", req.Name))
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", req.Name, "panic", rec)
			res = ErrorResult(fmt.Sprintf("tool %s failed", req.Name))
		}
	}()
	res = tool.Execute(ctx, req.Input)
	if res == nil {
		res = ErrorResult(fmt.Sprintf("tool %s returned no result", req.Name))
	}
	return res
}

// ToolsForLLM returns provider definitions for all tools passing the
// allow-list. An empty allow-list means no restriction.
func (r *Runner) ToolsForLLM(allowList []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if MatchAllowList(allowList, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// MatchAllowList reports whether name passes the allow-list. Entries may be
// exact names, "*" (everything), or prefix wildcards like "web_*". An empty
// list allows everything.
func MatchAllowList(allowList []string, name string) bool {
	if len(allowList) == 0 {
		return true
	}
	for _, entry := range allowList {
		if entry == "*" || entry == name {
			return true
		}
		if strings.HasSuffix(entry, "*") && strings.HasPrefix(name, strings.TrimSuffix(entry, "*")) {
			return true
		}
	}
	return false
}

// IntersectAllowLists narrows base by extra. Empty lists mean "no
// restriction", so the result is whichever list restricts, or the pairwise
// intersection when both do.
func IntersectAllowLists(base, extra []string) []string {
	if len(base) == 0 {
		return extra
	}
	if len(extra) == 0 {
		return base
	}
	var out []string
	for _, name := range base {
		if MatchAllowList(extra, name) {
			out = append(out, name)
		}
	}
	return out
}
