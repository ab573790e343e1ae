package agents

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/bus"
	"github.com/praxislabs/conductor/internal/channel"
	"github.com/praxislabs/conductor/internal/events"
	"github.com/praxislabs/conductor/internal/providers"
	"github.com/praxislabs/conductor/internal/registry"
	"github.com/praxislabs/conductor/internal/store"
	"github.com/praxislabs/conductor/internal/store/memory"
	"github.com/praxislabs/conductor/internal/tools"
)

// scriptedProvider replays a fixed sequence of responses and records every
// request it saw. Chat and ChatStream share the same script.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []providers.ChatResponse
	requests []providers.ChatRequest
	err      error
}

func (p *scriptedProvider) pop(req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.script) == 0 {
		return &providers.ChatResponse{FinishReason: "stop"}, nil
	}
	resp := p.script[0]
	p.script = p.script[1:]
	return &resp, nil
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return p.pop(req)
}

func (p *scriptedProvider) ChatStream(_ context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	resp, err := p.pop(req)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" && onChunk != nil {
		onChunk(providers.StreamChunk{Content: resp.Content})
	}
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// fakeSink records everything an agent sends outward.
type fakeSink struct {
	mu     sync.Mutex
	starts []channel.StreamInfo
	chunks []string
	ends   []channel.StreamEnd
	errs   []string
	events []bus.Event
}

func (f *fakeSink) SendStreamStart(_ string, info channel.StreamInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, info)
}

func (f *fakeSink) SendStreamChunk(_ string, text string, _ uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, text)
}

func (f *fakeSink) SendStreamEnd(_ string, end channel.StreamEnd) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, end)
}

func (f *fakeSink) SendError(title, _ string, _ uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, title)
}

func (f *fakeSink) Broadcast(ev bus.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSink) OnMessage(bus.MessageHandler) {}

func (f *fakeSink) errorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

func (f *fakeSink) chunkText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.chunks, "")
}

func (f *fakeSink) streamStarts() []channel.StreamInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channel.StreamInfo(nil), f.starts...)
}

func (f *fakeSink) streamEndCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ends)
}

type supFixture struct {
	sup    *Supervisor
	stores *store.Stores
	prov   *scriptedProvider
	sink   *fakeSink
	reg    *registry.Registry
}

func newSupFixture(t *testing.T, script ...providers.ChatResponse) *supFixture {
	t.Helper()
	stores := memory.NewStores()
	ev := events.NewService(stores, bus.NewMessageBus())
	prov := &scriptedProvider{script: script}
	sink := &fakeSink{}
	reg := registry.New(registry.Template{
		Type:            "researcher",
		Name:            "Researcher",
		Emoji:           "🔎",
		Description:     "web research specialist",
		CommandTriggers: []string{"research"},
	})
	sup := NewSupervisor(SupervisorConfig{
		Identity:  Identity{ID: "sup-1", Type: "supervisor", Name: "Conductor", Emoji: "🪄"},
		Provider:  prov,
		Model:     "test-model",
		MaxTokens: 1024,
		Runner:    tools.NewRunner(),
		Events:    ev,
		Stores:    stores,
		Registry:  reg,
		Results:   bus.NewResultBoard(),
		Sink:      sink,
	})
	t.Cleanup(sup.Shutdown)
	return &supFixture{sup: sup, stores: stores, prov: prov, sink: sink, reg: reg}
}

func ingress(content string) *store.Message {
	return &store.Message{
		ID:        store.GenNewID(),
		Role:      store.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

func convMessages(t *testing.T, stores *store.Stores, convID uuid.UUID) []store.Message {
	t.Helper()
	msgs, err := stores.Messages.FindByConversation(context.Background(), convID, store.MessageQuery{Limit: 100})
	if err != nil {
		t.Fatalf("FindByConversation: %v", err)
	}
	return msgs
}

func TestHandleMessageRunsOneTurn(t *testing.T) {
	f := newSupFixture(t, providers.ChatResponse{Content: "hello there", FinishReason: "stop"})

	msg := ingress("what is the plan?\nsecond line")
	f.sup.HandleMessage(context.Background(), msg)

	if msg.ConversationID == uuid.Nil {
		t.Fatal("ingress message was not bound to a conversation")
	}
	conv, err := f.stores.Conversations.FindByID(context.Background(), msg.ConversationID)
	if err != nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.Title != "what is the plan?" {
		t.Errorf("title = %q, want first line of ingress", conv.Title)
	}

	msgs := convMessages(t, f.stores, conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d rows, want user + assistant", len(msgs))
	}
	if msgs[0].ID != msg.ID || msgs[0].Role != store.RoleUser {
		t.Errorf("first row should be the ingress message: %+v", msgs[0])
	}
	assistant := msgs[1]
	if assistant.Role != store.RoleAssistant || assistant.Content != "hello there" {
		t.Errorf("assistant row = %+v", assistant)
	}
	if assistant.TurnID != msg.ID.String() {
		t.Errorf("turn id = %q, want the ingress message id", assistant.TurnID)
	}

	if f.sink.chunkText() != "hello there" {
		t.Errorf("streamed text = %q", f.sink.chunkText())
	}
}

func TestHandleMessageDuplicateIgnored(t *testing.T) {
	f := newSupFixture(t,
		providers.ChatResponse{Content: "first"},
		providers.ChatResponse{Content: "second"},
	)

	msg := ingress("hi")
	f.sup.HandleMessage(context.Background(), msg)
	f.sup.HandleMessage(context.Background(), msg)

	if n := f.prov.callCount(); n != 1 {
		t.Fatalf("provider called %d times, want 1", n)
	}
	msgs := convMessages(t, f.stores, msg.ConversationID)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d rows, want 2", len(msgs))
	}
}

func TestHandleMessageRedirectsFromWellKnown(t *testing.T) {
	f := newSupFixture(t, providers.ChatResponse{Content: "ok"})

	wk := &store.Conversation{ID: store.GenNewID(), Title: "daily-digest", WellKnown: true}
	if err := f.stores.Conversations.Create(context.Background(), wk); err != nil {
		t.Fatal(err)
	}

	msg := ingress("hello")
	msg.ConversationID = wk.ID
	f.sup.HandleMessage(context.Background(), msg)

	if msg.ConversationID == wk.ID {
		t.Fatal("user message should be redirected away from the well-known conversation")
	}
	if rows := convMessages(t, f.stores, wk.ID); len(rows) != 0 {
		t.Fatalf("well-known conversation gained %d rows", len(rows))
	}
	if rows := convMessages(t, f.stores, msg.ConversationID); len(rows) != 2 {
		t.Fatalf("redirect conversation has %d rows, want 2", len(rows))
	}
}

func TestHandleMessageTaskRunStaysInWellKnown(t *testing.T) {
	f := newSupFixture(t, providers.ChatResponse{Content: "digest ready"})

	wk := &store.Conversation{ID: store.GenNewID(), Title: "daily-digest", WellKnown: true}
	if err := f.stores.Conversations.Create(context.Background(), wk); err != nil {
		t.Fatal(err)
	}
	// Prior traffic that a scheduled run must not see.
	for _, row := range []*store.Message{
		{ID: store.GenNewID(), ConversationID: wk.ID, Role: store.RoleUser, Content: "old question"},
		{ID: store.GenNewID(), ConversationID: wk.ID, Role: store.RoleAssistant, Content: "old answer"},
	} {
		if err := f.stores.Messages.Create(context.Background(), row); err != nil {
			t.Fatal(err)
		}
	}

	msg := ingress("Scheduled task: daily-digest")
	msg.ConversationID = wk.ID
	msg.TurnID = msg.ID.String()
	msg.Metadata.Type = store.TypeTaskRun

	f.sup.HandleMessage(context.Background(), msg)

	if msg.ConversationID != wk.ID {
		t.Fatal("task_run traffic must stay in its well-known conversation")
	}

	// Scheduled turns run without history: system prompt plus the live turn.
	req := f.prov.request(0)
	if len(req.Messages) != 2 {
		t.Fatalf("request carried %d messages, want 2 (no history)", len(req.Messages))
	}
}

func TestHandleMessageReusesRecentConversation(t *testing.T) {
	f := newSupFixture(t, providers.ChatResponse{Content: "ok"})

	recent := &store.Conversation{
		ID:        store.GenNewID(),
		Title:     "ongoing",
		UpdatedAt: time.Now().UTC(),
	}
	if err := f.stores.Conversations.Create(context.Background(), recent); err != nil {
		t.Fatal(err)
	}

	msg := ingress("continuing")
	f.sup.HandleMessage(context.Background(), msg)

	if msg.ConversationID != recent.ID {
		t.Fatalf("conversation = %s, want recent %s reused", msg.ConversationID, recent.ID)
	}
}

func TestHandleMessageStaleConversationNotReused(t *testing.T) {
	f := newSupFixture(t, providers.ChatResponse{Content: "ok"})

	stale := &store.Conversation{
		ID:        store.GenNewID(),
		Title:     "stale",
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := f.stores.Conversations.Create(context.Background(), stale); err != nil {
		t.Fatal(err)
	}

	msg := ingress("new topic")
	f.sup.HandleMessage(context.Background(), msg)

	if msg.ConversationID == stale.ID {
		t.Fatal("stale conversation should not be reused")
	}
}

func TestHandleMessageEmptyResponsePersistsNothing(t *testing.T) {
	f := newSupFixture(t, providers.ChatResponse{Content: ""})

	msg := ingress("say nothing")
	f.sup.HandleMessage(context.Background(), msg)

	msgs := convMessages(t, f.stores, msg.ConversationID)
	if len(msgs) != 1 {
		t.Fatalf("persisted %d rows, want only the ingress row", len(msgs))
	}
	if f.sink.errorCount() != 0 {
		t.Error("empty response is not an error")
	}
}

func TestHandleMessageHistoryExcludesEventRows(t *testing.T) {
	f := newSupFixture(t, providers.ChatResponse{Content: "a2"})

	conv := &store.Conversation{ID: store.GenNewID(), Title: "t", UpdatedAt: time.Now().UTC()}
	if err := f.stores.Conversations.Create(context.Background(), conv); err != nil {
		t.Fatal(err)
	}
	rows := []*store.Message{
		{ID: store.GenNewID(), ConversationID: conv.ID, Role: store.RoleUser, Content: "q1"},
		{ID: store.GenNewID(), ConversationID: conv.ID, Role: store.RoleAssistant, Content: "a1"},
		{ID: store.GenNewID(), ConversationID: conv.ID, Role: store.RoleAssistant, Content: "delegated",
			Metadata: store.MessageMetadata{Type: store.TypeDelegation}},
		{ID: store.GenNewID(), ConversationID: conv.ID, Role: store.RoleAssistant, Content: "oops",
			Metadata: store.MessageMetadata{Type: store.TypeError, IsError: true}},
	}
	for _, r := range rows {
		if err := f.stores.Messages.Create(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}

	msg := ingress("q2")
	msg.ConversationID = conv.ID
	f.sup.HandleMessage(context.Background(), msg)

	req := f.prov.request(0)
	// system, q1, a1, live q2. Event rows and the already-persisted ingress
	// stay out.
	if len(req.Messages) != 4 {
		t.Fatalf("request carried %d messages: %+v", len(req.Messages), req.Messages)
	}
	if req.Messages[1].Content != "q1" || req.Messages[2].Content != "a1" {
		t.Errorf("history = %+v", req.Messages[1:3])
	}
	if req.Messages[3].Role != store.RoleUser || req.Messages[3].Content != "q2" {
		t.Errorf("live turn = %+v", req.Messages[3])
	}
}

func TestHandleMessageProviderErrorEmitsErrorEvent(t *testing.T) {
	f := newSupFixture(t)
	f.prov.err = context.DeadlineExceeded

	msg := ingress("doomed")
	f.sup.HandleMessage(context.Background(), msg)

	msgs := convMessages(t, f.stores, msg.ConversationID)
	var errRows int
	for _, m := range msgs {
		if m.Metadata.Type == store.TypeError {
			errRows++
			if strings.Contains(m.Content, "deadline") {
				t.Errorf("raw error leaked into persisted content: %q", m.Content)
			}
		}
	}
	if errRows != 1 {
		t.Fatalf("persisted %d error rows, want 1", errRows)
	}
	if f.sink.errorCount() != 1 {
		t.Fatalf("sink errors = %d, want 1", f.sink.errorCount())
	}
}

func TestHandleMessageCommandTriggerShortcut(t *testing.T) {
	f := newSupFixture(t, providers.ChatResponse{Content: "worker findings"})

	msg := ingress("dig into goroutine leaks")
	msg.Metadata.Command = "research"
	f.sup.HandleMessage(context.Background(), msg)

	// One model call total: the worker's. No top-level supervisor call.
	if n := f.prov.callCount(); n != 1 {
		t.Fatalf("provider called %d times, want 1", n)
	}

	msgs := convMessages(t, f.stores, msg.ConversationID)
	var delegations, workerRows int
	for _, m := range msgs {
		switch {
		case m.Metadata.Type == store.TypeDelegation:
			delegations++
			if m.Metadata.WorkerType != "researcher" {
				t.Errorf("worker type = %q", m.Metadata.WorkerType)
			}
		case m.Role == store.RoleAssistant && m.Content == "worker findings":
			workerRows++
			if !strings.HasPrefix(m.Metadata.AgentID, "researcher-") {
				t.Errorf("worker row attributed to %q", m.Metadata.AgentID)
			}
		}
	}
	if delegations != 1 || workerRows != 1 {
		t.Fatalf("delegations = %d, worker rows = %d", delegations, workerRows)
	}
}

func TestHandleMessageDelegatesAtMostOnce(t *testing.T) {
	delegateCall := providers.ChatResponse{
		FinishReason: "tool_calls",
		ToolCalls: []providers.ToolCall{{
			ID:   "c1",
			Name: "delegate",
			Arguments: map[string]interface{}{
				"type":    "researcher",
				"mission": "dig into the logs",
			},
		}},
	}
	secondDelegate := delegateCall
	secondDelegate.ToolCalls = []providers.ToolCall{{
		ID:   "c2",
		Name: "delegate",
		Arguments: map[string]interface{}{
			"type":    "researcher",
			"mission": "dig again",
		},
	}}

	f := newSupFixture(t,
		delegateCall,                                 // supervisor iteration 1
		providers.ChatResponse{Content: "dug it"},    // worker turn
		secondDelegate,                               // supervisor iteration 2
		providers.ChatResponse{Content: "final answer"}, // supervisor iteration 3
	)

	msg := ingress("investigate")
	f.sup.HandleMessage(context.Background(), msg)

	msgs := convMessages(t, f.stores, msg.ConversationID)
	var delegations int
	var finalSeen bool
	for _, m := range msgs {
		if m.Metadata.Type == store.TypeDelegation {
			delegations++
		}
		if m.Role == store.RoleAssistant && m.Content == "final answer" {
			finalSeen = true
		}
	}
	if delegations != 1 {
		t.Fatalf("delegation events = %d, want 1 (re-delegation suppressed)", delegations)
	}
	if !finalSeen {
		t.Fatal("final supervisor answer not persisted")
	}

	// The suppressed second call got a tool result telling the model to stop.
	req := f.prov.request(3)
	last := req.Messages[len(req.Messages)-1]
	if last.Role != store.RoleTool || !strings.Contains(last.Content, "already handling") {
		t.Errorf("suppression result = %+v", last)
	}

	if live := f.reg.LiveInstances(); len(live) != 0 {
		t.Errorf("workers still tracked after the turn: %+v", live)
	}
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello world", "hello world"},
		{"  first line\nsecond line", "first line"},
		{"", "New conversation"},
		{"\n\n", "New conversation"},
	}
	for _, tt := range tests {
		if got := deriveTitle(tt.in); got != tt.want {
			t.Errorf("deriveTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
