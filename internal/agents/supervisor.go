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

// Turn lifecycle constants.
const (
	MessageDedupWindow       = 5 * time.Minute
	RecentConversationWindow = 10 * time.Minute
	MaxToolIterations        = 10
	MaxToolIterationsPlan    = 30
	AutoNameThreshold        = 3
	titlePreviewLen          = 80
	dedupeMaxEntries         = 5000
)

// SupervisorConfig configures a new Supervisor.
type SupervisorConfig struct {
	Identity Identity

	Provider    providers.Provider
	Model       string
	MaxTokens   int
	Temperature float64

	// NamerProvider/NamerModel drive conversation auto-titling. Nil/empty
	// fall back to the main provider and model.
	NamerProvider providers.Provider
	NamerModel    string

	MaxIter     int
	MaxIterPlan int

	Runner    *tools.Runner
	Events    *events.Service
	Stores    *store.Stores
	Registry  *registry.Registry
	Collector *tracing.Collector
	Results   *bus.ResultBoard
	Sink      channel.Sink
}

// Supervisor is the top-level dispatcher: it owns conversation and turn
// lifecycle, deduplicates retries, runs the streaming tool loop, and spawns
// workers through its delegate manager.
type Supervisor struct {
	BaseAgent

	registry  *registry.Registry
	delegates *DelegateManager

	maxIter     int
	maxIterPlan int
	temperature float64

	namer      providers.Provider
	namerModel string

	// processing and delegated absorb channel retries; entries evict after
	// the dedup window via the cache's background ticker.
	processing *bus.DedupeCache
	delegated  *bus.DedupeCache

	named    sync.Map // convID -> struct{}, auto-name fired
	msgCount sync.Map // convID -> *atomic-ish count under countMu
	countMu  sync.Mutex
}

// NewSupervisor creates a supervisor and its delegate manager.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = MaxToolIterations
	}
	if cfg.MaxIterPlan <= 0 {
		cfg.MaxIterPlan = MaxToolIterationsPlan
	}
	if cfg.NamerProvider == nil {
		cfg.NamerProvider = cfg.Provider
	}
	if cfg.NamerModel == "" {
		cfg.NamerModel = cfg.Model
	}

	s := &Supervisor{
		BaseAgent: BaseAgent{
			Identity: cfg.Identity,
			Capabilities: Capabilities{
				CanSpawnAgents: true,
			},
			Provider:  cfg.Provider,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Runner:    cfg.Runner,
			Events:    cfg.Events,
			Stores:    cfg.Stores,
			Collector: cfg.Collector,
		},
		registry:    cfg.Registry,
		maxIter:     cfg.MaxIter,
		maxIterPlan: cfg.MaxIterPlan,
		temperature: cfg.Temperature,
		namer:       cfg.NamerProvider,
		namerModel:  cfg.NamerModel,
		processing:  bus.NewDedupeCache(MessageDedupWindow, dedupeMaxEntries),
		delegated:   bus.NewDedupeCache(MessageDedupWindow, dedupeMaxEntries),
	}
	s.delegates = &DelegateManager{
		Parent:      cfg.Identity,
		Registry:    cfg.Registry,
		Results:     cfg.Results,
		Events:      cfg.Events,
		Stores:      cfg.Stores,
		Runner:      cfg.Runner,
		Collector:   cfg.Collector,
		Provider:    cfg.Provider,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		MaxIter:     cfg.MaxIter,
		Sink:        cfg.Sink,
	}
	if cfg.Sink != nil {
		s.RegisterChannel(cfg.Sink)
	}
	return s
}

// Shutdown stops the background eviction tickers.
func (s *Supervisor) Shutdown() {
	s.processing.Stop()
	s.delegated.Stop()
}

// HandleMessage processes one ingress message as a complete turn. Safe to
// call concurrently; a repeat delivery of the same message id within the
// dedup window is a no-op.
func (s *Supervisor) HandleMessage(ctx context.Context, msg *store.Message) {
	if s.processing.Seen(msg.ID.String()) {
		slog.Info("duplicate message ignored", "message", msg.ID, "agent", s.Identity.ID)
		return
	}

	isTaskRun := msg.Metadata.Type == store.TypeTaskRun

	conv, err := s.selectConversation(ctx, msg, isTaskRun)
	if err != nil {
		slog.Error("conversation selection failed", "message", msg.ID, "error", err)
		return
	}
	msg.ConversationID = conv.ID

	// Persist ingress if the front door has not already; idempotent on id.
	if err := s.Events.EmitUserMessage(ctx, msg); err != nil {
		slog.Warn("failed to persist ingress message", "message", msg.ID, "error", err)
	}
	s.bumpMessageCount(conv.ID)

	turnID := msg.TurnID
	if turnID == "" {
		turnID = msg.ID.String()
	}

	ctx = store.WithAgentID(ctx, s.Identity.ID)
	ctx = store.WithConversationID(ctx, conv.ID)
	ctx = store.WithTurnID(ctx, turnID)
	ctx = store.WithCallerID(ctx, s.CallerID(conv.ID))

	var traceID, rootSpanID uuid.UUID
	if s.Collector != nil {
		traceID = s.Collector.StartTrace(ctx, tracing.TraceMeta{
			TurnID:         turnID,
			ConversationID: conv.ID,
			AgentID:        s.Identity.ID,
			Name:           "turn " + s.Identity.ID,
			InputPreview:   msg.Content,
		})
		ctx = tracing.WithTraceID(ctx, traceID)
		ctx = tracing.WithCollector(ctx, s.Collector)
		rootSpanID = s.Collector.StartSpan(ctx, tracing.SpanMeta{
			TraceID:      traceID,
			SpanType:     store.SpanTypeAgent,
			Name:         "supervisor " + s.Identity.ID,
			AgentID:      s.Identity.ID,
			InputPreview: msg.Content,
		})
		if rootSpanID != uuid.Nil {
			ctx = tracing.WithParentSpanID(ctx, rootSpanID)
		}
	}

	var turnErr error
	defer func() {
		// The single cleanup path: close span and trace whatever happened.
		// Dedup eviction is time-based and needs no action here.
		if s.Collector != nil {
			s.Collector.EndSpan(ctx, rootSpanID, turnErr)
			status := store.TraceOK
			errMsg := ""
			if turnErr != nil {
				status = store.TraceError
				errMsg = turnErr.Error()
			}
			s.Collector.EndTrace(ctx, traceID, status, errMsg, "")
		}
	}()

	// Command shortcut: a registered trigger routes straight to delegation
	// with no top-level model call.
	if cmd := msg.Metadata.Command; cmd != "" {
		if tmpl, ok := s.registry.TemplateForCommand(cmd); ok {
			turnErr = s.runCommandTurn(ctx, msg, conv, turnID, cmd, tmpl)
			return
		}
	}

	turnErr = s.runModelTurn(ctx, msg, conv, turnID, isTaskRun)

	if turnErr == nil {
		s.maybeAutoName(conv)
	}
}

// runModelTurn drives the streaming tool loop for one turn.
func (s *Supervisor) runModelTurn(ctx context.Context, msg *store.Message, conv *store.Conversation, turnID string, isTaskRun bool) error {
	// Scheduled turns run independently of prior context.
	var history []providers.Message
	if !isTaskRun {
		var err error
		history, err = loadLLMHistory(ctx, s.Stores.Messages, conv.ID)
		if err != nil {
			slog.Warn("history load failed, continuing without", "conversation", conv.ID, "error", err)
		} else if n := len(history); n > 0 {
			// The ingress message was already persisted; drop it from history
			// since the loop appends it as the live user turn.
			if history[n-1].Role == store.RoleUser && history[n-1].Content == msg.Content {
				history = history[:n-1]
			}
		}
	}

	allowList := s.effectiveTools(msg.Metadata.AllowedTools)
	prompt := buildSystemPrompt(s.Identity, s.Capabilities, s.registry, "", allowList)

	hooks := &delegationHooks{
		onDelegate: func(ctx context.Context, args map[string]interface{}) (string, []store.Citation, error) {
			// At most one worker per parent message; a repeat delegate call
			// from the model is a no-op.
			if s.delegated.Seen(msg.ID.String()) {
				slog.Info("re-delegation suppressed", "message", msg.ID)
				return "A worker is already handling this request. Do not delegate again; use the result you already have.", nil, nil
			}
			req, perr := parseDelegationArgs(args)
			if perr != nil {
				s.delegated.Forget(msg.ID.String())
				return "", nil, perr
			}
			req.Original = msg
			req.ConvID = conv.ID
			req.TurnID = turnID
			return s.delegates.HandleDelegation(ctx, req)
		},
		onDelegateTodo: func(ctx context.Context, todo *store.TurnTodo, args map[string]interface{}) (string, []store.Citation, error) {
			mission := todo.Title
			if extra, _ := args["mission"].(string); extra != "" {
				mission = mission + "\n\n" + extra
			}
			agentType := todo.AgentType
			if agentType == "" {
				agentType = "researcher"
			}
			return s.delegates.HandleDelegation(ctx, DelegationRequest{
				Type:      agentType,
				Mission:   mission,
				Rationale: fmt.Sprintf("plan item %q", todo.Title),
				Original:  msg,
				ConvID:    conv.ID,
				TurnID:    turnID,
			})
		},
	}

	out, err := s.runToolLoop(ctx, loopInput{
		Conv:         conv,
		TurnID:       turnID,
		SystemPrompt: prompt,
		History:      history,
		UserContent:  msg.Content,
		AllowList:    allowList,
		MaxIter:      s.maxIter,
		MaxIterPlan:  s.maxIterPlan,
		Temperature:  s.temperature,
		Hooks:        hooks,
	})
	if err != nil {
		s.Events.EmitErrorEvent(ctx, err, conv.ID, s.Identity.event(), turnID)
		if s.sink != nil {
			s.sink.SendError("Request failed", "The assistant could not complete this request.", conv.ID)
		}
		return err
	}

	// An empty response persists nothing; the turn still ends cleanly.
	if out.Content != "" {
		if _, serr := s.SaveAssistantMessage(ctx, out.Content, conv.ID, turnID, events.AssistantOpts{
			Citations: out.Citations,
			Usage:     &out.Usage,
		}); serr != nil {
			slog.Error("failed to persist assistant message", "conversation", conv.ID, "turn", turnID, "error", serr)
		} else {
			s.bumpMessageCount(conv.ID)
		}
	}
	return nil
}

// runCommandTurn handles a command-trigger shortcut: straight to delegation,
// no top-level model call.
func (s *Supervisor) runCommandTurn(ctx context.Context, msg *store.Message, conv *store.Conversation, turnID, cmd string, tmpl registry.Template) error {
	if s.delegated.Seen(msg.ID.String()) {
		slog.Info("re-delegation suppressed", "message", msg.ID, "command", cmd)
		return nil
	}
	_, _, err := s.delegates.HandleDelegation(ctx, DelegationRequest{
		Type:      tmpl.Type,
		Mission:   msg.Content,
		Rationale: fmt.Sprintf("triggered by command %q", cmd),
		Original:  msg,
		ConvID:    conv.ID,
		TurnID:    turnID,
	})
	if err != nil {
		s.Events.EmitErrorEvent(ctx, err, conv.ID, s.Identity.event(), turnID)
		return err
	}
	return nil
}

// selectConversation resolves the target conversation for msg per the
// well-known rules: a well-known id is honored only for task_run traffic;
// any other ingress aimed at a well-known id gets a fresh conversation.
func (s *Supervisor) selectConversation(ctx context.Context, msg *store.Message, isTaskRun bool) (*store.Conversation, error) {
	if msg.ConversationID != uuid.Nil {
		conv, err := s.Stores.Conversations.FindByID(ctx, msg.ConversationID)
		switch {
		case err == nil:
			if conv.WellKnown && !isTaskRun {
				slog.Info("redirecting user message away from well-known conversation",
					"wellknown", conv.ID, "message", msg.ID)
				return s.createConversation(ctx, msg)
			}
			return conv, nil
		case err == store.ErrNotFound:
			return s.createConversation(ctx, msg)
		default:
			return nil, err
		}
	}
	return s.ensureConversation(ctx, msg)
}

// ensureConversation reuses a recently active conversation or creates a new
// one with a title derived from the first message.
func (s *Supervisor) ensureConversation(ctx context.Context, msg *store.Message) (*store.Conversation, error) {
	conv, err := s.Stores.Conversations.FindRecent(ctx, RecentConversationWindow)
	if err == nil {
		if uerr := s.Stores.Conversations.Update(ctx, conv.ID, store.ConversationPatch{Touch: true}); uerr != nil {
			slog.Warn("failed to touch conversation", "conversation", conv.ID, "error", uerr)
		}
		s.broadcast(bus.EventConversationUpdated, conv)
		return conv, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}
	return s.createConversation(ctx, msg)
}

func (s *Supervisor) createConversation(ctx context.Context, msg *store.Message) (*store.Conversation, error) {
	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:         store.GenNewID(),
		Title:      deriveTitle(msg.Content),
		ChannelTag: store.ChannelTagWeb,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Stores.Conversations.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.broadcast(bus.EventConversationCreated, conv)
	return conv, nil
}

func (s *Supervisor) broadcast(name string, conv *store.Conversation) {
	if s.sink != nil {
		s.sink.Broadcast(bus.Event{Name: name, Payload: conv})
	}
}

func (s *Supervisor) bumpMessageCount(convID uuid.UUID) {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	n, _ := s.msgCount.Load(convID)
	count, _ := n.(int)
	s.msgCount.Store(convID, count+1)
}

func (s *Supervisor) messageCount(convID uuid.UUID) int {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	n, _ := s.msgCount.Load(convID)
	count, _ := n.(int)
	return count
}

// deriveTitle takes the first line of content, bounded to the preview length.
func deriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if title == "" {
		return "New conversation"
	}
	return tracing.Truncate(title, titlePreviewLen)
}
