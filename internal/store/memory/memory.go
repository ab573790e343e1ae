// Package memory provides mutex-guarded in-memory implementations of the
// store interfaces. Used in standalone mode and by tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/store"
)

// NewStores returns a fully in-memory store container.
func NewStores() *store.Stores {
	return &store.Stores{
		Conversations: NewConversationStore(),
		Messages:      NewMessageStore(),
		Todos:         NewTodoStore(),
		Tasks:         NewTaskStore(),
		Traces:        NewTraceStore(),
		Signals:       NewSignalStore(),
	}
}

// ConversationStore is an in-memory store.ConversationStore.
type ConversationStore struct {
	mu    sync.RWMutex
	rows  map[uuid.UUID]*store.Conversation
	order []uuid.UUID // insertion order, for stable FindAll
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{rows: make(map[uuid.UUID]*store.Conversation)}
}

func (s *ConversationStore) FindByID(_ context.Context, id uuid.UUID) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.rows[id]
	if !ok || c.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *ConversationStore) FindRecent(_ context.Context, window time.Duration) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-window)
	var best *store.Conversation
	for _, c := range s.rows {
		if c.DeletedAt != nil || c.WellKnown || c.UpdatedAt.Before(cutoff) {
			continue
		}
		if best == nil || c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *ConversationStore) FindAll(_ context.Context, opts store.ListOpts) ([]store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Conversation, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		c := s.rows[s.order[i]]
		if c.DeletedAt != nil && !opts.IncludeDeleted {
			continue
		}
		out = append(out, *c)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *ConversationStore) Create(_ context.Context, c *store.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if _, exists := s.rows[c.ID]; exists {
		return nil
	}
	cp := *c
	s.rows[c.ID] = &cp
	s.order = append(s.order, c.ID)
	return nil
}

func (s *ConversationStore) Update(_ context.Context, id uuid.UUID, patch store.ConversationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[id]
	if !ok || c.DeletedAt != nil {
		return store.ErrNotFound
	}
	if patch.Title != nil {
		c.Title = *patch.Title
	}
	if patch.ChannelTag != nil {
		c.ChannelTag = *patch.ChannelTag
	}
	if patch.ManuallyNamed != nil {
		c.ManuallyNamed = *patch.ManuallyNamed
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *ConversationStore) SoftDelete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	c.DeletedAt = &now
	return nil
}

// MessageStore is an in-memory store.MessageStore.
type MessageStore struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*store.Message
	byConv map[uuid.UUID][]*store.Message // in createdAt order
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:   make(map[uuid.UUID]*store.Message),
		byConv: make(map[uuid.UUID][]*store.Message),
	}
}

func (s *MessageStore) Create(_ context.Context, m *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = store.GenNewID()
	}
	if _, exists := s.byID[m.ID]; exists {
		return nil // idempotent on id
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cp := *m
	s.byID[m.ID] = &cp
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], &cp)
	return nil
}

func (s *MessageStore) FindByID(_ context.Context, id uuid.UUID) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MessageStore) FindByConversation(_ context.Context, convID uuid.UUID, q store.MessageQuery) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.byConv[convID]
	candidates := make([]*store.Message, 0, len(rows))
	for _, m := range rows {
		if q.CursorCreatedAt != nil {
			// Keyset pagination: strictly after (createdAt, id).
			if m.CreatedAt.Before(*q.CursorCreatedAt) {
				continue
			}
			if m.CreatedAt.Equal(*q.CursorCreatedAt) && q.CursorID != nil && m.ID.String() <= q.CursorID.String() {
				continue
			}
		}
		candidates = append(candidates, m)
	}
	if q.Descending {
		for i, j := 0, len(candidates)-1; i < j; i, j = i+1, j-1 {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		}
	}
	out := make([]store.Message, 0, len(candidates))
	skipped := 0
	for _, m := range candidates {
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, *m)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MessageStore) Search(_ context.Context, query string, opts store.SearchOpts) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(query)
	var out []store.Message
	scan := func(rows []*store.Message) {
		for _, m := range rows {
			if strings.Contains(strings.ToLower(m.Content), needle) {
				out = append(out, *m)
				if opts.Limit > 0 && len(out) >= opts.Limit {
					return
				}
			}
		}
	}
	if opts.ConversationID != nil {
		scan(s.byConv[*opts.ConversationID])
		return out, nil
	}
	// Deterministic order across conversations.
	convIDs := make([]uuid.UUID, 0, len(s.byConv))
	for id := range s.byConv {
		convIDs = append(convIDs, id)
	}
	sort.Slice(convIDs, func(i, j int) bool { return convIDs[i].String() < convIDs[j].String() })
	for _, id := range convIDs {
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
		scan(s.byConv[id])
	}
	return out, nil
}

func (s *MessageStore) CountByConversation(_ context.Context, convID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byConv[convID]), nil
}

func (s *MessageStore) DeleteByConversation(_ context.Context, convID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byConv[convID] {
		delete(s.byID, m.ID)
	}
	delete(s.byConv, convID)
	return nil
}

// TodoStore is an in-memory store.TodoStore.
type TodoStore struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*store.TurnTodo
	byTurn map[string][]*store.TurnTodo
}

func NewTodoStore() *TodoStore {
	return &TodoStore{
		byID:   make(map[uuid.UUID]*store.TurnTodo),
		byTurn: make(map[string][]*store.TurnTodo),
	}
}

func (s *TodoStore) Create(_ context.Context, t *store.TurnTodo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = store.GenNewID()
	}
	if t.Status == "" {
		t.Status = store.TodoPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	cp := *t
	s.byID[t.ID] = &cp
	s.byTurn[t.TurnID] = append(s.byTurn[t.TurnID], &cp)
	return nil
}

func (s *TodoStore) FindByTurn(_ context.Context, turnID string) ([]store.TurnTodo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.byTurn[turnID]
	out := make([]store.TurnTodo, 0, len(rows))
	for _, t := range rows {
		out = append(out, *t)
	}
	return out, nil
}

func (s *TodoStore) CountByStatus(_ context.Context, turnID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, t := range s.byTurn[turnID] {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *TodoStore) Update(_ context.Context, id uuid.UUID, patch store.TodoPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Outcome != nil {
		t.Outcome = *patch.Outcome
	}
	if patch.StartedAt != nil {
		t.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		t.CompletedAt = patch.CompletedAt
	}
	return nil
}

// TaskStore is an in-memory store.TaskStore.
type TaskStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*store.ScheduledTask
}

func NewTaskStore() *TaskStore {
	return &TaskStore{rows: make(map[uuid.UUID]*store.ScheduledTask)}
}

func (s *TaskStore) FindEnabled(_ context.Context) ([]store.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.ScheduledTask, 0, len(s.rows))
	for _, t := range s.rows {
		if t.Enabled {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *TaskStore) FindByID(_ context.Context, id uuid.UUID) (*store.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *TaskStore) Create(_ context.Context, t *store.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = store.GenNewID()
	}
	cp := *t
	s.rows[t.ID] = &cp
	return nil
}

func (s *TaskStore) MarkRun(_ context.Context, id uuid.UUID, lastRun time.Time, nextRun *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	t.LastRun = &lastRun
	t.NextRun = nextRun
	return nil
}

func (s *TaskStore) SetEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Enabled = enabled
	return nil
}

// TraceStore is an in-memory store.TraceStore.
type TraceStore struct {
	mu     sync.RWMutex
	traces map[uuid.UUID]*store.TraceData
	spans  map[uuid.UUID]*store.SpanData
}

func NewTraceStore() *TraceStore {
	return &TraceStore{
		traces: make(map[uuid.UUID]*store.TraceData),
		spans:  make(map[uuid.UUID]*store.SpanData),
	}
}

func (s *TraceStore) CreateTrace(_ context.Context, t *store.TraceData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.traces[t.ID] = &cp
	return nil
}

func (s *TraceStore) FinishTrace(_ context.Context, id uuid.UUID, status, errMsg, outputPreview string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	t.Status = status
	t.Error = errMsg
	t.OutputPreview = outputPreview
	t.EndTime = &now
	return nil
}

func (s *TraceStore) GetTraceByID(_ context.Context, id uuid.UUID) (*store.TraceData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *TraceStore) CreateSpan(_ context.Context, sp *store.SpanData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sp
	s.spans[sp.ID] = &cp
	return nil
}

func (s *TraceStore) FinishSpan(_ context.Context, id uuid.UUID, status, errMsg string, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.spans[id]
	if !ok {
		return store.ErrNotFound
	}
	sp.Status = status
	sp.Error = errMsg
	sp.EndTime = &endTime
	sp.DurationMS = int(endTime.Sub(sp.StartTime).Milliseconds())
	return nil
}

func (s *TraceStore) GetSpanByID(_ context.Context, id uuid.UUID) (*store.SpanData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sp
	return &cp, nil
}

// SignalStore is an in-memory store.SignalStore.
type SignalStore struct {
	mu   sync.Mutex
	rows []store.Signal
	seq  int64
}

func NewSignalStore() *SignalStore {
	return &SignalStore{}
}

func (s *SignalStore) Append(_ context.Context, sig *store.Signal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	sig.Seq = s.seq
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	s.rows = append(s.rows, *sig)
	return sig.Seq, nil
}

func (s *SignalStore) ListAfter(_ context.Context, watermark int64, limit int) ([]store.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Signal
	for _, sig := range s.rows {
		if sig.Seq <= watermark {
			continue
		}
		out = append(out, sig)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
