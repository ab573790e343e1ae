package sqldb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/praxislabs/conductor/internal/store"
)

func newTestDB(t *testing.T) (*DB, *store.Stores) {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db, NewStores(db)
}

func TestMigrateIdempotent(t *testing.T) {
	db, _ := newTestDB(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	v, dirty, err := Version(db)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v == 0 || dirty {
		t.Fatalf("version = %d, dirty = %v", v, dirty)
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	if got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &DB{driver: DriverSQLite}
	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	if got := lite.rebind(q); got != q {
		t.Errorf("sqlite rebind changed the query: %q", got)
	}
}

func TestConversationStore(t *testing.T) {
	_, stores := newTestDB(t)
	ctx := context.Background()

	conv := &store.Conversation{ID: store.GenNewID(), Title: "first", ChannelTag: store.ChannelTagWeb}
	if err := stores.Conversations.Create(ctx, conv); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := stores.Conversations.FindByID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Title != "first" || got.ChannelTag != store.ChannelTagWeb {
		t.Fatalf("round trip: %+v", got)
	}

	title := "renamed"
	manual := true
	if err := stores.Conversations.Update(ctx, conv.ID, store.ConversationPatch{Title: &title, ManuallyNamed: &manual}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = stores.Conversations.FindByID(ctx, conv.ID)
	if got.Title != "renamed" || !got.ManuallyNamed {
		t.Fatalf("after update: %+v", got)
	}

	// Well-known conversations never surface through FindRecent.
	wk := &store.Conversation{ID: store.GenNewID(), Title: "tasks", WellKnown: true}
	if err := stores.Conversations.Create(ctx, wk); err != nil {
		t.Fatal(err)
	}
	recent, err := stores.Conversations.FindRecent(ctx, time.Hour)
	if err != nil {
		t.Fatalf("FindRecent: %v", err)
	}
	if recent.ID != conv.ID {
		t.Fatalf("recent = %s, want %s", recent.ID, conv.ID)
	}

	all, err := stores.Conversations.FindAll(ctx, store.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("FindAll = %d rows", len(all))
	}

	if err := stores.Conversations.SoftDelete(ctx, conv.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if _, err := stores.Conversations.FindByID(ctx, conv.ID); err != store.ErrNotFound {
		t.Fatalf("deleted conversation lookup err = %v", err)
	}

	// Well-known conversations cannot be deleted.
	if err := stores.Conversations.SoftDelete(ctx, wk.ID); err != store.ErrNotFound {
		t.Fatalf("well-known delete err = %v", err)
	}
}

func TestMessageStore(t *testing.T) {
	_, stores := newTestDB(t)
	ctx := context.Background()
	convID := store.GenNewID()

	base := time.Now().UTC().Truncate(time.Second)
	first := &store.Message{
		ID:             store.GenNewID(),
		ConversationID: convID,
		TurnID:         "turn-1",
		Role:           store.RoleUser,
		Content:        "what changed?",
		CreatedAt:      base,
	}
	second := &store.Message{
		ID:             store.GenNewID(),
		ConversationID: convID,
		TurnID:         "turn-1",
		Role:           store.RoleAssistant,
		Content:        "two things",
		Metadata: store.MessageMetadata{
			AgentID:   "sup-1",
			Citations: []store.Citation{{URL: "https://example.com", Title: "Example"}},
		},
		CreatedAt: base.Add(time.Second),
	}
	for _, m := range []*store.Message{first, second} {
		if err := stores.Messages.Create(ctx, m); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	// Re-creating the same id is a no-op.
	dup := *first
	dup.Content = "mutated"
	if err := stores.Messages.Create(ctx, &dup); err != nil {
		t.Fatalf("duplicate Create: %v", err)
	}

	rows, err := stores.Messages.FindByConversation(ctx, convID, store.MessageQuery{Limit: 10})
	if err != nil {
		t.Fatalf("FindByConversation: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Content != "what changed?" || rows[1].Content != "two things" {
		t.Fatalf("order wrong: %q, %q", rows[0].Content, rows[1].Content)
	}
	if len(rows[1].Metadata.Citations) != 1 || rows[1].Metadata.Citations[0].URL != "https://example.com" {
		t.Fatalf("metadata round trip: %+v", rows[1].Metadata)
	}

	// Descending with a limit keeps the newest row, not the oldest.
	newest, err := stores.Messages.FindByConversation(ctx, convID, store.MessageQuery{Limit: 1, Descending: true})
	if err != nil {
		t.Fatalf("FindByConversation descending: %v", err)
	}
	if len(newest) != 1 || newest[0].Content != "two things" {
		t.Fatalf("descending window = %+v, want the newest row", newest)
	}

	got, err := stores.Messages.FindByID(ctx, second.ID)
	if err != nil || got.TurnID != "turn-1" {
		t.Fatalf("FindByID: %v, %+v", err, got)
	}

	n, err := stores.Messages.CountByConversation(ctx, convID)
	if err != nil || n != 2 {
		t.Fatalf("count = %d, err = %v", n, err)
	}

	hits, err := stores.Messages.Search(ctx, "two things", store.SearchOpts{Limit: 10})
	if err != nil || len(hits) != 1 {
		t.Fatalf("search = %+v, err = %v", hits, err)
	}

	if err := stores.Messages.DeleteByConversation(ctx, convID); err != nil {
		t.Fatalf("DeleteByConversation: %v", err)
	}
	if n, _ := stores.Messages.CountByConversation(ctx, convID); n != 0 {
		t.Fatalf("count after delete = %d", n)
	}
}

func TestTodoStore(t *testing.T) {
	_, stores := newTestDB(t)
	ctx := context.Background()

	todo := &store.TurnTodo{
		ID:     store.GenNewID(),
		TurnID: "turn-1",
		Title:  "collect sources",
		Status: store.TodoPending,
	}
	if err := stores.Todos.Create(ctx, todo); err != nil {
		t.Fatalf("Create: %v", err)
	}

	todos, err := stores.Todos.FindByTurn(ctx, "turn-1")
	if err != nil || len(todos) != 1 {
		t.Fatalf("FindByTurn: %v, %d rows", err, len(todos))
	}

	now := time.Now().UTC()
	done := store.TodoCompleted
	outcome := "collected 5 sources"
	if err := stores.Todos.Update(ctx, todo.ID, store.TodoPatch{
		Status:      &done,
		Outcome:     &outcome,
		CompletedAt: &now,
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	todos, _ = stores.Todos.FindByTurn(ctx, "turn-1")
	if todos[0].Status != store.TodoCompleted || todos[0].Outcome != outcome || todos[0].CompletedAt == nil {
		t.Fatalf("after update: %+v", todos[0])
	}

	counts, err := stores.Todos.CountByStatus(ctx, "turn-1")
	if err != nil || counts[store.TodoCompleted] != 1 {
		t.Fatalf("counts = %+v, err = %v", counts, err)
	}

	if err := stores.Todos.Update(ctx, store.GenNewID(), store.TodoPatch{Status: &done}); err != store.ErrNotFound {
		t.Fatalf("unknown todo update err = %v", err)
	}
}

func TestTaskStore(t *testing.T) {
	_, stores := newTestDB(t)
	ctx := context.Background()

	convID := store.GenNewID()
	task := &store.ScheduledTask{
		ID:      store.GenNewID(),
		Name:    "daily-digest",
		Cadence: "0 9 * * *",
		Config: store.TaskConfig{
			ConversationID: &convID,
			AllowedTools:   []string{"web_*"},
		},
		Enabled: true,
	}
	if err := stores.Tasks.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	disabled := &store.ScheduledTask{ID: store.GenNewID(), Name: "off", Cadence: "* * * * *"}
	if err := stores.Tasks.Create(ctx, disabled); err != nil {
		t.Fatal(err)
	}

	enabled, err := stores.Tasks.FindEnabled(ctx)
	if err != nil {
		t.Fatalf("FindEnabled: %v", err)
	}
	if len(enabled) != 1 || enabled[0].Name != "daily-digest" {
		t.Fatalf("enabled = %+v", enabled)
	}
	if enabled[0].Config.ConversationID == nil || *enabled[0].Config.ConversationID != convID {
		t.Fatalf("config round trip: %+v", enabled[0].Config)
	}

	last := time.Now().UTC()
	next := last.Add(24 * time.Hour)
	if err := stores.Tasks.MarkRun(ctx, task.ID, last, &next); err != nil {
		t.Fatalf("MarkRun: %v", err)
	}
	got, err := stores.Tasks.FindByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.LastRun == nil || got.NextRun == nil {
		t.Fatalf("run watermarks not recorded: %+v", got)
	}

	if err := stores.Tasks.SetEnabled(ctx, task.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if enabled, _ := stores.Tasks.FindEnabled(ctx); len(enabled) != 0 {
		t.Fatalf("still enabled: %+v", enabled)
	}

	if _, err := stores.Tasks.FindByID(ctx, store.GenNewID()); err != store.ErrNotFound {
		t.Fatalf("unknown task err = %v", err)
	}
}

func TestTraceStore(t *testing.T) {
	_, stores := newTestDB(t)
	ctx := context.Background()

	trace := &store.TraceData{
		ID:             store.GenNewID(),
		TurnID:         "turn-1",
		ConversationID: store.GenNewID(),
		AgentID:        "sup-1",
		Name:           "turn sup-1",
		Status:         store.TraceRunning,
		InputPreview:   "hello",
		StartTime:      time.Now().UTC(),
	}
	if err := stores.Traces.CreateTrace(ctx, trace); err != nil {
		t.Fatalf("CreateTrace: %v", err)
	}

	span := &store.SpanData{
		ID:        store.GenNewID(),
		TraceID:   trace.ID,
		SpanType:  store.SpanTypeLLMCall,
		Name:      "llm call 1",
		AgentID:   "sup-1",
		Status:    store.TraceRunning,
		Model:     "test-model",
		Provider:  "scripted",
		StartTime: time.Now().UTC(),
	}
	if err := stores.Traces.CreateSpan(ctx, span); err != nil {
		t.Fatalf("CreateSpan: %v", err)
	}

	if err := stores.Traces.FinishSpan(ctx, span.ID, store.TraceOK, "", time.Now().UTC().Add(50*time.Millisecond)); err != nil {
		t.Fatalf("FinishSpan: %v", err)
	}
	gotSpan, err := stores.Traces.GetSpanByID(ctx, span.ID)
	if err != nil {
		t.Fatalf("GetSpanByID: %v", err)
	}
	if gotSpan.Status != store.TraceOK || gotSpan.EndTime == nil || gotSpan.DurationMS < 0 {
		t.Fatalf("finished span: %+v", gotSpan)
	}

	if err := stores.Traces.FinishTrace(ctx, trace.ID, store.TraceOK, "", "done"); err != nil {
		t.Fatalf("FinishTrace: %v", err)
	}
	gotTrace, err := stores.Traces.GetTraceByID(ctx, trace.ID)
	if err != nil {
		t.Fatalf("GetTraceByID: %v", err)
	}
	if gotTrace.Status != store.TraceOK || gotTrace.OutputPreview != "done" || gotTrace.EndTime == nil {
		t.Fatalf("finished trace: %+v", gotTrace)
	}

	if err := stores.Traces.FinishSpan(ctx, store.GenNewID(), store.TraceOK, "", time.Now().UTC()); err != store.ErrNotFound {
		t.Fatalf("unknown span finish err = %v", err)
	}
}

func TestSignalStore(t *testing.T) {
	_, stores := newTestDB(t)
	ctx := context.Background()
	convID := store.GenNewID()

	for i := 1; i <= 3; i++ {
		seq, err := stores.Signals.Append(ctx, &store.Signal{
			ConversationID: convID,
			Kind:           "notify",
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq != int64(i) {
			t.Fatalf("seq = %d, want %d", seq, i)
		}
	}

	sigs, err := stores.Signals.ListAfter(ctx, 1, 10)
	if err != nil {
		t.Fatalf("ListAfter: %v", err)
	}
	if len(sigs) != 2 || sigs[0].Seq != 2 || sigs[1].Seq != 3 {
		t.Fatalf("signals = %+v", sigs)
	}

	if sigs, _ := stores.Signals.ListAfter(ctx, 0, 1); len(sigs) != 1 || sigs[0].Seq != 1 {
		t.Fatalf("limited poll = %+v", sigs)
	}
}
