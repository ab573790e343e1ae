// Package schedule runs cron-cadence background tasks. A due task is
// synthesized into a task_run message with a pre-allocated turn id and
// delivered through the same front door as interactive ingress.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/events"
	"github.com/praxislabs/conductor/internal/store"
)

const defaultTick = time.Minute

// Deliver pushes a synthesized message into the front door.
type Deliver func(msg *store.Message)

// Scheduler ticks over enabled tasks and fires the due ones.
type Scheduler struct {
	tasks   store.TaskStore
	convs   store.ConversationStore
	events  *events.Service
	deliver Deliver
	tick    time.Duration
	cron    *gronx.Gronx
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the default 60s tick.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// New creates a scheduler delivering due tasks through deliver.
func New(tasks store.TaskStore, convs store.ConversationStore, ev *events.Service, deliver Deliver, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:   tasks,
		convs:   convs,
		events:  ev,
		deliver: deliver,
		tick:    defaultTick,
		cron:    gronx.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started", "tick", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.RunOnce(ctx, now.UTC())
		}
	}
}

// RunOnce fires every enabled task due at now. Exposed for tests and for a
// manual kick after startup.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) {
	tasks, err := s.tasks.FindEnabled(ctx)
	if err != nil {
		slog.Error("scheduler: failed to list tasks", "error", err)
		return
	}
	for i := range tasks {
		task := &tasks[i]
		due, err := s.isDue(task, now)
		if err != nil {
			slog.Warn("scheduler: bad cadence", "task", task.Name, "cadence", task.Cadence, "error", err)
			continue
		}
		if !due {
			continue
		}
		if err := s.fire(ctx, task, now); err != nil {
			slog.Error("scheduler: task fire failed", "task", task.Name, "error", err)
		}
	}
}

// isDue checks the cron cadence, also catching up when a tick was missed:
// a task whose next run time has passed is due.
func (s *Scheduler) isDue(task *store.ScheduledTask, now time.Time) (bool, error) {
	if task.NextRun != nil {
		return !task.NextRun.After(now), nil
	}
	return s.cron.IsDue(task.Cadence, now)
}

func (s *Scheduler) fire(ctx context.Context, task *store.ScheduledTask, now time.Time) error {
	convID, err := s.taskConversation(ctx, task)
	if err != nil {
		return err
	}

	cfgJSON, _ := json.Marshal(task.Config)
	content := fmt.Sprintf("Scheduled task %q is due. Configuration:\n%s", task.Name, cfgJSON)

	msg, err := s.events.EmitTaskRunEvent(ctx, events.TaskRunParams{
		TaskID:       task.ID.String(),
		TaskName:     task.Name,
		Content:      content,
		AllowedTools: task.Config.AllowedTools,
	}, convID)
	if err != nil {
		return fmt.Errorf("emit task_run: %w", err)
	}

	slog.Info("scheduled task fired", "task", task.Name, "turn", msg.TurnID, "conversation", convID)
	s.deliver(msg)

	next, nerr := gronx.NextTickAfter(task.Cadence, now, false)
	var nextRun *time.Time
	if nerr == nil {
		n := next.UTC()
		nextRun = &n
	}
	if err := s.tasks.MarkRun(ctx, task.ID, now, nextRun); err != nil {
		return fmt.Errorf("mark run: %w", err)
	}
	return nil
}

// taskConversation resolves the task's configured conversation, creating a
// well-known conversation named after the task when none exists yet.
func (s *Scheduler) taskConversation(ctx context.Context, task *store.ScheduledTask) (uuid.UUID, error) {
	if task.Config.ConversationID == nil {
		return uuid.Nil, fmt.Errorf("task %s has no conversation configured", task.Name)
	}
	convID := *task.Config.ConversationID
	_, err := s.convs.FindByID(ctx, convID)
	switch {
	case err == nil:
		return convID, nil
	case err == store.ErrNotFound:
		now := time.Now().UTC()
		conv := &store.Conversation{
			ID:        convID,
			Title:     task.Name,
			WellKnown: true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if cerr := s.convs.Create(ctx, conv); cerr != nil {
			return uuid.Nil, fmt.Errorf("create well-known conversation: %w", cerr)
		}
		return convID, nil
	default:
		return uuid.Nil, err
	}
}
