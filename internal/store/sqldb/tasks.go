package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/store"
)

type taskStore struct {
	db *DB
}

const taskCols = "id, name, cadence, config, enabled, last_run, next_run"

func scanTask(row interface{ Scan(...interface{}) error }) (*store.ScheduledTask, error) {
	var t store.ScheduledTask
	var id, config string
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&id, &t.Name, &t.Cadence, &config, &t.Enabled, &lastRun, &nextRun); err != nil {
		return nil, err
	}
	var err error
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("bad task id %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(config), &t.Config); err != nil {
		return nil, fmt.Errorf("bad task config: %w", err)
	}
	if lastRun.Valid {
		v := lastRun.Time
		t.LastRun = &v
	}
	if nextRun.Valid {
		v := nextRun.Time
		t.NextRun = &v
	}
	return &t, nil
}

func (s *taskStore) FindEnabled(ctx context.Context) ([]store.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskCols+" FROM scheduled_tasks WHERE enabled = TRUE ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *taskStore) FindByID(ctx context.Context, id uuid.UUID) (*store.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, s.db.rebind(
		"SELECT "+taskCols+" FROM scheduled_tasks WHERE id = ?"), id.String())
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return t, err
}

func (s *taskStore) Create(ctx context.Context, t *store.ScheduledTask) error {
	config, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.rebind(
		"INSERT INTO scheduled_tasks ("+taskCols+") VALUES (?, ?, ?, ?, ?, ?, ?)"),
		t.ID.String(), t.Name, t.Cadence, string(config), t.Enabled, t.LastRun, t.NextRun)
	return err
}

func (s *taskStore) MarkRun(ctx context.Context, id uuid.UUID, lastRun time.Time, nextRun *time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.rebind(
		"UPDATE scheduled_tasks SET last_run = ?, next_run = ? WHERE id = ?"),
		lastRun, nextRun, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *taskStore) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	res, err := s.db.ExecContext(ctx, s.db.rebind(
		"UPDATE scheduled_tasks SET enabled = ? WHERE id = ?"), enabled, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
