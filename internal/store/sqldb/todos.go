package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/store"
)

type todoStore struct {
	db *DB
}

const todoCols = "id, turn_id, title, agent_type, status, outcome, started_at, completed_at, created_at"

func scanTodo(row interface{ Scan(...interface{}) error }) (*store.TurnTodo, error) {
	var t store.TurnTodo
	var id string
	var started, completed sql.NullTime
	if err := row.Scan(&id, &t.TurnID, &t.Title, &t.AgentType, &t.Status, &t.Outcome, &started, &completed, &t.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("bad todo id %q: %w", id, err)
	}
	if started.Valid {
		v := started.Time
		t.StartedAt = &v
	}
	if completed.Valid {
		v := completed.Time
		t.CompletedAt = &v
	}
	return &t, nil
}

func (s *todoStore) Create(ctx context.Context, t *store.TurnTodo) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		"INSERT INTO turn_todos ("+todoCols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		t.ID.String(), t.TurnID, t.Title, t.AgentType, t.Status, t.Outcome, t.StartedAt, t.CompletedAt, t.CreatedAt)
	return err
}

func (s *todoStore) FindByTurn(ctx context.Context, turnID string) ([]store.TurnTodo, error) {
	rows, err := s.db.QueryContext(ctx, s.db.rebind(
		"SELECT "+todoCols+" FROM turn_todos WHERE turn_id = ? ORDER BY created_at, id"), turnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.TurnTodo
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *todoStore) CountByStatus(ctx context.Context, turnID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, s.db.rebind(
		"SELECT status, COUNT(*) FROM turn_todos WHERE turn_id = ? GROUP BY status"), turnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *todoStore) Update(ctx context.Context, id uuid.UUID, patch store.TodoPatch) error {
	q := "UPDATE turn_todos SET id = id"
	args := []interface{}{}
	if patch.Status != nil {
		q += ", status = ?"
		args = append(args, *patch.Status)
	}
	if patch.Outcome != nil {
		q += ", outcome = ?"
		args = append(args, *patch.Outcome)
	}
	if patch.StartedAt != nil {
		q += ", started_at = ?"
		args = append(args, *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		q += ", completed_at = ?"
		args = append(args, *patch.CompletedAt)
	}
	q += " WHERE id = ?"
	args = append(args, id.String())

	res, err := s.db.ExecContext(ctx, s.db.rebind(q), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
