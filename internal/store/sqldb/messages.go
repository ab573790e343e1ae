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

type messageStore struct {
	db *DB
}

const messageCols = "id, conversation_id, turn_id, role, content, metadata, created_at"

func scanMessage(row interface{ Scan(...interface{}) error }) (*store.Message, error) {
	var m store.Message
	var id, convID, metadata string
	if err := row.Scan(&id, &convID, &m.TurnID, &m.Role, &m.Content, &metadata, &m.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("bad message id %q: %w", id, err)
	}
	if m.ConversationID, err = uuid.Parse(convID); err != nil {
		return nil, fmt.Errorf("bad conversation id %q: %w", convID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
		return nil, fmt.Errorf("bad message metadata: %w", err)
	}
	return &m, nil
}

// Create inserts the row; an existing id is left untouched, which makes
// event emission idempotent under retries.
func (s *messageStore) Create(ctx context.Context, m *store.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.rebind(
		"INSERT INTO messages ("+messageCols+") VALUES (?, ?, ?, ?, ?, ?, ?)"+
			" ON CONFLICT (id) DO NOTHING"),
		m.ID.String(), m.ConversationID.String(), m.TurnID, m.Role, m.Content, string(metadata), m.CreatedAt)
	return err
}

func (s *messageStore) FindByID(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx, s.db.rebind(
		"SELECT "+messageCols+" FROM messages WHERE id = ?"), id.String())
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (s *messageStore) FindByConversation(ctx context.Context, convID uuid.UUID, q store.MessageQuery) ([]store.Message, error) {
	query := "SELECT " + messageCols + " FROM messages WHERE conversation_id = ?"
	args := []interface{}{convID.String()}

	if q.CursorCreatedAt != nil && q.CursorID != nil {
		query += " AND (created_at > ? OR (created_at = ? AND id > ?))"
		args = append(args, *q.CursorCreatedAt, *q.CursorCreatedAt, q.CursorID.String())
	}
	if q.Descending {
		query += " ORDER BY created_at DESC, id DESC"
	} else {
		query += " ORDER BY created_at, id"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *messageStore) Search(ctx context.Context, query string, opts store.SearchOpts) ([]store.Message, error) {
	q := "SELECT " + messageCols + " FROM messages WHERE content LIKE ?"
	args := []interface{}{"%" + query + "%"}
	if opts.ConversationID != nil {
		q += " AND conversation_id = ?"
		args = append(args, opts.ConversationID.String())
	}
	q += " ORDER BY created_at DESC"
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.db.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *messageStore) CountByConversation(ctx context.Context, convID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.rebind(
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?"), convID.String()).Scan(&n)
	return n, err
}

func (s *messageStore) DeleteByConversation(ctx context.Context, convID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		"DELETE FROM messages WHERE conversation_id = ?"), convID.String())
	return err
}
