package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/store"
)

type conversationStore struct {
	db *DB
}

const conversationCols = "id, title, channel_tag, manually_named, well_known, created_at, updated_at, deleted_at"

func scanConversation(row interface{ Scan(...interface{}) error }) (*store.Conversation, error) {
	var c store.Conversation
	var id string
	var deletedAt sql.NullTime
	if err := row.Scan(&id, &c.Title, &c.ChannelTag, &c.ManuallyNamed, &c.WellKnown, &c.CreatedAt, &c.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("bad conversation id %q: %w", id, err)
	}
	c.ID = parsed
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
	return &c, nil
}

func (s *conversationStore) FindByID(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.db.rebind(
		"SELECT "+conversationCols+" FROM conversations WHERE id = ? AND deleted_at IS NULL"), id.String())
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return c, err
}

func (s *conversationStore) FindRecent(ctx context.Context, window time.Duration) (*store.Conversation, error) {
	cutoff := time.Now().UTC().Add(-window)
	row := s.db.QueryRowContext(ctx, s.db.rebind(
		"SELECT "+conversationCols+" FROM conversations"+
			" WHERE deleted_at IS NULL AND well_known = FALSE AND updated_at > ?"+
			" ORDER BY updated_at DESC LIMIT 1"), cutoff)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return c, err
}

func (s *conversationStore) FindAll(ctx context.Context, opts store.ListOpts) ([]store.Conversation, error) {
	q := "SELECT " + conversationCols + " FROM conversations"
	if !opts.IncludeDeleted {
		q += " WHERE deleted_at IS NULL"
	}
	q += " ORDER BY updated_at DESC"
	args := []interface{}{}
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.db.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *conversationStore) Create(ctx context.Context, c *store.Conversation) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		"INSERT INTO conversations ("+conversationCols+") VALUES (?, ?, ?, ?, ?, ?, ?, NULL)"),
		c.ID.String(), c.Title, c.ChannelTag, c.ManuallyNamed, c.WellKnown, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *conversationStore) Update(ctx context.Context, id uuid.UUID, patch store.ConversationPatch) error {
	q := "UPDATE conversations SET updated_at = ?"
	args := []interface{}{time.Now().UTC()}
	if patch.Title != nil {
		q += ", title = ?"
		args = append(args, *patch.Title)
	}
	if patch.ChannelTag != nil {
		q += ", channel_tag = ?"
		args = append(args, *patch.ChannelTag)
	}
	if patch.ManuallyNamed != nil {
		q += ", manually_named = ?"
		args = append(args, *patch.ManuallyNamed)
	}
	q += " WHERE id = ? AND deleted_at IS NULL"
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

func (s *conversationStore) SoftDelete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, s.db.rebind(
		"UPDATE conversations SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL AND well_known = FALSE"),
		time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
