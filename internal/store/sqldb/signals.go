package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/conductor/internal/store"
)

type signalStore struct {
	db *DB
}

// Append assigns the next sequence number inside a transaction. SQLite would
// auto-assign INTEGER PRIMARY KEY but Postgres would not, so the seq is
// computed explicitly to keep one codebase for both drivers.
func (s *signalStore) Append(ctx context.Context, sig *store.Signal) (int64, error) {
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM signals").Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.db.rebind(
		"INSERT INTO signals (seq, conversation_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)"),
		seq, sig.ConversationID.String(), sig.Kind, sig.Payload, sig.CreatedAt); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	sig.Seq = seq
	return seq, nil
}

func (s *signalStore) ListAfter(ctx context.Context, watermark int64, limit int) ([]store.Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.db.rebind(
		"SELECT seq, conversation_id, kind, payload, created_at FROM signals"+
			" WHERE seq > ? ORDER BY seq LIMIT ?"), watermark, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Signal
	for rows.Next() {
		var sig store.Signal
		var convID string
		if err := rows.Scan(&sig.Seq, &convID, &sig.Kind, &sig.Payload, &sig.CreatedAt); err != nil {
			return nil, err
		}
		if sig.ConversationID, err = uuid.Parse(convID); err != nil {
			return nil, fmt.Errorf("bad signal conversation id %q: %w", convID, err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}
