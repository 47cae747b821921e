package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scrypster/gergy/internal/storage"
	"github.com/scrypster/gergy/pkg/types"
)

// UpsertSession writes the full session context, replacing any previous copy.
func (s *KnowledgeStore) UpsertSession(ctx context.Context, sess *types.SessionContext) error {
	if err := storage.PrepareSession(sess); err != nil {
		return err
	}

	turns := sess.AccumulatedText
	if turns == nil {
		turns = []types.Turn{}
	}
	turnsJSON, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("failed to marshal session turns: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, domain, turns, started_at, last_active_at, active, reopened)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			turns = excluded.turns,
			last_active_at = excluded.last_active_at,
			active = excluded.active,
			reopened = excluded.reopened`,
		sess.SessionID, string(sess.Domain), string(turnsJSON),
		utc(sess.StartedAt), utc(sess.LastActiveAt), boolInt(sess.Active), sess.Reopened,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert session: %w", err)
	}
	return nil
}

// GetSession returns the stored session context.
func (s *KnowledgeStore) GetSession(ctx context.Context, sessionID string) (*types.SessionContext, error) {
	var (
		sess      types.SessionContext
		domain    string
		turnsJSON sql.NullString
		active    int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, domain, turns, started_at, last_active_at, active, reopened
		FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&sess.SessionID, &domain, &turnsJSON, &sess.StartedAt, &sess.LastActiveAt, &active, &sess.Reopened)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get session: %w", err)
	}

	sess.Domain = types.Domain(domain)
	sess.Active = active != 0
	if err := unmarshalNullable(turnsJSON, &sess.AccumulatedText); err != nil {
		return nil, fmt.Errorf("sqlite: session turns: %w", err)
	}
	return &sess, nil
}
