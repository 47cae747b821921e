package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/scrypster/gergy/internal/storage"
	"github.com/scrypster/gergy/pkg/types"
)

// InsertOccurrence appends a pattern occurrence to the journal.
func (s *KnowledgeStore) InsertOccurrence(ctx context.Context, occ *types.PatternOccurrence) error {
	if err := storage.PrepareOccurrence(occ, s.now()); err != nil {
		return err
	}

	matched, err := marshalJSON(occ.MatchedDomains.Strings(), "[]")
	if err != nil {
		return fmt.Errorf("failed to marshal matched domains: %w", err)
	}
	cross, err := marshalJSON(occ.CrossDomain.Strings(), "[]")
	if err != nil {
		return fmt.Errorf("failed to marshal cross domains: %w", err)
	}
	triggers, err := marshalJSON(occ.MatchedTriggers, "[]")
	if err != nil {
		return fmt.Errorf("failed to marshal matched triggers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pattern_occurrences
			(id, template_name, session_id, domain, matched_domains, cross_domain,
			 matched_triggers, confidence, detected_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8, $9)`,
		occ.ID, occ.TemplateName, occ.SessionID, string(occ.Domain),
		matched, cross, triggers, occ.Confidence, occ.DetectedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert pattern occurrence: %w", err)
	}
	return nil
}

// QueryOccurrences returns occurrences newest first.
func (s *KnowledgeStore) QueryOccurrences(ctx context.Context, q storage.OccurrenceQuery) ([]*types.PatternOccurrence, error) {
	q.Normalize()

	var (
		a     args
		conds []string
	)
	if q.SessionID != "" {
		conds = append(conds, "session_id = "+a.add(q.SessionID))
	}
	if q.TemplateName != "" {
		conds = append(conds, "template_name = "+a.add(q.TemplateName))
	}
	if q.Domain != "" {
		conds = append(conds, "domain = "+a.add(string(q.Domain)))
	}
	if q.MinConfidence > 0 {
		conds = append(conds, "confidence >= "+a.add(q.MinConfidence))
	}
	if !q.DetectedAfter.IsZero() {
		conds = append(conds, "detected_at >= "+a.add(q.DetectedAfter.UTC()))
	}

	query := `SELECT id, template_name, session_id, domain, matched_domains,
		cross_domain, matched_triggers, confidence, detected_at
		FROM pattern_occurrences` + whereClause(conds) +
		` ORDER BY detected_at DESC, id ASC LIMIT ` + a.add(q.Limit)

	rows, err := s.db.QueryContext(ctx, query, a...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query pattern occurrences: %w", err)
	}
	defer rows.Close()

	var out []*types.PatternOccurrence
	for rows.Next() {
		var (
			occ                      types.PatternOccurrence
			domain                   string
			matched, cross, triggers []byte
		)
		if err := rows.Scan(
			&occ.ID, &occ.TemplateName, &occ.SessionID, &domain,
			&matched, &cross, &triggers, &occ.Confidence, &occ.DetectedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan pattern occurrence: %w", err)
		}
		occ.Domain = types.Domain(domain)

		var matchedList, crossList []string
		if err := unmarshalJSON(matched, &matchedList); err != nil {
			return nil, fmt.Errorf("postgres: matched domains: %w", err)
		}
		if err := unmarshalJSON(cross, &crossList); err != nil {
			return nil, fmt.Errorf("postgres: cross domains: %w", err)
		}
		if err := unmarshalJSON(triggers, &occ.MatchedTriggers); err != nil {
			return nil, fmt.Errorf("postgres: matched triggers: %w", err)
		}
		occ.MatchedDomains = types.DomainSetFromStrings(matchedList)
		occ.CrossDomain = types.DomainSetFromStrings(crossList)
		out = append(out, &occ)
	}
	return out, rows.Err()
}

const budgetColumns = `domain, date::text, spent, limit_amount, overage, updated_at`

// GetBudgetRecord returns the record for (domain, date).
func (s *KnowledgeStore) GetBudgetRecord(ctx context.Context, domain types.Domain, date string) (*types.BudgetRecord, error) {
	rec, err := scanBudgetRecord(s.db.QueryRowContext(ctx,
		`SELECT `+budgetColumns+` FROM budget_records WHERE domain = $1 AND date = $2::date`,
		string(domain), date))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get budget record: %w", err)
	}
	return rec, nil
}

// CommitUsage upserts rec and appends usage atomically. Overage is sticky.
func (s *KnowledgeStore) CommitUsage(ctx context.Context, rec *types.BudgetRecord, usage *types.UsageRecord) error {
	if err := storage.PrepareUsage(rec, usage, s.now()); err != nil {
		return err
	}

	metadataJSON, err := marshalJSON(usage.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("failed to marshal usage metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO budget_records (domain, date, spent, limit_amount, overage, updated_at)
		VALUES ($1, $2::date, $3, $4, $5, $6)
		ON CONFLICT (domain, date) DO UPDATE SET
			spent = EXCLUDED.spent,
			limit_amount = EXCLUDED.limit_amount,
			overage = budget_records.overage OR EXCLUDED.overage,
			updated_at = EXCLUDED.updated_at`,
		string(rec.Domain), rec.Date, rec.Spent, rec.Limit, rec.Overage, rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert budget record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_records
			(id, domain, date, amount, estimated, reservation_id, overage, metadata, created_at)
		VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8::jsonb, $9)`,
		usage.ID, string(usage.Domain), usage.Date, usage.Amount, usage.Estimated,
		nullString(usage.ReservationID), usage.Overage, metadataJSON, usage.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert usage record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit usage: %w", err)
	}
	return nil
}

// QueryUsage returns usage journal lines oldest first.
func (s *KnowledgeStore) QueryUsage(ctx context.Context, q storage.UsageQuery) ([]*types.UsageRecord, error) {
	q.Normalize()

	var (
		a     args
		conds []string
	)
	if q.Domain != "" {
		conds = append(conds, "domain = "+a.add(string(q.Domain)))
	}
	if q.FromDate != "" {
		conds = append(conds, "date >= "+a.add(q.FromDate)+"::date")
	}
	if q.ToDate != "" {
		conds = append(conds, "date <= "+a.add(q.ToDate)+"::date")
	}

	query := `SELECT id, domain, date::text, amount, estimated, reservation_id, overage, metadata, created_at
		FROM usage_records` + whereClause(conds) +
		` ORDER BY created_at ASC, id ASC LIMIT ` + a.add(q.Limit)

	rows, err := s.db.QueryContext(ctx, query, a...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query usage: %w", err)
	}
	defer rows.Close()

	var out []*types.UsageRecord
	for rows.Next() {
		var (
			u             types.UsageRecord
			domain        string
			reservationID sql.NullString
			metadataJSON  []byte
		)
		if err := rows.Scan(
			&u.ID, &domain, &u.Date, &u.Amount, &u.Estimated,
			&reservationID, &u.Overage, &metadataJSON, &u.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan usage record: %w", err)
		}
		u.Domain = types.Domain(domain)
		u.ReservationID = reservationID.String
		if err := unmarshalJSON(metadataJSON, &u.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: usage metadata: %w", err)
		}
		if len(u.Metadata) == 0 {
			u.Metadata = nil
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// ListBudgetRecords returns records with date in [from, to].
func (s *KnowledgeStore) ListBudgetRecords(ctx context.Context, from, to string) ([]*types.BudgetRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+budgetColumns+` FROM budget_records
		WHERE date >= $1::date AND date <= $2::date
		ORDER BY date ASC, domain ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list budget records: %w", err)
	}
	defer rows.Close()

	var out []*types.BudgetRecord
	for rows.Next() {
		rec, err := scanBudgetRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan budget record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanBudgetRecord(row rowScanner) (*types.BudgetRecord, error) {
	var (
		rec    types.BudgetRecord
		domain string
	)
	if err := row.Scan(&domain, &rec.Date, &rec.Spent, &rec.Limit, &rec.Overage, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Domain = types.Domain(domain)
	return &rec, nil
}

// UpsertSession writes the full session context.
func (s *KnowledgeStore) UpsertSession(ctx context.Context, sess *types.SessionContext) error {
	if err := storage.PrepareSession(sess); err != nil {
		return err
	}
	turnsJSON, err := marshalJSON(sess.AccumulatedText, "[]")
	if err != nil {
		return fmt.Errorf("failed to marshal session turns: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, domain, turns, started_at, last_active_at, active, reopened)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			turns = EXCLUDED.turns,
			last_active_at = EXCLUDED.last_active_at,
			active = EXCLUDED.active,
			reopened = EXCLUDED.reopened`,
		sess.SessionID, string(sess.Domain), turnsJSON,
		sess.StartedAt.UTC(), sess.LastActiveAt.UTC(), sess.Active, sess.Reopened,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert session: %w", err)
	}
	return nil
}

// GetSession returns the stored session context.
func (s *KnowledgeStore) GetSession(ctx context.Context, sessionID string) (*types.SessionContext, error) {
	var (
		sess      types.SessionContext
		domain    string
		turnsJSON []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, domain, turns, started_at, last_active_at, active, reopened
		FROM sessions WHERE session_id = $1`, sessionID,
	).Scan(&sess.SessionID, &domain, &turnsJSON, &sess.StartedAt, &sess.LastActiveAt, &sess.Active, &sess.Reopened)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get session: %w", err)
	}
	sess.Domain = types.Domain(domain)
	if err := unmarshalJSON(turnsJSON, &sess.AccumulatedText); err != nil {
		return nil, fmt.Errorf("postgres: session turns: %w", err)
	}
	return &sess, nil
}
