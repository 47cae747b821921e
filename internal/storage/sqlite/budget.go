package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/scrypster/gergy/internal/storage"
	"github.com/scrypster/gergy/pkg/types"
)

// GetBudgetRecord returns the record for (domain, date).
func (s *KnowledgeStore) GetBudgetRecord(ctx context.Context, domain types.Domain, date string) (*types.BudgetRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, date, spent, limit_amount, overage, updated_at
		FROM budget_records WHERE domain = ? AND date = ?`,
		string(domain), date,
	)
	rec, err := scanBudgetRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get budget record: %w", err)
	}
	return rec, nil
}

// CommitUsage upserts rec and appends usage atomically. The overage flag is
// sticky: once set for a day it is never cleared by a later write.
func (s *KnowledgeStore) CommitUsage(ctx context.Context, rec *types.BudgetRecord, usage *types.UsageRecord) error {
	if err := storage.PrepareUsage(rec, usage, s.now()); err != nil {
		return err
	}

	metadata := usage.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal usage metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO budget_records (domain, date, spent, limit_amount, overage, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, date) DO UPDATE SET
			spent = excluded.spent,
			limit_amount = excluded.limit_amount,
			overage = MAX(budget_records.overage, excluded.overage),
			updated_at = excluded.updated_at`,
		string(rec.Domain), rec.Date, rec.Spent, rec.Limit, boolInt(rec.Overage), utc(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert budget record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_records
			(id, domain, date, amount, estimated, reservation_id, overage, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		usage.ID, string(usage.Domain), usage.Date, usage.Amount, usage.Estimated,
		nullString(usage.ReservationID), boolInt(usage.Overage), string(metadataJSON), utc(usage.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert usage record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit usage: %w", err)
	}
	return nil
}

// QueryUsage returns usage journal lines oldest first.
func (s *KnowledgeStore) QueryUsage(ctx context.Context, q storage.UsageQuery) ([]*types.UsageRecord, error) {
	q.Normalize()

	var (
		where []string
		args  []interface{}
	)
	if q.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, string(q.Domain))
	}
	if q.FromDate != "" {
		where = append(where, "date >= ?")
		args = append(args, q.FromDate)
	}
	if q.ToDate != "" {
		where = append(where, "date <= ?")
		args = append(args, q.ToDate)
	}

	query := `SELECT id, domain, date, amount, estimated, reservation_id, overage, metadata, created_at
		FROM usage_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query usage: %w", err)
	}
	defer rows.Close()

	var out []*types.UsageRecord
	for rows.Next() {
		var (
			u             types.UsageRecord
			domain        string
			reservationID sql.NullString
			overage       int
			metadataJSON  sql.NullString
		)
		if err := rows.Scan(
			&u.ID, &domain, &u.Date, &u.Amount, &u.Estimated,
			&reservationID, &overage, &metadataJSON, &u.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan usage record: %w", err)
		}
		u.Domain = types.Domain(domain)
		u.ReservationID = reservationID.String
		u.Overage = overage != 0
		if err := unmarshalNullable(metadataJSON, &u.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: usage metadata: %w", err)
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, date, spent, limit_amount, overage, updated_at
		FROM budget_records
		WHERE date >= ? AND date <= ?
		ORDER BY date ASC, domain ASC`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list budget records: %w", err)
	}
	defer rows.Close()

	var out []*types.BudgetRecord
	for rows.Next() {
		rec, err := scanBudgetRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan budget record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanBudgetRecord(row rowScanner) (*types.BudgetRecord, error) {
	var (
		rec     types.BudgetRecord
		domain  string
		overage int
	)
	if err := row.Scan(&domain, &rec.Date, &rec.Spent, &rec.Limit, &overage, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Domain = types.Domain(domain)
	rec.Overage = overage != 0
	return &rec, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
