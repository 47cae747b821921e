package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/scrypster/gergy/internal/storage"
	"github.com/scrypster/gergy/pkg/types"
)

const itemColumns = `id, domain, title, content, metadata, keywords,
	usage_frequency, last_accessed_at, created_at, updated_at`

// InsertItem writes a new knowledge item.
func (s *KnowledgeStore) InsertItem(ctx context.Context, item *types.KnowledgeItem) error {
	if err := storage.PrepareItem(item, s.now()); err != nil {
		return err
	}

	metadataJSON, err := marshalJSON(item.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	keywordsJSON, err := marshalJSON(item.Keywords, "[]")
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9, $10)`,
		item.ID, string(item.Domain), item.Title, item.Content,
		metadataJSON, keywordsJSON, item.UsageFrequency,
		nullTime(item.LastAccessedAt), item.CreatedAt.UTC(), item.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert knowledge item: %w", err)
	}
	return nil
}

// GetItem retrieves an item by ID.
func (s *KnowledgeStore) GetItem(ctx context.Context, id string) (*types.KnowledgeItem, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: item ID is required", storage.ErrInvalidInput)
	}
	item, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM knowledge_items WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get knowledge item: %w", err)
	}
	return item, nil
}

// QueryItems filters by domain, keyword containment and creation range.
func (s *KnowledgeStore) QueryItems(ctx context.Context, q storage.ItemQuery) ([]*types.KnowledgeItem, error) {
	q.Normalize()

	var (
		a     args
		conds []string
	)
	if len(q.Domains) > 0 {
		domains := make([]string, len(q.Domains))
		for i, d := range q.Domains {
			domains[i] = string(d)
		}
		conds = append(conds, "domain = ANY("+a.add(pq.Array(domains))+")")
	}
	if len(q.Keywords) > 0 {
		conds = append(conds, "keywords ?| "+a.add(pq.Array(q.Keywords)))
	}
	if !q.CreatedAfter.IsZero() {
		conds = append(conds, "created_at >= "+a.add(q.CreatedAfter.UTC()))
	}
	if !q.CreatedBefore.IsZero() {
		conds = append(conds, "created_at < "+a.add(q.CreatedBefore.UTC()))
	}

	query := `SELECT ` + itemColumns + ` FROM knowledge_items` + whereClause(conds) +
		` ORDER BY usage_frequency DESC, created_at DESC, id ASC LIMIT ` + a.add(q.Limit)

	rows, err := s.db.QueryContext(ctx, query, a...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query knowledge items: %w", err)
	}
	defer rows.Close()

	var items []*types.KnowledgeItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan knowledge item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AmendItem merges metadata and keywords under a row lock.
func (s *KnowledgeStore) AmendItem(ctx context.Context, id string, amendment types.ItemAmendment) (*types.KnowledgeItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM knowledge_items WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load knowledge item: %w", err)
	}
	if amendment.IsEmpty() {
		return item, nil
	}

	storage.ApplyAmendment(item, amendment, s.now())

	metadataJSON, err := marshalJSON(item.Metadata, "{}")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	keywordsJSON, err := marshalJSON(item.Keywords, "[]")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal keywords: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE knowledge_items SET metadata = $1::jsonb, keywords = $2::jsonb, updated_at = $3 WHERE id = $4`,
		metadataJSON, keywordsJSON, item.UpdatedAt.UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to amend knowledge item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: failed to commit amendment: %w", err)
	}
	return item, nil
}

// RecordItemAccess bumps usage_frequency and last_accessed_at.
func (s *KnowledgeStore) RecordItemAccess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_items SET usage_frequency = usage_frequency + 1, last_accessed_at = $1 WHERE id = $2`,
		s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to record item access: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*types.KnowledgeItem, error) {
	var (
		item                       types.KnowledgeItem
		domain                     string
		metadataJSON, keywordsJSON []byte
		lastAccessed               sql.NullTime
	)
	if err := row.Scan(
		&item.ID, &domain, &item.Title, &item.Content,
		&metadataJSON, &keywordsJSON, &item.UsageFrequency,
		&lastAccessed, &item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return nil, err
	}

	item.Domain = types.Domain(domain)
	if lastAccessed.Valid {
		t := lastAccessed.Time
		item.LastAccessedAt = &t
	}
	if err := unmarshalJSON(metadataJSON, &item.Metadata); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	if err := unmarshalJSON(keywordsJSON, &item.Keywords); err != nil {
		return nil, fmt.Errorf("keywords: %w", err)
	}
	if len(item.Metadata) == 0 {
		item.Metadata = nil
	}
	if len(item.Keywords) == 0 {
		item.Keywords = nil
	}
	return &item, nil
}
