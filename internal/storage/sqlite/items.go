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

const itemColumns = `id, domain, title, content, metadata, keywords,
	usage_frequency, last_accessed_at, created_at, updated_at`

// InsertItem writes a new knowledge item.
func (s *KnowledgeStore) InsertItem(ctx context.Context, item *types.KnowledgeItem) error {
	if err := storage.PrepareItem(item, s.now()); err != nil {
		return err
	}

	metadataJSON, keywordsJSON, err := marshalItemJSON(item)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Domain), item.Title, item.Content,
		metadataJSON, keywordsJSON,
		item.UsageFrequency, nullTime(item.LastAccessedAt),
		utc(item.CreatedAt), utc(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert knowledge item: %w", err)
	}
	return nil
}

// GetItem retrieves an item by ID.
func (s *KnowledgeStore) GetItem(ctx context.Context, id string) (*types.KnowledgeItem, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: item ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM knowledge_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get knowledge item: %w", err)
	}
	return item, nil
}

// QueryItems filters by domain, keyword containment and creation range,
// ordered by usage frequency then recency.
func (s *KnowledgeStore) QueryItems(ctx context.Context, q storage.ItemQuery) ([]*types.KnowledgeItem, error) {
	q.Normalize()

	var (
		where []string
		args  []interface{}
	)

	if len(q.Domains) > 0 {
		where = append(where, "domain IN ("+placeholders(len(q.Domains))+")")
		for _, d := range q.Domains {
			args = append(args, string(d))
		}
	}

	if len(q.Keywords) > 0 {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(knowledge_items.keywords) WHERE json_each.value IN ("+placeholders(len(q.Keywords))+"))")
		for _, k := range q.Keywords {
			args = append(args, k)
		}
	}

	if !q.CreatedAfter.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, utc(q.CreatedAfter))
	}
	if !q.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, utc(q.CreatedBefore))
	}

	query := `SELECT ` + itemColumns + ` FROM knowledge_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY usage_frequency DESC, created_at DESC, id ASC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query knowledge items: %w", err)
	}
	defer rows.Close()

	var items []*types.KnowledgeItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan knowledge item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AmendItem merges metadata and keywords into an existing item.
func (s *KnowledgeStore) AmendItem(ctx context.Context, id string, amendment types.ItemAmendment) (*types.KnowledgeItem, error) {
	item, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if amendment.IsEmpty() {
		return item, nil
	}

	storage.ApplyAmendment(item, amendment, s.now())

	metadataJSON, keywordsJSON, err := marshalItemJSON(item)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE knowledge_items SET metadata = ?, keywords = ?, updated_at = ? WHERE id = ?`,
		metadataJSON, keywordsJSON, utc(item.UpdatedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to amend knowledge item: %w", err)
	}
	return item, nil
}

// RecordItemAccess bumps usage_frequency and last_accessed_at.
func (s *KnowledgeStore) RecordItemAccess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_items SET usage_frequency = usage_frequency + 1, last_accessed_at = ? WHERE id = ?`,
		utc(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to record item access: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to get rows affected: %w", err)
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
		metadataJSON, keywordsJSON sql.NullString
		lastAccessed               sql.NullTime
	)

	if err := row.Scan(
		&item.ID, &domain, &item.Title, &item.Content,
		&metadataJSON, &keywordsJSON,
		&item.UsageFrequency, &lastAccessed,
		&item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return nil, err
	}

	item.Domain = types.Domain(domain)
	if lastAccessed.Valid {
		t := lastAccessed.Time
		item.LastAccessedAt = &t
	}
	if err := unmarshalNullable(metadataJSON, &item.Metadata); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	if err := unmarshalNullable(keywordsJSON, &item.Keywords); err != nil {
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

func marshalItemJSON(item *types.KnowledgeItem) (string, string, error) {
	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	keywords := item.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	keywordsJSON, err := json.Marshal(keywords)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal keywords: %w", err)
	}
	return string(metadataJSON), string(keywordsJSON), nil
}

func unmarshalNullable(ns sql.NullString, dest interface{}) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dest)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
