package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scrypster/gergy/internal/storage"
	"github.com/scrypster/gergy/pkg/types"
)

// InsertOccurrence appends a pattern occurrence to the journal.
func (s *KnowledgeStore) InsertOccurrence(ctx context.Context, occ *types.PatternOccurrence) error {
	if err := storage.PrepareOccurrence(occ, s.now()); err != nil {
		return err
	}

	matched, err := json.Marshal(nonNilStrings(occ.MatchedDomains.Strings()))
	if err != nil {
		return fmt.Errorf("failed to marshal matched domains: %w", err)
	}
	cross, err := json.Marshal(nonNilStrings(occ.CrossDomain.Strings()))
	if err != nil {
		return fmt.Errorf("failed to marshal cross domains: %w", err)
	}
	triggers, err := json.Marshal(nonNilStrings(occ.MatchedTriggers))
	if err != nil {
		return fmt.Errorf("failed to marshal matched triggers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pattern_occurrences
			(id, template_name, session_id, domain, matched_domains, cross_domain,
			 matched_triggers, confidence, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		occ.ID, occ.TemplateName, occ.SessionID, string(occ.Domain),
		string(matched), string(cross), string(triggers),
		occ.Confidence, utc(occ.DetectedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert pattern occurrence: %w", err)
	}
	return nil
}

// QueryOccurrences returns occurrences newest first.
func (s *KnowledgeStore) QueryOccurrences(ctx context.Context, q storage.OccurrenceQuery) ([]*types.PatternOccurrence, error) {
	q.Normalize()

	var (
		where []string
		args  []interface{}
	)
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.TemplateName != "" {
		where = append(where, "template_name = ?")
		args = append(args, q.TemplateName)
	}
	if q.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, string(q.Domain))
	}
	if q.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, q.MinConfidence)
	}
	if !q.DetectedAfter.IsZero() {
		where = append(where, "detected_at >= ?")
		args = append(args, utc(q.DetectedAfter))
	}

	query := `SELECT id, template_name, session_id, domain, matched_domains,
		cross_domain, matched_triggers, confidence, detected_at
		FROM pattern_occurrences`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC, id ASC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query pattern occurrences: %w", err)
	}
	defer rows.Close()

	var out []*types.PatternOccurrence
	for rows.Next() {
		var (
			occ                      types.PatternOccurrence
			domain                   string
			matched, cross, triggers sql.NullString
		)
		if err := rows.Scan(
			&occ.ID, &occ.TemplateName, &occ.SessionID, &domain,
			&matched, &cross, &triggers, &occ.Confidence, &occ.DetectedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan pattern occurrence: %w", err)
		}
		occ.Domain = types.Domain(domain)

		var matchedList, crossList []string
		if err := unmarshalNullable(matched, &matchedList); err != nil {
			return nil, fmt.Errorf("sqlite: matched domains: %w", err)
		}
		if err := unmarshalNullable(cross, &crossList); err != nil {
			return nil, fmt.Errorf("sqlite: cross domains: %w", err)
		}
		if err := unmarshalNullable(triggers, &occ.MatchedTriggers); err != nil {
			return nil, fmt.Errorf("sqlite: matched triggers: %w", err)
		}
		occ.MatchedDomains = types.DomainSetFromStrings(matchedList)
		occ.CrossDomain = types.DomainSetFromStrings(crossList)
		out = append(out, &occ)
	}
	return out, rows.Err()
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
