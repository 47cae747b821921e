package storage

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/gergy/pkg/types"
)

// PrepareItem validates item and fills defaults shared by every backend.
func PrepareItem(item *types.KnowledgeItem, now time.Time) error {
	if item == nil {
		return ErrInvalidInput
	}
	if err := item.Domain.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if item.Title == "" {
		return fmt.Errorf("%w: item title is required", ErrInvalidInput)
	}
	if item.Content == "" {
		return fmt.Errorf("%w: item content is required", ErrInvalidInput)
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	item.Keywords = types.NormalizeKeywords(item.Keywords)
	return nil
}

// ApplyAmendment merges a into item in place. Title and content are never
// touched.
func ApplyAmendment(item *types.KnowledgeItem, a types.ItemAmendment, now time.Time) {
	if len(a.Metadata) > 0 {
		if item.Metadata == nil {
			item.Metadata = make(map[string]interface{}, len(a.Metadata))
		}
		maps.Copy(item.Metadata, a.Metadata)
	}
	if len(a.Keywords) > 0 {
		item.Keywords = types.NormalizeKeywords(append(item.Keywords, a.Keywords...))
	}
	item.UpdatedAt = now
}

// PrepareOccurrence validates occ and fills its ID and timestamp.
func PrepareOccurrence(occ *types.PatternOccurrence, now time.Time) error {
	if occ == nil {
		return ErrInvalidInput
	}
	if occ.TemplateName == "" {
		return fmt.Errorf("%w: template name is required", ErrInvalidInput)
	}
	if occ.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if occ.ID == "" {
		occ.ID = uuid.New().String()
	}
	if occ.DetectedAt.IsZero() {
		occ.DetectedAt = now
	}
	return nil
}

// PrepareUsage validates the pair written by CommitUsage.
func PrepareUsage(rec *types.BudgetRecord, usage *types.UsageRecord, now time.Time) error {
	if rec == nil || usage == nil {
		return ErrInvalidInput
	}
	if err := rec.Domain.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := time.Parse(types.DateLayout, rec.Date); err != nil {
		return fmt.Errorf("%w: bad budget date %q", ErrInvalidInput, rec.Date)
	}
	if rec.Spent < 0 {
		return fmt.Errorf("%w: spent must be >= 0", ErrInvalidInput)
	}
	if usage.Domain != rec.Domain || usage.Date != rec.Date {
		return fmt.Errorf("%w: usage record does not belong to budget record", ErrInvalidInput)
	}
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = now
	}
	rec.UpdatedAt = now
	return nil
}

// PrepareSession validates sess before an upsert.
func PrepareSession(sess *types.SessionContext) error {
	if sess == nil {
		return ErrInvalidInput
	}
	if sess.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	return nil
}
