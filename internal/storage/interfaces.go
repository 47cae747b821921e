// Package storage provides composable storage interfaces for the Gergy engine.
//
// The storage layer is the Knowledge Store Adapter: a durable record store for
// knowledge items, pattern occurrences, budget records, usage journal lines
// and session contexts. Interfaces are small and focused so that each engine
// component depends only on the records it touches.
package storage

import (
	"context"

	"github.com/scrypster/gergy/pkg/types"
)

// ItemStore manages knowledge items. Items are never hard-deleted.
type ItemStore interface {
	// InsertItem writes a new item. ID, CreatedAt and UpdatedAt are filled in
	// when empty. Returns ErrInvalidInput for a missing domain/title/content.
	InsertItem(ctx context.Context, item *types.KnowledgeItem) error

	// GetItem retrieves an item by ID.
	// Returns ErrNotFound if the item doesn't exist.
	GetItem(ctx context.Context, id string) (*types.KnowledgeItem, error)

	// QueryItems returns items matching every non-empty filter of q.
	QueryItems(ctx context.Context, q ItemQuery) ([]*types.KnowledgeItem, error)

	// AmendItem merges metadata and unions keywords; title and content are
	// immutable. Returns the amended item or ErrNotFound.
	AmendItem(ctx context.Context, id string, amendment types.ItemAmendment) (*types.KnowledgeItem, error)

	// RecordItemAccess increments usage_frequency and sets last_accessed_at.
	RecordItemAccess(ctx context.Context, id string) error
}

// OccurrenceStore is the append-only journal of detected patterns.
type OccurrenceStore interface {
	InsertOccurrence(ctx context.Context, occ *types.PatternOccurrence) error
	QueryOccurrences(ctx context.Context, q OccurrenceQuery) ([]*types.PatternOccurrence, error)
}

// BudgetStore persists per-(domain, date) budget records and the usage
// journal that backs them.
type BudgetStore interface {
	// GetBudgetRecord returns the record for (domain, date) or ErrNotFound.
	GetBudgetRecord(ctx context.Context, domain types.Domain, date string) (*types.BudgetRecord, error)

	// CommitUsage upserts rec and appends usage in one transaction so the
	// record total and the journal never disagree.
	CommitUsage(ctx context.Context, rec *types.BudgetRecord, usage *types.UsageRecord) error

	// QueryUsage returns journal lines ordered by created_at ascending.
	QueryUsage(ctx context.Context, q UsageQuery) ([]*types.UsageRecord, error)

	// ListBudgetRecords returns the records with date in [from, to],
	// ordered by date then domain.
	ListBudgetRecords(ctx context.Context, from, to string) ([]*types.BudgetRecord, error)
}

// SessionStore persists session contexts so they survive restarts.
type SessionStore interface {
	UpsertSession(ctx context.Context, sess *types.SessionContext) error

	// GetSession returns the session or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*types.SessionContext, error)
}

// KnowledgeStore is the full adapter implemented by each backend.
type KnowledgeStore interface {
	ItemStore
	OccurrenceStore
	BudgetStore
	SessionStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
