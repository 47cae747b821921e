package storage

import (
	"errors"
	"time"

	"github.com/scrypster/gergy/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPersistFailure marks a best-effort write that did not reach the
	// store. Callers count it and carry on.
	ErrPersistFailure = errors.New("store persist failure")
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// ItemQuery filters knowledge items. Empty fields impose no constraint.
type ItemQuery struct {
	// Domains restricts results to items owned by any of these domains.
	Domains []types.Domain

	// Keywords matches items containing at least one of these keywords.
	Keywords []string

	// CreatedAfter/CreatedBefore bound created_at (inclusive / exclusive).
	CreatedAfter  time.Time
	CreatedBefore time.Time

	// Limit is the maximum number of items (default: 50, max: 500).
	Limit int
}

// Normalize applies defaults and canonicalises keywords.
func (q *ItemQuery) Normalize() {
	q.Keywords = types.NormalizeKeywords(q.Keywords)
	q.Limit = clampLimit(q.Limit)
}

// OccurrenceQuery filters pattern occurrences.
type OccurrenceQuery struct {
	SessionID     string
	TemplateName  string
	Domain        types.Domain
	MinConfidence float64
	DetectedAfter time.Time
	Limit         int
}

// Normalize applies defaults.
func (q *OccurrenceQuery) Normalize() {
	q.Limit = clampLimit(q.Limit)
	if q.MinConfidence < 0 {
		q.MinConfidence = 0
	}
}

// UsageQuery filters the usage journal.
type UsageQuery struct {
	Domain types.Domain
	// FromDate/ToDate are inclusive YYYY-MM-DD bounds.
	FromDate string
	ToDate   string
	Limit    int
}

// Normalize applies defaults. Usage reports may need every line of a day, so
// the limit ceiling is higher than for item queries.
func (q *UsageQuery) Normalize() {
	if q.Limit < 1 {
		q.Limit = 10000
	}
}

func clampLimit(limit int) int {
	if limit < 1 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
