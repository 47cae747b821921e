package engine

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/scrypster/gergy/internal/cache"
	"github.com/scrypster/gergy/internal/textnorm"
	"github.com/scrypster/gergy/pkg/types"
)

const (
	// DefaultInsightLimit is the number of insights returned when the caller
	// asks for none in particular.
	DefaultInsightLimit = 5
	maxInsightLimit     = 50
)

// Insight is a cached analysis from another domain whose patterns involve
// the requesting domain.
type Insight struct {
	Domain          types.Domain              `json:"domain"` // origin of the cached analysis
	Key             string                    `json:"key"`
	Relevance       float64                   `json:"relevance"`
	CrossDomainHits int                       `json:"cross_domain_hits"`
	Suggestions     []types.Suggestion        `json:"suggestions"`
	Occurrences     []types.PatternOccurrence `json:"occurrences"`
}

// CrossDomainInsights returns the most relevant cached analyses that other
// domains produced and whose matched patterns include domain. Each returned
// entry is touched on behalf of domain, so it gains the cross-domain boost
// and its hit counter grows. Without a cache the result is empty.
func (c *Coordinator) CrossDomainInsights(ctx context.Context, domain types.Domain, limit int) ([]Insight, error) {
	if err := domain.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if limit <= 0 {
		limit = DefaultInsightLimit
	}
	limit = min(limit, maxInsightLimit)

	insights := []Insight{}
	if c.cache == nil {
		return insights, nil
	}

	entries, err := c.cache.Scan(ctx, textnorm.KeyPrefix+":")
	if err != nil {
		return nil, err
	}

	type candidate struct {
		entry     *types.CacheEntry
		analysis  cachedAnalysis
		relevance float64
	}
	var candidates []candidate
	for _, entry := range entries {
		if entry.DomainOrigin == domain {
			continue
		}
		var analysis cachedAnalysis
		if err := json.Unmarshal(entry.Value, &analysis); err != nil {
			c.logger.WithError(err).WithField("key", entry.Key).Debug("engine: skipping undecodable cached analysis")
			continue
		}
		if !involves(analysis.Occurrences, domain) {
			continue
		}
		candidates = append(candidates, candidate{entry, analysis, c.cache.Relevance(entry)})
	}
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		return cmp.Compare(b.relevance, a.relevance)
	})

	for _, cand := range candidates {
		if len(insights) == limit {
			break
		}
		relevance, err := c.cache.Touch(ctx, cand.entry.Key, domain)
		if errors.Is(err, cache.ErrMiss) {
			continue
		}
		if err != nil {
			return nil, err
		}
		suggestions := cand.analysis.Suggestions
		if suggestions == nil {
			suggestions = []types.Suggestion{}
		}
		insights = append(insights, Insight{
			Domain:          cand.entry.DomainOrigin,
			Key:             cand.entry.Key,
			Relevance:       relevance,
			CrossDomainHits: cand.entry.CrossDomainHits + 1,
			Suggestions:     suggestions,
			Occurrences:     cand.analysis.Occurrences,
		})
	}

	slices.SortStableFunc(insights, func(a, b Insight) int {
		return cmp.Compare(b.Relevance, a.Relevance)
	})
	return insights, nil
}

// involves reports whether any occurrence matched a template spanning domain.
func involves(occurrences []types.PatternOccurrence, domain types.Domain) bool {
	for _, occ := range occurrences {
		if occ.MatchedDomains.Contains(domain) {
			return true
		}
	}
	return false
}
