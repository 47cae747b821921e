package types

import (
	"encoding/json"
	"time"
)

// CacheEntry is a cached analysis result with a decaying cross-domain
// relevance score. Invariant: ExpiresAt is strictly after CreatedAt.
type CacheEntry struct {
	Key            string          `json:"key"`
	Value          json.RawMessage `json:"value"`
	DomainOrigin   Domain          `json:"domain_origin"`
	RelevanceScore float64         `json:"relevance_score"` // score at DecayFrom, in [0,1]
	DecayFrom      time.Time       `json:"decay_from"`      // decay clock origin; reset by touch
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`

	// CrossDomainHits counts touches from domains other than DomainOrigin.
	CrossDomainHits int `json:"cross_domain_hits"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
