package cache

import (
	"math"
	"time"

	"github.com/scrypster/gergy/pkg/types"
)

// DecayPolicy is the linear relevance decay applied to cache entries.
//
//	relevance(now) = max(0, score - Rate * (now - decay_from) / Unit)
type DecayPolicy struct {
	Rate           float64       // relevance lost per Unit
	Unit           time.Duration // default: 1h
	Floor          float64       // entries below this are evicted on lookup
	TouchIncrement float64       // added on a cross-domain touch, capped at 1.0
}

// DefaultDecayPolicy returns the policy used when none is configured.
func DefaultDecayPolicy() DecayPolicy {
	return DecayPolicy{
		Rate:           0.05,
		Unit:           time.Hour,
		Floor:          0.2,
		TouchIncrement: 0.1,
	}
}

// Relevance returns the decayed relevance of e at now, clamped to [0, 1].
func (p DecayPolicy) Relevance(e *types.CacheEntry, now time.Time) float64 {
	unit := p.Unit
	if unit <= 0 {
		unit = time.Hour
	}
	elapsed := now.Sub(e.DecayFrom)
	if elapsed < 0 {
		elapsed = 0
	}
	return clamp01(e.RelevanceScore - p.Rate*float64(elapsed)/float64(unit))
}

// BelowFloor reports whether relevance r should be evicted.
func (p DecayPolicy) BelowFloor(r float64) bool {
	return r < p.Floor
}

// AfterTouch returns the relevance after a touch. Only a touch from a domain
// other than the entry's origin raises it.
func (p DecayPolicy) AfterTouch(current float64, crossDomain bool) float64 {
	if !crossDomain {
		return clamp01(current)
	}
	return clamp01(current + p.TouchIncrement)
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0.0), 1.0)
}
