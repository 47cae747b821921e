package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrypster/gergy/internal/budget"
	"github.com/scrypster/gergy/internal/cache"
	"github.com/scrypster/gergy/internal/logging"
	"github.com/scrypster/gergy/internal/metrics"
	"github.com/scrypster/gergy/internal/patterns"
	"github.com/scrypster/gergy/internal/session"
	"github.com/scrypster/gergy/internal/storage"
	"github.com/scrypster/gergy/internal/textnorm"
	"github.com/scrypster/gergy/pkg/types"
)

// Request is one user interaction submitted by a domain tool server.
type Request struct {
	Domain        types.Domain `json:"domain"`
	SessionID     string       `json:"session_id"`
	Text          string       `json:"text"`
	EstimatedCost float64      `json:"estimated_cost"`

	// When EstimatedCost is zero and token counts are given, the cost is
	// priced from the provider's rate table.
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`

	// DeferCommit keeps the reservation open and returns its id; the caller
	// settles it later with the actual cost.
	DeferCommit bool `json:"defer_commit,omitempty"`
}

// Result is the combined outcome of Process.
type Result struct {
	Suggestions   []types.Suggestion        `json:"suggestions"`
	Occurrences   []types.PatternOccurrence `json:"occurrences,omitempty"`
	BudgetStatus  budget.Status             `json:"budget_status"`
	CacheHit      bool                      `json:"cache_hit"`
	ReservationID string                    `json:"reservation_id,omitempty"`
	Degraded      []string                  `json:"degraded,omitempty"`
}

// cachedAnalysis is the value stored in the relevance cache.
type cachedAnalysis struct {
	Suggestions []types.Suggestion        `json:"suggestions"`
	Occurrences []types.PatternOccurrence `json:"occurrences"`
}

// Deps are the components a Coordinator orchestrates. Cache may be nil, in
// which case every lookup is a miss. Knowledge may be nil, in which case
// knowledge searches return nothing.
type Deps struct {
	Ledger    *budget.Ledger
	Cache     *cache.Cache
	Patterns  *patterns.Engine
	Sessions  *session.Manager
	Knowledge storage.ItemStore
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Coordinator) { c.logger = logging.OrDiscard(logger) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = metrics.OrNew(m) }
}

// WithClock overrides time.Now for duration measurement.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator is the single entry point for domain tool servers. It runs
// budget admission, cache lookup and pattern analysis as one unit.
type Coordinator struct {
	ledger   *budget.Ledger
	cache    *cache.Cache
	patterns *patterns.Engine
	sessions *session.Manager
	items    storage.ItemStore
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(deps Deps, opts ...Option) (*Coordinator, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("budget ledger is required")
	}
	if deps.Patterns == nil {
		return nil, fmt.Errorf("pattern engine is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	c := &Coordinator{
		ledger:   deps.Ledger,
		cache:    deps.Cache,
		patterns: deps.Patterns,
		sessions: deps.Sessions,
		items:    deps.Knowledge,
		logger:   logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	return c, nil
}

// Process handles one interaction:
//
//  1. append the text to the session (always, even when denied)
//  2. reserve the estimated cost; a denial returns at once with
//     BudgetStatus.Admitted false and a nil error
//  3. on a cache hit, touch the entry, release the reservation and return
//     the cached suggestions
//  4. otherwise analyse, cache the result and commit the cost (or hand the
//     reservation back to the caller when DeferCommit is set)
//
// If ctx is cancelled after the reservation is taken, the reservation is
// released before returning.
func (c *Coordinator) Process(ctx context.Context, req Request) (*Result, error) {
	start := c.now()
	defer func() {
		c.metrics.ProcessDuration.Observe(c.now().Sub(start).Seconds())
	}()

	if err := req.Domain.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}

	log := c.logger.WithFields(logrus.Fields{
		"domain":     req.Domain,
		"session_id": req.SessionID,
	})
	result := &Result{Suggestions: []types.Suggestion{}}

	if _, err := c.sessions.Append(ctx, req.Domain, req.SessionID, req.Text); err != nil {
		if !errors.Is(err, ErrStorePersistFailure) {
			return nil, err
		}
		result.degrade(DegradedSessionPersist)
	}

	cost, err := c.cost(req, log)
	if err != nil {
		return nil, err
	}

	res, err := c.ledger.Reserve(ctx, req.Domain, c.ledger.Today(), cost)
	if err != nil {
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			result.BudgetStatus = res.Status
			return result, nil
		}
		return nil, err
	}

	settled := false
	defer func() {
		if settled {
			return
		}
		if err := c.ledger.Release(context.WithoutCancel(ctx), res.ID); err != nil {
			log.WithError(err).Warn("engine: failed to release reservation")
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := textnorm.CacheKey(req.Domain, req.Text)
	if cached, ok := c.lookup(ctx, key, req.Domain, result, log); ok {
		// a cached answer costs nothing
		result.Suggestions = cached.Suggestions
		result.Occurrences = cached.Occurrences
		result.CacheHit = true

		if err := c.ledger.Release(ctx, res.ID); err == nil {
			settled = true
		}
		status, err := c.ledger.Status(ctx, req.Domain, res.Date)
		if err != nil {
			status = res.Status
		}
		result.BudgetStatus = status
		return result, nil
	}

	analysis := c.patterns.Analyze(ctx, req.Domain, req.SessionID, req.Text)
	result.Occurrences = slices.Collect(analysis.All())
	result.Suggestions = analysis.Suggestions()
	if result.Suggestions == nil {
		result.Suggestions = []types.Suggestion{}
	}
	if err := analysis.Err(); err != nil {
		result.degrade(DegradedPatternPersist)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.store(ctx, key, req.Domain, result, analysis.MaxConfidence(), log)

	if req.DeferCommit {
		settled = true
		result.ReservationID = res.ID
		result.BudgetStatus = res.Status
		return result, nil
	}

	status, err := c.ledger.Commit(ctx, res.ID, cost)
	settled = true
	if err != nil {
		if !errors.Is(err, ErrStorePersistFailure) {
			return nil, err
		}
		result.degrade(DegradedBudgetPersist)
	}
	result.BudgetStatus = status
	return result, nil
}

// lookup returns the cached analysis for key, touching it on a hit.
func (c *Coordinator) lookup(ctx context.Context, key string, domain types.Domain, result *Result, log logrus.FieldLogger) (*cachedAnalysis, bool) {
	if c.cache == nil {
		return nil, false
	}

	entry, err := c.cache.Lookup(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheUnavailable) {
			result.degrade(DegradedCache)
		}
		return nil, false
	}

	var cached cachedAnalysis
	if err := json.Unmarshal(entry.Value, &cached); err != nil {
		log.WithError(err).Warn("engine: ignoring undecodable cached analysis")
		return nil, false
	}
	if cached.Suggestions == nil {
		cached.Suggestions = []types.Suggestion{}
	}

	if _, err := c.cache.Touch(ctx, key, domain); err != nil && errors.Is(err, ErrCacheUnavailable) {
		result.degrade(DegradedCache)
	}
	return &cached, true
}

// store caches the analysis with relevance taken from its best occurrence.
func (c *Coordinator) store(ctx context.Context, key string, domain types.Domain, result *Result, relevance float64, log logrus.FieldLogger) {
	if c.cache == nil || result.hasDegraded(DegradedCache) {
		return
	}

	value, err := json.Marshal(cachedAnalysis{
		Suggestions: result.Suggestions,
		Occurrences: result.Occurrences,
	})
	if err != nil {
		log.WithError(err).Warn("engine: failed to encode analysis for cache")
		return
	}
	if err := c.cache.Put(ctx, key, domain, value, relevance, c.cache.TTL()); err != nil {
		if errors.Is(err, ErrCacheUnavailable) {
			result.degrade(DegradedCache)
		}
	}
}

// cost resolves the amount to reserve for req.
func (c *Coordinator) cost(req Request, log logrus.FieldLogger) (float64, error) {
	if req.EstimatedCost < 0 {
		return 0, fmt.Errorf("%w: estimated_cost must be >= 0", ErrInvalidRequest)
	}
	if req.EstimatedCost > 0 || (req.InputTokens == 0 && req.OutputTokens == 0) {
		return req.EstimatedCost, nil
	}

	cost, known := budget.EstimateCost(req.Provider, req.Model, req.InputTokens, req.OutputTokens)
	if !known {
		log.WithFields(logrus.Fields{
			"provider": req.Provider,
			"model":    req.Model,
		}).Warn("engine: no rate for model, using default pricing")
	}
	return cost, nil
}

// Settle commits the actual cost of a reservation returned by a deferred
// Process call. A store failure leaves the ledger updated and returns an
// error wrapping ErrStorePersistFailure alongside the status.
func (c *Coordinator) Settle(ctx context.Context, reservationID string, actual float64) (budget.Status, error) {
	return c.ledger.Commit(ctx, reservationID, actual)
}

// Release abandons a deferred reservation.
func (c *Coordinator) Release(ctx context.Context, reservationID string) error {
	return c.ledger.Release(ctx, reservationID)
}

// BudgetStatus returns today's budget view for domain.
func (c *Coordinator) BudgetStatus(ctx context.Context, domain types.Domain) (budget.Status, error) {
	return c.ledger.Status(ctx, domain, c.ledger.Today())
}

// BudgetReport summarises the last days of spend.
func (c *Coordinator) BudgetReport(ctx context.Context, days int) (*budget.Report, error) {
	return c.ledger.Report(ctx, days)
}

// CacheStats returns the relevance cache counters; ok is false when the
// coordinator runs without a cache.
func (c *Coordinator) CacheStats() (stats cache.Stats, ok bool) {
	if c.cache == nil {
		return cache.Stats{}, false
	}
	return c.cache.Stats(), true
}

// PatternAnalytics returns per-template match counts.
func (c *Coordinator) PatternAnalytics() patterns.Analytics {
	return c.patterns.Analytics()
}

// Session returns the accumulated context of a session.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (types.SessionContext, error) {
	return c.sessions.Get(ctx, sessionID)
}

// PatternHistory returns recorded pattern occurrences, newest first. It is
// empty when the pattern engine has no store.
func (c *Coordinator) PatternHistory(ctx context.Context, q storage.OccurrenceQuery) ([]*types.PatternOccurrence, error) {
	if q.Domain != "" {
		if err := q.Domain.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	occs, err := c.patterns.History(ctx, q)
	if err != nil {
		return nil, err
	}
	if occs == nil {
		occs = []*types.PatternOccurrence{}
	}
	return occs, nil
}

// InvalidateCache drops every cached analysis that originated in domain and
// returns how many were removed.
func (c *Coordinator) InvalidateCache(ctx context.Context, domain types.Domain) (int, error) {
	if err := domain.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if c.cache == nil {
		return 0, ErrCacheDisabled
	}
	return c.cache.InvalidateDomain(ctx, domain)
}

// WarmCache pre-populates analyses for domain keyed by the text that would
// produce them. It returns how many were stored.
func (c *Coordinator) WarmCache(ctx context.Context, domain types.Domain, entries map[string]json.RawMessage, relevance float64) (int, error) {
	if err := domain.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if c.cache == nil {
		return 0, ErrCacheDisabled
	}
	return c.cache.Warm(ctx, domain, entries, relevance)
}

// SearchKnowledge returns knowledge items in domains (all domains when
// empty) sharing at least one keyword with query. Every returned item has its
// usage recorded after it is read, so the counters returned predate this
// search. A failed access update is logged and does not fail the search.
func (c *Coordinator) SearchKnowledge(ctx context.Context, domains []types.Domain, query string, limit int) ([]*types.KnowledgeItem, error) {
	for _, d := range domains {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	keywords := textnorm.Keywords(query)
	if len(keywords) == 0 {
		return nil, fmt.Errorf("%w: query has no keywords", ErrInvalidRequest)
	}
	if c.items == nil {
		return []*types.KnowledgeItem{}, nil
	}

	items, err := c.items.QueryItems(ctx, storage.ItemQuery{
		Domains:  domains,
		Keywords: keywords,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := c.items.RecordItemAccess(ctx, item.ID); err != nil {
			c.logger.WithError(err).WithField("item_id", item.ID).Warn("engine: failed to record knowledge access")
		}
	}
	if items == nil {
		items = []*types.KnowledgeItem{}
	}
	return items, nil
}

func (r *Result) degrade(marker string) {
	if !r.hasDegraded(marker) {
		r.Degraded = append(r.Degraded, marker)
	}
}

func (r *Result) hasDegraded(marker string) bool {
	return slices.Contains(r.Degraded, marker)
}
