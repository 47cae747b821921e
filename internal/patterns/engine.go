// Package patterns implements the Pattern Recognition Engine: it scores text
// against a catalog of cross-domain templates and records every match as an
// append-only PatternOccurrence.
package patterns

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/gergy/internal/logging"
	"github.com/scrypster/gergy/internal/metrics"
	"github.com/scrypster/gergy/internal/storage"
	"github.com/scrypster/gergy/internal/textnorm"
	"github.com/scrypster/gergy/pkg/types"
)

// DefaultThreshold is the confidence a template must exceed to match.
const DefaultThreshold = 0.3

// monetaryPattern runs on the raw lower-cased text; normalisation strips '$'.
var monetaryPattern = regexp.MustCompile(`\$[\d,]+|(?:budget|cost|expense|invest|save).*\d`)

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold sets the match threshold.
func WithThreshold(threshold float64) Option {
	return func(e *Engine) { e.threshold = threshold }
}

// WithStore persists every occurrence to store.
func WithStore(store storage.OccurrenceStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = logging.OrDiscard(logger) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = metrics.OrNew(m) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine matches text against a Catalog. It is safe for concurrent use.
type Engine struct {
	catalog   atomic.Pointer[Catalog]
	threshold float64
	store     storage.OccurrenceStore
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu       sync.Mutex
	analyses int64
	matches  map[string]int64
}

// NewEngine creates an Engine over catalog.
func NewEngine(catalog *Catalog, opts ...Option) *Engine {
	e := &Engine{
		threshold: DefaultThreshold,
		logger:    logging.Discard(),
		now:       time.Now,
		matches:   make(map[string]int64, catalog.Len()),
	}
	e.catalog.Store(catalog)
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	return e
}

// Catalog returns the engine's current template catalog.
func (e *Engine) Catalog() *Catalog {
	return e.catalog.Load()
}

// SetCatalog swaps the template catalog. Analyses already running finish
// against the catalog they started with.
func (e *Engine) SetCatalog(catalog *Catalog) {
	e.catalog.Store(catalog)
}

// Threshold returns the match threshold.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// match is a scored template before it becomes an occurrence.
type match struct {
	tmpl       *compiledTemplate
	triggers   []string
	confidence float64
}

// Analyze scores text submitted from domain in session sessionID against
// every template and persists each resulting occurrence before returning.
//
// A persist failure does not discard the result; it is reported through
// Analysis.Err and wraps storage.ErrPersistFailure.
func (e *Engine) Analyze(ctx context.Context, domain types.Domain, sessionID, text string) *Analysis {
	matches := e.score(text)

	now := e.now()
	a := &Analysis{occurrences: make([]types.PatternOccurrence, 0, len(matches))}
	for _, m := range matches {
		occ := types.PatternOccurrence{
			ID:              uuid.New().String(),
			TemplateName:    m.tmpl.Name,
			SessionID:       sessionID,
			Domain:          domain,
			MatchedDomains:  types.DomainSet{domain}.Union(m.tmpl.DomainsInvolved),
			CrossDomain:     m.tmpl.DomainsInvolved.Without(domain),
			MatchedTriggers: m.triggers,
			Confidence:      m.confidence,
			DetectedAt:      now,
		}
		a.occurrences = append(a.occurrences, occ)
		if s, ok := suggestionFor(m.tmpl, occ); ok {
			a.suggestions = append(a.suggestions, s)
		}
	}

	e.record(matches)
	a.err = e.persist(ctx, a.occurrences)
	return a
}

// score returns the templates whose confidence exceeds the threshold,
// highest confidence first and declaration order among equals.
func (e *Engine) score(text string) []match {
	normalized := textnorm.Normalize(text)
	padded := " " + normalized + " "
	monetary := monetaryPattern.MatchString(strings.ToLower(text))

	catalog := e.catalog.Load()

	var matches []match
	for i := range catalog.templates {
		t := &catalog.templates[i]

		var hit []string
		for j, trigger := range t.triggers {
			var ok bool
			if trigger == MonetaryTrigger {
				ok = monetary
			} else {
				// multi-word triggers match as a contiguous phrase
				ok = strings.Contains(padded, " "+trigger+" ")
			}
			if ok {
				hit = append(hit, t.TriggerKeywords[j])
			}
		}
		if len(hit) == 0 {
			continue
		}

		overlap := float64(len(hit)) / float64(len(t.triggers))
		confidence := min(max(t.BaseConfidence*overlap, 0), 1)
		if confidence <= e.threshold {
			continue
		}
		matches = append(matches, match{tmpl: t, triggers: hit, confidence: confidence})
	}

	slices.SortStableFunc(matches, func(a, b match) int {
		return cmp.Compare(b.confidence, a.confidence)
	})
	return matches
}

func (e *Engine) persist(ctx context.Context, occurrences []types.PatternOccurrence) error {
	if e.store == nil || len(occurrences) == 0 {
		return nil
	}

	var errs []error
	for i := range occurrences {
		occ := occurrences[i]
		if err := e.store.InsertOccurrence(ctx, &occ); err != nil {
			e.metrics.PersistFailures.WithLabelValues("patterns").Inc()
			e.logger.WithError(err).WithFields(logrus.Fields{
				"template":   occ.TemplateName,
				"session_id": occ.SessionID,
			}).Warn("patterns: failed to persist occurrence")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %d of %d occurrences: %w",
			storage.ErrPersistFailure, len(errs), len(occurrences), errors.Join(errs...))
	}
	return nil
}

func (e *Engine) record(matches []match) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.analyses++
	for _, m := range matches {
		e.matches[m.tmpl.Name]++
		e.metrics.PatternMatches.WithLabelValues(m.tmpl.Name).Inc()
	}
}

// suggestionFor builds the suggestion surfaced for occ. Templates may carry
// configured advice per requesting domain; otherwise any cross-domain match
// yields a generic insight.
func suggestionFor(t *compiledTemplate, occ types.PatternOccurrence) (types.Suggestion, bool) {
	if st, ok := t.Suggestions[occ.Domain]; ok {
		related := st.RelatedDomains
		if len(related) == 0 {
			related = occ.CrossDomain
		}
		confidence := occ.Confidence
		if st.Confidence > 0 {
			confidence *= st.Confidence
		}
		typ := st.Type
		if typ == "" {
			typ = "cross_domain_insight"
		}
		return types.Suggestion{
			Pattern:        t.Name,
			Type:           typ,
			Message:        st.Message,
			RelatedDomains: related,
			Confidence:     confidence,
		}, true
	}

	if len(occ.CrossDomain) == 0 {
		return types.Suggestion{}, false
	}
	msg := fmt.Sprintf("This looks like %s; consider the %s side",
		strings.ReplaceAll(t.Name, "_", " "), strings.Join(occ.CrossDomain.Strings(), " and "))
	return types.Suggestion{
		Pattern:        t.Name,
		Type:           "cross_domain_insight",
		Message:        msg,
		RelatedDomains: occ.CrossDomain,
		Confidence:     occ.Confidence,
	}, true
}

// History returns persisted occurrences matching q. It returns nil when the
// engine has no store.
func (e *Engine) History(ctx context.Context, q storage.OccurrenceQuery) ([]*types.PatternOccurrence, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.QueryOccurrences(ctx, q)
}

// Analytics summarises matches since the engine was created.
type Analytics struct {
	Analyses  int64            `json:"analyses"`
	Matches   map[string]int64 `json:"matches"`
	Templates []string         `json:"templates"`
}

// Analytics returns per-template match counts.
func (e *Engine) Analytics() Analytics {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := make(map[string]int64, len(e.matches))
	for k, v := range e.matches {
		counts[k] = v
	}
	return Analytics{
		Analyses:  e.analyses,
		Matches:   counts,
		Templates: e.catalog.Load().Names(),
	}
}

// Analysis is the result of one Analyze call.
type Analysis struct {
	occurrences []types.PatternOccurrence
	suggestions []types.Suggestion
	err         error
	consumed    atomic.Bool
}

// All yields the occurrences in rank order. The sequence can be ranged over
// once; later iterations yield nothing.
func (a *Analysis) All() iter.Seq[types.PatternOccurrence] {
	return func(yield func(types.PatternOccurrence) bool) {
		if !a.consumed.CompareAndSwap(false, true) {
			return
		}
		for _, occ := range a.occurrences {
			if !yield(occ) {
				return
			}
		}
	}
}

// Len returns the number of occurrences.
func (a *Analysis) Len() int {
	return len(a.occurrences)
}

// MaxConfidence returns the highest occurrence confidence, or 0.
func (a *Analysis) MaxConfidence() float64 {
	if len(a.occurrences) == 0 {
		return 0
	}
	// ranked
	return a.occurrences[0].Confidence
}

// Suggestions returns one suggestion per occurrence that has advice.
func (a *Analysis) Suggestions() []types.Suggestion {
	return slices.Clone(a.suggestions)
}

// Err reports a failure to persist occurrences.
func (a *Analysis) Err() error {
	return a.err
}
