package patterns

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/gergy/internal/metrics"
	"github.com/scrypster/gergy/internal/storage"
	"github.com/scrypster/gergy/pkg/types"
)

// memoryStore is an in-memory OccurrenceStore.
type memoryStore struct {
	mu   sync.Mutex
	occs []*types.PatternOccurrence
	err  error
}

func (s *memoryStore) InsertOccurrence(_ context.Context, occ *types.PatternOccurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.occs = append(s.occs, occ)
	return nil
}

func (s *memoryStore) QueryOccurrences(_ context.Context, q storage.OccurrenceQuery) ([]*types.PatternOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.PatternOccurrence
	for _, o := range s.occs {
		if q.SessionID != "" && o.SessionID != q.SessionID {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, templates []types.PatternTemplate, opts ...Option) *Engine {
	t.Helper()
	c, err := NewCatalog(templates)
	require.NoError(t, err)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEngine(c, opts...)
}

func familyTemplate(triggers ...string) types.PatternTemplate {
	return types.PatternTemplate{
		Name:            "financial_family_planning",
		TriggerKeywords: triggers,
		DomainsInvolved: types.DomainSet{types.DomainFamily},
		BaseConfidence:  0.8,
	}
}

func TestAnalyze_OneOfThreeBelowThreshold(t *testing.T) {
	e := newTestEngine(t, []types.PatternTemplate{familyTemplate("vacation", "reunion", "budget")})

	// overlap 1/3, confidence ~0.27
	a := e.Analyze(context.Background(), types.DomainFinancial, "s1", "planning a family vacation next month")
	assert.Equal(t, 0, a.Len())
	assert.Zero(t, a.MaxConfidence())
}

func TestAnalyze_FullOverlap(t *testing.T) {
	store := &memoryStore{}
	e := newTestEngine(t, []types.PatternTemplate{familyTemplate("vacation", "family")}, WithStore(store))

	a := e.Analyze(context.Background(), types.DomainFinancial, "s1", "Planning a FAMILY vacation next month!")
	require.NoError(t, a.Err())

	occs := slices.Collect(a.All())
	require.Len(t, occs, 1)
	occ := occs[0]
	assert.Equal(t, "financial_family_planning", occ.TemplateName)
	assert.InDelta(t, 0.8, occ.Confidence, 1e-9)
	assert.Equal(t, types.DomainSet{types.DomainFinancial, types.DomainFamily}, occ.MatchedDomains)
	assert.Equal(t, types.DomainSet{types.DomainFamily}, occ.CrossDomain)
	assert.Equal(t, []string{"vacation", "family"}, occ.MatchedTriggers)
	assert.Equal(t, "s1", occ.SessionID)
	assert.Equal(t, fixedNow, occ.DetectedAt)
	assert.NotEmpty(t, occ.ID)

	// persisted before Analyze returned
	require.Len(t, store.occs, 1)
	assert.Equal(t, occ.ID, store.occs[0].ID)

	sugg := a.Suggestions()
	require.Len(t, sugg, 1)
	assert.Equal(t, "cross_domain_insight", sugg[0].Type)
	assert.Equal(t, types.DomainSet{types.DomainFamily}, sugg[0].RelatedDomains)
}

func TestAnalyze_SameDomainTemplateHasNoGenericSuggestion(t *testing.T) {
	e := newTestEngine(t, []types.PatternTemplate{{
		Name:            "home_only",
		TriggerKeywords: []string{"gutter"},
		DomainsInvolved: types.DomainSet{types.DomainHome},
		BaseConfidence:  0.9,
	}})

	a := e.Analyze(context.Background(), types.DomainHome, "s1", "clean the gutter")
	require.Equal(t, 1, a.Len())
	assert.Empty(t, a.Suggestions())
}

func TestAnalyze_ThresholdIsExclusive(t *testing.T) {
	e := newTestEngine(t, []types.PatternTemplate{{
		Name:            "exact",
		TriggerKeywords: []string{"alpha", "beta"},
		DomainsInvolved: types.DomainSet{types.DomainHome},
		BaseConfidence:  0.5,
	}}, WithThreshold(0.25))

	assert.Equal(t, 0, e.Analyze(context.Background(), types.DomainHome, "s", "alpha").Len())
	assert.Equal(t, 1, e.Analyze(context.Background(), types.DomainHome, "s", "alpha beta").Len())
}

func TestAnalyze_OrderIsStable(t *testing.T) {
	tmpl := func(name string, base float64) types.PatternTemplate {
		return types.PatternTemplate{
			Name:            name,
			TriggerKeywords: []string{"move"},
			DomainsInvolved: types.DomainSet{types.DomainHome, types.DomainFamily},
			BaseConfidence:  base,
		}
	}
	e := newTestEngine(t, []types.PatternTemplate{
		tmpl("c", 0.6), tmpl("a", 0.9), tmpl("b", 0.6), tmpl("d", 0.9), tmpl("e", 0.6),
	})

	names := func() []string {
		var out []string
		for occ := range e.Analyze(context.Background(), types.DomainHome, "s", "we move in june").All() {
			out = append(out, occ.TemplateName)
		}
		return out
	}

	want := []string{"a", "d", "c", "b", "e"}
	for i := 0; i < 20; i++ {
		require.Equal(t, want, names())
	}
}

func TestAnalyze_MultiWordTrigger(t *testing.T) {
	e := newTestEngine(t, []types.PatternTemplate{{
		Name:            "goal",
		TriggerKeywords: []string{"financial goal"},
		DomainsInvolved: types.DomainSet{types.DomainFinancial},
		BaseConfidence:  0.7,
	}})

	assert.Equal(t, 1, e.Analyze(context.Background(), types.DomainFamily, "s", "Our financial-goal for 2026").Len())
	assert.Equal(t, 0, e.Analyze(context.Background(), types.DomainFamily, "s", "a goal, financial or not").Len())
}

func TestAnalyze_MonetaryTrigger(t *testing.T) {
	e := newTestEngine(t, []types.PatternTemplate{{
		Name:            "money",
		TriggerKeywords: []string{MonetaryTrigger},
		DomainsInvolved: types.DomainSet{types.DomainFinancial},
		BaseConfidence:  0.9,
	}})
	ctx := context.Background()

	for _, text := range []string{"the roof quote was $1,200", "a budget of 300 for groceries", "Cost: 40 per month", "we want to save 10 percent"} {
		a := e.Analyze(ctx, types.DomainHome, "s", text)
		require.Equal(t, 1, a.Len(), text)
		occ := slices.Collect(a.All())[0]
		assert.Equal(t, []string{MonetaryTrigger}, occ.MatchedTriggers)
	}
	for _, text := range []string{"budget talk tomorrow", "twelve dollars", "$ later"} {
		assert.Equal(t, 0, e.Analyze(ctx, types.DomainHome, "s", text).Len(), text)
	}
}

func TestAnalyze_DefaultCatalogSuggestion(t *testing.T) {
	e := NewEngine(DefaultCatalog(), WithClock(func() time.Time { return fixedNow }))

	a := e.Analyze(context.Background(), types.DomainHome, "s1",
		"Hiring a contractor for the kitchen renovation and roof repair, quoted $12,000")
	require.Equal(t, 1, a.Len())

	occ := slices.Collect(a.All())[0]
	assert.Equal(t, "home_improvement_project", occ.TemplateName)
	assert.InDelta(t, 0.85*3/5, occ.Confidence, 1e-9)
	assert.Equal(t, types.DomainSet{types.DomainFinancial, types.DomainFamily}, occ.CrossDomain)

	sugg := a.Suggestions()
	require.Len(t, sugg, 1)
	assert.Equal(t, "financial_planning", sugg[0].Type)
	assert.Equal(t, "Create budget and timeline for home improvement project", sugg[0].Message)
	assert.Equal(t, types.DomainSet{types.DomainFinancial}, sugg[0].RelatedDomains)
	assert.InDelta(t, 0.9*0.85*3/5, sugg[0].Confidence, 1e-9)
}

func TestAnalysis_AllIsOneShot(t *testing.T) {
	e := newTestEngine(t, []types.PatternTemplate{familyTemplate("vacation", "family")})
	a := e.Analyze(context.Background(), types.DomainFinancial, "s1", "family vacation")

	assert.Len(t, slices.Collect(a.All()), 1)
	assert.Empty(t, slices.Collect(a.All()))
	assert.Equal(t, 1, a.Len())
}

func TestAnalyze_PersistFailureStillReturnsResult(t *testing.T) {
	store := &memoryStore{err: errors.New("disk full")}
	m := metrics.New(nil)
	e := newTestEngine(t, []types.PatternTemplate{familyTemplate("vacation", "family")}, WithStore(store), WithMetrics(m))

	a := e.Analyze(context.Background(), types.DomainFinancial, "s1", "family vacation")
	assert.Equal(t, 1, a.Len())
	assert.ErrorIs(t, a.Err(), storage.ErrPersistFailure)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PersistFailures.WithLabelValues("patterns")))
}

func TestEngine_AnalyticsAndHistory(t *testing.T) {
	store := &memoryStore{}
	e := newTestEngine(t, []types.PatternTemplate{
		familyTemplate("vacation", "family"),
		{
			Name:            "career",
			TriggerKeywords: []string{"promotion"},
			DomainsInvolved: types.DomainSet{types.DomainProfessional},
			BaseConfidence:  0.9,
		},
	}, WithStore(store))
	ctx := context.Background()

	e.Analyze(ctx, types.DomainFinancial, "s1", "family vacation")
	e.Analyze(ctx, types.DomainFamily, "s2", "family vacation after the promotion")
	e.Analyze(ctx, types.DomainHome, "s2", "nothing relevant")

	an := e.Analytics()
	assert.Equal(t, int64(3), an.Analyses)
	assert.Equal(t, map[string]int64{"financial_family_planning": 2, "career": 1}, an.Matches)
	assert.Equal(t, []string{"financial_family_planning", "career"}, an.Templates)

	hist, err := e.History(ctx, storage.OccurrenceQuery{SessionID: "s2"})
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}
