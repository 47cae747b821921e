package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/gergy/internal/budget"
	"github.com/scrypster/gergy/internal/cache"
	"github.com/scrypster/gergy/internal/engine"
	"github.com/scrypster/gergy/internal/patterns"
	"github.com/scrypster/gergy/internal/session"
	"github.com/scrypster/gergy/internal/storage"
	"github.com/scrypster/gergy/pkg/types"
)

// fakeCoordinator records calls and returns canned results.
type fakeCoordinator struct {
	lastRequest engine.Request
	lastHistory storage.OccurrenceQuery
	lastSearch  []types.Domain
	lastWarm    map[string]json.RawMessage
	processErr  error
	settleErr   error
	cacheOn     bool
}

func (f *fakeCoordinator) Process(_ context.Context, req engine.Request) (*engine.Result, error) {
	f.lastRequest = req
	if f.processErr != nil {
		return nil, f.processErr
	}
	return &engine.Result{
		Suggestions:  []types.Suggestion{{Pattern: "p", Type: "cross_domain_insight", Confidence: 0.8}},
		BudgetStatus: budget.Status{Domain: req.Domain, Admitted: true, Spent: req.EstimatedCost, Limit: 15},
	}, nil
}

func (f *fakeCoordinator) Settle(_ context.Context, id string, actual float64) (budget.Status, error) {
	if id == "missing" {
		return budget.Status{}, fmt.Errorf("%w: %s", budget.ErrReservationNotFound, id)
	}
	return budget.Status{Admitted: true, Spent: actual}, f.settleErr
}

func (f *fakeCoordinator) Release(_ context.Context, id string) error {
	if id == "missing" {
		return budget.ErrReservationNotFound
	}
	return nil
}

func (f *fakeCoordinator) BudgetStatus(_ context.Context, d types.Domain) (budget.Status, error) {
	return budget.Status{Domain: d, Admitted: true, Limit: 10, Remaining: 10}, nil
}

func (f *fakeCoordinator) BudgetReport(_ context.Context, days int) (*budget.Report, error) {
	return &budget.Report{From: fmt.Sprintf("-%d", days)}, nil
}

func (f *fakeCoordinator) CacheStats() (cache.Stats, bool) {
	if !f.cacheOn {
		return cache.Stats{}, false
	}
	return cache.Stats{Hits: 3, Misses: 1, HitRate: 0.75, Available: true}, true
}

func (f *fakeCoordinator) PatternAnalytics() patterns.Analytics {
	return patterns.Analytics{Analyses: 2, Matches: map[string]int64{"p": 1}}
}

func (f *fakeCoordinator) Session(_ context.Context, id string) (types.SessionContext, error) {
	if id != "s1" {
		return types.SessionContext{}, session.ErrNotFound
	}
	return types.SessionContext{SessionID: "s1", Active: true}, nil
}

func (f *fakeCoordinator) CrossDomainInsights(_ context.Context, d types.Domain, limit int) ([]engine.Insight, error) {
	if !f.cacheOn {
		return []engine.Insight{}, nil
	}
	return []engine.Insight{{Domain: types.DomainFinancial, Key: "gergy:financial:abc", Relevance: float64(limit) / 10, CrossDomainHits: 1}}, nil
}

func (f *fakeCoordinator) InvalidateCache(_ context.Context, d types.Domain) (int, error) {
	if !f.cacheOn {
		return 0, engine.ErrCacheDisabled
	}
	return 4, nil
}

func (f *fakeCoordinator) WarmCache(_ context.Context, d types.Domain, entries map[string]json.RawMessage, relevance float64) (int, error) {
	if !f.cacheOn {
		return 0, engine.ErrCacheDisabled
	}
	f.lastWarm = entries
	return len(entries), nil
}

func (f *fakeCoordinator) PatternHistory(_ context.Context, q storage.OccurrenceQuery) ([]*types.PatternOccurrence, error) {
	f.lastHistory = q
	return []*types.PatternOccurrence{{TemplateName: "p", SessionID: q.SessionID}}, nil
}

func (f *fakeCoordinator) SearchKnowledge(_ context.Context, domains []types.Domain, query string, limit int) ([]*types.KnowledgeItem, error) {
	f.lastSearch = domains
	return []*types.KnowledgeItem{{ID: "k1", Title: query, UsageFrequency: 1}}, nil
}

func call(t *testing.T, s *Server, raw string) Response {
	t.Helper()
	out, err := s.HandleRequest(context.Background(), []byte(raw))
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func resultAs(t *testing.T, resp Response, dst interface{}) {
	t.Helper()
	require.Nil(t, resp.Error)
	b, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, dst))
}

func TestServer_Process(t *testing.T) {
	fc := &fakeCoordinator{}
	s := NewServer(fc, nil)

	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"intelligence.process","params":{"domain":"financial","session_id":"s1","text":"family vacation","estimated_cost":2.5,"defer_commit":true}}`)
	assert.Equal(t, float64(1), resp.ID)

	var res engine.Result
	resultAs(t, resp, &res)
	assert.True(t, res.BudgetStatus.Admitted)
	assert.Len(t, res.Suggestions, 1)

	assert.Equal(t, types.DomainFinancial, fc.lastRequest.Domain)
	assert.Equal(t, "family vacation", fc.lastRequest.Text)
	assert.True(t, fc.lastRequest.DeferCommit)
}

func TestServer_ErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		fc   *fakeCoordinator
		raw  string
		code int
	}{
		{"parse error", &fakeCoordinator{}, `{not json`, ErrCodeParseError},
		{"wrong version", &fakeCoordinator{}, `{"jsonrpc":"1.0","id":1,"method":"ping"}`, ErrCodeInvalidRequest},
		{"unknown method", &fakeCoordinator{}, `{"jsonrpc":"2.0","id":1,"method":"nope"}`, ErrCodeMethodNotFound},
		{"missing params", &fakeCoordinator{}, `{"jsonrpc":"2.0","id":1,"method":"intelligence.process"}`, ErrCodeInvalidParams},
		{"bad params", &fakeCoordinator{}, `{"jsonrpc":"2.0","id":1,"method":"intelligence.settle","params":{"actual_cost":"x"}}`, ErrCodeInvalidParams},
		{"missing reservation id", &fakeCoordinator{}, `{"jsonrpc":"2.0","id":1,"method":"intelligence.settle","params":{"actual_cost":1}}`, ErrCodeInvalidParams},
		{"invalid request", &fakeCoordinator{processErr: fmt.Errorf("%w: bad domain", engine.ErrInvalidRequest)}, `{"jsonrpc":"2.0","id":1,"method":"intelligence.process","params":{}}`, ErrCodeInvalidParams},
		{"unknown domain", &fakeCoordinator{processErr: budget.ErrUnknownDomain}, `{"jsonrpc":"2.0","id":1,"method":"intelligence.process","params":{}}`, ErrCodeInvalidParams},
		{"unknown reservation", &fakeCoordinator{}, `{"jsonrpc":"2.0","id":1,"method":"intelligence.settle","params":{"reservation_id":"missing","actual_cost":1}}`, ErrCodeServerError},
		{"unknown session", &fakeCoordinator{}, `{"jsonrpc":"2.0","id":1,"method":"session.get","params":{"session_id":"zz"}}`, ErrCodeServerError},
		{"invalid budget domain", &fakeCoordinator{}, `{"jsonrpc":"2.0","id":1,"method":"budget.status","params":{"domain":"garage"}}`, ErrCodeInvalidParams},
		{"insights without domain", &fakeCoordinator{}, `{"jsonrpc":"2.0","id":1,"method":"intelligence.insights","params":{}}`, ErrCodeInvalidParams},
		{"invalidate with cache off", &fakeCoordinator{}, `{"jsonrpc":"2.0","id":1,"method":"cache.invalidate","params":{"domain":"home"}}`, ErrCodeServerError},
		{"warm without entries", &fakeCoordinator{cacheOn: true}, `{"jsonrpc":"2.0","id":1,"method":"cache.warm","params":{"domain":"home"}}`, ErrCodeInvalidParams},
		{"search without query", &fakeCoordinator{}, `{"jsonrpc":"2.0","id":1,"method":"knowledge.search","params":{"domains":["home"]}}`, ErrCodeInvalidParams},
		{"internal", &fakeCoordinator{processErr: fmt.Errorf("boom")}, `{"jsonrpc":"2.0","id":1,"method":"intelligence.process","params":{}}`, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, NewServer(tt.fc, nil), tt.raw)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Nil(t, resp.Result)
		})
	}
}

func TestServer_Settle(t *testing.T) {
	fc := &fakeCoordinator{}
	s := NewServer(fc, nil)

	var res SettleResult
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":"a","method":"intelligence.settle","params":{"reservation_id":"r1","actual_cost":1.5}}`), &res)
	assert.Equal(t, 1.5, res.BudgetStatus.Spent)
	assert.Empty(t, res.Degraded)

	// a persist failure still settles
	fc.settleErr = fmt.Errorf("%w: disk full", storage.ErrPersistFailure)
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":"b","method":"intelligence.settle","params":{"reservation_id":"r2","actual_cost":2}}`), &res)
	assert.Equal(t, []string{engine.DegradedBudgetPersist}, res.Degraded)
}

func TestServer_ReadMethods(t *testing.T) {
	fc := &fakeCoordinator{cacheOn: true}
	s := NewServer(fc, nil)

	var status budget.Status
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":1,"method":"budget.status","params":{"domain":"family"}}`), &status)
	assert.Equal(t, types.DomainFamily, status.Domain)
	assert.Equal(t, 10.0, status.Remaining)

	var report budget.Report
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":2,"method":"budget.report"}`), &report)
	assert.Equal(t, "-7", report.From)

	var stats CacheStatsResult
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":3,"method":"cache.stats"}`), &stats)
	assert.True(t, stats.Enabled)
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, 0.75, stats.HitRate)

	var an patterns.Analytics
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":4,"method":"patterns.analytics"}`), &an)
	assert.Equal(t, int64(2), an.Analyses)

	var sess types.SessionContext
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":5,"method":"session.get","params":{"session_id":"s1"}}`), &sess)
	assert.Equal(t, "s1", sess.SessionID)

	var released map[string]bool
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":6,"method":"intelligence.release","params":{"reservation_id":"r1"}}`), &released)
	assert.True(t, released["released"])

	var pong map[string]string
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":7,"method":"ping"}`), &pong)
	assert.Equal(t, "ok", pong["status"])
}

func TestServer_CacheDisabled(t *testing.T) {
	var stats CacheStatsResult
	resultAs(t, call(t, NewServer(&fakeCoordinator{}, nil), `{"jsonrpc":"2.0","id":1,"method":"cache.stats"}`), &stats)
	assert.False(t, stats.Enabled)
}

func TestServer_CrossDomainMethods(t *testing.T) {
	fc := &fakeCoordinator{cacheOn: true}
	s := NewServer(fc, nil)

	var insights InsightsResult
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":1,"method":"intelligence.insights","params":{"domain":"family","limit":3}}`), &insights)
	require.Len(t, insights.Insights, 1)
	assert.Equal(t, types.DomainFinancial, insights.Insights[0].Domain)
	assert.InDelta(t, 0.3, insights.Insights[0].Relevance, 1e-9)

	var removed map[string]int
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":2,"method":"cache.invalidate","params":{"domain":"home"}}`), &removed)
	assert.Equal(t, 4, removed["removed"])

	var stored map[string]int
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":3,"method":"cache.warm","params":{"domain":"home","entries":{"gutter cleaning":{"suggestions":[]}}}}`), &stored)
	assert.Equal(t, 1, stored["stored"])
	assert.JSONEq(t, `{"suggestions":[]}`, string(fc.lastWarm["gutter cleaning"]))

	var history PatternHistoryResult
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":4,"method":"patterns.history","params":{"session_id":"s1","min_confidence":0.5}}`), &history)
	require.Len(t, history.Occurrences, 1)
	assert.Equal(t, "s1", history.Occurrences[0].SessionID)
	assert.Equal(t, 0.5, fc.lastHistory.MinConfidence)

	// history filters are optional
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":5,"method":"patterns.history"}`), &history)
	assert.Equal(t, storage.OccurrenceQuery{}, fc.lastHistory)

	var found KnowledgeSearchResult
	resultAs(t, call(t, s, `{"jsonrpc":"2.0","id":6,"method":"knowledge.search","params":{"domains":["financial"],"query":"tax deadline"}}`), &found)
	require.Len(t, found.Items, 1)
	assert.Equal(t, "tax deadline", found.Items[0].Title)
	assert.Equal(t, []types.Domain{types.DomainFinancial}, fc.lastSearch)
}
