package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/gergy/internal/storage"
	"github.com/scrypster/gergy/pkg/types"
)

// newTestStore creates an in-memory SQLite store with all migrations applied.
func newTestStore(t *testing.T) *KnowledgeStore {
	t.Helper()
	store, err := NewKnowledgeStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInsertAndGetItem(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &types.KnowledgeItem{
		Domain:   types.DomainFinancial,
		Title:    "Quarterly taxes",
		Content:  "Estimated payment due on the 15th",
		Metadata: map[string]interface{}{"amount": 1200.0},
		Keywords: []string{"Tax", "deadline", "tax"},
	}
	require.NoError(t, store.InsertItem(ctx, item))
	assert.NotEmpty(t, item.ID)

	got, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DomainFinancial, got.Domain)
	assert.Equal(t, "Quarterly taxes", got.Title)
	assert.Equal(t, []string{"deadline", "tax"}, got.Keywords)
	assert.Equal(t, 1200.0, got.Metadata["amount"])
	assert.Nil(t, got.LastAccessedAt)
}

func TestInsertItem_Validation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.InsertItem(ctx, &types.KnowledgeItem{Domain: types.DomainHome, Content: "x"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	err = store.InsertItem(ctx, &types.KnowledgeItem{Domain: "Bad Domain", Title: "t", Content: "x"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestGetItem_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetItem(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestQueryItems(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	items := []*types.KnowledgeItem{
		{Domain: types.DomainFinancial, Title: "a", Content: "a", Keywords: []string{"tax"}, CreatedAt: base},
		{Domain: types.DomainFamily, Title: "b", Content: "b", Keywords: []string{"school"}, CreatedAt: base.Add(time.Hour)},
		{Domain: types.DomainFinancial, Title: "c", Content: "c", Keywords: []string{"budget", "school"}, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, it := range items {
		require.NoError(t, store.InsertItem(ctx, it))
	}

	t.Run("by domain", func(t *testing.T) {
		got, err := store.QueryItems(ctx, storage.ItemQuery{Domains: []types.Domain{types.DomainFinancial}})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a"}, titles(got))
	})

	t.Run("by keyword any-of", func(t *testing.T) {
		got, err := store.QueryItems(ctx, storage.ItemQuery{Keywords: []string{"SCHOOL"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, titles(got))
	})

	t.Run("by created range", func(t *testing.T) {
		got, err := store.QueryItems(ctx, storage.ItemQuery{
			CreatedAfter:  base.Add(30 * time.Minute),
			CreatedBefore: base.Add(90 * time.Minute),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, titles(got))
	})

	t.Run("usage frequency ranks first", func(t *testing.T) {
		require.NoError(t, store.RecordItemAccess(ctx, items[0].ID))
		got, err := store.QueryItems(ctx, storage.ItemQuery{Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "a", got[0].Title)
		assert.Equal(t, 1, got[0].UsageFrequency)
		assert.NotNil(t, got[0].LastAccessedAt)
	})
}

func TestAmendItem(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &types.KnowledgeItem{
		Domain:   types.DomainHome,
		Title:    "Roof",
		Content:  "Inspect before winter",
		Metadata: map[string]interface{}{"priority": "high"},
		Keywords: []string{"roof"},
	}
	require.NoError(t, store.InsertItem(ctx, item))

	got, err := store.AmendItem(ctx, item.ID, types.ItemAmendment{
		Metadata: map[string]interface{}{"contractor": "acme"},
		Keywords: []string{"maintenance"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Roof", got.Title)
	assert.Equal(t, "Inspect before winter", got.Content)
	assert.Equal(t, "high", got.Metadata["priority"])
	assert.Equal(t, "acme", got.Metadata["contractor"])
	assert.Equal(t, []string{"maintenance", "roof"}, got.Keywords)

	stored, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Keywords, stored.Keywords)

	_, err = store.AmendItem(ctx, "missing", types.ItemAmendment{Keywords: []string{"x"}})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecordItemAccess_NotFound(t *testing.T) {
	store := newTestStore(t)
	assert.ErrorIs(t, store.RecordItemAccess(context.Background(), "missing"), storage.ErrNotFound)
}

func TestOccurrences(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	occs := []*types.PatternOccurrence{
		{
			TemplateName:    "financial_stress_indicator",
			SessionID:       "s1",
			Domain:          types.DomainFinancial,
			MatchedDomains:  types.DomainSet{types.DomainFinancial, types.DomainFamily},
			CrossDomain:     types.DomainSet{types.DomainFamily},
			MatchedTriggers: []string{"budget", "tight"},
			Confidence:      0.4,
			DetectedAt:      base,
		},
		{
			TemplateName:    "time_management_overload",
			SessionID:       "s1",
			Domain:          types.DomainProfessional,
			MatchedDomains:  types.DomainSet{types.DomainProfessional},
			MatchedTriggers: []string{"busy"},
			Confidence:      0.7,
			DetectedAt:      base.Add(time.Minute),
		},
		{
			TemplateName: "financial_stress_indicator",
			SessionID:    "s2",
			Domain:       types.DomainFinancial,
			Confidence:   0.6,
			DetectedAt:   base.Add(2 * time.Minute),
		},
	}
	for _, o := range occs {
		require.NoError(t, store.InsertOccurrence(ctx, o))
		assert.NotEmpty(t, o.ID)
	}

	got, err := store.QueryOccurrences(ctx, storage.OccurrenceQuery{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "time_management_overload", got[0].TemplateName)
	assert.Equal(t, types.DomainSet{types.DomainFinancial, types.DomainFamily}, got[1].MatchedDomains)
	assert.Equal(t, types.DomainSet{types.DomainFamily}, got[1].CrossDomain)
	assert.Equal(t, []string{"budget", "tight"}, got[1].MatchedTriggers)

	got, err = store.QueryOccurrences(ctx, storage.OccurrenceQuery{
		TemplateName:  "financial_stress_indicator",
		MinConfidence: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].SessionID)

	err = store.InsertOccurrence(ctx, &types.PatternOccurrence{SessionID: "s1"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestCommitUsage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetBudgetRecord(ctx, types.DomainFinancial, "2025-03-01")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	commit := func(spent, amount float64, overage bool) {
		t.Helper()
		rec := &types.BudgetRecord{
			Domain: types.DomainFinancial, Date: "2025-03-01",
			Spent: spent, Limit: 15, Overage: overage,
		}
		usage := &types.UsageRecord{
			Domain: types.DomainFinancial, Date: "2025-03-01",
			Amount: amount, ReservationID: "res-1", Overage: overage,
		}
		require.NoError(t, store.CommitUsage(ctx, rec, usage))
	}

	commit(10, 10, false)
	commit(16, 6, true)
	// a later write without the flag must not clear it
	commit(17, 1, false)

	rec, err := store.GetBudgetRecord(ctx, types.DomainFinancial, "2025-03-01")
	require.NoError(t, err)
	assert.InDelta(t, 17.0, rec.Spent, 1e-9)
	assert.InDelta(t, 15.0, rec.Limit, 1e-9)
	assert.True(t, rec.Overage)

	usage, err := store.QueryUsage(ctx, storage.UsageQuery{Domain: types.DomainFinancial})
	require.NoError(t, err)
	require.Len(t, usage, 3)
	var sum float64
	for _, u := range usage {
		sum += u.Amount
		assert.Equal(t, "res-1", u.ReservationID)
	}
	assert.InDelta(t, rec.Spent, sum, 1e-9)
}

func TestCommitUsage_RejectsNegativeSpend(t *testing.T) {
	store := newTestStore(t)
	rec := &types.BudgetRecord{Domain: types.DomainHome, Date: "2025-03-01", Spent: -1, Limit: 8}
	usage := &types.UsageRecord{Domain: types.DomainHome, Date: "2025-03-01", Amount: -1}
	assert.ErrorIs(t, store.CommitUsage(context.Background(), rec, usage), storage.ErrInvalidInput)
}

func TestListBudgetRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, day := range []string{"2025-03-01", "2025-03-02", "2025-03-03"} {
		for _, d := range []types.Domain{types.DomainHome, types.DomainFamily} {
			rec := &types.BudgetRecord{Domain: d, Date: day, Spent: 1, Limit: 8}
			usage := &types.UsageRecord{Domain: d, Date: day, Amount: 1}
			require.NoError(t, store.CommitUsage(ctx, rec, usage))
		}
	}

	recs, err := store.ListBudgetRecords(ctx, "2025-03-02", "2025-03-03")
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, "2025-03-02", recs[0].Date)
	assert.Equal(t, types.DomainFamily, recs[0].Domain)
	assert.Equal(t, types.DomainHome, recs[1].Domain)

	usage, err := store.QueryUsage(ctx, storage.UsageQuery{FromDate: "2025-03-03", ToDate: "2025-03-03"})
	require.NoError(t, err)
	assert.Len(t, usage, 2)
}

func TestSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sess := &types.SessionContext{
		SessionID: "abc",
		Domain:    types.DomainFamily,
		AccumulatedText: []types.Turn{
			{Domain: types.DomainFamily, Text: "school fees", At: now},
		},
		StartedAt:    now,
		LastActiveAt: now,
		Active:       true,
	}
	require.NoError(t, store.UpsertSession(ctx, sess))

	sess.AccumulatedText = append(sess.AccumulatedText, types.Turn{Domain: types.DomainFinancial, Text: "budget", At: now.Add(time.Minute)})
	sess.LastActiveAt = now.Add(time.Minute)
	sess.Reopened = 1
	require.NoError(t, store.UpsertSession(ctx, sess))

	got, err := store.GetSession(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, types.DomainFamily, got.Domain)
	assert.True(t, got.Active)
	assert.Equal(t, 1, got.Reopened)
	require.Len(t, got.AccumulatedText, 2)
	assert.Equal(t, "budget", got.AccumulatedText[1].Text)
	assert.True(t, got.LastActiveAt.Equal(now.Add(time.Minute)))

	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gergy.db")

	first, err := NewKnowledgeStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, first.InsertItem(context.Background(), &types.KnowledgeItem{
		Domain: types.DomainHome, Title: "t", Content: "c",
	}))
	require.NoError(t, first.Close())

	second, err := NewKnowledgeStore(path, nil)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.QueryItems(context.Background(), storage.ItemQuery{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestConcurrentCommitUsage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			usage := &types.UsageRecord{Domain: types.DomainLifestyle, Date: "2025-03-01", Amount: 0.5}
			rec := &types.BudgetRecord{Domain: types.DomainLifestyle, Date: "2025-03-01", Spent: 0.5, Limit: 8}
			assert.NoError(t, store.CommitUsage(ctx, rec, usage))
		}()
	}
	wg.Wait()

	usage, err := store.QueryUsage(ctx, storage.UsageQuery{Domain: types.DomainLifestyle})
	require.NoError(t, err)
	assert.Len(t, usage, 20)
}

func titles(items []*types.KnowledgeItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Title
	}
	return out
}
