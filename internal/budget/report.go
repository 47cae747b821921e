package budget

import (
	"context"
	"fmt"
	"sort"

	"github.com/scrypster/gergy/pkg/types"
)

// Report summarizes spend over a window of days ending today.
type Report struct {
	From          string                   `json:"from"`
	To            string                   `json:"to"`
	Records       []*types.BudgetRecord    `json:"records"`
	TotalByDomain map[types.Domain]float64 `json:"total_by_domain"`
	Total         float64                  `json:"total"`
	OverageDays   int                      `json:"overage_days"`
}

// Report returns per-domain per-day spend for the last days days, today
// included. Without a store only slices still held in memory are reported.
func (l *Ledger) Report(ctx context.Context, days int) (*Report, error) {
	if days < 1 {
		days = 1
	}
	now := l.now()
	to := types.DayKey(now, l.loc)
	from := types.DayKey(now.In(l.loc).AddDate(0, 0, -(days - 1)), l.loc)

	var records []*types.BudgetRecord
	if l.store != nil {
		var err error
		records, err = l.store.ListBudgetRecords(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("budget: failed to list records: %w", err)
		}
	} else {
		records = l.memoryRecords(from, to)
	}

	r := &Report{
		From:          from,
		To:            to,
		Records:       records,
		TotalByDomain: make(map[types.Domain]float64),
	}
	for _, rec := range records {
		r.TotalByDomain[rec.Domain] += rec.Spent
		r.Total += rec.Spent
		if rec.Overage {
			r.OverageDays++
		}
	}
	return r, nil
}

func (l *Ledger) memoryRecords(from, to string) []*types.BudgetRecord {
	var out []*types.BudgetRecord
	l.slices.Range(func(_, v interface{}) bool {
		s := v.(*slice)
		s.mu.Lock()
		if s.key.date >= from && s.key.date <= to && !s.retired {
			out = append(out, &types.BudgetRecord{
				Domain:  s.key.domain,
				Date:    s.key.date,
				Spent:   s.spent,
				Limit:   s.limit,
				Overage: s.overage,
			})
		}
		s.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}
