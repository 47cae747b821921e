package types

import "time"

// DateLayout is the day-granularity key format used for budget slices.
const DateLayout = "2006-01-02"

// BudgetRecord is one domain's spend for one day. Spent never decreases
// within a day; a new day starts a new record.
type BudgetRecord struct {
	Domain    Domain    `json:"domain"`
	Date      string    `json:"date"` // YYYY-MM-DD in the ledger's time zone
	Spent     float64   `json:"spent"`
	Limit     float64   `json:"limit"`
	Overage   bool      `json:"overage"` // spent has exceeded limit at least once
	UpdatedAt time.Time `json:"updated_at"`
}

// UsageRecord is the append-only journal line written for every committed
// amount. BudgetRecord.Spent equals the sum of its UsageRecords.
type UsageRecord struct {
	ID            string                 `json:"id"`
	Domain        Domain                 `json:"domain"`
	Date          string                 `json:"date"`
	Amount        float64                `json:"amount"`
	Estimated     float64                `json:"estimated"` // reserved amount, 0 for direct commits
	ReservationID string                 `json:"reservation_id,omitempty"`
	Overage       bool                   `json:"overage"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// DayKey formats t as a budget date in loc.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}
