package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrypster/gergy/pkg/types"
)

// DefaultAlertThresholds are the fractions of the daily ceiling that raise an
// alert, each at most once per (domain, date).
var DefaultAlertThresholds = []float64{0.5, 0.8, 0.9, 1.0}

// AlertSink receives budget alerts as system knowledge items.
type AlertSink interface {
	InsertItem(ctx context.Context, item *types.KnowledgeItem) error
}

// alertMessage returns the text for a threshold crossing.
func alertMessage(threshold float64) string {
	if threshold >= 1 {
		return "Daily budget limit exceeded!"
	}
	return fmt.Sprintf("%d%% of daily budget used", int(math.Round(threshold*100)))
}

func usageRatio(spent, limit float64) float64 {
	if limit <= 0 {
		if spent > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return (spent + tolerance) / limit
}

// markPassedThresholdsLocked suppresses alerts already crossed by hydrated
// spend, so a restart does not repeat them.
func (l *Ledger) markPassedThresholdsLocked(s *slice) {
	ratio := usageRatio(s.spent, s.limit)
	for _, t := range l.thresholds {
		if ratio >= t {
			s.alerted[t] = true
		}
	}
}

func (l *Ledger) pendingAlertsLocked(s *slice) []float64 {
	ratio := usageRatio(s.spent, s.limit)
	var out []float64
	for _, t := range l.thresholds {
		if ratio >= t && !s.alerted[t] {
			s.alerted[t] = true
			out = append(out, t)
		}
	}
	return out
}

// fireAlerts logs each crossed threshold and records it in the alert sink.
// Sink failures are logged and counted only.
func (l *Ledger) fireAlerts(ctx context.Context, status Status, thresholds []float64) {
	for _, t := range thresholds {
		message := alertMessage(t)
		label := strconv.FormatFloat(t, 'f', -1, 64)
		l.metrics.BudgetAlerts.WithLabelValues(string(status.Domain), label).Inc()
		l.logger.WithFields(logrus.Fields{
			"domain": status.Domain,
			"date":   status.Date,
			"spent":  status.Spent,
			"limit":  status.Limit,
		}).Warn("budget alert: " + message)

		if l.alertSink == nil {
			continue
		}

		content, err := json.Marshal(map[string]interface{}{
			"domain":       status.Domain,
			"date":         status.Date,
			"message":      message,
			"threshold":    t,
			"current_cost": status.Spent,
			"daily_limit":  status.Limit,
			"timestamp":    l.now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			continue
		}

		item := &types.KnowledgeItem{
			Domain:  types.DomainSystem,
			Title:   fmt.Sprintf("Budget Alert: %s", status.Domain),
			Content: string(content),
			Metadata: map[string]interface{}{
				"type":      "budget_alert",
				"severity":  severity(t),
				"threshold": t,
				"date":      status.Date,
			},
			Keywords: []string{"budget", "alert", "cost", string(status.Domain)},
		}
		if err := l.alertSink.InsertItem(ctx, item); err != nil {
			l.metrics.PersistFailures.WithLabelValues("budget_alert").Inc()
			l.logger.WithError(err).WithField("domain", status.Domain).Error("budget: failed to store alert")
		}
	}
}

func severity(threshold float64) string {
	if threshold >= 1 {
		return "critical"
	}
	return "warning"
}
