// Package budget implements the per-domain daily spending ledger.
//
// Every (domain, date) pair is an independent slice guarded by its own mutex,
// so concurrent callers in one domain are linearized while other domains
// never wait on them. Admission counts committed spend plus live provisional
// reservations; reservations that are never committed are released after a
// timeout.
package budget

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/gergy/internal/logging"
	"github.com/scrypster/gergy/internal/metrics"
	"github.com/scrypster/gergy/internal/storage"
	"github.com/scrypster/gergy/pkg/types"
)

// DefaultReservationTimeout bounds how long an uncommitted reservation holds
// budget.
const DefaultReservationTimeout = 30 * time.Second

// tombstoneTTL is how long an expired reservation can still be committed as a
// direct add.
const tombstoneTTL = 24 * time.Hour

// UsageStore is the subset of the knowledge store the ledger persists to.
type UsageStore interface {
	GetBudgetRecord(ctx context.Context, domain types.Domain, date string) (*types.BudgetRecord, error)
	CommitUsage(ctx context.Context, rec *types.BudgetRecord, usage *types.UsageRecord) error
	ListBudgetRecords(ctx context.Context, from, to string) ([]*types.BudgetRecord, error)
}

// Status is a point-in-time view of one budget slice.
type Status struct {
	Domain    types.Domain `json:"domain"`
	Date      string       `json:"date"`
	Admitted  bool         `json:"admitted"`
	Spent     float64      `json:"spent"`
	Reserved  float64      `json:"reserved"`
	Limit     float64      `json:"limit"`
	Remaining float64      `json:"remaining"`
	Overage   bool         `json:"overage"`
	Deficit   float64      `json:"deficit,omitempty"`
}

// Reservation is a provisional hold on budget returned by Reserve.
type Reservation struct {
	ID        string       `json:"id"`
	Domain    types.Domain `json:"domain"`
	Date      string       `json:"date"`
	Amount    float64      `json:"amount"`
	ExpiresAt time.Time    `json:"expires_at"`
	Status    Status       `json:"status"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithReservationTimeout sets how long reservations live without a commit.
func WithReservationTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithLocation sets the time zone that defines day boundaries.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Ledger) { l.logger = logging.OrDiscard(logger) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = metrics.OrNew(m) }
}

// WithAlerts enables threshold alerts written to sink. thresholds are
// fractions of the daily ceiling; nil uses DefaultAlertThresholds.
func WithAlerts(sink AlertSink, thresholds []float64) Option {
	return func(l *Ledger) {
		l.alertSink = sink
		if thresholds != nil {
			l.thresholds = thresholds
		}
	}
}

// Ledger tracks spend per (domain, date) against configured ceilings.
type Ledger struct {
	store   UsageStore
	limits  map[types.Domain]float64
	timeout time.Duration
	loc     *time.Location
	now     func() time.Time
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	alertSink  AlertSink
	thresholds []float64

	slices sync.Map // sliceKey -> *slice
	index  sync.Map // reservation ID -> sliceKey
}

// NewLedger creates a ledger. store may be nil for a purely in-memory ledger.
// limits is copied; domains absent from it are rejected with
// ErrUnknownDomain.
func NewLedger(store UsageStore, limits map[types.Domain]float64, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		limits:     make(map[types.Domain]float64, len(limits)),
		timeout:    DefaultReservationTimeout,
		loc:        time.UTC,
		now:        time.Now,
		logger:     logging.Discard(),
		thresholds: DefaultAlertThresholds,
	}
	for d, v := range limits {
		l.limits[d] = v
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = metrics.New(nil)
	}
	return l
}

// Today returns the current budget date in the ledger's time zone.
func (l *Ledger) Today() string {
	return types.DayKey(l.now(), l.loc)
}

// Limit returns the configured ceiling for domain.
func (l *Ledger) Limit(domain types.Domain) (float64, bool) {
	v, ok := l.limits[domain]
	return v, ok
}

// Domains returns the domains with a configured ceiling, sorted.
func (l *Ledger) Domains() []types.Domain {
	return slices.Sorted(maps.Keys(l.limits))
}

// Reserve atomically checks spent + reserved + amount against the ceiling
// and, when it fits, holds amount until Commit, Release or the timeout.
// Denial returns *ExceededError, which wraps ErrBudgetExceeded.
func (l *Ledger) Reserve(ctx context.Context, domain types.Domain, date string, amount float64) (Reservation, error) {
	if err := checkAmount(amount); err != nil {
		return Reservation{}, err
	}

	s, err := l.acquire(ctx, domain, date)
	if err != nil {
		return Reservation{}, err
	}
	defer s.mu.Unlock()

	now := l.now()
	l.reapLocked(s, now)

	reserved := s.reservedLocked()
	if s.exceedsLocked(s.spent + reserved + amount) {
		l.metrics.BudgetAdmissions.WithLabelValues(string(domain), "denied").Inc()
		exceeded := &ExceededError{
			Domain:    domain,
			Date:      date,
			Requested: amount,
			Spent:     s.spent,
			Reserved:  reserved,
			Limit:     s.limit,
			Deficit:   s.spent + reserved + amount - s.limit,
		}
		l.logger.WithFields(logrus.Fields{
			"domain":  domain,
			"date":    date,
			"amount":  amount,
			"deficit": exceeded.Deficit,
		}).Info("budget: reservation denied")
		return Reservation{Status: s.statusLocked(false, exceeded.Deficit)}, exceeded
	}

	res := &reservation{
		id:        uuid.New().String(),
		amount:    amount,
		expiresAt: now.Add(l.timeout),
	}
	s.reservations[res.id] = res
	l.index.Store(res.id, s.key)
	l.metrics.BudgetAdmissions.WithLabelValues(string(domain), "admitted").Inc()

	return Reservation{
		ID:        res.id,
		Domain:    domain,
		Date:      date,
		Amount:    amount,
		ExpiresAt: res.expiresAt,
		Status:    s.statusLocked(true, 0),
	}, nil
}

// Commit finalizes reservationID with the actual cost, which may differ from
// the reserved estimate. A reservation that already timed out is committed
// as a direct add. Overage is flagged, never dropped.
//
// When the store write fails the in-memory ledger keeps the new spend and the
// returned error wraps storage.ErrPersistFailure.
func (l *Ledger) Commit(ctx context.Context, reservationID string, actual float64) (Status, error) {
	if err := checkAmount(actual); err != nil {
		return Status{}, err
	}

	v, ok := l.index.Load(reservationID)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	key := v.(sliceKey)

	s, err := l.acquire(ctx, key.domain, key.date)
	if err != nil {
		return Status{}, err
	}

	l.reapLocked(s, l.now())

	estimated := 0.0
	if res, live := s.reservations[reservationID]; live {
		estimated = res.amount
		delete(s.reservations, reservationID)
	} else if _, expired := s.tombstones[reservationID]; expired {
		delete(s.tombstones, reservationID)
		l.logger.WithFields(logrus.Fields{
			"domain":         key.domain,
			"date":           key.date,
			"reservation_id": reservationID,
		}).Warn("budget: committing expired reservation as direct add")
	} else {
		s.mu.Unlock()
		return Status{}, fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	l.index.Delete(reservationID)

	return l.commitLocked(ctx, s, actual, estimated, reservationID)
}

// CommitDirect adds amount to (domain, date) without a prior reservation.
func (l *Ledger) CommitDirect(ctx context.Context, domain types.Domain, date string, amount float64) (Status, error) {
	if err := checkAmount(amount); err != nil {
		return Status{}, err
	}

	s, err := l.acquire(ctx, domain, date)
	if err != nil {
		return Status{}, err
	}
	l.reapLocked(s, l.now())

	return l.commitLocked(ctx, s, amount, 0, "")
}

// commitLocked applies amount to s, persists, and unlocks s before firing
// alerts.
func (l *Ledger) commitLocked(ctx context.Context, s *slice, amount, estimated float64, reservationID string) (Status, error) {
	s.spent += amount
	overage := s.exceedsLocked(s.spent)
	if overage {
		s.overage = true
		l.metrics.BudgetOverages.WithLabelValues(string(s.key.domain)).Inc()
		l.logger.WithFields(logrus.Fields{
			"domain": s.key.domain,
			"date":   s.key.date,
			"spent":  s.spent,
			"limit":  s.limit,
		}).Warn("budget: daily ceiling exceeded")
	}
	if s.key.date == l.Today() {
		l.metrics.BudgetSpent.WithLabelValues(string(s.key.domain)).Set(s.spent)
	}

	var persistErr error
	if l.store != nil {
		now := l.now()
		rec := &types.BudgetRecord{
			Domain:  s.key.domain,
			Date:    s.key.date,
			Spent:   s.spent,
			Limit:   s.limit,
			Overage: s.overage,
		}
		usage := &types.UsageRecord{
			Domain:        s.key.domain,
			Date:          s.key.date,
			Amount:        amount,
			Estimated:     estimated,
			ReservationID: reservationID,
			Overage:       overage,
			CreatedAt:     now,
		}
		if err := l.store.CommitUsage(ctx, rec, usage); err != nil {
			l.metrics.PersistFailures.WithLabelValues("budget").Inc()
			l.logger.WithError(err).WithFields(logrus.Fields{
				"domain": s.key.domain,
				"date":   s.key.date,
			}).Error("budget: failed to persist usage")
			persistErr = fmt.Errorf("%w: budget usage: %v", storage.ErrPersistFailure, err)
		}
	}

	status := s.statusLocked(true, 0)
	alerts := l.pendingAlertsLocked(s)
	s.mu.Unlock()

	l.fireAlerts(ctx, status, alerts)
	return status, persistErr
}

// Release returns a reservation's amount to the pool without committing.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	v, ok := l.index.Load(reservationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	key := v.(sliceKey)

	s, err := l.acquire(ctx, key.domain, key.date)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	l.index.Delete(reservationID)
	if _, ok := s.reservations[reservationID]; ok {
		delete(s.reservations, reservationID)
		return nil
	}
	if _, ok := s.tombstones[reservationID]; ok {
		delete(s.tombstones, reservationID)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
}

// ReapExpired releases every reservation past its timeout and returns how
// many it released. With a store, idle slices for dates before yesterday are
// dropped from memory; they hydrate again on the next access. Without one
// memory is the only record of past days, so they are kept.
func (l *Ledger) ReapExpired(now time.Time) int {
	yesterday := types.DayKey(now.Add(-24*time.Hour), l.loc)
	released := 0

	l.slices.Range(func(k, v interface{}) bool {
		s := v.(*slice)
		s.mu.Lock()
		released += l.reapLocked(s, now)
		if l.store != nil && s.key.date < yesterday && len(s.reservations) == 0 && len(s.tombstones) == 0 {
			s.retired = true
			l.slices.Delete(k)
		}
		s.mu.Unlock()
		return true
	})
	return released
}

// CurrentSpend returns the committed spend for (domain, date).
func (l *Ledger) CurrentSpend(ctx context.Context, domain types.Domain, date string) (float64, error) {
	st, err := l.Status(ctx, domain, date)
	if err != nil {
		return 0, err
	}
	return st.Spent, nil
}

// Status returns the current view of (domain, date).
func (l *Ledger) Status(ctx context.Context, domain types.Domain, date string) (Status, error) {
	s, err := l.acquire(ctx, domain, date)
	if err != nil {
		return Status{}, err
	}
	defer s.mu.Unlock()

	l.reapLocked(s, l.now())
	return s.statusLocked(s.spent <= s.limit, 0), nil
}

// acquire returns the locked slice for (domain, date), creating and hydrating
// it on first use. The caller must unlock it.
func (l *Ledger) acquire(ctx context.Context, domain types.Domain, date string) (*slice, error) {
	limit, ok := l.limits[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}
	if _, err := time.Parse(types.DateLayout, date); err != nil {
		return nil, fmt.Errorf("budget: invalid date %q: %w", date, err)
	}

	key := sliceKey{domain: domain, date: date}
	for {
		v, _ := l.slices.LoadOrStore(key, newSlice(key, limit))
		s := v.(*slice)
		s.mu.Lock()
		if s.retired {
			s.mu.Unlock()
			continue
		}
		if !s.hydrated {
			if err := l.hydrateLocked(ctx, s); err != nil {
				s.mu.Unlock()
				return nil, err
			}
		}
		return s, nil
	}
}

func (l *Ledger) hydrateLocked(ctx context.Context, s *slice) error {
	if l.store != nil {
		rec, err := l.store.GetBudgetRecord(ctx, s.key.domain, s.key.date)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return fmt.Errorf("budget: failed to load %s/%s: %w", s.key.domain, s.key.date, err)
		default:
			s.spent = rec.Spent
			s.overage = rec.Overage
		}
	}
	s.hydrated = true
	l.markPassedThresholdsLocked(s)
	return nil
}

// reapLocked moves expired reservations to tombstones and forgets old
// tombstones.
func (l *Ledger) reapLocked(s *slice, now time.Time) int {
	released := 0
	for id, res := range s.reservations {
		if now.Before(res.expiresAt) {
			continue
		}
		delete(s.reservations, id)
		s.tombstones[id] = res.expiresAt
		released++
		l.logger.WithFields(logrus.Fields{
			"domain":         s.key.domain,
			"date":           s.key.date,
			"reservation_id": id,
			"amount":         res.amount,
		}).Warn("budget: reservation expired without commit")
	}
	for id, expiredAt := range s.tombstones {
		if now.Sub(expiredAt) >= tombstoneTTL {
			delete(s.tombstones, id)
			l.index.Delete(id)
		}
	}
	if released > 0 {
		l.metrics.ReservationsExpired.Add(float64(released))
	}
	return released
}

func checkAmount(amount float64) error {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	return nil
}
