package budget

import (
	"errors"
	"fmt"

	"github.com/scrypster/gergy/pkg/types"
)

var (
	// ErrBudgetExceeded is wrapped by *ExceededError on admission denial.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrReservationNotFound is returned for reservation IDs that were never
	// issued or have already been committed or released.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrUnknownDomain is returned for domains without a configured ceiling.
	ErrUnknownDomain = errors.New("unknown budget domain")

	// ErrInvalidAmount is returned for negative or non-finite amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// ExceededError describes a denied reservation.
type ExceededError struct {
	Domain    types.Domain
	Date      string
	Requested float64
	Spent     float64
	Reserved  float64
	Limit     float64
	Deficit   float64 // spent + reserved + requested - limit
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for %s on %s: requested %.4f, spent %.4f, reserved %.4f, limit %.4f (deficit %.4f)",
		e.Domain, e.Date, e.Requested, e.Spent, e.Reserved, e.Limit, e.Deficit)
}

func (e *ExceededError) Unwrap() error {
	return ErrBudgetExceeded
}
