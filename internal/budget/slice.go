package budget

import (
	"sync"
	"time"

	"github.com/scrypster/gergy/pkg/types"
)

// tolerance absorbs float rounding when amounts are summed against a
// ceiling, so 0.1+0.2 fits a limit of 0.3.
const tolerance = 1e-9

type sliceKey struct {
	domain types.Domain
	date   string
}

type reservation struct {
	id        string
	amount    float64
	expiresAt time.Time
}

// slice is the mutable state of one (domain, date). Every field is guarded
// by mu.
type slice struct {
	mu       sync.Mutex
	key      sliceKey
	limit    float64
	spent    float64
	overage  bool
	hydrated bool
	retired  bool

	reservations map[string]*reservation
	tombstones   map[string]time.Time // expired reservation ID -> expiry
	alerted      map[float64]bool
}

func newSlice(key sliceKey, limit float64) *slice {
	return &slice{
		key:          key,
		limit:        limit,
		reservations: make(map[string]*reservation),
		tombstones:   make(map[string]time.Time),
		alerted:      make(map[float64]bool),
	}
}

// exceedsLocked reports whether total is over the ceiling.
func (s *slice) exceedsLocked(total float64) bool {
	return total > s.limit+tolerance
}

func (s *slice) reservedLocked() float64 {
	var total float64
	for _, r := range s.reservations {
		total += r.amount
	}
	return total
}

func (s *slice) statusLocked(admitted bool, deficit float64) Status {
	reserved := s.reservedLocked()
	remaining := s.limit - s.spent - reserved
	if remaining < tolerance {
		remaining = 0
	}
	return Status{
		Domain:    s.key.domain,
		Date:      s.key.date,
		Admitted:  admitted,
		Spent:     s.spent,
		Reserved:  reserved,
		Limit:     s.limit,
		Remaining: remaining,
		Overage:   s.overage,
		Deficit:   deficit,
	}
}
