package engine

import (
	"errors"

	"github.com/scrypster/gergy/internal/budget"
	"github.com/scrypster/gergy/internal/cache"
	"github.com/scrypster/gergy/internal/patterns"
	"github.com/scrypster/gergy/internal/storage"
)

// Error taxonomy. Budget and catalog errors reach the caller; cache and
// persistence failures are absorbed and reported in Result.Degraded.
var (
	ErrBudgetExceeded         = budget.ErrBudgetExceeded
	ErrCacheUnavailable       = cache.ErrCacheUnavailable
	ErrStorePersistFailure    = storage.ErrPersistFailure
	ErrInvalidTemplateCatalog = patterns.ErrInvalidTemplateCatalog

	// ErrInvalidRequest is returned for a malformed request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrCacheDisabled is returned by cache operations when the engine runs
	// without a cache.
	ErrCacheDisabled = errors.New("cache is disabled")
)

// Degradation markers reported in Result.Degraded.
const (
	DegradedCache          = "cache_unavailable"
	DegradedPatternPersist = "pattern_persist_failed"
	DegradedSessionPersist = "session_persist_failed"
	DegradedBudgetPersist  = "budget_persist_failed"
)
