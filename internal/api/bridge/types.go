// Package bridge exposes the intelligence coordinator to out-of-process
// domain tool servers as line-delimited JSON-RPC 2.0 over stdin/stdout.
package bridge

import (
	"encoding/json"
	"time"

	"github.com/scrypster/gergy/internal/budget"
	"github.com/scrypster/gergy/internal/cache"
	"github.com/scrypster/gergy/internal/engine"
	"github.com/scrypster/gergy/pkg/types"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"` // Must be "2.0"
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"` // string, number, or null
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrCodeServerError    = -32000 // Application error (unknown reservation or session, cache off)
)

// SettleParams are the parameters of intelligence.settle.
type SettleParams struct {
	ReservationID string  `json:"reservation_id"`
	ActualCost    float64 `json:"actual_cost"`
}

// SettleResult is returned by intelligence.settle.
type SettleResult struct {
	BudgetStatus budget.Status `json:"budget_status"`
	Degraded     []string      `json:"degraded,omitempty"`
}

// ReleaseParams are the parameters of intelligence.release.
type ReleaseParams struct {
	ReservationID string `json:"reservation_id"`
}

// BudgetStatusParams are the parameters of budget.status.
type BudgetStatusParams struct {
	Domain types.Domain `json:"domain"`
}

// BudgetReportParams are the parameters of budget.report.
type BudgetReportParams struct {
	Days int `json:"days,omitempty"` // default 7
}

// SessionParams are the parameters of session.get.
type SessionParams struct {
	SessionID string `json:"session_id"`
}

// CacheStatsResult is returned by cache.stats. Enabled is false when the
// engine runs without a cache.
type CacheStatsResult struct {
	Enabled bool `json:"enabled"`
	cache.Stats
}

// InsightsParams are the parameters of intelligence.insights.
type InsightsParams struct {
	Domain types.Domain `json:"domain"`
	Limit  int          `json:"limit,omitempty"` // default 5
}

// InsightsResult is returned by intelligence.insights.
type InsightsResult struct {
	Insights []engine.Insight `json:"insights"`
}

// CacheInvalidateParams are the parameters of cache.invalidate.
type CacheInvalidateParams struct {
	Domain types.Domain `json:"domain"`
}

// CacheWarmParams are the parameters of cache.warm. Entries maps request
// text to the analysis to serve for it.
type CacheWarmParams struct {
	Domain    types.Domain               `json:"domain"`
	Entries   map[string]json.RawMessage `json:"entries"`
	Relevance float64                    `json:"relevance,omitempty"` // default 1.0
}

// PatternHistoryParams are the parameters of patterns.history. Every field
// is an optional filter.
type PatternHistoryParams struct {
	SessionID     string       `json:"session_id,omitempty"`
	TemplateName  string       `json:"template_name,omitempty"`
	Domain        types.Domain `json:"domain,omitempty"`
	MinConfidence float64      `json:"min_confidence,omitempty"`
	DetectedAfter time.Time    `json:"detected_after,omitempty"`
	Limit         int          `json:"limit,omitempty"`
}

// PatternHistoryResult is returned by patterns.history.
type PatternHistoryResult struct {
	Occurrences []*types.PatternOccurrence `json:"occurrences"`
}

// KnowledgeSearchParams are the parameters of knowledge.search.
type KnowledgeSearchParams struct {
	Domains []types.Domain `json:"domains,omitempty"` // all domains when empty
	Query   string         `json:"query"`
	Limit   int            `json:"limit,omitempty"`
}

// KnowledgeSearchResult is returned by knowledge.search.
type KnowledgeSearchResult struct {
	Items []*types.KnowledgeItem `json:"items"`
}
