package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/scrypster/gergy/internal/budget"
	"github.com/scrypster/gergy/internal/cache"
	"github.com/scrypster/gergy/internal/engine"
	"github.com/scrypster/gergy/internal/logging"
	"github.com/scrypster/gergy/internal/patterns"
	"github.com/scrypster/gergy/internal/session"
	"github.com/scrypster/gergy/internal/storage"
	"github.com/scrypster/gergy/pkg/types"
)

// coordinator is the subset of engine.Coordinator served over the bridge.
type coordinator interface {
	Process(ctx context.Context, req engine.Request) (*engine.Result, error)
	Settle(ctx context.Context, reservationID string, actual float64) (budget.Status, error)
	Release(ctx context.Context, reservationID string) error
	BudgetStatus(ctx context.Context, domain types.Domain) (budget.Status, error)
	BudgetReport(ctx context.Context, days int) (*budget.Report, error)
	CacheStats() (cache.Stats, bool)
	PatternAnalytics() patterns.Analytics
	Session(ctx context.Context, sessionID string) (types.SessionContext, error)
	CrossDomainInsights(ctx context.Context, domain types.Domain, limit int) ([]engine.Insight, error)
	InvalidateCache(ctx context.Context, domain types.Domain) (int, error)
	WarmCache(ctx context.Context, domain types.Domain, entries map[string]json.RawMessage, relevance float64) (int, error)
	PatternHistory(ctx context.Context, q storage.OccurrenceQuery) ([]*types.PatternOccurrence, error)
	SearchKnowledge(ctx context.Context, domains []types.Domain, query string, limit int) ([]*types.KnowledgeItem, error)
}

// Server dispatches JSON-RPC requests to the coordinator.
type Server struct {
	coord  coordinator
	logger logrus.FieldLogger
}

// NewServer creates a Server.
func NewServer(coord coordinator, logger logrus.FieldLogger) *Server {
	return &Server{coord: coord, logger: logging.OrDiscard(logger)}
}

// paramError marks a request whose params could not be used.
type paramError struct{ err error }

func (e *paramError) Error() string { return e.err.Error() }
func (e *paramError) Unwrap() error { return e.err }

// HandleRequest processes one JSON-RPC 2.0 request and returns the encoded
// response.
func (s *Server) HandleRequest(ctx context.Context, raw []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case "ping":
		result = map[string]string{"status": "ok"}
	case "intelligence.process":
		result, err = s.handleProcess(ctx, req.Params)
	case "intelligence.settle":
		result, err = s.handleSettle(ctx, req.Params)
	case "intelligence.release":
		result, err = s.handleRelease(ctx, req.Params)
	case "intelligence.insights":
		result, err = s.handleInsights(ctx, req.Params)
	case "budget.status":
		result, err = s.handleBudgetStatus(ctx, req.Params)
	case "budget.report":
		result, err = s.handleBudgetReport(ctx, req.Params)
	case "cache.stats":
		result = s.handleCacheStats()
	case "cache.invalidate":
		result, err = s.handleCacheInvalidate(ctx, req.Params)
	case "cache.warm":
		result, err = s.handleCacheWarm(ctx, req.Params)
	case "patterns.analytics":
		result = s.coord.PatternAnalytics()
	case "patterns.history":
		result, err = s.handlePatternHistory(ctx, req.Params)
	case "knowledge.search":
		result, err = s.handleKnowledgeSearch(ctx, req.Params)
	case "session.get":
		result, err = s.handleSession(ctx, req.Params)
	default:
		return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	if err != nil {
		code := errorCode(err)
		if code == ErrCodeInternalError {
			s.logger.WithError(err).WithField("method", req.Method).Error("bridge: request failed")
		}
		return s.errorResponse(req.ID, code, err.Error(), nil)
	}
	return s.successResponse(req.ID, result)
}

// errorCode maps engine errors onto JSON-RPC codes.
func errorCode(err error) int {
	var pe *paramError
	switch {
	case errors.As(err, &pe),
		errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, budget.ErrUnknownDomain),
		errors.Is(err, budget.ErrInvalidAmount),
		errors.Is(err, session.ErrInvalidSession):
		return ErrCodeInvalidParams
	case errors.Is(err, budget.ErrReservationNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, engine.ErrCacheDisabled),
		errors.Is(err, engine.ErrCacheUnavailable):
		return ErrCodeServerError
	default:
		return ErrCodeInternalError
	}
}

func decodeParams(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return &paramError{errors.New("params are required")}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &paramError{fmt.Errorf("invalid params: %w", err)}
	}
	return nil
}

func (s *Server) handleProcess(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req engine.Request
	if err := decodeParams(raw, &req); err != nil {
		return nil, err
	}
	return s.coord.Process(ctx, req)
}

func (s *Server) handleSettle(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p SettleParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ReservationID == "" {
		return nil, &paramError{errors.New("reservation_id is required")}
	}

	status, err := s.coord.Settle(ctx, p.ReservationID, p.ActualCost)
	if err != nil {
		if !errors.Is(err, engine.ErrStorePersistFailure) {
			return nil, err
		}
		return &SettleResult{BudgetStatus: status, Degraded: []string{engine.DegradedBudgetPersist}}, nil
	}
	return &SettleResult{BudgetStatus: status}, nil
}

func (s *Server) handleRelease(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p ReleaseParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ReservationID == "" {
		return nil, &paramError{errors.New("reservation_id is required")}
	}
	if err := s.coord.Release(ctx, p.ReservationID); err != nil {
		return nil, err
	}
	return map[string]bool{"released": true}, nil
}

func (s *Server) handleBudgetStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p BudgetStatusParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Domain.Validate(); err != nil {
		return nil, &paramError{err}
	}
	return s.coord.BudgetStatus(ctx, p.Domain)
}

func (s *Server) handleBudgetReport(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p BudgetReportParams
	if len(raw) > 0 {
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
	}
	if p.Days <= 0 {
		p.Days = 7
	}
	return s.coord.BudgetReport(ctx, p.Days)
}

func (s *Server) handleCacheStats() *CacheStatsResult {
	stats, ok := s.coord.CacheStats()
	return &CacheStatsResult{Enabled: ok, Stats: stats}
}

func (s *Server) handleSession(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p SessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	sess, err := s.coord.Session(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Server) handleInsights(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p InsightsParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Domain.Validate(); err != nil {
		return nil, &paramError{err}
	}
	insights, err := s.coord.CrossDomainInsights(ctx, p.Domain, p.Limit)
	if err != nil {
		return nil, err
	}
	return &InsightsResult{Insights: insights}, nil
}

func (s *Server) handleCacheInvalidate(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p CacheInvalidateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Domain.Validate(); err != nil {
		return nil, &paramError{err}
	}
	n, err := s.coord.InvalidateCache(ctx, p.Domain)
	if err != nil {
		return nil, err
	}
	return map[string]int{"removed": n}, nil
}

func (s *Server) handleCacheWarm(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p CacheWarmParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Domain.Validate(); err != nil {
		return nil, &paramError{err}
	}
	if len(p.Entries) == 0 {
		return nil, &paramError{errors.New("entries are required")}
	}
	if p.Relevance == 0 {
		p.Relevance = 1
	}
	n, err := s.coord.WarmCache(ctx, p.Domain, p.Entries, p.Relevance)
	if err != nil {
		return nil, err
	}
	return map[string]int{"stored": n}, nil
}

func (s *Server) handlePatternHistory(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p PatternHistoryParams
	if len(raw) > 0 {
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
	}
	occs, err := s.coord.PatternHistory(ctx, storage.OccurrenceQuery{
		SessionID:     p.SessionID,
		TemplateName:  p.TemplateName,
		Domain:        p.Domain,
		MinConfidence: p.MinConfidence,
		DetectedAfter: p.DetectedAfter,
		Limit:         p.Limit,
	})
	if err != nil {
		return nil, err
	}
	return &PatternHistoryResult{Occurrences: occs}, nil
}

func (s *Server) handleKnowledgeSearch(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p KnowledgeSearchParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, &paramError{errors.New("query is required")}
	}
	items, err := s.coord.SearchKnowledge(ctx, p.Domains, p.Query, p.Limit)
	if err != nil {
		return nil, err
	}
	return &KnowledgeSearchResult{Items: items}, nil
}

func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	return json.Marshal(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	return json.Marshal(Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message, Data: data},
		ID:      id,
	})
}
