package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	chirouter "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/driftlock/searchmux"
	"github.com/driftlock/searchmux/internal/logger"
	"github.com/driftlock/searchmux/internal/version"
)

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// errorCode is the machine-readable error class in an ErrorResponse.
type errorCode string

const (
	codeBadRequest             errorCode = "bad_request"
	codeValidationFailed       errorCode = "validation_failed"
	codeUnknownStrategy        errorCode = "unknown_strategy"
	codeBackendUnavailable     errorCode = "backend_unavailable"
	codeAllBackendsUnavailable errorCode = "all_backends_unavailable"
	codeRateLimited            errorCode = "rate_limited"
	codeEngineClosed           errorCode = "engine_closed"
	codeUnauthorized           errorCode = "unauthorized"
	codeInternalError          errorCode = "internal_error"
)

// Engine is the orchestration surface the HTTP layer serves.
type Engine interface {
	Execute(ctx context.Context, q searchmux.Query) (searchmux.Result, error)
	InvalidateCache(ctx context.Context, collection string) error
	CircuitStatus() map[searchmux.Role]searchmux.CircuitStatus
	MetricsSnapshot() searchmux.MetricsSnapshot
	Health() searchmux.HealthReport
}

// Server exposes an engine over HTTP.
type Server struct {
	engine        Engine
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server around an engine.
func NewServer(engine Engine, logger *zap.Logger) *Server {
	s := &Server{
		engine: engine,
		logger: logger,
	}
	// Ordered: ErrAllBackendsUnavailable wraps per-backend causes, so it
	// must match before ErrBackendUnavailable.
	s.errorHandlers = []errorHandler{
		sentinelHandler(searchmux.ErrAllBackendsUnavailable, http.StatusServiceUnavailable, codeAllBackendsUnavailable),
		sentinelHandler(searchmux.ErrBackendUnavailable, http.StatusServiceUnavailable, codeBackendUnavailable),
		sentinelHandler(searchmux.ErrInvalidQuery, http.StatusBadRequest, codeValidationFailed),
		sentinelHandler(searchmux.ErrUnknownStrategy, http.StatusBadRequest, codeUnknownStrategy),
		sentinelHandler(searchmux.ErrRateLimited, http.StatusTooManyRequests, codeRateLimited),
		sentinelHandler(searchmux.ErrEngineClosed, http.StatusServiceUnavailable, codeEngineClosed),
	}
	return s
}

// Routes mounts the API on a chi router.
func (s *Server) Routes(r chirouter.Router) {
	r.Post("/api/v1/search", s.Search)
	r.Post("/api/v1/cache/invalidate", s.InvalidateCache)
	r.Get("/api/v1/circuits", s.Circuits)
	r.Get("/api/v1/stats", s.Stats)
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
}

// SearchRequest is the POST /api/v1/search body.
type SearchRequest struct {
	Collection string            `json:"collection"`
	Term       string            `json:"term"`
	Filters    map[string]string `json:"filters,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
	Strategy   string            `json:"strategy,omitempty"`
	Security   SecurityContext   `json:"security,omitzero"`
}

// SecurityContext identifies the caller for audit logging.
type SecurityContext struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
}

// SearchResultItem is one hit in a SearchResponse.
type SearchResultItem struct {
	ID     string            `json:"id"`
	Score  float64           `json:"score"`
	Fields map[string]string `json:"fields"`
}

// SearchResponse is the POST /api/v1/search reply.
type SearchResponse struct {
	Items     []SearchResultItem `json:"items"`
	Total     int                `json:"total"`
	Strategy  string             `json:"strategy"`
	Source    string             `json:"source"`
	FromCache bool               `json:"from_cache"`
	Stale     bool               `json:"stale"`
	ElapsedMs int64              `json:"elapsed_ms"`
}

// InvalidateRequest is the POST /api/v1/cache/invalidate body.
type InvalidateRequest struct {
	Collection string `json:"collection"`
}

// HealthResponse is the GET /health reply.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

// ErrorResponse is the uniform error reply body.
type ErrorResponse struct {
	Code    errorCode `json:"code"`
	Message string    `json:"message"`
}

// Search handles POST /api/v1/search.
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if req.Collection == "" {
		writeError(w, http.StatusBadRequest, codeValidationFailed, "Collection name is required")
		return
	}
	if req.Term == "" {
		writeError(w, http.StatusBadRequest, codeValidationFailed, "Search term is required")
		return
	}

	res, err := s.engine.Execute(r.Context(), searchmux.Query{
		Collection: req.Collection,
		Term:       req.Term,
		Filters:    req.Filters,
		Limit:      req.Limit,
		Offset:     req.Offset,
		Strategy:   searchmux.Strategy(req.Strategy),
		Security: searchmux.SecurityContext{
			UserID: req.Security.UserID,
			Role:   req.Security.Role,
		},
	})
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, searchResponseFrom(res))
}

// InvalidateCache handles POST /api/v1/cache/invalidate.
func (s *Server) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if req.Collection == "" {
		writeError(w, http.StatusBadRequest, codeValidationFailed, "Collection name is required")
		return
	}

	if err := s.engine.InvalidateCache(r.Context(), req.Collection); err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Circuits handles GET /api/v1/circuits.
func (s *Server) Circuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CircuitStatus())
}

// Stats handles GET /api/v1/stats.
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.MetricsSnapshot())
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.engine.Health()

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status != searchmux.HealthOK {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status:  string(report.Status),
		Version: version.Version,
		Checks:  checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func searchResponseFrom(res searchmux.Result) SearchResponse {
	items := make([]SearchResultItem, len(res.Records))
	for i, rec := range res.Records {
		items[i] = SearchResultItem{
			ID:     rec.ID,
			Score:  rec.Score,
			Fields: rec.Fields,
		}
	}
	return SearchResponse{
		Items:     items,
		Total:     res.Total,
		Strategy:  string(res.Strategy),
		Source:    string(res.Source),
		FromCache: res.FromCache,
		Stale:     res.Stale,
		ElapsedMs: res.Elapsed.Milliseconds(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code errorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		searchmux.ErrAllBackendsUnavailable,
		searchmux.ErrBackendUnavailable,
		searchmux.ErrInvalidQuery,
		searchmux.ErrUnknownStrategy,
		searchmux.ErrRateLimited,
		searchmux.ErrEngineClosed,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code errorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context(), s.logger)
	log.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	log.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
