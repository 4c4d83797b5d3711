package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentworkforce/operatorsync/internal/corrections"
	"github.com/agentworkforce/operatorsync/internal/kvstore"
	"github.com/agentworkforce/operatorsync/internal/metrics"
	"github.com/agentworkforce/operatorsync/internal/settings"
	"github.com/agentworkforce/operatorsync/internal/workup"
	"github.com/agentworkforce/operatorsync/internal/workupsync"
)

type ServerConfig struct {
	// AuthToken enables bearer auth on /v1 routes when set.
	AuthToken      string
	AllowedOrigins []string
	MaxBodyBytes   int64
}

// Deps are the services the API exposes. Engine is nil when sync is off.
type Deps struct {
	Corrections *corrections.Log
	Workups     *workup.Store
	Engine      *workupsync.Engine
	Settings    *settings.Store
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
}

type Server struct {
	corrections *corrections.Log
	workups     *workup.Store
	engine      *workupsync.Engine
	settings    *settings.Store
	metrics     *metrics.Metrics
	logger      *zap.Logger
	cfg         ServerConfig
	schemas     *schemaSet
	router      chi.Router
}

func NewServer(deps Deps, cfg ServerConfig) (*Server, error) {
	if deps.Corrections == nil || deps.Workups == nil || deps.Settings == nil {
		return nil, fmt.Errorf("corrections, workups and settings are required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{
		corrections: deps.Corrections,
		workups:     deps.Workups,
		engine:      deps.Engine,
		settings:    deps.Settings,
		metrics:     deps.Metrics,
		logger:      logger,
		cfg:         cfg,
		schemas:     schemas,
	}
	s.router = s.routes(deps.Gatherer)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/dashboard", s.handleDashboard)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/corrections", func(r chi.Router) {
			r.Get("/", s.handleListCorrections)
			r.Post("/", s.handleAppendCorrection)
			r.Delete("/", s.handleClearCorrections)
			r.Get("/aggregate", s.handleAggregateCorrections)
			r.Get("/stats", s.handleCorrectionStats)
			r.Get("/export", s.handleExportCorrections)
			r.Post("/cleanup", s.handleCleanupCorrections)
			r.Get("/{id}", s.handleGetCorrection)
			r.Patch("/{id}", s.handleUpdateCorrection)
			r.Delete("/{id}", s.handleRemoveCorrection)
		})

		r.Route("/workups", func(r chi.Router) {
			r.Get("/", s.handleListWorkups)
			r.Post("/", s.handleCreateWorkup)
			r.Get("/{id}", s.handleGetWorkup)
			r.Patch("/{id}", s.handleEditWorkup)
			r.Delete("/{id}", s.handleDeleteWorkup)
			r.Post("/{id}/report", s.handleApplyReport)
			r.Post("/{id}/resolve", s.handleResolveConflict)
			r.Post("/{id}/retry", s.handleRetrySync)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", s.handleSyncStatus)
			r.Post("/run", s.handleSyncRun)
			r.Post("/import", s.handleSyncImport)
		})

		r.Get("/settings", s.handleGetSettings)
		r.Patch("/settings", s.handlePatchSettings)
		r.Delete("/settings", s.handleResetSettings)

		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		s.metrics.RecordHTTPRequest(r.Method, route, status)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// writeFailure maps domain errors onto HTTP responses.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := getCorrelationID(r)
	switch {
	case errors.Is(err, corrections.ErrNotFound), errors.Is(err, workup.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, corrections.ErrInvalidInput),
		errors.Is(err, kvstore.ErrInvalidInput),
		errors.Is(err, workupsync.ErrInvalidChoice):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, workupsync.ErrNoConflict):
		writeError(w, http.StatusConflict, "no_conflict", err.Error(), correlationID)
	case errors.Is(err, workupsync.ErrPassInFlight):
		writeError(w, http.StatusConflict, "pass_in_flight", err.Error(), correlationID)
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeJSONBody validates the body against the named schema, then decodes
// it into dst.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := s.schemas.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, err
	}
	return parsed, nil
}

// parseOptionalMillis reads an epoch-millisecond timestamp. Empty means
// unset.
func parseOptionalMillis(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, fmt.Errorf("invalid epoch milliseconds %q", raw)
	}
	return time.UnixMilli(ms), nil
}
