// Package api exposes the correlation engine over HTTP. Every response
// uses a common envelope so clients parse success and failure uniformly.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lvonguyen/shadowscan/internal/connector"
	"github.com/lvonguyen/shadowscan/internal/observability"
	"github.com/lvonguyen/shadowscan/internal/orchestrator"
	"github.com/lvonguyen/shadowscan/internal/workflow"
)

const correlationPrefix = "/api/v1/correlation/"

const (
	defaultChainLimit = 50
	maxChainLimit     = 200
)

// Organization IDs are caller-supplied path segments; anything outside this
// shape is rejected before it reaches the orchestrator.
var orgIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// Server wires the orchestrator behind the HTTP API.
type Server struct {
	orch    *orchestrator.Orchestrator
	limiter *Limiter
	logger  *zap.Logger
	metrics *observability.Metrics
	version string
}

// NewServer creates the API server. The limiter may be nil; rate limiting
// is then disabled.
func NewServer(orch *orchestrator.Orchestrator, limiter *Limiter, logger *zap.Logger, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{
		orch:    orch,
		limiter: limiter,
		logger:  logger,
		version: version,
	}
}

// WithMetrics enables per-request counters and latency histograms. A nil
// metric set leaves the API unmetered.
func (s *Server) WithMetrics(m *observability.Metrics) *Server {
	s.metrics = m
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.measureRequests)
	}
	// Analysis runs are bounded by the orchestrator's own budget; the HTTP
	// timeout only has to outlast it.
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/correlation/{orgID}", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(tierOf))
		}
		r.Use(s.requireOrgID)

		r.Post("/analyze", s.handleAnalyze)
		r.Get("/executive-report", s.handleExecutiveReport)
		r.Get("/status", s.handleStatus)
		r.Get("/chains", s.handleChains)
		r.Post("/real-time/start", s.handleMonitorStart)
		r.Post("/real-time/stop", s.handleMonitorStop)
	})

	return r
}

// measureRequests records request totals and latency, labeled by the chi
// route pattern rather than the raw path to keep series cardinality bounded.
func (s *Server) measureRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func tierOf(r *http.Request) string {
	if tier := r.Header.Get("X-Api-Tier"); tier != "" {
		return tier
	}
	return "standard"
}

// Response envelope

type envelope struct {
	Success  bool      `json:"success"`
	Data     any       `json:"data,omitempty"`
	Error    *apiError `json:"error,omitempty"`
	Metadata metadata  `json:"metadata"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type metadata struct {
	Timestamp      time.Time `json:"timestamp"`
	ProcessingTime string    `json:"processingTime"`
	Version        string    `json:"version"`
}

func (s *Server) writeData(w http.ResponseWriter, status int, start time.Time, data any) {
	s.writeEnvelope(w, status, envelope{
		Success:  true,
		Data:     data,
		Metadata: s.metadata(start),
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, start time.Time, code, message string) {
	s.writeEnvelope(w, status, envelope{
		Success:  false,
		Error:    &apiError{Code: code, Message: message},
		Metadata: s.metadata(start),
	})
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) metadata(start time.Time) metadata {
	return metadata{
		Timestamp:      time.Now().UTC(),
		ProcessingTime: time.Since(start).String(),
		Version:        s.version,
	}
}

// requireOrgID rejects malformed organization IDs before any handler runs.
func (s *Server) requireOrgID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !orgIDPattern.MatchString(chi.URLParam(r, "orgID")) {
			s.writeError(w, http.StatusBadRequest, time.Now(), "invalid_organization_id",
				"organization id must be 1-64 characters of [a-zA-Z0-9_-] and start alphanumeric")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Health endpoints

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		s.metrics.HealthStatus.WithLabelValues("api").Set(1)
		s.metrics.LastHealthCheck.SetToCurrentTime()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","version":"` + s.version + `"}`))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// Correlation endpoints

type analyzeRequest struct {
	TimeRange *orchestrator.TimeRange `json:"time_range"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	orgID := chi.URLParam(r, "orgID")

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, start, "invalid_request", "malformed request body")
		return
	}
	if tr := req.TimeRange; tr != nil {
		if tr.Start.IsZero() || tr.End.IsZero() || !tr.Start.Before(tr.End) {
			s.writeError(w, http.StatusBadRequest, start, "invalid_time_range",
				"time_range requires start before end")
			return
		}
	}

	result, err := s.orch.ExecuteCorrelationAnalysis(r.Context(), orgID, req.TimeRange)
	if err != nil {
		s.logger.Error("analysis failed",
			zap.String("organization_id", orgID),
			zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, start, "analysis_failed", err.Error())
		return
	}

	s.writeData(w, http.StatusOK, start, result)
}

func (s *Server) handleExecutiveReport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	orgID := chi.URLParam(r, "orgID")

	report, err := s.orch.GenerateExecutiveReport(orgID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoAnalysisAvailable) {
			s.writeError(w, http.StatusNotFound, start, "no_analysis", err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, start, "report_failed", err.Error())
		return
	}

	s.writeData(w, http.StatusOK, start, report)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := s.orch.GetCorrelationStatus(chi.URLParam(r, "orgID"))
	s.writeData(w, http.StatusOK, start, status)
}

type chainsResponse struct {
	Chains []*workflow.AutomationWorkflowChain `json:"chains"`
	Total  int                                 `json:"total"`
	Limit  int                                 `json:"limit"`
	Offset int                                 `json:"offset"`
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	orgID := chi.URLParam(r, "orgID")

	filter, err := parseChainFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, start, "invalid_filter", err.Error())
		return
	}

	chains, total, err := s.orch.Chains(orgID, filter)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoAnalysisAvailable) {
			s.writeError(w, http.StatusNotFound, start, "no_analysis", err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, start, "chains_failed", err.Error())
		return
	}

	s.writeData(w, http.StatusOK, start, chainsResponse{
		Chains: chains,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func parseChainFilter(q map[string][]string) (orchestrator.ChainFilter, error) {
	filter := orchestrator.ChainFilter{Limit: defaultChainLimit}

	get := func(key string) string {
		if vs := q[key]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	if v := get("riskLevel"); v != "" {
		level := workflow.RiskLevel(v)
		if level.Rank() == 0 {
			return filter, errors.New("riskLevel must be one of low, medium, high, critical")
		}
		filter.RiskLevel = level
	}
	if v := get("platform"); v != "" {
		p, err := connector.ParsePlatform(v)
		if err != nil {
			return filter, err
		}
		filter.Platform = p
	}
	if v := get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, errors.New("limit must be a positive integer")
		}
		if n > maxChainLimit {
			n = maxChainLimit
		}
		filter.Limit = n
	}
	if v := get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	return filter, nil
}

// Real-time monitoring endpoints

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	orgID := chi.URLParam(r, "orgID")
	s.orch.StartRealTimeMonitoring(orgID)
	s.writeData(w, http.StatusOK, start, s.orch.GetCorrelationStatus(orgID))
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	orgID := chi.URLParam(r, "orgID")
	s.orch.StopRealTimeMonitoring(orgID)
	s.writeData(w, http.StatusOK, start, s.orch.GetCorrelationStatus(orgID))
}
