// Package http provides the HTTP surface of the payment gate.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/tollgate/adapters/metrics"
	"github.com/artpar/tollgate/app"
	"github.com/artpar/tollgate/domain/proxy"
	"github.com/artpar/tollgate/domain/token"
	"github.com/artpar/tollgate/ports"
)

// Request headers consumed by the gate.
const (
	// HeaderBotFlag marks automated traffic, set by an edge classifier.
	HeaderBotFlag = "x-isbot"
	// HeaderPayToken carries the payment token presented by a bot.
	HeaderPayToken = "skyfire-pay-id"
)

// VersionResponse represents the version endpoint response.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// GateHandler runs the admission pipeline for every proxied request:
// classify the visitor, verify the payment token for bots, meter the
// session, then forward to the upstream.
type GateHandler struct {
	verifier ports.TokenVerifier
	meterer  *app.MeterService
	upstream ports.Upstream
	idgen    ports.IDGenerator
	logger   zerolog.Logger
	metrics  *metrics.Collector
}

// GateDeps contains dependencies for GateHandler.
type GateDeps struct {
	Verifier ports.TokenVerifier
	Meterer  *app.MeterService
	Upstream ports.Upstream
	// IDGen supplies trace IDs when no request ID middleware ran.
	IDGen   ports.IDGenerator
	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// NewGateHandler creates a new gate handler.
func NewGateHandler(deps GateDeps) *GateHandler {
	return &GateHandler{
		verifier: deps.Verifier,
		meterer:  deps.Meterer,
		upstream: deps.Upstream,
		idgen:    deps.IDGen,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
}

// ServeHTTP handles one proxied request.
func (h *GateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, 10<<20)) // 10MB limit
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to read request body")
			writeError(w, &proxy.ErrorResponse{
				Status:  400,
				Code:    "bad_request",
				Message: "Failed to read request body",
			})
			return
		}
	}

	traceID := middleware.GetReqID(ctx)
	if traceID == "" && h.idgen != nil {
		traceID = h.idgen.New()
	}

	req := proxy.Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Headers:   extractHeaders(r),
		Body:      body,
		RemoteIP:  extractIP(r),
		UserAgent: r.UserAgent(),
		TraceID:   traceID,
	}

	// Human traffic passes straight through, unmetered.
	if !strings.EqualFold(r.Header.Get(HeaderBotFlag), "true") {
		h.forward(ctx, w, req, proxy.Visitor{State: proxy.Human}, nil)
		return
	}

	visitor := proxy.Visitor{State: proxy.UnverifiedBot}
	rawToken := r.Header.Get(HeaderPayToken)

	claims, err := h.verifier.Verify(ctx, rawToken)
	if err != nil {
		rejection := verifyErrorResponse(err)
		if h.metrics != nil {
			h.metrics.AuthFailures.WithLabelValues(rejection.Code).Inc()
		}
		h.countRequest(req.Method, rejection.Status, visitor)
		h.logger.Warn().
			Str("method", req.Method).
			Str("path", req.Path).
			Str("remote_ip", req.RemoteIP).
			Str("code", rejection.Code).
			Msg("token rejected")
		writeError(w, &rejection)
		return
	}
	visitor = proxy.Visitor{State: proxy.VerifiedBot, Claims: claims, Token: rawToken}

	outcome := h.meterer.Handle(ctx, claims, rawToken)
	if outcome.Error != nil {
		h.countRequest(req.Method, outcome.Error.Status, visitor)
		h.logger.Warn().
			Str("method", req.Method).
			Str("path", req.Path).
			Str("jti", claims.JTI).
			Int("status", outcome.Error.Status).
			Str("reason", outcome.Error.Reason).
			Msg("request rejected")
		setHeaders(w, outcome.Headers)
		writeError(w, outcome.Error)
		return
	}

	h.forward(ctx, w, req, visitor, outcome.Headers)
}

func (h *GateHandler) forward(ctx context.Context, w http.ResponseWriter, req proxy.Request, visitor proxy.Visitor, paymentHeaders map[string]string) {
	resp, err := h.upstream.Forward(ctx, req)
	if err != nil {
		h.logger.Error().Err(err).Str("path", req.Path).Msg("upstream error")
		if h.metrics != nil {
			h.metrics.UpstreamErrors.WithLabelValues("forward").Inc()
		}
		h.countRequest(req.Method, proxy.ErrUpstreamError.Status, visitor)
		setHeaders(w, paymentHeaders)
		writeError(w, &proxy.ErrUpstreamError)
		return
	}

	setHeaders(w, resp.Headers)
	// Payment state headers win over anything the upstream set.
	setHeaders(w, paymentHeaders)

	h.countRequest(req.Method, resp.Status, visitor)
	if h.metrics != nil {
		h.metrics.UpstreamDuration.WithLabelValues(req.Method, statusLabel(resp.Status)).
			Observe(float64(resp.LatencyMs) / 1000)
	}
	h.logRequest(req, visitor, resp)

	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			h.logger.Error().Err(err).Msg("failed to write response body")
		}
	}
}

func (h *GateHandler) countRequest(method string, status int, visitor proxy.Visitor) {
	if h.metrics == nil {
		return
	}
	h.metrics.RequestsTotal.WithLabelValues(method, statusLabel(status), visitorLabel(visitor)).Inc()
}

func (h *GateHandler) logRequest(req proxy.Request, visitor proxy.Visitor, resp proxy.Response) {
	event := h.logger.Info().
		Str("method", req.Method).
		Str("path", req.Path).
		Str("remote_ip", req.RemoteIP).
		Str("trace_id", req.TraceID).
		Str("visitor", visitorLabel(visitor)).
		Int("status", resp.Status).
		Int64("latency_ms", resp.LatencyMs)

	if visitor.State == proxy.VerifiedBot {
		event = event.Str("jti", visitor.Claims.JTI)
	}
	event.Msg("proxied request")
}

func visitorLabel(v proxy.Visitor) string {
	switch v.State {
	case proxy.Human:
		return "human"
	case proxy.VerifiedBot:
		return "bot"
	default:
		return "unverified"
	}
}

// verifyErrorResponse maps a verification failure to its wire response.
func verifyErrorResponse(err error) proxy.ErrorResponse {
	var ve *token.VerifyError
	if errors.As(err, &ve) {
		switch ve.Code {
		case token.CodeMissingToken:
			return proxy.ErrMissingToken
		case token.CodeInvalidAudience:
			return proxy.ErrInvalidAudience
		}
	}
	return proxy.ErrInvalidToken
}

func setHeaders(w http.ResponseWriter, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
}

// extractHeaders extracts forwardable headers from the request.
// Note: Go stores the Host header in r.Host, not r.Header["Host"].
func extractHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string)

	if r.Host != "" {
		headers["Host"] = r.Host
	}

	for k, v := range r.Header {
		lower := strings.ToLower(k)
		// The gate's own headers stay on this side of the proxy.
		if lower == HeaderBotFlag || lower == HeaderPayToken {
			continue
		}
		if isHopByHop(lower) {
			continue
		}
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return headers
}

// extractIP extracts the client IP from the request.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Reason  string `json:"reason,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, err *proxy.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	json.NewEncoder(w).Encode(errorBody{
		Code:    err.Code,
		Message: err.Message,
		Reason:  err.Reason,
	})
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	upstream HealthChecker
}

// HealthChecker interface for checking upstream health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(upstream HealthChecker) *HealthHandler {
	return &HealthHandler{upstream: upstream}
}

// Liveness returns a simple liveness check.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Readiness checks if the service and upstream are ready to handle traffic.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.upstream != nil {
		if err := h.upstream.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Version returns the service version.
func Version(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(VersionResponse{
		Version: "dev",
		Service: "tollgate",
	})
}

// RouterConfig holds optional configuration for the router.
type RouterConfig struct {
	Metrics        *metrics.Collector
	MetricsHandler http.Handler // Optional handler for the /metrics endpoint
}

// NewRouter creates the main HTTP router.
func NewRouter(gate *GateHandler, health *HealthHandler, logger zerolog.Logger) chi.Router {
	return NewRouterWithConfig(gate, health, logger, RouterConfig{})
}

// NewRouterWithConfig creates the main HTTP router with optional config.
func NewRouterWithConfig(gate *GateHandler, health *HealthHandler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	// Health endpoints (never gated)
	r.Get("/health", health.Liveness)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	} else if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/version", Version)

	// Everything else goes through the gate to the upstream.
	r.NotFound(gate.ServeHTTP)

	return r
}

// NewMetricsMiddleware creates middleware that records request metrics.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip metrics for internal endpoints
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start).Seconds()
			m.RequestDuration.WithLabelValues(r.Method, statusLabel(ww.Status())).Observe(duration)
		})
	}
}

// statusLabel returns a string label for the status code.
func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// Skip logging for health checks and metrics
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
