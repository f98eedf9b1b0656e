package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	gw "github.com/tributary-ai/ai-gateway/internal/gateway"
	"github.com/tributary-ai/ai-gateway/internal/health"
	"github.com/tributary-ai/ai-gateway/internal/middleware"
	"github.com/tributary-ai/ai-gateway/internal/quota"
	"github.com/tributary-ai/ai-gateway/internal/types"
)

// Config holds HTTP server configuration
type Config struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	OpenAPISpec    string        `yaml:"openapi_spec"`
}

// Server is the HTTP front of the gateway.
type Server struct {
	gateway    *gw.Gateway
	guard      *quota.Guard
	registry   *health.Registry
	validation *middleware.ValidationMiddleware
	httpServer *http.Server
	logger     *logrus.Logger
	config     *Config
}

// New creates a server over the gateway and its management collaborators.
func New(gateway *gw.Gateway, guard *quota.Guard, registry *health.Registry, config *Config, logger *logrus.Logger) (*Server, error) {
	s := &Server{
		gateway:  gateway,
		guard:    guard,
		registry: registry,
		logger:   logger,
		config:   config,
	}

	if config.OpenAPISpec != "" {
		vm, err := middleware.NewValidationMiddleware(&middleware.ValidationConfig{
			Enabled:  true,
			SpecPath: config.OpenAPISpec,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
		}
		s.validation = vm
	}

	return s, nil
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Routes(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting AI gateway server")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping AI gateway server")
	return s.httpServer.Shutdown(ctx)
}

// Routes configures all HTTP routes.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	if s.validation != nil {
		r.Use(s.validation.Middleware)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/chat", s.handleChat).Methods("POST")
	api.HandleFunc("/routing/decision", s.handleRoutingDecision).Methods("POST")
	api.HandleFunc("/tokens", s.handleIssueToken).Methods("POST")
	api.HandleFunc("/tenants", s.handleProvisionTenant).Methods("POST")
	api.HandleFunc("/tenants/{id}/rotate", s.handleRotateCredential).Methods("POST")
	api.HandleFunc("/tenants/{id}/usage", s.handleTenantUsage).Methods("GET")
	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/capabilities", s.handleCapabilities).Methods("GET")
	api.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.registerDocs(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-App-ID, X-App-Secret")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// credentials pulls the tenant credential out of the request headers. App
// id/secret pairs and bearer session tokens are both accepted.
func credentials(r *http.Request) types.TenantCredential {
	cred := types.TenantCredential{
		AppID:  r.Header.Get("X-App-ID"),
		Secret: r.Header.Get("X-App-Secret"),
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		cred.Token = strings.TrimPrefix(auth, "Bearer ")
	}
	return cred
}

// Handlers

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.RoutingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if req.Stream {
		s.handleChatStream(w, r, &req)
		return
	}

	result, err := s.gateway.Handle(r.Context(), credentials(r), &req)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.CacheHit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("X-Request-ID", req.ID)
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, req *types.RoutingRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Streaming unsupported by connection")
		return
	}

	events, decision, err := s.gateway.HandleStream(r.Context(), credentials(r), req)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", req.ID)
	w.WriteHeader(http.StatusOK)

	// First event carries the routing decision so clients learn which
	// provider is answering before any content arrives.
	if data, merr := json.Marshal(map[string]interface{}{"decision": decision}); merr == nil {
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	for ev := range events {
		if ev.Err != nil {
			data, _ := json.Marshal(map[string]string{"error": ev.Err.Error()})
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			return
		}
		if ev.Chunk != nil {
			data, merr := json.Marshal(ev.Chunk)
			if merr != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		if ev.Done {
			break
		}
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// handleRoutingDecision evaluates routing without calling a provider.
func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	var req types.RoutingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	decision, err := s.gateway.Decide(r.Context(), credentials(r), &req)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decision)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.guard.IssueToken(r.Context(), credentials(r))
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"token":      token,
		"token_type": "Bearer",
	})
}

func (s *Server) handleProvisionTenant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if body.Name == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "name is required")
		return
	}

	app, secret, err := s.guard.Provision(r.Context(), body.Name, body.Tier)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"tenant": app,
		"secret": secret,
	})
}

func (s *Server) handleRotateCredential(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	secret, err := s.guard.RotateCredential(r.Context(), id)
	if err != nil {
		if err == quota.ErrTenantNotFound {
			s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Tenant %s not found", id))
			return
		}
		s.writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"tenant_id": id,
		"secret":    secret,
	})
}

func (s *Server) handleTenantUsage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	period := r.URL.Query().Get("period")
	if period == "" {
		period = types.BillingPeriod(time.Now())
	}

	rec, err := s.guard.Store().GetUsage(r.Context(), id, period)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	snapshots := s.registry.Snapshots()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"providers": snapshots,
		"count":     len(snapshots),
	})
}

// handleCapabilities lists each provider's model catalog with cost tables
// and context limits.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := s.gateway.Capabilities()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"providers": caps,
	})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	snapshots := s.registry.Snapshots()

	healthy := true
	for _, snap := range snapshots {
		if snap.State == "OPEN" {
			healthy = false
			break
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"providers": snapshots,
		"timestamp": time.Now().Unix(),
	})
}

// Helpers

// writeGatewayError maps a pipeline error onto its HTTP shape, including
// Retry-After for errors that carry a reset time.
func (s *Server) writeGatewayError(w http.ResponseWriter, err error) {
	gerr, ok := types.AsGatewayError(err)
	if !ok {
		s.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !gerr.ResetTime.IsZero() {
		if secs := int(time.Until(gerr.ResetTime).Seconds()); secs > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gerr.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message":   gerr.Message,
			"type":      string(gerr.Kind),
			"retryable": gerr.Retryable,
		},
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
