// Package health serves the operational HTTP surface: liveness, readiness,
// a JSON status view and the Prometheus metrics endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crosslock-hq/crosslock-resolver/pkg/circuitbreaker"
	"github.com/crosslock-hq/crosslock-resolver/pkg/logger"
	"github.com/crosslock-hq/crosslock-resolver/pkg/models"
)

// StatusSource is the resolver-side view the server renders. The resolver
// service satisfies this.
type StatusSource interface {
	Snapshot() models.HealthSnapshot
	Balances() []models.Balance
	RiskSummary() map[string]string
}

// Server is the health and metrics HTTP server.
type Server struct {
	port          string
	source        StatusSource
	breakers      *circuitbreaker.Keyed
	metricsAPIKey string
	logger        logger.Logger
	httpServer    *http.Server
}

// NewServer creates a health server on the given port.
func NewServer(port string, source StatusSource, breakers *circuitbreaker.Keyed, log logger.Logger) *Server {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Server{
		port:          port,
		source:        source,
		breakers:      breakers,
		metricsAPIKey: os.Getenv("METRICS_API_KEY"),
		logger:        log,
	}
}

// Router builds the route table. Split out so tests can drive it without a
// listening socket.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/circuit/reset", s.handleCircuitReset).Methods(http.MethodPost)
	r.Handle("/metrics", s.metricsAuthMiddleware(promhttp.Handler())).Methods(http.MethodGet)
	return r
}

// Start runs the server until Shutdown. Blocks.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting health and metrics server on port %s", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Health server error: %v", err)
	}
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Health server shutdown error: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Snapshot()
	switch snap.State {
	case "running", "degraded":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready"))
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not ready: " + snap.State))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"snapshot": s.source.Snapshot(),
		"balances": s.source.Balances(),
		"risk":     s.source.RiskSummary(),
	}
	if s.breakers != nil {
		status["circuit_open"] = s.breakers.AnyOpen()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Error encoding status JSON: %v", err)
	}
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("No circuit breakers configured"))
		return
	}

	condition := r.URL.Query().Get("condition")
	if condition == "" {
		s.breakers.ResetAll()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("All circuit breakers reset"))
		return
	}

	s.breakers.Get(condition).Reset()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Circuit breaker " + condition + " reset"))
}

// metricsAuthMiddleware checks for a valid API key when one is configured.
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}
		if parts[1] != s.metricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
