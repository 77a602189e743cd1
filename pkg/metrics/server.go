package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// Endpoint paths served by Server.
const (
	PathMetrics   = "/metrics"
	PathHealth    = "/health"
	PathLiveness  = "/livez"
	PathReadiness = "/readyz"
)

// ServerConfig selects what the observability endpoint exposes.
type ServerConfig struct {
	Collector        *Collector
	Version          string
	Namespace        string // Prometheus namespace, DefaultNamespace when empty
	EnablePrometheus bool
	EnableHealth     bool
}

// Server is the HTTP side of a node's observability: Prometheus text at
// /metrics and health reports at /health, /livez and /readyz.
type Server struct {
	mux    *http.ServeMux
	health *HealthCheck

	mu  sync.Mutex
	srv *http.Server
}

// NewServer wires the enabled endpoints. A nil collector gets a private one.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Collector == nil {
		cfg.Collector = NewCollector(nil)
	}
	s := &Server{mux: http.NewServeMux()}
	if cfg.EnablePrometheus {
		s.mux.Handle("GET "+PathMetrics, NewPrometheusExporter(cfg.Collector, cfg.Namespace).Handler())
	}
	if cfg.EnableHealth {
		s.health = NewHealthCheck(cfg.Collector, cfg.Version)
		s.mux.Handle("GET "+PathHealth, s.health.Handler())
		s.mux.Handle("GET "+PathLiveness, s.health.LivenessHandler())
		s.mux.Handle("GET /healthz", s.health.LivenessHandler())
		s.mux.Handle("GET "+PathReadiness, s.health.ReadinessHandler())
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// AddHealthCheck registers a check. It is a no-op when health is disabled.
func (s *Server) AddHealthCheck(name string, check CheckFunc) {
	if s.health != nil {
		s.health.AddCheck(name, check)
	}
}

// Serve answers requests on ln until Shutdown, then returns nil.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown drains in-flight requests. It is a no-op before Serve.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func statusCode(st HealthStatus) int {
	if st == HealthStatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Handler serves the full report. Degraded nodes still answer 200.
func (h *HealthCheck) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		r := h.Check()
		respondJSON(w, statusCode(r.Status), r)
	})
}

// LivenessHandler answers 200 for as long as the process can serve HTTP.
func (h *HealthCheck) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
}

// ReadinessHandler answers 503 with the failing check names while any
// check fails.
func (h *HealthCheck) ReadinessHandler() http.Handler {
	type readiness struct {
		Ready   bool         `json:"ready"`
		Status  HealthStatus `json:"status"`
		Failing []string     `json:"failing,omitempty"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		r := h.Check()
		respondJSON(w, statusCode(r.Status), readiness{
			Ready:   r.Status != HealthStatusUnhealthy,
			Status:  r.Status,
			Failing: r.Failing(),
		})
	})
}
