// Package healthsrv exposes the worker's liveness/readiness/metrics HTTP
// surface, separate from the gateway's WebSocket traffic.
package healthsrv

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/cuemby/codalab-worker/pkg/metrics"
)

// Checker reports one readiness condition. Returning a non-nil error
// marks the worker not-ready and surfaces the error's message.
type Checker func() error

// Server serves /health, /ready, and /metrics for the worker process.
type Server struct {
	mux      *http.ServeMux
	checks   map[string]Checker
	version  string
}

// New constructs a Server. version is reported verbatim in /health
// responses (typically a build-time ldflags value).
func New(version string) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		checks:  make(map[string]Checker),
		version: version,
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// AddCheck registers a named readiness check, evaluated on every /ready
// request.
func (s *Server) AddCheck(name string, check Checker) {
	s.checks[name] = check
}

// ListenAndServe starts the HTTP server on addr, blocking until it exits.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "healthy", Timestamp: time.Now(), Version: s.version})
}

type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := readyResponse{Status: "ready", Timestamp: time.Now(), Checks: make(map[string]string)}
	for name, check := range s.checks {
		if err := check(); err != nil {
			resp.Checks[name] = "error: " + err.Error()
			resp.Status = "not ready"
			resp.Message = name + " check failed"
			continue
		}
		resp.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ready" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
