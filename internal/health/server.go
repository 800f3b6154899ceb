package health

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /healthz and /metrics over HTTP.
type Server struct {
	monitor *Monitor
	srv     *http.Server
}

// NewServer creates the HTTP server on addr (e.g. ":9100").
func NewServer(addr string, monitor *Monitor) *Server {
	s := &Server{monitor: monitor}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[health] http server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] http server: %v", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleHealthz serves the latest snapshot. 503 while degraded so load
// balancers can act on it; 200 with a stub before the first probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	snap := s.monitor.Latest()
	if snap == nil {
		w.Write([]byte(`{"status":"starting"}`))
		return
	}
	if snap.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Write(snap.JSON())
}
