package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/barge/pkg/metrics"
	"github.com/cuemby/barge/pkg/registry"
)

// HealthServer exposes liveness/readiness over plain HTTP alongside the
// Prometheus handler, separate from the gRPC task-facing service.
type HealthServer struct {
	registry registry.Registry
	mux      *http.ServeMux
}

// NewHealthServer wires /health, /ready and /metrics.
func NewHealthServer(reg registry.Registry) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{registry: reg, mux: mux}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// readyHandler reports ready once the shuffle registry is wired; the
// coordinator has no consensus layer to wait on, so this is a narrower
// check than the teacher's raft/storage pair.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true

	if hs.registry != nil {
		checks["registry"] = "ok"
	} else {
		checks["registry"] = "not initialized"
		ready = false
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, ReadyResponse{Status: status, Timestamp: time.Now(), Checks: checks})
}

func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
