package api

import (
	"fmt"
	"net/http"
	"time"
)

// ReadyChecker is the subset of Store a readiness probe inspects.
type ReadyChecker interface {
	IsLeader() bool
	LeaderAddr() string
	ListTopics() ([]string, error)
}

// HealthServer exposes /health and /ready independent of the main chi
// router, for binaries (worker demos) that don't run the full task-service
// API but still need a liveness/readiness endpoint.
type HealthServer struct {
	store ReadyChecker
	mux   *http.ServeMux
}

// NewHealthServer creates a minimal health/ready server backed by store.
// store may be nil for a process with no task store of its own (a plain
// worker), in which case /ready always reports healthy.
func NewHealthServer(store ReadyChecker) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{store: store, mux: mux}
	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	return hs
}

// Start runs the health server on addr until it errors.
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

// GetHandler returns the underlying handler for embedding elsewhere.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

// HealthResponse is the /health liveness payload (§6.1).
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the /ready payload (§6.1): 503 if this node is not a
// Raft voter with a healthy store.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if hs.store == nil {
		writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: map[string]string{}})
		return
	}

	checks := make(map[string]string)
	ready := true

	if hs.store.IsLeader() {
		checks["raft"] = "leader"
	} else if leader := hs.store.LeaderAddr(); leader != "" {
		checks["raft"] = fmt.Sprintf("follower (leader: %s)", leader)
	} else {
		checks["raft"] = "no leader elected"
		ready = false
	}

	if _, err := hs.store.ListTopics(); err != nil {
		checks["store"] = fmt.Sprintf("error: %v", err)
		ready = false
	} else {
		checks["store"] = "ok"
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, ReadyResponse{Status: status, Checks: checks})
}
