package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/taskctl/pkg/log"
	"github.com/cuemby/taskctl/pkg/metrics"
	"github.com/cuemby/taskctl/pkg/tasktypes"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
)

// Store is the subset of taskstore.Store the HTTP surface needs.
type Store interface {
	CreateTask(name string, workspaceID int64, input map[string]any, scheduledStart *int64) (*tasktypes.Task, error)
	GetTask(id string) (*tasktypes.Task, error)
	UpdateTask(id string, delta tasktypes.TaskUpdate) (*tasktypes.Task, error)
	PutConsumer(c *tasktypes.Consumer) (*tasktypes.Consumer, error)
	DeleteConsumer(endpointURL string) error
	AddVoter(nodeID, address string) error
	IsLeader() bool
	LeaderAddr() string
	ListTopics() ([]string, error)
}

var validate = validator.New()

// CreateTaskBody is the decode target of POST /task.
type CreateTaskBody struct {
	Name                    string         `json:"name" validate:"required"`
	Input                   map[string]any `json:"input"`
	WorkspaceID             int64          `json:"workspace_id"`
	ScheduledStartTimestamp *int64         `json:"scheduled_start_timestamp"`
}

// ConsumerBody is the decode target of PUT /consumer.
type ConsumerBody struct {
	EndpointURL string `json:"endpoint_url" validate:"required,url"`
	HealthURL   string `json:"health_url" validate:"required,url"`
	Topic       string `json:"topic" validate:"required"`
	Ready       bool   `json:"ready"`
}

// ConsumerDeregisterBody is the decode target of DELETE /consumer.
type ConsumerDeregisterBody struct {
	EndpointURL string `json:"endpoint_url" validate:"required,url"`
}

// JoinBody is the decode target of POST /cluster/join.
type JoinBody struct {
	NodeID  string `json:"node_id" validate:"required"`
	Address string `json:"address" validate:"required"`
}

// Server is the task-service HTTP API (§6.1): task CRUD, consumer
// registration, cluster join, health/ready/metrics.
type Server struct {
	store Store
	mux   *chi.Mux
}

// NewServer builds the chi router for store.
func NewServer(store Store) *Server {
	s := &Server{store: store}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/task", s.createTask)
	r.Get("/task/{id}", s.getTask)
	r.Get("/task/{id}/status", s.getTaskStatus)
	r.Put("/task/{id}", s.updateTask)
	r.Put("/consumer", s.putConsumer)
	r.Delete("/consumer", s.deleteConsumer)
	r.Post("/cluster/join", s.clusterJoin)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Handle("/metrics", metrics.Handler())

	s.mux = r
	return s
}

// ServeHTTP lets Server be passed directly to http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, route, http.StatusText(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body CreateTaskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	task, err := s.store.CreateTask(body.Name, body.WorkspaceID, body.Input, body.ScheduledStartTimestamp)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	w.Header().Set("Location", "/task/"+task.ID+"/status")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": task.ID})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task.View())
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var delta tasktypes.TaskUpdate
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&delta); err != nil {
		if strings.HasPrefix(err.Error(), "json: unknown field") {
			err = fmt.Errorf("%w: %v", tasktypes.ErrImmutableField, err)
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	task, err := s.store.UpdateTask(id, delta)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if task.StatusCode == tasktypes.StatusSucceeded || task.StatusCode == tasktypes.StatusFailed {
		metrics.OrchestratorStepsTotal.WithLabelValues(task.Name, task.StatusCode.String()).Inc()
	}
	writeJSON(w, http.StatusOK, task.View())
}

func (s *Server) putConsumer(w http.ResponseWriter, r *http.Request) {
	var body ConsumerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	_, err := s.store.PutConsumer(&tasktypes.Consumer{
		EndpointURL: body.EndpointURL,
		HealthURL:   body.HealthURL,
		Topic:       body.Topic,
		IsReady:     body.Ready,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) deleteConsumer(w http.ResponseWriter, r *http.Request) {
	var body ConsumerDeregisterBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.store.DeleteConsumer(body.EndpointURL); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) clusterJoin(w http.ResponseWriter, r *http.Request) {
	var body JoinBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if !s.store.IsLeader() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":  "not the leader",
			"leader": s.store.LeaderAddr(),
		})
		return
	}

	if err := s.store.AddVoter(body.NodeID, body.Address); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// health and ready refresh the shared component table from the live store
// state, then delegate response construction to metrics.HealthHandler /
// metrics.ReadyHandler, whose readiness contract is 503 unless "raft",
// "taskstore" and "api" are all registered healthy (§6.1).
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	metrics.UpdateComponent("api", true, "")
	metrics.HealthHandler()(w, r)
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.store.IsLeader() {
		metrics.UpdateComponent("raft", true, "leader")
	} else if leader := s.store.LeaderAddr(); leader != "" {
		metrics.UpdateComponent("raft", true, "follower (leader: "+leader+")")
	} else {
		metrics.UpdateComponent("raft", false, "no leader elected")
	}

	if _, err := s.store.ListTopics(); err != nil {
		metrics.UpdateComponent("taskstore", false, err.Error())
	} else {
		metrics.UpdateComponent("taskstore", true, "")
	}

	metrics.UpdateComponent("api", true, "")
	metrics.ReadyHandler()(w, r)
}

// writeStoreError maps store sentinel errors to their §6.1/§7 status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasktypes.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, tasktypes.ErrIllegalTransition),
		errors.Is(err, tasktypes.ErrImmutableField),
		errors.Is(err, tasktypes.ErrNoUpdatableFields):
		writeError(w, http.StatusBadRequest, err)
	case !s.store.IsLeader():
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":  err.Error(),
			"leader": s.store.LeaderAddr(),
		})
	default:
		log.Errorf("store operation failed", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
