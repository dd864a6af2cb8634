// Package slotmanager is the worker slot manager library (C5): it tracks
// local concurrency capacity, advertises readiness to the broker one slot
// at a time, and drives a task handler's ACK/NACK/FAIL lifecycle.
package slotmanager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/taskctl/pkg/log"
	"github.com/cuemby/taskctl/pkg/metrics"
	"github.com/cuemby/taskctl/pkg/workerclient"
)

// ErrNoCapacity is returned by ExecuteTask when the worker has no free
// slot; the caller should respond to the dispatcher with a non-2xx or, as
// this implementation does, accept-then-NACK so the broker re-queues.
var ErrNoCapacity = errors.New("slotmanager: no capacity")

// Handler executes one task's payload and returns its output on success.
// A returned error is treated as a permanent failure (FAIL); there is no
// distinct recoverable-error path in this version (§7).
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Manager tracks in_flight/available_tokens bookkeeping for one worker
// process, mirroring the three pieces of state named in §4.5.
type Manager struct {
	client        *workerclient.Client
	maxConcurrent int

	mu              sync.Mutex
	inFlight        map[string]bool
	availableTokens int
	readyLock       sync.Mutex
}

// New creates a Manager with maxConcurrent slots, initially fully unused.
func New(client *workerclient.Client, maxConcurrent int) *Manager {
	return &Manager{
		client:          client,
		maxConcurrent:   maxConcurrent,
		inFlight:        make(map[string]bool),
		availableTokens: maxConcurrent,
	}
}

func (m *Manager) inFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

func (m *Manager) capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.maxConcurrent - len(m.inFlight)
	if c < 0 {
		return 0
	}
	return c
}

// Start advertises one unit of readiness if a token is unused, retrying
// with exponential backoff (cap ~10s) until the broker accepts it. It
// never gives up during process lifetime, per §4.5.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.availableTokens <= 0 {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.readyLock.Lock()
	defer m.readyLock.Unlock()

	m.mu.Lock()
	if m.availableTokens <= 0 {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	logger := log.WithComponent("slotmanager")
	backoff := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		if err := m.client.Ready(ctx); err == nil {
			m.mu.Lock()
			m.availableTokens--
			m.mu.Unlock()
			metrics.WorkerAvailableTokens.Set(float64(m.availableTokens))
			return
		} else {
			logger.Warn().Err(err).Dur("retry_in", backoff).Msg("broker not ready, retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// ExecuteTask runs the HTTP handler flow of §4.5 step by step: capacity
// check, in-flight bookkeeping, opportunistic next-slot advertisement,
// handler invocation, and ACK/FAIL reporting.
func (m *Manager) ExecuteTask(ctx context.Context, taskID string, payload map[string]any, handler Handler) error {
	if m.capacity() <= 0 {
		if err := m.client.Nack(ctx, taskID); err != nil {
			return err
		}
		return ErrNoCapacity
	}

	m.mu.Lock()
	m.inFlight[taskID] = true
	available := m.availableTokens
	m.mu.Unlock()
	metrics.WorkerInFlight.Set(float64(m.inFlightCount()))

	if available > 0 {
		go m.Start(ctx)
	}

	output, err := handler(ctx, payload)

	m.mu.Lock()
	delete(m.inFlight, taskID)
	inFlight := len(m.inFlight)
	m.availableTokens = clamp(m.availableTokens+1, 0, m.maxConcurrent-inFlight)
	m.mu.Unlock()
	metrics.WorkerInFlight.Set(float64(inFlight))
	metrics.WorkerAvailableTokens.Set(float64(m.availableTokens))

	go m.Start(ctx)

	if err != nil {
		metrics.WorkerTasksHandled.WithLabelValues("fail").Inc()
		return m.client.Fail(ctx, taskID, map[string]any{"error": err.Error()})
	}

	metrics.WorkerTasksHandled.WithLabelValues("ack").Inc()
	return m.client.Ack(ctx, taskID, output)
}

// Stop deregisters this worker's consumer registration.
func (m *Manager) Stop(ctx context.Context) error {
	return m.client.Deregister(ctx)
}

// HTTPHandler adapts ExecuteTask to the HTTP endpoint the dispatcher POSTs
// to: it decodes {task_id, ...input}, runs handler, and returns 202
// immediately per §6.2 while the handler continues in the background.
func (m *Manager) HTTPHandler(handler Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		taskID, _ := payload["task_id"].(string)
		if taskID == "" {
			http.Error(w, "missing task_id", http.StatusBadRequest)
			return
		}

		go func() {
			ctx := context.Background()
			if err := m.ExecuteTask(ctx, taskID, payload, handler); err != nil {
				log.WithComponent("slotmanager").Error().Err(err).Str("task_id", taskID).Msg("task execution reporting failed")
			}
		}()

		w.WriteHeader(http.StatusAccepted)
	}
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
