// Package dispatcher implements the task dispatcher (C4): it POSTs a leased
// task to its consumer's endpoint_url, fire-and-forget, guarding every
// consumer behind its own circuit breaker so a dead endpoint cannot
// monopolize dispatch goroutines between health-pruner sweeps.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/taskctl/pkg/log"
	"github.com/cuemby/taskctl/pkg/metrics"
	"github.com/cuemby/taskctl/pkg/tasktypes"
	"github.com/sony/gobreaker"
)

// Dispatcher POSTs leased (task, consumer) pairs to their consumer
// endpoints. Safe for concurrent use.
type Dispatcher struct {
	client   *http.Client
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Config configures a Dispatcher.
type Config struct {
	// Timeout is applied to each outbound dispatch POST (§5: ~30s connect+send).
	Timeout time.Duration
}

// DefaultConfig returns the spec's recommended dispatch timeout.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Dispatcher{
		client:   &http.Client{Timeout: cfg.Timeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breakerFor returns the circuit breaker for endpoint, creating one on
// first use. Five consecutive failures trips the breaker open for 30s.
func (d *Dispatcher) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.breakers[endpoint]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    endpoint,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	d.breakers[endpoint] = b
	return b
}

// Dispatch sends task to consumer's endpoint in a new goroutine; the
// broker loop never blocks on it. Failures are logged and counted, never
// retried (§4.5) — the task stays Running until the worker updates it, the
// health pruner evicts the consumer, or an operator intervenes.
func (d *Dispatcher) Dispatch(task *tasktypes.Task, consumer *tasktypes.Consumer) {
	go d.dispatch(task, consumer)
}

func (d *Dispatcher) dispatch(task *tasktypes.Task, consumer *tasktypes.Consumer) {
	logger := log.WithTopic(task.Name).WithConsumer(consumer.EndpointURL)

	breaker := d.breakerFor(consumer.EndpointURL)
	_, err := breaker.Execute(func() (any, error) {
		return nil, d.post(task, consumer)
	})

	switch {
	case err == nil:
		metrics.DispatchRequestsTotal.WithLabelValues("ok").Inc()
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		metrics.DispatchRequestsTotal.WithLabelValues("breaker_open").Inc()
		logger.Warn().Str("task_id", task.ID).Msg("dispatch skipped, circuit breaker open")
	default:
		metrics.DispatchRequestsTotal.WithLabelValues("error").Inc()
		logger.Error().Err(err).Str("task_id", task.ID).Msg("dispatch failed")
	}
}

func (d *Dispatcher) post(task *tasktypes.Task, consumer *tasktypes.Consumer) error {
	body := map[string]any{"task_id": task.ID}
	for k, v := range task.Input {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("dispatcher: marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, consumer.EndpointURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("dispatcher: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatcher: post to %s: %w", consumer.EndpointURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dispatcher: %s returned %d", consumer.EndpointURL, resp.StatusCode)
	}
	return nil
}
