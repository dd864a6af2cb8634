// Package healthpruner implements the consumer registry's health pruner
// (C3): a background loop that removes any consumer whose health_url stops
// answering with a 2xx status.
package healthpruner

import (
	"context"
	"time"

	"github.com/cuemby/taskctl/pkg/events"
	"github.com/cuemby/taskctl/pkg/health"
	"github.com/cuemby/taskctl/pkg/log"
	"github.com/cuemby/taskctl/pkg/metrics"
	"github.com/cuemby/taskctl/pkg/tasktypes"
	"github.com/rs/zerolog"
)

// Store is the subset of taskstore.Store the pruner needs.
type Store interface {
	ListConsumers() ([]*tasktypes.Consumer, error)
	DeleteConsumer(endpointURL string) error
}

// Pruner periodically health-checks every registered consumer and deletes
// any that fails.
type Pruner struct {
	store    Store
	events   *events.Broker
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
}

// Config configures a Pruner.
type Config struct {
	// Interval between full sweeps of the consumer registry.
	Interval time.Duration
	// Timeout applied to each consumer's health check.
	Timeout time.Duration
}

// DefaultConfig matches §4.4's "runs at low frequency (~5s)" with a ~2s
// per-check timeout.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second, Timeout: 2 * time.Second}
}

// New creates a Pruner over store, publishing ConsumerPruned events on evictions.
func New(store Store, broker *events.Broker, cfg Config) *Pruner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Pruner{
		store:    store,
		events:   broker,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the pruner loop in its own goroutine.
func (p *Pruner) Start() {
	go p.run()
}

// Stop signals the loop to exit; it does not wait for the current sweep.
func (p *Pruner) Stop() {
	close(p.stopCh)
}

func (p *Pruner) run() {
	logger := log.WithComponent("healthpruner")
	logger.Info().Msg("health pruner started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep(logger)
		case <-p.stopCh:
			logger.Info().Msg("health pruner stopped")
			return
		}
	}
}

func (p *Pruner) sweep(logger zerolog.Logger) {
	consumers, err := p.store.ListConsumers()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list consumers")
		return
	}

	for _, c := range consumers {
		checker := health.NewHTTPChecker(c.HealthURL).WithTimeout(p.timeout).WithStatusRange(200, 299)
		result := checker.Check(context.Background())
		if result.Healthy {
			continue
		}

		if err := p.store.DeleteConsumer(c.EndpointURL); err != nil {
			logger.Error().Err(err).Str("endpoint", c.EndpointURL).Msg("failed to prune unhealthy consumer")
			continue
		}

		metrics.ConsumersPruned.WithLabelValues(c.Topic).Inc()
		logger.Warn().
			Str("endpoint", c.EndpointURL).
			Str("topic", c.Topic).
			Str("reason", result.Message).
			Msg("pruned unhealthy consumer")

		if p.events != nil {
			p.events.Publish(&events.Event{
				Type:     events.ConsumerPruned,
				Message:  c.EndpointURL,
				Metadata: map[string]string{"topic": c.Topic},
			})
		}
	}
}
