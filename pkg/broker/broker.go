// Package broker implements the matching loop (C2): it pairs ready
// consumers with eligible tasks, one topic at a time, and hands each
// successful match to a Dispatcher.
package broker

import (
	"time"

	"github.com/cuemby/taskctl/pkg/events"
	"github.com/cuemby/taskctl/pkg/log"
	"github.com/cuemby/taskctl/pkg/metrics"
	"github.com/cuemby/taskctl/pkg/tasktypes"
	"github.com/rs/zerolog"
)

// BatchSize bounds how many ready consumers / eligible tasks are fetched
// per topic per tick (§4.3).
const BatchSize = 64

// Store is the subset of taskstore.Store the broker loop needs.
type Store interface {
	ListTopics() ([]string, error)
	ListReadyConsumers(topic string, limit int) ([]*tasktypes.Consumer, error)
	ListEligibleTasks(topic string, now time.Time, limit int) ([]*tasktypes.Task, error)
	Lease(topic string, now time.Time) (*tasktypes.Task, *tasktypes.Consumer, error)
}

// Dispatcher is handed every successful lease.
type Dispatcher interface {
	Dispatch(task *tasktypes.Task, consumer *tasktypes.Consumer)
}

// Broker is the background matching loop.
type Broker struct {
	store      Store
	dispatcher Dispatcher
	interval   time.Duration
	wake       events.Subscriber
	stopCh     chan struct{}
}

// Config configures a Broker.
type Config struct {
	// Interval is the ticker's liveness-backstop cadence (§4.3: ~200ms).
	Interval time.Duration
}

// DefaultConfig returns the spec's recommended cadence.
func DefaultConfig() Config {
	return Config{Interval: 200 * time.Millisecond}
}

// New creates a Broker. If eventBroker is non-nil, the broker subscribes to
// it and runs an extra iteration on every event it receives, whatever its
// type, to wake the loop early between ticks.
func New(store Store, dispatcher Dispatcher, eventBroker *events.Broker, cfg Config) *Broker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	b := &Broker{
		store:      store,
		dispatcher: dispatcher,
		interval:   cfg.Interval,
		stopCh:     make(chan struct{}),
	}
	if eventBroker != nil {
		b.wake = eventBroker.Subscribe()
	}
	return b
}

// Start begins the matching loop in its own goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop signals the loop to exit.
func (b *Broker) Stop() {
	close(b.stopCh)
}

func (b *Broker) run() {
	logger := log.WithComponent("broker")
	logger.Info().Msg("broker loop started")

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.tick(logger)
		case <-b.wake:
			b.tick(logger)
		case <-b.stopCh:
			logger.Info().Msg("broker loop stopped")
			return
		}
	}
}

// tick runs one matching iteration over every known topic (§4.3 steps 1-4).
func (b *Broker) tick(logger zerolog.Logger) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LeaseAttemptDuration)

	topics, err := b.store.ListTopics()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list topics")
		return
	}

	now := time.Now()
	for _, topic := range topics {
		consumers, err := b.store.ListReadyConsumers(topic, BatchSize)
		if err != nil {
			logger.Error().Err(err).Str("topic", topic).Msg("failed to list ready consumers")
			continue
		}
		if len(consumers) == 0 {
			continue
		}

		tasks, err := b.store.ListEligibleTasks(topic, now, BatchSize)
		if err != nil {
			logger.Error().Err(err).Str("topic", topic).Msg("failed to list eligible tasks")
			continue
		}
		if len(tasks) == 0 {
			continue
		}

		pairs := len(tasks)
		if len(consumers) < pairs {
			pairs = len(consumers)
		}

		for i := 0; i < pairs; i++ {
			task, consumer, err := b.store.Lease(topic, now)
			if err != nil {
				logger.Error().Err(err).Str("topic", topic).Msg("lease attempt failed")
				continue
			}
			if task == nil || consumer == nil {
				// race with another broker instance or an empty side; the
				// next tick will retry, per §4.3 step 3.
				continue
			}

			metrics.TasksLeased.WithLabelValues(topic).Inc()
			b.dispatcher.Dispatch(task, consumer)
		}
	}
}
