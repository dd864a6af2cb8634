// Package metrics holds the prometheus instruments shared across the task
// store, broker, dispatcher, orchestrator and worker slot manager, plus a
// periodic Collector that polls cluster-wide gauges (task counts by
// status, registered consumers, Raft health) that no single write path
// can keep current on its own.
package metrics

import (
	"time"

	"github.com/cuemby/taskctl/pkg/tasktypes"
)

// clusterSource is the read surface the collector polls. taskstore.Store
// satisfies it; tests can supply a fake.
type clusterSource interface {
	ListConsumers() ([]*tasktypes.Consumer, error)
	ListAllTasks() ([]*tasktypes.Task, error)
	IsLeader() bool
	Stats() map[string]any
}

// Collector polls cluster-wide state on a timer to keep gauge metrics
// current without every write path having to remember to update them.
type Collector struct {
	source clusterSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source clusterSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTaskMetrics()
	c.collectConsumerMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := c.source.ListAllTasks()
	if err != nil {
		return
	}

	counts := make(map[tasktypes.StatusCode]int)
	for _, t := range tasks {
		counts[t.StatusCode]++
	}
	for _, code := range []tasktypes.StatusCode{
		tasktypes.StatusQueued, tasktypes.StatusRunning,
		tasktypes.StatusSucceeded, tasktypes.StatusFailed,
	} {
		TasksTotal.WithLabelValues(code.String()).Set(float64(counts[code]))
	}
}

func (c *Collector) collectConsumerMetrics() {
	consumers, err := c.source.ListConsumers()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, cons := range consumers {
		counts[cons.Topic]++
	}
	for topic, count := range counts {
		ConsumersRegistered.WithLabelValues(topic).Set(float64(count))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.source.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.source.Stats()
	if stats == nil {
		return
	}
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		RaftAppliedIndex.Set(float64(appliedIndex))
	}
	if peers, ok := stats["peers"].(int); ok {
		RaftPeers.Set(float64(peers))
	}
}
