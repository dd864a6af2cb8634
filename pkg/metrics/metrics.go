package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task store metrics
	TasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskctl_tasks_created_total",
			Help: "Total number of tasks created, by topic",
		},
		[]string{"topic"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskctl_tasks_total",
			Help: "Current number of tasks by status code",
		},
		[]string{"status"},
	)

	TasksLeased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskctl_tasks_leased_total",
			Help: "Total number of tasks leased to a consumer, by topic",
		},
		[]string{"topic"},
	)

	// Consumer / broker metrics
	ConsumersRegistered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskctl_consumers_registered",
			Help: "Current number of registered consumers by topic",
		},
		[]string{"topic"},
	)

	ConsumersPruned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskctl_consumers_pruned_total",
			Help: "Total number of consumers removed by the health pruner",
		},
		[]string{"topic"},
	)

	LeaseAttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskctl_lease_attempt_duration_seconds",
			Help:    "Time taken for one broker-loop lease attempt across all topics",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatcher metrics
	DispatchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskctl_dispatch_requests_total",
			Help: "Total number of task dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Orchestrator metrics
	OrchestratorStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskctl_orchestrator_steps_total",
			Help: "Total number of pipeline steps run by step name and outcome",
		},
		[]string{"step", "outcome"},
	)

	OrchestratorFanoutChildren = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskctl_orchestrator_fanout_children_total",
			Help: "Total number of per-chunk child tasks created by fan-out steps",
		},
		[]string{"step", "outcome"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskctl_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskctl_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskctl_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskctl_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskctl_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskctl_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskctl_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Worker slot manager metrics
	WorkerAvailableTokens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskctl_worker_available_tokens",
			Help: "Number of unused concurrency tokens this worker currently advertises",
		},
	)

	WorkerInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskctl_worker_in_flight",
			Help: "Number of tasks this worker is currently executing",
		},
	)

	WorkerTasksHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskctl_worker_tasks_handled_total",
			Help: "Total number of tasks handled by this worker, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(TasksCreated)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksLeased)
	prometheus.MustRegister(ConsumersRegistered)
	prometheus.MustRegister(ConsumersPruned)
	prometheus.MustRegister(LeaseAttemptDuration)
	prometheus.MustRegister(DispatchRequestsTotal)
	prometheus.MustRegister(OrchestratorStepsTotal)
	prometheus.MustRegister(OrchestratorFanoutChildren)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(WorkerAvailableTokens)
	prometheus.MustRegister(WorkerInFlight)
	prometheus.MustRegister(WorkerTasksHandled)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
