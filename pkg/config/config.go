// Package config defines one layered configuration struct per binary:
// built-in defaults, optionally overlaid by a YAML file, then by
// recognized environment variables, in increasing precedence.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskService configures cmd/task-service.
type TaskService struct {
	DataDir    string `yaml:"data_dir"`
	NodeID     string `yaml:"node_id"`
	BindAddr   string `yaml:"bind_addr"`
	APIAddr    string `yaml:"api_addr"`
	Bootstrap  bool   `yaml:"bootstrap"`
	JoinAddr   string `yaml:"join_addr"`

	BrokerLoopIntervalMS  int `yaml:"broker_loop_interval_ms"`
	BrokerBatchSize       int `yaml:"broker_batch_size"`
	HealthPrunerIntervalS int `yaml:"health_pruner_interval_seconds"`
	HealthPrunerTimeoutS  int `yaml:"health_pruner_timeout_seconds"`
	DispatchTimeoutS      int `yaml:"dispatch_timeout_seconds"`
}

// DefaultTaskService returns the §12 defaults.
func DefaultTaskService() TaskService {
	nodeID, _ := os.Hostname()
	return TaskService{
		DataDir:               "./data",
		NodeID:                nodeID,
		BindAddr:              "127.0.0.1:7100",
		APIAddr:               "127.0.0.1:8010",
		Bootstrap:             false,
		BrokerLoopIntervalMS:  200,
		BrokerBatchSize:       64,
		HealthPrunerIntervalS: 5,
		HealthPrunerTimeoutS:  2,
		DispatchTimeoutS:      30,
	}
}

// LoadTaskServiceFile overlays path's YAML content onto cfg.
func LoadTaskServiceFile(cfg TaskService, path string) (TaskService, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays recognized TASKSTORE_*/BROKER_*/HEALTH_PRUNER_*/
// DISPATCH_* environment variables onto cfg, highest precedence (§6.4).
func (cfg TaskService) ApplyEnv() TaskService {
	if v := os.Getenv("TASKSTORE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TASKSTORE_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("TASKSTORE_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("TASKSTORE_API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("TASKSTORE_BOOTSTRAP"); v != "" {
		cfg.Bootstrap = v == "true"
	}
	if v := os.Getenv("TASKSTORE_JOIN_ADDR"); v != "" {
		cfg.JoinAddr = v
	}
	if v, ok := envInt("BROKER_LOOP_INTERVAL_MS"); ok {
		cfg.BrokerLoopIntervalMS = v
	}
	if v, ok := envInt("BROKER_BATCH_SIZE"); ok {
		cfg.BrokerBatchSize = v
	}
	if v, ok := envInt("HEALTH_PRUNER_INTERVAL_SECONDS"); ok {
		cfg.HealthPrunerIntervalS = v
	}
	if v, ok := envInt("HEALTH_PRUNER_TIMEOUT_SECONDS"); ok {
		cfg.HealthPrunerTimeoutS = v
	}
	if v, ok := envInt("DISPATCH_TIMEOUT_SECONDS"); ok {
		cfg.DispatchTimeoutS = v
	}
	return cfg
}

// BrokerLoopInterval returns BrokerLoopIntervalMS as a time.Duration.
func (cfg TaskService) BrokerLoopInterval() time.Duration {
	return time.Duration(cfg.BrokerLoopIntervalMS) * time.Millisecond
}

// HealthPrunerInterval returns HealthPrunerIntervalS as a time.Duration.
func (cfg TaskService) HealthPrunerInterval() time.Duration {
	return time.Duration(cfg.HealthPrunerIntervalS) * time.Second
}

// HealthPrunerTimeout returns HealthPrunerTimeoutS as a time.Duration.
func (cfg TaskService) HealthPrunerTimeout() time.Duration {
	return time.Duration(cfg.HealthPrunerTimeoutS) * time.Second
}

// DispatchTimeout returns DispatchTimeoutS as a time.Duration.
func (cfg TaskService) DispatchTimeout() time.Duration {
	return time.Duration(cfg.DispatchTimeoutS) * time.Second
}

// Worker configures cmd/worker-demo (and any future simple worker binary).
type Worker struct {
	TaskServiceURL string `yaml:"task_service_url"`
	Topic          string `yaml:"topic"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	EndpointURL    string `yaml:"endpoint_url"`
	HealthURL      string `yaml:"health_url"`
	ListenAddr     string `yaml:"listen_addr"`
}

// DefaultWorker returns the §12 defaults. Topic and EndpointURL have no
// default: they are required and left empty to fail fast in ApplyEnv's
// caller if not set.
func DefaultWorker() Worker {
	return Worker{
		TaskServiceURL: "http://localhost:8010",
		MaxConcurrent:  1,
		ListenAddr:     ":9000",
	}
}

// LoadWorkerFile overlays path's YAML content onto cfg.
func LoadWorkerFile(cfg Worker, path string) (Worker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays recognized WORKER_*/TASK_SERVICE_URL variables onto cfg.
func (cfg Worker) ApplyEnv() Worker {
	if v := os.Getenv("TASK_SERVICE_URL"); v != "" {
		cfg.TaskServiceURL = v
	}
	if v := os.Getenv("WORKER_TOPIC"); v != "" {
		cfg.Topic = v
	}
	if v, ok := envInt("WORKER_MAX_CONCURRENT"); ok {
		cfg.MaxConcurrent = v
	}
	if v := os.Getenv("WORKER_ENDPOINT_URL"); v != "" {
		cfg.EndpointURL = v
	}
	if v := os.Getenv("WORKER_HEALTH_URL"); v != "" {
		cfg.HealthURL = v
	} else if cfg.HealthURL == "" && cfg.EndpointURL != "" {
		cfg.HealthURL = cfg.EndpointURL + "/health"
	}
	return cfg
}

// Orchestrator configures cmd/orchestrator-worker: it embeds Worker (the
// orchestrator runs as a worker registered for topic index-document) and
// adds the pipeline-specific retry/fan-out/topic-mapping knobs.
type Orchestrator struct {
	Worker `yaml:",inline"`

	MaxRetries              int `yaml:"max_retries"`
	RetryBackoffSeconds     int `yaml:"retry_backoff_seconds"`
	FanoutConcurrency       int `yaml:"fanout_concurrency"`

	ParsingServiceTopic   string `yaml:"parsing_service_topic"`
	ChunkingServiceTopic  string `yaml:"chunking_service_topic"`
	RedactionServiceTopic string `yaml:"redaction_service_topic"`
	EmbeddingServiceTopic string `yaml:"embedding_service_topic"`
	IndexingServiceTopic  string `yaml:"indexing_service_topic"`
}

// DefaultOrchestrator returns the §12 defaults.
func DefaultOrchestrator() Orchestrator {
	w := DefaultWorker()
	w.Topic = "index-document"
	return Orchestrator{
		Worker:                w,
		MaxRetries:            3,
		RetryBackoffSeconds:   2,
		FanoutConcurrency:     10,
		ParsingServiceTopic:   "parse-document",
		ChunkingServiceTopic:  "chunk",
		RedactionServiceTopic: "redact",
		EmbeddingServiceTopic: "embed",
		IndexingServiceTopic:  "index",
	}
}

// LoadOrchestratorFile overlays path's YAML content onto cfg.
func LoadOrchestratorFile(cfg Orchestrator, path string) (Orchestrator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays recognized ORCHESTRATOR_*/*_SERVICE_TOPIC variables, and
// the embedded Worker's variables, onto cfg.
func (cfg Orchestrator) ApplyEnv() Orchestrator {
	cfg.Worker = cfg.Worker.ApplyEnv()
	if v, ok := envInt("ORCHESTRATOR_MAX_RETRIES"); ok {
		cfg.MaxRetries = v
	}
	if v, ok := envInt("ORCHESTRATOR_RETRY_BACKOFF_SECONDS"); ok {
		cfg.RetryBackoffSeconds = v
	}
	if v, ok := envInt("ORCHESTRATOR_FANOUT_CONCURRENCY"); ok {
		cfg.FanoutConcurrency = v
	}
	if v := os.Getenv("PARSING_SERVICE_TOPIC"); v != "" {
		cfg.ParsingServiceTopic = v
	}
	if v := os.Getenv("CHUNKING_SERVICE_TOPIC"); v != "" {
		cfg.ChunkingServiceTopic = v
	}
	if v := os.Getenv("REDACTION_SERVICE_TOPIC"); v != "" {
		cfg.RedactionServiceTopic = v
	}
	if v := os.Getenv("EMBEDDING_SERVICE_TOPIC"); v != "" {
		cfg.EmbeddingServiceTopic = v
	}
	if v := os.Getenv("INDEXING_SERVICE_TOPIC"); v != "" {
		cfg.IndexingServiceTopic = v
	}
	return cfg
}

// RetryBackoff returns RetryBackoffSeconds as a time.Duration.
func (cfg Orchestrator) RetryBackoff() time.Duration {
	return time.Duration(cfg.RetryBackoffSeconds) * time.Second
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
