// Package taskstore is the Raft-replicated task store (C1). It wraps
// pkg/storage's BoltStore with a Raft log so that Lease, UpdateTask and
// consumer CRUD are all applied through a single elected leader, giving the
// "Lease must be serializable per (topic, consumer)" requirement of §4.1
// for free across however many task-service processes are joined to the
// cluster.
package taskstore

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/taskctl/pkg/events"
	"github.com/cuemby/taskctl/pkg/log"
	"github.com/cuemby/taskctl/pkg/metrics"
	"github.com/cuemby/taskctl/pkg/storage"
	"github.com/cuemby/taskctl/pkg/tasktypes"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Store is a single-node-or-cluster task store: it owns the BoltDB state
// and (once Bootstrap or Join has run) the Raft consensus group that
// serializes writes to it.
type Store struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft    *raft.Raft
	fsm     *FSM
	bolt    storage.Store
	events  *events.Broker
}

// Config configures a new Store.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// New creates a Store backed by a fresh or existing data directory. Call
// Bootstrap or Join before issuing any mutating operation.
func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("taskstore: create data dir: %w", err)
	}

	bolt, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	return &Store{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(bolt),
		bolt:     bolt,
		events:   broker,
	}, nil
}

// Events returns the broker used to wake the matching loop (§4.3)
// immediately on relevant state changes.
func (s *Store) Events() *events.Broker { return s.events }

// raftConfig builds the tuned Raft configuration shared by Bootstrap and Join.
func (s *Store) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(s.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (s *Store) newRaft() (*raft.Raft, error) {
	config := s.raftConfig()

	addr, err := net.ResolveTCPAddr("tcp", s.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("taskstore: resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(s.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("taskstore: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(s.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("taskstore: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("taskstore: create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("taskstore: create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, s.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("taskstore: create raft: %w", err)
	}
	return r, nil
}

// Bootstrap forms a brand-new single-node cluster rooted at this node.
func (s *Store) Bootstrap() error {
	r, err := s.newRaft()
	if err != nil {
		return err
	}
	s.raft = r

	config := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(s.nodeID), Address: raft.ServerAddress(s.bindAddr)}},
	}
	if err := s.raft.BootstrapCluster(config).Error(); err != nil {
		return fmt.Errorf("taskstore: bootstrap cluster: %w", err)
	}
	log.Info("bootstrapped new task-store cluster")
	return nil
}

// Join starts Raft locally and asks the existing leader (over its plain
// HTTP control API — this implementation drops the teacher's gRPC join RPC
// since it has no generated protobuf stubs available, see DESIGN.md) to add
// this node as a voter.
func (s *Store) Join(leaderAPIAddr string) error {
	r, err := s.newRaft()
	if err != nil {
		return err
	}
	s.raft = r

	client := &joinClient{baseURL: leaderAPIAddr}
	if err := client.requestJoin(s.nodeID, s.bindAddr); err != nil {
		return fmt.Errorf("taskstore: join cluster via %s: %w", leaderAPIAddr, err)
	}
	log.Info("joined existing task-store cluster")
	return nil
}

// AddVoter is invoked on the leader by the HTTP join handler once a
// follower has asked to be added.
func (s *Store) AddVoter(nodeID, address string) error {
	if s.raft == nil {
		return fmt.Errorf("taskstore: raft not initialized")
	}
	if !s.IsLeader() {
		return fmt.Errorf("taskstore: not the leader, current leader: %s", s.LeaderAddr())
	}
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("taskstore: add voter %s: %w", nodeID, err)
	}
	return nil
}

// IsLeader reports whether this node currently holds Raft leadership.
func (s *Store) IsLeader() bool {
	return s.raft != nil && s.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's Raft bind address, if known.
func (s *Store) LeaderAddr() string {
	if s.raft == nil {
		return ""
	}
	return string(s.raft.Leader())
}

// Stats returns a snapshot of Raft health for /ready and /metrics.
func (s *Store) Stats() map[string]any {
	if s.raft == nil {
		return nil
	}
	stats := map[string]any{
		"state":          s.raft.State().String(),
		"last_log_index": s.raft.LastIndex(),
		"applied_index":  s.raft.AppliedIndex(),
		"leader":         string(s.raft.Leader()),
	}
	if cfg := s.raft.GetConfiguration(); cfg.Error() == nil {
		stats["peers"] = len(cfg.Configuration().Servers)
	}
	return stats
}

// apply marshals cmd and submits it through the Raft log, returning the
// FSM's Apply result (a typed value, or an error).
func (s *Store) apply(op string, data any) (any, error) {
	if s.raft == nil {
		return nil, fmt.Errorf("taskstore: raft not initialized")
	}
	if !s.IsLeader() {
		return nil, fmt.Errorf("taskstore: not the leader, current leader: %s", s.LeaderAddr())
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("taskstore: marshal command data: %w", err)
	}
	cmd := Command{Op: op, Data: raw}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("taskstore: marshal command: %w", err)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	future := s.raft.Apply(payload, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("taskstore: raft apply %s: %w", op, err)
	}
	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateTask inserts a new Queued task and returns it with server-assigned
// fields populated.
func (s *Store) CreateTask(name string, workspaceID int64, input map[string]any, scheduledStart *int64) (*tasktypes.Task, error) {
	now := time.Now().Unix()
	scheduled := now
	if scheduledStart != nil {
		scheduled = *scheduledStart
	}
	t := &tasktypes.Task{
		ID:                      uuid.NewString(),
		Name:                    name,
		WorkspaceID:             workspaceID,
		CreationTimestamp:       now,
		ModificationTimestamp:   now,
		ScheduledStartTimestamp: scheduled,
		StatusCode:              tasktypes.StatusQueued,
		Status:                  map[string]any{},
		Input:                   input,
		State:                   map[string]any{},
		Output:                  map[string]any{},
	}
	resp, err := s.apply(opCreateTask, t)
	if err != nil {
		return nil, err
	}
	created := resp.(*tasktypes.Task)
	metrics.TasksCreated.WithLabelValues(name).Inc()
	s.events.Publish(&events.Event{Type: events.TaskInserted, Message: created.ID, Metadata: map[string]string{"topic": name}})
	return created, nil
}

// GetTask is a local, non-Raft read against this node's BoltDB copy.
func (s *Store) GetTask(id string) (*tasktypes.Task, error) {
	return s.bolt.GetTask(id)
}

// UpdateTask validates and applies delta through the Raft log.
func (s *Store) UpdateTask(id string, delta tasktypes.TaskUpdate) (*tasktypes.Task, error) {
	resp, err := s.apply(opUpdateTask, updateTaskArgs{ID: id, Update: delta, Now: time.Now().Unix()})
	if err != nil {
		return nil, err
	}
	updated := resp.(*tasktypes.Task)
	if updated.StatusCode == tasktypes.StatusSucceeded || updated.StatusCode == tasktypes.StatusFailed {
		s.events.Publish(&events.Event{Type: events.TaskTerminal, Message: updated.ID, Metadata: map[string]string{"topic": updated.Name}})
	}
	return updated, nil
}

// PutConsumer registers or updates a consumer through the Raft log.
func (s *Store) PutConsumer(c *tasktypes.Consumer) (*tasktypes.Consumer, error) {
	resp, err := s.apply(opPutConsumer, c)
	if err != nil {
		return nil, err
	}
	created := resp.(*tasktypes.Consumer)
	if created.IsReady {
		s.events.Publish(&events.Event{Type: events.ConsumerReady, Message: created.EndpointURL, Metadata: map[string]string{"topic": created.Topic}})
	}
	return created, nil
}

// DeleteConsumer removes a consumer registration through the Raft log.
func (s *Store) DeleteConsumer(endpointURL string) error {
	_, err := s.apply(opDeleteConsumer, endpointURL)
	return err
}

// Lease runs §4.1's atomic transaction through the Raft log and returns the
// matched pair, or (nil, nil, nil) if no match exists.
func (s *Store) Lease(topic string, now time.Time) (*tasktypes.Task, *tasktypes.Consumer, error) {
	resp, err := s.apply(opLease, leaseArgs{Topic: topic, Now: now.Unix()})
	if err != nil {
		return nil, nil, err
	}
	result := resp.(*leaseResult)
	return result.Task, result.Consumer, nil
}

// ListTopics, ListReadyConsumers and ListEligibleTasks are local reads used
// by the broker loop; they do not need to go through
// Raft since a slightly stale read only delays a lease to the next tick,
// never corrupts one (the lease itself is still linearized through Apply).
func (s *Store) ListTopics() ([]string, error) { return s.bolt.ListTopics() }

func (s *Store) ListReadyConsumers(topic string, limit int) ([]*tasktypes.Consumer, error) {
	return s.bolt.ListReadyConsumers(topic, limit)
}

func (s *Store) ListEligibleTasks(topic string, now time.Time, limit int) ([]*tasktypes.Task, error) {
	return s.bolt.ListEligibleTasks(topic, now.Unix(), limit)
}

func (s *Store) ListConsumers() ([]*tasktypes.Consumer, error) { return s.bolt.ListConsumers() }

// ListAllTasks is a local read used only by the metrics collector to build
// per-status gauges; it is not on any request path.
func (s *Store) ListAllTasks() ([]*tasktypes.Task, error) { return s.bolt.ListAllTasks() }

// Shutdown stops Raft and the event broker and closes the database.
func (s *Store) Shutdown() error {
	if s.raft != nil {
		if err := s.raft.Shutdown().Error(); err != nil {
			log.Errorf("raft shutdown", err)
		}
	}
	s.events.Stop()
	return s.bolt.Close()
}
