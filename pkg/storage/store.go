// Package storage persists tasks and consumer registrations (§3, §6.3).
// Store is the interface the raft-replicated finite-state machine in
// pkg/taskstore applies its commands against; BoltStore is the embedded
// key/value engine backing it.
package storage

import (
	"github.com/cuemby/taskctl/pkg/tasktypes"
)

// Store defines the persistence operations needed by the task store (C1).
// Every method here runs inside a single bolt transaction; Lease in
// particular must not be decomposed into separate Get+Put calls by a
// caller, since its atomicity (pick oldest task + pick ready consumer +
// flip the readiness token) is exactly what §4.1 requires.
type Store interface {
	// CreateTask inserts a new task; it fails if t.ID is already stored.
	CreateTask(t *tasktypes.Task) error
	// GetTask returns tasktypes.ErrNotFound if id is unknown.
	GetTask(id string) (*tasktypes.Task, error)
	// ReplaceTask overwrites the stored record for t.ID, maintaining the
	// topic/status/schedule index. The caller (taskstore FSM) is
	// responsible for having already validated the transition.
	ReplaceTask(t *tasktypes.Task) error

	// ListEligibleTasks returns up to limit Queued tasks of topic whose
	// scheduled_start_timestamp <= now, ordered ascending by
	// (scheduled_start_timestamp, creation_timestamp).
	ListEligibleTasks(topic string, now int64, limit int) ([]*tasktypes.Task, error)

	// ListAllTasks returns every task regardless of topic or status, for
	// Raft snapshotting and the metrics collector. Not used on any request
	// path.
	ListAllTasks() ([]*tasktypes.Task, error)

	// PutConsumer creates or updates a consumer registration (upsert on
	// endpoint_url).
	PutConsumer(c *tasktypes.Consumer) error
	// GetConsumer returns tasktypes.ErrNotFound if endpointURL is unknown.
	GetConsumer(endpointURL string) (*tasktypes.Consumer, error)
	// DeleteConsumer removes a registration; idempotent.
	DeleteConsumer(endpointURL string) error
	// ListConsumers returns every registration, for the health pruner.
	ListConsumers() ([]*tasktypes.Consumer, error)
	// ListReadyConsumers returns up to limit consumers of topic with
	// is_ready=true, ordered ascending by endpoint_url.
	ListReadyConsumers(topic string, limit int) ([]*tasktypes.Consumer, error)
	// ListTopics returns the distinct topics with at least one consumer
	// registration.
	ListTopics() ([]string, error)

	// Lease implements §4.1's primitive transaction: atomically pick the
	// oldest eligible task of topic and any ready consumer of topic, mark
	// the task Running and the consumer's readiness token consumed, and
	// return both. Returns (nil, nil, nil) if either side is empty.
	Lease(topic string, now int64) (*tasktypes.Task, *tasktypes.Consumer, error)

	// Close releases the underlying database handle.
	Close() error
}
