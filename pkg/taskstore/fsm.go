package taskstore

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/taskctl/pkg/storage"
	"github.com/cuemby/taskctl/pkg/tasktypes"
	"github.com/hashicorp/raft"
)

// FSM implements the Raft finite state machine for the task store. Every
// mutating call (CreateTask, UpdateTask, PutConsumer, DeleteConsumer,
// Lease) is submitted as one Command through the Raft log, so Apply is the
// only place the underlying storage.Store is ever written to, and it runs
// single-threaded per §4.1's concurrency requirement.
type FSM struct {
	mu    sync.Mutex
	store storage.Store
}

// NewFSM wraps store for Raft application.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Command is one state-change operation in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opCreateTask     = "create_task"
	opUpdateTask     = "update_task"
	opPutConsumer    = "put_consumer"
	opDeleteConsumer = "delete_consumer"
	opLease          = "lease"
)

// leaseArgs is the Data payload for opLease.
type leaseArgs struct {
	Topic string `json:"topic"`
	Now   int64  `json:"now"`
}

// leaseResult is what Apply returns for opLease: either both a task and a
// consumer, or neither.
type leaseResult struct {
	Task     *tasktypes.Task     `json:"task"`
	Consumer *tasktypes.Consumer `json:"consumer"`
}

// updateTaskArgs is the Data payload for opUpdateTask.
type updateTaskArgs struct {
	ID     string               `json:"id"`
	Update tasktypes.TaskUpdate `json:"update"`
	Now    int64                `json:"now"`
}

// Apply is called by Raft once a log entry is committed. The returned value
// is delivered back to the caller of raft.Raft.Apply via Future.Response().
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("taskstore: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCreateTask:
		var t tasktypes.Task
		if err := json.Unmarshal(cmd.Data, &t); err != nil {
			return fmt.Errorf("taskstore: unmarshal task: %w", err)
		}
		if err := f.store.CreateTask(&t); err != nil {
			return err
		}
		return &t

	case opUpdateTask:
		var args updateTaskArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return fmt.Errorf("taskstore: unmarshal update: %w", err)
		}
		t, err := f.store.GetTask(args.ID)
		if err != nil {
			return err
		}
		if err := args.Update.Apply(t, time.Unix(args.Now, 0)); err != nil {
			return err
		}
		if err := f.store.ReplaceTask(t); err != nil {
			return err
		}
		return t

	case opPutConsumer:
		var c tasktypes.Consumer
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return fmt.Errorf("taskstore: unmarshal consumer: %w", err)
		}
		if err := f.store.PutConsumer(&c); err != nil {
			return err
		}
		return &c

	case opDeleteConsumer:
		var endpointURL string
		if err := json.Unmarshal(cmd.Data, &endpointURL); err != nil {
			return fmt.Errorf("taskstore: unmarshal endpoint: %w", err)
		}
		return f.store.DeleteConsumer(endpointURL)

	case opLease:
		var args leaseArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return fmt.Errorf("taskstore: unmarshal lease args: %w", err)
		}
		task, consumer, err := f.store.Lease(args.Topic, args.Now)
		if err != nil {
			return err
		}
		return &leaseResult{Task: task, Consumer: consumer}

	default:
		return fmt.Errorf("taskstore: unknown command %q", cmd.Op)
	}
}

// Snapshot captures the full task/consumer state for Raft log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tasks, err := f.store.ListAllTasks()
	if err != nil {
		return nil, fmt.Errorf("taskstore: list tasks for snapshot: %w", err)
	}
	consumers, err := f.store.ListConsumers()
	if err != nil {
		return nil, fmt.Errorf("taskstore: list consumers for snapshot: %w", err)
	}

	return &Snapshot{Tasks: tasks, Consumers: consumers}, nil
}

// Restore writes the contents of a snapshot into the FSM's state, used
// when a node joins the cluster or replays its own snapshot at startup.
// Each task and consumer in the snapshot overwrites any stored record with
// the same id or endpoint URL; stored records absent from the snapshot are
// left in place.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("taskstore: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range snap.Tasks {
		if err := f.store.ReplaceTask(t); err != nil {
			return fmt.Errorf("taskstore: restore task %s: %w", t.ID, err)
		}
	}
	for _, c := range snap.Consumers {
		if err := f.store.PutConsumer(c); err != nil {
			return fmt.Errorf("taskstore: restore consumer %s: %w", c.EndpointURL, err)
		}
	}
	return nil
}

// Snapshot is the point-in-time copy of all tasks and consumers persisted
// by Raft when it compacts its log.
type Snapshot struct {
	Tasks     []*tasktypes.Task     `json:"tasks"`
	Consumers []*tasktypes.Consumer `json:"consumers"`
}

func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *Snapshot) Release() {}
