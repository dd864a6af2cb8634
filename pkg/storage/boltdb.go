package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/taskctl/pkg/tasktypes"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks = []byte("tasks")
	// bucketTasksIndex keys are
	// "<topic>\x00<status_code>\x00<scheduled padded>\x00<creation padded>\x00<id>" -> task id,
	// giving bbolt's natural byte-ordered iteration the FIFO order of §4.3
	// for free from a single Cursor.Seek over a topic+status prefix.
	bucketTasksIndex = []byte("tasks_by_topic_status_schedule")

	bucketConsumers = []byte("consumers")
	// bucketConsumersIndex keys are "<topic>\x00<ready 0|1>\x00<endpoint_url>"
	// -> endpoint_url, for ListReadyConsumers and ListTopics.
	bucketConsumersIndex = []byte("consumers_by_topic_ready")
)

// BoltStore implements Store on top of an embedded BoltDB file. It is
// intended to be driven exclusively from inside the Raft FSM's Apply, which
// already serializes every call through one goroutine; BoltStore itself
// does not add any additional locking beyond what bbolt provides per
// transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the tasks/consumers database
// under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "taskstore.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketTasksIndex, bucketConsumers, bucketConsumersIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func taskIndexKey(t *tasktypes.Task) []byte {
	return []byte(fmt.Sprintf("%s\x00%d\x00%020d\x00%020d\x00%s",
		t.Name, t.StatusCode, t.ScheduledStartTimestamp, t.CreationTimestamp, t.ID))
}

func (s *BoltStore) CreateTask(t *tasktypes.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if existing := b.Get([]byte(t.ID)); existing != nil {
			return fmt.Errorf("task %s already exists", t.ID)
		}
		return putTask(tx, t)
	})
}

func (s *BoltStore) ReplaceTask(t *tasktypes.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := deleteTaskIndexEntry(tx, t.ID); err != nil {
			return err
		}
		return putTask(tx, t)
	})
}

// putTask writes the task record and its index entry. Callers must hold the
// enclosing db.Update transaction.
func putTask(tx *bolt.Tx, t *tasktypes.Task) error {
	b := tx.Bucket(bucketTasks)
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := b.Put([]byte(t.ID), data); err != nil {
		return err
	}
	idx := tx.Bucket(bucketTasksIndex)
	return idx.Put(taskIndexKey(t), []byte(t.ID))
}

// deleteTaskIndexEntry removes the stale index row for an existing task, if
// any, prior to re-indexing it under its new status/schedule key.
func deleteTaskIndexEntry(tx *bolt.Tx, id string) error {
	b := tx.Bucket(bucketTasks)
	data := b.Get([]byte(id))
	if data == nil {
		return nil
	}
	var old tasktypes.Task
	if err := json.Unmarshal(data, &old); err != nil {
		return err
	}
	return tx.Bucket(bucketTasksIndex).Delete(taskIndexKey(&old))
}

func (s *BoltStore) GetTask(id string) (*tasktypes.Task, error) {
	var t tasktypes.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return tasktypes.ErrNotFound
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListEligibleTasks(topic string, now int64, limit int) ([]*tasktypes.Task, error) {
	prefix := []byte(fmt.Sprintf("%s\x00%d\x00", topic, tasktypes.StatusQueued))
	var tasks []*tasktypes.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		c := tx.Bucket(bucketTasksIndex).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			if len(tasks) >= limit {
				break
			}
			data := b.Get(v)
			if data == nil {
				continue
			}
			var t tasktypes.Task
			if err := json.Unmarshal(data, &t); err != nil {
				return err
			}
			if t.ScheduledStartTimestamp > now {
				continue
			}
			tasks = append(tasks, &t)
		}
		return nil
	})
	return tasks, err
}

// ListAllTasks scans the tasks bucket directly rather than the index, since
// it needs every status, not just Queued-and-eligible.
func (s *BoltStore) ListAllTasks() ([]*tasktypes.Task, error) {
	var out []*tasktypes.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t tasktypes.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

func consumerIndexKey(c *tasktypes.Consumer) []byte {
	ready := 0
	if c.IsReady {
		ready = 1
	}
	return []byte(fmt.Sprintf("%s\x00%d\x00%s", c.Topic, ready, c.EndpointURL))
}

func (s *BoltStore) PutConsumer(c *tasktypes.Consumer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConsumers)
		if data := b.Get([]byte(c.EndpointURL)); data != nil {
			var old tasktypes.Consumer
			if err := json.Unmarshal(data, &old); err != nil {
				return err
			}
			if err := tx.Bucket(bucketConsumersIndex).Delete(consumerIndexKey(&old)); err != nil {
				return err
			}
		}
		return putConsumer(tx, c)
	})
}

func putConsumer(tx *bolt.Tx, c *tasktypes.Consumer) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketConsumers).Put([]byte(c.EndpointURL), data); err != nil {
		return err
	}
	return tx.Bucket(bucketConsumersIndex).Put(consumerIndexKey(c), []byte(c.EndpointURL))
}

func (s *BoltStore) GetConsumer(endpointURL string) (*tasktypes.Consumer, error) {
	var c tasktypes.Consumer
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConsumers).Get([]byte(endpointURL))
		if data == nil {
			return tasktypes.ErrNotFound
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) DeleteConsumer(endpointURL string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConsumers)
		data := b.Get([]byte(endpointURL))
		if data == nil {
			return nil
		}
		var c tasktypes.Consumer
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if err := tx.Bucket(bucketConsumersIndex).Delete(consumerIndexKey(&c)); err != nil {
			return err
		}
		return b.Delete([]byte(endpointURL))
	})
}

func (s *BoltStore) ListConsumers() ([]*tasktypes.Consumer, error) {
	var out []*tasktypes.Consumer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConsumers).ForEach(func(_, v []byte) error {
			var c tasktypes.Consumer
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListReadyConsumers(topic string, limit int) ([]*tasktypes.Consumer, error) {
	prefix := []byte(fmt.Sprintf("%s\x00%d\x00", topic, 1))
	var out []*tasktypes.Consumer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConsumers)
		c := tx.Bucket(bucketConsumersIndex).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			if len(out) >= limit {
				break
			}
			data := b.Get(v)
			if data == nil {
				continue
			}
			var consumer tasktypes.Consumer
			if err := json.Unmarshal(data, &consumer); err != nil {
				return err
			}
			out = append(out, &consumer)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListTopics() ([]string, error) {
	seen := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConsumers).ForEach(func(_, v []byte) error {
			var c tasktypes.Consumer
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			seen[c.Topic] = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	topics := make([]string, 0, len(seen))
	for t := range seen {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics, nil
}

// Lease implements §4.1's atomic pick-oldest-task + pick-ready-consumer +
// flip-token transaction as a single bolt.Update. When run from inside the
// Raft FSM's Apply, the surrounding FSM mutex additionally guarantees only
// one Lease across the whole cluster is applying at a time, which is what
// makes this serializable per (topic) even with multiple broker processes.
func (s *BoltStore) Lease(topic string, now int64) (*tasktypes.Task, *tasktypes.Consumer, error) {
	var task *tasktypes.Task
	var consumer *tasktypes.Consumer

	err := s.db.Update(func(tx *bolt.Tx) error {
		taskPrefix := []byte(fmt.Sprintf("%s\x00%d\x00", topic, tasktypes.StatusQueued))
		tasksBucket := tx.Bucket(bucketTasks)
		taskIdx := tx.Bucket(bucketTasksIndex)
		tc := taskIdx.Cursor()

		var foundTask tasktypes.Task
		found := false
		for k, v := tc.Seek(taskPrefix); k != nil && strings.HasPrefix(string(k), string(taskPrefix)); k, v = tc.Next() {
			data := tasksBucket.Get(v)
			if data == nil {
				continue
			}
			var t tasktypes.Task
			if err := json.Unmarshal(data, &t); err != nil {
				return err
			}
			if t.ScheduledStartTimestamp > now {
				continue
			}
			foundTask = t
			found = true
			break
		}
		if !found {
			return nil
		}

		consumerPrefix := []byte(fmt.Sprintf("%s\x00%d\x00", topic, 1))
		consumersBucket := tx.Bucket(bucketConsumers)
		consumerIdx := tx.Bucket(bucketConsumersIndex)
		cc := consumerIdx.Cursor()

		var foundConsumer tasktypes.Consumer
		consumerFound := false
		if k, v := cc.Seek(consumerPrefix); k != nil && strings.HasPrefix(string(k), string(consumerPrefix)) {
			data := consumersBucket.Get(v)
			if data != nil {
				if err := json.Unmarshal(data, &foundConsumer); err != nil {
					return err
				}
				consumerFound = true
			}
		}
		if !consumerFound {
			return nil
		}

		// Flip the task Queued -> Running.
		if err := deleteTaskIndexEntry(tx, foundTask.ID); err != nil {
			return err
		}
		foundTask.StatusCode = tasktypes.StatusRunning
		foundTask.ModificationTimestamp = now
		if foundTask.StartTimestamp == nil {
			start := now
			foundTask.StartTimestamp = &start
		}
		if err := putTask(tx, &foundTask); err != nil {
			return err
		}

		// Flip the consumer's readiness token true -> false.
		if err := consumerIdx.Delete(consumerIndexKey(&foundConsumer)); err != nil {
			return err
		}
		foundConsumer.IsReady = false
		if err := putConsumer(tx, &foundConsumer); err != nil {
			return err
		}

		task = &foundTask
		consumer = &foundConsumer
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return task, consumer, nil
}
