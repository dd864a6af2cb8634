package broker

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/taskctl/pkg/tasktypes"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type fakeStore struct {
	mu        sync.Mutex
	topics    []string
	consumers map[string][]*tasktypes.Consumer
	tasks     map[string][]*tasktypes.Task
	leases    int
}

func (f *fakeStore) ListTopics() ([]string, error) { return f.topics, nil }

func (f *fakeStore) ListReadyConsumers(topic string, limit int) ([]*tasktypes.Consumer, error) {
	return f.consumers[topic], nil
}

func (f *fakeStore) ListEligibleTasks(topic string, now time.Time, limit int) ([]*tasktypes.Task, error) {
	return f.tasks[topic], nil
}

func (f *fakeStore) Lease(topic string, now time.Time) (*tasktypes.Task, *tasktypes.Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tasks := f.tasks[topic]
	consumers := f.consumers[topic]
	if len(tasks) == 0 || len(consumers) == 0 {
		return nil, nil, nil
	}
	task := tasks[0]
	consumer := consumers[0]
	f.tasks[topic] = tasks[1:]
	f.consumers[topic] = consumers[1:]
	f.leases++
	return task, consumer, nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDispatcher) Dispatch(task *tasktypes.Task, consumer *tasktypes.Consumer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, task.ID)
}

func TestTickLeasesAndDispatchesPairs(t *testing.T) {
	store := &fakeStore{
		topics: []string{"hello"},
		consumers: map[string][]*tasktypes.Consumer{
			"hello": {{EndpointURL: "http://w1", Topic: "hello", IsReady: true}},
		},
		tasks: map[string][]*tasktypes.Task{
			"hello": {{ID: "t1", Name: "hello"}, {ID: "t2", Name: "hello"}},
		},
	}
	dispatch := &fakeDispatcher{}
	b := New(store, dispatch, nil, Config{Interval: time.Hour})

	b.tick(testLogger())

	require.Len(t, dispatch.calls, 1)
	assert.Equal(t, "t1", dispatch.calls[0])
	assert.Equal(t, 1, store.leases)
}

func TestTickSkipsTopicsWithNoConsumersOrTasks(t *testing.T) {
	store := &fakeStore{
		topics:    []string{"hello"},
		consumers: map[string][]*tasktypes.Consumer{},
		tasks:     map[string][]*tasktypes.Task{"hello": {{ID: "t1", Name: "hello"}}},
	}
	dispatch := &fakeDispatcher{}
	b := New(store, dispatch, nil, Config{Interval: time.Hour})

	b.tick(testLogger())

	assert.Empty(t, dispatch.calls)
	assert.Equal(t, 0, store.leases)
}

func TestDefaultConfigInterval(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 200*time.Millisecond, cfg.Interval)
}
