package storage

import (
	"testing"

	"github.com/cuemby/taskctl/pkg/tasktypes"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGetTaskRoundTrip(t *testing.T) {
	store := newTestStore(t)
	task := &tasktypes.Task{ID: "t1", Name: "hello", StatusCode: tasktypes.StatusQueued}
	require.NoError(t, store.CreateTask(task))

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, "hello", got.Name)
}

func TestCreateTaskRejectsDuplicateID(t *testing.T) {
	store := newTestStore(t)
	task := &tasktypes.Task{ID: "t1", Name: "hello"}
	require.NoError(t, store.CreateTask(task))
	require.Error(t, store.CreateTask(task))
}

func TestGetTaskNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetTask("missing")
	require.ErrorIs(t, err, tasktypes.ErrNotFound)
}

func TestListEligibleTasksOrdersFIFOWithinTopic(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(&tasktypes.Task{ID: "t3", Name: "hello", StatusCode: tasktypes.StatusQueued, CreationTimestamp: 30}))
	require.NoError(t, store.CreateTask(&tasktypes.Task{ID: "t1", Name: "hello", StatusCode: tasktypes.StatusQueued, CreationTimestamp: 10}))
	require.NoError(t, store.CreateTask(&tasktypes.Task{ID: "t2", Name: "hello", StatusCode: tasktypes.StatusQueued, CreationTimestamp: 20}))
	// Different topic must not interleave.
	require.NoError(t, store.CreateTask(&tasktypes.Task{ID: "other", Name: "world", StatusCode: tasktypes.StatusQueued, CreationTimestamp: 5}))

	tasks, err := store.ListEligibleTasks("hello", 1000, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Equal(t, []string{"t1", "t2", "t3"}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})
}

func TestListEligibleTasksExcludesFutureScheduledStart(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(&tasktypes.Task{ID: "future", Name: "hello", StatusCode: tasktypes.StatusQueued, ScheduledStartTimestamp: 5000}))
	require.NoError(t, store.CreateTask(&tasktypes.Task{ID: "ready", Name: "hello", StatusCode: tasktypes.StatusQueued, ScheduledStartTimestamp: 100}))

	tasks, err := store.ListEligibleTasks("hello", 1000, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "ready", tasks[0].ID)
}

func TestListEligibleTasksExcludesNonQueued(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(&tasktypes.Task{ID: "running", Name: "hello", StatusCode: tasktypes.StatusRunning}))
	require.NoError(t, store.CreateTask(&tasktypes.Task{ID: "queued", Name: "hello", StatusCode: tasktypes.StatusQueued}))

	tasks, err := store.ListEligibleTasks("hello", 1000, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "queued", tasks[0].ID)
}

func TestReplaceTaskUpdatesIndexOnStatusChange(t *testing.T) {
	store := newTestStore(t)
	task := &tasktypes.Task{ID: "t1", Name: "hello", StatusCode: tasktypes.StatusQueued}
	require.NoError(t, store.CreateTask(task))

	task.StatusCode = tasktypes.StatusRunning
	require.NoError(t, store.ReplaceTask(task))

	tasks, err := store.ListEligibleTasks("hello", 1000, 10)
	require.NoError(t, err)
	require.Empty(t, tasks, "a running task must not appear as eligible")
}

func TestPutConsumerUpsertsAndReindexes(t *testing.T) {
	store := newTestStore(t)
	c := &tasktypes.Consumer{EndpointURL: "http://w1", Topic: "hello", IsReady: false}
	require.NoError(t, store.PutConsumer(c))

	ready, err := store.ListReadyConsumers("hello", 10)
	require.NoError(t, err)
	require.Empty(t, ready)

	c.IsReady = true
	require.NoError(t, store.PutConsumer(c))

	ready, err = store.ListReadyConsumers("hello", 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "http://w1", ready[0].EndpointURL)
}

func TestDeleteConsumerIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.DeleteConsumer("http://missing"))

	c := &tasktypes.Consumer{EndpointURL: "http://w1", Topic: "hello", IsReady: true}
	require.NoError(t, store.PutConsumer(c))
	require.NoError(t, store.DeleteConsumer("http://w1"))
	require.NoError(t, store.DeleteConsumer("http://w1"))

	_, err := store.GetConsumer("http://w1")
	require.ErrorIs(t, err, tasktypes.ErrNotFound)
}

func TestListTopicsReturnsSortedDistinctTopics(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.PutConsumer(&tasktypes.Consumer{EndpointURL: "http://w1", Topic: "zebra"}))
	require.NoError(t, store.PutConsumer(&tasktypes.Consumer{EndpointURL: "http://w2", Topic: "alpha"}))
	require.NoError(t, store.PutConsumer(&tasktypes.Consumer{EndpointURL: "http://w3", Topic: "alpha"}))

	topics, err := store.ListTopics()
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "zebra"}, topics)
}

func TestLeasePicksOldestTaskAndFlipsConsumerToken(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(&tasktypes.Task{ID: "t2", Name: "hello", StatusCode: tasktypes.StatusQueued, CreationTimestamp: 20}))
	require.NoError(t, store.CreateTask(&tasktypes.Task{ID: "t1", Name: "hello", StatusCode: tasktypes.StatusQueued, CreationTimestamp: 10}))
	require.NoError(t, store.PutConsumer(&tasktypes.Consumer{EndpointURL: "http://w1", Topic: "hello", IsReady: true}))

	task, consumer, err := store.Lease("hello", 1000)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, "t1", task.ID)
	require.Equal(t, tasktypes.StatusRunning, task.StatusCode)
	require.NotNil(t, consumer)
	require.False(t, consumer.IsReady)

	got, err := store.GetConsumer("http://w1")
	require.NoError(t, err)
	require.False(t, got.IsReady)

	remaining, err := store.ListEligibleTasks("hello", 1000, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "t2", remaining[0].ID)
}

func TestLeaseReturnsNilWhenNoReadyConsumer(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(&tasktypes.Task{ID: "t1", Name: "hello", StatusCode: tasktypes.StatusQueued}))

	task, consumer, err := store.Lease("hello", 1000)
	require.NoError(t, err)
	require.Nil(t, task)
	require.Nil(t, consumer)
}

func TestLeaseReturnsNilWhenNoEligibleTask(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.PutConsumer(&tasktypes.Consumer{EndpointURL: "http://w1", Topic: "hello", IsReady: true}))

	task, consumer, err := store.Lease("hello", 1000)
	require.NoError(t, err)
	require.Nil(t, task)
	require.Nil(t, consumer)
}

func TestListAllTasksReturnsEveryStatus(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(&tasktypes.Task{ID: "t1", Name: "hello", StatusCode: tasktypes.StatusQueued}))
	require.NoError(t, store.CreateTask(&tasktypes.Task{ID: "t2", Name: "hello", StatusCode: tasktypes.StatusFailed}))

	all, err := store.ListAllTasks()
	require.NoError(t, err)
	require.Len(t, all, 2)
}
