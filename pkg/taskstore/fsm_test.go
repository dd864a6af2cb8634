package taskstore

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/cuemby/taskctl/pkg/storage"
	"github.com/cuemby/taskctl/pkg/tasktypes"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

// pipeSink adapts an io.PipeWriter to raft.SnapshotSink so Snapshot.Persist
// can be exercised without a running Raft instance.
type pipeSink struct {
	*io.PipeWriter
}

func (s pipeSink) ID() string      { return "test-snapshot" }
func (s pipeSink) Cancel() error   { return s.CloseWithError(nil) }

func newPipe() (io.ReadCloser, pipeSink) {
	pr, pw := io.Pipe()
	return pr, pipeSink{pw}
}

func newTestFSM(t *testing.T) (*FSM, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewFSM(store), store
}

func applyCmd(t *testing.T, fsm *FSM, op string, data any) any {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	cmd := Command{Op: op, Data: raw}
	cmdRaw, err := json.Marshal(cmd)
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: cmdRaw})
}

func TestApplyCreateTaskInsertsRecord(t *testing.T) {
	fsm, store := newTestFSM(t)

	result := applyCmd(t, fsm, opCreateTask, &tasktypes.Task{ID: "t1", Name: "hello", StatusCode: tasktypes.StatusQueued})
	task, ok := result.(*tasktypes.Task)
	require.True(t, ok)
	require.Equal(t, "t1", task.ID)

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, "hello", got.Name)
}

func TestApplyUpdateTaskEnforcesTransitionRules(t *testing.T) {
	fsm, _ := newTestFSM(t)
	applyCmd(t, fsm, opCreateTask, &tasktypes.Task{ID: "t1", Name: "hello", StatusCode: tasktypes.StatusQueued})

	succeeded := tasktypes.StatusSucceeded
	result := applyCmd(t, fsm, opUpdateTask, &updateTaskArgs{
		ID:     "t1",
		Update: tasktypes.TaskUpdate{StatusCode: &succeeded},
		Now:    1000,
	})
	err, isErr := result.(error)
	require.True(t, isErr, "expected illegal transition error, got %#v", result)
	require.ErrorIs(t, err, tasktypes.ErrIllegalTransition)
}

func TestApplyUpdateTaskAppliesLegalTransition(t *testing.T) {
	fsm, store := newTestFSM(t)
	applyCmd(t, fsm, opCreateTask, &tasktypes.Task{ID: "t1", Name: "hello", StatusCode: tasktypes.StatusQueued})

	running := tasktypes.StatusRunning
	result := applyCmd(t, fsm, opUpdateTask, &updateTaskArgs{
		ID:     "t1",
		Update: tasktypes.TaskUpdate{StatusCode: &running},
		Now:    1000,
	})
	task, ok := result.(*tasktypes.Task)
	require.True(t, ok, "expected *tasktypes.Task, got %#v", result)
	require.Equal(t, tasktypes.StatusRunning, task.StatusCode)

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, tasktypes.StatusRunning, got.StatusCode)
}

func TestApplyPutAndDeleteConsumer(t *testing.T) {
	fsm, store := newTestFSM(t)

	applyCmd(t, fsm, opPutConsumer, &tasktypes.Consumer{EndpointURL: "http://w1", Topic: "hello", IsReady: true})
	got, err := store.GetConsumer("http://w1")
	require.NoError(t, err)
	require.True(t, got.IsReady)

	result := applyCmd(t, fsm, opDeleteConsumer, "http://w1")
	require.Nil(t, result)

	_, err = store.GetConsumer("http://w1")
	require.ErrorIs(t, err, tasktypes.ErrNotFound)
}

func TestApplyLeaseReturnsPairAndFlipsState(t *testing.T) {
	fsm, _ := newTestFSM(t)
	applyCmd(t, fsm, opCreateTask, &tasktypes.Task{ID: "t1", Name: "hello", StatusCode: tasktypes.StatusQueued})
	applyCmd(t, fsm, opPutConsumer, &tasktypes.Consumer{EndpointURL: "http://w1", Topic: "hello", IsReady: true})

	result := applyCmd(t, fsm, opLease, &leaseArgs{Topic: "hello", Now: 1000})
	res, ok := result.(*leaseResult)
	require.True(t, ok, "expected *leaseResult, got %#v", result)
	require.NotNil(t, res.Task)
	require.NotNil(t, res.Consumer)
	require.Equal(t, tasktypes.StatusRunning, res.Task.StatusCode)
	require.False(t, res.Consumer.IsReady)
}

func TestApplyLeaseReturnsNilPairWhenNothingEligible(t *testing.T) {
	fsm, _ := newTestFSM(t)
	result := applyCmd(t, fsm, opLease, &leaseArgs{Topic: "hello", Now: 1000})
	res, ok := result.(*leaseResult)
	require.True(t, ok)
	require.Nil(t, res.Task)
	require.Nil(t, res.Consumer)
}

func TestApplyUnknownOpReturnsError(t *testing.T) {
	fsm, _ := newTestFSM(t)
	result := applyCmd(t, fsm, "bogus", map[string]any{})
	_, isErr := result.(error)
	require.True(t, isErr)
}

func TestSnapshotAndRestoreRoundTrip(t *testing.T) {
	fsm, _ := newTestFSM(t)
	applyCmd(t, fsm, opCreateTask, &tasktypes.Task{ID: "t1", Name: "hello", StatusCode: tasktypes.StatusQueued})
	applyCmd(t, fsm, opPutConsumer, &tasktypes.Consumer{EndpointURL: "http://w1", Topic: "hello", IsReady: true})

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	fsm2, store2 := newTestFSM(t)
	pr, pw := newPipe()
	go func() {
		_ = snap.Persist(pw)
	}()
	require.NoError(t, fsm2.Restore(pr))

	got, err := store2.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, "hello", got.Name)
}
