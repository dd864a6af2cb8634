package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/taskctl/pkg/tasktypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	tasks       map[string]*tasktypes.Task
	consumers   map[string]*tasktypes.Consumer
	isLeader    bool
	leaderAddr  string
	nextID      int
	createErr   error
	updateErr   error
	addVoterErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:     make(map[string]*tasktypes.Task),
		consumers: make(map[string]*tasktypes.Consumer),
		isLeader:  true,
	}
}

func (f *fakeStore) CreateTask(name string, workspaceID int64, input map[string]any, scheduledStart *int64) (*tasktypes.Task, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("task-%d", f.nextID)
	t := &tasktypes.Task{ID: id, Name: name, WorkspaceID: workspaceID, Input: input, StatusCode: tasktypes.StatusQueued}
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) GetTask(id string) (*tasktypes.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, tasktypes.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) UpdateTask(id string, delta tasktypes.TaskUpdate) (*tasktypes.Task, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	t, ok := f.tasks[id]
	if !ok {
		return nil, tasktypes.ErrNotFound
	}
	if err := delta.Apply(t, time.Now()); err != nil {
		return nil, err
	}
	return t, nil
}

func (f *fakeStore) PutConsumer(c *tasktypes.Consumer) (*tasktypes.Consumer, error) {
	f.consumers[c.EndpointURL] = c
	return c, nil
}

func (f *fakeStore) DeleteConsumer(endpointURL string) error {
	if _, ok := f.consumers[endpointURL]; !ok {
		return tasktypes.ErrNotFound
	}
	delete(f.consumers, endpointURL)
	return nil
}

func (f *fakeStore) AddVoter(nodeID, address string) error { return f.addVoterErr }
func (f *fakeStore) IsLeader() bool                         { return f.isLeader }
func (f *fakeStore) LeaderAddr() string                      { return f.leaderAddr }

func (f *fakeStore) ListTopics() ([]string, error) {
	topics := make(map[string]bool)
	for _, c := range f.consumers {
		topics[c.Topic] = true
	}
	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	return names, nil
}

func TestCreateTaskReturns202WithLocation(t *testing.T) {
	store := newFakeStore()
	srv := NewServer(store)

	body, _ := json.Marshal(CreateTaskBody{Name: "hello", Input: map[string]any{"k": "v"}})
	req := httptest.NewRequest(http.MethodPost, "/task", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "/status")
}

func TestCreateTaskRejectsMissingName(t *testing.T) {
	store := newFakeStore()
	srv := NewServer(store)

	body, _ := json.Marshal(CreateTaskBody{Input: map[string]any{"k": "v"}})
	req := httptest.NewRequest(http.MethodPost, "/task", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	store := newFakeStore()
	srv := NewServer(store)

	req := httptest.NewRequest(http.MethodGet, "/task/missing", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPutConsumerRequiresValidURLs(t *testing.T) {
	store := newFakeStore()
	srv := NewServer(store)

	body, _ := json.Marshal(ConsumerBody{EndpointURL: "not-a-url", HealthURL: "not-a-url", Topic: "hello"})
	req := httptest.NewRequest(http.MethodPut, "/consumer", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPutConsumerAccepted(t *testing.T) {
	store := newFakeStore()
	srv := NewServer(store)

	body, _ := json.Marshal(ConsumerBody{
		EndpointURL: "http://127.0.0.1:9000/dispatch",
		HealthURL:   "http://127.0.0.1:9000/health",
		Topic:       "hello",
		Ready:       true,
	})
	req := httptest.NewRequest(http.MethodPut, "/consumer", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, store.consumers["http://127.0.0.1:9000/dispatch"].IsReady)
}

func TestClusterJoinRejectsWhenNotLeader(t *testing.T) {
	store := newFakeStore()
	store.isLeader = false
	store.leaderAddr = "10.0.0.1:8010"
	srv := NewServer(store)

	body, _ := json.Marshal(JoinBody{NodeID: "node-2", Address: "10.0.0.2:7100"})
	req := httptest.NewRequest(http.MethodPost, "/cluster/join", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
