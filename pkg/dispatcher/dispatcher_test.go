package dispatcher

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/taskctl/pkg/tasktypes"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true within %s", timeout)
}

func TestDispatchPostsTaskInputToConsumerEndpoint(t *testing.T) {
	var mu sync.Mutex
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Config{Timeout: time.Second})
	task := &tasktypes.Task{ID: "t1", Name: "hello", Input: map[string]any{"s3_key": "foo"}}
	consumer := &tasktypes.Consumer{EndpointURL: srv.URL, Topic: "hello"}

	d.Dispatch(task, consumer)

	eventually(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotBody != nil
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "t1", gotBody["task_id"])
	assert.Equal(t, "foo", gotBody["s3_key"])
}

func TestDispatchReusesBreakerPerEndpoint(t *testing.T) {
	d := New(DefaultConfig())
	b1 := d.breakerFor("http://a")
	b2 := d.breakerFor("http://a")
	b3 := d.breakerFor("http://b")
	assert.Same(t, b1, b2)
	assert.NotSame(t, b1, b3)
}

func TestDispatchCountsRepeatedFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(Config{Timeout: time.Second})
	task := &tasktypes.Task{ID: "t1", Name: "hello"}
	consumer := &tasktypes.Consumer{EndpointURL: srv.URL, Topic: "hello"}

	for i := 0; i < 5; i++ {
		d.dispatch(task, consumer)
	}

	breaker := d.breakerFor(srv.URL)
	assert.Equal(t, gobreaker.StateOpen, breaker.State())
}
