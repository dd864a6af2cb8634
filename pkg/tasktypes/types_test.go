package tasktypes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusPtr(s StatusCode) *StatusCode { return &s }

func TestApplyQueuedToRunningSetsStartTimestamp(t *testing.T) {
	task := &Task{StatusCode: StatusQueued}
	now := time.Unix(1000, 0)

	err := TaskUpdate{StatusCode: statusPtr(StatusRunning)}.Apply(task, now)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, task.StatusCode)
	require.NotNil(t, task.StartTimestamp)
	assert.EqualValues(t, 1000, *task.StartTimestamp)
	assert.Nil(t, task.EndTimestamp)
}

func TestApplyRunningToSucceededForcesFullProgress(t *testing.T) {
	task := &Task{StatusCode: StatusRunning, ProgressPercentage: 40}
	now := time.Unix(2000, 0)

	err := TaskUpdate{StatusCode: statusPtr(StatusSucceeded)}.Apply(task, now)
	require.NoError(t, err)
	assert.Equal(t, 100, task.ProgressPercentage)
	require.NotNil(t, task.EndTimestamp)
	assert.EqualValues(t, 2000, *task.EndTimestamp)
}

func TestApplyRunningToFailedSetsEndTimestamp(t *testing.T) {
	task := &Task{StatusCode: StatusRunning}
	now := time.Unix(3000, 0)

	err := TaskUpdate{StatusCode: statusPtr(StatusFailed)}.Apply(task, now)
	require.NoError(t, err)
	require.NotNil(t, task.EndTimestamp)
}

func TestApplyQueuedToFailedIsLegal(t *testing.T) {
	task := &Task{StatusCode: StatusQueued}
	err := TaskUpdate{StatusCode: statusPtr(StatusFailed)}.Apply(task, time.Unix(1, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.StatusCode)
}

func TestApplyQueuedToQueuedRescheduleIsLegal(t *testing.T) {
	task := &Task{StatusCode: StatusQueued, ScheduledStartTimestamp: 10}
	newStart := int64(500)
	err := TaskUpdate{StatusCode: statusPtr(StatusQueued), ScheduledStartTimestamp: &newStart}.Apply(task, time.Unix(1, 0))
	require.NoError(t, err)
	assert.EqualValues(t, 500, task.ScheduledStartTimestamp)
}

func TestApplyRejectsIllegalTransitions(t *testing.T) {
	cases := []struct {
		name string
		from StatusCode
		to   StatusCode
	}{
		{"queued to succeeded skips running", StatusQueued, StatusSucceeded},
		{"succeeded is terminal", StatusSucceeded, StatusRunning},
		{"failed is terminal", StatusFailed, StatusQueued},
		{"running cannot go back to queued", StatusRunning, StatusQueued},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := &Task{StatusCode: tc.from}
			err := TaskUpdate{StatusCode: statusPtr(tc.to)}.Apply(task, time.Unix(1, 0))
			assert.ErrorIs(t, err, ErrIllegalTransition)
		})
	}
}

func TestApplyRejectsEmptyUpdate(t *testing.T) {
	task := &Task{StatusCode: StatusQueued}
	err := TaskUpdate{}.Apply(task, time.Unix(1, 0))
	assert.ErrorIs(t, err, ErrNoUpdatableFields)
}

func TestApplyDoesNotOverwriteExistingStartTimestamp(t *testing.T) {
	existing := int64(42)
	task := &Task{StatusCode: StatusQueued, StartTimestamp: &existing}
	err := TaskUpdate{StatusCode: statusPtr(StatusRunning)}.Apply(task, time.Unix(999, 0))
	require.NoError(t, err)
	assert.EqualValues(t, 42, *task.StartTimestamp)
}

func TestApplyMergesNonStatusFieldsWithoutChangingStatus(t *testing.T) {
	task := &Task{StatusCode: StatusRunning}
	progress := 55
	err := TaskUpdate{ProgressPercentage: &progress}.Apply(task, time.Unix(1, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, task.StatusCode)
	assert.Equal(t, 55, task.ProgressPercentage)
}

func TestViewProjectsStatusSubset(t *testing.T) {
	end := int64(99)
	task := &Task{StatusCode: StatusSucceeded, ProgressPercentage: 100, EndTimestamp: &end}
	view := task.View()
	assert.Equal(t, StatusSucceeded, view.StatusCode)
	assert.Equal(t, 100, view.ProgressPercentage)
	assert.Equal(t, &end, view.EndTimestamp)
}

func TestCanonicalizeStepsOrdersRegardlessOfInputOrder(t *testing.T) {
	steps := []PipelineStep{{Name: "index"}, {Name: "parse-document"}, {Name: "embed"}, {Name: "chunk"}, {Name: "redact"}}
	got := CanonicalizeSteps(steps)
	assert.Equal(t, []string{"parse-document", "chunk", "redact", "embed", "index"}, got)
}

func TestCanonicalizeStepsSortsUnknownStepsLast(t *testing.T) {
	steps := []PipelineStep{{Name: "custom-step"}, {Name: "chunk"}, {Name: "parse-document"}}
	got := CanonicalizeSteps(steps)
	assert.Equal(t, []string{"parse-document", "chunk", "custom-step"}, got)
}

func TestCanonicalizeStepsIsStableForEqualPriority(t *testing.T) {
	steps := []PipelineStep{{Name: "z-unknown"}, {Name: "a-unknown"}, {Name: "chunk"}}
	got := CanonicalizeSteps(steps)
	assert.Equal(t, []string{"chunk", "z-unknown", "a-unknown"}, got)
}

func TestStatusCodeStringAndValid(t *testing.T) {
	assert.Equal(t, "queued", StatusQueued.String())
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "succeeded", StatusSucceeded.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "unknown", StatusCode(99).String())
	assert.True(t, StatusQueued.Valid())
	assert.False(t, StatusCode(-1).Valid())
	assert.False(t, StatusCode(4).Valid())
}
