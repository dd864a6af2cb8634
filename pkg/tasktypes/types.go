// Package tasktypes defines the data model shared by the task store, the
// broker, the dispatcher and every worker: tasks, consumer registrations and
// the pipeline definition carried as the input of an index-document task.
package tasktypes

import (
	"encoding/json"
	"errors"
	"time"
)

// StatusCode is the task lifecycle state.
type StatusCode int

const (
	StatusQueued StatusCode = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
)

func (s StatusCode) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the four defined status codes.
func (s StatusCode) Valid() bool {
	return s >= StatusQueued && s <= StatusFailed
}

var (
	// ErrNotFound is returned when a task or consumer id/endpoint has no record.
	ErrNotFound = errors.New("tasktypes: not found")
	// ErrIllegalTransition is returned when a status_code update does not
	// follow one of the transitions in the lifecycle state machine.
	ErrIllegalTransition = errors.New("tasktypes: illegal status transition")
	// ErrImmutableField is returned when an update attempts to change input
	// or any other field not listed as mutable.
	ErrImmutableField = errors.New("tasktypes: field is immutable")
	// ErrNoUpdatableFields is returned when an update body carries nothing
	// recognized at all.
	ErrNoUpdatableFields = errors.New("tasktypes: no updatable fields provided")
)

// Task is a unit of work routed by its Name (topic) to consumers registered
// for that topic. See the lifecycle state machine for transition rules.
type Task struct {
	ID                      string         `json:"id"`
	Name                    string         `json:"name"`
	WorkspaceID             int64          `json:"workspace_id"`
	CreationTimestamp       int64          `json:"creation_timestamp"`
	ModificationTimestamp   int64          `json:"modification_timestamp"`
	ScheduledStartTimestamp int64          `json:"scheduled_start_timestamp"`
	StartTimestamp          *int64         `json:"start_timestamp"`
	EndTimestamp            *int64         `json:"end_timestamp"`
	StatusCode              StatusCode     `json:"status_code"`
	Status                  map[string]any `json:"status"`
	ProgressPercentage      int            `json:"progress_percentage"`
	Input                   map[string]any `json:"input"`
	State                   map[string]any `json:"state"`
	Output                  map[string]any `json:"output"`
}

// StatusView is the subset of Task exposed by GET /task/{id}/status and by
// PUT /task/{id} responses.
type StatusView struct {
	StatusCode         StatusCode     `json:"status_code"`
	Status             map[string]any `json:"status"`
	ProgressPercentage int            `json:"progress_percentage"`
	StartTimestamp     *int64         `json:"start_timestamp"`
	EndTimestamp       *int64         `json:"end_timestamp"`
}

// View returns the status subset of a task.
func (t *Task) View() StatusView {
	return StatusView{
		StatusCode:         t.StatusCode,
		Status:             t.Status,
		ProgressPercentage: t.ProgressPercentage,
		StartTimestamp:     t.StartTimestamp,
		EndTimestamp:       t.EndTimestamp,
	}
}

// TaskUpdate is the set of fields a PUT /task/{id} body may carry. A nil
// pointer/map means "field not present in this update", distinguishing it
// from an explicit zero value.
type TaskUpdate struct {
	StatusCode              *StatusCode    `json:"status_code,omitempty"`
	Status                  map[string]any `json:"status,omitempty"`
	ProgressPercentage      *int           `json:"progress_percentage,omitempty"`
	State                   map[string]any `json:"state,omitempty"`
	Output                  map[string]any `json:"output,omitempty"`
	ScheduledStartTimestamp *int64         `json:"scheduled_start_timestamp,omitempty"`
}

// Empty reports whether the update carries no recognized field.
func (u TaskUpdate) Empty() bool {
	return u.StatusCode == nil && u.Status == nil && u.ProgressPercentage == nil &&
		u.State == nil && u.Output == nil && u.ScheduledStartTimestamp == nil
}

// Apply validates and applies u against t in place, enforcing the
// transition rules of the task lifecycle state machine. now is injected so
// callers (and tests) control the clock.
func (u TaskUpdate) Apply(t *Task, now time.Time) error {
	if u.Empty() {
		return ErrNoUpdatableFields
	}

	prevStatus := t.StatusCode
	nowSec := now.Unix()

	newStatus := prevStatus
	if u.StatusCode != nil {
		newStatus = *u.StatusCode
	}
	if !newStatus.Valid() {
		return ErrIllegalTransition
	}
	if u.StatusCode != nil && !legalTransition(prevStatus, newStatus) {
		return ErrIllegalTransition
	}

	if u.Status != nil {
		t.Status = u.Status
	}
	if u.ProgressPercentage != nil {
		t.ProgressPercentage = *u.ProgressPercentage
	}
	if u.State != nil {
		t.State = u.State
	}
	if u.Output != nil {
		t.Output = u.Output
	}
	if u.ScheduledStartTimestamp != nil {
		t.ScheduledStartTimestamp = *u.ScheduledStartTimestamp
	}
	if u.StatusCode != nil {
		t.StatusCode = newStatus
	}

	t.ModificationTimestamp = nowSec

	if prevStatus == StatusQueued && t.StatusCode == StatusRunning && t.StartTimestamp == nil {
		t.StartTimestamp = &nowSec
	}
	if t.StatusCode == StatusSucceeded || t.StatusCode == StatusFailed {
		t.EndTimestamp = &nowSec
	}
	if t.StatusCode == StatusSucceeded {
		t.ProgressPercentage = 100
	}

	return nil
}

// legalTransition enforces §4.2: 0->1, 1->2, 1->3, 0->3, 0->0.
func legalTransition(from, to StatusCode) bool {
	if from == to && from == StatusQueued {
		return true
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed
	default:
		return false
	}
}

// Consumer is a worker registration: {endpoint, topic, ready-bit}.
type Consumer struct {
	EndpointURL string `json:"endpoint_url"`
	HealthURL   string `json:"health_url"`
	Topic       string `json:"topic"`
	IsReady     bool   `json:"is_ready"`
}

// PipelineStep is one named step of an index-document pipeline definition.
type PipelineStep struct {
	Name string `json:"name"`
}

// UnmarshalJSON accepts a step either as a bare name ("chunk") or as an
// object ({"name": "chunk"}).
func (s *PipelineStep) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		s.Name = name
		return nil
	}
	type plain PipelineStep
	return json.Unmarshal(data, (*plain)(s))
}

// CanonicalStepOrder is the fixed sequence the orchestrator enforces
// regardless of submission order.
var CanonicalStepOrder = []string{"parse-document", "chunk", "redact", "embed", "index"}

// FanOutSteps are the steps that create one child task per chunk.
var FanOutSteps = map[string]bool{"redact": true, "embed": true, "index": true}

// PipelineDefinition is the payload carried in the input of an
// index-document task (§3.3).
type PipelineDefinition struct {
	Description      string         `json:"description,omitempty"`
	S3Key             string         `json:"s3_key"`
	FileID            string         `json:"file_id"`
	WorkspaceID       int64          `json:"workspace_id"`
	OriginalFilename  string         `json:"original_filename"`
	Steps             []PipelineStep `json:"steps"`
}

// CanonicalizeSteps returns the requested step names sorted into the fixed
// sequence parse-document -> chunk -> redact -> embed -> index, dropping any
// step not in that sequence's name set is NOT performed here (unknown steps
// sort last, stably, mirroring the source orchestrator's priority map).
func CanonicalizeSteps(steps []PipelineStep) []string {
	priority := make(map[string]int, len(CanonicalStepOrder))
	for i, name := range CanonicalStepOrder {
		priority[name] = i
	}

	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}

	// stable insertion sort keyed by priority (unknown = len(order)), small N.
	for i := 1; i < len(names); i++ {
		j := i
		for j > 0 && rank(priority, names[j-1]) > rank(priority, names[j]) {
			names[j-1], names[j] = names[j], names[j-1]
			j--
		}
	}
	return names
}

func rank(priority map[string]int, name string) int {
	if p, ok := priority[name]; ok {
		return p
	}
	return len(priority)
}
