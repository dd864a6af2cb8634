// Package orchestrator implements the pipeline orchestrator (C6): it runs
// inside a worker registered for topic index-document, canonicalizes the
// requested pipeline steps into the fixed parse-document -> chunk ->
// redact -> embed -> index order, and drives each step's child task(s) to
// completion before advancing.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/taskctl/pkg/log"
	"github.com/cuemby/taskctl/pkg/metrics"
	"github.com/cuemby/taskctl/pkg/tasktypes"
	"github.com/cuemby/taskctl/pkg/workerclient"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config configures one Orchestrator run.
type Config struct {
	// MaxRetries bounds how many times a child task is attempted before
	// its step fails: the single task of a single-output step, and each
	// per-chunk task of a fan-out step (§4.6: default 3).
	MaxRetries int
	// RetryBackoff is the base of the linear backoff between retries:
	// attempt N sleeps N*RetryBackoff.
	RetryBackoff time.Duration
	// FanoutConcurrency bounds how many per-chunk child tasks a fan-out
	// step runs at once (§4.6: default 10).
	FanoutConcurrency int64
	// PollInterval is how often a single-output step's child task status
	// is polled (§4.6: ~1Hz).
	PollInterval time.Duration
	// StepTopics maps a canonical step name to the task-queue topic its
	// child tasks are created on (§12: the step names are fixed, the
	// topics they route to need not be). A step missing from this map
	// falls back to its own name as the topic.
	StepTopics map[string]string
}

// DefaultConfig returns the spec's recommended defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		RetryBackoff:      2 * time.Second,
		FanoutConcurrency: 10,
		PollInterval:      time.Second,
		StepTopics:        map[string]string{},
	}
}

// Orchestrator runs one index-document pipeline to completion.
type Orchestrator struct {
	client *workerclient.Client
	cfg    Config
}

// New creates an Orchestrator posting child tasks through client.
func New(client *workerclient.Client, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = def.FanoutConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StepTopics == nil {
		cfg.StepTopics = map[string]string{}
	}
	return &Orchestrator{client: client, cfg: cfg}
}

// topicFor returns the task-queue topic step's child tasks are created on.
func (o *Orchestrator) topicFor(step string) string {
	if topic, ok := o.cfg.StepTopics[step]; ok && topic != "" {
		return topic
	}
	return step
}

// Run executes definition's canonicalized steps in order and returns nil
// iff every step succeeded. The returned error names the first failing
// step, per §4.6 point 5.
func (o *Orchestrator) Run(ctx context.Context, definition *tasktypes.PipelineDefinition) error {
	logger := log.WithComponent("orchestrator")

	rootCtx := map[string]any{
		"s3_key":            definition.S3Key,
		"file_id":           definition.FileID,
		"workspace_id":      definition.WorkspaceID,
		"original_filename": definition.OriginalFilename,
	}
	artifactCtx := map[string]any{}

	steps := canonicalize(definition.Steps)
	for _, step := range steps {
		metrics.OrchestratorStepsTotal.WithLabelValues(step, "started").Inc()

		var err error
		if tasktypes.FanOutSteps[step] {
			err = o.runFanout(ctx, step, artifactCtx, definition.WorkspaceID)
		} else {
			err = o.runSingleWithRetry(ctx, step, rootCtx, artifactCtx, definition.WorkspaceID, logger)
		}

		if err != nil {
			metrics.OrchestratorStepsTotal.WithLabelValues(step, "failed").Inc()
			return fmt.Errorf("orchestrator: step %s: %w", step, err)
		}
		metrics.OrchestratorStepsTotal.WithLabelValues(step, "succeeded").Inc()
	}
	return nil
}

// canonicalize orders the requested steps and drops any name that appears
// more than once, preserving the first occurrence's position, since the
// child-task contracts assume one task per step.
func canonicalize(steps []tasktypes.PipelineStep) []string {
	ordered := tasktypes.CanonicalizeSteps(steps)
	seen := make(map[string]bool, len(ordered))
	out := make([]string, 0, len(ordered))
	for _, name := range ordered {
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// runSingleWithRetry creates one child task for a single-output step,
// polls it to completion, and on Failed tries again, making at most
// cfg.MaxRetries attempts in all with linear backoff (§4.6 point 3).
func (o *Orchestrator) runSingleWithRetry(ctx context.Context, step string, rootCtx, artifactCtx map[string]any, workspaceID int64, logger zerolog.Logger) error {
	input := stepInput(step, rootCtx, artifactCtx, workspaceID)

	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		output, err := o.createAndWait(ctx, step, input, workspaceID)
		if err == nil {
			propagateArtifacts(step, output, artifactCtx)
			return nil
		}
		lastErr = err
		if attempt < o.cfg.MaxRetries {
			logger.Warn().Err(err).Str("step", step).Int("attempt", attempt).Msg("step failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * o.cfg.RetryBackoff):
			}
		}
	}
	return lastErr
}

// runFanout creates one child task per chunk concurrently, bounded by a
// semaphore, and fails the step if any child still fails after
// cfg.MaxRetries attempts (§4.6 point 3).
func (o *Orchestrator) runFanout(ctx context.Context, step string, artifactCtx map[string]any, workspaceID int64) error {
	chunks, _ := artifactCtx["chunks"].([]any)
	metrics.OrchestratorFanoutChildren.WithLabelValues(step, "started").Add(float64(len(chunks)))

	sem := semaphore.NewWeighted(o.cfg.FanoutConcurrency)
	g, gctx := errgroup.WithContext(ctx)

	for _, raw := range chunks {
		chunk, _ := raw.(map[string]any)
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			input := map[string]any{
				"chunk_id":     chunk["chunk_id"],
				"workspace_id": workspaceID,
			}
			_, err := o.createAndWaitWithRetry(gctx, step, input, workspaceID)
			if err != nil {
				metrics.OrchestratorFanoutChildren.WithLabelValues(step, "failed").Inc()
				return err
			}
			metrics.OrchestratorFanoutChildren.WithLabelValues(step, "succeeded").Inc()
			return nil
		})
	}

	return g.Wait()
}

func (o *Orchestrator) createAndWaitWithRetry(ctx context.Context, step string, input map[string]any, workspaceID int64) (map[string]any, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		output, err := o.createAndWait(ctx, step, input, workspaceID)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if attempt < o.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * o.cfg.RetryBackoff):
			}
		}
	}
	return nil, lastErr
}

// createAndWait creates one child task on topic step and polls its status
// at cfg.PollInterval until it reaches a terminal state.
func (o *Orchestrator) createAndWait(ctx context.Context, step string, input map[string]any, workspaceID int64) (map[string]any, error) {
	created, err := o.createTask(ctx, step, input, workspaceID)
	if err != nil {
		return nil, err
	}
	taskID, _ := created["id"].(string)
	if taskID == "" {
		return nil, fmt.Errorf("orchestrator: %s task creation returned no id", step)
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		task, err := o.client.GetTask(ctx, taskID)
		if err != nil {
			continue
		}
		code, _ := task["status_code"].(float64)
		switch tasktypes.StatusCode(int(code)) {
		case tasktypes.StatusSucceeded:
			output, _ := task["output"].(map[string]any)
			return output, nil
		case tasktypes.StatusFailed:
			return nil, fmt.Errorf("orchestrator: %s task %s failed", step, taskID)
		}
	}
}

func (o *Orchestrator) createTask(ctx context.Context, step string, input map[string]any, workspaceID int64) (map[string]any, error) {
	return o.client.CreateTask(ctx, o.topicFor(step), input, workspaceID)
}

// stepInput assembles the per-step contract of §4.6's table from the root
// and artifact contexts, never from the previous step's raw output alone.
func stepInput(step string, rootCtx, artifactCtx map[string]any, workspaceID int64) map[string]any {
	switch step {
	case "parse-document":
		return map[string]any{
			"s3_key":            rootCtx["s3_key"],
			"file_id":           rootCtx["file_id"],
			"workspace_id":      workspaceID,
			"original_filename": rootCtx["original_filename"],
		}
	case "chunk":
		s3Key := artifactCtx["parsed_s3_key"]
		if s3Key == nil {
			s3Key = rootCtx["s3_key"]
		}
		return map[string]any{
			"s3_key":                  s3Key,
			"file_id":                 rootCtx["file_id"],
			"workspace_id":            workspaceID,
			"original_filename":       rootCtx["original_filename"],
			"document_parser_version": artifactCtx["document_parser_version"],
		}
	default:
		return map[string]any{"workspace_id": workspaceID}
	}
}

// propagateArtifacts records the artifacts later steps need (§4.6 point 4).
func propagateArtifacts(step string, output map[string]any, artifactCtx map[string]any) {
	if output == nil {
		return
	}
	switch step {
	case "parse-document":
		if v, ok := output["parsed_s3_key"]; ok {
			artifactCtx["parsed_s3_key"] = v
		}
		if v, ok := output["document_parser_version"]; ok {
			artifactCtx["document_parser_version"] = v
		}
	case "chunk":
		if v, ok := output["chunks"]; ok {
			artifactCtx["chunks"] = v
		}
	}
}

// sortedStepNames returns the canonical step names in alphabetical order.
// Nothing in this module calls it.
func sortedStepNames() []string {
	names := append([]string(nil), tasktypes.CanonicalStepOrder...)
	sort.Strings(names)
	return names
}
