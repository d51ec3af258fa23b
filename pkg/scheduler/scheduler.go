// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agentci/agentci/pkg/errors"
)

// DefaultParallelism caps concurrent steps within a layer.
const DefaultParallelism = 4

// DefaultRetryDelay is the fixed wait between step retry attempts.
const DefaultRetryDelay = 2 * time.Second

// DefaultStepTimeout bounds one execution attempt when the step declares no
// timeout of its own.
const DefaultStepTimeout = 30 * time.Second

// SkipPredicate decides whether a step should be skipped instead of run.
type SkipPredicate func(step StepDefinition, params map[string]any) bool

// Options configures a Scheduler.
type Options struct {
	// Parallelism caps concurrently running steps. Default 4.
	Parallelism int

	// RetryDelay is the fixed wait before a retry attempt. Default 2s.
	RetryDelay time.Duration

	// DefaultTimeout applies to steps without their own timeout. Default 30s.
	DefaultTimeout time.Duration

	// Skip, when set, is consulted before each step runs.
	Skip SkipPredicate

	// OnLayerStart is called before each topological layer launches,
	// with the layer index and its step IDs in launch order.
	OnLayerStart func(layer int, stepIDs []string)

	// OnStepStart is called when a step enters RUNNING.
	OnStepStart func(step StepDefinition)

	// OnStepDone is called when a step reaches a terminal status.
	OnStepDone func(step StepDefinition, result StepResult)

	// Logger for step-level logging. Nil uses slog.Default.
	Logger *slog.Logger
}

// Scheduler executes step DAGs through a service coordinator.
type Scheduler struct {
	coord *Coordinator
	opts  Options
}

// New creates a Scheduler bound to the given coordinator.
func New(coord *Coordinator, opts Options) *Scheduler {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultStepTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{coord: coord, opts: opts}
}

// Run executes the steps layer by layer and returns every step's result
// keyed by step ID.
//
// A non-optional step that fails after its retry budget aborts the run with
// a StepExecutionError; in-flight siblings are cancelled. Optional failures
// and skips do not abort: dependents simply see the step's result key as
// absent. The returned map always contains an entry per step, including
// PENDING entries for steps an abort prevented from running.
func (s *Scheduler) Run(ctx context.Context, steps []StepDefinition, params map[string]any) (map[string]*StepResult, error) {
	layers, err := buildLayers(steps)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*StepDefinition, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	var mu sync.Mutex
	results := make(map[string]*StepResult, len(steps))
	for id := range byID {
		results[id] = &StepResult{StepID: id, Status: StatusPending}
	}

	sem := semaphore.NewWeighted(int64(s.opts.Parallelism))

	for layerIdx, layer := range layers {
		if s.opts.OnLayerStart != nil {
			s.opts.OnLayerStart(layerIdx, layer)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, id := range layer {
			step := byID[id]
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
				return s.runStep(gctx, step, params, results, &mu)
			})
		}
		if err := g.Wait(); err != nil {
			return results, err
		}
	}

	return results, nil
}

// runStep drives one step through skip check, input assembly, attempts with
// retry, and result recording. Returns an error only to abort the run.
func (s *Scheduler) runStep(ctx context.Context, step *StepDefinition, params map[string]any, results map[string]*StepResult, mu *sync.Mutex) error {
	logger := s.opts.Logger.With("step_id", step.ID, "service", step.Service)

	if s.opts.Skip != nil && s.opts.Skip(*step, params) {
		now := time.Now()
		mu.Lock()
		result := results[step.ID]
		result.Status = StatusSkipped
		result.StartedAt = now
		result.CompletedAt = now
		mu.Unlock()
		logger.Debug("step skipped")
		s.stepDone(step, results, mu)
		return nil
	}

	input := s.buildInput(step, params, results, mu)

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}

	start := time.Now()
	mu.Lock()
	result := results[step.ID]
	result.Status = StatusRunning
	result.StartedAt = start
	mu.Unlock()

	if s.opts.OnStepStart != nil {
		s.opts.OnStepStart(*step)
	}

	maxAttempts := step.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		mu.Lock()
		result.Attempts = attempt
		mu.Unlock()

		output, err := s.coord.ExecuteStep(ctx, step, input, timeout)
		if err == nil {
			mu.Lock()
			result.Status = StatusCompleted
			result.Output = output
			result.CompletedAt = time.Now()
			result.Duration = result.CompletedAt.Sub(start)
			mu.Unlock()
			logger.Debug("step completed", "attempts", attempt, "duration", time.Since(start))
			s.stepDone(step, results, mu)
			return nil
		}

		lastErr = err
		if attempt == maxAttempts || !errors.IsRetryable(err) || ctx.Err() != nil {
			break
		}

		logger.Debug("step attempt failed, retrying",
			"attempt", attempt,
			"error", err,
			"delay", s.opts.RetryDelay,
		)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = maxAttempts
		case <-time.After(s.opts.RetryDelay):
		}
		if ctx.Err() != nil {
			break
		}
	}

	attempts := result.Attempts
	mu.Lock()
	result.Status = StatusFailed
	result.Error = lastErr.Error()
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(start)
	mu.Unlock()
	s.stepDone(step, results, mu)

	if step.Optional {
		logger.Warn("optional step failed, continuing", "error", lastErr)
		return nil
	}

	logger.Error("step failed", "attempts", attempts, "error", lastErr)
	return &errors.StepExecutionError{StepID: step.ID, Attempts: attempts, Cause: lastErr}
}

// buildInput overlays dependency results onto the run parameters: each
// completed dependency d contributes the key "<d>_result" bound to its
// success payload. Failed or skipped dependencies contribute nothing.
func (s *Scheduler) buildInput(step *StepDefinition, params map[string]any, results map[string]*StepResult, mu *sync.Mutex) map[string]any {
	input := make(map[string]any, len(params)+len(step.DependsOn))
	for k, v := range params {
		input[k] = v
	}

	mu.Lock()
	defer mu.Unlock()
	for _, dep := range step.DependsOn {
		if dr, ok := results[dep]; ok && dr.Status == StatusCompleted {
			input[ResultKey(dep)] = dr.Output
		}
	}
	return input
}

func (s *Scheduler) stepDone(step *StepDefinition, results map[string]*StepResult, mu *sync.Mutex) {
	if s.opts.OnStepDone == nil {
		return
	}
	mu.Lock()
	snapshot := *results[step.ID]
	mu.Unlock()
	s.opts.OnStepDone(*step, snapshot)
}
