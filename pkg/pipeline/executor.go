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

package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"github.com/agentci/agentci/internal/tracing"
	"github.com/agentci/agentci/pkg/bus"
	"github.com/agentci/agentci/pkg/errors"
	"github.com/agentci/agentci/pkg/sandbox"
	"github.com/agentci/agentci/pkg/scheduler"
)

// Status is the pipeline-level execution status.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Outcome is the pipeline verdict.
type Outcome string

const (
	// OutcomeSuccess means every required step succeeded.
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeFailure means at least one required step failed or the
	// pipeline was cut short.
	OutcomeFailure Outcome = "FAILURE"
	// OutcomeWarning means only optional steps failed.
	OutcomeWarning Outcome = "WARNING"
)

// DefaultTimeout is the pipeline-wide execution budget.
const DefaultTimeout = 30 * time.Minute

// DefaultMaxRetries is how many times a failed pipeline re-runs.
const DefaultMaxRetries = 3

// cleanupTimeout bounds the guaranteed-release cleanup pass, which runs even
// after the pipeline budget is spent.
const cleanupTimeout = 5 * time.Minute

// Result is the record of one pipeline execution.
type Result struct {
	// ID is stable across retries of the same pipeline.
	ID string `json:"id"`

	// PlanName is the executed plan's name.
	PlanName string `json:"plan_name"`

	// Project and PRNumber identify the validated change.
	Project  string `json:"project"`
	PRNumber int    `json:"pr_number"`

	// Status is COMPLETED or FAILED once Run returns.
	Status Status `json:"status"`

	// Outcome is the verdict of the final attempt.
	Outcome Outcome `json:"outcome"`

	// Cause labels a failure: "step_failure", "timeout" or "cancelled".
	Cause string `json:"cause,omitempty"`

	// RetryCount is the number of re-runs consumed.
	RetryCount int `json:"retry_count"`

	// Steps holds per-step results keyed by step name, final attempt only.
	Steps map[string]*scheduler.StepResult `json:"steps"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Options configures an Executor.
type Options struct {
	// Timeout is the per-attempt pipeline budget. Default 30m.
	Timeout time.Duration

	// MaxRetries is the number of re-runs after a failed attempt.
	// Zero selects the default of 3; negative disables retries.
	MaxRetries int

	// StepTimeout applies to steps without their own timeout.
	StepTimeout time.Duration

	// Logger for pipeline-level logging. Nil uses slog.Default.
	Logger *slog.Logger
}

// Executor runs validation plans in sandboxes.
type Executor struct {
	bus      *bus.Bus
	handlers *HandlerRegistry
	opts     Options
}

// NewExecutor creates an Executor publishing to the given bus.
func NewExecutor(b *bus.Bus, handlers *HandlerRegistry, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if handlers == nil {
		handlers = DefaultHandlers()
	}
	return &Executor{bus: b, handlers: handlers, opts: opts}
}

// planAdapter dispatches scheduler steps to the plan's typed handlers.
// The scheduler action carries the step name.
type planAdapter struct {
	sb       *sandbox.Sandbox
	handlers *HandlerRegistry
	steps    map[string]PlanStep
}

func (a *planAdapter) Execute(ctx context.Context, action string, input map[string]any) (map[string]any, error) {
	step, ok := a.steps[action]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "plan step", ID: action}
	}
	h, err := a.handlers.Handler(step.Type)
	if err != nil {
		return nil, err
	}
	out, err := h(ctx, a.sb, step.Config, input)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (a *planAdapter) HealthCheck(ctx context.Context) error {
	if a.sb.State() == sandbox.StateDestroyed {
		return errors.New("sandbox destroyed")
	}
	return nil
}

// Run executes the plan in the sandbox, retrying failed attempts up to the
// retry budget. The verdict is carried in the Result; the error return is
// reserved for invalid plans.
//
// The pipeline ID is stable across retries; RetryCount records re-runs.
// Cancelled pipelines are never retried.
func (e *Executor) Run(ctx context.Context, plan *Plan, sb *sandbox.Sandbox, params map[string]any) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := e.opts.Logger.With("pipeline_id", id, "plan", plan.Name)

	var res *Result
	for attempt := 0; ; attempt++ {
		res = e.runOnce(ctx, id, plan, sb, params, attempt)
		if res.Outcome != OutcomeFailure {
			break
		}
		if res.Cause == "cancelled" || attempt >= e.opts.MaxRetries || ctx.Err() != nil {
			break
		}
		logger.Warn("pipeline attempt failed, retrying",
			"attempt", attempt+1,
			"cause", res.Cause,
		)
	}
	return res, nil
}

func (e *Executor) runOnce(ctx context.Context, id string, plan *Plan, sb *sandbox.Sandbox, params map[string]any, retryCount int) *Result {
	correlationID := string(tracing.FromContextOrEmpty(ctx))
	res := &Result{
		ID:         id,
		PlanName:   plan.Name,
		Project:    stringParam(params, "project"),
		PRNumber:   intParam(params, "pr_number"),
		Status:     StatusRunning,
		RetryCount: retryCount,
		Steps:      make(map[string]*scheduler.StepResult),
		StartedAt:  time.Now(),
	}

	ordered := plan.ordered()
	byName := make(map[string]PlanStep, len(ordered))
	var mainDefs, cleanupDefs []scheduler.StepDefinition
	prev := ""
	requiredTotal := 0
	for _, step := range ordered {
		byName[step.Name] = step
		def := scheduler.StepDefinition{
			ID:      step.Name,
			Name:    step.Name,
			Service: "validation",
			Action:  step.Name,
			Timeout: step.Timeout,
			Retries: step.Retries,
		}
		if step.Type == StepCleanup {
			// Cleanup runs after everything else, tolerating failure,
			// so the release pass can never abort.
			def.Optional = true
			cleanupDefs = append(cleanupDefs, def)
			continue
		}
		def.Optional = step.Optional
		if prev != "" {
			def.DependsOn = []string{prev}
		}
		prev = step.Name
		if !step.Optional {
			requiredTotal++
		}
		mainDefs = append(mainDefs, def)
	}

	conds := make(map[string]*vm.Program)
	for _, step := range ordered {
		if step.Condition == "" {
			continue
		}
		if prog, err := compileCondition(step.Condition); err == nil {
			conds[step.Name] = prog
		}
	}

	adapter := &planAdapter{sb: sb, handlers: e.handlers, steps: byName}
	coord := scheduler.NewCoordinator()
	coord.Register("validation", adapter)

	var completedRequired atomic.Int64
	publish := func(eventType string, payload map[string]any) {
		payload["pipeline_id"] = id
		payload["project"] = res.Project
		payload["pr_number"] = res.PRNumber
		e.bus.Publish(bus.Event{
			Type:          eventType,
			Source:        "pipeline",
			CorrelationID: correlationID,
			Payload:       payload,
		})
	}

	sched := scheduler.New(coord, scheduler.Options{
		Parallelism:    1,
		DefaultTimeout: e.opts.StepTimeout,
		Logger:         e.opts.Logger,
		Skip: func(def scheduler.StepDefinition, p map[string]any) bool {
			prog, gated := conds[def.ID]
			if !gated {
				return false
			}
			out, err := expr.Run(prog, p)
			if err != nil {
				return true
			}
			run, _ := out.(bool)
			return !run
		},
		OnStepStart: func(def scheduler.StepDefinition) {
			publish(bus.TypeStepStarted, map[string]any{
				"step_name": def.ID,
				"step_type": string(byName[def.ID].Type),
			})
		},
		OnStepDone: func(def scheduler.StepDefinition, sr scheduler.StepResult) {
			if !def.Optional && sr.Status != scheduler.StatusFailed {
				completedRequired.Add(1)
			}
			progress := 0
			if requiredTotal > 0 {
				progress = int(completedRequired.Load()) * 100 / requiredTotal
			}
			payload := map[string]any{
				"step_name": def.ID,
				"step_type": string(byName[def.ID].Type),
				"status":    string(sr.Status),
				"progress":  progress,
			}
			if sr.Error != "" {
				payload["error"] = sr.Error
			}
			publish(bus.TypeStepCompleted, payload)
		},
	})

	publish(bus.TypeValidationStarted, map[string]any{
		"plan":        plan.Name,
		"retry_count": retryCount,
	})

	runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	mainResults, runErr := sched.Run(runCtx, mainDefs, params)
	for name, sr := range mainResults {
		res.Steps[name] = sr
	}

	// Guaranteed release: cleanup steps run regardless of prior failures,
	// on a budget detached from the spent pipeline context.
	if len(cleanupDefs) > 0 {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		cleanupResults, _ := sched.Run(cleanupCtx, cleanupDefs, params)
		cleanupCancel()
		for name, sr := range cleanupResults {
			res.Steps[name] = sr
		}
	}

	res.CompletedAt = time.Now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)

	if runErr != nil {
		res.Status = StatusFailed
		res.Outcome = OutcomeFailure
		res.Cause = failureCause(runCtx, runErr, sb)
	} else {
		res.Status = StatusCompleted
		res.Outcome = verdict(mainDefs, mainResults)
		if res.Outcome == OutcomeFailure {
			res.Status = StatusFailed
			res.Cause = "step_failure"
		}
	}

	completion := map[string]any{
		"outcome":     string(res.Outcome),
		"retry_count": retryCount,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if res.Cause != "" {
		completion["cause"] = res.Cause
	}
	publish(bus.TypeValidationCompleted, completion)
	if res.Outcome == OutcomeFailure {
		publish(bus.TypeValidationFailed, map[string]any{
			"cause":    res.Cause,
			"category": errors.Category(runErr),
			"message":  failureMessage(runErr, res),
		})
	}
	return res
}

// verdict derives the outcome from a run that was not aborted.
func verdict(defs []scheduler.StepDefinition, results map[string]*scheduler.StepResult) Outcome {
	optionalFailed := false
	for _, def := range defs {
		sr, ok := results[def.ID]
		if !ok {
			return OutcomeFailure
		}
		if sr.Status == scheduler.StatusFailed {
			if def.Optional {
				optionalFailed = true
			} else {
				return OutcomeFailure
			}
		}
	}
	if optionalFailed {
		return OutcomeWarning
	}
	return OutcomeSuccess
}

func failureCause(runCtx context.Context, runErr error, sb *sandbox.Sandbox) string {
	var timeoutErr *errors.TimeoutError
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return "timeout"
	case errors.As(runErr, &timeoutErr):
		return "timeout"
	case sb.Cancelled() || runCtx.Err() == context.Canceled:
		return "cancelled"
	default:
		return "step_failure"
	}
}

func failureMessage(runErr error, res *Result) string {
	if runErr != nil {
		return runErr.Error()
	}
	for name, sr := range res.Steps {
		if sr.Status == scheduler.StatusFailed && sr.Error != "" {
			return name + ": " + sr.Error
		}
	}
	return "validation failed"
}

func stringParam(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intParam(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
