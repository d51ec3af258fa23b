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

package daemon

import (
	"context"
	"log/slog"

	"github.com/agentci/agentci/pkg/pipeline"
	"github.com/agentci/agentci/pkg/sandbox"
	"github.com/agentci/agentci/pkg/workflow"
)

// PipelineValidator runs validation episodes for the workflow engine: one
// sandbox per episode, cloned source, the project's plan, guaranteed
// teardown. Cancellation of the episode context propagates to the sandbox.
type PipelineValidator struct {
	manager  *sandbox.Manager
	executor *pipeline.Executor
	plans    PlanSource
	env      map[string]string
	logger   *slog.Logger
}

// PlanSource resolves the validation plan for a workflow.
type PlanSource func(w *workflow.Workflow) (*pipeline.Plan, error)

// NewPipelineValidator builds a validator. env is merged into every
// sandbox; use it to pass code-host credentials through.
func NewPipelineValidator(manager *sandbox.Manager, executor *pipeline.Executor, plans PlanSource, env map[string]string, logger *slog.Logger) *PipelineValidator {
	if logger == nil {
		logger = slog.Default()
	}
	if plans == nil {
		plans = func(*workflow.Workflow) (*pipeline.Plan, error) { return DefaultPlan(), nil }
	}
	return &PipelineValidator{
		manager:  manager,
		executor: executor,
		plans:    plans,
		env:      env,
		logger:   logger.With("component", "validator"),
	}
}

var _ workflow.Validator = (*PipelineValidator)(nil)

// Validate creates a sandbox, runs the plan against the workflow's current
// PR, and tears the sandbox down whatever happens.
func (v *PipelineValidator) Validate(ctx context.Context, w *workflow.Workflow) (*pipeline.Result, error) {
	plan, err := v.plans(w)
	if err != nil {
		return nil, err
	}

	sb, err := v.manager.Create(ctx, w.Project, w.Metadata.PRNumber, sandbox.Spec{Env: v.env})
	if err != nil {
		return nil, err
	}
	defer func() {
		if destroyErr := sb.Destroy(); destroyErr != nil {
			v.logger.Error("destroying sandbox", "sandbox_id", sb.ID(), "error", destroyErr)
		}
	}()

	// Propagate cancellation into the sandbox so an in-flight command dies
	// with the episode.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			sb.Cancel()
		case <-watchDone:
		}
	}()

	params := map[string]any{
		"project":     w.Project,
		"repository":  w.Repository,
		"pr_number":   w.Metadata.PRNumber,
		"workflow_id": w.ID,
		"iteration":   w.Metadata.CurrentIteration,
	}
	return v.executor.Run(ctx, plan, sb, params)
}

// DefaultPlan is the fallback validation plan when a project does not ship
// its own: clone the source and run its checks, cleaning up regardless.
func DefaultPlan() *pipeline.Plan {
	return &pipeline.Plan{
		Name: "default-pr-validation",
		Steps: []pipeline.PlanStep{
			{Type: pipeline.StepSnapshotCreation, Name: "snapshot", Order: 10},
			{Type: pipeline.StepSourceClone, Name: "clone", Order: 20},
			{Type: pipeline.StepCodeAnalysis, Name: "checks", Order: 30,
				Config: map[string]any{"command": "cd code && make check"}},
			{Type: pipeline.StepCleanup, Name: "teardown", Order: 40,
				Config: map[string]any{"command": "rm -rf code"}},
		},
	}
}
