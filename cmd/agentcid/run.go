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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentci/agentci/internal/config"
	"github.com/agentci/agentci/internal/daemon"
	"github.com/agentci/agentci/internal/log"
	"github.com/agentci/agentci/pkg/workflow"
)

func newRunCommand() *cobra.Command {
	var (
		project       string
		repository    string
		goal          string
		hint          string
		planPath      string
		maxIterations int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one workflow to completion and exit",
		Long: `Starts the orchestrator, submits a single workflow, and waits for its
terminal state.

Exit codes:
  0  workflow completed, requirements met
  1  validation failed within the iteration cap (or the run was cancelled)
  2  iteration cap exceeded without success
  3  unrecoverable system error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return &exitError{exitSystem, err.Error()}
			}

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return &exitError{exitSystem, err.Error()}
			}
			// The full daemon runs so the code host's PR webhooks can drive
			// the loop while we wait.
			if err := d.Start(); err != nil {
				return &exitError{exitSystem, err.Error()}
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := d.Shutdown(shutdownCtx); err != nil {
					logger.Error("shutdown failed", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var wfContext map[string]any
			if planPath != "" {
				wfContext = map[string]any{"validation_plan_path": planPath}
			}
			wf, err := d.Engine().Create(ctx, workflow.CreateRequest{
				Project:       project,
				Repository:    repository,
				Goal:          goal,
				PlanningHint:  hint,
				MaxIterations: maxIterations,
				Context:       wfContext,
			})
			if err != nil {
				return &exitError{exitSystem, err.Error()}
			}
			if err := d.Engine().Start(ctx, wf.ID); err != nil {
				return &exitError{exitSystem, err.Error()}
			}
			logger.Info("workflow submitted", "workflow_id", wf.ID, "project", project)

			// Done is nil when the owner already exited.
			if done := d.Engine().Done(wf.ID); done != nil {
				select {
				case <-ctx.Done():
					logger.Info("interrupted, cancelling workflow", "workflow_id", wf.ID)
					d.Engine().Cancel(wf.ID)
					<-done
				case <-done:
				}
			}

			final, err := d.Store().Get(context.Background(), wf.ID)
			if err != nil {
				return &exitError{exitSystem, err.Error()}
			}
			return runVerdict(final)
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project name (required)")
	cmd.Flags().StringVar(&repository, "repo", "", "repository, e.g. owner/name")
	cmd.Flags().StringVar(&goal, "goal", "", "goal the agent should implement (required)")
	cmd.Flags().StringVar(&hint, "hint", "", "optional planning hint")
	cmd.Flags().StringVar(&planPath, "plan", "", "path to a validation plan YAML file")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration cap (0 uses the configured default)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

// runVerdict maps the terminal workflow state onto the exit taxonomy.
func runVerdict(w *workflow.Workflow) error {
	switch w.State {
	case workflow.StateCompleted:
		fmt.Printf("workflow %s completed after %d iteration(s)\n", w.ID, w.Metadata.CurrentIteration)
		return nil
	case workflow.StateFailed:
		if failureTrigger(w) == "iteration_cap" {
			return &exitError{exitIterationCap,
				fmt.Sprintf("workflow %s exhausted %d iterations", w.ID, w.Metadata.MaxIterations)}
		}
		return &exitError{exitValidation,
			fmt.Sprintf("workflow %s failed: %s", w.ID, failureTrigger(w))}
	case workflow.StateCancelled:
		return &exitError{exitValidation, fmt.Sprintf("workflow %s cancelled", w.ID)}
	default:
		return &exitError{exitSystem,
			fmt.Sprintf("workflow %s stopped in non-terminal state %s", w.ID, w.State)}
	}
}

// failureTrigger returns the trigger of the transition into FAILED.
func failureTrigger(w *workflow.Workflow) string {
	for i := len(w.History) - 1; i >= 0; i-- {
		if w.History[i].To == workflow.StateFailed {
			return w.History[i].Trigger
		}
	}
	return "unknown"
}
