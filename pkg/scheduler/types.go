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

// Package scheduler executes directed acyclic graphs of steps with declared
// dependencies, per-step timeouts, retries with fixed delay, and
// partial-failure tolerance via the optional flag.
package scheduler

import (
	"time"
)

// Status is the execution status of a step.
type Status string

const (
	// StatusPending indicates the step has not started yet.
	StatusPending Status = "PENDING"
	// StatusRunning indicates the step is currently executing.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the step finished successfully.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the step failed after exhausting retries.
	StatusFailed Status = "FAILED"
	// StatusSkipped indicates the step was skipped by a predicate.
	// A skipped step counts as completed for dependency closure.
	StatusSkipped Status = "SKIPPED"
)

// IsTerminal reports whether no further status change can occur.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// StepDefinition is an immutable step template.
type StepDefinition struct {
	// ID is unique within one scheduler run.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable step name.
	Name string `json:"name" yaml:"name"`

	// Service is the target service adapter tag.
	Service string `json:"service" yaml:"service"`

	// Action is the operation the adapter dispatches on.
	Action string `json:"action" yaml:"action"`

	// Params are passed to the adapter, overlaid with dependency results.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// DependsOn lists step IDs that must complete first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Timeout bounds one execution attempt. Zero selects the scheduler
	// default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retries is the number of re-attempts after the first failure.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`

	// Optional steps may fail without aborting the run; dependents see
	// their result key as absent.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// StepResult records the outcome of one step.
type StepResult struct {
	// StepID is the ID of the executed step.
	StepID string `json:"step_id"`

	// Status is the final (or current) execution status.
	Status Status `json:"status"`

	// Output is the success payload. Nil unless Status is COMPLETED.
	Output map[string]any `json:"output,omitempty"`

	// Error holds the failure message when Status is FAILED.
	Error string `json:"error,omitempty"`

	// StartedAt is when the first attempt began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the step reached a terminal status.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is CompletedAt minus StartedAt.
	Duration time.Duration `json:"duration"`

	// Attempts is the number of execution attempts made.
	Attempts int `json:"attempts"`
}

// ResultKey is the context key under which a dependency's success payload
// is exposed to its dependents.
func ResultKey(stepID string) string {
	return stepID + "_result"
}
