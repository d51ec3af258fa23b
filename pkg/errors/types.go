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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "sandbox", "pipeline")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// InvalidTransitionError is returned when a workflow state change is
// attempted that is not listed in the transition table.
// It is reported to the caller and never retried.
type InvalidTransitionError struct {
	// WorkflowID identifies the workflow
	WorkflowID string

	// From is the current state
	From string

	// To is the requested state
	To string

	// Trigger is the event that requested the transition
	Trigger string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	if e.Trigger != "" {
		return fmt.Sprintf("invalid transition %s -> %s on %q for workflow %s", e.From, e.To, e.Trigger, e.WorkflowID)
	}
	return fmt.Sprintf("invalid transition %s -> %s for workflow %s", e.From, e.To, e.WorkflowID)
}

// CycleError is returned when a step dependency graph is not acyclic.
type CycleError struct {
	// Steps lists the step IDs participating in the cycle
	Steps []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving steps %v", e.Steps)
}

// StepExecutionError represents a non-optional step that failed after its
// retry budget was consumed. The containing pipeline aborts on this error.
type StepExecutionError struct {
	// StepID identifies the failed step
	StepID string

	// Attempts is the number of execution attempts made
	Attempts int

	// Cause is the underlying error from the last attempt
	Cause error
}

// Error implements the error interface.
func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempts: %v", e.StepID, e.Attempts, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts at the step, pipeline, or
// command level. Treated as a failure variant with cause "timeout".
type TimeoutError struct {
	// Operation describes what timed out (e.g., "pipeline", "sandbox command")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// SandboxSetupError represents a failure to provision a sandbox.
// Partially-created state is cleaned up before this error is returned.
type SandboxSetupError struct {
	// SandboxID identifies the sandbox (may be empty if allocation failed early)
	SandboxID string

	// Phase is the setup phase that failed (e.g., "workspace", "prepare")
	Phase string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *SandboxSetupError) Error() string {
	return fmt.Sprintf("sandbox setup failed during %s: %v", e.Phase, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SandboxSetupError) Unwrap() error {
	return e.Cause
}

// SourceCloneError represents a failure to place repository source into a
// sandbox workspace.
type SourceCloneError struct {
	// Repo is the repository reference that failed to clone
	Repo string

	// Branch is the requested branch
	Branch string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *SourceCloneError) Error() string {
	return fmt.Sprintf("clone of %s@%s failed: %v", e.Repo, e.Branch, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SourceCloneError) Unwrap() error {
	return e.Cause
}

// CommandError represents a sandboxed command that exited non-zero.
type CommandError struct {
	// Command is the command line that failed
	Command string

	// ExitCode is the process exit code
	ExitCode int

	// Stderr holds the captured standard error (may be truncated)
	Stderr string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
}

// AdapterMissingError is returned when no service adapter is registered for
// a step's service tag. Fatal at the workflow level.
type AdapterMissingError struct {
	// Service is the unregistered service tag
	Service string
}

// Error implements the error interface.
func (e *AdapterMissingError) Error() string {
	return fmt.Sprintf("no adapter registered for service %q", e.Service)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "workspace_root")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
