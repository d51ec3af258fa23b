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
	"sync"
	"time"

	"github.com/agentci/agentci/pkg/errors"
	"github.com/agentci/agentci/pkg/sandbox"
)

// Handler executes one validation step type inside a sandbox. The config map
// comes from the plan step; the input map carries workflow parameters and
// dependency results.
type Handler func(ctx context.Context, sb *sandbox.Sandbox, config, input map[string]any) (map[string]any, error)

// HandlerRegistry maps step types to their handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[StepType]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[StepType]Handler)}
}

// Register binds a step type to a handler, replacing any previous binding.
func (r *HandlerRegistry) Register(t StepType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Handler returns the handler for the step type.
func (r *HandlerRegistry) Handler(t StepType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "step handler", ID: string(t)}
	}
	return h, nil
}

// DefaultCommandTimeout bounds a handler's sandbox command when the step
// config does not set one.
const DefaultCommandTimeout = 5 * time.Minute

// DefaultHandlers returns a registry with the built-in step handlers.
//
// Command-driven types (deployment, health_check, web_evaluation,
// code_analysis, security_scan, cleanup) run the shell command from the
// step's "command" config key and succeed on exit code zero.
func DefaultHandlers() *HandlerRegistry {
	r := NewHandlerRegistry()
	r.Register(StepSnapshotCreation, handleSnapshot)
	r.Register(StepSourceClone, handleSourceClone)
	for _, t := range []StepType{
		StepDeployment,
		StepHealthCheck,
		StepWebEvaluation,
		StepCodeAnalysis,
		StepSecurityScan,
		StepCleanup,
	} {
		r.Register(t, handleCommand)
	}
	return r
}

// handleSnapshot pins the sandbox workspace as the validation snapshot and
// optionally runs a preparation command.
func handleSnapshot(ctx context.Context, sb *sandbox.Sandbox, config, input map[string]any) (map[string]any, error) {
	out := map[string]any{
		"sandbox_id": sb.ID(),
		"workspace":  sb.Workspace(),
	}
	cmd := configString(config, "command")
	if cmd == "" {
		return out, nil
	}
	res, err := runCommand(ctx, sb, cmd, config)
	if err != nil {
		return nil, err
	}
	out["stdout"] = res.Stdout
	return out, nil
}

// handleSourceClone places the target repository inside the sandbox.
func handleSourceClone(ctx context.Context, sb *sandbox.Sandbox, config, input map[string]any) (map[string]any, error) {
	repo := configString(config, "repository")
	if repo == "" {
		repo = configString(input, "repository")
	}
	if repo == "" {
		return nil, &errors.ValidationError{
			Field:   "config.repository",
			Message: "source_clone requires a repository",
		}
	}
	branch := configString(config, "branch")
	if branch == "" {
		branch = configString(input, "head_branch")
	}
	if branch == "" {
		branch = "main"
	}
	if err := sb.CloneSource(ctx, repo, branch); err != nil {
		return nil, err
	}
	return map[string]any{"repository": repo, "branch": branch}, nil
}

// handleCommand runs the step's shell command and maps a non-zero exit to a
// CommandError so the failure carries stderr context.
func handleCommand(ctx context.Context, sb *sandbox.Sandbox, config, input map[string]any) (map[string]any, error) {
	cmd := configString(config, "command")
	if cmd == "" {
		return nil, &errors.ValidationError{
			Field:   "config.command",
			Message: "step requires a command",
		}
	}
	res, err := runCommand(ctx, sb, cmd, config)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"exit_code":   res.ExitCode,
		"stdout":      res.Stdout,
		"duration_ms": res.Duration.Milliseconds(),
	}, nil
}

func runCommand(ctx context.Context, sb *sandbox.Sandbox, cmd string, config map[string]any) (*sandbox.CommandResult, error) {
	timeout := configDuration(config, "timeout_seconds", DefaultCommandTimeout)
	res, err := sb.Exec(ctx, cmd, timeout, nil)
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return nil, &errors.TimeoutError{Operation: "command " + cmd, Duration: timeout}
	}
	if res.ExitCode != 0 {
		return nil, &errors.CommandError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

func configString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func configDuration(m map[string]any, key string, fallback time.Duration) time.Duration {
	if m == nil {
		return fallback
	}
	switch v := m[key].(type) {
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v) * time.Second
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
