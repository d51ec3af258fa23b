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

// Package sandbox provides isolated execution environments for validation
// pipelines.
//
// A sandbox owns exactly one workspace directory and the child processes
// spawned inside it. Commands run serially by default and stream their
// output line by line into the sandbox log. Destruction is idempotent and
// guaranteed: every sandbox the manager ever returned is tracked in a
// pending set released by the manager's shutdown hook.
//
// Lifecycle: INITIALIZING -> READY -> (BUSY <-> READY)* -> CLEANING -> DESTROYED.
package sandbox

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// State is a sandbox lifecycle state.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateBusy         State = "BUSY"
	StateCleaning     State = "CLEANING"
	StateDestroyed    State = "DESTROYED"
)

// Spec configures sandbox creation.
type Spec struct {
	// Env is the environment variable map applied to every command.
	// Caller-supplied credentials belong here; they are never hardcoded
	// and never logged.
	Env map[string]string

	// PrepareCommands run once during creation (dependency installs).
	// Any failure aborts creation with a SandboxSetupError and cleans up.
	PrepareCommands []string

	// PrepareTimeout bounds each prepare command. Zero means 5 minutes.
	PrepareTimeout time.Duration

	// ParallelExec allows concurrent Exec calls. Default is serial.
	ParallelExec bool
}

// CommandResult is the outcome of one sandboxed command.
type CommandResult struct {
	// Command is the executed command line.
	Command string `json:"command"`

	// ExitCode is the process exit code. TimeoutExitCode on timeout.
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error. On timeout it explains why.
	Stderr string `json:"stderr"`

	// Duration is the wall-clock execution time.
	Duration time.Duration `json:"duration"`

	// StartedAt is when the command began.
	StartedAt time.Time `json:"started_at"`

	// TimedOut reports whether the command exceeded its timeout.
	TimedOut bool `json:"timed_out"`
}

// TimeoutExitCode is the distinguished exit code reported when a command is
// terminated for exceeding its timeout.
const TimeoutExitCode = -1

// ProgressFunc receives one output line as it is produced.
// stream is "STDOUT" or "STDERR".
type ProgressFunc func(stream, line string)

// Sandbox is an isolated execution environment bound to one workspace.
// Not safe for concurrent Exec unless created with Spec.ParallelExec.
type Sandbox struct {
	id        string
	project   string
	prNumber  int
	workspace string
	env       map[string]string
	parallel  bool

	manager *Manager

	mu        sync.Mutex // guards state, log, procs
	state     State
	logLines  []string
	procs     map[int]struct{} // pids of active children
	cancelled bool

	execMu sync.Mutex // serializes Exec unless parallel
}

// ID returns the sandbox identifier.
func (s *Sandbox) ID() string { return s.id }

// Workspace returns the absolute workspace directory path.
func (s *Sandbox) Workspace() string { return s.workspace }

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Log returns a copy of the sandbox's append-only output log.
// Each line is prefixed "STDOUT: " or "STDERR: ".
func (s *Sandbox) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.logLines))
	copy(out, s.logLines)
	return out
}

// Cancelled reports whether Cancel has been called.
func (s *Sandbox) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Sandbox) appendLog(stream, line string) {
	s.mu.Lock()
	s.logLines = append(s.logLines, fmt.Sprintf("%s: %s", stream, line))
	s.mu.Unlock()
}

// setState moves the sandbox to the given state. DESTROYED is absorbing.
func (s *Sandbox) setState(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return false
	}
	s.state = next
	return true
}

// buildEnv assembles the child process environment: a minimal base plus the
// sandbox env map. HOME and TMPDIR point inside the workspace so commands
// cannot scribble outside it by default.
func (s *Sandbox) buildEnv() []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + s.workspace,
		"TMPDIR=" + s.workspace,
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
	}
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	return env
}

// RedactedEnvKeys returns the env keys that look like credentials, for
// logging without values.
func (s *Sandbox) RedactedEnvKeys() []string {
	var keys []string
	for k := range s.env {
		if isCredentialKey(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

var credentialTerms = []string{"token", "secret", "password", "key", "credential"}

func isCredentialKey(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range credentialTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
