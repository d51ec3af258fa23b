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

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentci/agentci/pkg/errors"
)

const defaultPrepareTimeout = 5 * time.Minute

// Manager provisions and tracks sandboxes under a workspace root.
type Manager struct {
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*Sandbox
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if dir == "" {
		return nil, &errors.ConfigError{Key: "workspace_root", Reason: "workspace root is required"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &errors.ConfigError{Key: "workspace_root", Reason: "cannot create workspace root", Cause: err}
	}
	return &Manager{
		root:    dir,
		logger:  logger,
		pending: make(map[string]*Sandbox),
	}, nil
}

// Create atomically constructs a sandbox: workspace directory, environment
// map, and optional preparation commands. On any preparation failure the
// partially-created state is removed before a SandboxSetupError is returned.
// Every sandbox Create returns is registered in the pending set until its
// Destroy runs.
func (m *Manager) Create(ctx context.Context, project string, prNumber int, spec Spec) (*Sandbox, error) {
	id := fmt.Sprintf("%s-pr%d-%s", sanitizeName(project), prNumber, uuid.New().String()[:8])
	workspace := filepath.Join(m.root, id)

	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, &errors.SandboxSetupError{SandboxID: id, Phase: "workspace", Cause: err}
	}

	env := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		env[k] = v
	}

	s := &Sandbox{
		id:        id,
		project:   project,
		prNumber:  prNumber,
		workspace: workspace,
		env:       env,
		parallel:  spec.ParallelExec,
		manager:   m,
		state:     StateInitializing,
		procs:     make(map[int]struct{}),
	}

	m.mu.Lock()
	m.pending[id] = s
	m.mu.Unlock()

	m.logger.Info("sandbox created",
		"sandbox_id", id,
		"project", project,
		"pr_number", prNumber,
		"credential_env_keys", s.RedactedEnvKeys(),
	)

	prepTimeout := spec.PrepareTimeout
	if prepTimeout <= 0 {
		prepTimeout = defaultPrepareTimeout
	}
	for _, cmd := range spec.PrepareCommands {
		res, err := s.Exec(ctx, cmd, prepTimeout, nil)
		if err == nil && res.ExitCode != 0 {
			err = &errors.CommandError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		if err != nil {
			_ = s.Destroy()
			return nil, &errors.SandboxSetupError{SandboxID: id, Phase: "prepare", Cause: err}
		}
	}

	s.setState(StateReady)
	return s, nil
}

// Pending returns the IDs of sandboxes that have been created but not yet
// destroyed. Used by shutdown and by leak-detection tests.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids
}

// ReleaseAll destroys every pending sandbox. Called from the daemon's
// shutdown hook so no workspace outlives the process.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	sandboxes := make([]*Sandbox, 0, len(m.pending))
	for _, s := range m.pending {
		sandboxes = append(sandboxes, s)
	}
	m.mu.Unlock()

	for _, s := range sandboxes {
		if err := s.Destroy(); err != nil {
			m.logger.Warn("sandbox release failed", "sandbox_id", s.ID(), "error", err)
		}
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// sanitizeName keeps workspace directory names filesystem-safe.
func sanitizeName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "project"
	}
	return string(out)
}
