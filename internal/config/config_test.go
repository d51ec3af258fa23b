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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 10, cfg.MaxConcurrentWorkflows)
	assert.Equal(t, 10, cfg.MaxIterations)
	assert.Equal(t, 1024, cfg.EventBusQueueCapacity)
	assert.Equal(t, 30*time.Second, cfg.DefaultStepTimeout)
	assert.Equal(t, 30*time.Minute, cfg.ValidationTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentci.yaml")
	data := []byte("max_iterations: 5\nlisten_addr: 0.0.0.0:9000\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	t.Setenv(EnvMaxIterations, "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxIterations, "env must win over file")
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr, "file must win over default")
}

func TestLoad_Credentials(t *testing.T) {
	t.Setenv(EnvAgentAPIKey, "sk-test-1234")
	t.Setenv(EnvCodeHostToken, "ghp-test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sk-test-1234", cfg.AgentAPIKey)
	assert.Equal(t, "ghp-test", cfg.CodeHostToken)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\t not yaml ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workflows", func(c *Config) { c.MaxConcurrentWorkflows = 0 }},
		{"zero iterations", func(c *Config) { c.MaxIterations = 0 }},
		{"zero queue", func(c *Config) { c.EventBusQueueCapacity = 0 }},
		{"negative step timeout", func(c *Config) { c.DefaultStepTimeout = -time.Second }},
		{"zero validation timeout", func(c *Config) { c.ValidationTimeout = 0 }},
		{"empty workspace root", func(c *Config) { c.WorkspaceRoot = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_AutoConfirmPlans(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.AutoConfirmPlans, "plans auto-confirm by default")

	t.Setenv(EnvAutoConfirmPlans, "false")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.False(t, cfg.AutoConfirmPlans)
}

func TestEnvInt_Malformed(t *testing.T) {
	t.Setenv(EnvMaxIterations, "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxIterations, "malformed env values are ignored")
}
