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

// Package config provides orchestrator configuration loaded from an optional
// YAML file overlaid with environment variables. Environment variables win.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentci/agentci/pkg/errors"
)

// Environment variables recognized by the orchestrator.
const (
	EnvMaxConcurrentWorkflows = "MAX_CONCURRENT_WORKFLOWS"
	EnvDefaultStepTimeout     = "DEFAULT_STEP_TIMEOUT_SECONDS"
	EnvValidationTimeout      = "VALIDATION_TIMEOUT_MINUTES"
	EnvMaxIterations          = "MAX_ITERATIONS"
	EnvEventBusQueueCapacity  = "EVENT_BUS_QUEUE_CAPACITY"
	EnvSandboxWorkspaceRoot   = "SANDBOX_WORKSPACE_ROOT"
	EnvAgentAPIKey            = "AGENT_API_KEY"
	EnvCodeHostToken          = "CODE_HOST_TOKEN"
	EnvWebhookSecret          = "WEBHOOK_SECRET"
	EnvListenAddr             = "AGENTCI_LISTEN_ADDR"
	EnvDatabasePath           = "AGENTCI_DB_PATH"
	EnvAutoConfirmPlans       = "AUTO_CONFIRM_PLANS"
)

// Config holds orchestrator configuration.
type Config struct {
	// ListenAddr is the HTTP listen address for webhooks and the event stream.
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the SQLite database file path. Empty selects the
	// in-memory store.
	DatabasePath string `yaml:"database_path"`

	// MaxConcurrentWorkflows caps the number of active workflow owners.
	MaxConcurrentWorkflows int `yaml:"max_concurrent_workflows"`

	// DefaultStepTimeout is the fallback per-step timeout.
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout"`

	// ValidationTimeout bounds a whole validation pipeline.
	ValidationTimeout time.Duration `yaml:"validation_timeout"`

	// MaxIterations is the default iteration cap per workflow.
	MaxIterations int `yaml:"max_iterations"`

	// EventBusQueueCapacity is the per-subscriber queue depth.
	EventBusQueueCapacity int `yaml:"event_bus_queue_capacity"`

	// WorkspaceRoot is the base directory for sandbox workspaces.
	WorkspaceRoot string `yaml:"workspace_root"`

	// AgentURL is the base URL of the code-generation agent service.
	AgentURL string `yaml:"agent_url"`

	// AutoConfirmPlans moves workflows from planning to coding without an
	// explicit confirmation. Off, each plan waits for a confirm call.
	AutoConfirmPlans bool `yaml:"auto_confirm_plans"`

	// AgentAPIKey authenticates calls to the agent service. Opaque,
	// passed through into sandbox environments, never logged.
	AgentAPIKey string `yaml:"-"`

	// CodeHostToken authenticates calls to the code host. Opaque.
	CodeHostToken string `yaml:"-"`

	// WebhookSecret verifies inbound webhook signatures. Empty disables
	// verification.
	WebhookSecret string `yaml:"-"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		ListenAddr:             "127.0.0.1:8465",
		MaxConcurrentWorkflows: 10,
		DefaultStepTimeout:     30 * time.Second,
		ValidationTimeout:      30 * time.Minute,
		MaxIterations:          10,
		EventBusQueueCapacity:  1024,
		WorkspaceRoot:          filepath.Join(os.TempDir(), "agentci"),
		AutoConfirmPlans:       true,
	}
}

// Load builds a Config from defaults, an optional YAML file, and the
// environment, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: "cannot read config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: "cannot parse config file", Cause: err}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(EnvDatabasePath); v != "" {
		c.DatabasePath = v
	}
	if v, ok := envInt(EnvMaxConcurrentWorkflows); ok {
		c.MaxConcurrentWorkflows = v
	}
	if v, ok := envInt(EnvDefaultStepTimeout); ok {
		c.DefaultStepTimeout = time.Duration(v) * time.Second
	}
	if v, ok := envInt(EnvValidationTimeout); ok {
		c.ValidationTimeout = time.Duration(v) * time.Minute
	}
	if v, ok := envInt(EnvMaxIterations); ok {
		c.MaxIterations = v
	}
	if v, ok := envInt(EnvEventBusQueueCapacity); ok {
		c.EventBusQueueCapacity = v
	}
	if v := os.Getenv(EnvSandboxWorkspaceRoot); v != "" {
		c.WorkspaceRoot = v
	}
	if v := os.Getenv(EnvAgentAPIKey); v != "" {
		c.AgentAPIKey = v
	}
	if v := os.Getenv(EnvCodeHostToken); v != "" {
		c.CodeHostToken = v
	}
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		c.WebhookSecret = v
	}
	if v := os.Getenv(EnvAutoConfirmPlans); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AutoConfirmPlans = b
		}
	}
}

// Validate checks the configuration for values the orchestrator cannot
// operate with.
func (c *Config) Validate() error {
	if c.MaxConcurrentWorkflows < 1 {
		return &errors.ConfigError{
			Key:    EnvMaxConcurrentWorkflows,
			Reason: "must be at least 1",
		}
	}
	if c.MaxIterations < 1 {
		return &errors.ConfigError{
			Key:    EnvMaxIterations,
			Reason: "must be at least 1",
		}
	}
	if c.EventBusQueueCapacity < 1 {
		return &errors.ConfigError{
			Key:    EnvEventBusQueueCapacity,
			Reason: "must be at least 1",
		}
	}
	if c.DefaultStepTimeout <= 0 {
		return &errors.ConfigError{
			Key:    EnvDefaultStepTimeout,
			Reason: "must be positive",
		}
	}
	if c.ValidationTimeout <= 0 {
		return &errors.ConfigError{
			Key:    EnvValidationTimeout,
			Reason: "must be positive",
		}
	}
	if c.WorkspaceRoot == "" {
		return &errors.ConfigError{
			Key:    EnvSandboxWorkspaceRoot,
			Reason: "workspace root is required",
		}
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
