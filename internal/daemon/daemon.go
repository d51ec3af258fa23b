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

// Package daemon assembles the orchestrator: event bus, stores, sandbox
// manager, validation pipeline, workflow engine, and the HTTP surface
// (webhooks, event stream, workflow API, health, metrics). Collaborators
// are constructed at startup and passed by injection; nothing here is a
// global.
package daemon

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentci/agentci/internal/config"
	"github.com/agentci/agentci/pkg/agent"
	"github.com/agentci/agentci/pkg/bus"
	"github.com/agentci/agentci/pkg/errors"
	"github.com/agentci/agentci/pkg/pipeline"
	"github.com/agentci/agentci/pkg/sandbox"
	"github.com/agentci/agentci/pkg/workflow"
)

const shutdownGrace = 10 * time.Second

// Daemon is the long-running orchestrator process.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	registry  *prometheus.Registry
	bus       *bus.Bus
	store     workflow.Store
	storeC    io.Closer
	sandboxes *sandbox.Manager
	engine    *workflow.Engine
	audit     *AuditSink

	server *http.Server
	ln     net.Listener
}

// New wires all collaborators from the configuration. The agent URL is
// mandatory; without the agent there is no loop to run.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg.AgentURL == "" {
		return nil, &errors.ConfigError{Key: "agent_url", Reason: "agent URL is required"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	b := bus.New(bus.Options{
		QueueCapacity: cfg.EventBusQueueCapacity,
		Registerer:    registry,
		Logger:        logger,
	})

	var store workflow.Store
	var storeC io.Closer
	if cfg.DatabasePath != "" {
		s, err := workflow.NewSQLiteStore(cfg.DatabasePath)
		if err != nil {
			b.Close()
			return nil, err
		}
		store, storeC = s, s
	} else {
		store = workflow.NewMemoryStore()
	}

	sandboxes, err := sandbox.NewManager(cfg.WorkspaceRoot, logger)
	if err != nil {
		if storeC != nil {
			_ = storeC.Close()
		}
		b.Close()
		return nil, err
	}

	agentClient, err := agent.NewClient(agent.Config{
		BaseURL: cfg.AgentURL,
		APIKey:  cfg.AgentAPIKey,
		Logger:  logger,
	})
	if err != nil {
		if storeC != nil {
			_ = storeC.Close()
		}
		b.Close()
		return nil, err
	}

	executor := pipeline.NewExecutor(b, pipeline.DefaultHandlers(), pipeline.Options{
		Timeout:     cfg.ValidationTimeout,
		StepTimeout: cfg.DefaultStepTimeout,
		Logger:      logger,
	})

	// Credentials flow into sandboxes as opaque environment values. They are
	// redacted everywhere they would otherwise surface.
	sandboxEnv := map[string]string{}
	if cfg.CodeHostToken != "" {
		sandboxEnv["CODE_HOST_TOKEN"] = cfg.CodeHostToken
	}
	if cfg.AgentAPIKey != "" {
		sandboxEnv["AGENT_API_KEY"] = cfg.AgentAPIKey
	}

	validator := NewPipelineValidator(sandboxes, executor, workflowPlan, sandboxEnv, logger)

	engine := workflow.NewEngine(store, b, agentClient, validator, workflow.EngineOptions{
		MaxIterations: cfg.MaxIterations,
		MaxConcurrent: cfg.MaxConcurrentWorkflows,
		AutoConfirm:   cfg.AutoConfirmPlans,
		Logger:        logger,
	})

	audit, err := NewAuditSink(filepath.Join(cfg.WorkspaceRoot, "audit.jsonl"), b, logger)
	if err != nil {
		engine.Shutdown(context.Background())
		if storeC != nil {
			_ = storeC.Close()
		}
		b.Close()
		return nil, err
	}

	d := &Daemon{
		cfg:       cfg,
		logger:    logger.With("component", "daemon"),
		registry:  registry,
		bus:       b,
		store:     store,
		storeC:    storeC,
		sandboxes: sandboxes,
		engine:    engine,
		audit:     audit,
	}
	d.server = &http.Server{
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

func (d *Daemon) routes() http.Handler {
	wh := &webhookHandler{bus: d.bus, secret: d.cfg.WebhookSecret, logger: d.logger}
	api := &workflowAPI{engine: d.engine, store: d.store, bus: d.bus, logger: d.logger}
	stream := &streamHandler{bus: d.bus, logger: d.logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/pr-validation", wh.handlePRValidation)
	mux.HandleFunc("POST /webhooks/pr-update", wh.handlePRUpdate)
	mux.Handle("GET /events/stream", stream)
	mux.HandleFunc("POST /workflows", api.handleCreate)
	mux.HandleFunc("GET /workflows", api.handleList)
	mux.HandleFunc("GET /workflows/{id}", api.handleGet)
	mux.HandleFunc("POST /workflows/{id}/cancel", api.handleCancel)
	mux.HandleFunc("POST /workflows/{id}/confirm", api.handleConfirm)
	mux.HandleFunc("GET /healthz", d.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	return mux
}

// Start binds the listen address and serves until Shutdown. Non-blocking.
func (d *Daemon) Start() error {
	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "binding listen address")
	}
	d.ln = ln
	d.logger.Info("daemon listening", "addr", ln.Addr().String(), "pid", os.Getpid())

	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.logger.Error("http server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (d *Daemon) Addr() string {
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Engine exposes the workflow engine for embedding callers.
func (d *Daemon) Engine() *workflow.Engine { return d.engine }

// Store exposes the workflow store for embedding callers.
func (d *Daemon) Store() workflow.Store { return d.store }

// Bus exposes the event bus for embedding callers.
func (d *Daemon) Bus() *bus.Bus { return d.bus }

// Shutdown stops the HTTP server, drains workflow owners, releases every
// pending sandbox, and closes the stores. Safe against a partially started
// daemon.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownGrace)
		defer cancel()
	}

	var firstErr error
	if d.ln != nil {
		if err := d.server.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.engine.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	d.sandboxes.ReleaseAll()
	if err := d.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	d.bus.Close()
	if d.storeC != nil {
		if err := d.storeC.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.logger.Info("daemon stopped")
	return firstErr
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"active_workflows":  d.engine.Active(),
		"bus":               d.bus.Metrics(),
		"pending_sandboxes": len(d.sandboxes.Pending()),
	})
}

// workflowPlan resolves the validation plan for a workflow: an inline YAML
// plan under the "validation_plan" context key, a plan file path under
// "validation_plan_path", or the built-in default.
func workflowPlan(w *workflow.Workflow) (*pipeline.Plan, error) {
	if raw, ok := w.Context["validation_plan"].(string); ok && raw != "" {
		return pipeline.ParsePlan([]byte(raw))
	}
	if path, ok := w.Context["validation_plan_path"].(string); ok && path != "" {
		return pipeline.LoadPlan(path)
	}
	return DefaultPlan(), nil
}
