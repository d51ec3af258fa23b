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

// Package agent is the HTTP client for the external code-generation agent.
// It implements the workflow engine's Agent interface: planning and coding
// requests with rate limiting, bounded retries, and correlation-ID
// propagation. API keys never appear in logs or error messages.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentci/agentci/internal/log"
	"github.com/agentci/agentci/internal/tracing"
	"github.com/agentci/agentci/pkg/errors"
	"github.com/agentci/agentci/pkg/workflow"
)

// Defaults for the client's transport behavior.
const (
	DefaultTimeout       = 120 * time.Second
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 2 * time.Second
	DefaultRateLimit     = rate.Limit(2) // requests per second
	DefaultRateBurst     = 4
	defaultUserAgent     = "agentci/1.0"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the agent service root, e.g. "https://agent.internal:9000".
	BaseURL string

	// APIKey authenticates requests. Passed through from the environment;
	// never logged.
	APIKey string

	// Timeout bounds one HTTP exchange. Default 120s; agent calls are slow.
	Timeout time.Duration

	// RetryAttempts is the number of retries on 5xx/429 and transport
	// errors. Default 3.
	RetryAttempts int

	// RetryDelay is the base backoff, doubled per attempt. Default 2s.
	RetryDelay time.Duration

	// RateLimit and RateBurst throttle outbound calls. Defaults 2 rps / 4.
	RateLimit rate.Limit
	RateBurst int

	// Logger for request logging. Nil uses slog.Default.
	Logger *slog.Logger
}

// Client talks to the remote code-generation agent.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

var _ workflow.Agent = (*Client)(nil)

// NewClient validates the config and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, &errors.ConfigError{Key: "agent_url", Reason: "agent base URL is required"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = DefaultRateBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		retries: cfg.RetryAttempts,
		delay:   cfg.RetryDelay,
		logger:  cfg.Logger.With("component", "agent-client", "api_key", log.SanitizeAPIKey(cfg.APIKey)),
	}, nil
}

type planPayload struct {
	WorkflowID         string   `json:"workflow_id"`
	Project            string   `json:"project"`
	Goal               string   `json:"goal"`
	Hint               string   `json:"hint,omitempty"`
	Iteration          int      `json:"iteration"`
	ErrorContext       []string `json:"error_context,omitempty"`
	AccumulatedContext []string `json:"accumulated_context,omitempty"`
}

type planReply struct {
	RunID   string `json:"run_id"`
	Summary string `json:"summary"`
}

type codePayload struct {
	WorkflowID string `json:"workflow_id"`
	Project    string `json:"project"`
	Repository string `json:"repository"`
	PlanRunID  string `json:"plan_run_id"`
	Iteration  int    `json:"iteration"`
}

type codeReply struct {
	RunID    string `json:"run_id"`
	PRNumber int    `json:"pr_number"`
	Summary  string `json:"summary"`
}

// Plan asks the agent for an implementation plan.
func (c *Client) Plan(ctx context.Context, req workflow.PlanRequest) (*workflow.PlanResult, error) {
	var reply planReply
	err := c.post(ctx, "/v1/plan", planPayload{
		WorkflowID:         req.WorkflowID,
		Project:            req.Project,
		Goal:               req.Goal,
		Hint:               req.Hint,
		Iteration:          req.Iteration,
		ErrorContext:       req.ErrorContext,
		AccumulatedContext: req.AccumulatedContext,
	}, &reply)
	if err != nil {
		return nil, err
	}
	if reply.RunID == "" {
		return nil, errors.New("agent plan reply missing run_id")
	}
	return &workflow.PlanResult{RunID: reply.RunID, Summary: reply.Summary}, nil
}

// Code asks the agent to implement the current plan.
func (c *Client) Code(ctx context.Context, req workflow.CodeRequest) (*workflow.CodeResult, error) {
	var reply codeReply
	err := c.post(ctx, "/v1/code", codePayload{
		WorkflowID: req.WorkflowID,
		Project:    req.Project,
		Repository: req.Repository,
		PlanRunID:  req.PlanRunID,
		Iteration:  req.Iteration,
	}, &reply)
	if err != nil {
		return nil, err
	}
	if reply.RunID == "" {
		return nil, errors.New("agent code reply missing run_id")
	}
	return &workflow.CodeResult{RunID: reply.RunID, PRNumber: reply.PRNumber, Summary: reply.Summary}, nil
}

// Health probes the agent service.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return errors.Wrap(err, "building health request")
	}
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "agent health check")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent health check returned %d", resp.StatusCode)
	}
	return nil
}

// post sends one JSON request with rate limiting and bounded retries on
// transient failures.
func (c *Client) post(ctx context.Context, path string, payload, reply any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encoding agent request")
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := c.delay << (attempt - 1)
			c.logger.Warn("agent request retrying",
				"path", path,
				"attempt", attempt,
				"backoff", backoff,
				log.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		retryable, err := c.doOnce(ctx, path, body, reply)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return errors.Wrapf(lastErr, "agent request %s failed after %d retries", path, c.retries)
}

// doOnce performs a single exchange. The bool reports whether the failure
// is worth retrying.
func (c *Client) doOnce(ctx context.Context, path string, body []byte, reply any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(err, "building agent request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return true, errors.Wrap(err, "calling agent")
	}
	defer resp.Body.Close()

	c.logger.Debug("agent request",
		"path", path,
		"status", resp.StatusCode,
		log.Duration("duration", time.Since(start).Milliseconds()),
	)

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
			return false, errors.Wrap(err, "decoding agent reply")
		}
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("agent returned %d", resp.StatusCode)
	default:
		// Client errors carry a body worth surfacing, truncated and
		// detached from any credential material.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &errors.ValidationError{
			Field:   "agent_request",
			Message: fmt.Sprintf("agent rejected request with %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("User-Agent", defaultUserAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if id := tracing.FromContext(req.Context()); id.IsValid() {
		tracing.InjectIntoRequest(req, id)
	}
}
