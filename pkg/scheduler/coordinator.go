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

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/agentci/agentci/pkg/errors"
)

// Adapter executes a service's actions on behalf of steps.
//
// Contract: on success return (result, nil) with a non-nil result; on error
// return (nil, error). Returning (nil, nil) is a contract violation and is
// treated as an error.
type Adapter interface {
	// Execute runs one action with the resolved step context.
	Execute(ctx context.Context, action string, input map[string]any) (map[string]any, error)

	// HealthCheck reports whether the adapter's backing service is usable.
	HealthCheck(ctx context.Context) error
}

// HealthStatus is one adapter's aggregated health report.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Coordinator maps service tags to adapters and dispatches step execution.
type Coordinator struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewCoordinator creates an empty adapter registry.
func NewCoordinator() *Coordinator {
	return &Coordinator{adapters: make(map[string]Adapter)}
}

// Register binds a service tag to an adapter, replacing any previous binding.
func (c *Coordinator) Register(service string, adapter Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[service] = adapter
}

// Adapter returns the adapter registered for the service tag.
func (c *Coordinator) Adapter(service string) (Adapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	adapter, ok := c.adapters[service]
	if !ok {
		return nil, &errors.AdapterMissingError{Service: service}
	}
	return adapter, nil
}

// ExecuteStep looks up the adapter for the step's service tag and invokes
// its action under the given timeout.
func (c *Coordinator) ExecuteStep(ctx context.Context, step *StepDefinition, input map[string]any, timeout time.Duration) (map[string]any, error) {
	adapter, err := c.Adapter(step.Service)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := adapter.Execute(ctx, step.Action, input)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{
				Operation: "step " + step.ID,
				Duration:  time.Since(start),
				Cause:     err,
			}
		}
		return nil, err
	}
	if result == nil {
		return nil, errors.Wrapf(errors.New("adapter returned nil result without error"), "service %s action %s", step.Service, step.Action)
	}
	return result, nil
}

// Health aggregates health checks across all registered adapters.
func (c *Coordinator) Health(ctx context.Context) map[string]HealthStatus {
	c.mu.RLock()
	tags := make(map[string]Adapter, len(c.adapters))
	for tag, adapter := range c.adapters {
		tags[tag] = adapter
	}
	c.mu.RUnlock()

	out := make(map[string]HealthStatus, len(tags))
	for tag, adapter := range tags {
		if err := adapter.HealthCheck(ctx); err != nil {
			out[tag] = HealthStatus{Healthy: false, Detail: err.Error()}
		} else {
			out[tag] = HealthStatus{Healthy: true}
		}
	}
	return out
}
