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

// Package bus provides the in-process pub/sub event bus coupling webhooks,
// workflow progress, and client notifications.
//
// Delivery guarantees: events published by a single publisher reach each
// subscriber's queue in publish order. Enqueueing is at-least-once; delivery
// from a subscriber's queue to its consumer is at-most-once (no re-queue on
// consumer failure). On queue overflow the oldest undelivered event is
// dropped and counted.
package bus

import (
	"strings"
	"time"
)

// Event types published by the orchestrator.
const (
	TypeWorkflowStarted      = "workflow.started"
	TypeWorkflowStateChanged = "workflow.state_changed"
	TypeWorkflowCompleted    = "workflow.completed"
	TypeWorkflowFailed       = "workflow.failed"
	TypeWorkflowCancel       = "workflow.cancel"
	TypePlanCreated          = "plan.created"
	TypePlanConfirm          = "plan.confirm"
	TypePROpened             = "pr.opened"
	TypePRUpdated            = "pr.updated"
	TypeValidationStarted    = "validation.started"
	TypeStepStarted          = "validation.step_started"
	TypeStepCompleted        = "validation.step_completed"
	TypeValidationCompleted  = "validation.completed"
	TypeValidationFailed     = "validation.failed"
	TypeNotification         = "notification"
	TypeProgressUpdate       = "progress_update"
)

// Event is an immutable record delivered through the bus.
type Event struct {
	// Type is the event type string, e.g. "workflow.state_changed".
	Type string `json:"type"`

	// Source identifies the publishing component, e.g. "workflow", "pipeline".
	Source string `json:"source"`

	// CorrelationID ties the event to one workflow's causal chain.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload carries event data. Sensitive keys are redacted at publish.
	Payload map[string]any `json:"payload,omitempty"`

	// Timestamp is set by the bus at publish time if zero.
	Timestamp time.Time `json:"timestamp"`
}

// Filter selects events by type, source, and correlation ID.
// Zero fields match everything.
type Filter struct {
	// Types matches any of the listed event types. Empty matches all.
	Types []string

	// Source matches the publishing component. Empty matches all.
	Source string

	// CorrelationID matches one causal chain. Empty matches all.
	CorrelationID string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Source != "" && f.Source != e.Source {
		return false
	}
	if f.CorrelationID != "" && f.CorrelationID != e.CorrelationID {
		return false
	}
	return true
}

// sensitiveKeyTerms lists substrings that mark a payload key as sensitive.
// Matching values are replaced with a redaction marker before the event is
// recorded or fanned out.
var sensitiveKeyTerms = []string{
	"token",
	"password",
	"secret",
	"api_key",
	"apikey",
	"credential",
	"authorization",
}

const redactedValue = "[REDACTED]"

// redactPayload returns a copy of the payload with sensitive keys masked.
// Returns the input unchanged when nothing needs masking.
func redactPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	var out map[string]any
	for key := range payload {
		if !isSensitiveKey(key) {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(payload))
			for k, v := range payload {
				out[k] = v
			}
		}
		out[key] = redactedValue
	}
	if out == nil {
		return payload
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range sensitiveKeyTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
