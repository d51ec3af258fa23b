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

// Package workflow implements the per-project CI loop state machine: it
// drives planning and coding through an external agent, binds pull-request
// events to transitions, runs validation pipelines, and decides whether to
// iterate or terminate.
package workflow

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/agentci/agentci/pkg/errors"
)

// State is a workflow lifecycle state.
type State string

const (
	StateIdle       State = "IDLE"
	StatePlanning   State = "PLANNING"
	StateCoding     State = "CODING"
	StatePRCreated  State = "PR_CREATED"
	StateValidating State = "VALIDATING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// validTransitions is the closed transition table. CANCELLED is reachable
// from every non-terminal state and handled in CanTransition.
var validTransitions = map[State][]State{
	StateIdle:       {StatePlanning},
	StatePlanning:   {StateCoding, StateFailed},
	StateCoding:     {StatePRCreated, StateFailed},
	StatePRCreated:  {StateValidating},
	StateValidating: {StateCompleted, StatePlanning, StateFailed},
}

// CanTransition reports whether from→to is a valid edge.
func CanTransition(from, to State) bool {
	if to == StateCancelled {
		return !from.Terminal()
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change. Immutable once appended.
type Transition struct {
	From      State          `json:"from"`
	To        State          `json:"to"`
	Timestamp time.Time      `json:"timestamp"`
	Trigger   string         `json:"trigger"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Context caps keep unbounded agent output from growing workflow records.
const (
	maxAccumulatedContext = 20
	maxErrorContext       = 10
)

// Metadata is the workflow's loop-control record.
type Metadata struct {
	// Goal is the change the agent is asked to produce.
	Goal string `json:"goal"`

	// PlanningHint optionally steers the first plan.
	PlanningHint string `json:"planning_hint,omitempty"`

	// CurrentIteration counts CI loop passes, starting at 1.
	CurrentIteration int `json:"current_iteration"`

	// MaxIterations bounds VALIDATING→PLANNING cycles.
	MaxIterations int `json:"max_iterations"`

	// AgentRunID is the in-flight agent run; history keeps prior runs.
	AgentRunID      string   `json:"agent_run_id,omitempty"`
	AgentRunHistory []string `json:"agent_run_history,omitempty"`

	// PRNumber is the current pull request; history keeps prior ones.
	PRNumber  int   `json:"pr_number,omitempty"`
	PRHistory []int `json:"pr_history,omitempty"`

	// AccumulatedContext holds one summary per completed iteration.
	// Append-only during a run, capped at the oldest end.
	AccumulatedContext []string `json:"accumulated_context,omitempty"`

	// ErrorContext holds recent failure summaries fed back to the agent.
	ErrorContext []string `json:"error_context,omitempty"`

	// ValidationAttempts counts pipeline attempts within the iteration.
	ValidationAttempts int `json:"validation_attempts"`
}

// Workflow is one project's CI loop. It is owned by a single writer; all
// mutation happens on the owner goroutine (see Engine).
type Workflow struct {
	ID         string `json:"id"`
	Project    string `json:"project"`
	Repository string `json:"repository"`

	State    State    `json:"current_state"`
	Metadata Metadata `json:"metadata"`

	// Context accumulates facts the requirements predicate reads, e.g.
	// pr_merged, tests_passing, validation_passed, deployment_successful.
	Context map[string]any `json:"context,omitempty"`

	// History records every accepted transition, in order.
	History []Transition `json:"history"`

	// StateRetries counts retries consumed in the current state.
	StateRetries int `json:"state_retries"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Apply validates and records the transition, updating state, history, and
// per-state retry bookkeeping. Callers must hold workflow ownership.
func (w *Workflow) Apply(to State, trigger string, metadata map[string]any) error {
	if !CanTransition(w.State, to) {
		return &errors.InvalidTransitionError{
			WorkflowID: w.ID,
			From:       string(w.State),
			To:         string(to),
			Trigger:    trigger,
		}
	}
	now := time.Now()
	w.History = append(w.History, Transition{
		From:      w.State,
		To:        to,
		Timestamp: now,
		Trigger:   trigger,
		Metadata:  metadata,
	})
	w.State = to
	w.StateRetries = 0
	w.UpdatedAt = now
	return nil
}

// BeginIteration advances the loop for another planning round: bumps the
// iteration counter, resets validation attempts, appends the iteration
// summary, and retains failure context for the next agent call.
func (w *Workflow) BeginIteration(summary string, failures []string) {
	w.Metadata.CurrentIteration++
	w.Metadata.ValidationAttempts = 0
	if summary != "" {
		w.Metadata.AccumulatedContext = appendCapped(w.Metadata.AccumulatedContext, summary, maxAccumulatedContext)
	}
	for _, f := range failures {
		w.Metadata.ErrorContext = appendCapped(w.Metadata.ErrorContext, f, maxErrorContext)
	}
}

// RecordPR sets the current PR number, archiving any previous one.
func (w *Workflow) RecordPR(number int) {
	if w.Metadata.PRNumber != 0 && w.Metadata.PRNumber != number {
		w.Metadata.PRHistory = append(w.Metadata.PRHistory, w.Metadata.PRNumber)
	}
	w.Metadata.PRNumber = number
}

// RecordAgentRun sets the current agent run, archiving any previous one.
func (w *Workflow) RecordAgentRun(runID string) {
	if w.Metadata.AgentRunID != "" && w.Metadata.AgentRunID != runID {
		w.Metadata.AgentRunHistory = append(w.Metadata.AgentRunHistory, w.Metadata.AgentRunID)
	}
	w.Metadata.AgentRunID = runID
}

// SetFact records a requirements fact in the workflow context.
func (w *Workflow) SetFact(key string, value any) {
	if w.Context == nil {
		w.Context = make(map[string]any)
	}
	w.Context[key] = value
}

func appendCapped(list []string, item string, limit int) []string {
	list = append(list, item)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

// sensitiveKeyTerms mirrors the bus redaction policy: context entries whose
// keys look credential-shaped never survive serialization.
var sensitiveKeyTerms = []string{
	"token", "password", "secret", "api_key", "apikey", "credential", "authorization",
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

func redactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

// MarshalJSON serializes the workflow with credential-shaped context and
// transition-metadata entries redacted.
func (w *Workflow) MarshalJSON() ([]byte, error) {
	type alias Workflow
	clone := alias(*w)
	clone.Context = redactMap(w.Context)
	if len(w.History) > 0 {
		clone.History = make([]Transition, len(w.History))
		copy(clone.History, w.History)
		for i := range clone.History {
			clone.History[i].Metadata = redactMap(clone.History[i].Metadata)
		}
	}
	return json.Marshal(&clone)
}
