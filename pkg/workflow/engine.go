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

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentci/agentci/internal/tracing"
	"github.com/agentci/agentci/pkg/bus"
	"github.com/agentci/agentci/pkg/errors"
	"github.com/agentci/agentci/pkg/pipeline"
)

// PlanRequest asks the agent for an implementation plan.
type PlanRequest struct {
	WorkflowID         string
	Project            string
	Goal               string
	Hint               string
	Iteration          int
	ErrorContext       []string
	AccumulatedContext []string
}

// PlanResult is the agent's planning answer.
type PlanResult struct {
	RunID   string
	Summary string
}

// CodeRequest asks the agent to implement the current plan.
type CodeRequest struct {
	WorkflowID string
	Project    string
	Repository string
	PlanRunID  string
	Iteration  int
}

// CodeResult is the agent's coding answer. PRNumber is zero when the pull
// request will be announced later through a webhook.
type CodeResult struct {
	RunID    string
	PRNumber int
	Summary  string
}

// Agent is the external code-generation service the loop drives.
type Agent interface {
	Plan(ctx context.Context, req PlanRequest) (*PlanResult, error)
	Code(ctx context.Context, req CodeRequest) (*CodeResult, error)
}

// Validator runs one validation episode for the workflow's current PR.
type Validator interface {
	Validate(ctx context.Context, w *Workflow) (*pipeline.Result, error)
}

// Defaults for the engine's loop-control knobs.
const (
	DefaultMaxIterations  = 10
	DefaultStateRetries   = 3
	DefaultRetryDelay     = 60 * time.Second
	DefaultMaxConcurrent  = 10
	defaultInboxCapacity  = 64
	defaultShutdownWindow = 30 * time.Second
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// MaxIterations bounds the CI loop per workflow. Default 10.
	MaxIterations int

	// StateRetries is the per-state retry cap for agent calls. Default 3.
	StateRetries int

	// RetryDelay is the fixed wait between per-state retries. Default 60s.
	RetryDelay time.Duration

	// MaxConcurrent caps simultaneously active workflows. Default 10.
	MaxConcurrent int

	// AutoConfirm skips the explicit plan confirmation step.
	AutoConfirm bool

	// Requirements overrides the completion predicate. Nil uses the
	// default heuristic.
	Requirements *Requirements

	// Logger for engine logging. Nil uses slog.Default.
	Logger *slog.Logger
}

// CreateRequest describes a new workflow.
type CreateRequest struct {
	Project       string
	Repository    string
	Goal          string
	PlanningHint  string
	MaxIterations int

	// Context seeds the workflow context, e.g. a validation plan reference.
	Context map[string]any
}

// Engine owns the workflow state machines. Each started workflow gets a
// single owner goroutine; external events funnel through its inbox and are
// reduced serially. That single-writer rule is the engine's only state
// concurrency invariant.
type Engine struct {
	store     Store
	bus       *bus.Bus
	agent     Agent
	validator Validator
	reqs      *Requirements
	opts      EngineOptions
	logger    *slog.Logger

	mu     sync.Mutex
	owners map[string]*owner

	dispatch *bus.Subscription
	wg       sync.WaitGroup
}

type owner struct {
	workflowID string
	project    string
	inbox      chan bus.Event
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewEngine creates an Engine and subscribes it to the bus events that
// drive transitions (pr.opened, pr.updated, plan.confirm, workflow.cancel).
func NewEngine(store Store, b *bus.Bus, agent Agent, validator Validator, opts EngineOptions) *Engine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.StateRetries <= 0 {
		opts.StateRetries = DefaultStateRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	reqs := opts.Requirements
	if reqs == nil {
		reqs = DefaultRequirements()
	}

	e := &Engine{
		store:     store,
		bus:       b,
		agent:     agent,
		validator: validator,
		reqs:      reqs,
		opts:      opts,
		logger:    opts.Logger.With("component", "workflow-engine"),
		owners:    make(map[string]*owner),
	}

	e.dispatch = b.Subscribe(bus.Filter{Types: []string{
		bus.TypePROpened,
		bus.TypePRUpdated,
		bus.TypePlanConfirm,
		bus.TypeWorkflowCancel,
	}})
	e.wg.Add(1)
	go e.dispatchLoop()

	return e
}

// dispatchLoop routes bus events to workflow inboxes by workflow_id or,
// failing that, project name.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for ev := range e.dispatch.Events() {
		e.route(ev)
	}
}

func (e *Engine) route(ev bus.Event) {
	wantID, _ := ev.Payload["workflow_id"].(string)
	wantProject, _ := ev.Payload["project"].(string)

	e.mu.Lock()
	var targets []*owner
	for _, o := range e.owners {
		if wantID != "" && o.workflowID == wantID {
			targets = append(targets, o)
			break
		}
		if wantID == "" && wantProject != "" && o.project == wantProject {
			targets = append(targets, o)
		}
	}
	e.mu.Unlock()

	for _, o := range targets {
		if ev.Type == bus.TypeWorkflowCancel {
			// Preempt: a cancel must interrupt an in-flight pipeline,
			// not wait its turn in the inbox.
			o.cancel()
			continue
		}
		select {
		case o.inbox <- ev:
		default:
			e.logger.Warn("workflow inbox full, dropping event",
				"workflow_id", o.workflowID,
				"event", ev.Type,
			)
		}
	}
}

// Create builds and persists a new workflow in IDLE.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Workflow, error) {
	if req.Goal == "" {
		return nil, &errors.ValidationError{Field: "goal", Message: "goal text is required"}
	}
	if req.Project == "" {
		return nil, &errors.ValidationError{Field: "project", Message: "project is required"}
	}
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = e.opts.MaxIterations
	}
	now := time.Now()
	w := &Workflow{
		ID:         uuid.NewString(),
		Project:    req.Project,
		Repository: req.Repository,
		State:      StateIdle,
		Context:    req.Context,
		Metadata: Metadata{
			Goal:             req.Goal,
			PlanningHint:     req.PlanningHint,
			CurrentIteration: 1,
			MaxIterations:    maxIter,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Create(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Start assigns the workflow an owner goroutine and kicks off the loop.
// Fails when the workflow is unknown, already running, terminal, or the
// concurrency cap is reached.
func (e *Engine) Start(ctx context.Context, id string) error {
	w, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.State.Terminal() {
		return &errors.InvalidTransitionError{
			WorkflowID: id,
			From:       string(w.State),
			To:         string(StatePlanning),
			Trigger:    "start",
		}
	}

	e.mu.Lock()
	if _, running := e.owners[id]; running {
		e.mu.Unlock()
		return &errors.ValidationError{
			Field:   "id",
			Message: "workflow is already running",
		}
	}
	if len(e.owners) >= e.opts.MaxConcurrent {
		e.mu.Unlock()
		return &errors.ValidationError{
			Field:      "workflows",
			Message:    "maximum concurrent workflows reached",
			Suggestion: "wait for a workflow to finish or raise MAX_CONCURRENT_WORKFLOWS",
		}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	o := &owner{
		workflowID: id,
		project:    w.Project,
		inbox:      make(chan bus.Event, defaultInboxCapacity),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	e.owners[id] = o
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(o.done)
		defer func() {
			e.mu.Lock()
			delete(e.owners, id)
			e.mu.Unlock()
			cancel()
		}()
		e.run(runCtx, o, w)
	}()
	return nil
}

// Cancel requests cancellation of a running workflow. Idempotent; unknown
// or finished workflows are a no-op.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	o := e.owners[id]
	e.mu.Unlock()
	if o != nil {
		o.cancel()
	}
}

// Done returns a channel closed when the workflow's owner exits. Nil when
// the workflow is not running.
func (e *Engine) Done(id string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.owners[id]; ok {
		return o.done
	}
	return nil
}

// Active returns the number of running workflows.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.owners)
}

// Shutdown cancels all owners and waits for them to drain, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, o := range e.owners {
		o.cancel()
	}
	e.mu.Unlock()
	e.bus.Unsubscribe(e.dispatch)

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for workflow owners")
	}
}

// run is the owner loop: the only goroutine that mutates the workflow.
// The workflow ID is the correlation ID for everything the loop causes:
// agent calls, pipeline runs, and every event it publishes.
func (e *Engine) run(ctx context.Context, o *owner, w *Workflow) {
	ctx = tracing.ToContext(ctx, tracing.CorrelationID(w.ID))
	logger := e.logger.With("workflow_id", w.ID, "project", w.Project)

	e.publish(w, bus.TypeWorkflowStarted, map[string]any{
		"goal":           w.Metadata.Goal,
		"max_iterations": w.Metadata.MaxIterations,
	})

	if w.State == StateIdle {
		if err := e.transition(ctx, w, StatePlanning, "start", nil); err != nil {
			logger.Error("start transition rejected", "error", err)
			return
		}
	}

	// prWebhookSeen records whether the current PR number was learned from
	// a code-host webhook, which doubles as the validation trigger.
	prWebhookSeen := false

	for !w.State.Terminal() {
		if ctx.Err() != nil {
			e.finishCancelled(w, logger)
			return
		}

		var err error
		switch w.State {
		case StatePlanning:
			err = e.statePlanning(ctx, o, w)
		case StateCoding:
			prWebhookSeen, err = e.stateCoding(ctx, o, w)
		case StatePRCreated:
			err = e.statePRCreated(ctx, o, w, prWebhookSeen)
			prWebhookSeen = false
		case StateValidating:
			err = e.stateValidating(ctx, w)
		default:
			logger.Error("owner reached unexpected state", "state", w.State)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				e.finishCancelled(w, logger)
				return
			}
			logger.Error("workflow loop error", "state", w.State, "error", err)
			return
		}
	}
	logger.Info("workflow finished", "state", w.State, "iteration", w.Metadata.CurrentIteration)
}

// statePlanning asks the agent for a plan, then moves to CODING once the
// plan is confirmed (implicitly when auto-confirm is on).
func (e *Engine) statePlanning(ctx context.Context, o *owner, w *Workflow) error {
	req := PlanRequest{
		WorkflowID:         w.ID,
		Project:            w.Project,
		Goal:               w.Metadata.Goal,
		Hint:               w.Metadata.PlanningHint,
		Iteration:          w.Metadata.CurrentIteration,
		ErrorContext:       append([]string(nil), w.Metadata.ErrorContext...),
		AccumulatedContext: append([]string(nil), w.Metadata.AccumulatedContext...),
	}

	var plan *PlanResult
	err := e.withRetries(ctx, w, func() error {
		var planErr error
		plan, planErr = e.agent.Plan(ctx, req)
		return planErr
	})
	if err != nil {
		return e.fail(ctx, w, "planning_failed", err.Error())
	}

	w.RecordAgentRun(plan.RunID)
	e.publish(w, bus.TypePlanCreated, map[string]any{
		"agent_run_id": plan.RunID,
		"summary":      plan.Summary,
		"iteration":    w.Metadata.CurrentIteration,
	})

	trigger := "auto_confirm"
	if !e.opts.AutoConfirm {
		if _, err := e.awaitEvent(ctx, o, func(ev bus.Event) bool {
			confirm, _ := ev.Payload["confirm_plan"].(bool)
			return confirm
		}); err != nil {
			return err
		}
		trigger = "plan_confirmed"
	}
	return e.transition(ctx, w, StateCoding, trigger, map[string]any{"agent_run_id": plan.RunID})
}

// stateCoding asks the agent to implement the plan and resolves the PR
// number, either from the agent's answer or from a pr.opened webhook. The
// returned flag reports whether a webhook supplied the number.
func (e *Engine) stateCoding(ctx context.Context, o *owner, w *Workflow) (bool, error) {
	req := CodeRequest{
		WorkflowID: w.ID,
		Project:    w.Project,
		Repository: w.Repository,
		PlanRunID:  w.Metadata.AgentRunID,
		Iteration:  w.Metadata.CurrentIteration,
	}

	var code *CodeResult
	err := e.withRetries(ctx, w, func() error {
		var codeErr error
		code, codeErr = e.agent.Code(ctx, req)
		return codeErr
	})
	if err != nil {
		return false, e.fail(ctx, w, "coding_failed", err.Error())
	}
	w.RecordAgentRun(code.RunID)

	if code.PRNumber > 0 {
		w.RecordPR(code.PRNumber)
		return false, e.transition(ctx, w, StatePRCreated, "agent_pr",
			map[string]any{"pr_number": code.PRNumber})
	}

	ev, err := e.awaitEvent(ctx, o, func(ev bus.Event) bool {
		return ev.Type == bus.TypePROpened && eventPRNumber(ev) > 0
	})
	if err != nil {
		return false, err
	}
	number := eventPRNumber(ev)
	w.RecordPR(number)
	return true, e.transition(ctx, w, StatePRCreated, bus.TypePROpened,
		map[string]any{"pr_number": number})
}

// statePRCreated waits for the code-host webhook matching the current PR,
// then enters validation. When the PR number itself arrived by webhook,
// that webhook already is the trigger.
func (e *Engine) statePRCreated(ctx context.Context, o *owner, w *Workflow, webhookSeen bool) error {
	if !webhookSeen {
		if _, err := e.awaitEvent(ctx, o, func(ev bus.Event) bool {
			return eventPRNumber(ev) == w.Metadata.PRNumber
		}); err != nil {
			return err
		}
	}
	return e.transition(ctx, w, StateValidating, "pr_webhook",
		map[string]any{"pr_number": w.Metadata.PRNumber})
}

// stateValidating runs one pipeline episode and reduces its verdict into
// the next transition.
func (e *Engine) stateValidating(ctx context.Context, w *Workflow) error {
	w.Metadata.ValidationAttempts++

	res, err := e.validator.Validate(ctx, w)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return e.iterateOrFail(ctx, w, "validation_error", []string{err.Error()})
	}
	if res.Cause == "cancelled" {
		return context.Canceled
	}

	// Steps may report completion facts (pr_merged, tests_passing, ...)
	// under the "facts" output key; fold them into the workflow context
	// for the requirements predicate.
	for _, sr := range res.Steps {
		if facts, ok := sr.Output["facts"].(map[string]any); ok {
			for k, v := range facts {
				w.SetFact(k, v)
			}
		}
	}

	switch res.Outcome {
	case pipeline.OutcomeSuccess, pipeline.OutcomeWarning:
		w.SetFact("validation_passed", true)
		score, met, reqErr := e.reqs.Evaluate(w.Context)
		if reqErr != nil {
			return e.iterateOrFail(ctx, w, "requirements_error", []string{reqErr.Error()})
		}
		if met {
			if err := e.transition(ctx, w, StateCompleted, "requirements_met",
				map[string]any{"score": score}); err != nil {
				return err
			}
			e.publish(w, bus.TypeWorkflowCompleted, map[string]any{
				"iteration": w.Metadata.CurrentIteration,
				"pr_number": w.Metadata.PRNumber,
				"score":     score,
			})
			return nil
		}
		return e.iterateOrFail(ctx, w, "requirements_unmet", nil)
	default:
		w.SetFact("validation_passed", false)
		return e.iterateOrFail(ctx, w, res.Cause, stepFailures(res))
	}
}

// iterateOrFail re-enters planning when the iteration cap allows, otherwise
// terminates the workflow with the iteration_cap cause.
func (e *Engine) iterateOrFail(ctx context.Context, w *Workflow, cause string, failures []string) error {
	if w.Metadata.CurrentIteration < w.Metadata.MaxIterations {
		summary := iterationSummary(w, cause)
		if err := e.transition(ctx, w, StatePlanning, "iterate",
			map[string]any{"cause": cause}); err != nil {
			return err
		}
		w.BeginIteration(summary, failures)
		return e.persist(ctx, w)
	}
	return e.fail(ctx, w, "iteration_cap", cause)
}

// fail terminates the workflow and publishes the failure event.
func (e *Engine) fail(ctx context.Context, w *Workflow, cause, message string) error {
	if err := e.transition(ctx, w, StateFailed, cause, map[string]any{"message": message}); err != nil {
		return err
	}
	e.publish(w, bus.TypeWorkflowFailed, map[string]any{
		"cause":     cause,
		"message":   message,
		"iteration": w.Metadata.CurrentIteration,
	})
	return nil
}

// finishCancelled applies the CANCELLED edge after the owner context died.
func (e *Engine) finishCancelled(w *Workflow, logger *slog.Logger) {
	if w.State.Terminal() {
		return
	}
	if err := w.Apply(StateCancelled, "cancel", nil); err != nil {
		logger.Error("cancel transition rejected", "error", err)
		return
	}
	// The owner context is gone; persist on a fresh deadline.
	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.persist(persistCtx, w); err != nil {
		logger.Error("persisting cancelled workflow", "error", err)
	}
	e.publishTransition(w)
	logger.Info("workflow cancelled", "iteration", w.Metadata.CurrentIteration)
}

// transition applies the edge, persists, and publishes state_changed.
func (e *Engine) transition(ctx context.Context, w *Workflow, to State, trigger string, metadata map[string]any) error {
	if err := w.Apply(to, trigger, metadata); err != nil {
		return err
	}
	if err := e.persist(ctx, w); err != nil {
		return err
	}
	e.publishTransition(w)
	return nil
}

func (e *Engine) persist(ctx context.Context, w *Workflow) error {
	if err := e.store.Update(ctx, w); err != nil {
		return errors.Wrapf(err, "persisting workflow %s", w.ID)
	}
	return nil
}

func (e *Engine) publishTransition(w *Workflow) {
	last := w.History[len(w.History)-1]
	e.publish(w, bus.TypeWorkflowStateChanged, map[string]any{
		"from":      string(last.From),
		"to":        string(last.To),
		"trigger":   last.Trigger,
		"iteration": w.Metadata.CurrentIteration,
	})
}

func (e *Engine) publish(w *Workflow, eventType string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["workflow_id"] = w.ID
	payload["project"] = w.Project
	e.bus.Publish(bus.Event{
		Type:          eventType,
		Source:        "workflow",
		CorrelationID: w.ID,
		Payload:       payload,
	})
}

// awaitEvent blocks on the inbox until an event passes the predicate.
func (e *Engine) awaitEvent(ctx context.Context, o *owner, match func(bus.Event) bool) (bus.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return bus.Event{}, ctx.Err()
		case ev := <-o.inbox:
			if match(ev) {
				return ev, nil
			}
		}
	}
}

// withRetries runs fn under the per-state retry policy: fixed delay, cap
// from options, permanent errors surface immediately.
func (e *Engine) withRetries(ctx context.Context, w *Workflow, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if w.StateRetries >= e.opts.StateRetries || !errors.IsRetryable(err) {
			return err
		}
		w.StateRetries++
		e.logger.Warn("state action failed, retrying",
			"workflow_id", w.ID,
			"state", w.State,
			"retry", w.StateRetries,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.opts.RetryDelay):
		}
	}
}

func eventPRNumber(ev bus.Event) int {
	switch v := ev.Payload["pr_number"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func iterationSummary(w *Workflow, cause string) string {
	return fmt.Sprintf("iteration %d: validation %s for PR #%d",
		w.Metadata.CurrentIteration, cause, w.Metadata.PRNumber)
}

func stepFailures(res *pipeline.Result) []string {
	var out []string
	for name, sr := range res.Steps {
		if sr.Error != "" {
			out = append(out, name+": "+sr.Error)
		}
	}
	return out
}
