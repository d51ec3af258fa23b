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

package daemon

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/agentci/agentci/pkg/bus"
	"github.com/agentci/agentci/pkg/errors"
	"github.com/agentci/agentci/pkg/workflow"
)

const defaultListLimit = 50

// workflowAPI exposes workflow management over HTTP: create-and-start, get,
// list, cancel. Workflow JSON goes through the redacting marshaler, so
// credential material never leaves this surface.
type workflowAPI struct {
	engine *workflow.Engine
	store  workflow.Store
	bus    *bus.Bus
	logger *slog.Logger
}

type createWorkflowBody struct {
	Project       string         `json:"project"`
	Repository    string         `json:"repository"`
	Goal          string         `json:"goal"`
	Hint          string         `json:"hint,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

func (a *workflowAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createWorkflowBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	wf, err := a.engine.Create(r.Context(), workflow.CreateRequest{
		Project:       body.Project,
		Repository:    body.Repository,
		Goal:          body.Goal,
		PlanningHint:  body.Hint,
		MaxIterations: body.MaxIterations,
		Context:       body.Context,
	})
	if err != nil {
		var verr *errors.ValidationError
		if errors.As(err, &verr) {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error("workflow create failed", "error", err)
		httpError(w, http.StatusInternalServerError, "cannot create workflow")
		return
	}

	if err := a.engine.Start(r.Context(), wf.ID); err != nil {
		a.logger.Warn("workflow start refused", "workflow_id", wf.ID, "error", err)
		httpError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"workflow_id": wf.ID,
		"project":     wf.Project,
		"state":       wf.State,
	})
}

func (a *workflowAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := a.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		var nfe *errors.NotFoundError
		if errors.As(err, &nfe) {
			httpError(w, http.StatusNotFound, err.Error())
			return
		}
		a.logger.Error("workflow read failed", "error", err)
		httpError(w, http.StatusInternalServerError, "cannot read workflow")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (a *workflowAPI) handleList(w http.ResponseWriter, r *http.Request) {
	q := workflow.Query{
		Project: r.URL.Query().Get("project"),
		State:   workflow.State(r.URL.Query().Get("state")),
		Limit:   defaultListLimit,
	}
	workflows, err := a.store.List(r.Context(), q)
	if err != nil {
		a.logger.Error("workflow list failed", "error", err)
		httpError(w, http.StatusInternalServerError, "cannot list workflows")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// handleCancel requests cancellation through the bus so the owning
// goroutine preempts whatever it is doing, including an in-flight pipeline.
func (a *workflowAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := a.store.Get(r.Context(), id)
	if err != nil {
		var nfe *errors.NotFoundError
		if errors.As(err, &nfe) {
			httpError(w, http.StatusNotFound, err.Error())
			return
		}
		a.logger.Error("workflow read failed", "error", err)
		httpError(w, http.StatusInternalServerError, "cannot read workflow")
		return
	}
	if wf.State.Terminal() {
		httpError(w, http.StatusConflict, "workflow already terminal")
		return
	}

	a.bus.Publish(bus.Event{
		Type:    bus.TypeWorkflowCancel,
		Source:  "api",
		Payload: map[string]any{"workflow_id": id, "project": wf.Project},
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"workflow_id": id,
		"status":      "cancelling",
	})
}

// handleConfirm approves the current plan of a workflow waiting in
// PLANNING. With auto-confirmation on this is a no-op event.
func (a *workflowAPI) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := a.store.Get(r.Context(), id)
	if err != nil {
		var nfe *errors.NotFoundError
		if errors.As(err, &nfe) {
			httpError(w, http.StatusNotFound, err.Error())
			return
		}
		a.logger.Error("workflow read failed", "error", err)
		httpError(w, http.StatusInternalServerError, "cannot read workflow")
		return
	}
	if wf.State.Terminal() {
		httpError(w, http.StatusConflict, "workflow already terminal")
		return
	}

	a.bus.Publish(bus.Event{
		Type:          bus.TypePlanConfirm,
		Source:        "api",
		CorrelationID: id,
		Payload: map[string]any{
			"workflow_id":  id,
			"project":      wf.Project,
			"confirm_plan": true,
		},
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"workflow_id": id,
		"status":      "confirming",
	})
}
