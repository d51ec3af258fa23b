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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentci/agentci/internal/tracing"
	"github.com/agentci/agentci/pkg/bus"
)

const signatureHeader = "X-Hub-Signature-256"

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// webhookHandler translates code-host webhooks into bus events. With a
// secret configured, payloads must carry a valid HMAC-SHA256 signature.
type webhookHandler struct {
	bus    *bus.Bus
	secret string
	logger *slog.Logger
}

type pullRequestBody struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	HeadSHA    string `json:"head_sha"`
	BaseBranch string `json:"base_branch"`
	HeadBranch string `json:"head_branch"`
}

type prValidationBody struct {
	Repository       string           `json:"repository"`
	PullRequest      *pullRequestBody `json:"pull_request"`
	ValidationConfig map[string]any   `json:"validation_config,omitempty"`
}

type prUpdateBody struct {
	Repository  string           `json:"repository"`
	PullRequest *pullRequestBody `json:"pull_request"`
	Action      string           `json:"action"`
}

func (h *webhookHandler) handlePRValidation(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readVerified(w, r)
	if !ok {
		return
	}

	var req prValidationBody
	if err := json.Unmarshal(body, &req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Repository == "" || req.PullRequest == nil || req.PullRequest.Number <= 0 {
		httpError(w, http.StatusBadRequest, "repository and pull_request.number are required")
		return
	}

	validationID := uuid.New().String()
	payload := map[string]any{
		"validation_id": validationID,
		"repository":    req.Repository,
		"project":       projectFromRepository(req.Repository),
		"pr_number":     req.PullRequest.Number,
		"pr_title":      req.PullRequest.Title,
		"head_sha":      req.PullRequest.HeadSHA,
		"base_branch":   req.PullRequest.BaseBranch,
		"head_branch":   req.PullRequest.HeadBranch,
	}
	if len(req.ValidationConfig) > 0 {
		payload["validation_config"] = req.ValidationConfig
	}
	corr, _ := tracing.ExtractFromRequest(r)
	h.bus.Publish(bus.Event{
		Type:          bus.TypePROpened,
		Source:        "webhook",
		CorrelationID: corr.String(),
		Payload:       payload,
	})

	h.logger.Info("pr validation webhook accepted",
		"repository", req.Repository,
		"pr_number", req.PullRequest.Number,
		"validation_id", validationID,
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "accepted",
		"validation_id": validationID,
		"repository":    req.Repository,
		"pr_number":     req.PullRequest.Number,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *webhookHandler) handlePRUpdate(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readVerified(w, r)
	if !ok {
		return
	}

	var req prUpdateBody
	if err := json.Unmarshal(body, &req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Repository == "" || req.PullRequest == nil || req.PullRequest.Number <= 0 || req.Action == "" {
		httpError(w, http.StatusBadRequest, "repository, pull_request.number, and action are required")
		return
	}

	corr, _ := tracing.ExtractFromRequest(r)
	h.bus.Publish(bus.Event{
		Type:          bus.TypePRUpdated,
		Source:        "webhook",
		CorrelationID: corr.String(),
		Payload: map[string]any{
			"repository": req.Repository,
			"project":    projectFromRepository(req.Repository),
			"pr_number":  req.PullRequest.Number,
			"action":     req.Action,
			"head_sha":   req.PullRequest.HeadSHA,
		},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "accepted",
		"action":    req.Action,
		"pr_number": req.PullRequest.Number,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readVerified reads the body and, when a secret is configured, checks the
// request's HMAC signature. Writes the error response itself on failure.
func (h *webhookHandler) readVerified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httpError(w, http.StatusBadRequest, "cannot read request body")
		return nil, false
	}
	if h.secret == "" {
		return body, true
	}

	sig := strings.TrimPrefix(r.Header.Get(signatureHeader), "sha256=")
	if sig == "" || !validSignature(body, h.secret, sig) {
		h.logger.Warn("webhook signature rejected", "path", r.URL.Path)
		httpError(w, http.StatusUnauthorized, "invalid webhook signature")
		return nil, false
	}
	return body, true
}

func validSignature(body []byte, secret, gotHex string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(gotHex)))
}

// projectFromRepository maps "owner/name" to the project name "name".
// Projects are keyed by repository name; the webhook is the only place the
// mapping happens.
func projectFromRepository(repo string) string {
	if i := strings.LastIndexByte(repo, '/'); i >= 0 {
		return repo[i+1:]
	}
	return repo
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
