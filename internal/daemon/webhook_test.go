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
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentci/agentci/internal/tracing"
	"github.com/agentci/agentci/pkg/bus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWebhookHandler(secret string) (*webhookHandler, *bus.Bus) {
	b := bus.New(bus.Options{Logger: discardLogger()})
	return &webhookHandler{bus: b, secret: secret, logger: discardLogger()}, b
}

const validationBody = `{
	"repository": "acme/shop",
	"pull_request": {"number": 7, "title": "fix checkout", "head_sha": "abc123", "base_branch": "main", "head_branch": "fix/checkout"},
	"validation_config": {"suite": "full"}
}`

func TestHandlePRValidation(t *testing.T) {
	h, b := newWebhookHandler("")
	defer b.Close()
	sub := b.Subscribe(bus.Filter{Types: []string{bus.TypePROpened}})

	rec := httptest.NewRecorder()
	h.handlePRValidation(rec, httptest.NewRequest(http.MethodPost, "/webhooks/pr-validation", strings.NewReader(validationBody)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["status"] != "accepted" || resp["repository"] != "acme/shop" || resp["pr_number"] != float64(7) {
		t.Errorf("response wrong: %v", resp)
	}
	if resp["validation_id"] == "" || resp["timestamp"] == "" {
		t.Errorf("response missing validation_id or timestamp: %v", resp)
	}

	ev := <-sub.Events()
	if ev.Type != bus.TypePROpened || ev.Source != "webhook" {
		t.Fatalf("event = %s from %s", ev.Type, ev.Source)
	}
	if ev.Payload["project"] != "shop" || ev.Payload["pr_number"] != 7 {
		t.Errorf("payload wrong: %v", ev.Payload)
	}
	if ev.Payload["head_branch"] != "fix/checkout" {
		t.Errorf("head_branch = %v", ev.Payload["head_branch"])
	}
}

func TestHandlePRValidation_MissingFields(t *testing.T) {
	h, b := newWebhookHandler("")
	defer b.Close()

	for name, body := range map[string]string{
		"no repository":   `{"pull_request": {"number": 7}}`,
		"no pull request": `{"repository": "acme/shop"}`,
		"zero pr number":  `{"repository": "acme/shop", "pull_request": {"number": 0}}`,
		"malformed":       `{`,
	} {
		rec := httptest.NewRecorder()
		h.handlePRValidation(rec, httptest.NewRequest(http.MethodPost, "/webhooks/pr-validation", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestHandlePRUpdate(t *testing.T) {
	h, b := newWebhookHandler("")
	defer b.Close()
	sub := b.Subscribe(bus.Filter{Types: []string{bus.TypePRUpdated}})

	body := `{"repository": "acme/shop", "pull_request": {"number": 7, "head_sha": "def456"}, "action": "synchronize"}`
	rec := httptest.NewRecorder()
	h.handlePRUpdate(rec, httptest.NewRequest(http.MethodPost, "/webhooks/pr-update", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["action"] != "synchronize" || resp["pr_number"] != float64(7) {
		t.Errorf("response wrong: %v", resp)
	}

	ev := <-sub.Events()
	if ev.Payload["action"] != "synchronize" || ev.Payload["project"] != "shop" {
		t.Errorf("payload wrong: %v", ev.Payload)
	}
}

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookSignature(t *testing.T) {
	h, b := newWebhookHandler("s3cret")
	defer b.Close()

	// Missing signature.
	rec := httptest.NewRecorder()
	h.handlePRValidation(rec, httptest.NewRequest(http.MethodPost, "/webhooks/pr-validation", strings.NewReader(validationBody)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing signature: status = %d, want 401", rec.Code)
	}

	// Wrong secret.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/pr-validation", strings.NewReader(validationBody))
	req.Header.Set(signatureHeader, sign(validationBody, "wrong"))
	rec = httptest.NewRecorder()
	h.handlePRValidation(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad signature: status = %d, want 401", rec.Code)
	}

	// Valid signature.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/pr-validation", strings.NewReader(validationBody))
	req.Header.Set(signatureHeader, sign(validationBody, "s3cret"))
	rec = httptest.NewRecorder()
	h.handlePRValidation(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid signature: status = %d, want 200", rec.Code)
	}
}

func TestWebhookCorrelationHeader(t *testing.T) {
	h, b := newWebhookHandler("")
	defer b.Close()
	sub := b.Subscribe(bus.Filter{Types: []string{bus.TypePROpened}})

	// A valid inbound correlation ID is carried onto the bus event.
	id := "6f1f7b3a-9c3e-4d2a-8f5b-1a2b3c4d5e6f"
	req := httptest.NewRequest(http.MethodPost, "/webhooks/pr-validation", strings.NewReader(validationBody))
	req.Header.Set(tracing.HeaderCorrelationID, id)
	rec := httptest.NewRecorder()
	h.handlePRValidation(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	ev := <-sub.Events()
	if ev.CorrelationID != id {
		t.Errorf("event correlation = %q, want %q", ev.CorrelationID, id)
	}

	// Non-UUID values are rejected rather than echoed into events.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/pr-validation", strings.NewReader(validationBody))
	req.Header.Set(tracing.HeaderCorrelationID, "<script>junk</script>")
	rec = httptest.NewRecorder()
	h.handlePRValidation(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	ev = <-sub.Events()
	if ev.CorrelationID != "" {
		t.Errorf("invalid header must not set correlation, got %q", ev.CorrelationID)
	}
}

func TestProjectFromRepository(t *testing.T) {
	cases := map[string]string{
		"acme/shop":     "shop",
		"shop":          "shop",
		"org/team/repo": "repo",
	}
	for repo, want := range cases {
		if got := projectFromRepository(repo); got != want {
			t.Errorf("projectFromRepository(%q) = %q, want %q", repo, got, want)
		}
	}
}
