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

package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentci/agentci/internal/tracing"
	agencierrors "github.com/agentci/agentci/pkg/errors"
	"github.com/agentci/agentci/pkg/workflow"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:       srv.URL,
		APIKey:        "sk-test-key",
		RetryDelay:    5 * time.Millisecond,
		RateLimit:     rate.Inf,
		RetryAttempts: 2,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c
}

func TestPlan(t *testing.T) {
	var gotAuth, gotCorrelation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		if r.URL.Path != "/v1/plan" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if body["goal"] != "add feature" || body["iteration"] != float64(2) {
			t.Errorf("request body wrong: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{"run_id": "r1", "summary": "the plan"})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	id := tracing.NewCorrelationID()
	ctx := tracing.ToContext(context.Background(), id)

	res, err := c.Plan(ctx, workflow.PlanRequest{
		WorkflowID: "w1", Project: "demo", Goal: "add feature", Iteration: 2,
	})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if res.RunID != "r1" || res.Summary != "the plan" {
		t.Errorf("reply wrong: %+v", res)
	}
	if gotAuth != "Bearer sk-test-key" {
		t.Errorf("authorization header = %q", gotAuth)
	}
	if gotCorrelation != id.String() {
		t.Errorf("correlation header = %q, want %s", gotCorrelation, id)
	}
}

func TestCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/code" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"run_id": "r2", "pr_number": 42})
	}))
	defer srv.Close()

	res, err := testClient(t, srv).Code(context.Background(), workflow.CodeRequest{
		WorkflowID: "w1", Project: "demo", PlanRunID: "r1",
	})
	if err != nil {
		t.Fatalf("code failed: %v", err)
	}
	if res.RunID != "r2" || res.PRNumber != 42 {
		t.Errorf("reply wrong: %+v", res)
	}
}

func TestPost_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"run_id": "r1"})
	}))
	defer srv.Close()

	_, err := testClient(t, srv).Plan(context.Background(), workflow.PlanRequest{Goal: "g"})
	if err != nil {
		t.Fatalf("plan should succeed after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestPost_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad goal", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).Plan(context.Background(), workflow.PlanRequest{Goal: "g"})
	if err == nil {
		t.Fatal("4xx must fail")
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not retry, got %d calls", calls.Load())
	}
	if agencierrors.IsRetryable(err) {
		t.Error("client error should be permanent")
	}
}

func TestPost_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).Plan(context.Background(), workflow.PlanRequest{Goal: "g"})
	if err == nil {
		t.Fatal("exhausted retries must fail")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls.Load())
	}
}

func TestPlan_MissingRunID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"summary": "no id"})
	}))
	defer srv.Close()

	if _, err := testClient(t, srv).Plan(context.Background(), workflow.PlanRequest{Goal: "g"}); err == nil {
		t.Fatal("reply without run_id must fail")
	}
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("missing base URL must fail")
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := testClient(t, srv).Health(context.Background()); err != nil {
		t.Fatalf("health failed: %v", err)
	}
}
