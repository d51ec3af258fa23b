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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentci/agentci/internal/config"
	"github.com/agentci/agentci/pkg/bus"
)

func newTestDaemon(t *testing.T, mutate func(*config.Config)) *Daemon {
	t.Helper()
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.WorkspaceRoot = t.TempDir()
	// Never dialed unless a workflow actually runs a planning call.
	cfg.AgentURL = "http://127.0.0.1:1"
	if mutate != nil {
		mutate(cfg)
	}

	d, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return d
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp, decoded
}

func TestDaemon_WebhookPublishesEvent(t *testing.T) {
	d := newTestDaemon(t, nil)
	sub := d.Bus().Subscribe(bus.Filter{Types: []string{bus.TypePROpened}})
	defer d.Bus().Unsubscribe(sub)

	resp, body := postJSON(t, "http://"+d.Addr()+"/webhooks/pr-validation", validationBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, body)
	}
	if body["status"] != "accepted" || body["pr_number"] != float64(7) {
		t.Errorf("response wrong: %v", body)
	}

	select {
	case ev := <-sub.Events():
		if ev.Payload["project"] != "shop" {
			t.Errorf("payload wrong: %v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pr.opened never published")
	}
}

func TestDaemon_Healthz(t *testing.T) {
	d := newTestDaemon(t, nil)

	resp, err := http.Get("http://" + d.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestDaemon_Metrics(t *testing.T) {
	d := newTestDaemon(t, nil)
	d.Bus().Publish(bus.Event{Type: bus.TypeNotification, Source: "test"})

	resp, err := http.Get("http://" + d.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("reading metrics: %v", err)
	}
	if !strings.Contains(buf.String(), "agentci_bus_events_published_total") {
		t.Error("bus counters missing from /metrics")
	}
}

// readFrame returns the JSON of the next "data:" line, skipping heartbeats.
func readFrame(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("decoding frame %q: %v", line, err)
		}
		return frame
	}
}

func TestDaemon_EventStream(t *testing.T) {
	d := newTestDaemon(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://"+d.Addr()+"/events/stream?project=shop&echo=ping", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if frame := readFrame(t, r); frame["type"] != "connection_established" {
		t.Fatalf("first frame = %v", frame)
	}
	if frame := readFrame(t, r); frame["type"] != "echo" || frame["message"] != "ping" {
		t.Fatalf("echo frame = %v", frame)
	}

	// An event for another project must not reach this client.
	d.Bus().Publish(bus.Event{Type: bus.TypeNotification, Source: "test",
		Payload: map[string]any{"project": "other", "message": "skip me"}})
	d.Bus().Publish(bus.Event{Type: bus.TypeProgressUpdate, Source: "test",
		Payload: map[string]any{"project": "shop", "progress": 40}})

	frame := readFrame(t, r)
	if frame["type"] != "progress_update" || frame["project"] != "shop" || frame["progress"] != float64(40) {
		t.Fatalf("frame = %v", frame)
	}
}

func TestDaemon_WorkflowAPI(t *testing.T) {
	d := newTestDaemon(t, nil)
	base := "http://" + d.Addr()

	resp, body := postJSON(t, base+"/workflows", `{"project": "shop", "repository": "acme/shop", "goal": "fix checkout"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %v", resp.StatusCode, body)
	}
	id, _ := body["workflow_id"].(string)
	if id == "" {
		t.Fatalf("no workflow_id in %v", body)
	}

	getResp, err := http.Get(base + "/workflows/" + id)
	if err != nil {
		t.Fatalf("GET workflow: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}
	var wf map[string]any
	if err := json.NewDecoder(getResp.Body).Decode(&wf); err != nil {
		t.Fatalf("decoding workflow: %v", err)
	}
	if wf["project"] != "shop" {
		t.Errorf("workflow = %v", wf)
	}

	listResp, err := http.Get(base + "/workflows?project=shop")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	defer listResp.Body.Close()
	var list map[string]any
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if list["count"] != float64(1) {
		t.Errorf("list = %v", list)
	}

	cancelResp, cancelBody := postJSON(t, base+"/workflows/"+id+"/cancel", `{}`)
	if cancelResp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d: %v", cancelResp.StatusCode, cancelBody)
	}

	missing, err := http.Get(base + "/workflows/no-such-id")
	if err != nil {
		t.Fatalf("GET missing: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing workflow status = %d, want 404", missing.StatusCode)
	}
}

func TestDaemon_ConfirmEndpoint(t *testing.T) {
	d := newTestDaemon(t, func(cfg *config.Config) { cfg.AutoConfirmPlans = false })
	base := "http://" + d.Addr()
	sub := d.Bus().Subscribe(bus.Filter{Types: []string{bus.TypePlanConfirm}})
	defer d.Bus().Unsubscribe(sub)

	resp, body := postJSON(t, base+"/workflows", `{"project": "shop", "repository": "acme/shop", "goal": "fix checkout"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %v", resp.StatusCode, body)
	}
	id, _ := body["workflow_id"].(string)

	confirmResp, confirmBody := postJSON(t, base+"/workflows/"+id+"/confirm", `{}`)
	if confirmResp.StatusCode != http.StatusAccepted {
		t.Fatalf("confirm status = %d: %v", confirmResp.StatusCode, confirmBody)
	}
	if confirmBody["status"] != "confirming" {
		t.Errorf("response = %v", confirmBody)
	}

	select {
	case ev := <-sub.Events():
		if ev.Payload["workflow_id"] != id || ev.Payload["confirm_plan"] != true {
			t.Errorf("confirm event payload wrong: %v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("plan.confirm never published")
	}

	missing, missingBody := postJSON(t, base+"/workflows/no-such-id/confirm", `{}`)
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing workflow confirm status = %d, want 404: %v", missing.StatusCode, missingBody)
	}
}

func TestDaemon_CreateWorkflow_MissingGoal(t *testing.T) {
	d := newTestDaemon(t, nil)

	resp, _ := postJSON(t, "http://"+d.Addr()+"/workflows", `{"project": "shop", "repository": "acme/shop"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDaemon_AuditTrail(t *testing.T) {
	root := ""
	d := newTestDaemon(t, func(cfg *config.Config) { root = cfg.WorkspaceRoot })
	d.Bus().Publish(bus.Event{
		Type:    bus.TypeNotification,
		Source:  "test",
		Payload: map[string]any{"message": "hello", "api_key": "sk-secret"},
	})

	path := filepath.Join(root, "audit.jsonl")
	deadline := time.Now().Add(2 * time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil && bytes.Contains(data, []byte(`"notification"`)) {
			if bytes.Contains(data, []byte("sk-secret")) {
				t.Fatal("credential leaked into audit log")
			}
			if !bytes.Contains(data, []byte("[REDACTED]")) {
				t.Error("sensitive key not redacted in audit log")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit record never written: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNew_RequiresAgentURL(t *testing.T) {
	cfg := config.Default()
	cfg.WorkspaceRoot = t.TempDir()
	cfg.AgentURL = ""
	if _, err := New(cfg, discardLogger()); err == nil {
		t.Fatal("missing agent URL must fail")
	}
}
