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
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentci/agentci/pkg/bus"
)

const defaultHeartbeat = 15 * time.Second

// streamTypes are the bus event types pushed to stream clients.
var streamTypes = []string{
	bus.TypeNotification,
	bus.TypeProgressUpdate,
	bus.TypeStepCompleted,
	bus.TypeWorkflowStateChanged,
}

// streamHandler pushes bus events to clients as server-sent events.
// `?project=` scopes the stream to one project; `?echo=` asks for the
// message back as the first data frame, which clients use as a liveness
// probe.
type streamHandler struct {
	bus       *bus.Bus
	heartbeat time.Duration
	logger    *slog.Logger
}

func (h *streamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	project := r.URL.Query().Get("project")

	sub := h.bus.Subscribe(bus.Filter{Types: streamTypes})
	defer h.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	established := map[string]any{
		"type":      "connection_established",
		"timestamp": time.Now().UTC(),
	}
	if project != "" {
		established["project"] = project
	}
	if err := writeFrame(w, established); err != nil {
		return
	}
	if echo := r.URL.Query().Get("echo"); echo != "" {
		if err := writeFrame(w, map[string]any{
			"type":      "echo",
			"timestamp": time.Now().UTC(),
			"message":   echo,
		}); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := h.heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	h.logger.Debug("stream client connected", "project", project)
	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("stream client disconnected", "project", project)
			return

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if project != "" && ev.Payload["project"] != project {
				continue
			}
			if err := writeFrame(w, eventFrame(ev)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// eventFrame flattens a bus event into one JSON frame: payload fields plus
// type and timestamp. Payloads are already credential-redacted at publish.
func eventFrame(ev bus.Event) map[string]any {
	frame := make(map[string]any, len(ev.Payload)+3)
	for k, v := range ev.Payload {
		frame[k] = v
	}
	frame["type"] = ev.Type
	frame["timestamp"] = ev.Timestamp.UTC()
	if ev.CorrelationID != "" {
		frame["correlation_id"] = ev.CorrelationID
	}
	return frame
}

func writeFrame(w http.ResponseWriter, frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
