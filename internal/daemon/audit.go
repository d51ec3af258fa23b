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
	"os"
	"sync"

	"github.com/agentci/agentci/pkg/bus"
)

// AuditSink appends every bus event to a JSONL file, one event per line.
// Events reach it post-redaction, so credential material never lands in the
// audit log.
type AuditSink struct {
	file   *os.File
	sub    *bus.Subscription
	bus    *bus.Bus
	logger *slog.Logger
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewAuditSink opens (appending) the audit file and starts consuming the
// full event stream.
func NewAuditSink(path string, b *bus.Bus, logger *slog.Logger) (*AuditSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &AuditSink{
		file:   f,
		sub:    b.Subscribe(bus.Filter{}),
		bus:    b,
		logger: logger.With("component", "audit"),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *AuditSink) run() {
	defer close(s.done)
	enc := json.NewEncoder(s.file)
	for ev := range s.sub.Events() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if err := enc.Encode(ev); err != nil {
			s.logger.Warn("audit write failed", "error", err)
		}
		s.mu.Unlock()
	}
}

// Close detaches from the bus, drains the queue, and closes the file.
// Idempotent.
func (s *AuditSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.bus.Unsubscribe(s.sub)
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
