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
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentci/agentci/pkg/errors"
)

// Store persists workflows.
type Store interface {
	// Create stores a new workflow; the ID must be unused.
	Create(ctx context.Context, w *Workflow) error

	// Get retrieves a workflow by ID.
	Get(ctx context.Context, id string) (*Workflow, error)

	// Update overwrites an existing workflow.
	Update(ctx context.Context, w *Workflow) error

	// Delete removes a workflow by ID.
	Delete(ctx context.Context, id string) error

	// List returns workflows matching the query, newest first.
	List(ctx context.Context, q Query) ([]*Workflow, error)
}

// Query filters List results. Zero fields match everything.
type Query struct {
	State   State
	Project string
	Limit   int
	Offset  int
}

func (q Query) matches(w *Workflow) bool {
	if q.State != "" && w.State != q.State {
		return false
	}
	if q.Project != "" && w.Project != q.Project {
		return false
	}
	return true
}

// MemoryStore is a thread-safe in-memory Store for tests and
// single-instance runs without persistence.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*Workflow)}
}

func (s *MemoryStore) Create(ctx context.Context, w *Workflow) error {
	if err := validateWorkflow(w); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[w.ID]; exists {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("workflow %s already exists", w.ID),
			Suggestion: "use a unique workflow ID or call Update",
		}
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = now
	}
	if w.State == "" {
		w.State = StateIdle
	}
	s.workflows[w.ID] = copyWorkflow(w)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Workflow, error) {
	if id == "" {
		return nil, &errors.ValidationError{Field: "id", Message: "workflow ID cannot be empty"}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return copyWorkflow(w), nil
}

func (s *MemoryStore) Update(ctx context.Context, w *Workflow) error {
	if err := validateWorkflow(w); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.ID]; !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: w.ID}
	}
	w.UpdatedAt = time.Now()
	s.workflows[w.ID] = copyWorkflow(w)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	delete(s.workflows, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, q Query) ([]*Workflow, error) {
	s.mu.RLock()
	var out []*Workflow
	for _, w := range s.workflows {
		if q.matches(w) {
			out = append(out, copyWorkflow(w))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, q), nil
}

func paginate(list []*Workflow, q Query) []*Workflow {
	if q.Offset > 0 {
		if q.Offset >= len(list) {
			return nil
		}
		list = list[q.Offset:]
	}
	if q.Limit > 0 && len(list) > q.Limit {
		list = list[:q.Limit]
	}
	return list
}

func validateWorkflow(w *Workflow) error {
	if w == nil {
		return &errors.ValidationError{Field: "workflow", Message: "workflow cannot be nil"}
	}
	if w.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "workflow ID cannot be empty"}
	}
	return nil
}

// copyWorkflow deep-copies through the redacting JSON round trip, so stored
// records never retain credential-shaped context values.
func copyWorkflow(w *Workflow) *Workflow {
	data, err := json.Marshal(w)
	if err != nil {
		// Workflow contains only JSON-encodable fields.
		panic(err)
	}
	var clone Workflow
	if err := json.Unmarshal(data, &clone); err != nil {
		panic(err)
	}
	return &clone
}
