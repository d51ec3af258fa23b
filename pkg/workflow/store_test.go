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
	"path/filepath"
	"testing"
	"time"

	agencierrors "github.com/agentci/agentci/pkg/errors"
)

// storeUnderTest runs the shared Store contract tests against an
// implementation.
func storeUnderTest(t *testing.T, name string, open func(t *testing.T) Store) {
	t.Run(name+"/CreateGetUpdate", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		w := &Workflow{ID: "w1", Project: "demo", State: StateIdle,
			Metadata: Metadata{Goal: "add feature", CurrentIteration: 1, MaxIterations: 3}}
		if err := s.Create(ctx, w); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if err := s.Create(ctx, &Workflow{ID: "w1", Project: "demo"}); err == nil {
			t.Fatal("duplicate create must fail")
		}

		got, err := s.Get(ctx, "w1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.Metadata.Goal != "add feature" || got.State != StateIdle {
			t.Errorf("stored workflow wrong: %+v", got)
		}

		got.State = StatePlanning
		got.Metadata.CurrentIteration = 2
		if err := s.Update(ctx, got); err != nil {
			t.Fatalf("update failed: %v", err)
		}
		again, err := s.Get(ctx, "w1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if again.State != StatePlanning || again.Metadata.CurrentIteration != 2 {
			t.Errorf("update not persisted: %+v", again)
		}
	})

	t.Run(name+"/NotFound", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		var notFound *agencierrors.NotFoundError
		_, err := s.Get(ctx, "missing")
		if !agencierrors.As(err, &notFound) {
			t.Errorf("get: expected NotFoundError, got %v", err)
		}
		if err := s.Update(ctx, &Workflow{ID: "missing"}); !agencierrors.As(err, &notFound) {
			t.Errorf("update: expected NotFoundError, got %v", err)
		}
		if err := s.Delete(ctx, "missing"); !agencierrors.As(err, &notFound) {
			t.Errorf("delete: expected NotFoundError, got %v", err)
		}
	})

	t.Run(name+"/ListFilters", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		seed := []*Workflow{
			{ID: "a", Project: "p1", State: StateCompleted, CreatedAt: time.Now().Add(-3 * time.Hour)},
			{ID: "b", Project: "p1", State: StateValidating, CreatedAt: time.Now().Add(-2 * time.Hour)},
			{ID: "c", Project: "p2", State: StateValidating, CreatedAt: time.Now().Add(-1 * time.Hour)},
		}
		for _, w := range seed {
			if err := s.Create(ctx, w); err != nil {
				t.Fatalf("seed %s: %v", w.ID, err)
			}
		}

		all, err := s.List(ctx, Query{})
		if err != nil || len(all) != 3 {
			t.Fatalf("list all = %d, err %v", len(all), err)
		}
		if all[0].ID != "c" {
			t.Errorf("list should be newest first, got %s", all[0].ID)
		}

		validating, err := s.List(ctx, Query{State: StateValidating})
		if err != nil || len(validating) != 2 {
			t.Fatalf("state filter = %d, err %v", len(validating), err)
		}

		p1, err := s.List(ctx, Query{Project: "p1"})
		if err != nil || len(p1) != 2 {
			t.Fatalf("project filter = %d, err %v", len(p1), err)
		}

		limited, err := s.List(ctx, Query{Limit: 1, Offset: 1})
		if err != nil || len(limited) != 1 {
			t.Fatalf("pagination = %d, err %v", len(limited), err)
		}
		if limited[0].ID != "b" {
			t.Errorf("pagination order wrong: %s", limited[0].ID)
		}
	})

	t.Run(name+"/Delete", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if err := s.Create(ctx, &Workflow{ID: "w1", Project: "demo"}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if err := s.Delete(ctx, "w1"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := s.Get(ctx, "w1"); err == nil {
			t.Fatal("deleted workflow should be gone")
		}
	})

	t.Run(name+"/RedactsCredentialsAtRest", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		w := &Workflow{ID: "w1", Project: "demo",
			Context: map[string]any{"repo_token": "ghp_secret", "validation_passed": true}}
		if err := s.Create(ctx, w); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		got, err := s.Get(ctx, "w1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.Context["repo_token"] != "[REDACTED]" {
			t.Errorf("stored credential must be redacted, got %v", got.Context["repo_token"])
		}
		if got.Context["validation_passed"] != true {
			t.Error("non-sensitive context must survive storage")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, "memory", func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	storeUnderTest(t, "sqlite", func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "workflows.db"))
		if err != nil {
			t.Fatalf("opening sqlite store: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStore_CopyIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	w := &Workflow{ID: "w1", Project: "demo", Context: map[string]any{"k": "v"}}
	if err := s.Create(ctx, w); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	w.Context["k"] = "mutated"
	got, err := s.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Context["k"] != "v" {
		t.Error("store must not alias caller memory")
	}

	got.Project = "other"
	again, _ := s.Get(ctx, "w1")
	if again.Project != "demo" {
		t.Error("returned copies must not alias stored state")
	}
}
