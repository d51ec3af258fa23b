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

package scheduler

import (
	"fmt"
	"sort"

	"github.com/agentci/agentci/pkg/errors"
)

// buildLayers validates the dependency graph and returns its topological
// layers: layer k contains every step whose dependencies all live in layers
// < k. Steps within a layer are sorted lexicographically by ID.
func buildLayers(steps []StepDefinition) ([][]string, error) {
	byID := make(map[string]*StepDefinition, len(steps))
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return nil, &errors.ValidationError{
				Field:   "id",
				Message: "step ID cannot be empty",
			}
		}
		if _, dup := byID[step.ID]; dup {
			return nil, &errors.ValidationError{
				Field:   "id",
				Message: fmt.Sprintf("duplicate step ID %q", step.ID),
			}
		}
		byID[step.ID] = step
	}

	for _, step := range byID {
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, &errors.ValidationError{
					Field:      "depends_on",
					Message:    fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep),
					Suggestion: "declare the dependency as a step or remove it",
				}
			}
			if dep == step.ID {
				return nil, &errors.CycleError{Steps: []string{step.ID}}
			}
		}
	}

	// Kahn's algorithm by levels. Whatever remains when no step has
	// in-degree zero is the cycle.
	indegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for id, step := range byID {
		indegree[id] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var layers [][]string
	remaining := len(byID)
	for remaining > 0 {
		var layer []string
		for id, deg := range indegree {
			if deg == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			var cycle []string
			for id, deg := range indegree {
				if deg > 0 {
					cycle = append(cycle, id)
				}
			}
			sort.Strings(cycle)
			return nil, &errors.CycleError{Steps: cycle}
		}
		sort.Strings(layer)
		for _, id := range layer {
			delete(indegree, id)
			for _, dependent := range dependents[id] {
				indegree[dependent]--
			}
		}
		remaining -= len(layer)
		layers = append(layers, layer)
	}

	return layers, nil
}
