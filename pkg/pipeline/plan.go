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

// Package pipeline runs declarative validation plans inside a sandbox,
// publishing progress through the event bus and producing a verdict.
package pipeline

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/agentci/agentci/pkg/errors"
)

// StepType identifies a validation step handler.
type StepType string

// The closed set of validation step types.
const (
	StepSnapshotCreation StepType = "snapshot_creation"
	StepSourceClone      StepType = "source_clone"
	StepDeployment       StepType = "deployment"
	StepHealthCheck      StepType = "health_check"
	StepWebEvaluation    StepType = "web_evaluation"
	StepCodeAnalysis     StepType = "code_analysis"
	StepSecurityScan     StepType = "security_scan"
	StepCleanup          StepType = "cleanup"
)

var knownStepTypes = map[StepType]bool{
	StepSnapshotCreation: true,
	StepSourceClone:      true,
	StepDeployment:       true,
	StepHealthCheck:      true,
	StepWebEvaluation:    true,
	StepCodeAnalysis:     true,
	StepSecurityScan:     true,
	StepCleanup:          true,
}

// Valid reports whether the step type belongs to the closed set.
func (t StepType) Valid() bool { return knownStepTypes[t] }

// PlanStep is one typed step of a validation plan.
type PlanStep struct {
	// Type selects the handler.
	Type StepType `yaml:"type" json:"type"`

	// Name is unique within the plan and keys the step's result.
	Name string `yaml:"name" json:"name"`

	// Config is handler-specific configuration.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// Order determines execution position; steps run in ascending order.
	Order int `yaml:"order" json:"order"`

	// Optional steps may fail without failing the pipeline.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`

	// Condition optionally gates the step: an expression over the run
	// parameters. The step runs when it evaluates true and is skipped
	// otherwise.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Timeout bounds the step. Zero selects the executor default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retries is delegated to the step scheduler.
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// Plan is an ordered, declarative validation plan.
type Plan struct {
	Name  string     `yaml:"name" json:"name"`
	Steps []PlanStep `yaml:"steps" json:"steps"`
}

// ParsePlan decodes and validates a YAML plan document.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "parsing validation plan")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPlan reads and parses a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading validation plan %s", path)
	}
	return ParsePlan(data)
}

// Validate checks the plan's structural invariants.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return &errors.ValidationError{
			Field:   "steps",
			Message: "plan has no steps",
		}
	}
	names := make(map[string]bool, len(p.Steps))
	for i, step := range p.Steps {
		if step.Name == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: "step name cannot be empty",
			}
		}
		if names[step.Name] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: fmt.Sprintf("duplicate step name %q", step.Name),
			}
		}
		names[step.Name] = true
		if !step.Type.Valid() {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("steps[%d].type", i),
				Message:    fmt.Sprintf("unknown step type %q", step.Type),
				Suggestion: "use one of the supported validation step types",
			}
		}
		if step.Condition != "" {
			if _, err := compileCondition(step.Condition); err != nil {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps[%d].condition", i),
					Message: fmt.Sprintf("invalid condition: %v", err),
				}
			}
		}
	}
	return nil
}

// compileCondition compiles a step gate expression. Undefined parameters
// evaluate as nil so conditions can reference optional inputs.
func compileCondition(src string) (*vm.Program, error) {
	return expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
}

// ordered returns the plan's steps sorted by ascending order number,
// stable on declaration position.
func (p *Plan) ordered() []PlanStep {
	out := make([]PlanStep, len(p.Steps))
	copy(out, p.Steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
