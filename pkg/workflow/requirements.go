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
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/agentci/agentci/pkg/errors"
)

// DefaultRequirementsThreshold is the score at which the loop closes.
const DefaultRequirementsThreshold = 0.8

// DefaultRequirementsExpr scores the four completion facts equally.
const DefaultRequirementsExpr = `(
	(pr_merged ? 1.0 : 0.0) +
	(tests_passing ? 1.0 : 0.0) +
	(validation_passed ? 1.0 : 0.0) +
	(deployment_successful ? 1.0 : 0.0)
) / 4.0`

// requirementsFacts are the inputs every requirements expression may read;
// absent workflow facts evaluate as false.
var requirementsFacts = []string{
	"pr_merged",
	"tests_passing",
	"validation_passed",
	"deployment_successful",
}

// Requirements is the pluggable completion predicate: a compiled scoring
// expression over workflow facts plus a closing threshold.
type Requirements struct {
	program   *vm.Program
	Threshold float64
}

// NewRequirements compiles a scoring expression. The expression must
// evaluate to a float in [0,1] over the requirements facts.
func NewRequirements(code string, threshold float64) (*Requirements, error) {
	if threshold <= 0 {
		threshold = DefaultRequirementsThreshold
	}
	program, err := expr.Compile(code, expr.AsFloat64())
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    "requirements_expression",
			Reason: "expression does not compile",
			Cause:  err,
		}
	}
	return &Requirements{program: program, Threshold: threshold}, nil
}

// DefaultRequirements returns the built-in heuristic: all four completion
// facts weighted equally, closing at 80%.
func DefaultRequirements() *Requirements {
	r, err := NewRequirements(DefaultRequirementsExpr, DefaultRequirementsThreshold)
	if err != nil {
		// The default expression is a constant; failing to compile it is
		// a programming error.
		panic(err)
	}
	return r
}

// Evaluate scores the workflow's context facts and reports whether the
// score meets the threshold.
func (r *Requirements) Evaluate(facts map[string]any) (float64, bool, error) {
	env := make(map[string]any, len(requirementsFacts)+len(facts))
	for _, name := range requirementsFacts {
		env[name] = false
	}
	for k, v := range facts {
		env[k] = v
	}
	out, err := expr.Run(r.program, env)
	if err != nil {
		return 0, false, errors.Wrap(err, "evaluating requirements expression")
	}
	score, ok := out.(float64)
	if !ok {
		return 0, false, errors.New("requirements expression did not produce a number")
	}
	return score, score >= r.Threshold, nil
}
