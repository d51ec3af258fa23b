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

package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "doing something")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
// This is a convenience wrapper around errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err,
// if err's type contains an Unwrap method returning error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}

// Category returns the taxonomy label for an error, used when surfacing
// failures as event-bus messages. Unrecognized errors map to "internal".
func Category(err error) string {
	var (
		invalidTransition *InvalidTransitionError
		cycle             *CycleError
		stepExec          *StepExecutionError
		timeout           *TimeoutError
		sandboxSetup      *SandboxSetupError
		sourceClone       *SourceCloneError
		command           *CommandError
		adapterMissing    *AdapterMissingError
		validation        *ValidationError
		notFound          *NotFoundError
		config            *ConfigError
	)
	switch {
	case errors.As(err, &invalidTransition):
		return "invalid_transition"
	case errors.As(err, &cycle):
		return "cycle"
	case errors.As(err, &stepExec):
		return "step_execution"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &sandboxSetup):
		return "sandbox_setup"
	case errors.As(err, &sourceClone):
		return "source_clone"
	case errors.As(err, &command):
		return "command"
	case errors.As(err, &adapterMissing):
		return "adapter_missing"
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &config):
		return "config"
	default:
		return "internal"
	}
}

// IsRetryable reports whether the error represents a transient condition
// that the retry budget should absorb. Invalid transitions, cycles, missing
// adapters, validation, and config errors are permanent; everything else may
// be retried. Permanence is checked against the whole error chain, so a
// permanent cause wrapped in a StepExecutionError stays permanent.
func IsRetryable(err error) bool {
	var (
		invalidTransition *InvalidTransitionError
		cycle             *CycleError
		adapterMissing    *AdapterMissingError
		validation        *ValidationError
		config            *ConfigError
	)
	switch {
	case errors.As(err, &invalidTransition),
		errors.As(err, &cycle),
		errors.As(err, &adapterMissing),
		errors.As(err, &validation),
		errors.As(err, &config):
		return false
	default:
		return true
	}
}
