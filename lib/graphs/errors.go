// Copyright 2025 Antfly, Inc.
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

package graphs

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports a bad configuration value chosen from a closed set.
// Construction-time validation returns it eagerly so a misconfigured
// pipeline never reaches execution.
type ConfigError struct {
	Option string
	Value  string
	Valid  []string
}

func (e *ConfigError) Error() string {
	if len(e.Valid) == 0 {
		return fmt.Sprintf("invalid %s: %q", e.Option, e.Value)
	}
	return fmt.Sprintf("invalid %s: %q (valid: %s)", e.Option, e.Value, strings.Join(e.Valid, ", "))
}

// ValidationError reports malformed caller input: a missing slot, a shape
// mismatch, an empty required field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input %q: %s", e.Field, e.Reason)
}

// ExecutionError wraps a failure from a collaborator (graph engine,
// scheduler, tokenizer) during execution of an otherwise valid request.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsConfig reports whether err is (or wraps) a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsExecution reports whether err is (or wraps) an ExecutionError.
func IsExecution(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}
