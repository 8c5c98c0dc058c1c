// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package harnesserror provides the structured error type surfaced from
// every stage of the evaluation pipeline (resolve, build, run, parse,
// grade) up to the Scheduler.
package harnesserror

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
)

const idLength = 8

// ID is a short, stable code derived from an error's content, useful for
// correlating identical failures across instances without storing the
// full message everywhere.
type ID string

// Error is a structured harness error. It always carries a Status so a
// caller can switch on failure kind without string matching, and a
// Reason that narrows the kind (e.g. "patch_failed" under StatusBuildError).
type Error struct {
	InstanceID string `json:"instanceId,omitempty"`
	Status     Status `json:"status"`
	Reason     string `json:"reason"`
	Message    string `json:"message"`
	ID         ID     `json:"id"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("(%s/%s id=%s): %s", e.Status, e.Reason, e.ID, e.Message)
}

// Unwrap exposes the underlying cause, if any, for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Errorf constructs an Error of the given status and reason.
func Errorf(status Status, reason, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{
		Status:  status,
		Reason:  reason,
		Message: err.Error(),
		ID:      GenerateID(status.String(), reason, err.Error()),
		cause:   err,
	}
}

// Wrap constructs an Error of the given status and reason from an existing error.
func Wrap(status Status, reason string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Status:  status,
		Reason:  reason,
		Message: err.Error(),
		ID:      GenerateID(status.String(), reason, err.Error()),
		cause:   err,
	}
}

// GenerateID creates a short hash identifying an error from its parts. It
// is deliberately not a full hash rendering: it exists only to let a
// human correlate two occurrences of "the same" failure, not to guarantee
// uniqueness.
func GenerateID(parts ...string) ID {
	h := sha256.New()
	for _, p := range parts {
		io.WriteString(h, p)
	}
	sum := fmt.Sprintf("%x", h.Sum(nil))
	return ID(strings.ToLower(sum[:idLength]))
}
