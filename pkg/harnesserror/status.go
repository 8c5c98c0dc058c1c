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

package harnesserror

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the kind of failure that stopped an instance from reaching a
// graded verdict. It mirrors the error kinds in the evaluation design:
// resolve/build/patch/run/timeout/parse/engine failures are each distinct
// because a consumer must be able to tell "we observed no pass" from
// "we never observed".
type Status int

// The fixed set of failure kinds an instance can stop on.
const (
	StatusOK Status = iota
	StatusResolveError
	StatusBuildError
	StatusPatchError
	StatusRunError
	StatusTimeout
	StatusParseError
	StatusEngineError
)

func (s Status) String() string {
	return []string{
		"OK",
		"RESOLVE_ERROR",
		"BUILD_ERROR",
		"PATCH_ERROR",
		"RUN_ERROR",
		"TIMEOUT",
		"PARSE_ERROR",
		"ENGINE_ERROR",
	}[s]
}

var fromStatusString = map[string]Status{
	"OK":            StatusOK,
	"RESOLVE_ERROR": StatusResolveError,
	"BUILD_ERROR":   StatusBuildError,
	"PATCH_ERROR":   StatusPatchError,
	"RUN_ERROR":     StatusRunError,
	"TIMEOUT":       StatusTimeout,
	"PARSE_ERROR":   StatusParseError,
	"ENGINE_ERROR":  StatusEngineError,
}

var _ json.Marshaler = (*Status)(nil)
var _ json.Unmarshaler = (*Status)(nil)

// MarshalJSON marshals the status as a quoted json string.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s)), nil
}

// UnmarshalJSON unmarshals a quoted json string into the status.
func (s *Status) UnmarshalJSON(b []byte) error {
	var val string
	if err := json.Unmarshal(b, &val); err != nil {
		return err
	}
	st, ok := fromStatusString[strings.ToUpper(val)]
	if !ok {
		return fmt.Errorf("unknown status %q", val)
	}
	*s = st
	return nil
}

// Fatal reports whether the status represents a terminal failure that
// should prevent a container from ever being launched or a test command
// from ever being parsed, as opposed to a status that still carries a
// graded (if unfavorable) result.
func (s Status) Fatal() bool {
	return s != StatusOK
}
