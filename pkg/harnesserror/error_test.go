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
	"errors"
	"testing"
)

func TestErrorfRoundTrip(t *testing.T) {
	err := Errorf(StatusBuildError, "patch_failed", "applying patch: %v", errors.New("hunk failed"))

	if err.Status != StatusBuildError {
		t.Errorf("Status = %v, want %v", err.Status, StatusBuildError)
	}
	if err.Reason != "patch_failed" {
		t.Errorf("Reason = %q, want %q", err.Reason, "patch_failed")
	}
	if err.ID == "" {
		t.Error("ID is empty, want a generated id")
	}
}

func TestStatusJSONRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusOK, StatusResolveError, StatusBuildError, StatusPatchError, StatusRunError, StatusTimeout, StatusParseError, StatusEngineError} {
		b, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", s, err)
		}
		var got Status
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("Unmarshal(%s): %v", b, err)
		}
		if got != s {
			t.Errorf("round trip %v: got %v", s, got)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(StatusRunError, "exit", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}
