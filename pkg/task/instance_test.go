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

package task

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReadDataset(t *testing.T) {
	input := `{"instance_id":"a-1","repo":"owner/a","base_commit":"deadbeef","patch":"diff-a","version":"1.0","language":"python","FAIL_TO_PASS":["t1"],"PASS_TO_PASS":["t2"]}
{"instance_id":"a-2","repo":"owner/a","base_commit":"cafef00d","patch":"diff-b","version":"1.1","language":"go"}
`
	got, err := ReadDataset(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadDataset: %v", err)
	}

	want := []Instance{
		{InstanceID: "a-1", Repo: "owner/a", BaseCommit: "deadbeef", Patch: "diff-a", Version: "1.0", Language: LanguagePython, FailToPass: []string{"t1"}, PassToPass: []string{"t2"}},
		{InstanceID: "a-2", Repo: "owner/a", BaseCommit: "cafef00d", Patch: "diff-b", Version: "1.1", Language: LanguageGo},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadDataset diff (-want +got):\n%s", diff)
	}
}

func TestValidateRejectsAmbiguousTest(t *testing.T) {
	inst := Instance{
		InstanceID: "x",
		Repo:       "owner/x",
		BaseCommit: "abc",
		FailToPass: []string{"pkg.T::m1"},
		PassToPass: []string{"pkg.T::m1"},
	}
	if err := inst.Validate(); err == nil {
		t.Error("Validate() = nil, want error for test in both sets")
	}
}

func TestCombinedPatchOrdering(t *testing.T) {
	inst := Instance{Patch: "PATCH", TestPatch: "TESTPATCH"}
	got := inst.CombinedPatch()
	if !strings.HasPrefix(got, "TESTPATCH") {
		t.Errorf("CombinedPatch() = %q, want test_patch first", got)
	}
	if !strings.HasSuffix(got, "PATCH") {
		t.Errorf("CombinedPatch() = %q, want patch last", got)
	}
}

func TestCombinedPatchNoTestPatch(t *testing.T) {
	inst := Instance{Patch: "PATCH"}
	if got := inst.CombinedPatch(); got != "PATCH" {
		t.Errorf("CombinedPatch() = %q, want %q", got, "PATCH")
	}
}
