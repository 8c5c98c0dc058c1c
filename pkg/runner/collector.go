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

package runner

import (
	"context"
	"fmt"
	"sort"

	"github.com/frame17/swebench-harness/pkg/spec"
)

// ParseFunc turns a completed run's captured log (and any structured
// report files it produced) into a canonical {test_id: status} map. The
// concrete strategies live in the parser registry; Collector and Runner
// callers take this as a parameter to stay decoupled from parser
// selection.
type ParseFunc func(logPath string, reportPaths []string) (spec.ParsedResult, error)

// CollectResult is the two-pass Collector's output for one instance:
// freshly derived FAIL_TO_PASS / PASS_TO_PASS sets plus any regressions
// observed between the two passes.
type CollectResult struct {
	FailToPass []string
	PassToPass []string
	Warnings   []string
	Before     spec.ParsedResult
	After      spec.ParsedResult
}

// Collector runs the two-pass protocol spec.md §4.5 describes: once with
// only the test patch applied (to bring new tests into existence), once
// with both the test patch and the candidate patch, then diffs the two
// canonical result sets into expected-test labels.
type Collector struct {
	runner *Runner
	parse  ParseFunc
}

// NewCollector constructs a Collector over r, using parse to canonicalize
// each pass's captured output.
func NewCollector(r *Runner, parse ParseFunc) *Collector {
	return &Collector{runner: r, parse: parse}
}

// Collect runs both passes for ts against instanceTag and derives
// FAIL_TO_PASS/PASS_TO_PASS. logPathBefore and logPathAfter, if non-empty,
// receive each pass's combined eval output.
func (c *Collector) Collect(ctx context.Context, ts spec.TestSpec, instanceTag, testPatch, patch, logPathBefore, logPathAfter string) (*CollectResult, error) {
	beforeRec, err := c.runner.Run(ctx, ts, instanceTag, testPatch, logPathBefore)
	if err != nil {
		return nil, fmt.Errorf("collecting before-pass for %s: %w", ts.InstanceID, err)
	}
	before, err := c.parse(beforeRec.LogPath, beforeRec.ReportPaths)
	if err != nil {
		return nil, fmt.Errorf("parsing before-pass for %s: %w", ts.InstanceID, err)
	}

	afterRec, err := c.runner.Run(ctx, ts, instanceTag, testPatch+patch, logPathAfter)
	if err != nil {
		return nil, fmt.Errorf("collecting after-pass for %s: %w", ts.InstanceID, err)
	}
	after, err := c.parse(afterRec.LogPath, afterRec.ReportPaths)
	if err != nil {
		return nil, fmt.Errorf("parsing after-pass for %s: %w", ts.InstanceID, err)
	}

	result := &CollectResult{Before: before, After: after}
	for testID, afterStatus := range after {
		if afterStatus != spec.TestPassed {
			continue
		}
		beforeStatus, seen := before[testID]
		switch {
		case !seen, beforeStatus == spec.TestFailed, beforeStatus == spec.TestError:
			result.FailToPass = append(result.FailToPass, testID)
		case beforeStatus == spec.TestPassed:
			result.PassToPass = append(result.PassToPass, testID)
		}
	}
	for testID, beforeStatus := range before {
		if beforeStatus != spec.TestPassed {
			continue
		}
		if afterStatus, seen := after[testID]; seen && afterStatus != spec.TestPassed {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s regressed passed -> %s", testID, afterStatus))
		}
	}

	sort.Strings(result.FailToPass)
	sort.Strings(result.PassToPass)
	sort.Strings(result.Warnings)

	return result, nil
}
