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

// Package grader implements the Grader: it turns a ParsedResult plus the
// expected FAIL_TO_PASS/PASS_TO_PASS sets into a Verdict, honoring the
// precedence spec.md §4.6 requires between the undefined-judgement
// statuses (build_error, run_error, timeout, parse_error) and the
// resolved/partially_resolved/unresolved classifications.
package grader

import (
	"errors"

	"github.com/frame17/swebench-harness/pkg/harnesserror"
	"github.com/frame17/swebench-harness/pkg/spec"
)

// Input bundles everything the Grader needs for one instance's verdict.
type Input struct {
	InstanceID string
	RunID      string

	Record *spec.RunRecord
	RunErr error

	Parsed   spec.ParsedResult
	ParseErr error

	FailToPass []string
	PassToPass []string

	Regressions []string
}

// Grade classifies one instance's outcome. It never panics on a nil
// Record or nil error fields — a ResolveError never produces a RunRecord
// at all, and Grade must still turn that into a build_error verdict.
func Grade(in Input) *spec.Verdict {
	v := &spec.Verdict{
		InstanceID:  in.InstanceID,
		RunID:       in.RunID,
		Regressions: in.Regressions,
	}
	if in.Record != nil {
		v.StartedAt = in.Record.StartedAt
		v.FinishedAt = in.Record.FinishedAt
		v.Duration = in.Record.FinishedAt.Sub(in.Record.StartedAt)
	}

	if status, reason, ok := undefinedJudgement(in); ok {
		v.Resolved = status
		v.Reason = reason
		v.Message = judgementMessage(in)
		return v
	}

	v.Resolved, v.Reason = resolve(in.Parsed, in.FailToPass, in.PassToPass)
	return v
}

// undefinedJudgement implements the precedence spec.md §4.6 names:
// build_error, run_error, timeout, parse_error all take precedence over
// a resolved/partially_resolved/unresolved classification. A stage error
// (RunErr) is classified first, then a timed-out run, then a non-zero
// exit with no tests observed (run_error), then a parse failure.
func undefinedJudgement(in Input) (spec.Resolution, string, bool) {
	if in.RunErr != nil {
		var herr *harnesserror.Error
		if errors.As(in.RunErr, &herr) {
			switch herr.Status {
			case harnesserror.StatusResolveError, harnesserror.StatusBuildError, harnesserror.StatusPatchError:
				return spec.BuildError, herr.Reason, true
			case harnesserror.StatusRunError, harnesserror.StatusEngineError:
				return spec.RunError, herr.Reason, true
			case harnesserror.StatusTimeout:
				return spec.Timeout, herr.Reason, true
			case harnesserror.StatusParseError:
				return spec.ParseError, herr.Reason, true
			}
		}
		return spec.RunError, "unclassified_error", true
	}
	if in.Record != nil && in.Record.TimedOut {
		return spec.Timeout, "timeout", true
	}
	// A non-zero exit with zero tests observed by the parser is a
	// RunError per spec.md §7: "eval script exited nonzero and parsers
	// found no tests", distinguished from tests having run and failed.
	// It is checked before ParseErr, which the parser registry also
	// reports when it observes no tests; ParseError is left for a run
	// that exited zero.
	if in.Record != nil && in.Record.ExitCode != 0 && len(in.Parsed) == 0 {
		return spec.RunError, "nonzero_exit_no_tests", true
	}
	if in.ParseErr != nil {
		var herr *harnesserror.Error
		reason := "parse_failed"
		if errors.As(in.ParseErr, &herr) {
			reason = herr.Reason
		}
		return spec.ParseError, reason, true
	}
	return "", "", false
}

func judgementMessage(in Input) string {
	if in.RunErr != nil {
		return in.RunErr.Error()
	}
	if in.ParseErr != nil {
		return in.ParseErr.Error()
	}
	if in.Record != nil && in.Record.TimedOut {
		return "eval script did not finish within its timeout"
	}
	return ""
}

// resolve implements spec.md §4.6's three resolved classifications given
// a clean parse.
func resolve(parsed spec.ParsedResult, failToPass, passToPass []string) (spec.Resolution, string) {
	allFailToPassPassed := true
	anyFailToPassPassed := false
	for _, t := range failToPass {
		if parsed[t] == spec.TestPassed {
			anyFailToPassPassed = true
		} else {
			allFailToPassPassed = false
		}
	}

	anyPassToPassRegressed := false
	for _, t := range passToPass {
		if parsed[t] != spec.TestPassed {
			anyPassToPassRegressed = true
		}
	}

	switch {
	case allFailToPassPassed && !anyPassToPassRegressed:
		return spec.Resolved, "all_expected_tests_passed"
	case anyFailToPassPassed && !anyPassToPassRegressed:
		return spec.PartiallyResolved, "some_fail_to_pass_tests_passed"
	default:
		return spec.Unresolved, "expected_tests_not_satisfied"
	}
}
