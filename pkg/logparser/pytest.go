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

package logparser

import (
	"bufio"
	"strings"

	"github.com/frame17/swebench-harness/pkg/spec"
)

// PytestParser scans pytest's verbose text output (`pytest -v` /
// `pytest -rA`). It recognizes both the per-test "PASSED"/"FAILED" lines
// pytest prints with -v and the short-summary "FAILED path::test - Reason"
// lines pytest always prints at the end of a run.
type PytestParser struct{}

// ID implements Parser.
func (PytestParser) ID() string { return "pytest" }

var pytestStatusWords = map[string]spec.TestStatus{
	"PASSED":  spec.TestPassed,
	"FAILED":  spec.TestFailed,
	"ERROR":   spec.TestError,
	"SKIPPED": spec.TestSkipped,
	"XFAIL":   spec.TestSkipped,
	"XPASS":   spec.TestPassed,
}

// Parse implements Parser. It is line-synchronous (each line is scanned
// independently, no lookahead) and monotone: a later line's status for a
// test id overwrites an earlier one, since pytest reruns (e.g. via
// pytest-rerunfailures) legitimately reprint the same id.
func (PytestParser) Parse(log string, reportBlobs map[string][]byte) (spec.ParsedResult, error) {
	result := make(spec.ParsedResult)
	scanner := bufio.NewScanner(strings.NewReader(stripANSI(log)))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if testID, status, ok := parsePytestVerboseLine(line); ok {
			result[canonicalizeID(testID)] = status
			continue
		}
		if testID, status, ok := parsePytestSummaryLine(line); ok {
			result[canonicalizeID(testID)] = status
		}
	}
	return result, nil
}

// parsePytestVerboseLine matches "path/to/test.py::TestCase::test_name STATUS"
// as printed by `pytest -v`.
func parsePytestVerboseLine(line string) (testID string, status spec.TestStatus, ok bool) {
	if !strings.Contains(line, "::") {
		return "", "", false
	}
	for word, st := range pytestStatusWords {
		idx := strings.LastIndex(line, " "+word)
		if idx < 0 {
			continue
		}
		candidate := strings.TrimSpace(line[:idx])
		if strings.Contains(candidate, "::") {
			return candidate, st, true
		}
	}
	return "", "", false
}

// parsePytestSummaryLine matches pytest's short-summary lines:
// "FAILED path/to/test.py::test_name - AssertionError: ..." or
// "ERROR path/to/test.py::test_name".
func parsePytestSummaryLine(line string) (testID string, status spec.TestStatus, ok bool) {
	for word, st := range pytestStatusWords {
		prefix := word + " "
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		rest := strings.TrimPrefix(line, prefix)
		if dash := strings.Index(rest, " - "); dash >= 0 {
			rest = rest[:dash]
		}
		if strings.Contains(rest, "::") {
			return rest, st, true
		}
	}
	return "", "", false
}
