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

// GoTestParser scans `go test -v` text output for "--- PASS:"/"--- FAIL:"/
// "--- SKIP:" lines. It does not depend on test2json; the -v text format
// is stable across Go versions and needs no additional report file.
type GoTestParser struct{}

// ID implements Parser.
func (GoTestParser) ID() string { return "gotest" }

var goTestStatusPrefixes = []struct {
	prefix string
	status spec.TestStatus
}{
	{"--- PASS: ", spec.TestPassed},
	{"--- FAIL: ", spec.TestFailed},
	{"--- SKIP: ", spec.TestSkipped},
}

// Parse implements Parser. Monotone over reruns (go test -count=N prints
// the same test name multiple times; the last line wins), line-synchronous.
func (GoTestParser) Parse(log string, reportBlobs map[string][]byte) (spec.ParsedResult, error) {
	result := make(spec.ParsedResult)
	scanner := bufio.NewScanner(strings.NewReader(stripANSI(log)))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		for _, sp := range goTestStatusPrefixes {
			if !strings.HasPrefix(line, sp.prefix) {
				continue
			}
			rest := strings.TrimPrefix(line, sp.prefix)
			// rest is "TestName (0.00s)"; drop the trailing duration.
			if paren := strings.LastIndex(rest, " ("); paren >= 0 {
				rest = rest[:paren]
			}
			testID := goTestID(rest)
			result[canonicalizeID(testID)] = sp.status
			break
		}
	}
	return result, nil
}

// goTestID turns a Go subtest name ("TestFoo/case_one") into the
// "<suite-or-file>::<name>" canonical shape; a top-level test has no
// parent, so it canonicalizes to itself with no "::" separator.
func goTestID(name string) string {
	if idx := strings.Index(name, "/"); idx >= 0 {
		return name[:idx] + "::" + name[idx+1:]
	}
	return name
}
