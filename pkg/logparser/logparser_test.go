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
	"errors"
	"testing"

	"github.com/frame17/swebench-harness/pkg/harnesserror"
	"github.com/frame17/swebench-harness/pkg/spec"
)

func TestPytestParserVerboseLines(t *testing.T) {
	log := "tests/test_foo.py::test_bar PASSED\n" +
		"tests/test_foo.py::test_baz FAILED\n" +
		"tests/test_foo.py::test_qux SKIPPED\n"

	result, err := PytestParser{}.Parse(log, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := spec.ParsedResult{
		"tests/test_foo.py::test_bar": spec.TestPassed,
		"tests/test_foo.py::test_baz": spec.TestFailed,
		"tests/test_foo.py::test_qux": spec.TestSkipped,
	}
	assertParsedResult(t, result, want)
}

func TestPytestParserSummaryLines(t *testing.T) {
	log := "=== FAILURES ===\n" +
		"FAILED tests/test_foo.py::test_baz - AssertionError: boom\n" +
		"ERROR tests/test_foo.py::test_setup - fixture error\n"

	result, err := PytestParser{}.Parse(log, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := spec.ParsedResult{
		"tests/test_foo.py::test_baz":   spec.TestFailed,
		"tests/test_foo.py::test_setup": spec.TestError,
	}
	assertParsedResult(t, result, want)
}

func TestPytestParserIsMonotoneAcrossReruns(t *testing.T) {
	log := "tests/test_foo.py::test_bar FAILED\n" +
		"tests/test_foo.py::test_bar PASSED\n"

	result, err := PytestParser{}.Parse(log, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if result["tests/test_foo.py::test_bar"] != spec.TestPassed {
		t.Errorf("test_bar = %v, want the last-observed status (passed)", result["tests/test_foo.py::test_bar"])
	}
}

func TestGoTestParser(t *testing.T) {
	log := "=== RUN   TestFoo\n" +
		"--- PASS: TestFoo (0.01s)\n" +
		"=== RUN   TestBar/case_one\n" +
		"--- FAIL: TestBar/case_one (0.00s)\n"

	result, err := GoTestParser{}.Parse(log, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := spec.ParsedResult{
		"TestFoo":           spec.TestPassed,
		"TestBar::case_one": spec.TestFailed,
	}
	assertParsedResult(t, result, want)
}

func TestJUnitXMLParser(t *testing.T) {
	blob := []byte(`<?xml version="1.0"?>
<testsuite name="pkg">
  <testcase classname="pkg.TestCase" name="test_pass"></testcase>
  <testcase classname="pkg.TestCase" name="test_fail"><failure message="boom"/></testcase>
  <testcase classname="pkg.TestCase" name="test_skip"><skipped/></testcase>
</testsuite>`)

	result, err := JUnitXMLParser{}.Parse("", map[string][]byte{"report.xml": blob})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := spec.ParsedResult{
		"pkg.TestCase::test_pass": spec.TestPassed,
		"pkg.TestCase::test_fail": spec.TestFailed,
		"pkg.TestCase::test_skip": spec.TestSkipped,
	}
	assertParsedResult(t, result, want)
}

func TestWithTextFallbackFillsMissingOnly(t *testing.T) {
	junitBlob := []byte(`<testsuite name="pkg"><testcase classname="pkg" name="test_a"/></testsuite>`)
	log := "pkg::test_a FAILED\n" + "pkg::test_b PASSED\n"

	combined := WithTextFallback(JUnitXMLParser{}, PytestParser{})
	result, err := combined.Parse(log, map[string][]byte{"report.xml": junitBlob})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if result["pkg::test_a"] != spec.TestPassed {
		t.Errorf("pkg::test_a = %v, want passed (structured report wins over text)", result["pkg::test_a"])
	}
	if result["pkg::test_b"] != spec.TestPassed {
		t.Errorf("pkg::test_b = %v, want passed (filled in from text, absent from the report)", result["pkg::test_b"])
	}
}

func TestRegistryParseRaisesParseErrorOnEmptyResult(t *testing.T) {
	reg := NewRegistry(PytestParser{})
	_, err := reg.Parse("pytest", "no recognizable test output here\n", nil)
	if err == nil {
		t.Fatal("Parse() with zero observed tests: got nil error")
	}
	var herr *harnesserror.Error
	if !errors.As(err, &herr) {
		t.Fatalf("Parse() error is not a *harnesserror.Error: %v", err)
	}
	if herr.Status != harnesserror.StatusParseError {
		t.Errorf("Status = %v, want StatusParseError", herr.Status)
	}
}

func TestRegistryUnknownParserID(t *testing.T) {
	reg := NewRegistry(PytestParser{})
	_, err := reg.Get("nonexistent")
	if err == nil {
		t.Fatal("Get() with an unregistered id: got nil error")
	}
}

func assertParsedResult(t *testing.T, got, want spec.ParsedResult) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Parse() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Parse()[%q] = %v, want %v", k, got[k], v)
		}
	}
}
