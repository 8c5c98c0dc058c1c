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

// Package logparser implements the Log Parsers component: a registry of
// parser values, each mapping a captured eval log (plus any structured
// report files) to a canonical {test_id: status} map. Parsers are plain
// values implementing one interface, not a class hierarchy — adding a
// language means adding a new value and a profile entry, never a new
// branch here.
package logparser

import (
	"regexp"
	"strings"

	"github.com/frame17/swebench-harness/pkg/harnesserror"
	"github.com/frame17/swebench-harness/pkg/spec"
)

// Parser maps one eval run's captured output to a canonical ParsedResult.
// reportBlobs holds the contents of any structured report files the
// profile named (e.g. a JUnit XML file), keyed by base file name; it is nil for
// parsers that only read the text log.
type Parser interface {
	// ID is the stable name a profile's log_parser_id field references.
	ID() string
	// Parse canonicalizes log and reportBlobs into a {test_id: status}
	// map. An empty result with a nil error means "no tests observed"
	// and is reported by the caller as a ParseError per spec.md §4.4.
	Parse(log string, reportBlobs map[string][]byte) (spec.ParsedResult, error)
}

// Registry resolves a log_parser_id to the Parser value that implements it.
type Registry struct {
	byID map[string]Parser
}

// NewRegistry builds a Registry from a set of parser values. The three
// built-in parsers (PytestParser, GoTestParser, JUnitXMLParser) are
// typically registered by the caller at startup.
func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{byID: make(map[string]Parser, len(parsers))}
	for _, p := range parsers {
		r.byID[p.ID()] = p
	}
	return r
}

// Get looks up a parser by id.
func (r *Registry) Get(id string) (Parser, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, harnesserror.Errorf(harnesserror.StatusParseError, "unknown_parser", "no parser registered for id %q", id)
	}
	return p, nil
}

// Parse resolves id and runs the parser, converting an empty result into
// a ParseError: spec.md §4.4 treats "no tests observed at all" as a parse
// failure distinct from a run that executed and had every test fail.
func (r *Registry) Parse(id, log string, reportBlobs map[string][]byte) (spec.ParsedResult, error) {
	p, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	result, err := p.Parse(log, reportBlobs)
	if err != nil {
		return nil, harnesserror.Wrap(harnesserror.StatusParseError, "parse_failed", err)
	}
	if len(result) == 0 {
		return nil, harnesserror.Errorf(harnesserror.StatusParseError, "no_tests_observed", "parser %q observed zero tests", id)
	}
	return result, nil
}

// WithTextFallback composes a structured parser with a text parser: the
// structured parser's result is authoritative, and the text parser's
// result only fills in test ids the structured parser never mentioned.
// This is the decorator spec.md §4.4 describes for "both a structured
// report and a text stream exist" — a value composing two values, not a
// subclass.
func WithTextFallback(structured, text Parser) Parser {
	return textFallbackParser{structured: structured, text: text}
}

type textFallbackParser struct {
	structured Parser
	text       Parser
}

func (p textFallbackParser) ID() string { return p.structured.ID() }

func (p textFallbackParser) Parse(log string, reportBlobs map[string][]byte) (spec.ParsedResult, error) {
	structured, err := p.structured.Parse(log, reportBlobs)
	if err != nil {
		return nil, err
	}
	textResult, err := p.text.Parse(log, nil)
	if err != nil {
		return nil, err
	}
	return structured.FillMissing(textResult), nil
}

var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

// canonicalizeID trims whitespace, strips ANSI escapes and collapses
// internal whitespace runs, per spec.md §4.4's canonicalisation rules.
// Parameterised suffixes (e.g. "[param1-param2]") are kept verbatim.
func canonicalizeID(id string) string {
	id = ansiEscape.ReplaceAllString(id, "")
	id = strings.TrimSpace(id)
	return strings.Join(strings.Fields(id), " ")
}

// stripANSI removes ANSI escape sequences from a full log blob before
// line-synchronous scanning.
func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}
