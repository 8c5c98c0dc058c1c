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

// Package spec holds the data types shared by the resolver, builder,
// runner, parser and grader: the resolved TestSpec recipe, the image
// build graph's node type, the per-run record, and the canonical
// parsed-test-result and verdict shapes.
package spec

import "time"

// TestSpec is the fully resolved recipe derived from an Instance by the
// Resolver. It is immutable once produced and consumed read-only by
// every later stage.
type TestSpec struct {
	InstanceID string

	// Repo and BaseCommit together pin the instance image to a specific
	// repository revision. The Image Builder checks out Repo at
	// BaseCommit and folds its file contents into the env and instance
	// fingerprints, so two instances built from different repos or
	// different commits never collapse onto the same image even when
	// they resolve through the same fallback profile.
	Repo       string
	BaseCommit string

	// The three Dockerfiles are the recipes the Image Builder hashes into
	// the base, env and instance image keys (see cache.Fingerprint); the
	// keys themselves are not stored on TestSpec.
	BaseDockerfile     string
	EnvDockerfile      string
	InstanceDockerfile string

	SetupScript   string
	InstallScript string

	// EvalScriptTemplate is rendered before execution; %s is replaced
	// with the patch file path inside the container.
	EvalScriptTemplate string
	TestCommand        string
	TimeoutSeconds     int
	GraceSeconds       int

	LogParserID string

	// ReportDirs are in-container paths the profile names as holding
	// structured test reports (e.g. Maven surefire's target/surefire-reports
	// or a JUnit XML directory). The Runner exports their contents after
	// the eval script exits so the Log Parser can read them as reportBlobs.
	ReportDirs []string

	FailToPass []string
	PassToPass []string
}

// ImageLevel is the layer of an image node in the build DAG.
type ImageLevel int

// The three layers of the build graph, in dependency order.
const (
	LevelBase ImageLevel = iota
	LevelEnv
	LevelInstance
)

func (l ImageLevel) String() string {
	switch l {
	case LevelBase:
		return "base"
	case LevelEnv:
		return "env"
	case LevelInstance:
		return "instance"
	default:
		return "unknown"
	}
}

// ImageStatus is the lifecycle state of an image node's cached build.
type ImageStatus int

// Image node lifecycle: absent -> building -> (ready | failed).
const (
	StatusAbsent ImageStatus = iota
	StatusBuilding
	StatusReady
	StatusFailed
)

// ImageNode is a logical node in the three-level build graph, keyed by a
// stable content fingerprint (see cache.Fingerprint). Exactly one
// ImageNode exists per key for the lifetime of a Builder.
type ImageNode struct {
	Key       string
	Level     ImageLevel
	ParentKey string
	Tag       string
	Status    ImageStatus
}

// RunRecord is produced when a container is launched for one instance's
// eval step. Every RunRecord reaches a terminal state (it is finished or
// timed out) or is explicitly cancelled; no container outlives it.
type RunRecord struct {
	InstanceID  string
	ImageKey    string
	ContainerID string
	StartedAt   time.Time
	FinishedAt  time.Time
	ExitCode    int
	TimedOut    bool
	Cancelled   bool
	LogPath     string
	ReportPaths []string
}

// TestStatus is the canonical status of one test as observed by a parser.
type TestStatus string

// The fixed set of statuses a parser can assign to a test id.
const (
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
	TestError   TestStatus = "error"
	TestSkipped TestStatus = "skipped"
)

// ParsedResult is the canonical {test_id -> status} map produced by a log
// parser. Test ids are normalized to "<suite-or-file>::<name>".
type ParsedResult map[string]TestStatus

// Merge overlays other onto r, with other's statuses winning. To keep r's
// statuses and only add tests r never mentioned, use FillMissing.
func (r ParsedResult) Merge(other ParsedResult) ParsedResult {
	out := make(ParsedResult, len(r)+len(other))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// FillMissing returns a copy of r with entries from fallback added for
// any test id r does not already contain.
func (r ParsedResult) FillMissing(fallback ParsedResult) ParsedResult {
	out := make(ParsedResult, len(r)+len(fallback))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range fallback {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// Resolution is the grader's classification for one instance in one run.
type Resolution string

// The fixed set of verdict classifications. build_error/run_error/
// timeout/parse_error all mean "the judgement is undefined, for this
// reason" and take precedence over resolved/partially_resolved/unresolved.
const (
	Resolved          Resolution = "resolved"
	PartiallyResolved Resolution = "partially_resolved"
	Unresolved        Resolution = "unresolved"
	BuildError        Resolution = "build_error"
	RunError          Resolution = "run_error"
	Timeout           Resolution = "timeout"
	ParseError        Resolution = "parse_error"
)

// Verdict is the grader's output for one instance in one run.
type Verdict struct {
	InstanceID string     `json:"instance_id"`
	RunID      string     `json:"run_id"`
	Resolved   Resolution `json:"resolved"`
	Reason     string     `json:"reason"`
	Message    string     `json:"message,omitempty"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`

	Regressions []string `json:"regressions,omitempty"`
}

// IsResolved reports whether the instance resolved, the question every
// machine consumer of a verdict ultimately cares about.
func (v Verdict) IsResolved() bool {
	return v.Resolved == Resolved
}
