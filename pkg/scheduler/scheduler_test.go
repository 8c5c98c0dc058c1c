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

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/frame17/swebench-harness/pkg/engine"
	"github.com/frame17/swebench-harness/pkg/grader"
	"github.com/frame17/swebench-harness/pkg/imagebuilder"
	"github.com/frame17/swebench-harness/pkg/logparser"
	"github.com/frame17/swebench-harness/pkg/profile"
	"github.com/frame17/swebench-harness/pkg/runner"
	"github.com/frame17/swebench-harness/pkg/spec"
	"github.com/frame17/swebench-harness/pkg/task"
)

// fakeEngine is an in-memory ContainerEngine. Exec always returns exit
// code 0; tests only need the build/container bookkeeping to round-trip.
type fakeEngine struct {
	mu    sync.Mutex
	built map[string]bool
}

func newFakeEngine() *fakeEngine { return &fakeEngine{built: make(map[string]bool)} }

func (f *fakeEngine) ImageExists(ctx context.Context, tag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[tag], nil
}

func (f *fakeEngine) Build(ctx context.Context, opts engine.BuildOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built[opts.Tag] = true
	return nil
}

func (f *fakeEngine) RemoveImage(ctx context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.built, tag)
	return nil
}

func (f *fakeEngine) CreateContainer(ctx context.Context, opts engine.CreateOptions) (string, error) {
	return "fake-container", nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, containerID string) error { return nil }

func (f *fakeEngine) CopyTo(ctx context.Context, containerID, hostSrc, containerDest string) error {
	return nil
}

func (f *fakeEngine) CopyFrom(ctx context.Context, containerID, containerSrc, hostDest string) error {
	return nil
}

func (f *fakeEngine) Exec(ctx context.Context, containerID string, cmd []string) (*engine.ExecResult, error) {
	return &engine.ExecResult{ExitCode: 0}, nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, containerID string) error { return nil }

func (f *fakeEngine) Logs(ctx context.Context, containerID string, tailLines int) (string, error) {
	return "", nil
}

// stubParser always reports every FAIL_TO_PASS/PASS_TO_PASS id as passed,
// so instances built against it resolve cleanly without needing a real
// log format on disk.
type stubParser struct{}

func (stubParser) ID() string { return "stub" }
func (stubParser) Parse(log string, reportBlobs map[string][]byte) (spec.ParsedResult, error) {
	return spec.ParsedResult{
		"pkg.T::m1": spec.TestPassed,
		"pkg.T::m2": spec.TestPassed,
	}, nil
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, string) {
	t.Helper()

	table := profile.NewTable()
	table.Add(profile.Profile{
		Repo:     "owner/widget",
		Language: task.LanguagePython,
		Versions: []profile.VersionRecipe{{
			BaseDockerfile:     "FROM ubuntu:22.04\n",
			EnvDockerfile:      "FROM base\n",
			InstanceDockerfile: "FROM env\n",
			EvalScriptTemplate: "git apply %s && pytest -q",
			TestCommand:        "pytest -q",
			TimeoutSeconds:     60,
			GraceSeconds:       5,
			LogParserID:        "stub",
		}},
	})
	resolver := profile.NewResolver(table)

	eng := newFakeEngine()
	builder := imagebuilder.New(eng, "")
	rn := runner.New(eng)
	registry := logparser.NewRegistry(stubParser{})

	root := t.TempDir()
	writer := grader.NewReportWriter(root, "run-1")

	return New(resolver, builder, rn, registry, writer, cfg), root
}

func TestRunGradesEveryInstanceAndWritesSummary(t *testing.T) {
	s, root := newTestScheduler(t, Config{MaxWorkers: 2})

	instances := []task.Instance{
		{InstanceID: "owner__widget-1", Repo: "owner/widget", BaseCommit: "abc", FailToPass: []string{"pkg.T::m1"}, PassToPass: []string{"pkg.T::m2"}},
		{InstanceID: "owner__widget-2", Repo: "owner/widget", BaseCommit: "def", FailToPass: []string{"pkg.T::m1"}, PassToPass: []string{"pkg.T::m2"}},
	}
	predictions := task.Predictions{
		"owner__widget-1": "diff --git a/x b/x\n",
		"owner__widget-2": "diff --git a/y b/y\n",
	}

	verdicts, err := s.Run(context.Background(), instances, predictions)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(verdicts) != 2 {
		t.Fatalf("len(verdicts) = %d, want 2", len(verdicts))
	}
	for _, v := range verdicts {
		if v.Resolved != spec.Resolved {
			t.Errorf("instance %s: Resolved = %v, want %v", v.InstanceID, v.Resolved, spec.Resolved)
		}
	}

	_ = root
}

func TestRunSkipsInstanceWithNoPrediction(t *testing.T) {
	s, _ := newTestScheduler(t, Config{MaxWorkers: 2})

	instances := []task.Instance{
		{InstanceID: "owner__widget-1", Repo: "owner/widget", BaseCommit: "abc"},
	}
	verdicts, err := s.Run(context.Background(), instances, task.Predictions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(verdicts) != 0 {
		t.Errorf("len(verdicts) = %d, want 0 (no prediction supplied)", len(verdicts))
	}
}

func TestRunSkipsAlreadyCompleteInstanceUnlessForceRebuild(t *testing.T) {
	s, root := newTestScheduler(t, Config{MaxWorkers: 1})

	inst := task.Instance{InstanceID: "owner__widget-1", Repo: "owner/widget", BaseCommit: "abc", FailToPass: []string{"pkg.T::m1"}, PassToPass: []string{"pkg.T::m2"}}
	preds := task.Predictions{"owner__widget-1": "diff --git a/x b/x\n"}

	if _, err := s.Run(context.Background(), []task.Instance{inst}, preds); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	s2, _ := newTestScheduler(t, Config{MaxWorkers: 1})
	s2.writer = grader.NewReportWriter(root, "run-1")

	verdicts, err := s2.Run(context.Background(), []task.Instance{inst}, preds)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(verdicts) != 0 {
		t.Errorf("len(verdicts) = %d, want 0 (instance already complete, no ForceRebuild)", len(verdicts))
	}

	s3, _ := newTestScheduler(t, Config{MaxWorkers: 1, ForceRebuild: true})
	s3.writer = grader.NewReportWriter(root, "run-1")
	verdicts, err = s3.Run(context.Background(), []task.Instance{inst}, preds)
	if err != nil {
		t.Fatalf("third Run: %v", err)
	}
	if len(verdicts) != 1 {
		t.Errorf("len(verdicts) = %d, want 1 (ForceRebuild reprocesses completed instance)", len(verdicts))
	}
}

func TestRunEmitsProgressEvents(t *testing.T) {
	s, _ := newTestScheduler(t, Config{MaxWorkers: 1})

	inst := task.Instance{InstanceID: "owner__widget-1", Repo: "owner/widget", BaseCommit: "abc", FailToPass: []string{"pkg.T::m1"}, PassToPass: []string{"pkg.T::m2"}}
	preds := task.Predictions{"owner__widget-1": "diff --git a/x b/x\n"}

	if _, err := s.Run(context.Background(), []task.Instance{inst}, preds); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seen := make(map[EventKind]int)
	draining := true
	for draining {
		select {
		case e := <-s.Events():
			seen[e.Kind]++
		default:
			draining = false
		}
	}

	for _, kind := range []EventKind{InstanceStarted, ImageReady, RunFinished, VerdictProduced} {
		if seen[kind] == 0 {
			t.Errorf("no %v event observed", kind)
		}
	}
}
