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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/frame17/swebench-harness/pkg/engine"
	"github.com/frame17/swebench-harness/pkg/spec"
)

// fakeEngine is an in-memory ContainerEngine. execFn lets each test script
// the response to Exec; everything else is a no-op bookkeeping stub.
type fakeEngine struct {
	mu          sync.Mutex
	created     []engine.CreateOptions
	removed     []string
	stopped     []string
	execCalls   int
	copiedFrom  []string
	copyFromErr error

	createErr error
	startErr  error

	execFn func(cmd []string) (*engine.ExecResult, error)
}

func (f *fakeEngine) ImageExists(ctx context.Context, tag string) (bool, error) { return true, nil }
func (f *fakeEngine) Build(ctx context.Context, opts engine.BuildOptions) error { return nil }
func (f *fakeEngine) RemoveImage(ctx context.Context, tag string) error        { return nil }

func (f *fakeEngine) CreateContainer(ctx context.Context, opts engine.CreateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, opts)
	if f.createErr != nil {
		return "", f.createErr
	}
	return "fake-container-id", nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, containerID string) error {
	return f.startErr
}

func (f *fakeEngine) CopyTo(ctx context.Context, containerID, hostSrc, containerDest string) error {
	return nil
}

func (f *fakeEngine) CopyFrom(ctx context.Context, containerID, containerSrc, hostDest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copiedFrom = append(f.copiedFrom, containerSrc)
	return f.copyFromErr
}

func (f *fakeEngine) Exec(ctx context.Context, containerID string, cmd []string) (*engine.ExecResult, error) {
	f.mu.Lock()
	f.execCalls++
	f.mu.Unlock()

	if strings.Contains(strings.Join(cmd, " "), "sleep-forever-to-simulate-timeout") {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &engine.ExecResult{}, nil
		}
	}

	if f.execFn != nil {
		return f.execFn(cmd)
	}
	return &engine.ExecResult{ExitCode: 0}, nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeEngine) Logs(ctx context.Context, containerID string, tailLines int) (string, error) {
	return "", nil
}

func testSpec() spec.TestSpec {
	return spec.TestSpec{
		InstanceID:         "owner__widget-123",
		EvalScriptTemplate: "pytest --patch %s -q",
		TestCommand:        "pytest -q",
		TimeoutSeconds:     30,
		GraceSeconds:       5,
	}
}

func TestRunSuccess(t *testing.T) {
	eng := &fakeEngine{
		execFn: func(cmd []string) (*engine.ExecResult, error) {
			return &engine.ExecResult{ExitCode: 0, Stdout: "1 passed", Combined: "1 passed"}, nil
		},
	}
	r := New(eng)

	rec, err := r.Run(context.Background(), testSpec(), "swebench/instance:abc", "diff --git a b\n", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", rec.ExitCode)
	}
	if rec.TimedOut {
		t.Error("TimedOut = true, want false")
	}
	if len(eng.removed) != 1 || eng.removed[0] != "fake-container-id" {
		t.Errorf("container not removed: removed=%v", eng.removed)
	}
}

func TestRunNonZeroTestExitIsNotAnError(t *testing.T) {
	eng := &fakeEngine{
		execFn: func(cmd []string) (*engine.ExecResult, error) {
			return &engine.ExecResult{ExitCode: 1, Combined: "1 failed"}, nil
		},
	}
	r := New(eng)

	rec, err := r.Run(context.Background(), testSpec(), "swebench/instance:abc", "", "")
	if err != nil {
		t.Fatalf("Run: got err=%v, want nil (a failing test command is a valid RunRecord)", err)
	}
	if rec.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", rec.ExitCode)
	}
}

func TestRunContainerCreateFailure(t *testing.T) {
	eng := &fakeEngine{createErr: errFake("docker daemon unreachable")}
	r := New(eng)

	_, err := r.Run(context.Background(), testSpec(), "swebench/instance:abc", "", "")
	if err == nil {
		t.Fatal("Run() with a failing container create: got nil error")
	}
}

func TestRunPatchApplyFailure(t *testing.T) {
	eng := &fakeEngine{
		execFn: func(cmd []string) (*engine.ExecResult, error) {
			if strings.Contains(strings.Join(cmd, " "), "git apply") {
				return &engine.ExecResult{ExitCode: 1, Combined: "patch rejected"}, nil
			}
			return &engine.ExecResult{ExitCode: 0}, nil
		},
	}
	r := New(eng)

	_, err := r.Run(context.Background(), testSpec(), "swebench/instance:abc", "garbage", "")
	if err == nil {
		t.Fatal("Run() with a rejected patch: got nil error")
	}
}

func TestRunTimeout(t *testing.T) {
	eng := &fakeEngine{
		execFn: func(cmd []string) (*engine.ExecResult, error) {
			if strings.Contains(strings.Join(cmd, " "), "pytest --patch") {
				return nil, nil // unreachable: timeout path intercepts via ctx in fakeEngine.Exec
			}
			return &engine.ExecResult{ExitCode: 0}, nil
		},
	}
	r := New(eng)

	ts := testSpec()
	ts.EvalScriptTemplate = "sleep-forever-to-simulate-timeout %s"
	ts.TimeoutSeconds = 1
	ts.GraceSeconds = 1

	rec, err := r.Run(context.Background(), ts, "swebench/instance:abc", "", "")
	if err != nil {
		t.Fatalf("Run: got err=%v, want nil (timeout is a terminal RunRecord, not an error)", err)
	}
	if !rec.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if len(eng.stopped) != 1 {
		t.Errorf("StopContainer called %d times, want 1", len(eng.stopped))
	}
}

func TestRunExportsReportDirs(t *testing.T) {
	eng := &fakeEngine{
		execFn: func(cmd []string) (*engine.ExecResult, error) {
			return &engine.ExecResult{ExitCode: 0, Combined: "1 passed"}, nil
		},
	}
	r := New(eng)

	ts := testSpec()
	ts.ReportDirs = []string{"target/surefire-reports"}

	rec, err := r.Run(context.Background(), ts, "swebench/instance:abc", "", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(eng.copiedFrom) != 1 || eng.copiedFrom[0] != "target/surefire-reports" {
		t.Errorf("CopyFrom calls = %v, want one call for target/surefire-reports", eng.copiedFrom)
	}
	if len(rec.ReportPaths) != 1 {
		t.Errorf("ReportPaths = %v, want one exported path", rec.ReportPaths)
	}
}

func TestRunSkipsReportExportOnTimeout(t *testing.T) {
	eng := &fakeEngine{}
	r := New(eng)

	ts := testSpec()
	ts.EvalScriptTemplate = "sleep-forever-to-simulate-timeout %s"
	ts.TimeoutSeconds = 1
	ts.GraceSeconds = 1
	ts.ReportDirs = []string{"target/surefire-reports"}

	rec, err := r.Run(context.Background(), ts, "swebench/instance:abc", "", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(eng.copiedFrom) != 0 {
		t.Errorf("CopyFrom called on a timed-out run: %v", eng.copiedFrom)
	}
	if len(rec.ReportPaths) != 0 {
		t.Errorf("ReportPaths = %v, want none on a timed-out run", rec.ReportPaths)
	}
}

type errFake string

func (e errFake) Error() string { return string(e) }
