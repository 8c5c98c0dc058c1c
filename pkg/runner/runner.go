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

// Package runner implements the Evaluation Runner: the per-instance
// container lifecycle that writes a patch into a fresh container, applies
// it, executes the rendered eval script under a hard timeout, and tears
// the container down on every exit path.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/frame17/swebench-harness/pkg/engine"
	"github.com/frame17/swebench-harness/pkg/env"
	"github.com/frame17/swebench-harness/pkg/fileutil"
	"github.com/frame17/swebench-harness/pkg/harnesserror"
	"github.com/frame17/swebench-harness/pkg/spec"
)

const (
	containerWorkdir          = "/testbed"
	defaultContainerPatchPath = "/tmp/harness.patch"
)

// Runner drives one instance's patch-then-test protocol inside a
// ContainerEngine, producing a RunRecord that is always terminal: every
// container it creates is removed before Run returns, on every exit path.
type Runner struct {
	eng                engine.ContainerEngine
	containerPatchPath string
}

// New constructs a Runner over eng. The in-container patch path defaults
// to defaultContainerPatchPath but can be overridden with the
// env.PatchPath environment variable, primarily for debugging against a
// testbed image whose /tmp is read-only.
func New(eng engine.ContainerEngine) *Runner {
	path := defaultContainerPatchPath
	if v := os.Getenv(env.PatchPath); v != "" {
		path = v
	}
	return &Runner{eng: eng, containerPatchPath: path}
}

// Run realizes spec.md §4.3's five-step protocol: create a container from
// instanceTag, write patch to containerPatchPath, apply it, execute the
// rendered eval script under ts.TimeoutSeconds with a graceful-then-forced
// shutdown, and remove the container. logPath, if non-empty, receives the
// eval script's combined stdout/stderr.
func (r *Runner) Run(ctx context.Context, ts spec.TestSpec, instanceTag, patch, logPath string) (*spec.RunRecord, error) {
	rec := &spec.RunRecord{
		InstanceID: ts.InstanceID,
		ImageKey:   instanceTag,
		StartedAt:  time.Now(),
	}

	containerID, err := r.eng.CreateContainer(ctx, engine.CreateOptions{
		Image:      instanceTag,
		Entrypoint: "sleep",
		Command:    []string{"infinity"},
	})
	if err != nil {
		rec.FinishedAt = time.Now()
		return rec, harnesserror.Wrap(harnesserror.StatusBuildError, "container_create_failed", err)
	}
	rec.ContainerID = containerID

	defer func() {
		// Best-effort: a container that fails to start never needs removal
		// via StopContainer, but RemoveContainer(-f) is safe either way.
		_ = r.eng.RemoveContainer(context.Background(), containerID)
	}()

	if err := r.eng.StartContainer(ctx, containerID); err != nil {
		rec.FinishedAt = time.Now()
		return rec, harnesserror.Wrap(harnesserror.StatusBuildError, "container_start_failed", err)
	}

	if err := r.writePatch(ctx, containerID, patch); err != nil {
		rec.FinishedAt = time.Now()
		return rec, harnesserror.Wrap(harnesserror.StatusBuildError, "patch_write_failed", err)
	}

	if result, err := r.applyPatch(ctx, containerID); err != nil {
		rec.FinishedAt = time.Now()
		if result == nil {
			return rec, harnesserror.Errorf(harnesserror.StatusBuildError, "patch_failed", "applying patch: %v", err)
		}
		rec.ExitCode = result.ExitCode
		return rec, harnesserror.Errorf(harnesserror.StatusBuildError, "patch_failed", "applying patch: %v: %s", err, result.Combined)
	}

	evalScript := fmt.Sprintf(ts.EvalScriptTemplate, r.containerPatchPath)

	timeout := time.Duration(ts.TimeoutSeconds) * time.Second
	grace := time.Duration(ts.GraceSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, execErr := r.eng.Exec(runCtx, containerID, []string{"sh", "-c", "cd " + containerWorkdir + " && " + evalScript})
	rec.FinishedAt = time.Now()

	if runCtx.Err() == context.DeadlineExceeded {
		rec.TimedOut = true
		// The exec client was killed by context cancellation; the process
		// it spawned inside the container may still be running. Stop the
		// container itself to guarantee it does not outlive the RunRecord.
		_ = r.eng.StopContainer(context.Background(), containerID, grace)
		if logPath != "" && result != nil {
			r.writeLog(logPath, result.Combined)
		}
		return rec, nil
	}

	if ctx.Err() != nil {
		rec.Cancelled = true
		_ = r.eng.StopContainer(context.Background(), containerID, grace)
		return rec, ctx.Err()
	}

	if execErr != nil {
		return rec, harnesserror.Wrap(harnesserror.StatusRunError, "eval_exec_failed", execErr)
	}

	rec.ExitCode = result.ExitCode
	if logPath != "" {
		r.writeLog(logPath, result.Combined)
		rec.LogPath = logPath
	}

	if len(ts.ReportDirs) > 0 {
		paths, err := r.exportReports(ctx, containerID, ts.ReportDirs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "runner: exporting report dirs for %s: %v\n", ts.InstanceID, err)
		}
		rec.ReportPaths = paths
	}

	return rec, nil
}

// exportReports copies every report directory the profile named (spec.md
// §4.3 step 4) out of the container, after the eval script has exited, into
// a fresh host-side directory. A report dir the eval script never created
// (e.g. a profile resolved for a run that produced no tests) is skipped,
// not fatal: the Log Parser's text fallback still has the console log.
func (r *Runner) exportReports(ctx context.Context, containerID string, reportDirs []string) ([]string, error) {
	hostDir, err := os.MkdirTemp("", "harness-reports-*")
	if err != nil {
		return nil, fmt.Errorf("creating report export dir: %w", err)
	}

	var paths []string
	var firstErr error
	for i, dir := range reportDirs {
		dest := filepath.Join(hostDir, fmt.Sprintf("%d-%s", i, filepath.Base(dir)))
		if err := r.eng.CopyFrom(ctx, containerID, dir, dest); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("copying %q: %w", dir, err)
			}
			continue
		}
		paths = append(paths, dest)
	}
	return paths, firstErr
}

func (r *Runner) writePatch(ctx context.Context, containerID, patch string) error {
	tmp, err := os.CreateTemp("", "harness-patch-*.diff")
	if err != nil {
		return fmt.Errorf("creating temp patch file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(patch); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp patch file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp patch file: %w", err)
	}
	return r.eng.CopyTo(ctx, containerID, tmp.Name(), r.containerPatchPath)
}

// applyPatch runs a VCS apply with fuzz disabled, the convention spec.md
// §4.3 step 3 describes as "typically a VCS apply with fuzz disabled".
func (r *Runner) applyPatch(ctx context.Context, containerID string) (*engine.ExecResult, error) {
	cmd := []string{"sh", "-c", fmt.Sprintf("cd %s && git apply --whitespace=fix %s", containerWorkdir, r.containerPatchPath)}
	result, err := r.eng.Exec(ctx, containerID, cmd)
	if err != nil {
		return result, err
	}
	if result.ExitCode != 0 {
		return result, fmt.Errorf("exit code %d", result.ExitCode)
	}
	return result, nil
}

// ReadReportBlobs reads every file found under paths (each either a single
// exported report file or a directory docker cp copied recursively) into a
// {filename: content} map, the shape logparser.Parser.Parse expects for its
// reportBlobs argument. A path that no longer exists is skipped: the
// Runner already logged the export failure when it happened.
func ReadReportBlobs(paths []string) (map[string][]byte, error) {
	blobs := make(map[string][]byte)
	for _, p := range paths {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("statting report path %q: %w", p, err)
		}
		if !info.IsDir() {
			b, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("reading report file %q: %w", p, err)
			}
			blobs[filepath.Base(p)] = b
			continue
		}
		if err := filepath.Walk(p, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			b, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading report file %q: %w", path, err)
			}
			blobs[filepath.Base(path)] = b
			return nil
		}); err != nil {
			return nil, fmt.Errorf("walking report dir %q: %w", p, err)
		}
	}
	return blobs, nil
}

func (r *Runner) writeLog(logPath, content string) {
	if err := fileutil.AtomicWriteFile(logPath, []byte(strings.TrimSpace(content)+"\n"), 0644); err != nil {
		// Logging the eval script's own output is best-effort; a failure
		// here must not mask the run's actual RunRecord.
		fmt.Fprintf(os.Stderr, "runner: writing log %s: %v\n", logPath, err)
	}
}
