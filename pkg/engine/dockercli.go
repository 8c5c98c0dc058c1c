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

package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/frame17/swebench-harness/pkg/harnesserror"
)

// DockerCLI is a ContainerEngine that drives the docker binary via
// os/exec, the same way the teacher repo drives acceptance-test
// containers: every operation shells out and its combined output is
// captured for diagnostics rather than streamed.
type DockerCLI struct {
	// execCmd constructs the *exec.Cmd for a command; overridable in tests
	// to substitute a mock docker binary.
	execCmd func(name string, args ...string) *exec.Cmd
	// verbose mirrors command output to stderr as it runs.
	verbose bool
}

// Option configures a DockerCLI.
type Option func(*DockerCLI)

// WithExecCmd overrides the function used to construct commands, letting
// tests substitute a mock process for the real docker binary.
func WithExecCmd(execCmd func(name string, args ...string) *exec.Cmd) Option {
	return func(d *DockerCLI) { d.execCmd = execCmd }
}

// WithVerbose mirrors every command's combined output to stderr as it runs.
func WithVerbose(verbose bool) Option {
	return func(d *DockerCLI) { d.verbose = verbose }
}

// NewDockerCLI constructs a DockerCLI that shells out to the docker binary
// on PATH.
func NewDockerCLI(opts ...Option) *DockerCLI {
	d := &DockerCLI{
		execCmd: exec.Command,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ImageExists reports whether tag is present in the local image store.
func (d *DockerCLI) ImageExists(ctx context.Context, tag string) (bool, error) {
	_, err := d.run(ctx, "docker", "image", "inspect", tag)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Build runs `docker build` with opts and returns the tagged image.
func (d *DockerCLI) Build(ctx context.Context, opts BuildOptions) error {
	args := []string{"build", "-t", opts.Tag}
	if opts.Dockerfile != "" {
		args = append(args, "-f", opts.Dockerfile)
	}
	for k, v := range opts.BuildArgs {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, opts.ContextDir)

	if _, err := d.run(ctx, "docker", args...); err != nil {
		return harnesserror.Errorf(harnesserror.StatusBuildError, "docker_build", "building %q: %v", opts.Tag, err)
	}
	return nil
}

// RemoveImage removes tag from the local image store.
func (d *DockerCLI) RemoveImage(ctx context.Context, tag string) error {
	if _, err := d.run(ctx, "docker", "rmi", "-f", tag); err != nil {
		return harnesserror.Wrap(harnesserror.StatusEngineError, "docker_rmi", err)
	}
	return nil
}

// CreateContainer creates (but does not start) a container from opts.
func (d *DockerCLI) CreateContainer(ctx context.Context, opts CreateOptions) (string, error) {
	args := []string{"create"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	for _, e := range opts.Env {
		args = append(args, "--env", e)
	}
	if opts.Entrypoint != "" {
		args = append(args, "--entrypoint", opts.Entrypoint)
	}
	args = append(args, opts.Image)
	args = append(args, opts.Command...)

	result, err := d.run(ctx, "docker", args...)
	if err != nil {
		return "", harnesserror.Wrap(harnesserror.StatusEngineError, "docker_create", err)
	}
	return strings.TrimSpace(result.Stdout), nil
}

// StartContainer starts a previously created container.
func (d *DockerCLI) StartContainer(ctx context.Context, containerID string) error {
	if _, err := d.run(ctx, "docker", "start", containerID); err != nil {
		return harnesserror.Wrap(harnesserror.StatusEngineError, "docker_start", err)
	}
	return nil
}

// CopyTo copies a file or directory from the host into a container.
func (d *DockerCLI) CopyTo(ctx context.Context, containerID, hostSrc, containerDest string) error {
	dest := fmt.Sprintf("%s:%s", containerID, containerDest)
	if _, err := d.run(ctx, "docker", "cp", hostSrc, dest); err != nil {
		return harnesserror.Wrap(harnesserror.StatusEngineError, "docker_cp_to", err)
	}
	return nil
}

// CopyFrom copies a file or directory from a container onto the host.
func (d *DockerCLI) CopyFrom(ctx context.Context, containerID, containerSrc, hostDest string) error {
	src := fmt.Sprintf("%s:%s", containerID, containerSrc)
	if _, err := d.run(ctx, "docker", "cp", src, hostDest); err != nil {
		return harnesserror.Wrap(harnesserror.StatusEngineError, "docker_cp_from", err)
	}
	return nil
}

// Exec runs cmd inside containerID and waits for it to finish or for ctx
// to be cancelled.
func (d *DockerCLI) Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	args := append([]string{"exec", containerID}, cmd...)
	result, err := d.run(ctx, "docker", args...)
	if err != nil && result == nil {
		return nil, harnesserror.Wrap(harnesserror.StatusRunError, "docker_exec", err)
	}
	// A non-zero exit code is not itself a harness error: the caller (the
	// evaluation runner) decides what a non-zero test-command exit means.
	return result, nil
}

// StopContainer sends SIGTERM and waits up to grace before escalating to
// SIGKILL, the same stop-then-kill sequence `docker stop` implements
// server-side; the client call exposes the timeout directly.
func (d *DockerCLI) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Round(time.Second).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	if _, err := d.run(ctx, "docker", "stop", "-t", strconv.Itoa(seconds), containerID); err != nil {
		return harnesserror.Wrap(harnesserror.StatusEngineError, "docker_stop", err)
	}
	return nil
}

// RemoveContainer force-removes a container.
func (d *DockerCLI) RemoveContainer(ctx context.Context, containerID string) error {
	if _, err := d.run(ctx, "docker", "rm", "-f", containerID); err != nil {
		return harnesserror.Wrap(harnesserror.StatusEngineError, "docker_rm", err)
	}
	return nil
}

// Logs returns the container's combined stdout/stderr, tailed to tailLines.
func (d *DockerCLI) Logs(ctx context.Context, containerID string, tailLines int) (string, error) {
	args := []string{"logs"}
	if tailLines > 0 {
		args = append(args, "--tail", strconv.Itoa(tailLines))
	}
	args = append(args, containerID)

	result, err := d.run(ctx, "docker", args...)
	if err != nil {
		return "", harnesserror.Wrap(harnesserror.StatusEngineError, "docker_logs", err)
	}
	return result.Combined, nil
}

// run executes name with args, honoring ctx cancellation by killing the
// process, and captures stdout, stderr and their interleaving.
func (d *DockerCLI) run(ctx context.Context, name string, args ...string) (*ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := d.execCmd(name, args...)

	var outb, errb bytes.Buffer
	combined := &lockingBuffer{log: d.verbose}
	cmd.Stdout = io.MultiWriter(&outb, combined)
	cmd.Stderr = io.MultiWriter(&errb, combined)

	if err := cmd.Start(); err != nil {
		if pe, ok := err.(*os.PathError); ok && pe.Err == unix.ENOENT {
			return nil, fmt.Errorf("starting %s %v: %v: is the container engine installed?", name, args, err)
		}
		return nil, fmt.Errorf("starting %s %v: %v", name, args, err)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-waitDone
		return nil, ctx.Err()
	}

	exitCode := 0
	if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return nil, fmt.Errorf("running %s %v: %v", name, args, waitErr)
		}
	}

	result := &ExecResult{
		ExitCode: exitCode,
		Stdout:   strings.TrimSpace(outb.String()),
		Stderr:   strings.TrimSpace(errb.String()),
		Combined: strings.TrimSpace(combined.String()),
	}

	if exitCode != 0 {
		return result, fmt.Errorf("running %s %v: exit code %d: %s", name, args, exitCode, result.Combined)
	}
	return result, nil
}

// lockingBuffer is a concurrency-safe io.Writer that optionally tees
// output to stderr as it is written, since Stdout and Stderr are written
// from separate goroutines inside exec.Cmd.
type lockingBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	log bool
}

func (lb *lockingBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.log {
		os.Stderr.Write(p)
	}
	return lb.buf.Write(p)
}

func (lb *lockingBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}
