// Copyright 2022 Google LLC
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

// Package mockprocess provides testing utilities to mock out exec.Cmd
// shell commands with a mock process, standing in for the docker binary so
// pkg/engine's dockercli implementation can be exercised without a real
// container engine.
package mockprocess

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/frame17/swebench-harness/internal/mockprocess/mockprocessutil"
)

// Mock associates a mock process with a command.
type Mock struct {
	commandRegex  string
	processConfig *mockprocessutil.MockProcessConfig
}

// New mocks the behavior of a shell command executed through the mock
// process binary. `commandRegex` is the command to mock; the regex must match
// the full command that would have been executed, though it
// does not have to be the beginning of the command. The options set what
// is printed to stdout and stderr and the exit code of the command.
func New(commandRegex string, opts ...Option) *Mock {
	mp := &mockprocessutil.MockProcessConfig{
		Stdout:   "",
		Stderr:   "",
		ExitCode: 0,
	}
	for _, o := range opts {
		o(mp)
	}
	return &Mock{
		commandRegex:  commandRegex,
		processConfig: mp,
	}
}

// Option are options that configure the behavior of a mocked command.
type Option func(*mockprocessutil.MockProcessConfig)

// WithStdout configures what a mocked command prints to stdout.
func WithStdout(msg string) Option {
	return func(mp *mockprocessutil.MockProcessConfig) {
		mp.Stdout = msg
	}
}

// WithStderr configures what a mocked command prints to stderr.
func WithStderr(msg string) Option {
	return func(mp *mockprocessutil.MockProcessConfig) {
		mp.Stderr = msg
	}
}

// WithExitCode configures what a mocked command uses as the exit code.
func WithExitCode(code int) Option {
	return func(mp *mockprocessutil.MockProcessConfig) {
		mp.ExitCode = code
	}
}

// NewExecCmd constructs an command executor that can replace standard exec.Cmd
// calls with custom behavior for testing. It takes a series of mock commands
// created with mockprocess.New().
func NewExecCmd(mocks ...*Mock) (func(name string, args ...string) *exec.Cmd, error) {
	mockProcessBinary, err := mockProcessBinaryPath()
	if err != nil {
		return nil, fmt.Errorf("unable to locate mock process binary: %w", err)
	}

	mockProcessMap := map[string]*mockprocessutil.MockProcessConfig{}
	for _, mock := range mocks {
		mockProcessMap[mock.commandRegex] = mock.processConfig
	}

	b, err := json.Marshal(mockProcessMap)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal mockprocessutil.MockProcess map to JSON: %v", err)
	}

	return func(name string, args ...string) *exec.Cmd {
		cmd := exec.Command(mockProcessBinary, append([]string{name}, args...)...)
		cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", mockprocessutil.EnvHelperMockProcessMap, string(b)))
		return cmd
	}, nil
}

var (
	buildOnce       sync.Once
	buildErr        error
	mockProcessPath string
)

// mockProcessBinaryPath builds the internal/mockprocess/cmd binary into a
// temp directory the first time it is needed and returns its path; later
// calls within the same test binary reuse the cached build.
func mockProcessBinaryPath() (string, error) {
	buildOnce.Do(func() {
		_, callingFile, _, ok := runtime.Caller(0)
		if !ok {
			buildErr = fmt.Errorf("unable to determine path of %s", "mockprocess.go")
			return
		}
		cmdDir := filepath.Join(filepath.Dir(callingFile), "cmd")

		dir, err := os.MkdirTemp("", "mockprocess-")
		if err != nil {
			buildErr = fmt.Errorf("creating temp dir for mock process binary: %w", err)
			return
		}
		out := filepath.Join(dir, "mockprocess")

		cmd := exec.Command("go", "build", "-o", out, cmdDir)
		if output, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("building mock process binary: %w\n%s", err, output)
			return
		}
		mockProcessPath = out
	})
	return mockProcessPath, buildErr
}
