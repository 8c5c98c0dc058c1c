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

// Package engine defines the container engine interface the image builder
// and evaluation runner are written against, and a dockercli
// implementation that drives it by shelling out to the docker binary.
package engine

import (
	"context"
	"time"
)

// BuildOptions configures a ContainerEngine.Build call.
type BuildOptions struct {
	// ContextDir is the build context directory passed to `docker build`.
	ContextDir string
	// Dockerfile is the path to the Dockerfile, relative to ContextDir
	// unless absolute.
	Dockerfile string
	// Tag is the image tag to build and leave in the local image store.
	Tag string
	// BuildArgs are passed as --build-arg KEY=VALUE pairs.
	BuildArgs map[string]string
}

// CreateOptions configures a ContainerEngine.CreateContainer call.
type CreateOptions struct {
	// Image is the tag or digest reference to create the container from.
	Image string
	// Name, if non-empty, is used as the container's name.
	Name string
	// Env are passed as -e KEY=VALUE pairs.
	Env []string
	// Entrypoint overrides the image's entrypoint; empty leaves it as-is.
	Entrypoint string
	// Command is appended after the image reference as the container command.
	Command []string
}

// ExecResult bundles the outcome of running a command, either on the host
// or inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Combined string
}

// ContainerEngine is the full surface the image builder and evaluation
// runner need from a container runtime: build images, and create, exec
// into, copy files to/from, stop and remove containers. A dockercli value
// satisfies it by shelling out to the docker binary; tests satisfy it with
// a fake or with dockercli wired to a mocked executable.
type ContainerEngine interface {
	// ImageExists reports whether tag is present in the local image store.
	ImageExists(ctx context.Context, tag string) (bool, error)

	// Build runs a build and leaves the result tagged as opts.Tag.
	Build(ctx context.Context, opts BuildOptions) error

	// RemoveImage removes a tag from the local image store. Removing a tag
	// that does not exist is not an error.
	RemoveImage(ctx context.Context, tag string) error

	// CreateContainer creates (but does not start) a container from opts
	// and returns its id.
	CreateContainer(ctx context.Context, opts CreateOptions) (containerID string, err error)

	// StartContainer starts a previously created container.
	StartContainer(ctx context.Context, containerID string) error

	// CopyTo copies a file or directory from the host into a container.
	CopyTo(ctx context.Context, containerID, hostSrc, containerDest string) error

	// CopyFrom copies a file or directory from a container onto the host.
	CopyFrom(ctx context.Context, containerID, containerSrc, hostDest string) error

	// Exec runs cmd inside a running container and waits for it to finish
	// or for ctx to be cancelled, whichever comes first.
	Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error)

	// StopContainer sends SIGTERM and waits up to grace before sending
	// SIGKILL.
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error

	// RemoveContainer force-removes a container, stopping it first if
	// still running.
	RemoveContainer(ctx context.Context, containerID string) error

	// Logs returns the container's combined stdout/stderr, tailed to the
	// last tailLines lines (0 means unlimited).
	Logs(ctx context.Context, containerID string, tailLines int) (string, error)
}
