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

// Package imagebuilder implements the three-level build DAG: content
// fingerprinting, at-most-one-build-per-key deduplication, and the
// registry-namespace existence check that lets repeated runs skip a build
// entirely.
package imagebuilder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/frame17/swebench-harness/pkg/cache"
	"github.com/frame17/swebench-harness/pkg/engine"
	"github.com/frame17/swebench-harness/pkg/fetch"
	"github.com/frame17/swebench-harness/pkg/harnesserror"
	"github.com/frame17/swebench-harness/pkg/spec"
)

// CacheLevel controls which built images survive past the RunRecords that
// needed them.
type CacheLevel string

// The cache_level knob from spec.md §4.2 "Cleanup".
const (
	CacheAll      CacheLevel = "all"
	CacheBase     CacheLevel = "base"
	CacheEnv      CacheLevel = "env"
	CacheInstance CacheLevel = "instance"
	CacheNone     CacheLevel = "none"
)

// Keys bundles the three fingerprints computed for one instance's build.
type Keys struct {
	BaseKey     string
	EnvKey      string
	InstanceKey string
}

// Tags bundles the three image tags built (or reused) for one instance.
type Tags struct {
	BaseTag     string
	EnvTag      string
	InstanceTag string
}

type nodeEntry struct {
	node     spec.ImageNode
	refCount int
}

// Builder realizes a TestSpec's three image levels against a
// ContainerEngine, sharing env and base layers across every instance whose
// fingerprint matches and guaranteeing at most one in-flight build per key.
type Builder struct {
	eng       engine.ContainerEngine
	namespace string

	group singleflight.Group

	mu    sync.Mutex
	nodes map[string]*nodeEntry
}

// New constructs a Builder over eng. namespace, if non-empty, is used both
// as the tag prefix and as the registry to check via fetch.ImageExists
// before building.
func New(eng engine.ContainerEngine, namespace string) *Builder {
	return &Builder{
		eng:       eng,
		namespace: namespace,
		nodes:     make(map[string]*nodeEntry),
	}
}

// Ensure realizes ts's base, env and instance images in order, reusing any
// level whose fingerprint already has a ready node. It returns the three
// fingerprints and the three image tags; an error from any level aborts
// the remaining levels, per spec.md §4.2 "Build order".
func (b *Builder) Ensure(ctx context.Context, ts spec.TestSpec) (Keys, Tags, error) {
	baseTag, baseKey, err := b.ensureLevel(ctx, spec.LevelBase, "", "", ts.BaseDockerfile, nil, nil)
	if err != nil {
		return Keys{}, Tags{}, harnesserror.Wrap(harnesserror.StatusBuildError, "base_build_failed", err)
	}

	// The repo-at-commit checkout backs the "COPY . ." step every
	// env_dockerfile and instance_dockerfile declares, and its file
	// contents are folded into both levels' fingerprints (see
	// ensureLevel) so that two repos (or two commits of the same repo)
	// resolving through the same fallback profile never collapse onto
	// the same image.
	rc, err := checkoutRepo(ts.Repo, ts.BaseCommit)
	if err != nil {
		return Keys{BaseKey: baseKey}, Tags{BaseTag: baseTag}, harnesserror.Wrap(harnesserror.StatusBuildError, "repo_checkout_failed", err)
	}

	envArgs := map[string]string{"SETUP_SCRIPT_HASH": shortHash(ts.SetupScript)}
	envTag, envKey, err := b.ensureLevel(ctx, spec.LevelEnv, baseKey, baseTag, ts.EnvDockerfile, envArgs, rc)
	if err != nil {
		return Keys{BaseKey: baseKey}, Tags{BaseTag: baseTag}, harnesserror.Wrap(harnesserror.StatusBuildError, "env_build_failed", err)
	}

	instArgs := map[string]string{
		"INSTANCE_ID":         ts.InstanceID,
		"BASE_COMMIT":         ts.BaseCommit,
		"INSTALL_SCRIPT_HASH": shortHash(ts.InstallScript),
	}
	instTag, instKey, err := b.ensureLevel(ctx, spec.LevelInstance, envKey, envTag, ts.InstanceDockerfile, instArgs, rc)
	if err != nil {
		return Keys{BaseKey: baseKey, EnvKey: envKey}, Tags{BaseTag: baseTag, EnvTag: envTag},
			harnesserror.Wrap(harnesserror.StatusBuildError, "instance_build_failed", err)
	}

	return Keys{BaseKey: baseKey, EnvKey: envKey, InstanceKey: instKey},
		Tags{BaseTag: baseTag, EnvTag: envTag, InstanceTag: instTag}, nil
}

// ensureLevel fingerprints one level, builds it if necessary (deduplicated
// across concurrent callers sharing the same key via singleflight), and
// registers/refcounts the resulting node. rc, when non-nil, is the repo
// checkout whose file contents this level's Dockerfile COPYs in; its files
// are folded into the fingerprint and copied into the build context.
func (b *Builder) ensureLevel(ctx context.Context, level spec.ImageLevel, parentKey, parentTag, dockerfile string, buildArgs map[string]string, rc *repoContext) (tag, key string, err error) {
	opts := []cache.Option{cache.WithStrings(dockerfile), cache.WithBuildArgs(buildArgs)}
	if rc != nil {
		opts = append(opts, cache.WithFiles(rc.files...))
	}
	key, err = cache.Fingerprint(parentKey, opts...)
	if err != nil {
		return "", "", fmt.Errorf("fingerprinting %s level: %w", level, err)
	}
	tag = b.tagFor(level, key)

	v, err, _ := b.group.Do(key, func() (interface{}, error) {
		if existing, ok := b.lookup(key); ok {
			if existing.Status == spec.StatusFailed {
				return "", fmt.Errorf("level %s key %s: cached build failure", level, key)
			}
			return existing.Tag, nil
		}

		b.setStatus(key, spec.ImageNode{Key: key, Level: level, ParentKey: parentKey, Tag: tag, Status: spec.StatusBuilding})

		if err := b.realize(ctx, tag, dockerfile, buildArgs, rc); err != nil {
			b.setStatus(key, spec.ImageNode{Key: key, Level: level, ParentKey: parentKey, Tag: tag, Status: spec.StatusFailed})
			return "", err
		}

		b.setStatus(key, spec.ImageNode{Key: key, Level: level, ParentKey: parentKey, Tag: tag, Status: spec.StatusReady})
		return tag, nil
	})
	if err != nil {
		return "", key, err
	}

	b.incRef(key)
	return v.(string), key, nil
}

// realize builds tag from dockerfile unless it already exists, either in
// the configured registry namespace or the local image store. When rc is
// non-nil its checkout is copied into the build context so the
// Dockerfile's "COPY . ." step sees the real repo-at-commit content.
func (b *Builder) realize(ctx context.Context, tag, dockerfile string, buildArgs map[string]string, rc *repoContext) error {
	exists, err := b.imageExists(ctx, tag)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	dir, err := os.MkdirTemp("", "imagebuilder-")
	if err != nil {
		return fmt.Errorf("creating build context: %w", err)
	}
	defer os.RemoveAll(dir)

	if rc != nil {
		if err := copyTree(rc.dir, dir); err != nil {
			return fmt.Errorf("populating build context from checkout: %w", err)
		}
	}

	dockerfilePath := filepath.Join(dir, "Dockerfile")
	if err := os.WriteFile(dockerfilePath, []byte(dockerfile), 0644); err != nil {
		return fmt.Errorf("writing Dockerfile: %w", err)
	}

	return b.eng.Build(ctx, engine.BuildOptions{
		ContextDir: dir,
		Dockerfile: dockerfilePath,
		Tag:        tag,
		BuildArgs:  buildArgs,
	})
}

func (b *Builder) imageExists(ctx context.Context, tag string) (bool, error) {
	if b.namespace != "" {
		return fetch.ImageExists(tag)
	}
	return b.eng.ImageExists(ctx, tag)
}

func (b *Builder) tagFor(level spec.ImageLevel, key string) string {
	short := key
	if len(short) > 12 {
		short = short[:12]
	}
	prefix := "swebench"
	if b.namespace != "" {
		prefix = b.namespace
	}
	return fmt.Sprintf("%s/%s-%s", prefix, short, level)
}

func (b *Builder) lookup(key string) (spec.ImageNode, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.nodes[key]
	if !ok {
		return spec.ImageNode{}, false
	}
	return e.node, true
}

func (b *Builder) setStatus(key string, node spec.ImageNode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.nodes[key]
	if !ok {
		e = &nodeEntry{}
		b.nodes[key] = e
	}
	e.node = node
}

func (b *Builder) incRef(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.nodes[key]; ok {
		e.refCount++
	}
}

// Release decrements key's reference count and, if it reaches zero and
// level's cache policy calls for eviction, removes the image from the
// engine. Called by the scheduler once a RunRecord referencing key
// reaches a terminal state.
func (b *Builder) Release(ctx context.Context, key string, policy CacheLevel) error {
	b.mu.Lock()
	e, ok := b.nodes[key]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	e.refCount--
	shouldEvict := e.refCount <= 0 && shouldEvictLevel(e.node.Level, policy)
	tag := e.node.Tag
	if shouldEvict {
		delete(b.nodes, key)
	}
	b.mu.Unlock()

	if !shouldEvict {
		return nil
	}
	return b.eng.RemoveImage(ctx, tag)
}

func shouldEvictLevel(level spec.ImageLevel, policy CacheLevel) bool {
	switch policy {
	case CacheNone:
		return true
	case CacheBase:
		return level == spec.LevelEnv || level == spec.LevelInstance
	case CacheEnv:
		return level == spec.LevelInstance
	case CacheInstance, CacheAll, "":
		return false
	default:
		return false
	}
}

func shortHash(s string) string {
	h, _ := cache.Fingerprint("", cache.WithStrings(s))
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
