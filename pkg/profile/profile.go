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

// Package profile implements the Specification Resolver: a constant,
// data-driven table of per-repository-family build/test recipes, and the
// pure function that turns an Instance plus that table into a TestSpec.
//
// The table is data, not code — it is loaded from TOML files, one per
// repository family, the same way the teacher repo's buildpacks load
// builder.toml. Adding support for a new repository means adding a TOML
// file, never adding a branch to the resolver.
package profile

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver"

	"github.com/frame17/swebench-harness/pkg/harnesserror"
	"github.com/frame17/swebench-harness/pkg/spec"
	"github.com/frame17/swebench-harness/pkg/task"
	"github.com/frame17/swebench-harness/pkg/version"
)

// VersionRecipe is one version-scoped recipe within a repository profile.
// Constraint is matched against Instance.Version with Masterminds/semver;
// an empty Constraint matches any version and should be the last entry
// in a Profile's Versions slice (entries are tried in order, first match
// wins).
type VersionRecipe struct {
	Constraint string `toml:"constraint"`

	BaseDockerfile     string `toml:"base_dockerfile"`
	EnvDockerfile      string `toml:"env_dockerfile"`
	InstanceDockerfile string `toml:"instance_dockerfile"`

	SetupScript   string `toml:"setup_script"`
	InstallScript string `toml:"install_script"`

	EvalScriptTemplate string `toml:"eval_script_template"`
	TestCommand        string `toml:"test_command"`

	TimeoutSeconds int `toml:"timeout_seconds"`
	GraceSeconds   int `toml:"grace_seconds"`

	LogParserID string `toml:"log_parser_id"`

	// ReportDirs names in-container paths holding structured test
	// reports (e.g. Maven surefire's target/surefire-reports). The
	// Runner exports their contents after the eval script exits so the
	// Log Parser can read them as reportBlobs instead of relying solely
	// on the console log's text fallback.
	ReportDirs []string `toml:"report_dirs"`

	// RuntimeVersions lists the concrete published runtime versions this
	// recipe's base image is available in (e.g. Python patch releases).
	// When non-empty, the Resolver picks the highest listed version with
	// version.ResolveVersion (Instance.Version does not constrain this
	// choice) and substitutes it into
	// a "%s" in BaseDockerfile, the same runtime-pinning step the teacher
	// performs when a buildpack chooses a concrete language version.
	RuntimeVersions []string `toml:"runtime_versions"`
}

// Profile is the full set of recipes for one repository family, as
// loaded from a single TOML file.
type Profile struct {
	Repo     string          `toml:"repo"`
	Language task.Language   `toml:"language"`
	Versions []VersionRecipe `toml:"version"`
}

// Table is the constant map of repository profiles the Resolver
// consults, keyed by repo (e.g. "owner/name") with Language as a
// fallback key for profiles that are not repo-specific.
type Table struct {
	byRepo     map[string]Profile
	byLanguage map[task.Language]Profile
}

// NewTable builds an empty profile table.
func NewTable() *Table {
	return &Table{
		byRepo:     make(map[string]Profile),
		byLanguage: make(map[task.Language]Profile),
	}
}

// Add registers a profile, indexing it by repo and, if no repo-specific
// profile claims the language yet, as that language's fallback too.
func (t *Table) Add(p Profile) {
	if p.Repo != "" {
		t.byRepo[p.Repo] = p
	}
	if p.Language != "" {
		if _, exists := t.byLanguage[p.Language]; !exists {
			t.byLanguage[p.Language] = p
		}
	}
}

// LoadFile parses one TOML profile file and adds it to the table.
func (t *Table) LoadFile(path string) error {
	var p Profile
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return fmt.Errorf("loading profile %q: %w", path, err)
	}
	t.Add(p)
	return nil
}

// LoadDir loads every *.toml file directly under dir into the table.
func (t *Table) LoadDir(dir string) error {
	matches, err := globTOML(dir)
	if err != nil {
		return fmt.Errorf("listing profiles in %q: %w", dir, err)
	}
	for _, m := range matches {
		if err := t.LoadFile(m); err != nil {
			return err
		}
	}
	return nil
}

// Resolver resolves Instances to TestSpecs against a fixed profile Table.
// It is pure and deterministic: the same instance against the same table
// always produces the same TestSpec.
type Resolver struct {
	table                 *Table
	defaultTimeoutSeconds int
}

// NewResolver constructs a Resolver over the given table.
func NewResolver(table *Table) *Resolver {
	return &Resolver{table: table, defaultTimeoutSeconds: 1800}
}

// SetDefaultTimeoutSeconds overrides the timeout Resolve fills in for a
// recipe that does not set its own TimeoutSeconds. A non-positive value
// is ignored, leaving the built-in 1800s default in place.
func (r *Resolver) SetDefaultTimeoutSeconds(s int) {
	if s > 0 {
		r.defaultTimeoutSeconds = s
	}
}

// Resolve looks up the profile for inst.Repo (falling back to
// inst.Language), selects the first version recipe whose constraint
// matches inst.Version, and renders a TestSpec.
func (r *Resolver) Resolve(inst task.Instance) (spec.TestSpec, error) {
	profile, ok := r.table.byRepo[inst.Repo]
	if !ok {
		profile, ok = r.table.byLanguage[inst.Language]
	}
	if !ok {
		return spec.TestSpec{}, harnesserror.Errorf(harnesserror.StatusResolveError, "unknown_profile",
			"no profile for repo %q or language %q", inst.Repo, inst.Language)
	}

	recipe, err := selectVersionRecipe(profile, inst.Version)
	if err != nil {
		return spec.TestSpec{}, harnesserror.Wrap(harnesserror.StatusResolveError, "unknown_version", err)
	}

	timeout := recipe.TimeoutSeconds
	if timeout == 0 {
		timeout = r.defaultTimeoutSeconds
	}
	grace := recipe.GraceSeconds
	if grace == 0 {
		grace = 30
	}

	baseDockerfile := recipe.BaseDockerfile
	if len(recipe.RuntimeVersions) > 0 {
		// The recipe's own Constraint already matched inst.Version against
		// the repository's release line; the runtime image itself always
		// pins to the newest published patch release in RuntimeVersions.
		runtimeVersion, err := version.ResolveVersion("", recipe.RuntimeVersions)
		if err != nil {
			return spec.TestSpec{}, harnesserror.Wrap(harnesserror.StatusResolveError, "unresolved_runtime_version", err)
		}
		baseDockerfile = fmt.Sprintf(recipe.BaseDockerfile, runtimeVersion)
	}

	return spec.TestSpec{
		InstanceID:         inst.InstanceID,
		Repo:               inst.Repo,
		BaseCommit:         inst.BaseCommit,
		BaseDockerfile:     baseDockerfile,
		EnvDockerfile:      recipe.EnvDockerfile,
		InstanceDockerfile: recipe.InstanceDockerfile,
		SetupScript:        recipe.SetupScript,
		InstallScript:      recipe.InstallScript,
		EvalScriptTemplate: recipe.EvalScriptTemplate,
		TestCommand:        recipe.TestCommand,
		TimeoutSeconds:     timeout,
		GraceSeconds:       grace,
		LogParserID:        recipe.LogParserID,
		ReportDirs:         recipe.ReportDirs,
		FailToPass:         inst.FailToPass,
		PassToPass:         inst.PassToPass,
	}, nil
}

// selectVersionRecipe returns the first recipe in profile.Versions whose
// constraint is satisfied by version, treating an empty constraint as a
// catch-all "*" match.
func selectVersionRecipe(profile Profile, version string) (VersionRecipe, error) {
	for _, recipe := range profile.Versions {
		constraint := recipe.Constraint
		if constraint == "" {
			constraint = "*"
		}
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			return VersionRecipe{}, fmt.Errorf("profile %q: bad constraint %q: %w", profile.Repo, constraint, err)
		}
		if version == "" {
			// No version declared on the instance: only a catch-all recipe applies.
			if constraint == "*" {
				return recipe, nil
			}
			continue
		}
		v, err := semver.NewVersion(version)
		if err != nil {
			// Non-semver version tags (common for language runtimes) fall back
			// to exact string match against the constraint.
			if constraint == version || constraint == "*" {
				return recipe, nil
			}
			continue
		}
		if c.Check(v) {
			return recipe, nil
		}
	}
	return VersionRecipe{}, fmt.Errorf("no version recipe for %q matches version %q", profile.Repo, version)
}
