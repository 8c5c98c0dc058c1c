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

// Package env specifies the environment variables that configure harness
// behavior, both for the evalharness process itself and for the
// container-side eval scripts it writes.
package env

import (
	"fmt"
	"os"
	"strconv"
)

const (
	// RunID names the current invocation of the scheduler; it is used both
	// as a directory name under the results root and as a log line prefix.
	RunID = "HARNESS_RUN_ID"

	// Namespace is the registry namespace prefix images are tagged and
	// pushed/pulled under, e.g. "localhost:5000/swebench".
	Namespace = "HARNESS_NAMESPACE"

	// DebugMode enables verbose logging. Its value is parsed as a boolean
	// (strconv.ParseBool); an unparsable value, including the empty
	// string, is an error.
	DebugMode = "HARNESS_DEBUG"

	// ForceRebuild, when set to a truthy value, makes the scheduler skip
	// its resume check and reprocess every instance, even those that
	// already have a verdict for the current run_id.
	ForceRebuild = "HARNESS_FORCE_REBUILD"

	// CacheLevel controls how aggressively built images are evicted once
	// they are no longer needed by any in-flight instance: "none" evicts
	// every level, "env" evicts instance-level images only, "base" evicts
	// both instance- and env-level images, and "instance" and "all" keep
	// every image.
	CacheLevel = "HARNESS_CACHE_LEVEL"

	// MaxWorkers bounds the scheduler's concurrent instance count.
	MaxWorkers = "HARNESS_MAX_WORKERS"

	// ContainerTimeoutSeconds sets the default of the -timeout flag: the
	// eval timeout used for a recipe that sets no timeout_seconds of its
	// own. A recipe's own timeout_seconds is not overridden.
	ContainerTimeoutSeconds = "HARNESS_TIMEOUT_SECONDS"

	// PatchPath is the in-container path the Evaluation Runner writes the
	// combined patch to before invoking the eval script.
	PatchPath = "HARNESS_PATCH_PATH"
)

// IsDebugMode returns true if harness debug mode is enabled.
func IsDebugMode() (bool, error) {
	val, found := os.LookupEnv(DebugMode)
	if !found {
		return false, nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %v", DebugMode, err)
	}
	return parsed, nil
}

// IsForceRebuild returns true if ForceRebuild is set to a truthy value,
// i.e. already-complete instances are reprocessed instead of skipped.
func IsForceRebuild() (bool, error) {
	val, found := os.LookupEnv(ForceRebuild)
	if !found {
		return false, nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %v", ForceRebuild, err)
	}
	return parsed, nil
}
