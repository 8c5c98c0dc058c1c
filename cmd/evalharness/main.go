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

// evalharness runs a dataset of instances against a predictions file and
// writes a graded verdict for each, per the command surface and exit
// codes described in the harness design (0 = every instance reached a
// terminal verdict, 1 = an internal error prevented completion, 2 =
// invalid inputs).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/frame17/swebench-harness/pkg/engine"
	"github.com/frame17/swebench-harness/pkg/env"
	"github.com/frame17/swebench-harness/pkg/fileutil"
	"github.com/frame17/swebench-harness/pkg/grader"
	"github.com/frame17/swebench-harness/pkg/imagebuilder"
	"github.com/frame17/swebench-harness/pkg/logparser"
	"github.com/frame17/swebench-harness/pkg/profile"
	"github.com/frame17/swebench-harness/pkg/runner"
	"github.com/frame17/swebench-harness/pkg/scheduler"
	"github.com/frame17/swebench-harness/pkg/spec"
	"github.com/frame17/swebench-harness/pkg/task"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		datasetPath     string
		predictionsPath string
		profilesDir     string
		resultsRoot     string
		runID           string
		maxWorkers      int
		timeoutSeconds  int
		instanceIDs     string
		forceRebuild    bool
		cacheLevelFlag  string
		namespace       string
		captureLogs     bool
		mode            string
		collectOutput   string
	)

	// Environment variables seed defaults; explicit flags still win, since
	// flag.Parse runs after these Var calls and os.Args always takes
	// precedence over a Var's default.
	envForceRebuild, err := env.IsForceRebuild()
	if err != nil {
		fmt.Fprintf(os.Stderr, "evalharness: %v\n", err)
		return 2
	}

	flag.StringVar(&datasetPath, "dataset", "", "path to the instance dataset (JSONL)")
	flag.StringVar(&predictionsPath, "predictions", "", "path to the predictions file (instance_id -> patch)")
	flag.StringVar(&profilesDir, "profiles", "profiles", "directory of repository profile TOML files")
	flag.StringVar(&resultsRoot, "results", "results", "root directory result artifacts are written under")
	flag.StringVar(&runID, "run_id", os.Getenv(env.RunID), "output namespace for this run (default: a generated id)")
	flag.IntVar(&maxWorkers, "max_workers", intEnvOrDefault(env.MaxWorkers, 8), "maximum concurrent instances in flight")
	flag.IntVar(&timeoutSeconds, "timeout", intEnvOrDefault(env.ContainerTimeoutSeconds, 1800), "per-instance eval timeout, in seconds, used when a profile does not set one")
	flag.StringVar(&instanceIDs, "instance_ids", "", "comma-separated subset of instance ids to run (default: all)")
	flag.BoolVar(&forceRebuild, "force_rebuild", envForceRebuild, "reprocess instances even if already complete for run_id")
	flag.StringVar(&cacheLevelFlag, "cache_level", stringEnvOrDefault(env.CacheLevel, "all"), "image cache retention policy: all|base|env|instance|none")
	flag.StringVar(&namespace, "namespace", os.Getenv(env.Namespace), "registry namespace prefix for built images (may be empty)")
	flag.BoolVar(&captureLogs, "capture_logs", true, "persist each instance's eval script output as run.log")
	flag.StringVar(&mode, "mode", "eval", "eval (grade predictions) or collect (derive FAIL_TO_PASS/PASS_TO_PASS via the two-pass Collector)")
	flag.StringVar(&collectOutput, "collect_output", "collected.jsonl", "dataset path written in -mode collect, with FAIL_TO_PASS/PASS_TO_PASS populated")
	flag.Parse()

	if mode != "eval" && mode != "collect" {
		fmt.Fprintf(os.Stderr, "evalharness: invalid -mode %q: want eval or collect\n", mode)
		return 2
	}

	if debug, derr := env.IsDebugMode(); derr != nil {
		fmt.Fprintf(os.Stderr, "evalharness: %v\n", derr)
		return 2
	} else if debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	if datasetPath == "" || (mode == "eval" && predictionsPath == "") {
		fmt.Fprintln(os.Stderr, "evalharness: -dataset is required (-predictions is also required in -mode eval)")
		return 2
	}
	cacheLevel, err := parseCacheLevel(cacheLevelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evalharness: %v\n", err)
		return 2
	}
	if runID == "" {
		runID = xid.New().String()
	}

	instances, err := task.ReadDatasetFile(datasetPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evalharness: %v\n", err)
		return 2
	}
	instances, err = filterInstances(instances, instanceIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evalharness: %v\n", err)
		return 2
	}
	for _, inst := range instances {
		if err := inst.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "evalharness: %v\n", err)
			return 2
		}
	}

	table := profile.NewTable()
	if err := table.LoadDir(profilesDir); err != nil {
		fmt.Fprintf(os.Stderr, "evalharness: %v\n", err)
		return 2
	}

	eng := engine.NewDockerCLI()
	builder := imagebuilder.New(eng, namespace)
	rn := runner.New(eng)
	registry := logparser.NewRegistry(
		logparser.PytestParser{},
		logparser.GoTestParser{},
		logparser.WithTextFallback(logparser.JUnitXMLParser{}, logparser.PytestParser{}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	resolver := profile.NewResolver(table)
	resolver.SetDefaultTimeoutSeconds(timeoutSeconds)

	if mode == "collect" {
		return runCollect(ctx, resolver, builder, rn, registry, instances, collectOutput, cacheLevel)
	}

	predictions, err := task.ReadPredictionsFile(predictionsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evalharness: %v\n", err)
		return 2
	}

	writer := grader.NewReportWriter(resultsRoot, runID)
	s := scheduler.New(resolver, builder, rn, registry, writer, scheduler.Config{
		MaxWorkers:   maxWorkers,
		ForceRebuild: forceRebuild,
		CacheLevel:   cacheLevel,
		CaptureLogs:  captureLogs,
	})

	go logProgress(s)

	log.Printf("evalharness: run_id=%s instances=%d max_workers=%d", runID, len(instances), maxWorkers)
	start := time.Now()
	verdicts, err := s.Run(ctx, instances, predictions)
	log.Printf("evalharness: run_id=%s finished %d verdicts in %s", runID, len(verdicts), time.Since(start).Round(time.Second))

	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "evalharness: interrupted")
			return 1
		}
		fmt.Fprintf(os.Stderr, "evalharness: %v\n", err)
		return 1
	}
	return 0
}

// runCollect drives the Test Collector's two-pass mode over instances:
// build each instance's image once, run the Runner with only test_patch
// applied and then with test_patch+patch applied, and derive FAIL_TO_PASS
// / PASS_TO_PASS from the diff. The populated instances are written to
// collectOutput as a dataset the eval mode can consume directly.
func runCollect(ctx context.Context, resolver *profile.Resolver, builder *imagebuilder.Builder, rn *runner.Runner, registry *logparser.Registry, instances []task.Instance, collectOutput string, cacheLevel imagebuilder.CacheLevel) int {
	out := make([]task.Instance, 0, len(instances))
	for _, inst := range instances {
		ts, err := resolver.Resolve(inst)
		if err != nil {
			log.Printf("evalharness: %s: resolve failed: %v", inst.InstanceID, err)
			continue
		}
		parse := func(logPath string, reportPaths []string) (spec.ParsedResult, error) {
			blob, readErr := os.ReadFile(logPath)
			if readErr != nil {
				return nil, fmt.Errorf("reading collector log %q: %w", logPath, readErr)
			}
			reportBlobs, blobErr := runner.ReadReportBlobs(reportPaths)
			if blobErr != nil {
				return nil, fmt.Errorf("reading collector reports: %w", blobErr)
			}
			return registry.Parse(ts.LogParserID, string(blob), reportBlobs)
		}

		keys, tags, err := builder.Ensure(ctx, ts)
		if err != nil {
			log.Printf("evalharness: %s: build failed: %v", inst.InstanceID, err)
			continue
		}

		logDir, mkErr := os.MkdirTemp("", "collect-"+inst.InstanceID+"-")
		if mkErr != nil {
			log.Printf("evalharness: %s: %v", inst.InstanceID, mkErr)
			_ = builder.Release(ctx, keys.InstanceKey, cacheLevel)
			continue
		}

		c := runner.NewCollector(rn, parse)
		result, err := c.Collect(ctx, ts, tags.InstanceTag, inst.TestPatch, inst.Patch,
			filepath.Join(logDir, "before.log"), filepath.Join(logDir, "after.log"))
		_ = os.RemoveAll(logDir)
		_ = builder.Release(ctx, keys.InstanceKey, cacheLevel)
		_ = builder.Release(ctx, keys.EnvKey, cacheLevel)
		_ = builder.Release(ctx, keys.BaseKey, cacheLevel)

		if err != nil {
			log.Printf("evalharness: %s: collect failed: %v", inst.InstanceID, err)
			continue
		}
		for _, w := range result.Warnings {
			log.Printf("evalharness: %s: %s", inst.InstanceID, w)
		}

		inst.FailToPass = result.FailToPass
		inst.PassToPass = result.PassToPass
		out = append(out, inst)
	}

	if err := writeDatasetJSONL(collectOutput, out); err != nil {
		fmt.Fprintf(os.Stderr, "evalharness: %v\n", err)
		return 1
	}
	log.Printf("evalharness: collected %d/%d instances into %s", len(out), len(instances), collectOutput)
	return 0
}

func writeDatasetJSONL(path string, instances []task.Instance) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, inst := range instances {
		if err := enc.Encode(inst); err != nil {
			return fmt.Errorf("encoding instance %s: %w", inst.InstanceID, err)
		}
	}
	return fileutil.AtomicWriteFile(path, buf.Bytes(), 0644)
}

func logProgress(s *scheduler.Scheduler) {
	for e := range s.Events() {
		if e.Err != nil {
			log.Printf("evalharness: %s %s: %v", e.InstanceID, e.Kind, e.Err)
			continue
		}
		if e.Kind == scheduler.VerdictProduced && e.Verdict != nil {
			log.Printf("evalharness: %s -> %s (%s)", e.InstanceID, e.Verdict.Resolved, e.Verdict.Reason)
			continue
		}
		log.Printf("evalharness: %s %s", e.InstanceID, e.Kind)
	}
}

func parseCacheLevel(s string) (imagebuilder.CacheLevel, error) {
	switch imagebuilder.CacheLevel(strings.ToLower(s)) {
	case imagebuilder.CacheAll:
		return imagebuilder.CacheAll, nil
	case imagebuilder.CacheBase:
		return imagebuilder.CacheBase, nil
	case imagebuilder.CacheEnv:
		return imagebuilder.CacheEnv, nil
	case imagebuilder.CacheInstance:
		return imagebuilder.CacheInstance, nil
	case imagebuilder.CacheNone:
		return imagebuilder.CacheNone, nil
	default:
		return "", fmt.Errorf("invalid -cache_level %q: want one of all|base|env|instance|none", s)
	}
}

func intEnvOrDefault(name string, def int) int {
	val, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func stringEnvOrDefault(name, def string) string {
	if val, ok := os.LookupEnv(name); ok {
		return val
	}
	return def
}

func filterInstances(instances []task.Instance, idsFlag string) ([]task.Instance, error) {
	if idsFlag == "" {
		return instances, nil
	}
	want := make(map[string]bool)
	for _, id := range strings.Split(idsFlag, ",") {
		if id = strings.TrimSpace(id); id != "" {
			want[id] = true
		}
	}
	var out []task.Instance
	for _, inst := range instances {
		if want[inst.InstanceID] {
			out = append(out, inst)
			delete(want, inst.InstanceID)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for id := range want {
			missing = append(missing, id)
		}
		return nil, fmt.Errorf("-instance_ids not found in dataset: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
