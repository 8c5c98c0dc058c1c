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

// Package scheduler implements the Work Scheduler: a bounded-parallelism
// driver over instances with cancellation, structured progress events,
// and resume-on-restart semantics.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/frame17/swebench-harness/pkg/grader"
	"github.com/frame17/swebench-harness/pkg/imagebuilder"
	"github.com/frame17/swebench-harness/pkg/logparser"
	"github.com/frame17/swebench-harness/pkg/profile"
	"github.com/frame17/swebench-harness/pkg/runner"
	"github.com/frame17/swebench-harness/pkg/spec"
	"github.com/frame17/swebench-harness/pkg/task"
)

// EventKind identifies the stage a progress Event reports on.
type EventKind int

// The closed set of progress events spec.md §4.7 "Progress" describes,
// typed so a terminal UI or test can assert on them structurally rather
// than scraping log lines.
const (
	InstanceStarted EventKind = iota
	ImageReady
	RunFinished
	VerdictProduced
)

func (k EventKind) String() string {
	switch k {
	case InstanceStarted:
		return "instance_started"
	case ImageReady:
		return "image_ready"
	case RunFinished:
		return "run_finished"
	case VerdictProduced:
		return "verdict_produced"
	default:
		return "unknown"
	}
}

// Event is one structured progress notification.
type Event struct {
	Kind       EventKind
	InstanceID string
	Verdict    *spec.Verdict // set only for VerdictProduced
	Err        error         // set when the stage failed
}

// Config controls one Scheduler run.
type Config struct {
	// MaxWorkers bounds concurrent instance processing. Defaults to 8.
	MaxWorkers int
	// ForceRebuild skips the resume check: every instance is reprocessed
	// even if a verdict.json already exists for the current run_id.
	ForceRebuild bool
	// CacheLevel controls which image layers survive each instance's
	// terminal RunRecord; see imagebuilder.CacheLevel.
	CacheLevel imagebuilder.CacheLevel
	// CaptureLogs controls whether the eval script's combined output is
	// persisted as run.log alongside the other result artifacts.
	CaptureLogs bool
}

// Scheduler drives every instance through Resolver -> Builder -> Runner ->
// Parser -> Grader, bounded to Config.MaxWorkers concurrent workers. Its
// only shared mutable state is the Builder's key->promise map and the
// ReportWriter's per-instance files, both already safe for concurrent use.
type Scheduler struct {
	resolver *profile.Resolver
	builder  *imagebuilder.Builder
	runner   *runner.Runner
	parsers  *logparser.Registry
	writer   *grader.ReportWriter
	cfg      Config

	events chan Event
}

// New constructs a Scheduler from its collaborators. cfg.MaxWorkers <= 0
// is normalized to 8, spec.md §6's documented default.
func New(resolver *profile.Resolver, builder *imagebuilder.Builder, rn *runner.Runner, parsers *logparser.Registry, writer *grader.ReportWriter, cfg Config) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	return &Scheduler{
		resolver: resolver,
		builder:  builder,
		runner:   rn,
		parsers:  parsers,
		writer:   writer,
		cfg:      cfg,
		events:   make(chan Event, 256),
	}
}

// Events returns the channel progress notifications are emitted on.
// Emission never blocks a worker: a full channel silently drops the
// event rather than stall instance processing.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

func (s *Scheduler) emit(e Event) {
	select {
	case s.events <- e:
	default:
	}
}

// Run processes every instance in instances whose prediction is present
// in predictions, skipping any instance already complete for the current
// run_id unless Config.ForceRebuild is set. A per-instance failure never
// aborts the run (spec.md §7 "per-instance errors never abort the run");
// only a cancelled ctx or an exhausted worker pool context stops early.
func (s *Scheduler) Run(ctx context.Context, instances []task.Instance, predictions task.Predictions) ([]*spec.Verdict, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxWorkers)

	var mu sync.Mutex
	var verdicts []*spec.Verdict

	for _, inst := range instances {
		inst := inst

		if !s.cfg.ForceRebuild && s.writer.IsComplete(inst.InstanceID) {
			continue
		}
		prediction, ok := predictions[inst.InstanceID]
		if !ok {
			continue
		}

		g.Go(func() error {
			v := s.runOne(gctx, inst, prediction)
			mu.Lock()
			verdicts = append(verdicts, v)
			mu.Unlock()
			return nil
		})
	}

	// g.Wait only returns an error here if gctx was cancelled (ctx.Err());
	// individual instance failures are captured as graded verdicts, never
	// propagated through the errgroup.
	if err := g.Wait(); err != nil {
		return verdicts, err
	}

	if err := s.writer.WriteSummary(verdicts); err != nil {
		return verdicts, err
	}
	return verdicts, nil
}

// runOne drives a single instance through every stage and always returns
// a Verdict, even when an early stage fails — grader.Grade translates a
// resolve/build/run/parse failure into the matching undefined-judgement
// resolution rather than the Scheduler needing a separate error path.
func (s *Scheduler) runOne(ctx context.Context, inst task.Instance, prediction string) *spec.Verdict {
	s.emit(Event{Kind: InstanceStarted, InstanceID: inst.InstanceID})

	ts, err := s.resolver.Resolve(inst)
	if err != nil {
		return s.finish(inst.InstanceID, ts, grader.Input{InstanceID: inst.InstanceID, RunID: s.writer.RunID(), RunErr: err})
	}

	keys, tags, err := s.builder.Ensure(ctx, ts)
	if err != nil {
		return s.finish(inst.InstanceID, ts, grader.Input{InstanceID: inst.InstanceID, RunID: s.writer.RunID(), RunErr: err})
	}
	s.emit(Event{Kind: ImageReady, InstanceID: inst.InstanceID})
	defer s.releaseImages(ctx, keys)

	logPath := ""
	if s.cfg.CaptureLogs {
		if dir, dirErr := s.writer.InstanceDir(inst.InstanceID); dirErr == nil {
			logPath = filepath.Join(dir, "run.log")
		}
	} else if f, tmpErr := os.CreateTemp("", "run-*.log"); tmpErr == nil {
		// The parser still needs the log; it is removed once parsed.
		logPath = f.Name()
		f.Close()
		defer os.Remove(logPath)
	}

	patch := applyOrder(inst.TestPatch, prediction)
	rec, runErr := s.runner.Run(ctx, ts, tags.InstanceTag, patch, logPath)
	s.emit(Event{Kind: RunFinished, InstanceID: inst.InstanceID, Err: runErr})

	in := grader.Input{
		InstanceID: inst.InstanceID,
		RunID:      s.writer.RunID(),
		Record:     rec,
		RunErr:     runErr,
		FailToPass: ts.FailToPass,
		PassToPass: ts.PassToPass,
	}

	if runErr == nil && rec != nil && !rec.TimedOut {
		blob, readErr := readLog(logPath)
		if readErr == nil {
			reportBlobs, blobErr := runner.ReadReportBlobs(rec.ReportPaths)
			if blobErr != nil {
				in.ParseErr = blobErr
			} else {
				in.Parsed, in.ParseErr = s.parsers.Parse(ts.LogParserID, blob, reportBlobs)
			}
		} else {
			in.ParseErr = readErr
		}
	}

	return s.finish(inst.InstanceID, ts, in)
}

// finish grades in, persists every result artifact, and emits the final
// progress event.
func (s *Scheduler) finish(instanceID string, ts spec.TestSpec, in grader.Input) *spec.Verdict {
	v := grader.Grade(in)

	_ = s.writer.WriteSpec(instanceID, ts)
	if in.Parsed != nil {
		_ = s.writer.WriteParsed(instanceID, in.Parsed)
	}
	_ = s.writer.WriteVerdict(v)

	s.emit(Event{Kind: VerdictProduced, InstanceID: instanceID, Verdict: v})
	return v
}

// releaseImages decrements the reference count on every image key this
// instance used, letting the imagebuilder evict per Config.CacheLevel
// once no other in-flight instance still references a key.
func (s *Scheduler) releaseImages(ctx context.Context, keys imagebuilder.Keys) {
	_ = s.builder.Release(ctx, keys.InstanceKey, s.cfg.CacheLevel)
	_ = s.builder.Release(ctx, keys.EnvKey, s.cfg.CacheLevel)
	_ = s.builder.Release(ctx, keys.BaseKey, s.cfg.CacheLevel)
}

// applyOrder concatenates testPatch and patch in the order spec.md's
// "Patch application ordering" design note requires: test_patch first,
// since it may introduce files patch then modifies.
func applyOrder(testPatch, patch string) string {
	if testPatch == "" {
		return patch
	}
	return testPatch + "\n" + patch
}

func readLog(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
