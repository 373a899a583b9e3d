package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
	"github.com/wing32s/gogrepoc/internal/errors"
	"github.com/wing32s/gogrepoc/internal/lifecycle"
	"github.com/wing32s/gogrepoc/internal/metrics"
	"github.com/wing32s/gogrepoc/internal/verify"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// process runs one task. Per-file failures are recorded and swallowed so
// the other workers keep going; only an expired session is returned, which
// stops the pool.
func (o *Orchestrator) process(ctx context.Context, worker int, task *Task) error {
	name := task.Entry.Name
	ctx, span := o.tracer.Start(ctx, "engine.task", trace.WithAttributes(
		attribute.String("file.name", name),
		attribute.Int64("file.size", task.ExpectedSize),
		attribute.Int("worker", worker),
	))
	defer span.End()
	o.observer.Started(task.ID.String(), name, task.ExpectedSize)
	status, err := o.runTask(ctx, worker, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errors.KindOf(err)))
	}
	switch {
	case err == nil && status == StatusUnchanged:
		o.mutex.Lock()
		o.settled[task.ID] = true
		o.report.Unchanged = append(o.report.Unchanged, name)
		o.mutex.Unlock()
		metrics.Files.WithLabelValues(string(StatusUnchanged)).Inc()
		o.observer.Finished(task.ID.String(), name, StatusUnchanged, nil)
		return nil
	case err == nil:
		o.mutex.Lock()
		o.settled[task.ID] = true
		o.promoted = append(o.promoted, task)
		o.mutex.Unlock()
		return nil
	case errors.Is(err, errors.ErrBudgetExceeded):
		log.Warn().Str("op", "engine/worker").Msgf("skipping %s (%d bytes): %v", name, task.ExpectedSize, err)
		o.skip(task, errors.ErrBudgetExceeded.Error())
		return nil
	case errors.Is(err, errors.ErrTreeMismatch):
		log.Error().Str("op", "engine/worker").Msgf("skipping %s: %v", name, err)
		o.skip(task, err.Error())
		return nil
	default:
		o.fail(task, err)
		if errors.IsKind(err, errors.KindAuthExpiry) {
			return err
		}
		return nil
	}
}

func (o *Orchestrator) runTask(ctx context.Context, worker int, task *Task) (Status, error) {
	name := task.Entry.Name
	id := task.ID.String()

	probe, err := o.source.Probe(ctx, task.URL)
	if err != nil {
		return StatusFailed, err
	}
	if probe.Size != task.ExpectedSize {
		o.correctDrift(task, probe.Size)
	}

	state, size, err := o.lifecycle.Locate(name)
	if err != nil {
		return StatusFailed, err
	}
	if state == lifecycle.StateFinal && size == task.ExpectedSize && !task.Entry.ForceChange {
		o.tracker.Finish(id)
		log.Debug().Str("op", "engine/worker").Msgf("%s is up to date", name)
		return StatusUnchanged, nil
	}
	if !o.reserve(task, task.ExpectedSize) {
		return StatusSkipped, errors.ErrBudgetExceeded
	}

	begun, err := o.lifecycle.Begin(name)
	if err != nil {
		return StatusFailed, err
	}
	if begun.ResumedFromFinal {
		log.Info().Str("op", "engine/worker").Msgf("re-verifying existing copy of %s", name)
	}
	if err := o.allocator.Preallocate(begun.Path, task.ExpectedSize); err != nil {
		log.Warn().Str("op", "engine/worker").Msgf("preallocation of %s failed, continuing without: %v", name, err)
	}

	result, err := o.confirm(ctx, worker, task, begun, probe.URL)
	if size, drifted := errors.DriftSize(err); drifted {
		// The response carried another total than the size lookup did.
		// Start over once at the size the host reported.
		o.correctDrift(task, size)
		if !o.reserve(task, size) {
			return StatusSkipped, errors.ErrBudgetExceeded
		}
		if err := o.allocator.Preallocate(begun.Path, task.ExpectedSize); err != nil {
			log.Warn().Str("op", "engine/worker").Msgf("preallocation of %s failed, continuing without: %v", name, err)
		}
		result, err = o.confirm(ctx, worker, task, begun, probe.URL)
	}
	if err != nil {
		return StatusFailed, err
	}

	remaining, _ := o.tracker.Remaining(id)
	if remaining != 0 {
		return StatusFailed, fmt.Errorf("%w: %d of %d bytes unconfirmed", errors.ErrIncomplete, remaining, task.ExpectedSize)
	}
	if err := o.lifecycle.Provisional(name); err != nil {
		return StatusFailed, err
	}
	o.tracker.Finish(id)
	log.Debug().Str("op", "engine/worker").Msgf("%s confirmed (%s): %d bytes fetched, %d verified locally",
		name, result.Mode, result.FetchedBytes, result.VerifiedBytes)
	return StatusCompleted, nil
}

// confirm fetches the chunk tree and runs the verifier over the downloading
// copy at the task's current expected size.
func (o *Orchestrator) confirm(ctx context.Context, worker int, task *Task, begun *lifecycle.Begun, treeURL string) (*verify.Result, error) {
	id := task.ID.String()
	tree, err := o.source.FetchChunkTree(ctx, treeURL)
	if err != nil {
		return nil, err
	}
	task.Tree = tree
	result, err := o.verifier.Run(ctx, verify.Request{
		Name:      task.Entry.Name,
		URL:       task.URL,
		Path:      begun.Path,
		Size:      task.ExpectedSize,
		LocalSize: begun.LocalSize,
		Tree:      tree,
		MD5:       task.Entry.MD5,
		Progress: func(delta int64) {
			o.tracker.Advance(worker, id, delta)
		},
	})
	if result != nil {
		o.fetched.Add(result.FetchedBytes)
		o.verified.Add(result.VerifiedBytes)
	}
	return result, err
}

// correctDrift adopts the host's size for the task and restarts its
// progress at that total.
func (o *Orchestrator) correctDrift(task *Task, size int64) {
	name := task.Entry.Name
	log.Warn().Str("op", "engine/worker").Msgf("%s: expected size %d differs from host size %d, using host size", name, task.ExpectedSize, size)
	task.ExpectedSize = size
	o.tracker.Resize(task.ID.String(), size)
	o.mutex.Lock()
	defer o.mutex.Unlock()
	task.Entry.Size = size
	if !slices.Contains(o.report.Drifted, name) {
		o.report.Drifted = append(o.report.Drifted, name)
	}
	o.changed[name] = task.Entry
}

func (o *Orchestrator) fail(task *Task, err error) {
	name := task.Entry.Name
	log.Error().Str("op", "engine/worker").Msgf("%s failed: %v", name, err)
	o.tracker.Finish(task.ID.String())
	o.mutex.Lock()
	o.settled[task.ID] = true
	o.report.Failed = append(o.report.Failed, Failure{Name: name, Err: err})
	o.mutex.Unlock()
	metrics.Files.WithLabelValues(string(StatusFailed)).Inc()
	o.observer.Finished(task.ID.String(), name, StatusFailed, err)
}

func (o *Orchestrator) skip(task *Task, reason string) {
	name := task.Entry.Name
	o.tracker.Finish(task.ID.String())
	o.mutex.Lock()
	o.settled[task.ID] = true
	o.report.Skipped = append(o.report.Skipped, Skip{Name: name, Size: task.ExpectedSize, Reason: reason})
	o.mutex.Unlock()
	metrics.Files.WithLabelValues(string(StatusSkipped)).Inc()
	o.observer.Finished(task.ID.String(), name, StatusSkipped, fmt.Errorf("%s", reason))
}
