package engine

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wing32s/gogrepoc/internal/errors"
	"github.com/wing32s/gogrepoc/internal/lifecycle"
	"github.com/wing32s/gogrepoc/internal/manifest"
	"github.com/wing32s/gogrepoc/internal/metrics"
	"github.com/wing32s/gogrepoc/internal/prealloc"
	"github.com/wing32s/gogrepoc/internal/progress"
	"github.com/wing32s/gogrepoc/internal/scheduler"
	"github.com/wing32s/gogrepoc/internal/transfer"
	"github.com/wing32s/gogrepoc/internal/utils"
	"github.com/wing32s/gogrepoc/internal/verify"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultWorkers        = 4
	defaultReportInterval = time.Second
)

// Orchestrator turns manifest entries into tasks, runs them on the worker
// pool and promotes completed files once the pool has drained.
type Orchestrator struct {
	source    transfer.Source
	lifecycle *lifecycle.Manager
	verifier  *verify.Verifier
	allocator prealloc.Allocator
	tracker   *progress.Tracker
	observer  Observer
	tracer    trace.Tracer
	opts      Options

	mutex    sync.Mutex // guards report, promoted, changed and settled
	report   *Report
	promoted []*Task
	changed  map[string]*manifest.Entry
	settled  map[uuid.UUID]bool

	fetched  atomic.Int64
	verified atomic.Int64
}

func New(source transfer.Source, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = defaultReportInterval
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("gogrepoc/engine")
	}
	allocator := prealloc.New()
	if opts.NoPrealloc {
		allocator = prealloc.Disabled()
	}
	return &Orchestrator{
		source:    source,
		lifecycle: lifecycle.NewManager(opts.Root),
		verifier:  verify.New(source),
		allocator: allocator,
		tracker:   progress.NewTracker(),
		observer:  observer,
		tracer:    tracer,
		opts:      opts,
	}
}

// Run processes entries and returns what happened to each selected one.
// The returned error is set only when the run as a whole was aborted, for
// example by an exhausted token renewal; per-file failures are in the report.
func (o *Orchestrator) Run(ctx context.Context, entries []*manifest.Entry) (*Report, error) {
	for _, pattern := range append(append([]string{}, o.opts.Include...), o.opts.Exclude...) {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}
	o.report = &Report{RunID: uuid.New()}
	ctx, span := o.tracer.Start(ctx, "engine.Run", trace.WithAttributes(
		attribute.String("run.id", o.report.RunID.String()),
		attribute.Int("manifest.entries", len(entries)),
	))
	defer span.End()
	o.promoted = nil
	o.changed = make(map[string]*manifest.Entry)
	o.settled = make(map[uuid.UUID]bool)
	o.fetched.Store(0)
	o.verified.Store(0)
	logger := utils.GetLogger("engine").With().Str("run", o.report.RunID.String()).Logger()

	valid := o.rejectInvalid(entries)
	selected := o.filter(valid)
	logger.Info().Str("op", "engine/run").Msgf("%d of %d manifest entries selected", len(selected), len(entries))

	if !o.opts.DryRun {
		recovery, err := o.lifecycle.Recover(manifest.Expected(valid))
		if err != nil {
			return o.report, err
		}
		o.report.Recovery = recovery
	}

	tasks := o.admit(selected)
	if o.opts.DryRun {
		for _, task := range tasks {
			o.report.Planned = append(o.report.Planned, task.Entry.Name)
		}
		logger.Info().Str("op", "engine/run").Msgf("dry run: %d files, %d bytes would be queued", len(tasks), o.report.QueuedBytes)
		return o.report, nil
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	var monitorWg sync.WaitGroup
	monitorWg.Add(1)
	go func() {
		defer monitorWg.Done()
		o.monitor(monitorCtx)
	}()

	runErr := scheduler.Run(ctx, o.opts.Workers, tasks, o.process)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "run aborted")
	}
	stopMonitor()
	monitorWg.Wait()
	o.publish(o.tracker.Snapshot())

	for _, task := range tasks {
		if !o.settled[task.ID] {
			cause := ctx.Err()
			if cause == nil {
				cause = errors.ErrIncomplete
			}
			o.fail(task, errors.ClassifyTransport(cause, task.Entry.Name))
		}
	}

	o.finalize()
	o.report.BytesFetched = o.fetched.Load()
	o.report.BytesVerified = o.verified.Load()

	if err := o.persist(); err != nil {
		logger.Error().Str("op", "engine/run").Msgf("manifest changes not persisted: %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	logger.Info().Str("op", "engine/run").Msgf("%d completed, %d unchanged, %d skipped, %d failed, %d bytes fetched, %d bytes verified locally",
		len(o.report.Completed), len(o.report.Unchanged), len(o.report.Skipped), len(o.report.Failed), o.report.BytesFetched, o.report.BytesVerified)
	return o.report, runErr
}

// rejectInvalid reports entries whose names would resolve outside the root
// or into the staging areas as skipped and returns the rest.
func (o *Orchestrator) rejectInvalid(entries []*manifest.Entry) []*manifest.Entry {
	valid := make([]*manifest.Entry, 0, len(entries))
	for _, entry := range entries {
		if err := lifecycle.ValidateName(entry.Name); err != nil {
			log.Warn().Str("op", "engine/run").Msgf("skipping entry %q: %v", entry.Name, err)
			o.report.Skipped = append(o.report.Skipped, Skip{Name: entry.Name, Size: entry.Size, Reason: err.Error()})
			metrics.Files.WithLabelValues(string(StatusSkipped)).Inc()
			continue
		}
		valid = append(valid, entry)
	}
	return valid
}

func (o *Orchestrator) filter(entries []*manifest.Entry) []*manifest.Entry {
	var selected []*manifest.Entry
	for _, entry := range entries {
		if len(o.opts.Include) > 0 && !matchAny(o.opts.Include, entry.Name) {
			continue
		}
		if matchAny(o.opts.Exclude, entry.Name) {
			continue
		}
		selected = append(selected, entry)
	}
	return selected
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
		if ok, _ := path.Match(pattern, path.Base(name)); ok {
			return true
		}
	}
	return false
}

// admit builds tasks in manifest order. Each task is charged the bytes it
// may still fetch; a task whose charge would push the queued total past the
// budget is skipped and reported, and later, smaller tasks are still
// considered.
func (o *Orchestrator) admit(entries []*manifest.Entry) []*Task {
	layout := o.lifecycle.Layout()
	var tasks []*Task
	for _, entry := range entries {
		if o.opts.SkipVerified && entry.PreviouslyVerified && !entry.ForceChange {
			state, size, err := o.lifecycle.Locate(entry.Name)
			if err == nil && state == lifecycle.StateFinal && size == entry.Size {
				o.report.Unchanged = append(o.report.Unchanged, entry.Name)
				metrics.Files.WithLabelValues(string(StatusUnchanged)).Inc()
				continue
			}
		}
		charge := o.pendingBytes(entry)
		if o.opts.Budget > 0 && o.report.QueuedBytes+charge > o.opts.Budget {
			log.Warn().Str("op", "engine/admit").Msgf("skipping %s (%d bytes): download budget exceeded", entry.Name, entry.Size)
			o.report.Skipped = append(o.report.Skipped, Skip{Name: entry.Name, Size: entry.Size, Reason: errors.ErrBudgetExceeded.Error()})
			metrics.Files.WithLabelValues(string(StatusSkipped)).Inc()
			continue
		}
		o.report.QueuedBytes += charge
		task := &Task{
			ID:              uuid.New(),
			Entry:           entry,
			URL:             entry.URL,
			ExpectedSize:    entry.Size,
			FinalPath:       layout.Final(entry.Name),
			DownloadingPath: layout.Downloading(entry.Name),
			ProvisionalPath: layout.Provisional(entry.Name),
			charged:         charge,
		}
		if !o.opts.DryRun {
			o.tracker.Start(task.ID.String(), entry.Name, entry.Size)
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// pendingBytes is what an entry may still fetch, judged from local state
// alone. A confirmed copy of the manifest size costs nothing; anything else
// costs its full size, since local partial bytes are unverified until the
// worker hashes them.
func (o *Orchestrator) pendingBytes(entry *manifest.Entry) int64 {
	if entry.ForceChange {
		return entry.Size
	}
	state, size, err := o.lifecycle.Locate(entry.Name)
	if err != nil || size != entry.Size {
		return entry.Size
	}
	if state == lifecycle.StateFinal || state == lifecycle.StateProvisional {
		return 0
	}
	return entry.Size
}

// reserve raises the task's budget charge to size. It reports false and
// leaves the charge as is when the raise would exceed the budget.
func (o *Orchestrator) reserve(task *Task, size int64) bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	extra := size - task.charged
	if extra <= 0 {
		return true
	}
	if o.opts.Budget > 0 && o.report.QueuedBytes+extra > o.opts.Budget {
		return false
	}
	o.report.QueuedBytes += extra
	task.charged = size
	return true
}

// monitor samples shared progress once per interval until ctx is done.
func (o *Orchestrator) monitor(ctx context.Context) {
	ticker := time.NewTicker(o.opts.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.publish(o.tracker.Snapshot())
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) publish(snap progress.Snapshot) {
	metrics.RemainingBytes.Set(float64(snap.TotalRemaining))
	o.observer.Snapshot(snap)
}

// finalize promotes provisional files to their final names in a single
// thread, clears the entry flags and queues the entries for persistence.
func (o *Orchestrator) finalize() {
	sort.Slice(o.promoted, func(i, j int) bool {
		return o.promoted[i].Entry.Name < o.promoted[j].Entry.Name
	})
	for _, task := range o.promoted {
		name := task.Entry.Name
		if err := o.lifecycle.Finalize(name); err != nil {
			o.fail(task, err)
			continue
		}
		task.Entry.ForceChange = false
		task.Entry.PreviouslyVerified = false
		o.changed[name] = task.Entry
		o.report.Completed = append(o.report.Completed, name)
		metrics.Files.WithLabelValues(string(StatusCompleted)).Inc()
		o.observer.Finished(task.ID.String(), name, StatusCompleted, nil)
		log.Info().Str("op", "engine/finalize").Msgf("%s complete", name)
	}
}

func (o *Orchestrator) persist() error {
	if o.opts.Persist == nil || len(o.changed) == 0 {
		return nil
	}
	names := make([]string, 0, len(o.changed))
	for name := range o.changed {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]*manifest.Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, o.changed[name])
	}
	return o.opts.Persist(entries...)
}
