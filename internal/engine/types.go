package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wing32s/gogrepoc/internal/chunktree"
	"github.com/wing32s/gogrepoc/internal/errors"
	"github.com/wing32s/gogrepoc/internal/lifecycle"
	"github.com/wing32s/gogrepoc/internal/manifest"
	"github.com/wing32s/gogrepoc/internal/progress"
	"go.opentelemetry.io/otel/trace"
)

// Task is one file transfer, owned end to end by a single worker.
// Only ExpectedSize changes after creation, when the host reports drift.
type Task struct {
	ID              uuid.UUID
	Entry           *manifest.Entry
	URL             string
	ExpectedSize    int64
	FinalPath       string
	DownloadingPath string
	ProvisionalPath string
	Tree            *chunktree.Tree

	charged int64 // budget bytes reserved for the task
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusUnchanged Status = "unchanged"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Observer receives per-file events and the periodic progress summary.
type Observer interface {
	Started(id, name string, size int64)
	Finished(id, name string, status Status, err error)
	Snapshot(snap progress.Snapshot)
}

type nopObserver struct{}

func (nopObserver) Started(string, string, int64) {}
func (nopObserver) Finished(string, string, Status, error) {}
func (nopObserver) Snapshot(progress.Snapshot) {}

// PersistFunc stores manifest entries whose size or flags the run changed.
type PersistFunc func(entries ...*manifest.Entry) error

type Options struct {
	Root           string
	Workers        int
	Budget         int64 // bytes; 0 means unlimited
	DryRun         bool
	NoPrealloc     bool
	Include        []string // path.Match patterns against entry names
	Exclude        []string
	SkipVerified   bool // trust previously verified final files without probing
	ReportInterval time.Duration
	Observer       Observer
	Persist        PersistFunc
	Tracer         trace.Tracer // spans per run and per file; no-op when nil
}

type Skip struct {
	Name   string
	Size   int64
	Reason string
}

type Failure struct {
	Name string
	Err  error
}

type Report struct {
	RunID         uuid.UUID
	Planned       []string // dry run only
	Completed     []string
	Unchanged     []string
	Skipped       []Skip
	Failed        []Failure
	Drifted       []string
	Recovery      *lifecycle.RecoveryReport
	QueuedBytes   int64 // budget bytes charged to admitted files
	BytesFetched  int64
	BytesVerified int64
}

// Incomplete lists every selected file that is not confirmed at its final
// location after the run.
func (r *Report) Incomplete() []string {
	var names []string
	for _, s := range r.Skipped {
		names = append(names, s.Name)
	}
	for _, f := range r.Failed {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// Err joins the per-file failures, nil when none failed.
func (r *Report) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", f.Name, f.Err))
	}
	return errors.Join(errs...)
}

// Conflicts lists files skipped because provisional and final copies exist.
func (r *Report) Conflicts() []string {
	var names []string
	for _, f := range r.Failed {
		if errors.IsKind(f.Err, errors.KindStateConflict) {
			names = append(names, f.Name)
		}
	}
	return names
}
